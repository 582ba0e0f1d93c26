// Package dist connects the processes of a launch into a collective group.
//
// Rank 0 serves a websocket endpoint at the master address and every other
// rank dials it. Collectives are star shaped: workers send their buffers to
// rank 0, which reduces them in rank order and sends the result back, so
// every rank observes bit-identical results.
package dist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Path is the HTTP path of the group endpoint.
const Path = "/glmcheck/group"

// DefaultJoinTimeout bounds how long Join waits for the group to form.
const DefaultJoinTimeout = 60 * time.Second

// Errors returned by Join.
var (
	ErrBadRank     = errors.New("rank out of range")
	ErrRunMismatch = errors.New("peer belongs to another run")
)

// Config describes this process's membership in a group.
type Config struct {
	Rank      int
	WorldSize int
	// Addr is the host:port served by rank 0.
	Addr  string
	RunID string
	// Listener, if set, is used by rank 0 instead of listening on Addr.
	Listener    net.Listener
	JoinTimeout time.Duration
	Logger      *slog.Logger
}

// Group is a connected set of ranks. Collective calls must be made by every
// rank in the same order and must not run concurrently within a process.
type Group struct {
	cfg    Config
	logger *slog.Logger
	seq    uint64

	// rank 0; mu guards peers and closed against the accept handler.
	server *http.Server
	mu     sync.Mutex
	peers  []*websocket.Conn
	closed bool

	// other ranks
	conn *websocket.Conn
}

// Join connects to the group and returns once every rank is connected.
func Join(ctx context.Context, cfg Config) (*Group, error) {
	if cfg.WorldSize < 1 || cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrBadRank, cfg.Rank, cfg.WorldSize)
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Group{cfg: cfg, logger: logger.With("rank", cfg.Rank, "world_size", cfg.WorldSize)}
	if cfg.WorldSize == 1 {
		return g, nil
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.JoinTimeout)
	defer cancel()

	var err error
	if cfg.Rank == 0 {
		err = g.serve(ctx)
	} else {
		err = g.dial(ctx)
	}
	if err != nil {
		_ = g.Close()
		return nil, err
	}
	g.logger.Debug("group joined", "addr", cfg.Addr)
	return g, nil
}

// Rank returns this process's rank.
func (g *Group) Rank() int { return g.cfg.Rank }

// WorldSize returns the number of ranks.
func (g *Group) WorldSize() int { return g.cfg.WorldSize }

func (g *Group) serve(ctx context.Context) error {
	ln := g.cfg.Listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", g.cfg.Addr); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", g.cfg.Addr, err)
		}
	}

	g.peers = make([]*websocket.Conn, g.cfg.WorldSize)
	var (
		joined = 1
		ready  = make(chan struct{})
	)
	upgrader := websocket.Upgrader{ReadBufferSize: 64 << 10, WriteBufferSize: 64 << 10}

	mux := http.NewServeMux()
	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		rank, err := strconv.Atoi(r.URL.Query().Get("rank"))
		if err != nil || rank <= 0 || rank >= g.cfg.WorldSize {
			http.Error(w, ErrBadRank.Error(), http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("run") != g.cfg.RunID {
			http.Error(w, ErrRunMismatch.Error(), http.StatusConflict)
			return
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		if g.closed {
			http.Error(w, "group closed", http.StatusServiceUnavailable)
			return
		}
		if g.peers[rank] != nil {
			http.Error(w, "rank already joined", http.StatusConflict)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.logger.Warn("websocket upgrade failed", "peer", rank, "error", err)
			return
		}
		g.peers[rank] = conn
		joined++
		g.logger.Debug("peer joined", "peer", rank, "joined", joined)
		if joined == g.cfg.WorldSize {
			close(ready)
		}
	})

	g.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("group server stopped", "error", err)
		}
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		defer g.mu.Unlock()
		return fmt.Errorf("waiting for %d of %d ranks: %w", g.cfg.WorldSize-joined, g.cfg.WorldSize, ctx.Err())
	}
}

func (g *Group) dial(ctx context.Context) error {
	u := url.URL{
		Scheme:   "ws",
		Host:     g.cfg.Addr,
		Path:     Path,
		RawQuery: url.Values{"rank": {strconv.Itoa(g.cfg.Rank)}, "run": {g.cfg.RunID}}.Encode(),
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	backoff := 50 * time.Millisecond
	for {
		conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			g.conn = conn
			return nil
		}
		if resp != nil {
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusSwitchingProtocols {
				return fmt.Errorf("join %s: %s", u.Host, resp.Status)
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("join %s: %w (last error: %v)", u.Host, ctx.Err(), err)
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, time.Second)
	}
}

// AllReduceSum replaces data on every rank with the element-wise sum over
// all ranks. Rank 0 adds contributions in rank order.
func (g *Group) AllReduceSum(ctx context.Context, data []float32) error {
	if g.cfg.WorldSize == 1 {
		return nil
	}
	g.seq++
	stop := g.watch(ctx)
	defer stop()

	if g.cfg.Rank != 0 {
		if err := g.conn.WriteMessage(websocket.BinaryMessage, encodeFrame(kindReduce, g.seq, data)); err != nil {
			return g.fail(ctx, "send", err)
		}
		_, msg, err := g.conn.ReadMessage()
		if err != nil {
			return g.fail(ctx, "receive", err)
		}
		return decodeFrame(msg, kindResult, g.seq, data)
	}

	part := make([]float32, len(data))
	for rank := 1; rank < g.cfg.WorldSize; rank++ {
		_, msg, err := g.peers[rank].ReadMessage()
		if err != nil {
			return g.fail(ctx, fmt.Sprintf("receive from rank %d", rank), err)
		}
		if err := decodeFrame(msg, kindReduce, g.seq, part); err != nil {
			return fmt.Errorf("rank %d: %w", rank, err)
		}
		for i, v := range part {
			data[i] += v
		}
	}
	frame := encodeFrame(kindResult, g.seq, data)
	for rank := 1; rank < g.cfg.WorldSize; rank++ {
		if err := g.peers[rank].WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return g.fail(ctx, fmt.Sprintf("send to rank %d", rank), err)
		}
	}
	return nil
}

// Barrier returns once every rank has reached it.
func (g *Group) Barrier(ctx context.Context) error {
	return g.AllReduceSum(ctx, []float32{1})
}

// watch interrupts blocked reads and writes when ctx ends.
func (g *Group) watch(ctx context.Context) func() {
	stop := context.AfterFunc(ctx, func() {
		past := time.Unix(1, 0)
		for _, c := range g.conns() {
			_ = c.SetReadDeadline(past)
			_ = c.SetWriteDeadline(past)
		}
	})
	return func() { stop() }
}

func (g *Group) fail(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (g *Group) conns() []*websocket.Conn {
	if g.conn != nil {
		return []*websocket.Conn{g.conn}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*websocket.Conn
	for _, c := range g.peers {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Close disconnects from the group. Rank 0 also stops serving and refuses
// ranks that arrive late.
func (g *Group) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	var errs []error
	for _, c := range g.conns() {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		errs = append(errs, c.Close())
	}
	if g.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, g.server.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// FreeAddr returns a loopback address with a port that was free when
// checked, for use as a master address.
func FreeAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = ln.Close()
	}()
	return ln.Addr().String(), nil
}

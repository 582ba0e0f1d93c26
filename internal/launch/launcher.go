// Package launch starts a group of worker processes and runs named
// workers inside them.
package launch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/glmcheck/internal/dist"
)

// Launcher runs NProcs copies of a command, one per rank.
type Launcher struct {
	NProcs  int
	Command string
	Args    []string
	// Env is appended to the parent environment of every process.
	Env []string
	// MasterAddr defaults to a free loopback port.
	MasterAddr string
	Stdout     io.Writer
	Stderr     io.Writer
	Logger     *slog.Logger
}

// Run starts all processes and waits for them. It fails if any process
// exits non-zero; the remaining processes are then killed. Cancelling ctx
// kills the whole group.
func (l *Launcher) Run(ctx context.Context) error {
	if l.NProcs < 1 {
		return fmt.Errorf("nprocs must be >= 1, got %d", l.NProcs)
	}
	if l.Command == "" {
		return errors.New("no command to launch")
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stdout, stderr := l.Stdout, l.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	addr := l.MasterAddr
	if addr == "" {
		var err error
		if addr, err = dist.FreeAddr(); err != nil {
			return fmt.Errorf("failed to pick master address: %w", err)
		}
	}
	runID := uuid.NewString()
	logger = logger.With("run_id", runID)
	logger.Info("launching", "nprocs", l.NProcs, "command", l.Command, "master_addr", addr)

	start := time.Now()
	var outMu, errMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < l.NProcs; rank++ {
		env := Env{Rank: rank, WorldSize: l.NProcs, MasterAddr: addr, RunID: runID}
		out := &prefixWriter{mu: &outMu, w: stdout, prefix: fmt.Sprintf("[rank %d] ", rank)}
		errw := &prefixWriter{mu: &errMu, w: stderr, prefix: fmt.Sprintf("[rank %d] ", rank)}

		cmd := exec.CommandContext(gctx, l.Command, l.Args...)
		cmd.Env = append(append(os.Environ(), l.Env...), env.Vars()...)
		cmd.Stdout = out
		cmd.Stderr = errw
		cmd.WaitDelay = 5 * time.Second

		g.Go(func() error {
			err := cmd.Run()
			out.Flush()
			errw.Flush()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			logger.Debug("process exited", "rank", rank)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("launch failed", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		return err
	}
	logger.Info("all processes exited cleanly", "nprocs", l.NProcs, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// prefixWriter prefixes every complete line and writes it under a shared lock.
type prefixWriter struct {
	mu     *sync.Mutex
	w      io.Writer
	prefix string
	buf    []byte
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		p.emit(p.buf[:i+1])
		p.buf = p.buf[i+1:]
	}
	return len(b), nil
}

// Flush writes a trailing partial line.
func (p *prefixWriter) Flush() {
	if len(p.buf) > 0 {
		p.emit(append(p.buf, '\n'))
		p.buf = nil
	}
}

func (p *prefixWriter) emit(line []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.w, p.prefix)
	_, _ = p.w.Write(line)
}

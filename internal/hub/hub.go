// Package hub resolves pretrained model identifiers to local files.
//
// An identifier is either a local directory or a "org/name" repository on a
// Hugging Face compatible hub. Repository files are cached under
//
//	<cache>/<org>--<name>/<revision>/<file>
//
// and downloaded on a cache miss unless the resolver is offline.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultEndpoint is the default hub endpoint.
	DefaultEndpoint = "https://huggingface.co"

	// DefaultRevision is the branch resolved when none is given.
	DefaultRevision = "main"

	// DefaultUserAgent is sent with every request.
	DefaultUserAgent = "glmcheck/1.0 (Go)"
)

// Errors returned by Resolve.
var (
	ErrNotFound = errors.New("file not found")
	ErrOffline  = errors.New("file not cached and resolver is offline")
	ErrLocked   = errors.New("download already in progress")
)

// File names a file inside a model repository.
type File struct {
	Name     string
	Optional bool // a missing optional file is not an error
}

// Required returns a required file entry.
func Required(name string) File { return File{Name: name} }

// Optional returns an optional file entry.
func Optional(name string) File { return File{Name: name, Optional: true} }

// Snapshot is a resolved set of local files for one model.
type Snapshot struct {
	ID    string
	Dir   string
	files map[string]string
}

// Path returns the local path of a resolved file.
func (s *Snapshot) Path(name string) (string, bool) {
	p, ok := s.files[name]
	return p, ok
}

// Resolver maps model identifiers to local snapshots.
type Resolver struct {
	Endpoint   string
	CacheDir   string
	Revision   string
	Offline    bool
	UserAgent  string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewResolver creates a resolver with defaults taken from the environment:
// HF_ENDPOINT for the endpoint and GLMCHECK_CACHE for the cache directory
// (falling back to the user cache directory).
func NewResolver() *Resolver {
	endpoint := os.Getenv("HF_ENDPOINT")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Resolver{
		Endpoint:  endpoint,
		CacheDir:  DefaultCacheDir(),
		Revision:  DefaultRevision,
		Offline:   os.Getenv("HF_HUB_OFFLINE") == "1",
		UserAgent: DefaultUserAgent,
		HTTPClient: &http.Client{
			Timeout: 0, // large checkpoints
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Logger: slog.Default(),
	}
}

// DefaultCacheDir returns GLMCHECK_CACHE or <user cache>/glmcheck.
func DefaultCacheDir() string {
	if dir := os.Getenv("GLMCHECK_CACHE"); dir != "" {
		return dir
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "glmcheck")
	}
	return filepath.Join(os.TempDir(), "glmcheck")
}

// Resolve returns local paths for the requested files of model id.
func (r *Resolver) Resolve(ctx context.Context, id string, files ...File) (*Snapshot, error) {
	if info, err := os.Stat(id); err == nil && info.IsDir() {
		return resolveLocal(id, files)
	}

	if err := validateRepoID(id); err != nil {
		return nil, err
	}

	revision := r.Revision
	if revision == "" {
		revision = DefaultRevision
	}
	dir := filepath.Join(r.CacheDir, strings.ReplaceAll(id, "/", "--"), revision)
	snap := &Snapshot{ID: id, Dir: dir, files: make(map[string]string)}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		local := filepath.Join(dir, filepath.FromSlash(f.Name))
		if _, err := os.Stat(local); err == nil {
			snap.files[f.Name] = local
			continue
		}

		if r.Offline {
			if f.Optional {
				continue
			}
			return nil, fmt.Errorf("%s/%s: %w", id, f.Name, ErrOffline)
		}

		err := r.download(ctx, id, revision, f.Name, local)
		switch {
		case err == nil:
			snap.files[f.Name] = local
		case errors.Is(err, ErrNotFound) && f.Optional:
			r.logger().Debug("optional file not on hub", "model", id, "file", f.Name)
		default:
			return nil, fmt.Errorf("%s/%s: %w", id, f.Name, err)
		}
	}
	return snap, nil
}

func resolveLocal(dir string, files []File) (*Snapshot, error) {
	snap := &Snapshot{ID: dir, Dir: dir, files: make(map[string]string)}
	for _, f := range files {
		p := filepath.Join(dir, filepath.FromSlash(f.Name))
		if _, err := os.Stat(p); err != nil {
			if f.Optional {
				continue
			}
			return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		snap.files[f.Name] = p
	}
	return snap, nil
}

func validateRepoID(id string) error {
	parts := strings.Split(id, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.Contains(id, "..") {
		return fmt.Errorf("invalid model id %q: expected a local directory or org/name", id)
	}
	return nil
}

// download fetches one file into local via a temp file and rename.
func (r *Resolver) download(ctx context.Context, id, revision, name, local string) error {
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	lockPath := local + ".lock"
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) //nolint:gosec // cache path.
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w (remove %s if stale)", ErrLocked, lockPath)
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	_, _ = fmt.Fprintf(lock, "pid=%d,time=%s", os.Getpid(), time.Now().Format(time.RFC3339))
	_ = lock.Close()
	defer func() {
		_ = os.Remove(lockPath)
	}()

	u, err := url.JoinPath(r.Endpoint, id, "resolve", revision, name)
	if err != nil {
		return fmt.Errorf("failed to build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent())
	if token := os.Getenv("HF_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %s from %s", resp.Status, u)
	}

	tmp, err := os.CreateTemp(filepath.Dir(local), filepath.Base(local)+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	start := time.Now()
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return fmt.Errorf("short download of %s: got %d of %d bytes", name, n, resp.ContentLength)
	}
	if err := os.Rename(tmpName, local); err != nil {
		return fmt.Errorf("failed to move %s into cache: %w", name, err)
	}

	r.logger().Info("downloaded", "model", id, "file", name, "bytes", n, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (r *Resolver) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

func (r *Resolver) userAgent() string {
	if r.UserAgent != "" {
		return r.UserAgent
	}
	return DefaultUserAgent
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

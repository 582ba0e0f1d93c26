package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T, endpoint string) *Resolver {
	t.Helper()
	r := NewResolver()
	r.Endpoint = endpoint
	r.CacheDir = t.TempDir()
	r.Offline = false
	return r
}

func TestResolve_DownloadsAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		switch req.URL.Path {
		case "/THUDM/glm-large-chinese/resolve/main/config.json":
			_, _ = w.Write([]byte(`{"num_layers": 1}`))
		default:
			http.NotFound(w, req)
		}
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL)
	ctx := context.Background()

	snap, err := r.Resolve(ctx, "THUDM/glm-large-chinese", Required("config.json"), Optional("model.safetensors"))
	require.NoError(t, err)

	p, ok := snap.Path("config.json")
	require.True(t, ok)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"num_layers": 1}`, string(data))
	assert.Equal(t, filepath.Join(r.CacheDir, "THUDM--glm-large-chinese", "main", "config.json"), p)

	_, ok = snap.Path("model.safetensors")
	assert.False(t, ok, "optional 404 is skipped")

	before := hits.Load()
	_, err = r.Resolve(ctx, "THUDM/glm-large-chinese", Required("config.json"))
	require.NoError(t, err)
	assert.Equal(t, before, hits.Load(), "cached file is not fetched again")

	entries, err := os.ReadDir(filepath.Dir(p))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".part", "temp files are cleaned up")
		assert.NotContains(t, e.Name(), ".lock", "lock files are cleaned up")
	}
}

func TestResolve_RequiredMissing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	r := newTestResolver(t, srv.URL)
	_, err := r.Resolve(context.Background(), "org/model", Required("pytorch_model.bin"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL)
	_, err := r.Resolve(context.Background(), "org/model", Optional("config.json"))
	require.Error(t, err, "optional files still fail on server errors")
	assert.Contains(t, err.Error(), "500")
}

func TestResolve_Offline(t *testing.T) {
	r := newTestResolver(t, "http://127.0.0.1:0")
	r.Offline = true

	_, err := r.Resolve(context.Background(), "org/model", Required("config.json"))
	assert.ErrorIs(t, err, ErrOffline)

	snap, err := r.Resolve(context.Background(), "org/model", Optional("config.json"))
	require.NoError(t, err)
	_, ok := snap.Path("config.json")
	assert.False(t, ok)
}

func TestResolve_LocalDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o600))

	r := newTestResolver(t, "http://127.0.0.1:0")
	snap, err := r.Resolve(context.Background(), dir, Required("config.json"), Optional("model.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, dir, snap.Dir)

	_, err = r.Resolve(context.Background(), dir, Required("pytorch_model.bin"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_InvalidID(t *testing.T) {
	r := newTestResolver(t, "http://127.0.0.1:0")
	for _, id := range []string{"", "noslash", "a/b/c", "../x"} {
		_, err := r.Resolve(context.Background(), id, Required("config.json"))
		assert.Error(t, err, id)
	}
}

package launch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/born-ml/glmcheck/internal/glm"
)

// Job is what a worker receives inside a launched process.
type Job struct {
	Env      Env
	ModelID  string
	Strategy glm.Strategy
	// Options are passed to glm.FromPretrained.
	Options []glm.Option
	Logger  *slog.Logger
}

// Worker is a named program run by every process of a launch.
type Worker func(ctx context.Context, job Job) error

var (
	registryMu sync.RWMutex
	registry   = map[string]Worker{}
)

// Register adds a worker under name. It panics if the name is taken.
func Register(name string, w Worker) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("launch: worker %q registered twice", name))
	}
	registry[name] = w
}

// Lookup returns the worker registered under name.
func Lookup(name string) (Worker, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	w, ok := registry[name]
	return w, ok
}

// Workers returns the registered worker names, sorted.
func Workers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

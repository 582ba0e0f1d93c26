// Package config loads glmcheck settings from a YAML file.
//
// Settings are resolved in order: built-in defaults, environment, the
// config file, then command-line flags (applied by the caller).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/glmcheck/internal/export"
	"github.com/born-ml/glmcheck/internal/glm"
	"github.com/born-ml/glmcheck/internal/hub"
	"github.com/born-ml/glmcheck/internal/launch"
	"github.com/born-ml/glmcheck/internal/parity"
)

// EnvConfigFile names a config file to use when no path is given.
const EnvConfigFile = "GLMCHECK_CONFIG"

// Config is the root of the config file.
type Config struct {
	Model  string       `yaml:"model"`
	Hub    HubConfig    `yaml:"hub"`
	Checks ChecksConfig `yaml:"checks"`
	Export ExportConfig `yaml:"export"`
	Launch LaunchConfig `yaml:"launch"`
}

// HubConfig configures model resolution.
type HubConfig struct {
	Endpoint string `yaml:"endpoint"`
	CacheDir string `yaml:"cache_dir"`
	Revision string `yaml:"revision"`
	Offline  bool   `yaml:"offline"`
}

// ChecksConfig selects the equivalence checks to run.
type ChecksConfig struct {
	// Enabled lists check names; empty means all.
	Enabled []string `yaml:"enabled,omitempty"`
	// RTol overrides every check's relative tolerance when set. Zero is a
	// valid override and demands exact agreement.
	RTol *float64 `yaml:"rtol,omitempty"`
}

// ExportConfig configures the export check.
type ExportConfig struct {
	Enabled bool `yaml:"enabled"`
	// Inputs are input specs such as "input_ids[?,?]:int64"; empty means
	// the GLM defaults.
	Inputs []string `yaml:"inputs,omitempty"`
}

// LaunchConfig configures the distributed smoke test.
type LaunchConfig struct {
	NProcs   int    `yaml:"nprocs"`
	Worker   string `yaml:"worker"`
	Strategy string `yaml:"strategy"`
}

// Default returns the built-in configuration with environment defaults
// applied.
func Default() Config {
	r := hub.NewResolver()
	return Config{
		Model: glm.DefaultModelID,
		Hub: HubConfig{
			Endpoint: r.Endpoint,
			CacheDir: r.CacheDir,
			Revision: r.Revision,
			Offline:  r.Offline,
		},
		Export: ExportConfig{Enabled: true},
		Launch: LaunchConfig{NProcs: 2, Worker: launch.GLMTensorParallel, Strategy: glm.StrategyReference.String()},
	}
}

// Load reads path over the defaults. An empty path falls back to
// GLMCHECK_CONFIG and then to <user config>/glmcheck/config.yaml; a missing
// default file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
		explicit = os.Getenv(EnvConfigFile) != ""
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // user supplied config path.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// DefaultPath returns the config file used when none is given.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigFile); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "glmcheck", "config.yaml")
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Model == "" {
		errs = append(errs, errors.New("model must be set"))
	}
	known := make([]string, 0, 3)
	for _, chk := range parity.DefaultChecks(c.Model) {
		known = append(known, chk.Name)
	}
	for _, name := range c.Checks.Enabled {
		if !slices.Contains(known, name) {
			errs = append(errs, fmt.Errorf("unknown check %q (want one of %v)", name, known))
		}
	}
	if c.Checks.RTol != nil && *c.Checks.RTol < 0 {
		errs = append(errs, fmt.Errorf("checks.rtol must be >= 0, got %g", *c.Checks.RTol))
	}
	if len(c.Export.Inputs) > 0 {
		specs, err := c.InputSpecs()
		if err == nil {
			err = export.Validate(specs)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("export.inputs: %w", err))
		}
	}
	if c.Launch.NProcs < 1 {
		errs = append(errs, fmt.Errorf("launch.nprocs must be >= 1, got %d", c.Launch.NProcs))
	}
	if _, ok := launch.Lookup(c.Launch.Worker); !ok {
		errs = append(errs, fmt.Errorf("unknown worker %q (want one of %v)", c.Launch.Worker, launch.Workers()))
	}
	if _, err := glm.ParseStrategy(c.Launch.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("launch.strategy: %w", err))
	}
	return errors.Join(errs...)
}

// Resolver returns a hub resolver for the hub settings.
func (c Config) Resolver() *hub.Resolver {
	r := hub.NewResolver()
	if c.Hub.Endpoint != "" {
		r.Endpoint = c.Hub.Endpoint
	}
	if c.Hub.CacheDir != "" {
		r.CacheDir = c.Hub.CacheDir
	}
	if c.Hub.Revision != "" {
		r.Revision = c.Hub.Revision
	}
	r.Offline = c.Hub.Offline
	return r
}

// EnabledChecks returns the configured checks for the model.
func (c Config) EnabledChecks() []parity.Check {
	all := parity.DefaultChecks(c.Model)
	checks := make([]parity.Check, 0, len(all))
	for _, chk := range all {
		if len(c.Checks.Enabled) > 0 && !slices.Contains(c.Checks.Enabled, chk.Name) {
			continue
		}
		if c.Checks.RTol != nil {
			chk.RTol = *c.Checks.RTol
		}
		checks = append(checks, chk)
	}
	return checks
}

// InputSpecs returns the export input specs.
func (c Config) InputSpecs() ([]export.InputSpec, error) {
	if len(c.Export.Inputs) == 0 {
		return export.DefaultInputSpecs(), nil
	}
	specs := make([]export.InputSpec, 0, len(c.Export.Inputs))
	for _, s := range c.Export.Inputs {
		spec, err := export.ParseInputSpec(s)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Write saves c to path as YAML.
func (c Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/glmcheck/internal/export"
	"github.com/born-ml/glmcheck/internal/glm"
	"github.com/born-ml/glmcheck/internal/parity"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	t.Setenv("GLMCHECK_CACHE", "/tmp/glmcheck-cache")
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, glm.DefaultModelID, cfg.Model)
	assert.Equal(t, "/tmp/glmcheck-cache", cfg.Hub.CacheDir)
	assert.Nil(t, cfg.Checks.RTol)
	for _, chk := range cfg.EnabledChecks() {
		assert.InDelta(t, parity.DefaultRTol, chk.RTol, 0)
	}
	assert.Len(t, cfg.EnabledChecks(), 3)
	assert.True(t, cfg.Export.Enabled)
	assert.Equal(t, 2, cfg.Launch.NProcs)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
model: /models/glm
hub:
  offline: true
  cache_dir: /cache
checks:
  enabled: [native]
  rtol: 1e-5
export:
  enabled: false
  inputs:
    - "input_ids[1,?]:int64"
    - "position_ids[1,2,?]"
    - "attention_mask[1,1,?,?]"
launch:
  nprocs: 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/models/glm", cfg.Model)
	assert.True(t, cfg.Hub.Offline)
	assert.False(t, cfg.Export.Enabled)
	assert.Equal(t, 4, cfg.Launch.NProcs)
	assert.Equal(t, "glm_mp", cfg.Launch.Worker, "unset keys keep defaults")

	checks := cfg.EnabledChecks()
	require.Len(t, checks, 1)
	assert.Equal(t, "native", checks[0].Name)
	assert.Equal(t, "/models/glm", checks[0].ModelID)
	assert.InDelta(t, 1e-5, checks[0].RTol, 0)
	assert.Equal(t, parity.NativeStatistic, checks[0].Expected)

	specs, err := cfg.InputSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.Equal(t, "input_ids[1,?]:int64", specs[0].String())
	assert.Equal(t, "position_ids[1,2,?]:int64", specs[1].String())

	r := cfg.Resolver()
	assert.Equal(t, "/cache", r.CacheDir)
	assert.True(t, r.Offline)
}

func TestLoad_ZeroRTol(t *testing.T) {
	cfg, err := Load(writeConfig(t, "checks:\n  rtol: 0\n"))
	require.NoError(t, err)
	require.NotNil(t, cfg.Checks.RTol)

	checks := cfg.EnabledChecks()
	require.Len(t, checks, 3)
	for _, chk := range checks {
		assert.Zero(t, chk.RTol, chk.Name)
	}

	cfg, err = Load(writeConfig(t, "checks:\n  enabled: [torch]\n"))
	require.NoError(t, err)
	assert.InDelta(t, parity.DefaultRTol, cfg.EnabledChecks()[0].RTol, 0)
}

func TestLoad_Invalid(t *testing.T) {
	path := writeConfig(t, `
checks:
  enabled: [torch, onnx]
  rtol: -1
export:
  inputs: ["input_ids[?,?]:float32", "position_ids[?,2,?]", "attention_mask[?,?,?,?]"]
launch:
  nprocs: 0
  worker: nope
  strategy: fast
`)
	_, err := Load(path)
	require.Error(t, err)
	for _, want := range []string{`"onnx"`, "rtol", "float32", "nprocs", `"nope"`, "fast"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoad_Missing(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err, "missing default file is fine")
	assert.Equal(t, glm.DefaultModelID, cfg.Model)

	_, err = Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist, "explicit path must exist")

	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "nope.yaml"))
	_, err = Load("")
	assert.ErrorIs(t, err, os.ErrNotExist, "GLMCHECK_CONFIG must exist")
}

func TestLoad_Malformed(t *testing.T) {
	_, err := Load(writeConfig(t, "model: [unclosed"))
	assert.Error(t, err)
}

func TestWrite_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Model = "org/model"
	cfg.Checks.Enabled = []string{"torch"}
	rtol := 0.0
	cfg.Checks.RTol = &rtol
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	require.NoError(t, cfg.Write(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestInputSpecs_Default(t *testing.T) {
	specs, err := Default().InputSpecs()
	require.NoError(t, err)
	assert.Equal(t, export.DefaultInputSpecs(), specs)
}

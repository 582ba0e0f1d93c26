package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/glmcheck/internal/config"
	"github.com/born-ml/glmcheck/internal/export"
	"github.com/born-ml/glmcheck/internal/glm"
	"github.com/born-ml/glmcheck/internal/glmtest"
	"github.com/born-ml/glmcheck/internal/launch"
	"github.com/born-ml/glmcheck/internal/parity"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("GLMCHECK_CACHE", t.TempDir())

	var stdout, stderr bytes.Buffer
	cmd := NewGLMCheckCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	t.Log(stderr.String())
	return stdout.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "glmcheck "+Version)
	assert.Contains(t, out, launch.GLMTensorParallel)
}

func TestExport(t *testing.T) {
	dir := glmtest.NativeModelDir(t, glmtest.Config(128), 5)
	outDir := filepath.Join(t.TempDir(), "onnx")

	out, err := execute(t, "export", "-m", dir, "--offline", "-o", outDir, "--verify")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(outDir, "model.onnx"))
	assert.FileExists(t, filepath.Join(outDir, "model.onnx"))
	assert.FileExists(t, filepath.Join(outDir, "config.json"))
}

func TestExport_VerifyFailsOnDrift(t *testing.T) {
	cfg := glmtest.Config(128)
	ref := glmtest.Model(t, cfg, glm.Reference, 5)
	art, err := export.Export(context.Background(), ref, export.DefaultInputSpecs(), t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, verifyExport(context.Background(), art.Model, ref, export.DefaultVerifyATol, logger))

	native := glmtest.Model(t, cfg, glm.Native, 5)
	err = verifyExport(context.Background(), art.Model, native, 1e-6, logger)
	var mismatch *export.MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Greater(t, mismatch.MaxAbsDiff, 1e-6)
}

func TestExport_VerifyATolFlag(t *testing.T) {
	dir := glmtest.NativeModelDir(t, glmtest.Config(128), 5)
	_, err := execute(t, "export", "-m", dir, "-o", t.TempDir(), "--verify", "--verify-atol=-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "differs from forward pass")
}

func TestExport_BadInput(t *testing.T) {
	dir := glmtest.NativeModelDir(t, glmtest.Config(128), 5)
	_, err := execute(t, "export", "-m", dir, "-o", t.TempDir(), "--input", "input_ids[?,?]")
	assert.Error(t, err)
}

func TestVerify_ReportsMismatch(t *testing.T) {
	dir := glmtest.NativeModelDir(t, glmtest.Config(128), 5)

	out, err := execute(t, "verify", "-m", dir, "--offline",
		"--checks", "native", "--skip-launch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 checks failed")
	assert.Contains(t, out, "FAIL native")
	assert.Contains(t, out, "PASS export", "export does not depend on the statistic")
}

func TestVerify_ExportReusesNativeModel(t *testing.T) {
	cfg := glmtest.Config(128)
	loads := map[glm.Strategy]int{}
	var loaded []*glm.Model
	models := &nativeCache{load: func(_ context.Context, _ string, strategy glm.Strategy) (*glm.Model, error) {
		loads[strategy]++
		variant := glm.Native
		if strategy == glm.StrategyReference {
			variant = glm.Reference
		}
		m := glmtest.Model(t, cfg, variant, 5)
		loaded = append(loaded, m)
		return m, nil
	}}
	opts := &VerifyOptions{GlobalOptions: &GlobalOptions{
		Config: config.Default(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}}
	ctx := context.Background()

	results := parity.RunAll(ctx, opts.Config.EnabledChecks(), models.Load, opts.Logger)
	require.Len(t, results, 3)
	require.Len(t, loaded, 3)

	native, err := models.Native(ctx, opts.Config.Model)
	require.NoError(t, err)
	assert.Same(t, loaded[2], native)
	require.NoError(t, runExportCheck(ctx, opts, models))
	assert.Equal(t, 1, loads[glm.StrategyNative], "export must not reload the native model")

	// Without the native check the export step loads its own model.
	fresh := &nativeCache{load: models.load}
	_, err = fresh.Native(ctx, opts.Config.Model)
	require.NoError(t, err)
	assert.Equal(t, 2, loads[glm.StrategyNative])
}

func TestVerify_UnknownCheck(t *testing.T) {
	_, err := execute(t, "verify", "--checks", "bogus", "--skip-export", "--skip-launch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestConvert_RefusesOverwrite(t *testing.T) {
	dir := glmtest.NativeModelDir(t, glmtest.Config(128), 5)
	_, err := execute(t, "convert", filepath.Join(dir, "model.safetensors"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overwrite")
}

func TestWorker_RequiresLaunchEnv(t *testing.T) {
	for _, k := range []string{launch.EnvRank, launch.EnvWorldSize, launch.EnvMasterAddr, launch.EnvRunID} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	_, err := execute(t, "worker", launch.GLMTensorParallel)
	require.Error(t, err)
	assert.Contains(t, err.Error(), launch.EnvRank)

	_, err = execute(t, "worker", "nope")
	assert.ErrorContains(t, err, "unknown worker")
}

func TestLaunch_UnknownWorker(t *testing.T) {
	_, err := execute(t, "launch", "--worker", "nope")
	assert.ErrorContains(t, err, "unknown worker")
}

func TestWorkerArgs(t *testing.T) {
	opts := &GlobalOptions{ConfigPath: "/etc/glmcheck.yaml", Verbose: true}
	opts.Config = config.Default()
	opts.Config.Model = "/models/glm"
	opts.Config.Hub.CacheDir = "/cache"

	args := workerArgs(opts, "glm_mp", "native")
	assert.Equal(t, []string{
		"worker", "glm_mp",
		"--model", "/models/glm",
		"--strategy", "native",
		"--cache-dir", "/cache",
		"--offline=false",
		"--config", "/etc/glmcheck.yaml",
		"--verbose",
	}, args)
}

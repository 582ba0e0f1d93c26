package parity

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/glmcheck/internal/glm"
	"github.com/born-ml/glmcheck/internal/glmtest"
	"github.com/born-ml/glmcheck/internal/tensor"
)

func TestAllClose(t *testing.T) {
	tests := []struct {
		name            string
		actual, desired float64
		rtol, atol      float64
		want            bool
	}{
		{"exact", NativeStatistic, NativeStatistic, DefaultRTol, 0, true},
		{"within rtol", 2.1089835, ReferenceStatistic, 1e-7, 0, true},
		{"outside rtol", NativeStatistic, ReferenceStatistic, 1e-7, 0, false},
		{"atol only", 1.0005, 1, 0, 1e-3, true},
		{"zero tolerance", 1, 1 + 1e-15, 0, 0, false},
		{"nan", math.NaN(), 1, 1, 1, false},
		{"same inf", math.Inf(1), math.Inf(1), 0, 0, true},
		{"opposite inf", math.Inf(1), math.Inf(-1), 1, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AllClose(tt.actual, tt.desired, tt.rtol, tt.atol))
		})
	}
}

func TestReferenceInput(t *testing.T) {
	ids := ReferenceInput()
	assert.Equal(t, tensor.Shape{1, 10}, ids.Shape())
	assert.Equal(t, []int64{100, 101, 102, 103, 104, 105, 106, 107, 108, 109}, ids.Data())
}

func TestDefaultChecks(t *testing.T) {
	checks := DefaultChecks("")
	require.Len(t, checks, 3)

	assert.Equal(t, glm.StrategyReference, checks[0].Strategy)
	assert.InDelta(t, 2.1089835166931152, checks[0].Expected, 0)
	for _, c := range checks[1:] {
		assert.InDelta(t, 2.109480381011963, c.Expected, 0)
	}
	for _, c := range checks {
		assert.Equal(t, glm.DefaultModelID, c.ModelID)
		assert.InDelta(t, 1e-7, c.RTol, 0)
	}
	assert.Equal(t, "/models/glm", DefaultChecks("/models/glm")[2].ModelID)
}

func tinyLoader(t *testing.T) Loader {
	t.Helper()
	cfg := glmtest.Config(128)
	return func(_ context.Context, _ string, s glm.Strategy) (*glm.Model, error) {
		return glmtest.Model(t, cfg, s.Variant(), 3), nil
	}
}

func TestRun_PassAndFail(t *testing.T) {
	load := tinyLoader(t)
	ctx := context.Background()

	baseline := Run(ctx, Check{Name: "baseline", Strategy: glm.StrategyNative, Expected: 0}, load)
	require.NotErrorIs(t, baseline.Err, glm.ErrTraining, "Run switches the model to inference mode")
	require.Greater(t, baseline.Actual, 0.0)
	assert.False(t, baseline.Passed)

	var mismatch *MismatchError
	require.ErrorAs(t, baseline.Err, &mismatch)
	assert.InDelta(t, baseline.Actual, mismatch.Actual, 0)

	ok := Run(ctx, Check{Name: "native", Strategy: glm.StrategyNative, Expected: baseline.Actual, RTol: DefaultRTol}, load)
	assert.True(t, ok.Passed, ok.String())
	assert.NoError(t, ok.Err)

	conv := Run(ctx, Check{Name: "auto-convert", Strategy: glm.StrategyAutoConvert, Expected: baseline.Actual}, load)
	assert.True(t, conv.Passed, "both native strategies agree exactly")

	ref := Run(ctx, Check{Name: "torch", Strategy: glm.StrategyReference, Expected: baseline.Actual, RTol: DefaultRTol}, load)
	assert.False(t, ref.Passed, "reference GELU differs from native")
	assert.InEpsilon(t, baseline.Actual, ref.Actual, 1e-2)
}

func TestRun_LoadError(t *testing.T) {
	boom := errors.New("boom")
	load := func(context.Context, string, glm.Strategy) (*glm.Model, error) { return nil, boom }

	r := Run(context.Background(), DefaultChecks("")[0], load)
	assert.False(t, r.Passed)
	assert.ErrorIs(t, r.Err, boom)
	assert.Contains(t, r.String(), "FAIL torch")
}

func TestRunAll(t *testing.T) {
	load := tinyLoader(t)
	checks := []Check{
		{Name: "a", Strategy: glm.StrategyNative, Expected: -1},
		{Name: "b", Strategy: glm.StrategyNative, ATol: math.Inf(1), Expected: 0},
	}

	results := RunAll(context.Background(), checks, load, nil)
	require.Len(t, results, 2)
	assert.False(t, results[0].Passed)
	assert.True(t, results[1].Passed, "infinite atol accepts any finite value")
	assert.Len(t, Failed(results), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results = RunAll(ctx, checks, load, nil)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

// TestDefaultChecks_Pretrained runs the recorded checks against real
// weights when GLMCHECK_MODEL_DIR points at a glm-large-chinese snapshot.
func TestDefaultChecks_Pretrained(t *testing.T) {
	dir := os.Getenv("GLMCHECK_MODEL_DIR")
	if dir == "" {
		t.Skip("GLMCHECK_MODEL_DIR not set")
	}
	results := RunAll(context.Background(), DefaultChecks(dir), PretrainedLoader(), nil)
	for _, r := range results {
		assert.True(t, r.Passed, r.String())
	}
}

// Package parity runs numerical equivalence checks of GLM loading strategies
// against recorded reference statistics.
package parity

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/born-ml/glmcheck/internal/glm"
	"github.com/born-ml/glmcheck/internal/tensor"
)

// Recorded mean(|logits|) of glm-large-chinese on ReferenceInput.
// The two values differ because the native profile uses exact GELU.
const (
	ReferenceStatistic = 2.1089835166931152
	NativeStatistic    = 2.109480381011963
	DefaultRTol        = 1e-7
)

// Check is one equivalence check.
type Check struct {
	Name     string
	ModelID  string
	Strategy glm.Strategy
	Expected float64
	RTol     float64
	ATol     float64
}

// Result is the outcome of a check.
type Result struct {
	Check    Check
	Actual   float64
	Passed   bool
	Err      error
	Duration time.Duration
}

// String formats the result as one report line.
func (r Result) String() string {
	status := "PASS"
	if !r.Passed {
		status = "FAIL"
	}
	if r.Err != nil {
		return fmt.Sprintf("%s %s: %v", status, r.Check.Name, r.Err)
	}
	return fmt.Sprintf("%s %s: got %.16g want %.16g (rtol %g) in %s",
		status, r.Check.Name, r.Actual, r.Check.Expected, r.Check.RTol, r.Duration.Round(time.Millisecond))
}

// Loader builds the model a check runs against.
type Loader func(ctx context.Context, id string, strategy glm.Strategy) (*glm.Model, error)

// PretrainedLoader returns a Loader backed by glm.FromPretrained.
func PretrainedLoader(opts ...glm.Option) Loader {
	return func(ctx context.Context, id string, strategy glm.Strategy) (*glm.Model, error) {
		return glm.FromPretrained(ctx, id, strategy, opts...)
	}
}

// DefaultChecks returns the three checks for glm-large-chinese.
func DefaultChecks(modelID string) []Check {
	if modelID == "" {
		modelID = glm.DefaultModelID
	}
	return []Check{
		{Name: "torch", ModelID: modelID, Strategy: glm.StrategyReference, Expected: ReferenceStatistic, RTol: DefaultRTol},
		{Name: "auto-convert", ModelID: modelID, Strategy: glm.StrategyAutoConvert, Expected: NativeStatistic, RTol: DefaultRTol},
		{Name: "native", ModelID: modelID, Strategy: glm.StrategyNative, Expected: NativeStatistic, RTol: DefaultRTol},
	}
}

// ReferenceInput returns token ids 100..109 with shape [1, 10].
func ReferenceInput() *tensor.Int64 {
	ids, err := tensor.Arange(100, 110).Reshape(1, -1)
	if err != nil {
		panic(err)
	}
	return ids
}

// Statistic returns mean(|logits|) of a forward-pass output.
func Statistic(out *glm.Output) float64 {
	return tensor.MeanAbs(out.Logits)
}

// AllClose reports whether |actual-desired| <= atol + rtol*|desired|.
// NaN never compares close; infinities are close only to themselves.
func AllClose(actual, desired, rtol, atol float64) bool {
	if math.IsNaN(actual) || math.IsNaN(desired) {
		return false
	}
	if math.IsInf(actual, 0) || math.IsInf(desired, 0) {
		return actual == desired
	}
	return math.Abs(actual-desired) <= atol+rtol*math.Abs(desired)
}

// Run loads the model for c, runs the reference input through it in
// inference mode and compares the statistic with c.Expected.
func Run(ctx context.Context, c Check, load Loader) Result {
	start := time.Now()
	res := Result{Check: c}

	model, err := load(ctx, c.ModelID, c.Strategy)
	if err != nil {
		res.Err = fmt.Errorf("load %s: %w", c.Strategy, err)
		res.Duration = time.Since(start)
		return res
	}
	model.Eval()

	out, err := model.Forward(ctx, glm.Inputs{InputIDs: ReferenceInput()})
	if err != nil {
		res.Err = fmt.Errorf("forward: %w", err)
		res.Duration = time.Since(start)
		return res
	}

	res.Actual = Statistic(out)
	res.Passed = AllClose(res.Actual, c.Expected, c.RTol, c.ATol)
	if !res.Passed {
		res.Err = &MismatchError{Actual: res.Actual, Expected: c.Expected, RTol: c.RTol, ATol: c.ATol}
	}
	res.Duration = time.Since(start)
	return res
}

// RunAll runs checks in order and logs each result. Every check runs even
// when an earlier one fails; a cancelled context stops the sequence.
func RunAll(ctx context.Context, checks []Check, load Loader, logger *slog.Logger) []Result {
	if logger == nil {
		logger = slog.Default()
	}
	results := make([]Result, 0, len(checks))
	for _, c := range checks {
		if err := ctx.Err(); err != nil {
			results = append(results, Result{Check: c, Err: err})
			continue
		}
		r := Run(ctx, c, load)
		attrs := []any{"check", c.Name, "strategy", c.Strategy, "actual", r.Actual,
			"expected", c.Expected, "elapsed", r.Duration.Round(time.Millisecond)}
		if r.Passed {
			logger.Info("check passed", attrs...)
		} else {
			logger.Error("check failed", append(attrs, "error", r.Err)...)
		}
		results = append(results, r)
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// MismatchError reports a statistic outside tolerance.
type MismatchError struct {
	Actual, Expected float64
	RTol, ATol       float64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("not close: actual %.16g, desired %.16g, |diff| %.3g > atol %g + rtol %g*|desired|",
		e.Actual, e.Expected, math.Abs(e.Actual-e.Expected), e.ATol, e.RTol)
}

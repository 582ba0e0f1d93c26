package export

import (
	"context"
	"fmt"
	"math"

	"github.com/born-ml/glmcheck/internal/glm"
	"github.com/born-ml/glmcheck/internal/onnx"
	"github.com/born-ml/glmcheck/internal/tensor"
)

// ExplicitInputs fills in the default positions (arange, zero blocks) and
// causal mask for ids of shape [batch, seq], as the exported graph has no
// optional inputs.
func ExplicitInputs(ids *tensor.Int64) (glm.Inputs, error) {
	shape := ids.Shape()
	if len(shape) != 2 {
		return glm.Inputs{}, fmt.Errorf("input_ids must have shape [batch, seq], got %v", shape)
	}
	batch, seq := shape[0], shape[1]

	pos := make([]int64, batch*2*seq)
	mask := make([]int64, batch*seq*seq)
	for b := 0; b < batch; b++ {
		for s := 0; s < seq; s++ {
			pos[b*2*seq+s] = int64(s)
			for j := 0; j <= s; j++ {
				mask[(b*seq+s)*seq+j] = 1
			}
		}
	}
	positions, err := tensor.NewInt64(tensor.Shape{batch, 2, seq}, pos)
	if err != nil {
		return glm.Inputs{}, err
	}
	attention, err := tensor.NewInt64(tensor.Shape{batch, 1, seq, seq}, mask)
	if err != nil {
		return glm.Inputs{}, err
	}
	return glm.Inputs{InputIDs: ids, PositionIDs: positions, AttentionMask: attention}, nil
}

// Verify runs the exported model at path and model itself on the same
// inputs and returns the largest absolute difference between their logits.
func Verify(ctx context.Context, path string, model *glm.Model, ids *tensor.Int64) (float64, error) {
	proto, err := onnx.ReadFile(path)
	if err != nil {
		return 0, err
	}
	sess, err := onnx.NewSession(proto)
	if err != nil {
		return 0, err
	}
	in, err := ExplicitInputs(ids)
	if err != nil {
		return 0, err
	}

	outs, err := sess.Run(ctx, map[string]*onnx.Value{
		"input_ids":      onnx.FromInt64(in.InputIDs),
		"position_ids":   onnx.FromInt64(in.PositionIDs),
		"attention_mask": onnx.FromInt64(in.AttentionMask),
	})
	if err != nil {
		return 0, fmt.Errorf("onnx run: %w", err)
	}
	got, err := outs["logits"].Array()
	if err != nil {
		return 0, err
	}

	if model.Training() {
		model.Eval()
		defer model.Train()
	}
	want, err := model.Forward(ctx, in)
	if err != nil {
		return 0, fmt.Errorf("forward: %w", err)
	}
	if !got.Shape().Equal(want.Logits.Shape()) {
		return 0, fmt.Errorf("exported logits have shape %v, model produced %v", got.Shape(), want.Logits.Shape())
	}

	var maxDiff float64
	for i, v := range want.Logits.Data() {
		maxDiff = math.Max(maxDiff, math.Abs(float64(v)-float64(got.Data()[i])))
	}
	return maxDiff, nil
}

// DefaultVerifyATol bounds the logits difference VerifyWithin accepts.
const DefaultVerifyATol = 1e-4

// MismatchError reports exported logits that drift from the forward pass.
type MismatchError struct {
	MaxAbsDiff float64
	ATol       float64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("exported graph differs from forward pass: max |diff| %.3g > atol %g", e.MaxAbsDiff, e.ATol)
}

// VerifyWithin runs Verify and returns a *MismatchError when the largest
// difference is not within atol. A NaN difference always fails.
func VerifyWithin(ctx context.Context, path string, model *glm.Model, ids *tensor.Int64, atol float64) (float64, error) {
	diff, err := Verify(ctx, path, model, ids)
	if err != nil {
		return diff, err
	}
	if !(diff <= atol) {
		return diff, &MismatchError{MaxAbsDiff: diff, ATol: atol}
	}
	return diff, nil
}

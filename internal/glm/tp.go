package glm

import (
	"context"
	"fmt"

	"github.com/born-ml/glmcheck/internal/tensor"
)

// Reducer sums a buffer element-wise across all ranks, in place.
type Reducer interface {
	AllReduceSum(ctx context.Context, data []float32) error
}

// TensorParallel describes this process's slice of a tensor-parallel group.
type TensorParallel struct {
	Rank    int
	Degree  int
	Reducer Reducer
}

func (tp TensorParallel) reduce(ctx context.Context, a *tensor.Array) error {
	if tp.Degree <= 1 {
		return nil
	}
	if tp.Reducer == nil {
		return fmt.Errorf("tensor parallel degree %d without a reducer", tp.Degree)
	}
	return tp.Reducer.AllReduceSum(ctx, a.Data())
}

// TensorParallel returns the sharding applied to the model.
func (m *Model) TensorParallel() TensorParallel { return m.tp }

// Shard keeps only this rank's partition of every attention and MLP layer.
//
// The fused QKV projection and dense_h_to_4h are split by output columns
// (each rank keeps its own heads of Q, K and V). attention.dense and
// dense_4h_to_h are split by input rows; their biases stay whole and are
// added once after the all-reduce. Embeddings and norms are replicated.
// A degree of 1 is a no-op on an unsharded model; sharding twice is an
// error because the dropped partitions cannot be restored.
func (m *Model) Shard(tp TensorParallel) error {
	if m.tp.Degree > 1 {
		return fmt.Errorf("model is already sharded (degree %d)", m.tp.Degree)
	}
	if tp.Degree <= 1 {
		return nil
	}
	if tp.Rank < 0 || tp.Rank >= tp.Degree {
		return fmt.Errorf("rank %d out of range for degree %d", tp.Rank, tp.Degree)
	}
	if m.cfg.NumAttentionHeads%tp.Degree != 0 {
		return fmt.Errorf("num_attention_heads %d not divisible by tensor parallel degree %d",
			m.cfg.NumAttentionHeads, tp.Degree)
	}

	h := m.cfg.HiddenSize
	part := h / tp.Degree
	lo, hi := tp.Rank*part, (tp.Rank+1)*part
	ffnPart := 4 * h / tp.Degree
	ffnLo, ffnHi := tp.Rank*ffnPart, (tp.Rank+1)*ffnPart

	for _, l := range m.layers {
		l.qkvWeight = m.concatOut(
			m.sliceOut(l.qkvWeight, lo, hi),
			m.sliceOut(l.qkvWeight, h+lo, h+hi),
			m.sliceOut(l.qkvWeight, 2*h+lo, 2*h+hi),
		)
		l.qkvBias = concatVectors(
			tensor.SliceVector(l.qkvBias, lo, hi),
			tensor.SliceVector(l.qkvBias, h+lo, h+hi),
			tensor.SliceVector(l.qkvBias, 2*h+lo, 2*h+hi),
		)
		l.denseWeight = m.sliceIn(l.denseWeight, lo, hi)

		l.h4Weight = m.sliceOut(l.h4Weight, ffnLo, ffnHi)
		l.h4Bias = tensor.SliceVector(l.h4Bias, ffnLo, ffnHi)
		l.fourHWeight = m.sliceIn(l.fourHWeight, ffnLo, ffnHi)
	}

	m.heads = m.cfg.NumAttentionHeads / tp.Degree
	m.tp = tp
	return nil
}

// sliceOut keeps output features [lo, hi) of a linear weight.
func (m *Model) sliceOut(w *tensor.Array, lo, hi int) *tensor.Array {
	if m.layout == tensor.LayoutInOut {
		return tensor.SliceColumns(w, lo, hi)
	}
	return tensor.SliceRows(w, lo, hi)
}

// sliceIn keeps input features [lo, hi) of a linear weight.
func (m *Model) sliceIn(w *tensor.Array, lo, hi int) *tensor.Array {
	if m.layout == tensor.LayoutInOut {
		return tensor.SliceRows(w, lo, hi)
	}
	return tensor.SliceColumns(w, lo, hi)
}

func (m *Model) concatOut(parts ...*tensor.Array) *tensor.Array {
	if m.layout == tensor.LayoutInOut {
		return tensor.ConcatColumns(parts...)
	}
	transposed := make([]*tensor.Array, len(parts))
	for i, p := range parts {
		transposed[i] = tensor.Transpose2D(p)
	}
	return tensor.Transpose2D(tensor.ConcatColumns(transposed...))
}

func concatVectors(parts ...*tensor.Array) *tensor.Array {
	var data []float32
	for _, p := range parts {
		data = append(data, p.Data()...)
	}
	return tensor.MustNew(tensor.Shape{len(data)}, data)
}

package glm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/born-ml/glmcheck/internal/checkpoint"
	"github.com/born-ml/glmcheck/internal/parallel"
	"github.com/born-ml/glmcheck/internal/tensor"
)

// Variant selects the numerics profile of a model.
type Variant int

const (
	// Reference matches the upstream PyTorch GLM: [out, in] linear weights
	// and the tanh approximation of GELU.
	Reference Variant = iota
	// Native uses [in, out] linear weights and exact (erf) GELU.
	Native
)

// String returns the variant name.
func (v Variant) String() string {
	switch v {
	case Reference:
		return "reference"
	case Native:
		return "native"
	default:
		return "unknown"
	}
}

// Layout returns the linear weight layout used by the variant.
func (v Variant) Layout() tensor.WeightLayout {
	if v == Native {
		return tensor.LayoutInOut
	}
	return tensor.LayoutOutIn
}

// ErrTraining is returned by Forward when the model was not switched to inference mode.
var ErrTraining = errors.New("model is in training mode; call Eval before Forward")

// Masked attention scores are pushed to this value before softmax.
const maskedScore = 10000.0

type layerNorm struct {
	gamma, beta *tensor.Array
}

type layer struct {
	inputLN     layerNorm
	qkvWeight   *tensor.Array
	qkvBias     *tensor.Array
	denseWeight *tensor.Array
	denseBias   *tensor.Array
	postLN      layerNorm
	h4Weight    *tensor.Array // dense_h_to_4h
	h4Bias      *tensor.Array
	fourHWeight *tensor.Array // dense_4h_to_h
	fourHBias   *tensor.Array
}

// Model is a GLM encoder with tied output embeddings.
type Model struct {
	cfg     Config
	variant Variant
	layout  tensor.WeightLayout

	wordEmb     *tensor.Array
	posEmb      *tensor.Array
	blockPosEmb *tensor.Array
	layers      []*layer
	finalLN     layerNorm

	heads    int // attention heads held by this rank
	tp       TensorParallel
	training bool
	par      parallel.Config
	logger   *slog.Logger
}

// Inputs is one forward-pass batch.
type Inputs struct {
	// InputIDs has shape [batch, seq].
	InputIDs *tensor.Int64
	// PositionIDs has shape [batch, 2, seq]: positions then block positions.
	// Nil means arange(seq) and zero block positions.
	PositionIDs *tensor.Int64
	// AttentionMask is either [batch] separator indices (columns before the
	// separator are visible to every row) or an explicit [batch, 1, seq, seq]
	// 0/1 mask. Nil means a causal mask.
	AttentionMask *tensor.Int64
}

// Output is the result of a forward pass.
type Output struct {
	// Logits has shape [batch, seq, vocab].
	Logits *tensor.Array
}

// New binds the parameters of sd to a freshly constructed model.
// Names are looked up with and without the upstream "glm." prefix.
// The model starts in training mode.
func New(cfg Config, variant Variant, sd *checkpoint.StateDict) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.AttentionScale == 0 {
		cfg.AttentionScale = DefaultAttentionScale
	}

	m := &Model{
		cfg:      cfg,
		variant:  variant,
		layout:   variant.Layout(),
		heads:    cfg.NumAttentionHeads,
		tp:       TensorParallel{Degree: 1},
		training: true,
		par:      parallel.DefaultConfig(),
		logger:   slog.Default(),
	}

	b := binder{sd: sd}
	h := cfg.HiddenSize
	m.wordEmb = b.matrix("word_embeddings.weight", cfg.VocabSize, h)
	m.posEmb = b.rows("transformer.position_embeddings.weight", h)
	if cfg.BlockPositionEncoding {
		m.blockPosEmb = b.rows("transformer.block_position_embeddings.weight", h)
	}

	for i := 0; i < cfg.NumLayers; i++ {
		p := fmt.Sprintf("transformer.layers.%d.", i)
		m.layers = append(m.layers, &layer{
			inputLN:     b.norm(p+"input_layernorm", h),
			qkvWeight:   b.linear(p+"attention.query_key_value.weight", h, 3*h, m.layout),
			qkvBias:     b.vector(p+"attention.query_key_value.bias", 3*h),
			denseWeight: b.linear(p+"attention.dense.weight", h, h, m.layout),
			denseBias:   b.vector(p+"attention.dense.bias", h),
			postLN:      b.norm(p+"post_attention_layernorm", h),
			h4Weight:    b.linear(p+"mlp.dense_h_to_4h.weight", h, 4*h, m.layout),
			h4Bias:      b.vector(p+"mlp.dense_h_to_4h.bias", 4*h),
			fourHWeight: b.linear(p+"mlp.dense_4h_to_h.weight", 4*h, h, m.layout),
			fourHBias:   b.vector(p+"mlp.dense_4h_to_h.bias", h),
		})
	}
	m.finalLN = b.norm("transformer.final_layernorm", h)

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// Variant returns the numerics profile.
func (m *Model) Variant() Variant { return m.variant }

// Eval switches the model to inference mode.
func (m *Model) Eval() { m.training = false }

// Train switches the model to training mode.
func (m *Model) Train() { m.training = true }

// Training reports whether the model is in training mode.
func (m *Model) Training() bool { return m.training }

// SetLogger replaces the model's logger.
func (m *Model) SetLogger(l *slog.Logger) {
	if l != nil {
		m.logger = l
	}
}

// StateDict returns the parameters held by this rank under native names.
func (m *Model) StateDict() *checkpoint.StateDict {
	sd := checkpoint.NewStateDict()
	sd.Set("word_embeddings.weight", m.wordEmb)
	sd.Set("transformer.position_embeddings.weight", m.posEmb)
	if m.blockPosEmb != nil {
		sd.Set("transformer.block_position_embeddings.weight", m.blockPosEmb)
	}
	for i, l := range m.layers {
		p := fmt.Sprintf("transformer.layers.%d.", i)
		sd.Set(p+"input_layernorm.weight", l.inputLN.gamma)
		sd.Set(p+"input_layernorm.bias", l.inputLN.beta)
		sd.Set(p+"attention.query_key_value.weight", l.qkvWeight)
		sd.Set(p+"attention.query_key_value.bias", l.qkvBias)
		sd.Set(p+"attention.dense.weight", l.denseWeight)
		sd.Set(p+"attention.dense.bias", l.denseBias)
		sd.Set(p+"post_attention_layernorm.weight", l.postLN.gamma)
		sd.Set(p+"post_attention_layernorm.bias", l.postLN.beta)
		sd.Set(p+"mlp.dense_h_to_4h.weight", l.h4Weight)
		sd.Set(p+"mlp.dense_h_to_4h.bias", l.h4Bias)
		sd.Set(p+"mlp.dense_4h_to_h.weight", l.fourHWeight)
		sd.Set(p+"mlp.dense_4h_to_h.bias", l.fourHBias)
	}
	sd.Set("transformer.final_layernorm.weight", m.finalLN.gamma)
	sd.Set("transformer.final_layernorm.bias", m.finalLN.beta)
	return sd
}

// Forward runs the model on one batch.
func (m *Model) Forward(ctx context.Context, in Inputs) (*Output, error) {
	if m.training {
		return nil, ErrTraining
	}
	if in.InputIDs == nil || len(in.InputIDs.Shape()) != 2 {
		return nil, fmt.Errorf("input_ids must have shape [batch, seq]")
	}
	batch, seq := in.InputIDs.Shape()[0], in.InputIDs.Shape()[1]

	positions, blocks, err := splitPositions(in.PositionIDs, batch, seq)
	if err != nil {
		return nil, err
	}
	mask, err := buildMask(in.AttentionMask, batch, seq)
	if err != nil {
		return nil, err
	}

	hidden, err := tensor.Gather(m.wordEmb, in.InputIDs.Data())
	if err != nil {
		return nil, fmt.Errorf("word embeddings: %w", err)
	}
	posEmb, err := tensor.Gather(m.posEmb, positions)
	if err != nil {
		return nil, fmt.Errorf("position embeddings: %w", err)
	}
	tensor.AddInPlace(hidden, posEmb)
	if m.blockPosEmb != nil {
		blockEmb, err := tensor.Gather(m.blockPosEmb, blocks)
		if err != nil {
			return nil, fmt.Errorf("block position embeddings: %w", err)
		}
		tensor.AddInPlace(hidden, blockEmb)
	}

	for i, l := range m.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hidden, err = m.layerForward(ctx, l, hidden, batch, seq, mask)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}

	hidden = tensor.LayerNorm(hidden, m.finalLN.gamma, m.finalLN.beta, m.cfg.LayerNormEpsilon)
	logits := tensor.MatMulTransB(hidden, m.wordEmb)
	logits, err = logits.Reshape(batch, seq, m.cfg.VocabSize)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("forward", "variant", m.variant, "batch", batch, "seq", seq, "rank", m.tp.Rank)
	return &Output{Logits: logits}, nil
}

func (m *Model) layerForward(ctx context.Context, l *layer, hidden *tensor.Array, batch, seq int, mask []float32) (*tensor.Array, error) {
	eps := m.cfg.LayerNormEpsilon

	ln := tensor.LayerNorm(hidden, l.inputLN.gamma, l.inputLN.beta, eps)
	qkv := tensor.Linear(ln, l.qkvWeight, l.qkvBias, m.layout)
	attnCtx := m.attention(qkv, batch, seq, mask)

	attn := tensor.Linear(attnCtx, l.denseWeight, nil, m.layout)
	if err := m.tp.reduce(ctx, attn); err != nil {
		return nil, fmt.Errorf("attention all-reduce: %w", err)
	}
	tensor.AddRowInPlace(attn, l.denseBias)
	tensor.AddInPlace(attn, hidden)

	ln2 := tensor.LayerNorm(attn, l.postLN.gamma, l.postLN.beta, eps)
	inter := tensor.Linear(ln2, l.h4Weight, l.h4Bias, m.layout)
	if m.variant == Native {
		tensor.GELUErfInPlace(inter)
	} else {
		tensor.GELUTanhInPlace(inter)
	}

	out := tensor.Linear(inter, l.fourHWeight, nil, m.layout)
	if err := m.tp.reduce(ctx, out); err != nil {
		return nil, fmt.Errorf("mlp all-reduce: %w", err)
	}
	tensor.AddRowInPlace(out, l.fourHBias)
	tensor.AddInPlace(out, attn)
	return out, nil
}

// attention computes masked multi-head self attention over a fused
// [batch*seq, 3*local] projection and returns [batch*seq, local].
func (m *Model) attention(qkv *tensor.Array, batch, seq int, mask []float32) *tensor.Array {
	headDim := m.cfg.HeadDim()
	local := m.heads * headDim
	width := 3 * local
	scale := float32(1 / math.Sqrt(float64(headDim)))

	out := tensor.Zeros(tensor.Shape{batch * seq, local})
	src, dst := qkv.Data(), out.Data()

	parallel.For(batch*m.heads, func(job int) {
		b, head := job/m.heads, job%m.heads
		qOff, kOff, vOff := head*headDim, local+head*headDim, 2*local+head*headDim
		scores := make([]float32, seq)

		for i := 0; i < seq; i++ {
			qRow := src[(b*seq+i)*width+qOff:][:headDim]
			maskRow := mask[(b*seq+i)*seq:][:seq]
			for j := 0; j < seq; j++ {
				kRow := src[(b*seq+j)*width+kOff:][:headDim]
				var dot float32
				for d := range qRow {
					dot += qRow[d] * kRow[d]
				}
				s := dot * scale
				mk := maskRow[j]
				scores[j] = s*mk - maskedScore*(1-mk)
			}
			row := tensor.MustNew(tensor.Shape{seq}, scores)
			tensor.SoftmaxInPlace(row)

			ctxRow := dst[(b*seq+i)*local+head*headDim:][:headDim]
			for j, p := range scores {
				vRow := src[(b*seq+j)*width+vOff:][:headDim]
				for d := range ctxRow {
					ctxRow[d] += p * vRow[d]
				}
			}
		}
	}, m.par)

	return out
}

// splitPositions returns flattened position and block-position ids.
func splitPositions(ids *tensor.Int64, batch, seq int) ([]int64, []int64, error) {
	positions := make([]int64, batch*seq)
	blocks := make([]int64, batch*seq)
	if ids == nil {
		for b := 0; b < batch; b++ {
			for s := 0; s < seq; s++ {
				positions[b*seq+s] = int64(s)
			}
		}
		return positions, blocks, nil
	}

	if !ids.Shape().Equal(tensor.Shape{batch, 2, seq}) {
		return nil, nil, fmt.Errorf("position_ids must have shape [%d, 2, %d], got %v", batch, seq, ids.Shape())
	}
	data := ids.Data()
	for b := 0; b < batch; b++ {
		copy(positions[b*seq:(b+1)*seq], data[b*2*seq:b*2*seq+seq])
		copy(blocks[b*seq:(b+1)*seq], data[b*2*seq+seq:(b+1)*2*seq])
	}
	return positions, blocks, nil
}

// buildMask returns a [batch, seq, seq] 0/1 mask as float32.
func buildMask(ids *tensor.Int64, batch, seq int) ([]float32, error) {
	mask := make([]float32, batch*seq*seq)

	if ids != nil && len(ids.Shape()) == 4 {
		if !ids.Shape().Equal(tensor.Shape{batch, 1, seq, seq}) {
			return nil, fmt.Errorf("attention_mask must have shape [%d, 1, %d, %d], got %v", batch, seq, seq, ids.Shape())
		}
		for i, v := range ids.Data() {
			if v != 0 {
				mask[i] = 1
			}
		}
		return mask, nil
	}

	seps := make([]int64, batch)
	if ids != nil {
		if !ids.Shape().Equal(tensor.Shape{batch}) {
			return nil, fmt.Errorf("attention_mask must have shape [%d] or [%d, 1, %d, %d], got %v",
				batch, batch, seq, seq, ids.Shape())
		}
		copy(seps, ids.Data())
	}
	for b := 0; b < batch; b++ {
		for i := 0; i < seq; i++ {
			for j := 0; j < seq; j++ {
				if j <= i || int64(j) < seps[b] {
					mask[(b*seq+i)*seq+j] = 1
				}
			}
		}
	}
	return mask, nil
}

// binder looks up parameters and collects shape errors.
type binder struct {
	sd   *checkpoint.StateDict
	errs []error
}

func (b *binder) get(name string) *tensor.Array {
	if arr, ok := b.sd.Get(name); ok {
		return arr
	}
	if arr, ok := b.sd.Get("glm." + name); ok {
		return arr
	}
	b.errs = append(b.errs, fmt.Errorf("missing parameter %s", name))
	return nil
}

func (b *binder) expect(name string, arr *tensor.Array, want tensor.Shape) *tensor.Array {
	if arr == nil {
		return nil
	}
	if !arr.Shape().Equal(want) {
		b.errs = append(b.errs, fmt.Errorf("parameter %s: shape %v, want %v", name, arr.Shape(), want))
		return nil
	}
	return arr
}

func (b *binder) matrix(name string, rows, cols int) *tensor.Array {
	return b.expect(name, b.get(name), tensor.Shape{rows, cols})
}

func (b *binder) rows(name string, cols int) *tensor.Array {
	arr := b.get(name)
	if arr == nil {
		return nil
	}
	if arr.Rank() != 2 || arr.Shape()[1] != cols {
		b.errs = append(b.errs, fmt.Errorf("parameter %s: shape %v, want [*, %d]", name, arr.Shape(), cols))
		return nil
	}
	return arr
}

func (b *binder) vector(name string, n int) *tensor.Array {
	return b.expect(name, b.get(name), tensor.Shape{n})
}

func (b *binder) linear(name string, in, out int, layout tensor.WeightLayout) *tensor.Array {
	if layout == tensor.LayoutInOut {
		return b.matrix(name, in, out)
	}
	return b.matrix(name, out, in)
}

func (b *binder) norm(prefix string, n int) layerNorm {
	return layerNorm{
		gamma: b.vector(prefix+".weight", n),
		beta:  b.vector(prefix+".bias", n),
	}
}

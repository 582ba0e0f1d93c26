// Package export writes a GLM model as a static ONNX inference graph.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/born-ml/glmcheck/internal/checkpoint"
	"github.com/born-ml/glmcheck/internal/glm"
	"github.com/born-ml/glmcheck/internal/onnx"
	"github.com/born-ml/glmcheck/internal/tensor"
)

// Artifact file names written by Export.
const (
	ModelFile  = "model.onnx"
	ConfigFile = "config.json"
)

// Artifacts lists the files written by Export.
type Artifacts struct {
	Dir    string
	Model  string
	Config string
}

// Export traces model into an ONNX graph with the given inputs and writes
// model.onnx and config.json into dir, creating it if needed.
func Export(ctx context.Context, model *glm.Model, specs []InputSpec, dir string) (Artifacts, error) {
	proto, err := Build(ctx, model, specs)
	if err != nil {
		return Artifacts{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifacts{}, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	art := Artifacts{
		Dir:    dir,
		Model:  filepath.Join(dir, ModelFile),
		Config: filepath.Join(dir, ConfigFile),
	}
	if err := onnx.WriteFile(art.Model, proto); err != nil {
		return Artifacts{}, err
	}
	cfg, err := json.MarshalIndent(model.Config(), "", "  ")
	if err != nil {
		return Artifacts{}, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(art.Config, cfg, 0o644); err != nil { //nolint:gosec // exported artifacts are world readable.
		return Artifacts{}, fmt.Errorf("failed to write %s: %w", art.Config, err)
	}
	return art, nil
}

// Check exports model into a fresh temporary directory that is always
// removed before returning. Success means the export raised no error.
func Check(ctx context.Context, model *glm.Model, specs []InputSpec, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	dir, err := os.MkdirTemp("", "glmcheck-export-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("failed to remove export dir", "dir", dir, "error", err)
		}
	}()

	start := time.Now()
	art, err := Export(ctx, model, specs, dir)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	info, err := os.Stat(art.Model)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	logger.Info("export succeeded", "variant", model.Variant(), "bytes", info.Size(),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// Build traces model into an in-memory ONNX model.
func Build(ctx context.Context, model *glm.Model, specs []InputSpec) (*onnx.ModelProto, error) {
	if err := Validate(specs); err != nil {
		return nil, err
	}
	if tp := model.TensorParallel(); tp.Degree > 1 {
		return nil, fmt.Errorf("cannot export a tensor-parallel shard (rank %d of %d)", tp.Rank, tp.Degree)
	}

	sd := model.StateDict()
	if model.Variant().Layout() == tensor.LayoutOutIn {
		var err error
		if sd, err = checkpoint.ToNative(sd); err != nil {
			return nil, err
		}
	}

	cfg := model.Config()
	b := &builder{sd: sd, graph: &onnx.GraphProto{Name: "glm"}}
	for i, s := range specs {
		dims := make([]int64, len(s.Shape))
		for d, v := range s.Shape {
			dims[d] = int64(v)
		}
		b.graph.Inputs = append(b.graph.Inputs,
			onnx.TensorValueInfo(s.Name, onnx.TensorProtoInt64, dims, glmInputs[i].dims))
	}

	hidden := b.embeddings(cfg)
	mask := b.op("Cast", []string{"attention_mask"}, onnx.AttrInt("to", onnx.TensorProtoFloat))
	penalty := b.op("Mul", []string{b.op("Sub", []string{b.scalar("one", 1), mask}), b.scalar("masked_score", 10000)})

	for i := 0; i < cfg.NumLayers; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hidden = b.layer(cfg, model.Variant(), fmt.Sprintf("transformer.layers.%d.", i), hidden, mask, penalty)
	}

	hidden = b.layerNorm("transformer.final_layernorm", hidden, cfg.LayerNormEpsilon)
	wordT := b.op("Transpose", []string{b.param("word_embeddings.weight")}, onnx.AttrInts("perm", 1, 0))
	logits := b.op("MatMul", []string{hidden, wordT})
	b.rename(logits, "logits")
	b.graph.Outputs = []onnx.ValueInfoProto{
		onnx.TensorValueInfo("logits", onnx.TensorProtoFloat, []int64{-1, -1, int64(cfg.VocabSize)}, []string{"batch", "seq"}),
	}

	if err := b.err(); err != nil {
		return nil, err
	}
	return &onnx.ModelProto{
		IRVersion:    onnx.IRVersion,
		OpsetImport:  []onnx.OperatorSetID{{Version: onnx.DefaultOpset}},
		ProducerName: "glmcheck",
		Graph:        b.graph,
		MetadataProps: []onnx.StringStringEntry{
			{Key: "model_type", Value: cfg.ModelType},
			{Key: "variant", Value: model.Variant().String()},
		},
	}, nil
}

type builder struct {
	sd      *checkpoint.StateDict
	graph   *onnx.GraphProto
	count   int
	consts  map[string]bool
	missing []string
}

// op appends a single-output node and returns the output name.
func (b *builder) op(opType string, inputs []string, attrs ...onnx.AttributeProto) string {
	return b.opN(opType, inputs, 1, attrs...)[0]
}

func (b *builder) opN(opType string, inputs []string, outputs int, attrs ...onnx.AttributeProto) []string {
	b.count++
	name := fmt.Sprintf("%s_%d", opType, b.count)
	outs := make([]string, outputs)
	for i := range outs {
		outs[i] = fmt.Sprintf("%s_out%d", name, i)
	}
	b.graph.Nodes = append(b.graph.Nodes, onnx.NodeProto{
		Name:       name,
		OpType:     opType,
		Inputs:     inputs,
		Outputs:    outs,
		Attributes: attrs,
	})
	return outs
}

// rename changes the name of the value produced by the last node.
func (b *builder) rename(from, to string) {
	last := &b.graph.Nodes[len(b.graph.Nodes)-1]
	for i, out := range last.Outputs {
		if out == from {
			last.Outputs[i] = to
		}
	}
}

// param adds the named state-dict entry as an initializer once.
func (b *builder) param(name string) string {
	if b.consts[name] {
		return name
	}
	arr, ok := b.sd.Get(name)
	if !ok {
		b.missing = append(b.missing, name)
		return name
	}
	dims := make([]int64, arr.Rank())
	for i, d := range arr.Shape() {
		dims[i] = int64(d)
	}
	b.addConst(onnx.FloatTensor(name, dims, arr.Data()))
	return name
}

func (b *builder) scalar(name string, v float32) string {
	if !b.consts[name] {
		b.addConst(onnx.FloatTensor(name, nil, []float32{v}))
	}
	return name
}

func (b *builder) ints(name string, dims []int64, vs ...int64) string {
	if !b.consts[name] {
		b.addConst(onnx.Int64Tensor(name, dims, vs))
	}
	return name
}

func (b *builder) addConst(t onnx.TensorProto) {
	if b.consts == nil {
		b.consts = make(map[string]bool)
	}
	b.consts[t.Name] = true
	b.graph.Initializers = append(b.graph.Initializers, t)
}

func (b *builder) err() error {
	if len(b.missing) > 0 {
		return fmt.Errorf("model is missing parameters %v", b.missing)
	}
	return nil
}

func (b *builder) embeddings(cfg glm.Config) string {
	hidden := b.op("Gather", []string{b.param("word_embeddings.weight"), "input_ids"})
	positions := b.op("Gather", []string{"position_ids", b.ints("index_0", nil, 0)}, onnx.AttrInt("axis", 1))
	hidden = b.op("Add", []string{hidden, b.op("Gather", []string{b.param("transformer.position_embeddings.weight"), positions})})
	if cfg.BlockPositionEncoding {
		blocks := b.op("Gather", []string{"position_ids", b.ints("index_1", nil, 1)}, onnx.AttrInt("axis", 1))
		hidden = b.op("Add", []string{hidden, b.op("Gather", []string{b.param("transformer.block_position_embeddings.weight"), blocks})})
	}
	return hidden
}

func (b *builder) layerNorm(prefix, x string, eps float32) string {
	return b.op("LayerNormalization",
		[]string{x, b.param(prefix + ".weight"), b.param(prefix + ".bias")},
		onnx.AttrInt("axis", -1), onnx.AttrFloat("epsilon", eps))
}

func (b *builder) linear(prefix, x string) string {
	return b.op("Add", []string{b.op("MatMul", []string{x, b.param(prefix + ".weight")}), b.param(prefix + ".bias")})
}

func (b *builder) layer(cfg glm.Config, variant glm.Variant, p, hidden, mask, penalty string) string {
	h, heads, headDim := int64(cfg.HiddenSize), int64(cfg.NumAttentionHeads), int64(cfg.HeadDim())
	eps := cfg.LayerNormEpsilon

	ln := b.layerNorm(p+"input_layernorm", hidden, eps)
	qkv := b.linear(p+"attention.query_key_value", ln)
	parts := b.opN("Split", []string{qkv, b.ints("qkv_split", []int64{3}, h, h, h)}, 3, onnx.AttrInt("axis", -1))

	headShape := b.ints("head_shape", []int64{4}, 0, 0, heads, headDim)
	heads4 := func(x string, perm ...int64) string {
		return b.op("Transpose", []string{b.op("Reshape", []string{x, headShape})}, onnx.AttrInts("perm", perm...))
	}
	q := heads4(parts[0], 0, 2, 1, 3)
	kT := heads4(parts[1], 0, 2, 3, 1)
	v := heads4(parts[2], 0, 2, 1, 3)

	scale := b.scalar(fmt.Sprintf("attention_scale_%d", headDim), float32(1/math.Sqrt(float64(headDim))))
	scores := b.op("Mul", []string{b.op("MatMul", []string{q, kT}), scale})
	scores = b.op("Sub", []string{b.op("Mul", []string{scores, mask}), penalty})
	probs := b.op("Softmax", []string{scores}, onnx.AttrInt("axis", -1))

	ctx := b.op("Transpose", []string{b.op("MatMul", []string{probs, v})}, onnx.AttrInts("perm", 0, 2, 1, 3))
	ctx = b.op("Reshape", []string{ctx, b.ints("hidden_shape", []int64{3}, 0, 0, h)})
	attn := b.op("Add", []string{b.linear(p+"attention.dense", ctx), hidden})

	ln2 := b.layerNorm(p+"post_attention_layernorm", attn, eps)
	approx := "none"
	if variant == glm.Reference {
		approx = "tanh"
	}
	inter := b.op("Gelu", []string{b.linear(p+"mlp.dense_h_to_4h", ln2)}, onnx.AttrString("approximate", approx))
	return b.op("Add", []string{b.linear(p+"mlp.dense_4h_to_h", inter), attn})
}

package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/glmcheck/internal/checkpoint"
	"github.com/born-ml/glmcheck/internal/glm"
	"github.com/born-ml/glmcheck/internal/onnx"
	"github.com/born-ml/glmcheck/internal/tensor"
)

func tinyModel(t *testing.T, variant glm.Variant) *glm.Model {
	t.Helper()
	cfg := glm.Config{
		NumLayers:             2,
		VocabSize:             24,
		HiddenSize:            8,
		NumAttentionHeads:     2,
		MaxSequenceLength:     8,
		BlockPositionEncoding: true,
		LayerNormEpsilon:      glm.DefaultLayerNormEpsilon,
		ModelType:             "glm",
	}
	seed := 0
	fill := func(shape tensor.Shape, scale, offset float32) *tensor.Array {
		a := tensor.Zeros(shape)
		for i := range a.Data() {
			seed = (seed*1103515245 + 12345) & 0x7fffffff
			a.Data()[i] = offset + scale*(float32(seed%2000)/1000-1)
		}
		return a
	}
	h := cfg.HiddenSize
	sd := checkpoint.NewStateDict()
	sd.Set("word_embeddings.weight", fill(tensor.Shape{cfg.VocabSize, h}, 1, 0))
	sd.Set("transformer.position_embeddings.weight", fill(tensor.Shape{cfg.MaxSequenceLength, h}, 0.2, 0))
	sd.Set("transformer.block_position_embeddings.weight", fill(tensor.Shape{cfg.MaxSequenceLength, h}, 0.2, 0))
	for i := 0; i < cfg.NumLayers; i++ {
		p := fmt.Sprintf("transformer.layers.%d.", i)
		sd.Set(p+"input_layernorm.weight", fill(tensor.Shape{h}, 0.1, 1))
		sd.Set(p+"input_layernorm.bias", fill(tensor.Shape{h}, 0.1, 0))
		sd.Set(p+"attention.query_key_value.weight", fill(tensor.Shape{3 * h, h}, 0.5, 0))
		sd.Set(p+"attention.query_key_value.bias", fill(tensor.Shape{3 * h}, 0.1, 0))
		sd.Set(p+"attention.dense.weight", fill(tensor.Shape{h, h}, 0.5, 0))
		sd.Set(p+"attention.dense.bias", fill(tensor.Shape{h}, 0.1, 0))
		sd.Set(p+"post_attention_layernorm.weight", fill(tensor.Shape{h}, 0.1, 1))
		sd.Set(p+"post_attention_layernorm.bias", fill(tensor.Shape{h}, 0.1, 0))
		sd.Set(p+"mlp.dense_h_to_4h.weight", fill(tensor.Shape{4 * h, h}, 0.5, 0))
		sd.Set(p+"mlp.dense_h_to_4h.bias", fill(tensor.Shape{4 * h}, 0.1, 0))
		sd.Set(p+"mlp.dense_4h_to_h.weight", fill(tensor.Shape{h, 4 * h}, 0.3, 0))
		sd.Set(p+"mlp.dense_4h_to_h.bias", fill(tensor.Shape{h}, 0.1, 0))
	}
	sd.Set("transformer.final_layernorm.weight", fill(tensor.Shape{h}, 0.1, 1))
	sd.Set("transformer.final_layernorm.bias", fill(tensor.Shape{h}, 0.1, 0))

	if variant == glm.Native {
		native, err := checkpoint.ToNative(sd)
		require.NoError(t, err)
		sd = native
	}
	m, err := glm.New(cfg, variant, sd)
	require.NoError(t, err)
	return m
}

func TestExport_WritesArtifacts(t *testing.T) {
	m := tinyModel(t, glm.Native)
	dir := filepath.Join(t.TempDir(), "out")

	art, err := Export(context.Background(), m, DefaultInputSpecs(), dir)
	require.NoError(t, err)
	assert.FileExists(t, art.Model)
	assert.FileExists(t, art.Config)

	cfg, err := glm.LoadConfig(art.Config)
	require.NoError(t, err)
	assert.Equal(t, m.Config(), cfg)

	proto, err := onnx.ReadFile(art.Model)
	require.NoError(t, err)
	assert.Equal(t, int64(onnx.DefaultOpset), proto.Opset())
	assert.Equal(t, "native", proto.Metadata()["variant"])

	g := proto.Graph
	require.Len(t, g.Inputs, 3)
	for i, want := range []string{"input_ids", "position_ids", "attention_mask"} {
		in := g.Inputs[i]
		assert.Equal(t, want, in.Name)
		assert.Equal(t, int32(onnx.TensorProtoInt64), in.Type.TensorType.ElemType)
	}
	dims := g.Inputs[1].Type.TensorType.Shape.Dims
	require.Len(t, dims, 3)
	assert.Equal(t, "batch", dims[0].DimParam)
	assert.Equal(t, int64(2), dims[1].DimValue)
	assert.Equal(t, "seq", dims[2].DimParam)
	assert.Len(t, g.Inputs[2].Type.TensorType.Shape.Dims, 4)

	require.Len(t, g.Outputs, 1)
	assert.Equal(t, "logits", g.Outputs[0].Name)

	ops := map[string]int{}
	for _, n := range g.Nodes {
		ops[n.OpType]++
		if n.OpType == "Gelu" {
			assert.Equal(t, "none", string(n.Attribute("approximate").S))
		}
	}
	assert.Equal(t, 2, ops["Gelu"])
	assert.Equal(t, 2*2+1, ops["LayerNormalization"])
	assert.Equal(t, 2, ops["Softmax"])
	assert.Equal(t, 1, ops["Cast"])
}

func TestExport_MatchesForward(t *testing.T) {
	for _, variant := range []glm.Variant{glm.Reference, glm.Native} {
		t.Run(variant.String(), func(t *testing.T) {
			m := tinyModel(t, variant)
			art, err := Export(context.Background(), m, DefaultInputSpecs(), t.TempDir())
			require.NoError(t, err)

			ids, err := tensor.NewInt64(tensor.Shape{2, 5}, []int64{1, 2, 3, 4, 5, 23, 22, 21, 0, 7})
			require.NoError(t, err)
			diff, err := Verify(context.Background(), art.Model, m, ids)
			require.NoError(t, err)
			assert.Less(t, diff, 1e-4)
			assert.True(t, m.Training(), "Verify restores training mode")
		})
	}
}

func TestVerifyWithin_DetectsDrift(t *testing.T) {
	ref := tinyModel(t, glm.Reference)
	art, err := Export(context.Background(), ref, DefaultInputSpecs(), t.TempDir())
	require.NoError(t, err)
	ids, err := tensor.NewInt64(tensor.Shape{1, 6}, []int64{3, 1, 4, 1, 5, 9})
	require.NoError(t, err)

	diff, err := VerifyWithin(context.Background(), art.Model, ref, ids, DefaultVerifyATol)
	require.NoError(t, err)
	assert.Less(t, diff, DefaultVerifyATol)

	// Same weights, erf GELU instead of the exported tanh GELU.
	native := tinyModel(t, glm.Native)
	diff, err = VerifyWithin(context.Background(), art.Model, native, ids, 1e-6)
	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Greater(t, diff, 1e-6)
	assert.InDelta(t, diff, mismatch.MaxAbsDiff, 0)
}

func TestExplicitInputs_MatchImplicitDefaults(t *testing.T) {
	m := tinyModel(t, glm.Native)
	m.Eval()
	ids, err := tensor.NewInt64(tensor.Shape{1, 4}, []int64{3, 1, 4, 1})
	require.NoError(t, err)

	implicit, err := m.Forward(context.Background(), glm.Inputs{InputIDs: ids})
	require.NoError(t, err)
	in, err := ExplicitInputs(ids)
	require.NoError(t, err)
	explicit, err := m.Forward(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, implicit.Logits.Equal(explicit.Logits))
}

func TestExport_InvalidSpecs(t *testing.T) {
	m := tinyModel(t, glm.Native)
	ctx := context.Background()

	mutate := func(f func([]InputSpec) []InputSpec) []InputSpec {
		return f(DefaultInputSpecs())
	}
	tests := map[string][]InputSpec{
		"too few":     mutate(func(s []InputSpec) []InputSpec { return s[:2] }),
		"wrong name":  mutate(func(s []InputSpec) []InputSpec { s[0].Name = "tokens"; return s }),
		"wrong dtype": mutate(func(s []InputSpec) []InputSpec { s[1].DType = "float32"; return s }),
		"wrong rank":  mutate(func(s []InputSpec) []InputSpec { s[2].Shape = []int{Dynamic, Dynamic}; return s }),
		"fixed dim":   mutate(func(s []InputSpec) []InputSpec { s[1].Shape[1] = 3; return s }),
		"zero dim":    mutate(func(s []InputSpec) []InputSpec { s[0].Shape[0] = 0; return s }),
	}
	for name, specs := range tests {
		t.Run(name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "out")
			_, err := Export(ctx, m, specs, dir)
			assert.ErrorIs(t, err, ErrInvalidSpec)
			assert.NoDirExists(t, dir, "nothing is written on failure")
		})
	}
}

func TestExport_ShardedModel(t *testing.T) {
	m := tinyModel(t, glm.Native)
	require.NoError(t, m.Shard(glm.TensorParallel{Rank: 0, Degree: 2}))
	_, err := Build(context.Background(), m, DefaultInputSpecs())
	assert.ErrorContains(t, err, "tensor-parallel")
}

func TestCheck_RemovesTempDir(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	require.NoError(t, Check(context.Background(), tinyModel(t, glm.Native), DefaultInputSpecs(), nil))
	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)

	err = Check(context.Background(), tinyModel(t, glm.Native), DefaultInputSpecs()[:1], nil)
	assert.ErrorIs(t, err, ErrInvalidSpec)
	entries, err = os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInputSpec_ParseAndString(t *testing.T) {
	for _, s := range DefaultInputSpecs() {
		got, err := ParseInputSpec(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	assert.Equal(t, "position_ids[?,2,?]:int64", DefaultInputSpecs()[1].String())

	spec, err := ParseInputSpec("input_ids[1, ?]")
	require.NoError(t, err)
	assert.Equal(t, []int{1, Dynamic}, spec.Shape)
	assert.Equal(t, Int64, spec.DType)

	for _, bad := range []string{"input_ids", "input_ids[x]", "input_ids[0]"} {
		_, err := ParseInputSpec(bad)
		assert.ErrorIs(t, err, ErrInvalidSpec, bad)
	}
}

// Package glmtest builds small deterministic GLM models for tests.
package glmtest

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/glmcheck/internal/checkpoint"
	"github.com/born-ml/glmcheck/internal/glm"
	"github.com/born-ml/glmcheck/internal/tensor"
)

// Config returns a two-layer, two-head configuration with hidden size 8.
func Config(vocab int) glm.Config {
	return glm.Config{
		NumLayers:             2,
		VocabSize:             vocab,
		HiddenSize:            8,
		NumAttentionHeads:     2,
		MaxSequenceLength:     16,
		BlockPositionEncoding: true,
		LayerNormEpsilon:      glm.DefaultLayerNormEpsilon,
		ModelType:             "glm",
	}
}

// ReferenceState returns seeded random weights under the upstream
// "glm."-prefixed names in [out, in] layout.
func ReferenceState(cfg glm.Config, seed uint64) *checkpoint.StateDict {
	rng := rand.New(rand.NewPCG(seed, ^seed))
	normal := func(std float64, offset float32, dims ...int) *tensor.Array {
		a := tensor.Zeros(tensor.Shape(dims))
		for i := range a.Data() {
			a.Data()[i] = offset + float32(rng.NormFloat64()*std)
		}
		return a
	}

	h := cfg.HiddenSize
	sd := checkpoint.NewStateDict()
	sd.Set("glm.word_embeddings.weight", normal(0.5, 0, cfg.VocabSize, h))
	sd.Set("glm.transformer.position_embeddings.weight", normal(0.1, 0, cfg.MaxSequenceLength, h))
	if cfg.BlockPositionEncoding {
		sd.Set("glm.transformer.block_position_embeddings.weight", normal(0.1, 0, cfg.MaxSequenceLength, h))
	}
	for i := 0; i < cfg.NumLayers; i++ {
		p := fmt.Sprintf("glm.transformer.layers.%d.", i)
		sd.Set(p+"input_layernorm.weight", normal(0.05, 1, h))
		sd.Set(p+"input_layernorm.bias", normal(0.05, 0, h))
		sd.Set(p+"attention.query_key_value.weight", normal(0.3, 0, 3*h, h))
		sd.Set(p+"attention.query_key_value.bias", normal(0.05, 0, 3*h))
		sd.Set(p+"attention.dense.weight", normal(0.3, 0, h, h))
		sd.Set(p+"attention.dense.bias", normal(0.05, 0, h))
		sd.Set(p+"post_attention_layernorm.weight", normal(0.05, 1, h))
		sd.Set(p+"post_attention_layernorm.bias", normal(0.05, 0, h))
		sd.Set(p+"mlp.dense_h_to_4h.weight", normal(0.5, 0, 4*h, h))
		sd.Set(p+"mlp.dense_h_to_4h.bias", normal(0.05, 0, 4*h))
		sd.Set(p+"mlp.dense_4h_to_h.weight", normal(0.2, 0, h, 4*h))
		sd.Set(p+"mlp.dense_4h_to_h.bias", normal(0.05, 0, h))
	}
	sd.Set("glm.transformer.final_layernorm.weight", normal(0.05, 1, h))
	sd.Set("glm.transformer.final_layernorm.bias", normal(0.05, 0, h))
	return sd
}

// NativeState returns ReferenceState converted to the native layout.
func NativeState(t testing.TB, cfg glm.Config, seed uint64) *checkpoint.StateDict {
	t.Helper()
	sd, err := checkpoint.ToNative(ReferenceState(cfg, seed))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	return sd
}

// Model builds a model of the given variant from seeded weights.
func Model(t testing.TB, cfg glm.Config, variant glm.Variant, seed uint64) *glm.Model {
	t.Helper()
	sd := ReferenceState(cfg, seed)
	if variant == glm.Native {
		sd = NativeState(t, cfg, seed)
	}
	m, err := glm.New(cfg, variant, sd)
	if err != nil {
		t.Fatalf("build model: %v", err)
	}
	return m
}

// NativeModelDir writes config.json and native model.safetensors for
// seeded weights into a temporary directory and returns it.
func NativeModelDir(t testing.TB, cfg glm.Config, seed uint64) string {
	t.Helper()
	dir := t.TempDir()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, glm.ConfigFile), data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := checkpoint.WriteSafeTensors(filepath.Join(dir, glm.NativeWeights), NativeState(t, cfg, seed), nil); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	return dir
}

package glm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Config holds GLM hyperparameters as found in a hub config.json.
type Config struct {
	NumLayers             int     `json:"num_layers"`
	VocabSize             int     `json:"vocab_size"`
	HiddenSize            int     `json:"hidden_size"`
	NumAttentionHeads     int     `json:"num_attention_heads"`
	MaxSequenceLength     int     `json:"max_sequence_length"`
	BlockPositionEncoding bool    `json:"block_position_encoding"`
	LayerNormEpsilon      float32 `json:"layernorm_epsilon"`
	AttentionScale        float64 `json:"attention_scale,omitempty"`
	ModelType             string  `json:"model_type,omitempty"`
}

// Defaults for keys config.json may omit. AttentionScale rescales the
// attention scores upstream; only 1 is supported and zero means unset.
const (
	DefaultLayerNormEpsilon = 1e-5
	DefaultAttentionScale   = 1.0
)

// LargeChinese is the configuration of THUDM/glm-large-chinese.
func LargeChinese() Config {
	return Config{
		NumLayers:             24,
		VocabSize:             50048,
		HiddenSize:            1024,
		NumAttentionHeads:     16,
		MaxSequenceLength:     1024,
		BlockPositionEncoding: true,
		LayerNormEpsilon:      DefaultLayerNormEpsilon,
		AttentionScale:        DefaultAttentionScale,
		ModelType:             "glm",
	}
}

// HeadDim returns the per-head hidden size.
func (c Config) HeadDim() int {
	return c.HiddenSize / c.NumAttentionHeads
}

// Validate checks that the configuration describes a buildable model.
func (c Config) Validate() error {
	var errs []error
	if c.NumLayers <= 0 {
		errs = append(errs, fmt.Errorf("num_layers must be > 0, got %d", c.NumLayers))
	}
	if c.VocabSize <= 0 {
		errs = append(errs, fmt.Errorf("vocab_size must be > 0, got %d", c.VocabSize))
	}
	if c.HiddenSize <= 0 || c.NumAttentionHeads <= 0 {
		errs = append(errs, fmt.Errorf("hidden_size and num_attention_heads must be > 0, got %d and %d",
			c.HiddenSize, c.NumAttentionHeads))
	} else if c.HiddenSize%c.NumAttentionHeads != 0 {
		errs = append(errs, fmt.Errorf("hidden_size %d not divisible by num_attention_heads %d",
			c.HiddenSize, c.NumAttentionHeads))
	}
	if c.MaxSequenceLength <= 0 {
		errs = append(errs, fmt.Errorf("max_sequence_length must be > 0, got %d", c.MaxSequenceLength))
	}
	if c.LayerNormEpsilon <= 0 {
		errs = append(errs, fmt.Errorf("layernorm_epsilon must be > 0, got %g", c.LayerNormEpsilon))
	}
	if c.AttentionScale != 0 && c.AttentionScale != DefaultAttentionScale {
		errs = append(errs, fmt.Errorf("attention_scale %g is not supported, want %g", c.AttentionScale, DefaultAttentionScale))
	}
	return errors.Join(errs...)
}

// LoadConfig reads a config.json file.
func LoadConfig(path string) (Config, error) {
	//nolint:gosec // G304: path comes from the hub resolver.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes config.json bytes and applies defaults.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.LayerNormEpsilon == 0 {
		cfg.LayerNormEpsilon = DefaultLayerNormEpsilon
	}
	if cfg.AttentionScale == 0 {
		cfg.AttentionScale = DefaultAttentionScale
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

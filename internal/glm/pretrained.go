package glm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/born-ml/glmcheck/internal/checkpoint"
	"github.com/born-ml/glmcheck/internal/hub"
)

// Well-known file names inside a model repository.
const (
	ConfigFile      = "config.json"
	TorchWeights    = "pytorch_model.bin"
	NativeWeights   = "model.safetensors"
	DefaultModelID  = "THUDM/glm-large-chinese"
	convertedSuffix = ".converting"
)

// Strategy selects how pretrained weights are obtained.
type Strategy int

const (
	// StrategyReference loads the PyTorch checkpoint into a Reference model.
	StrategyReference Strategy = iota
	// StrategyAutoConvert loads the PyTorch checkpoint, converts it to the
	// native layout in memory and builds a Native model.
	StrategyAutoConvert
	// StrategyNative loads pre-converted SafeTensors weights into a Native
	// model, converting and caching them next to the snapshot when absent.
	StrategyNative
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case StrategyReference:
		return "reference"
	case StrategyAutoConvert:
		return "auto-convert"
	case StrategyNative:
		return "native"
	default:
		return "unknown"
	}
}

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "reference", "torch":
		return StrategyReference, nil
	case "auto-convert", "converted":
		return StrategyAutoConvert, nil
	case "native":
		return StrategyNative, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", s)
	}
}

// Variant returns the model variant the strategy produces.
func (s Strategy) Variant() Variant {
	if s == StrategyReference {
		return Reference
	}
	return Native
}

type loadOptions struct {
	resolver *hub.Resolver
	load     checkpoint.LoadFunc
	tp       TensorParallel
	logger   *slog.Logger
	config   *Config
}

// Option configures FromPretrained.
type Option func(*loadOptions)

// WithResolver sets the hub resolver.
func WithResolver(r *hub.Resolver) Option {
	return func(o *loadOptions) { o.resolver = r }
}

// WithLoadFunc sets the reader used for PyTorch checkpoints.
func WithLoadFunc(f checkpoint.LoadFunc) Option {
	return func(o *loadOptions) { o.load = f }
}

// WithTensorParallel shards the loaded model for one rank of a group.
func WithTensorParallel(tp TensorParallel) Option {
	return func(o *loadOptions) { o.tp = tp }
}

// WithLogger sets the logger used while loading and by the model.
func WithLogger(l *slog.Logger) Option {
	return func(o *loadOptions) { o.logger = l }
}

// WithConfig overrides the configuration read from config.json.
func WithConfig(cfg Config) Option {
	return func(o *loadOptions) { o.config = &cfg }
}

// FromPretrained resolves id through the hub and builds a model with the
// given strategy. The returned model is in training mode.
func FromPretrained(ctx context.Context, id string, strategy Strategy, opts ...Option) (*Model, error) {
	o := loadOptions{
		load:   checkpoint.LoadTorch,
		tp:     TensorParallel{Degree: 1},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.resolver == nil {
		o.resolver = hub.NewResolver()
	}
	log := o.logger.With("model", id, "strategy", strategy)

	files := []hub.File{hub.Required(ConfigFile)}
	switch strategy {
	case StrategyReference, StrategyAutoConvert:
		files = append(files, hub.Required(TorchWeights))
	case StrategyNative:
		files = append(files, hub.Optional(NativeWeights))
	default:
		return nil, fmt.Errorf("unknown strategy %d", strategy)
	}

	snap, err := o.resolver.Resolve(ctx, id, files...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", id, err)
	}

	var cfg Config
	if o.config != nil {
		cfg = *o.config
	} else {
		cfgPath, _ := snap.Path(ConfigFile)
		if cfg, err = LoadConfig(cfgPath); err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
	}

	sd, err := loadWeights(ctx, o, snap, strategy, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}

	model, err := New(cfg, strategy.Variant(), sd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	model.SetLogger(o.logger)

	if err := model.Shard(o.tp); err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	log.Info("model loaded", "variant", model.Variant(), "layers", cfg.NumLayers,
		"tp_rank", o.tp.Rank, "tp_degree", max(o.tp.Degree, 1))
	return model, nil
}

func loadWeights(ctx context.Context, o loadOptions, snap *hub.Snapshot, strategy Strategy, log *slog.Logger) (*checkpoint.StateDict, error) {
	switch strategy {
	case StrategyReference:
		path, _ := snap.Path(TorchWeights)
		log.Debug("loading reference weights", "path", path)
		return o.load(path)

	case StrategyAutoConvert:
		path, _ := snap.Path(TorchWeights)
		log.Debug("converting reference weights", "path", path)
		sd, err := o.load(path)
		if err != nil {
			return nil, err
		}
		return checkpoint.ToNative(sd)

	default:
		if path, ok := snap.Path(NativeWeights); ok {
			log.Debug("loading native weights", "path", path)
			return checkpoint.LoadSafeTensors(path)
		}
		return convertAndCache(ctx, o, snap, log)
	}
}

// convertAndCache converts the PyTorch checkpoint into model.safetensors in
// the snapshot directory and loads the written file back.
func convertAndCache(ctx context.Context, o loadOptions, snap *hub.Snapshot, log *slog.Logger) (*checkpoint.StateDict, error) {
	torchSnap, err := o.resolver.Resolve(ctx, snap.ID, hub.Required(TorchWeights))
	if err != nil {
		return nil, fmt.Errorf("no native weights and no PyTorch checkpoint to convert: %w", err)
	}
	src, _ := torchSnap.Path(TorchWeights)
	dst := filepath.Join(snap.Dir, NativeWeights)
	tmp := dst + convertedSuffix

	log.Info("converting checkpoint to native format", "src", src, "dst", dst)
	if _, err := checkpoint.ConvertFile(src, tmp, o.load); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to cache converted weights: %w", err)
	}
	return checkpoint.LoadSafeTensors(dst)
}

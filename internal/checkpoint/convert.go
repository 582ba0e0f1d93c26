package checkpoint

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/born-ml/glmcheck/internal/tensor"
)

// LoadFunc reads a checkpoint file into a state dict.
// It is passed explicitly wherever a model is loaded.
type LoadFunc func(path string) (*StateDict, error)

// Format identifies a checkpoint file format.
type Format int

// Supported formats.
const (
	FormatUnknown Format = iota
	FormatTorch
	FormatSafeTensors
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatTorch:
		return "PyTorch"
	case FormatSafeTensors:
		return "SafeTensors"
	default:
		return "Unknown"
	}
}

// DetectFormat guesses the format from the file extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bin", ".pt", ".pth":
		return FormatTorch
	case ".safetensors":
		return FormatSafeTensors
	default:
		return FormatUnknown
	}
}

// LoaderFor returns the LoadFunc for a format.
func LoaderFor(f Format) (LoadFunc, error) {
	switch f {
	case FormatTorch:
		return LoadTorch, nil
	case FormatSafeTensors:
		return LoadSafeTensors, nil
	default:
		return nil, ErrUnsupported
	}
}

// Open loads a checkpoint, choosing the reader from the file extension.
func Open(path string) (*StateDict, error) {
	load, err := LoaderFor(DetectFormat(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return load(path)
}

// Name prefix of the upstream conditional-generation checkpoints.
const upstreamPrefix = "glm."

// IsLinearWeight reports whether name is a dense projection weight whose
// layout differs between the reference and native profiles.
func IsLinearWeight(name string, shape tensor.Shape) bool {
	return len(shape) == 2 &&
		strings.HasSuffix(name, ".weight") &&
		!strings.Contains(name, "embeddings")
}

// ToNative maps a reference-layout state dict to the native layout:
// the optional "glm." prefix is dropped and every linear weight is
// transposed from [out, in] to [in, out]. Other values are shared, not copied.
func ToNative(sd *StateDict) (*StateDict, error) {
	out := NewStateDict()
	var err error
	sd.Range(func(name string, arr *tensor.Array) bool {
		mapped := strings.TrimPrefix(name, upstreamPrefix)
		if _, dup := out.Get(mapped); dup {
			err = fmt.Errorf("duplicate parameter %s after mapping %s", mapped, name)
			return false
		}
		if IsLinearWeight(mapped, arr.Shape()) {
			arr = tensor.Transpose2D(arr)
		}
		out.Set(mapped, arr)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ToReference is the inverse of ToNative, without re-adding the prefix.
func ToReference(sd *StateDict) *StateDict {
	out := NewStateDict()
	sd.Range(func(name string, arr *tensor.Array) bool {
		if IsLinearWeight(name, arr.Shape()) {
			arr = tensor.Transpose2D(arr)
		}
		out.Set(name, arr)
		return true
	})
	return out
}

// ConvertFile converts a reference checkpoint at src into a native
// SafeTensors file at dst, recording a fingerprint in its metadata.
// It returns the converted state dict.
func ConvertFile(src, dst string, load LoadFunc) (*StateDict, error) {
	if load == nil {
		load = LoadTorch
	}
	sd, err := load(src)
	if err != nil {
		return nil, err
	}
	native, err := ToNative(sd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src, err)
	}
	meta := map[string]string{
		"format":            "glmcheck",
		"layout":            tensor.LayoutInOut.String(),
		MetadataChecksumKey: Fingerprint(native),
	}
	if err := WriteSafeTensors(dst, native, meta); err != nil {
		return nil, fmt.Errorf("%s: %w", dst, err)
	}
	return native, nil
}

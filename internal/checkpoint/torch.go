package checkpoint

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/born-ml/glmcheck/internal/tensor"
)

// Keys that wrap the real state dict in training checkpoints.
var wrapperKeys = []string{"state_dict", "model", "module"}

// LoadTorch reads a torch.save checkpoint and converts every tensor to a
// plain float32 array on the CPU. Parameter names and their order are
// preserved exactly.
func LoadTorch(path string) (*StateDict, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load torch checkpoint %s: %w", path, err)
	}

	raw, err := pickleDict(obj)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	raw, err = unwrap(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	sd, err := Adapt(raw, func(name string, v any) (*tensor.Array, error) {
		t, ok := v.(*pytorch.Tensor)
		if !ok {
			return nil, fmt.Errorf("%s: %s is %T, not a tensor", path, name, v)
		}
		arr, err := ArrayFromTorch(t)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, name, err)
		}
		return arr, nil
	})
	if err != nil {
		return nil, err
	}
	return sd, nil
}

// unwrap descends into {"state_dict": {...}}-style containers.
func unwrap(raw *Dict[any]) (*Dict[any], error) {
	if raw.Len() != 1 {
		return raw, nil
	}
	for _, key := range wrapperKeys {
		inner, ok := raw.Get(key)
		if !ok {
			continue
		}
		return pickleDict(inner)
	}
	return raw, nil
}

// pickleDict copies an unpickled dict into an ordered Dict keyed by string.
func pickleDict(obj any) (*Dict[any], error) {
	out := NewDict[any]()
	switch d := obj.(type) {
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry, ok := e.Value.(*types.OrderedDictEntry)
			if !ok {
				return nil, fmt.Errorf("unexpected ordered dict entry %T", e.Value)
			}
			key, ok := entry.Key.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", entry.Key)
			}
			out.Set(key, entry.Value)
		}
	case *types.Dict:
		for _, k := range d.Keys() {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			out.Set(key, d.MustGet(k))
		}
	default:
		return nil, fmt.Errorf("checkpoint root is %T, expected a dict", obj)
	}
	return out, nil
}

// ArrayFromTorch copies a PyTorch tensor into a contiguous float32 array,
// honoring its storage offset and strides.
func ArrayFromTorch(t *pytorch.Tensor) (*tensor.Array, error) {
	storage, err := storageFloat32(t.Source)
	if err != nil {
		return nil, err
	}

	shape := tensor.Shape(t.Size).Clone()
	n := shape.NumElements()
	stride := t.Stride
	if len(stride) == 0 && len(shape) > 0 {
		stride = shape.ComputeStrides()
	}
	if len(stride) != len(shape) {
		return nil, fmt.Errorf("stride %v does not match size %v", stride, t.Size)
	}

	// Highest storage index touched must be in range.
	last := t.StorageOffset
	for i, dim := range shape {
		if dim > 0 {
			last += (dim - 1) * stride[i]
		}
	}
	if t.StorageOffset < 0 || last >= len(storage) {
		return nil, fmt.Errorf("tensor view [offset %d, size %v, stride %v] exceeds storage of %d elements",
			t.StorageOffset, t.Size, stride, len(storage))
	}

	data := make([]float32, n)
	if isContiguous(shape, stride) {
		copy(data, storage[t.StorageOffset:t.StorageOffset+n])
	} else {
		idx := make([]int, len(shape))
		for flat := 0; flat < n; flat++ {
			off := t.StorageOffset
			for d, v := range idx {
				off += v * stride[d]
			}
			data[flat] = storage[off]
			for d := len(idx) - 1; d >= 0; d-- {
				idx[d]++
				if idx[d] < shape[d] {
					break
				}
				idx[d] = 0
			}
		}
	}

	return tensor.New(shape, data)
}

func isContiguous(shape tensor.Shape, stride []int) bool {
	want := shape.ComputeStrides()
	for i := range want {
		if shape[i] != 1 && stride[i] != want[i] {
			return false
		}
	}
	return true
}

func storageFloat32(s pytorch.StorageInterface) ([]float32, error) {
	switch st := s.(type) {
	case *pytorch.FloatStorage:
		return st.Data, nil
	case *pytorch.HalfStorage:
		return st.Data, nil
	case *pytorch.BFloat16Storage:
		return st.Data, nil
	case *pytorch.DoubleStorage:
		out := make([]float32, len(st.Data))
		for i, v := range st.Data {
			out[i] = float32(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported storage type %T", s)
	}
}

package checkpoint

import (
	"github.com/born-ml/glmcheck/internal/tensor"
)

// Dict is an insertion-ordered mapping from parameter name to value.
// Re-setting an existing name keeps its position; Pop removes it.
type Dict[V any] struct {
	names  []string
	values map[string]V
}

// StateDict maps parameter names to plain float32 arrays.
type StateDict = Dict[*tensor.Array]

// NewDict creates an empty dictionary.
func NewDict[V any]() *Dict[V] {
	return &Dict[V]{values: make(map[string]V)}
}

// NewStateDict creates an empty state dictionary.
func NewStateDict() *StateDict {
	return NewDict[*tensor.Array]()
}

// Set stores v under name, appending name if it is new.
func (d *Dict[V]) Set(name string, v V) {
	if _, ok := d.values[name]; !ok {
		d.names = append(d.names, name)
	}
	d.values[name] = v
}

// Get returns the value stored under name.
func (d *Dict[V]) Get(name string) (V, bool) {
	v, ok := d.values[name]
	return v, ok
}

// Pop removes name and returns its value.
func (d *Dict[V]) Pop(name string) (V, bool) {
	v, ok := d.values[name]
	if !ok {
		return v, false
	}
	delete(d.values, name)
	for i, n := range d.names {
		if n == name {
			d.names = append(d.names[:i], d.names[i+1:]...)
			break
		}
	}
	return v, true
}

// Names returns the names in insertion order.
func (d *Dict[V]) Names() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// Len returns the number of entries.
func (d *Dict[V]) Len() int {
	return len(d.names)
}

// Range calls f for every entry in insertion order until f returns false.
func (d *Dict[V]) Range(f func(name string, v V) bool) {
	for _, n := range d.names {
		if !f(n, d.values[n]) {
			return
		}
	}
}

// Adapt moves every entry of src into a new dictionary, converting each
// value exactly once. Names and their order are preserved. src is drained.
func Adapt[S, D any](src *Dict[S], convert func(name string, v S) (D, error)) (*Dict[D], error) {
	dst := NewDict[D]()
	for _, name := range src.Names() {
		v, _ := src.Pop(name)
		converted, err := convert(name, v)
		if err != nil {
			return nil, err
		}
		dst.Set(name, converted)
	}
	return dst, nil
}

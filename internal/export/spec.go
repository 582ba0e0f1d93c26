package export

import (
	"errors"
	"fmt"
	"strings"
)

// DType is the element type of a graph input.
type DType string

// Int64 is the only element type accepted for GLM inputs.
const Int64 DType = "int64"

// Dynamic marks a dimension whose size is chosen at run time.
const Dynamic = -1

// ErrInvalidSpec is returned when input specs do not describe the GLM inputs.
var ErrInvalidSpec = errors.New("invalid input spec")

// InputSpec declares one graph input.
type InputSpec struct {
	Name  string
	Shape []int
	DType DType
}

// String formats the spec as name[?,2,?]:int64.
func (s InputSpec) String() string {
	dims := make([]string, len(s.Shape))
	for i, d := range s.Shape {
		if d == Dynamic {
			dims[i] = "?"
		} else {
			dims[i] = fmt.Sprint(d)
		}
	}
	return fmt.Sprintf("%s[%s]:%s", s.Name, strings.Join(dims, ","), s.DType)
}

// DefaultInputSpecs returns input_ids [?,?], position_ids [?,2,?] and
// attention_mask [?,?,?,?], all int64.
func DefaultInputSpecs() []InputSpec {
	return []InputSpec{
		{Name: "input_ids", Shape: []int{Dynamic, Dynamic}, DType: Int64},
		{Name: "position_ids", Shape: []int{Dynamic, 2, Dynamic}, DType: Int64},
		{Name: "attention_mask", Shape: []int{Dynamic, Dynamic, Dynamic, Dynamic}, DType: Int64},
	}
}

// expected input layout: name, rank, and required sizes of fixed dimensions.
var glmInputs = []struct {
	name  string
	rank  int
	fixed map[int]int
	dims  []string
}{
	{"input_ids", 2, nil, []string{"batch", "seq"}},
	{"position_ids", 3, map[int]int{1: 2}, []string{"batch", "", "seq"}},
	{"attention_mask", 4, map[int]int{1: 1}, []string{"batch", "", "seq", "seq"}},
}

// ParseInputSpec parses the String form, e.g. "position_ids[?,2,?]:int64".
// The dtype suffix is optional and defaults to int64.
func ParseInputSpec(s string) (InputSpec, error) {
	name, rest, ok := strings.Cut(s, "[")
	if !ok || !strings.Contains(rest, "]") {
		return InputSpec{}, fmt.Errorf("%w: %q: expected name[dims]", ErrInvalidSpec, s)
	}
	dimsPart, dtype, _ := strings.Cut(rest, "]")
	spec := InputSpec{Name: name, DType: Int64}
	if dtype != "" {
		spec.DType = DType(strings.TrimPrefix(dtype, ":"))
	}
	for _, d := range strings.Split(dimsPart, ",") {
		d = strings.TrimSpace(d)
		if d == "?" || d == "-1" {
			spec.Shape = append(spec.Shape, Dynamic)
			continue
		}
		var n int
		if _, err := fmt.Sscanf(d, "%d", &n); err != nil || n <= 0 {
			return InputSpec{}, fmt.Errorf("%w: %q: bad dimension %q", ErrInvalidSpec, s, d)
		}
		spec.Shape = append(spec.Shape, n)
	}
	return spec, nil
}

// Validate checks that specs name the three GLM inputs in order with
// compatible ranks, fixed sizes and element types.
func Validate(specs []InputSpec) error {
	if len(specs) != len(glmInputs) {
		return fmt.Errorf("%w: got %d inputs, want %d", ErrInvalidSpec, len(specs), len(glmInputs))
	}
	var errs []error
	for i, want := range glmInputs {
		s := specs[i]
		switch {
		case s.Name != want.name:
			errs = append(errs, fmt.Errorf("%w: input %d is %q, want %q", ErrInvalidSpec, i, s.Name, want.name))
			continue
		case s.DType != Int64:
			errs = append(errs, fmt.Errorf("%w: %s has dtype %q, want %q", ErrInvalidSpec, s.Name, s.DType, Int64))
		case len(s.Shape) != want.rank:
			errs = append(errs, fmt.Errorf("%w: %s has rank %d, want %d", ErrInvalidSpec, s.Name, len(s.Shape), want.rank))
			continue
		}
		for d, size := range s.Shape {
			if size != Dynamic && size <= 0 {
				errs = append(errs, fmt.Errorf("%w: %s dimension %d is %d", ErrInvalidSpec, s.Name, d, size))
			}
			if fixed, ok := want.fixed[d]; ok && size != Dynamic && size != fixed {
				errs = append(errs, fmt.Errorf("%w: %s dimension %d must be %d", ErrInvalidSpec, s.Name, d, fixed))
			}
		}
	}
	return errors.Join(errs...)
}

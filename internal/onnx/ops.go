package onnx

import (
	"fmt"

	"github.com/born-ml/glmcheck/internal/tensor"
)

// Opset versions. Split takes its sizes as an input from 18 on and Gelu
// exists from 20 on.
const (
	MinOpset     = 18
	DefaultOpset = 20
)

type opFunc func(n *NodeProto, in []*Value) ([]*Value, error)

var operators map[string]opFunc

func init() {
	operators = map[string]opFunc{
		"Add":                unary(binaryOp(func(a, b float32) float32 { return a + b })),
		"Sub":                unary(binaryOp(func(a, b float32) float32 { return a - b })),
		"Mul":                unary(binaryOp(func(a, b float32) float32 { return a * b })),
		"Cast":               unary(opCast),
		"Gather":             unary(opGather),
		"Gelu":               unary(opGelu),
		"LayerNormalization": unary(opLayerNorm),
		"MatMul":             unary(opMatMul),
		"Reshape":            unary(opReshape),
		"Softmax":            unary(opSoftmax),
		"Split":              opSplit,
		"Transpose":          unary(opTranspose),
	}
}

// SupportedOperators returns the operator types a Session can evaluate.
func SupportedOperators() []string {
	ops := make([]string, 0, len(operators))
	for op := range operators {
		ops = append(ops, op)
	}
	return ops
}

func unary(f func(n *NodeProto, in []*Value) (*Value, error)) opFunc {
	return func(n *NodeProto, in []*Value) ([]*Value, error) {
		out, err := f(n, in)
		if err != nil {
			return nil, err
		}
		return []*Value{out}, nil
	}
}

func args(in []*Value, want int) error {
	if len(in) < want {
		return fmt.Errorf("expected %d inputs, got %d", want, len(in))
	}
	for i := 0; i < want; i++ {
		if in[i] == nil {
			return fmt.Errorf("input %d is missing", i)
		}
	}
	return nil
}

func attrInt(n *NodeProto, name string, def int64) int64 {
	if a := n.Attribute(name); a != nil {
		return a.I
	}
	return def
}

func floats(in []*Value, count int) error {
	if err := args(in, count); err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		if !in[i].isFloat() {
			return fmt.Errorf("input %d must be float32, got %s", i, DataTypeName(in[i].DataType))
		}
	}
	return nil
}

func normAxis(axis int64, rank int) (int, error) {
	if axis < 0 {
		axis += int64(rank)
	}
	if axis < 0 || axis >= int64(rank) {
		return 0, fmt.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	return int(axis), nil
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}

// broadcastShape applies numpy broadcasting rules.
func broadcastShape(a, b []int) ([]int, error) {
	rank := max(len(a), len(b))
	out := make([]int, rank)
	for i := 0; i < rank; i++ {
		da, db := 1, 1
		if j := len(a) - rank + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - rank + i; j >= 0 {
			db = b[j]
		}
		switch {
		case da == db, db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			return nil, fmt.Errorf("cannot broadcast %v with %v", a, b)
		}
	}
	return out, nil
}

// broadcastStrides returns element strides of shape aligned to out, with
// zero stride on broadcast dimensions.
func broadcastStrides(shape, out []int) []int {
	strides := make([]int, len(out))
	step := 1
	for i := len(out) - 1; i >= 0; i-- {
		j := len(shape) - len(out) + i
		if j < 0 {
			continue
		}
		if shape[j] != 1 {
			strides[i] = step
		}
		step *= shape[j]
	}
	return strides
}

func binaryOp(f func(a, b float32) float32) func(*NodeProto, []*Value) (*Value, error) {
	return func(_ *NodeProto, in []*Value) (*Value, error) {
		if err := floats(in, 2); err != nil {
			return nil, err
		}
		a, b := in[0], in[1]
		shape, err := broadcastShape(a.Shape, b.Shape)
		if err != nil {
			return nil, err
		}
		out := make([]float32, product(shape))

		if tensor.Shape(a.Shape).Equal(b.Shape) {
			for i := range out {
				out[i] = f(a.Float[i], b.Float[i])
			}
			return FloatValue(shape, out), nil
		}

		sa, sb := broadcastStrides(a.Shape, shape), broadcastStrides(b.Shape, shape)
		idx := make([]int, len(shape))
		offA, offB := 0, 0
		for i := range out {
			out[i] = f(a.Float[offA], b.Float[offB])
			for d := len(shape) - 1; d >= 0; d-- {
				idx[d]++
				offA += sa[d]
				offB += sb[d]
				if idx[d] < shape[d] {
					break
				}
				offA -= sa[d] * shape[d]
				offB -= sb[d] * shape[d]
				idx[d] = 0
			}
		}
		return FloatValue(shape, out), nil
	}
}

func opCast(n *NodeProto, in []*Value) (*Value, error) {
	if err := args(in, 1); err != nil {
		return nil, err
	}
	x := in[0]
	to := int32(attrInt(n, "to", 0))
	shape := append([]int(nil), x.Shape...)
	switch {
	case to == x.DataType:
		return x, nil
	case to == TensorProtoFloat && x.DataType == TensorProtoInt64:
		out := make([]float32, len(x.Int))
		for i, v := range x.Int {
			out[i] = float32(v)
		}
		return FloatValue(shape, out), nil
	case to == TensorProtoInt64 && x.DataType == TensorProtoFloat:
		out := make([]int64, len(x.Float))
		for i, v := range x.Float {
			out[i] = int64(v)
		}
		return Int64Value(shape, out), nil
	default:
		return nil, fmt.Errorf("cast from %s to %s", DataTypeName(x.DataType), DataTypeName(to))
	}
}

func opGather(n *NodeProto, in []*Value) (*Value, error) {
	if err := args(in, 2); err != nil {
		return nil, err
	}
	data, indices := in[0], in[1]
	if indices.DataType != TensorProtoInt64 {
		return nil, fmt.Errorf("indices must be int64, got %s", DataTypeName(indices.DataType))
	}
	axis, err := normAxis(attrInt(n, "axis", 0), len(data.Shape))
	if err != nil {
		return nil, err
	}

	outer := product(data.Shape[:axis])
	inner := product(data.Shape[axis+1:])
	size := data.Shape[axis]
	shape := append(append(append([]int(nil), data.Shape[:axis]...), indices.Shape...), data.Shape[axis+1:]...)

	pick := func(copyBlock func(dst, src int)) error {
		dst := 0
		for o := 0; o < outer; o++ {
			for _, k := range indices.Int {
				if k < 0 {
					k += int64(size)
				}
				if k < 0 || k >= int64(size) {
					return fmt.Errorf("index %d out of range [0, %d)", k, size)
				}
				copyBlock(dst, (o*size+int(k))*inner)
				dst += inner
			}
		}
		return nil
	}

	if data.isFloat() {
		out := make([]float32, product(shape))
		err = pick(func(dst, src int) { copy(out[dst:dst+inner], data.Float[src:src+inner]) })
		return FloatValue(shape, out), err
	}
	out := make([]int64, product(shape))
	err = pick(func(dst, src int) { copy(out[dst:dst+inner], data.Int[src:src+inner]) })
	return Int64Value(shape, out), err
}

func opGelu(n *NodeProto, in []*Value) (*Value, error) {
	if err := floats(in, 1); err != nil {
		return nil, err
	}
	out := tensor.MustNew(tensor.Shape(in[0].Shape).Clone(), append([]float32(nil), in[0].Float...))
	approx := "none"
	if a := n.Attribute("approximate"); a != nil {
		approx = string(a.S)
	}
	switch approx {
	case "none":
		tensor.GELUErfInPlace(out)
	case "tanh":
		tensor.GELUTanhInPlace(out)
	default:
		return nil, fmt.Errorf("unknown approximate %q", approx)
	}
	return FromArray(out), nil
}

func opLayerNorm(n *NodeProto, in []*Value) (*Value, error) {
	if err := floats(in, 3); err != nil {
		return nil, err
	}
	x, scale, bias := in[0], in[1], in[2]
	axis, err := normAxis(attrInt(n, "axis", -1), len(x.Shape))
	if err != nil {
		return nil, err
	}
	if axis != len(x.Shape)-1 {
		return nil, fmt.Errorf("only the last axis is supported, got %d", axis)
	}
	eps := float32(1e-5)
	if a := n.Attribute("epsilon"); a != nil {
		eps = a.F
	}
	d := x.Shape[axis]
	if len(scale.Float) != d || len(bias.Float) != d {
		return nil, fmt.Errorf("scale and bias must have %d elements", d)
	}
	rows := tensor.MustNew(tensor.Shape{x.Len() / d, d}, x.Float)
	out := tensor.LayerNorm(rows,
		tensor.MustNew(tensor.Shape{d}, scale.Float),
		tensor.MustNew(tensor.Shape{d}, bias.Float), eps)
	return FloatValue(append([]int(nil), x.Shape...), out.Data()), nil
}

// opMatMul multiplies the last two dimensions, broadcasting the rest.
func opMatMul(_ *NodeProto, in []*Value) (*Value, error) {
	if err := floats(in, 2); err != nil {
		return nil, err
	}
	a, b := in[0], in[1]
	if len(a.Shape) < 2 || len(b.Shape) < 2 {
		return nil, fmt.Errorf("operands must be at least 2D, got %v and %v", a.Shape, b.Shape)
	}
	m, k := a.Shape[len(a.Shape)-2], a.Shape[len(a.Shape)-1]
	kb, nn := b.Shape[len(b.Shape)-2], b.Shape[len(b.Shape)-1]
	if k != kb {
		return nil, fmt.Errorf("inner dimensions differ: %v and %v", a.Shape, b.Shape)
	}

	// [..., M, K] @ [K, N] folds into one 2D product.
	if len(b.Shape) == 2 {
		lhs := tensor.MustNew(tensor.Shape{a.Len() / k, k}, a.Float)
		out := tensor.MatMul(lhs, tensor.MustNew(tensor.Shape{k, nn}, b.Float))
		shape := append(append([]int(nil), a.Shape[:len(a.Shape)-1]...), nn)
		return FloatValue(shape, out.Data()), nil
	}

	batchA, batchB := a.Shape[:len(a.Shape)-2], b.Shape[:len(b.Shape)-2]
	batch, err := broadcastShape(batchA, batchB)
	if err != nil {
		return nil, err
	}
	sa, sb := broadcastStrides(batchA, batch), broadcastStrides(batchB, batch)
	count := product(batch)
	out := make([]float32, 0, count*m*nn)
	idx := make([]int, len(batch))
	for i := 0; i < count; i++ {
		offA, offB := 0, 0
		rem := i
		for d := len(batch) - 1; d >= 0; d-- {
			idx[d] = rem % batch[d]
			rem /= batch[d]
			offA += idx[d] * sa[d]
			offB += idx[d] * sb[d]
		}
		lhs := tensor.MustNew(tensor.Shape{m, k}, a.Float[offA*m*k:][:m*k])
		rhs := tensor.MustNew(tensor.Shape{k, nn}, b.Float[offB*k*nn:][:k*nn])
		out = append(out, tensor.MatMul(lhs, rhs).Data()...)
	}
	shape := append(append([]int(nil), batch...), m, nn)
	return FloatValue(shape, out), nil
}

func opReshape(_ *NodeProto, in []*Value) (*Value, error) {
	if err := args(in, 2); err != nil {
		return nil, err
	}
	x, target := in[0], in[1]
	if target.DataType != TensorProtoInt64 {
		return nil, fmt.Errorf("shape must be int64")
	}
	shape := make(tensor.Shape, len(target.Int))
	for i, d := range target.Int {
		switch {
		case d == 0:
			if i >= len(x.Shape) {
				return nil, fmt.Errorf("dimension %d copies a missing input dimension", i)
			}
			shape[i] = x.Shape[i]
		default:
			shape[i] = int(d)
		}
	}
	resolved, err := shape.Resolve(x.Len())
	if err != nil {
		return nil, err
	}
	return &Value{DataType: x.DataType, Shape: resolved, Float: x.Float, Int: x.Int}, nil
}

func opSoftmax(n *NodeProto, in []*Value) (*Value, error) {
	if err := floats(in, 1); err != nil {
		return nil, err
	}
	x := in[0]
	axis, err := normAxis(attrInt(n, "axis", -1), len(x.Shape))
	if err != nil {
		return nil, err
	}
	if axis != len(x.Shape)-1 {
		return nil, fmt.Errorf("only the last axis is supported, got %d", axis)
	}
	out := tensor.MustNew(tensor.Shape(x.Shape).Clone(), append([]float32(nil), x.Float...))
	tensor.SoftmaxInPlace(out)
	return FromArray(out), nil
}

func opSplit(n *NodeProto, in []*Value) ([]*Value, error) {
	if err := args(in, 1); err != nil {
		return nil, err
	}
	x := in[0]
	axis, err := normAxis(attrInt(n, "axis", 0), len(x.Shape))
	if err != nil {
		return nil, err
	}
	size := x.Shape[axis]

	var parts []int
	if len(in) > 1 && in[1] != nil {
		for _, s := range in[1].Int {
			parts = append(parts, int(s))
		}
	} else {
		count := len(n.Outputs)
		if count == 0 || size%count != 0 {
			return nil, fmt.Errorf("cannot split %d evenly into %d outputs", size, count)
		}
		for range count {
			parts = append(parts, size/count)
		}
	}
	total := 0
	for _, p := range parts {
		total += p
	}
	if total != size {
		return nil, fmt.Errorf("split sizes %v do not sum to %d", parts, size)
	}

	outer := product(x.Shape[:axis])
	inner := product(x.Shape[axis+1:])
	outs := make([]*Value, len(parts))
	start := 0
	for i, p := range parts {
		shape := append([]int(nil), x.Shape...)
		shape[axis] = p
		v := &Value{DataType: x.DataType, Shape: shape}
		for o := 0; o < outer; o++ {
			lo := (o*size + start) * inner
			hi := lo + p*inner
			if x.isFloat() {
				v.Float = append(v.Float, x.Float[lo:hi]...)
			} else {
				v.Int = append(v.Int, x.Int[lo:hi]...)
			}
		}
		outs[i] = v
		start += p
	}
	return outs, nil
}

func opTranspose(n *NodeProto, in []*Value) (*Value, error) {
	if err := args(in, 1); err != nil {
		return nil, err
	}
	x := in[0]
	rank := len(x.Shape)
	perm := make([]int, rank)
	if a := n.Attribute("perm"); a != nil {
		if len(a.Ints) != rank {
			return nil, fmt.Errorf("perm %v does not match rank %d", a.Ints, rank)
		}
		for i, p := range a.Ints {
			perm[i] = int(p)
		}
	} else {
		for i := range perm {
			perm[i] = rank - 1 - i
		}
	}

	shape := make([]int, rank)
	seen := make([]bool, rank)
	for i, p := range perm {
		if p < 0 || p >= rank || seen[p] {
			return nil, fmt.Errorf("invalid perm %v", perm)
		}
		seen[p] = true
		shape[i] = x.Shape[p]
	}

	srcStrides := tensor.Shape(x.Shape).ComputeStrides()
	strides := make([]int, rank)
	for i, p := range perm {
		strides[i] = srcStrides[p]
	}

	total := x.Len()
	var outF []float32
	var outI []int64
	if x.isFloat() {
		outF = make([]float32, total)
	} else {
		outI = make([]int64, total)
	}
	idx := make([]int, rank)
	src := 0
	for i := 0; i < total; i++ {
		if outF != nil {
			outF[i] = x.Float[src]
		} else {
			outI[i] = x.Int[src]
		}
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			src += strides[d]
			if idx[d] < shape[d] {
				break
			}
			src -= strides[d] * shape[d]
			idx[d] = 0
		}
	}
	return &Value{DataType: x.DataType, Shape: shape, Float: outF, Int: outI}, nil
}

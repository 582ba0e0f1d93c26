package tensor

import (
	"fmt"
	"math"

	"github.com/born-ml/glmcheck/internal/parallel"
)

// WeightLayout describes how a linear layer's weight matrix is stored.
type WeightLayout int

const (
	// LayoutOutIn stores weights as [out, in] (PyTorch nn.Linear).
	LayoutOutIn WeightLayout = iota
	// LayoutInOut stores weights as [in, out].
	LayoutInOut
)

// String returns the layout name.
func (l WeightLayout) String() string {
	switch l {
	case LayoutOutIn:
		return "out_in"
	case LayoutInOut:
		return "in_out"
	default:
		return "unknown"
	}
}

var kernelConfig = parallel.DefaultConfig()

// MatMul computes (M, K) @ (K, N) -> (M, N).
func MatMul(a, b *Array) *Array {
	if a.Rank() != 2 || b.Rank() != 2 {
		panic(fmt.Sprintf("matmul: only 2D tensors supported, got %dD and %dD", a.Rank(), b.Rank()))
	}
	m, k := a.shape[0], a.shape[1]
	kAlt, n := b.shape[0], b.shape[1]
	if k != kAlt {
		panic(fmt.Sprintf("matmul: shape mismatch [%d,%d] @ [%d,%d]", m, k, kAlt, n))
	}

	out := Zeros(Shape{m, n})
	ad, bd, cd := a.data, b.data, out.data
	parallel.ForRange(m, func(start, end int) {
		for i := start; i < end; i++ {
			row := cd[i*n : (i+1)*n]
			for p := 0; p < k; p++ {
				av := ad[i*k+p]
				bRow := bd[p*n : (p+1)*n]
				for j := range row {
					row[j] += av * bRow[j]
				}
			}
		}
	}, kernelConfig)
	return out
}

// MatMulTransB computes (M, K) @ (N, K)^T -> (M, N).
func MatMulTransB(a, b *Array) *Array {
	if a.Rank() != 2 || b.Rank() != 2 {
		panic(fmt.Sprintf("matmul_t: only 2D tensors supported, got %dD and %dD", a.Rank(), b.Rank()))
	}
	m, k := a.shape[0], a.shape[1]
	n, kAlt := b.shape[0], b.shape[1]
	if k != kAlt {
		panic(fmt.Sprintf("matmul_t: shape mismatch [%d,%d] @ [%d,%d]^T", m, k, n, kAlt))
	}

	out := Zeros(Shape{m, n})
	ad, bd, cd := a.data, b.data, out.data
	parallel.ForRange(n, func(start, end int) {
		for j := start; j < end; j++ {
			bRow := bd[j*k : (j+1)*k]
			for i := 0; i < m; i++ {
				aRow := ad[i*k : (i+1)*k]
				var sum float32
				for p := range aRow {
					sum += aRow[p] * bRow[p]
				}
				cd[i*n+j] = sum
			}
		}
	}, kernelConfig)
	return out
}

// Linear applies x @ W (+ bias) with W stored in the given layout.
// x: [M, in]; bias may be nil.
func Linear(x, w, bias *Array, layout WeightLayout) *Array {
	var out *Array
	switch layout {
	case LayoutInOut:
		out = MatMul(x, w)
	case LayoutOutIn:
		out = MatMulTransB(x, w)
	default:
		panic(fmt.Sprintf("linear: unknown layout %d", layout))
	}
	if bias != nil {
		AddRowInPlace(out, bias)
	}
	return out
}

// Transpose2D returns the transpose of a 2D array.
func Transpose2D(a *Array) *Array {
	if a.Rank() != 2 {
		panic(fmt.Sprintf("transpose: expected 2D tensor, got %dD", a.Rank()))
	}
	rows, cols := a.shape[0], a.shape[1]
	out := Zeros(Shape{cols, rows})
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.data[j*rows+i] = a.data[i*cols+j]
		}
	}
	return out
}

// AddInPlace adds src into dst element-wise. Shapes must match.
func AddInPlace(dst, src *Array) {
	if !dst.shape.Equal(src.shape) {
		panic(fmt.Sprintf("add: shape mismatch %v vs %v", dst.shape, src.shape))
	}
	for i, v := range src.data {
		dst.data[i] += v
	}
}

// AddRowInPlace adds a [N] vector to every row of a [..., N] array.
func AddRowInPlace(dst, row *Array) {
	n := row.NumElements()
	if dst.shape[len(dst.shape)-1] != n {
		panic(fmt.Sprintf("add_row: last dim %d vs vector %d", dst.shape[len(dst.shape)-1], n))
	}
	for off := 0; off < len(dst.data); off += n {
		seg := dst.data[off : off+n]
		for j, v := range row.data {
			seg[j] += v
		}
	}
}

// LayerNorm normalizes each row of x over the last dimension:
// y = gamma * (x - mean) / sqrt(var + eps) + beta.
func LayerNorm(x, gamma, beta *Array, eps float32) *Array {
	d := x.shape[len(x.shape)-1]
	if gamma.NumElements() != d || beta.NumElements() != d {
		panic(fmt.Sprintf("layernorm: feature dim %d, gamma %v, beta %v", d, gamma.shape, beta.shape))
	}
	out := Zeros(x.shape)
	rows := len(x.data) / d
	for r := 0; r < rows; r++ {
		in := x.data[r*d : (r+1)*d]
		o := out.data[r*d : (r+1)*d]

		var mean float32
		for _, v := range in {
			mean += v
		}
		mean /= float32(d)

		var variance float32
		for _, v := range in {
			c := v - mean
			variance += c * c
		}
		variance /= float32(d)

		rstd := float32(1 / math.Sqrt(float64(variance+eps)))
		for j, v := range in {
			o[j] = (v-mean)*rstd*gamma.data[j] + beta.data[j]
		}
	}
	return out
}

// GELUTanhInPlace applies the tanh approximation of GELU:
// 0.5 * x * (1 + tanh(sqrt(2/pi) * x * (1 + 0.044715 * x^2))).
func GELUTanhInPlace(a *Array) {
	const c = 0.7978845608028654
	for i, x := range a.data {
		inner := c * x * (1 + 0.044715*x*x)
		a.data[i] = 0.5 * x * (1 + float32(math.Tanh(float64(inner))))
	}
}

// GELUErfInPlace applies exact GELU: 0.5 * x * (1 + erf(x / sqrt(2))).
func GELUErfInPlace(a *Array) {
	for i, x := range a.data {
		a.data[i] = 0.5 * x * (1 + float32(math.Erf(float64(x)/math.Sqrt2)))
	}
}

// SoftmaxInPlace applies a numerically stable softmax over the last dimension.
func SoftmaxInPlace(a *Array) {
	d := a.shape[len(a.shape)-1]
	for off := 0; off < len(a.data); off += d {
		row := a.data[off : off+d]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float32
		for j, v := range row {
			e := float32(math.Exp(float64(v - maxVal)))
			row[j] = e
			sum += e
		}
		for j := range row {
			row[j] /= sum
		}
	}
}

// Gather looks up rows of a [V, D] table, returning [len(ids), D].
func Gather(table *Array, ids []int64) (*Array, error) {
	if table.Rank() != 2 {
		return nil, fmt.Errorf("gather: table must be 2D, got %v", table.shape)
	}
	vocab, d := table.shape[0], table.shape[1]
	out := Zeros(Shape{len(ids), d})
	for i, id := range ids {
		if id < 0 || id >= int64(vocab) {
			return nil, fmt.Errorf("gather: index %d out of range [0, %d)", id, vocab)
		}
		copy(out.data[i*d:(i+1)*d], table.data[int(id)*d:(int(id)+1)*d])
	}
	return out, nil
}

// SliceColumns returns columns [start, end) of a 2D array.
func SliceColumns(a *Array, start, end int) *Array {
	if a.Rank() != 2 || start < 0 || end > a.shape[1] || start >= end {
		panic(fmt.Sprintf("slice_columns: [%d,%d) of %v", start, end, a.shape))
	}
	rows, cols := a.shape[0], a.shape[1]
	width := end - start
	out := Zeros(Shape{rows, width})
	for r := 0; r < rows; r++ {
		copy(out.data[r*width:(r+1)*width], a.data[r*cols+start:r*cols+end])
	}
	return out
}

// SliceRows returns rows [start, end) of a 2D array as a copy.
func SliceRows(a *Array, start, end int) *Array {
	if a.Rank() != 2 || start < 0 || end > a.shape[0] || start >= end {
		panic(fmt.Sprintf("slice_rows: [%d,%d) of %v", start, end, a.shape))
	}
	cols := a.shape[1]
	data := make([]float32, (end-start)*cols)
	copy(data, a.data[start*cols:end*cols])
	return &Array{shape: Shape{end - start, cols}, data: data}
}

// SliceVector returns elements [start, end) of a 1D array as a copy.
func SliceVector(a *Array, start, end int) *Array {
	if a.Rank() != 1 || start < 0 || end > a.shape[0] || start >= end {
		panic(fmt.Sprintf("slice_vector: [%d,%d) of %v", start, end, a.shape))
	}
	data := make([]float32, end-start)
	copy(data, a.data[start:end])
	return &Array{shape: Shape{end - start}, data: data}
}

// ConcatColumns joins 2D arrays with the same row count along the last axis.
func ConcatColumns(parts ...*Array) *Array {
	if len(parts) == 0 {
		panic("concat_columns: no inputs")
	}
	rows := parts[0].shape[0]
	total := 0
	for _, p := range parts {
		if p.Rank() != 2 || p.shape[0] != rows {
			panic(fmt.Sprintf("concat_columns: incompatible %v", p.shape))
		}
		total += p.shape[1]
	}
	out := Zeros(Shape{rows, total})
	for r := 0; r < rows; r++ {
		off := r * total
		for _, p := range parts {
			w := p.shape[1]
			copy(out.data[off:off+w], p.data[r*w:(r+1)*w])
			off += w
		}
	}
	return out
}

// MeanAbs returns mean(|a|). The sum accumulates in float64 and the mean
// is rounded to float32 before being widened back for reporting.
func MeanAbs(a *Array) float64 {
	var sum float64
	for _, v := range a.data {
		sum += math.Abs(float64(v))
	}
	return float64(float32(sum / float64(len(a.data))))
}

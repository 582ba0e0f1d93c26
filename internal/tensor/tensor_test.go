package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape_Resolve(t *testing.T) {
	tests := []struct {
		name    string
		shape   Shape
		n       int
		want    Shape
		wantErr bool
	}{
		{"static", Shape{2, 5}, 10, Shape{2, 5}, false},
		{"infer last", Shape{1, -1}, 10, Shape{1, 10}, false},
		{"infer first", Shape{-1, 2}, 10, Shape{5, 2}, false},
		{"two inferred", Shape{-1, -1}, 10, nil, true},
		{"not divisible", Shape{3, -1}, 10, nil, true},
		{"wrong total", Shape{3, 3}, 10, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.shape.Resolve(tt.n)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestArangeReshape(t *testing.T) {
	ids, err := Arange(100, 110).Reshape(1, -1)
	require.NoError(t, err)
	assert.Equal(t, Shape{1, 10}, ids.Shape())
	assert.Equal(t, int64(100), ids.Data()[0])
	assert.Equal(t, int64(109), ids.Data()[9])
}

func TestNew_LengthMismatch(t *testing.T) {
	_, err := New(Shape{2, 3}, make([]float32, 5))
	assert.Error(t, err)
}

func TestMatMulLayouts(t *testing.T) {
	x := MustNew(Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	wInOut := MustNew(Shape{3, 2}, []float32{1, 0, 0, 1, 1, 1})
	bias := MustNew(Shape{2}, []float32{0.5, -0.5})

	want := []float32{4.5, 4.5, 10.5, 10.5}

	got := Linear(x, wInOut, bias, LayoutInOut)
	assert.Equal(t, Shape{2, 2}, got.Shape())
	assert.Equal(t, want, got.Data())

	wOutIn := Transpose2D(wInOut)
	got2 := Linear(x, wOutIn, bias, LayoutOutIn)
	assert.True(t, got.Equal(got2), "layouts must agree exactly")
}

func TestMatMul_ShapeMismatchPanics(t *testing.T) {
	a := Zeros(Shape{2, 3})
	b := Zeros(Shape{2, 3})
	assert.Panics(t, func() { MatMul(a, b) })
}

func TestLayerNorm(t *testing.T) {
	x := MustNew(Shape{1, 4}, []float32{1, 2, 3, 4})
	gamma := MustNew(Shape{4}, []float32{1, 1, 1, 1})
	beta := MustNew(Shape{4}, []float32{0, 0, 0, 0})

	out := LayerNorm(x, gamma, beta, 1e-5)

	var mean, sq float32
	for _, v := range out.Data() {
		mean += v
		sq += v * v
	}
	assert.InDelta(t, 0, mean/4, 1e-6)
	assert.InDelta(t, 1, sq/4, 1e-4)
}

func TestGELUVariantsDiffer(t *testing.T) {
	xs := []float32{-3, -1, -0.5, 0, 0.5, 1, 3}
	a := MustNew(Shape{len(xs)}, append([]float32(nil), xs...))
	b := MustNew(Shape{len(xs)}, append([]float32(nil), xs...))

	GELUTanhInPlace(a)
	GELUErfInPlace(b)

	assert.Equal(t, float32(0), a.Data()[3])
	assert.Equal(t, float32(0), b.Data()[3])
	for i := range xs {
		assert.InDelta(t, b.Data()[i], a.Data()[i], 1e-3, "x=%v", xs[i])
	}
	assert.False(t, a.Equal(b), "approximation must not be bit-identical to erf")
}

func TestSoftmaxInPlace(t *testing.T) {
	a := MustNew(Shape{2, 3}, []float32{1, 2, 3, 1000, 1000, 1000})
	SoftmaxInPlace(a)

	for r := 0; r < 2; r++ {
		var sum float32
		for c := 0; c < 3; c++ {
			sum += a.At(r, c)
		}
		assert.InDelta(t, 1, sum, 1e-6)
	}
	assert.InDelta(t, 1.0/3, a.At(1, 0), 1e-6)
}

func TestGather(t *testing.T) {
	table := MustNew(Shape{3, 2}, []float32{0, 1, 10, 11, 20, 21})

	out, err := Gather(table, []int64{2, 0})
	require.NoError(t, err)
	assert.Equal(t, []float32{20, 21, 0, 1}, out.Data())

	_, err = Gather(table, []int64{3})
	assert.Error(t, err)
}

func TestSliceAndConcatColumns(t *testing.T) {
	a := MustNew(Shape{2, 4}, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	left := SliceColumns(a, 0, 2)
	right := SliceColumns(a, 2, 4)
	assert.Equal(t, []float32{1, 2, 5, 6}, left.Data())
	assert.True(t, ConcatColumns(left, right).Equal(a))

	rows := SliceRows(a, 1, 2)
	assert.Equal(t, []float32{5, 6, 7, 8}, rows.Data())
}

func TestMeanAbs(t *testing.T) {
	a := MustNew(Shape{1, 4}, []float32{-1, 2, -3, 4})
	assert.Equal(t, 2.5, MeanAbs(a))

	b := MustNew(Shape{1}, []float32{float32(math.Pi)})
	assert.Equal(t, float64(float32(math.Pi)), MeanAbs(b))

	// A float32 running sum would drop both trailing ones.
	c := MustNew(Shape{1, 3}, []float32{1 << 24, -1, 1})
	assert.Equal(t, float64(5592406), MeanAbs(c))
}

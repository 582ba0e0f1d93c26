package onnx

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tinyModel computes softmax(x @ w + b) for x of shape [batch, 2].
func tinyModel() *ModelProto {
	return &ModelProto{
		IRVersion:    IRVersion,
		ProducerName: "test",
		OpsetImport:  []OperatorSetID{{Version: DefaultOpset}},
		Graph: &GraphProto{
			Name: "tiny",
			Nodes: []NodeProto{
				// Deliberately out of order.
				{Name: "softmax", OpType: "Softmax", Inputs: []string{"z"}, Outputs: []string{"y"},
					Attributes: []AttributeProto{AttrInt("axis", -1)}},
				{Name: "matmul", OpType: "MatMul", Inputs: []string{"x", "w"}, Outputs: []string{"xw"}},
				{Name: "add", OpType: "Add", Inputs: []string{"xw", "b"}, Outputs: []string{"z"}},
			},
			Initializers: []TensorProto{
				FloatTensor("w", []int64{2, 3}, []float32{1, 0, -1, 0, 1, 2}),
				FloatTensor("b", []int64{3}, []float32{0, 0.5, 0}),
			},
			Inputs:  []ValueInfoProto{TensorValueInfo("x", TensorProtoFloat, []int64{-1, 2}, []string{"batch"})},
			Outputs: []ValueInfoProto{TensorValueInfo("y", TensorProtoFloat, []int64{-1, 3}, []string{"batch"})},
		},
		MetadataProps: []StringStringEntry{{Key: "variant", Value: "native"}},
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	m := tinyModel()
	m.Graph.Nodes[0].Attributes = append(m.Graph.Nodes[0].Attributes,
		AttrFloat("epsilon", 1e-5), AttrString("approximate", "tanh"), AttrInts("perm", 0, 2, 1, 3))

	data, err := Marshal(m)
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, int64(IRVersion), got.IRVersion)
	assert.Equal(t, int64(DefaultOpset), got.Opset())
	assert.Equal(t, "native", got.Metadata()["variant"])
	require.NotNil(t, got.Graph)
	assert.Equal(t, "tiny", got.Graph.Name)
	require.Len(t, got.Graph.Nodes, 3)

	n := got.Graph.Nodes[0]
	assert.Equal(t, "Softmax", n.OpType)
	assert.Equal(t, []string{"z"}, n.Inputs)
	assert.Equal(t, int64(-1), n.Attribute("axis").I)
	assert.InDelta(t, 1e-5, n.Attribute("epsilon").F, 1e-12)
	assert.Equal(t, "tanh", string(n.Attribute("approximate").S))
	assert.Equal(t, []int64{0, 2, 1, 3}, n.Attribute("perm").Ints)
	assert.Nil(t, n.Attribute("missing"))

	w, err := ValueFromTensor(&got.Graph.Initializers[0])
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, w.Shape)
	assert.Equal(t, []float32{1, 0, -1, 0, 1, 2}, w.Float)

	dims := got.Graph.Inputs[0].Type.TensorType.Shape.Dims
	require.Len(t, dims, 2)
	assert.Equal(t, "batch", dims[0].DimParam)
	assert.Equal(t, int64(2), dims[1].DimValue)
}

func TestUnmarshal_Truncated(t *testing.T) {
	data, err := Marshal(tinyModel())
	require.NoError(t, err)

	_, err = Unmarshal(data[:len(data)-3])
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Marshal(&ModelProto{})
	assert.Error(t, err, "model without graph")
}

func TestWriteFile_ReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.onnx")
	require.NoError(t, WriteFile(path, tinyModel()))

	m, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "test", m.ProducerName)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.onnx"))
	assert.Error(t, err)
}

func TestSession_Run(t *testing.T) {
	sess, err := NewSession(tinyModel())
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, sess.InputNames())
	assert.Equal(t, []string{"y"}, sess.OutputNames())

	outs, err := sess.Run(context.Background(), map[string]*Value{
		"x": FloatValue([]int{2, 2}, []float32{0, 0, 1, 1}),
	})
	require.NoError(t, err)
	y := outs["y"]
	require.Equal(t, []int{2, 3}, y.Shape)

	// Row 0: softmax([0, 0.5, 0]); row 1: softmax([1, 1.5, 1]) is the same.
	for i := 0; i < 3; i++ {
		assert.InDelta(t, y.Float[i], y.Float[3+i], 1e-6)
	}
	assert.Greater(t, y.Float[1], y.Float[0])
	assert.InDelta(t, 1.0, float64(y.Float[0]+y.Float[1]+y.Float[2]), 1e-6)
}

func TestSession_InputValidation(t *testing.T) {
	sess, err := NewSession(tinyModel())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = sess.Run(ctx, nil)
	assert.ErrorContains(t, err, "missing input")

	_, err = sess.Run(ctx, map[string]*Value{"x": Int64Value([]int{1, 2}, []int64{1, 2})})
	assert.ErrorContains(t, err, "int64")

	_, err = sess.Run(ctx, map[string]*Value{"x": FloatValue([]int{1, 3}, []float32{1, 2, 3})})
	assert.ErrorContains(t, err, "dimension 1")
}

func TestNewSession_Rejects(t *testing.T) {
	m := tinyModel()
	m.Graph.Nodes = append(m.Graph.Nodes, NodeProto{OpType: "Conv", Inputs: []string{"y"}, Outputs: []string{"c"}})
	_, err := NewSession(m)
	assert.ErrorContains(t, err, "Conv")

	m = tinyModel()
	m.OpsetImport[0].Version = 13
	_, err = NewSession(m)
	assert.ErrorContains(t, err, "opset")

	m = tinyModel()
	m.Graph.Nodes[1].Inputs[0] = "nowhere"
	_, err = NewSession(m)
	assert.ErrorContains(t, err, "dangling")
}

func run(t *testing.T, n NodeProto, in ...*Value) []*Value {
	t.Helper()
	out, err := operators[n.OpType](&n, in)
	require.NoError(t, err)
	return out
}

func TestOperators(t *testing.T) {
	t.Run("broadcast add", func(t *testing.T) {
		a := FloatValue([]int{2, 1, 3}, []float32{1, 2, 3, 4, 5, 6})
		b := FloatValue([]int{2, 1}, []float32{10, 20})
		out := run(t, NodeProto{OpType: "Add"}, a, b)[0]
		assert.Equal(t, []int{2, 2, 3}, out.Shape)
		assert.Equal(t, []float32{11, 12, 13, 21, 22, 23, 14, 15, 16, 24, 25, 26}, out.Float)
	})

	t.Run("incompatible broadcast", func(t *testing.T) {
		_, err := operators["Mul"](&NodeProto{}, []*Value{
			FloatValue([]int{2}, []float32{1, 2}), FloatValue([]int{3}, []float32{1, 2, 3}),
		})
		assert.Error(t, err)
	})

	t.Run("gather axis 1 with scalar index", func(t *testing.T) {
		pos := Int64Value([]int{1, 2, 3}, []int64{0, 1, 2, 7, 8, 9})
		idx := Int64Value([]int{}, []int64{1})
		out := run(t, NodeProto{OpType: "Gather", Attributes: []AttributeProto{AttrInt("axis", 1)}}, pos, idx)[0]
		assert.Equal(t, []int{1, 3}, out.Shape)
		assert.Equal(t, []int64{7, 8, 9}, out.Int)
	})

	t.Run("gather rows", func(t *testing.T) {
		table := FloatValue([]int{3, 2}, []float32{0, 1, 2, 3, 4, 5})
		ids := Int64Value([]int{1, 2}, []int64{2, -3})
		out := run(t, NodeProto{OpType: "Gather"}, table, ids)[0]
		assert.Equal(t, []int{1, 2, 2}, out.Shape)
		assert.Equal(t, []float32{4, 5, 0, 1}, out.Float)

		_, err := operators["Gather"](&NodeProto{}, []*Value{table, Int64Value([]int{1}, []int64{3})})
		assert.Error(t, err)
	})

	t.Run("split and reshape", func(t *testing.T) {
		x := FloatValue([]int{1, 2, 6}, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11})
		sizes := Int64Value([]int{3}, []int64{2, 2, 2})
		outs := run(t, NodeProto{OpType: "Split", Outputs: []string{"a", "b", "c"},
			Attributes: []AttributeProto{AttrInt("axis", -1)}}, x, sizes)
		require.Len(t, outs, 3)
		assert.Equal(t, []float32{2, 3, 8, 9}, outs[1].Float)
		assert.Equal(t, []int{1, 2, 2}, outs[1].Shape)

		shape := Int64Value([]int{4}, []int64{0, 0, 2, -1})
		r := run(t, NodeProto{OpType: "Reshape"}, x, shape)[0]
		assert.Equal(t, []int{1, 2, 2, 3}, r.Shape)
	})

	t.Run("transpose", func(t *testing.T) {
		x := FloatValue([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
		out := run(t, NodeProto{OpType: "Transpose"}, x)[0]
		assert.Equal(t, []int{3, 2}, out.Shape)
		assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, out.Float)

		y := FloatValue([]int{1, 2, 2, 2}, []float32{0, 1, 2, 3, 4, 5, 6, 7})
		out = run(t, NodeProto{OpType: "Transpose", Attributes: []AttributeProto{AttrInts("perm", 0, 2, 1, 3)}}, y)[0]
		assert.Equal(t, []float32{0, 1, 4, 5, 2, 3, 6, 7}, out.Float)
	})

	t.Run("batched matmul", func(t *testing.T) {
		a := FloatValue([]int{2, 1, 2}, []float32{1, 2, 3, 4})
		b := FloatValue([]int{2, 2, 1}, []float32{1, 1, 2, 0})
		out := run(t, NodeProto{OpType: "MatMul"}, a, b)[0]
		assert.Equal(t, []int{2, 1, 1}, out.Shape)
		assert.Equal(t, []float32{3, 6}, out.Float)
	})

	t.Run("cast", func(t *testing.T) {
		x := Int64Value([]int{2}, []int64{0, 1})
		out := run(t, NodeProto{OpType: "Cast", Attributes: []AttributeProto{AttrInt("to", TensorProtoFloat)}}, x)[0]
		assert.Equal(t, []float32{0, 1}, out.Float)
	})

	t.Run("gelu variants", func(t *testing.T) {
		x := FloatValue([]int{1}, []float32{1})
		erf := run(t, NodeProto{OpType: "Gelu"}, x)[0]
		tanh := run(t, NodeProto{OpType: "Gelu", Attributes: []AttributeProto{AttrString("approximate", "tanh")}}, x)[0]
		assert.InDelta(t, 0.8413447, erf.Float[0], 1e-6)
		assert.InDelta(t, 0.8411920, tanh.Float[0], 1e-6)
		assert.Equal(t, float32(1), x.Float[0], "input is not modified")
	})

	t.Run("layer norm", func(t *testing.T) {
		x := FloatValue([]int{1, 1, 2}, []float32{1, 3})
		out := run(t, NodeProto{OpType: "LayerNormalization"}, x,
			FloatValue([]int{2}, []float32{1, 1}), FloatValue([]int{2}, []float32{0, 0}))[0]
		assert.Equal(t, []int{1, 1, 2}, out.Shape)
		assert.InDelta(t, -1, out.Float[0], 1e-4)
		assert.InDelta(t, 1, out.Float[1], 1e-4)
	})
}

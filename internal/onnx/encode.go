package onnx

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// Protobuf wire types.
const (
	wireVarint = 0
	wire64Bit  = 1
	wireBytes  = 2
	wire32Bit  = 5
)

// Marshal encodes a model in protobuf wire format.
func Marshal(m *ModelProto) ([]byte, error) {
	if m.Graph == nil {
		return nil, fmt.Errorf("model has no graph")
	}
	var e encoder
	e.varint(1, m.IRVersion)
	e.str(2, m.ProducerName)
	e.str(3, m.ProducerVersion)
	e.str(4, m.Domain)
	e.varint(5, m.ModelVersion)
	e.str(6, m.DocString)
	e.message(7, func(e *encoder) { e.graph(m.Graph) })
	for _, o := range m.OpsetImport {
		e.message(8, func(e *encoder) {
			e.str(1, o.Domain)
			e.forceVarint(2, o.Version)
		})
	}
	for _, p := range m.MetadataProps {
		e.message(14, func(e *encoder) {
			e.str(1, p.Key)
			e.str(2, p.Value)
		})
	}
	return e.buf, nil
}

// WriteFile marshals m and writes it to path.
func WriteFile(path string, m *ModelProto) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // model files are world readable.
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) tag(num, wire int) {
	e.buf = binary.AppendUvarint(e.buf, uint64(num)<<3|uint64(wire))
}

// varint writes a non-zero integer field.
func (e *encoder) varint(num int, v int64) {
	if v != 0 {
		e.forceVarint(num, v)
	}
}

func (e *encoder) forceVarint(num int, v int64) {
	e.tag(num, wireVarint)
	e.buf = binary.AppendUvarint(e.buf, uint64(v))
}

func (e *encoder) float(num int, v float32) {
	e.tag(num, wire32Bit)
	e.buf = binary.LittleEndian.AppendUint32(e.buf, math.Float32bits(v))
}

func (e *encoder) bytes(num int, b []byte) {
	e.tag(num, wireBytes)
	e.buf = binary.AppendUvarint(e.buf, uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// str writes a non-empty string field.
func (e *encoder) str(num int, s string) {
	if s != "" {
		e.bytes(num, []byte(s))
	}
}

func (e *encoder) message(num int, body func(*encoder)) {
	var sub encoder
	body(&sub)
	e.bytes(num, sub.buf)
}

func (e *encoder) packedInt64(num int, vs []int64) {
	if len(vs) == 0 {
		return
	}
	var p []byte
	for _, v := range vs {
		p = binary.AppendUvarint(p, uint64(v))
	}
	e.bytes(num, p)
}

func (e *encoder) packedFloat(num int, vs []float32) {
	if len(vs) == 0 {
		return
	}
	p := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		p = binary.LittleEndian.AppendUint32(p, math.Float32bits(v))
	}
	e.bytes(num, p)
}

func (e *encoder) graph(g *GraphProto) {
	for i := range g.Nodes {
		e.message(1, func(e *encoder) { e.node(&g.Nodes[i]) })
	}
	e.str(2, g.Name)
	for i := range g.Initializers {
		e.message(5, func(e *encoder) { e.tensor(&g.Initializers[i]) })
	}
	e.str(10, g.DocString)
	for i := range g.Inputs {
		e.message(11, func(e *encoder) { e.valueInfo(&g.Inputs[i]) })
	}
	for i := range g.Outputs {
		e.message(12, func(e *encoder) { e.valueInfo(&g.Outputs[i]) })
	}
	for i := range g.ValueInfo {
		e.message(13, func(e *encoder) { e.valueInfo(&g.ValueInfo[i]) })
	}
}

func (e *encoder) node(n *NodeProto) {
	for _, in := range n.Inputs {
		e.bytes(1, []byte(in))
	}
	for _, out := range n.Outputs {
		e.bytes(2, []byte(out))
	}
	e.str(3, n.Name)
	e.str(4, n.OpType)
	for i := range n.Attributes {
		e.message(5, func(e *encoder) { e.attribute(&n.Attributes[i]) })
	}
	e.str(6, n.DocString)
	e.str(7, n.Domain)
}

func (e *encoder) attribute(a *AttributeProto) {
	e.str(1, a.Name)
	switch a.Type {
	case AttributeProtoFloat:
		e.float(2, a.F)
	case AttributeProtoInt:
		e.forceVarint(3, a.I)
	case AttributeProtoString:
		e.bytes(4, a.S)
	case AttributeProtoTensor:
		if a.T != nil {
			e.message(5, func(e *encoder) { e.tensor(a.T) })
		}
	case AttributeProtoFloats:
		for _, f := range a.Floats {
			e.float(7, f)
		}
	case AttributeProtoInts:
		for _, i := range a.Ints {
			e.forceVarint(8, i)
		}
	case AttributeProtoStrings:
		for _, s := range a.Strings {
			e.bytes(9, s)
		}
	}
	e.str(13, a.DocString)
	e.forceVarint(20, int64(a.Type))
}

func (e *encoder) tensor(t *TensorProto) {
	e.packedInt64(1, t.Dims)
	e.forceVarint(2, int64(t.DataType))
	e.packedFloat(4, t.FloatData)
	if len(t.Int32Data) > 0 {
		wide := make([]int64, len(t.Int32Data))
		for i, v := range t.Int32Data {
			wide[i] = int64(v)
		}
		e.packedInt64(5, wide)
	}
	e.packedInt64(7, t.Int64Data)
	e.str(8, t.Name)
	if len(t.RawData) > 0 {
		e.bytes(9, t.RawData)
	}
	e.str(12, t.DocString)
}

func (e *encoder) valueInfo(v *ValueInfoProto) {
	e.str(1, v.Name)
	if v.Type != nil && v.Type.TensorType != nil {
		tt := v.Type.TensorType
		e.message(2, func(e *encoder) {
			e.message(1, func(e *encoder) {
				e.forceVarint(1, int64(tt.ElemType))
				if tt.Shape != nil {
					e.message(2, func(e *encoder) {
						for _, d := range tt.Shape.Dims {
							e.message(1, func(e *encoder) {
								if d.DimParam != "" {
									e.str(2, d.DimParam)
								} else {
									e.forceVarint(1, d.DimValue)
								}
							})
						}
					})
				}
			})
		})
	}
	e.str(3, v.DocString)
}

// FloatTensor returns a float32 initializer stored as raw data.
func FloatTensor(name string, dims []int64, data []float32) TensorProto {
	raw := make([]byte, 0, 4*len(data))
	for _, v := range data {
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
	}
	return TensorProto{Name: name, Dims: dims, DataType: TensorProtoFloat, RawData: raw}
}

// Int64Tensor returns an int64 initializer stored as raw data.
func Int64Tensor(name string, dims []int64, data []int64) TensorProto {
	raw := make([]byte, 0, 8*len(data))
	for _, v := range data {
		raw = binary.LittleEndian.AppendUint64(raw, uint64(v))
	}
	return TensorProto{Name: name, Dims: dims, DataType: TensorProtoInt64, RawData: raw}
}

// AttrInt returns an INT attribute.
func AttrInt(name string, v int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoInt, I: v}
}

// AttrFloat returns a FLOAT attribute.
func AttrFloat(name string, v float32) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoFloat, F: v}
}

// AttrString returns a STRING attribute.
func AttrString(name, v string) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoString, S: []byte(v)}
}

// AttrInts returns an INTS attribute.
func AttrInts(name string, vs ...int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoInts, Ints: vs}
}

// TensorValueInfo describes a tensor graph input or output. A negative
// dimension is symbolic and takes its name from params[i].
func TensorValueInfo(name string, elemType int32, dims []int64, params []string) ValueInfoProto {
	shape := &TensorShapeProto{Dims: make([]DimensionProto, len(dims))}
	for i, d := range dims {
		if d < 0 {
			p := fmt.Sprintf("%s_dim%d", name, i)
			if i < len(params) && params[i] != "" {
				p = params[i]
			}
			shape.Dims[i] = DimensionProto{DimParam: p}
		} else {
			shape.Dims[i] = DimensionProto{DimValue: d}
		}
	}
	return ValueInfoProto{
		Name: name,
		Type: &TypeProto{TensorType: &TensorTypeProto{ElemType: elemType, Shape: shape}},
	}
}

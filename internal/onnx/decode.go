package onnx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
)

// ErrTruncated is returned for input that ends inside a field.
var ErrTruncated = errors.New("truncated protobuf message")

// ReadFile reads and decodes a model file.
func ReadFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path) //nolint:gosec // caller-chosen model path.
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	m, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Unmarshal decodes a model from protobuf wire format. Unknown fields are skipped.
func Unmarshal(data []byte) (*ModelProto, error) {
	m := &ModelProto{}
	err := walk(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.IRVersion = int64(f.varint)
		case 2:
			m.ProducerName = string(f.data)
		case 3:
			m.ProducerVersion = string(f.data)
		case 4:
			m.Domain = string(f.data)
		case 5:
			m.ModelVersion = int64(f.varint)
		case 6:
			m.DocString = string(f.data)
		case 7:
			m.Graph, err = decodeGraph(f.data)
		case 8:
			var o OperatorSetID
			err = walk(f.data, func(f field) error {
				switch f.num {
				case 1:
					o.Domain = string(f.data)
				case 2:
					o.Version = int64(f.varint)
				}
				return nil
			})
			m.OpsetImport = append(m.OpsetImport, o)
		case 14:
			var p StringStringEntry
			err = walk(f.data, func(f field) error {
				switch f.num {
				case 1:
					p.Key = string(f.data)
				case 2:
					p.Value = string(f.data)
				}
				return nil
			})
			m.MetadataProps = append(m.MetadataProps, p)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	return m, nil
}

// field is one decoded key/value pair. For length-delimited fields data
// holds the payload; for fixed32 fields data holds the 4 raw bytes.
type field struct {
	num    int
	wire   int
	varint uint64
	data   []byte
}

// walk calls fn for every top-level field of a message.
func walk(data []byte, fn func(field) error) error {
	for pos := 0; pos < len(data); {
		key, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return ErrTruncated
		}
		pos += n
		f := field{num: int(key >> 3), wire: int(key & 7)}

		switch f.wire {
		case wireVarint:
			v, n := binary.Uvarint(data[pos:])
			if n <= 0 {
				return ErrTruncated
			}
			f.varint = v
			pos += n
		case wire64Bit:
			if pos+8 > len(data) {
				return ErrTruncated
			}
			f.data = data[pos : pos+8]
			pos += 8
		case wireBytes:
			l, n := binary.Uvarint(data[pos:])
			if n <= 0 || l > uint64(len(data)-pos-n) {
				return ErrTruncated
			}
			pos += n
			f.data = data[pos : pos+int(l)]
			pos += int(l)
		case wire32Bit:
			if pos+4 > len(data) {
				return ErrTruncated
			}
			f.data = data[pos : pos+4]
			pos += 4
		default:
			return fmt.Errorf("unsupported wire type %d for field %d", f.wire, f.num)
		}

		if err := fn(f); err != nil {
			return fmt.Errorf("field %d: %w", f.num, err)
		}
	}
	return nil
}

// int64s appends a repeated integer field in either packed or unpacked form.
func (f field) int64s(dst []int64) ([]int64, error) {
	if f.wire == wireVarint {
		return append(dst, int64(f.varint)), nil
	}
	for p := f.data; len(p) > 0; {
		v, n := binary.Uvarint(p)
		if n <= 0 {
			return nil, ErrTruncated
		}
		dst = append(dst, int64(v))
		p = p[n:]
	}
	return dst, nil
}

// float32s appends a repeated float field in either packed or unpacked form.
func (f field) float32s(dst []float32) ([]float32, error) {
	if len(f.data)%4 != 0 {
		return nil, ErrTruncated
	}
	for p := f.data; len(p) > 0; p = p[4:] {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(p)))
	}
	return dst, nil
}

func decodeGraph(data []byte) (*GraphProto, error) {
	g := &GraphProto{}
	err := walk(data, func(f field) error {
		switch f.num {
		case 1:
			n, err := decodeNode(f.data)
			if err != nil {
				return err
			}
			g.Nodes = append(g.Nodes, *n)
		case 2:
			g.Name = string(f.data)
		case 5:
			t, err := decodeTensor(f.data)
			if err != nil {
				return err
			}
			g.Initializers = append(g.Initializers, *t)
		case 10:
			g.DocString = string(f.data)
		case 11, 12, 13:
			v, err := decodeValueInfo(f.data)
			if err != nil {
				return err
			}
			switch f.num {
			case 11:
				g.Inputs = append(g.Inputs, *v)
			case 12:
				g.Outputs = append(g.Outputs, *v)
			default:
				g.ValueInfo = append(g.ValueInfo, *v)
			}
		}
		return nil
	})
	return g, err
}

func decodeNode(data []byte) (*NodeProto, error) {
	n := &NodeProto{}
	err := walk(data, func(f field) error {
		switch f.num {
		case 1:
			n.Inputs = append(n.Inputs, string(f.data))
		case 2:
			n.Outputs = append(n.Outputs, string(f.data))
		case 3:
			n.Name = string(f.data)
		case 4:
			n.OpType = string(f.data)
		case 5:
			a, err := decodeAttribute(f.data)
			if err != nil {
				return err
			}
			n.Attributes = append(n.Attributes, *a)
		case 6:
			n.DocString = string(f.data)
		case 7:
			n.Domain = string(f.data)
		}
		return nil
	})
	return n, err
}

func decodeAttribute(data []byte) (*AttributeProto, error) {
	a := &AttributeProto{}
	err := walk(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			a.Name = string(f.data)
		case 2:
			if len(f.data) != 4 {
				return ErrTruncated
			}
			a.F = math.Float32frombits(binary.LittleEndian.Uint32(f.data))
		case 3:
			a.I = int64(f.varint)
		case 4:
			a.S = append([]byte(nil), f.data...)
		case 5:
			a.T, err = decodeTensor(f.data)
		case 7:
			a.Floats, err = f.float32s(a.Floats)
		case 8:
			a.Ints, err = f.int64s(a.Ints)
		case 9:
			a.Strings = append(a.Strings, append([]byte(nil), f.data...))
		case 13:
			a.DocString = string(f.data)
		case 20:
			a.Type = int32(f.varint)
		}
		return err
	})
	return a, err
}

func decodeTensor(data []byte) (*TensorProto, error) {
	t := &TensorProto{}
	err := walk(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			t.Dims, err = f.int64s(t.Dims)
		case 2:
			t.DataType = int32(f.varint)
		case 4:
			t.FloatData, err = f.float32s(t.FloatData)
		case 5:
			var wide []int64
			if wide, err = f.int64s(nil); err == nil {
				for _, v := range wide {
					t.Int32Data = append(t.Int32Data, int32(v))
				}
			}
		case 7:
			t.Int64Data, err = f.int64s(t.Int64Data)
		case 8:
			t.Name = string(f.data)
		case 9:
			t.RawData = append([]byte(nil), f.data...)
		case 12:
			t.DocString = string(f.data)
		}
		return err
	})
	return t, err
}

func decodeValueInfo(data []byte) (*ValueInfoProto, error) {
	v := &ValueInfoProto{}
	err := walk(data, func(f field) error {
		switch f.num {
		case 1:
			v.Name = string(f.data)
		case 2:
			v.Type = &TypeProto{}
			return walk(f.data, func(f field) error {
				if f.num != 1 {
					return nil
				}
				tt := &TensorTypeProto{}
				v.Type.TensorType = tt
				return walk(f.data, func(f field) error {
					switch f.num {
					case 1:
						tt.ElemType = int32(f.varint)
					case 2:
						tt.Shape = &TensorShapeProto{}
						return walk(f.data, func(f field) error {
							if f.num != 1 {
								return nil
							}
							var d DimensionProto
							err := walk(f.data, func(f field) error {
								switch f.num {
								case 1:
									d.DimValue = int64(f.varint)
								case 2:
									d.DimParam = string(f.data)
								}
								return nil
							})
							tt.Shape.Dims = append(tt.Shape.Dims, d)
							return err
						})
					}
					return nil
				})
			})
		case 3:
			v.DocString = string(f.data)
		}
		return nil
	})
	return v, err
}

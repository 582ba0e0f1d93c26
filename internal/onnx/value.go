package onnx

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/born-ml/glmcheck/internal/tensor"
)

// Value is a dense CPU tensor flowing through a Session.
// Exactly one of Float and Int is used, as selected by DataType.
type Value struct {
	DataType int32
	Shape    []int
	Float    []float32
	Int      []int64
}

// FloatValue wraps float32 data.
func FloatValue(shape []int, data []float32) *Value {
	return &Value{DataType: TensorProtoFloat, Shape: shape, Float: data}
}

// Int64Value wraps int64 data.
func Int64Value(shape []int, data []int64) *Value {
	return &Value{DataType: TensorProtoInt64, Shape: shape, Int: data}
}

// FromArray wraps a tensor.Array without copying.
func FromArray(a *tensor.Array) *Value {
	return FloatValue(a.Shape().Clone(), a.Data())
}

// FromInt64 wraps a tensor.Int64 without copying.
func FromInt64(a *tensor.Int64) *Value {
	return Int64Value(a.Shape().Clone(), a.Data())
}

// Array returns a float value as a tensor.Array sharing its data.
func (v *Value) Array() (*tensor.Array, error) {
	if v.DataType != TensorProtoFloat {
		return nil, fmt.Errorf("value is %s, not float32", DataTypeName(v.DataType))
	}
	return tensor.New(tensor.Shape(v.Shape).Clone(), v.Float)
}

// Len returns the element count.
func (v *Value) Len() int {
	return tensor.Shape(v.Shape).NumElements()
}

func (v *Value) isFloat() bool { return v.DataType == TensorProtoFloat }

// ValueFromTensor decodes an initializer. Float32 and int64 tensors are
// supported in raw or typed form.
func ValueFromTensor(t *TensorProto) (*Value, error) {
	shape := make([]int, len(t.Dims))
	for i, d := range t.Dims {
		if d < 0 {
			return nil, fmt.Errorf("tensor %s: negative dimension %d", t.Name, d)
		}
		shape[i] = int(d)
	}
	n := tensor.Shape(shape).NumElements()

	switch t.DataType {
	case TensorProtoFloat:
		data := t.FloatData
		if len(t.RawData) > 0 {
			if len(t.RawData) != 4*n {
				return nil, fmt.Errorf("tensor %s: %d raw bytes for %d float32 values", t.Name, len(t.RawData), n)
			}
			data = make([]float32, n)
			for i := range data {
				data[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[4*i:]))
			}
		}
		if len(data) != n {
			return nil, fmt.Errorf("tensor %s: %d values for shape %v", t.Name, len(data), shape)
		}
		return FloatValue(shape, data), nil

	case TensorProtoInt64:
		data := t.Int64Data
		if len(t.RawData) > 0 {
			if len(t.RawData) != 8*n {
				return nil, fmt.Errorf("tensor %s: %d raw bytes for %d int64 values", t.Name, len(t.RawData), n)
			}
			data = make([]int64, n)
			for i := range data {
				data[i] = int64(binary.LittleEndian.Uint64(t.RawData[8*i:]))
			}
		}
		if len(data) != n {
			return nil, fmt.Errorf("tensor %s: %d values for shape %v", t.Name, len(data), shape)
		}
		return Int64Value(shape, data), nil

	default:
		return nil, fmt.Errorf("tensor %s: unsupported data type %s", t.Name, DataTypeName(t.DataType))
	}
}

package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/x448/float16"

	"github.com/born-ml/glmcheck/internal/tensor"
)

// SafeTensors format:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header]
// [tensor data: raw bytes]

// SafeTensorsDType represents supported SafeTensors data types.
type SafeTensorsDType string

// Supported SafeTensors dtypes.
const (
	SafeTensorsF16  SafeTensorsDType = "F16"
	SafeTensorsF32  SafeTensorsDType = "F32"
	SafeTensorsF64  SafeTensorsDType = "F64"
	SafeTensorsBF16 SafeTensorsDType = "BF16"
)

// Size returns the element size in bytes, or 0 for unknown dtypes.
func (d SafeTensorsDType) Size() int {
	switch d {
	case SafeTensorsF16, SafeTensorsBF16:
		return 2
	case SafeTensorsF32:
		return 4
	case SafeTensorsF64:
		return 8
	default:
		return 0
	}
}

const maxHeaderSize = 100 * 1024 * 1024

// SafeTensorInfo describes a tensor in SafeTensors format.
type SafeTensorInfo struct {
	DType       SafeTensorsDType `json:"dtype"`
	Shape       []int            `json:"shape"`
	DataOffsets [2]int64         `json:"data_offsets"` // [start, end]
}

type safeTensorsHeader struct {
	metadata map[string]string
	tensors  map[string]SafeTensorInfo
}

func (h *safeTensorsHeader) UnmarshalJSON(data []byte) error {
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawMap); err != nil {
		return err
	}

	h.tensors = make(map[string]SafeTensorInfo, len(rawMap))
	for key, value := range rawMap {
		if key == "__metadata__" {
			if err := json.Unmarshal(value, &h.metadata); err != nil {
				return fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
			continue
		}
		var info SafeTensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return fmt.Errorf("failed to unmarshal tensor %s: %w", key, err)
		}
		h.tensors[key] = info
	}
	return nil
}

// SafeTensorsFile is an open SafeTensors file.
type SafeTensorsFile struct {
	file       *os.File
	header     safeTensorsHeader
	names      []string // file order
	dataOffset int64
}

// OpenSafeTensors opens a SafeTensors file and parses its header.
func OpenSafeTensors(path string) (*SafeTensorsFile, error) {
	//nolint:gosec // G304: checkpoint path is user input by design.
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	var headerSize uint64
	if err := binary.Read(file, binary.LittleEndian, &headerSize); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to read header size: %w", err)
	}
	if headerSize > maxHeaderSize {
		_ = file.Close()
		return nil, fmt.Errorf("invalid header size: %d (too large)", headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(file, headerBytes); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var header safeTensorsHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	dataOffset := int64(8 + headerSize) //nolint:gosec // G115: bounded by maxHeaderSize.
	if err := validateHeader(header.tensors, stat.Size()-dataOffset); err != nil {
		_ = file.Close()
		return nil, err
	}

	names := make([]string, 0, len(header.tensors))
	for name := range header.tensors {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := header.tensors[names[i]], header.tensors[names[j]]
		if a.DataOffsets[0] != b.DataOffsets[0] {
			return a.DataOffsets[0] < b.DataOffsets[0]
		}
		return names[i] < names[j]
	})

	return &SafeTensorsFile{
		file:       file,
		header:     header,
		names:      names,
		dataOffset: dataOffset,
	}, nil
}

// Close closes the file.
func (f *SafeTensorsFile) Close() error {
	return f.file.Close()
}

// Metadata returns the __metadata__ section.
func (f *SafeTensorsFile) Metadata() map[string]string {
	return f.header.metadata
}

// TensorNames returns tensor names in file order.
func (f *SafeTensorsFile) TensorNames() []string {
	out := make([]string, len(f.names))
	copy(out, f.names)
	return out
}

// TensorInfo returns information about a specific tensor.
func (f *SafeTensorsFile) TensorInfo(name string) (SafeTensorInfo, error) {
	info, ok := f.header.tensors[name]
	if !ok {
		return SafeTensorInfo{}, fmt.Errorf("tensor %s: %w", name, ErrNotFound)
	}
	return info, nil
}

// ReadArray decodes a tensor into a float32 array.
func (f *SafeTensorsFile) ReadArray(name string) (*tensor.Array, error) {
	info, err := f.TensorInfo(name)
	if err != nil {
		return nil, err
	}

	elemSize := info.DType.Size()
	if elemSize == 0 {
		return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
	}

	shape := tensor.Shape(info.Shape)
	size := info.DataOffsets[1] - info.DataOffsets[0]
	if size < 0 || size != int64(shape.NumElements()*elemSize) {
		return nil, fmt.Errorf("invalid data offsets for tensor %s: [%d, %d] for shape %v",
			name, info.DataOffsets[0], info.DataOffsets[1], info.Shape)
	}

	raw := make([]byte, size)
	if _, err := f.file.ReadAt(raw, f.dataOffset+info.DataOffsets[0]); err != nil {
		return nil, fmt.Errorf("failed to read tensor %s: %w", name, err)
	}

	data := make([]float32, shape.NumElements())
	switch info.DType {
	case SafeTensorsF32:
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case SafeTensorsF64:
		for i := range data {
			data[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	case SafeTensorsF16:
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case SafeTensorsBF16:
		for i := range data {
			data[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	}

	arr, err := tensor.New(shape, data)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return arr, nil
}

// LoadSafeTensors reads every tensor of a SafeTensors file, in file order.
func LoadSafeTensors(path string) (*StateDict, error) {
	f, err := OpenSafeTensors(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	sd := NewStateDict()
	for _, name := range f.TensorNames() {
		arr, err := f.ReadArray(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		sd.Set(name, arr)
	}

	if stored, ok := f.Metadata()[MetadataChecksumKey]; ok {
		if err := VerifyFingerprint(sd, stored); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return sd, nil
}

type safeTensorHeaderEntry struct {
	DType       SafeTensorsDType `json:"dtype"`
	Shape       []int            `json:"shape"`
	DataOffsets [2]int64         `json:"data_offsets"`
}

// WriteSafeTensors writes a state dict as F32 SafeTensors.
// Tensors are written in alphabetical order by name.
func WriteSafeTensors(path string, sd *StateDict, metadata map[string]string) (err error) {
	names := sd.Names()
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	var offset int64
	for _, name := range names {
		arr, _ := sd.Get(name)
		size := int64(arr.NumElements() * 4)
		header[name] = safeTensorHeaderEntry{
			DType:       SafeTensorsF32,
			Shape:       []int(arr.Shape().Clone()),
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	//nolint:gosec // G304: output path is user input by design.
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(file)
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	buf := make([]byte, 4)
	for _, name := range names {
		arr, _ := sd.Get(name)
		for _, v := range arr.Data() {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := w.Write(buf); err != nil {
				return fmt.Errorf("failed to write tensor %s: %w", name, err)
			}
		}
	}
	return w.Flush()
}

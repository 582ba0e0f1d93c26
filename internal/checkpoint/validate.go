package checkpoint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
)

// Validation limits for SafeTensors headers.
const (
	MaxTensorCount   = 100_000
	MaxTensorNameLen = 4096
)

// MetadataChecksumKey is the SafeTensors metadata key holding the state dict fingerprint.
const MetadataChecksumKey = "glmcheck.sha256"

// validateHeader checks tensor counts, names and data offsets against the data section size.
func validateHeader(tensors map[string]SafeTensorInfo, dataSize int64) error {
	if len(tensors) > MaxTensorCount {
		return &ValidationError{
			Kind:   "too_many_tensors",
			Detail: fmt.Sprintf("got %d, max %d", len(tensors), MaxTensorCount),
		}
	}

	type span struct {
		name       string
		start, end int64
	}
	spans := make([]span, 0, len(tensors))
	for name, info := range tensors {
		if name == "" || len(name) > MaxTensorNameLen {
			return &ValidationError{
				Kind:   "invalid_name",
				Name:   name,
				Detail: fmt.Sprintf("length %d", len(name)),
			}
		}
		start, end := info.DataOffsets[0], info.DataOffsets[1]
		if start < 0 || end < start {
			return &ValidationError{
				Kind:   "negative_offset",
				Name:   name,
				Detail: fmt.Sprintf("offsets [%d, %d]", start, end),
			}
		}
		if end > dataSize {
			return &ValidationError{
				Kind:   "out_of_bounds",
				Name:   name,
				Detail: fmt.Sprintf("end %d exceeds data size %d", end, dataSize),
			}
		}
		spans = append(spans, span{name: name, start: start, end: end})
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]
		if cur.start < prev.end {
			return &ValidationError{
				Kind:   "offset_overlap",
				Name:   prev.name,
				Other:  cur.name,
				Detail: fmt.Sprintf("[%d, %d) overlaps [%d, %d)", prev.start, prev.end, cur.start, cur.end),
			}
		}
	}
	return nil
}

// Fingerprint returns a hex SHA-256 over names (sorted), shapes and float32 bits.
// It is independent of insertion order and of the on-disk dtype.
func Fingerprint(sd *StateDict) string {
	names := sd.Names()
	sort.Strings(names)

	h := sha256.New()
	buf := make([]byte, 8)
	for _, name := range names {
		arr, _ := sd.Get(name)
		h.Write([]byte(name))
		h.Write([]byte{0})
		for _, dim := range arr.Shape() {
			binary.LittleEndian.PutUint64(buf, uint64(dim)) //nolint:gosec // dims are positive.
			h.Write(buf)
		}
		for _, v := range arr.Data() {
			binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
			h.Write(buf[:4])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyFingerprint compares sd against a stored fingerprint.
func VerifyFingerprint(sd *StateDict, stored string) error {
	if Fingerprint(sd) != stored {
		return ErrChecksumMismatch
	}
	return nil
}

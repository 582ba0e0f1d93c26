package dist

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Frame kinds exchanged over the group connection.
const (
	kindReduce byte = 1 // worker -> root: local contribution
	kindResult byte = 2 // root -> worker: reduced buffer
)

const headerSize = 1 + 8 // kind, sequence number

// encodeFrame packs a kind, sequence number and float32 payload.
func encodeFrame(kind byte, seq uint64, data []float32) []byte {
	buf := make([]byte, headerSize+4*len(data))
	buf[0] = kind
	binary.LittleEndian.PutUint64(buf[1:], seq)
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[headerSize+4*i:], math.Float32bits(v))
	}
	return buf
}

// decodeFrame checks kind, sequence number and length and copies the
// payload into dst.
func decodeFrame(buf []byte, kind byte, seq uint64, dst []float32) error {
	if len(buf) < headerSize {
		return fmt.Errorf("short frame of %d bytes", len(buf))
	}
	if buf[0] != kind {
		return fmt.Errorf("unexpected frame kind %d, want %d", buf[0], kind)
	}
	if got := binary.LittleEndian.Uint64(buf[1:]); got != seq {
		return fmt.Errorf("out of step: frame %d, want %d", got, seq)
	}
	payload := buf[headerSize:]
	if len(payload) != 4*len(dst) {
		return fmt.Errorf("frame carries %d values, want %d", len(payload)/4, len(dst))
	}
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:]))
	}
	return nil
}

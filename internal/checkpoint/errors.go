package checkpoint

import (
	"errors"
	"fmt"
)

// Errors returned by the checkpoint readers.
var (
	ErrNotFound         = errors.New("not found")
	ErrChecksumMismatch = errors.New("checksum mismatch: file may be corrupted")
	ErrUnsupported      = errors.New("unsupported checkpoint format")
)

// ValidationError describes a malformed SafeTensors header.
type ValidationError struct {
	Kind   string // e.g. "offset_overlap", "out_of_bounds"
	Name   string
	Other  string // second tensor of an overlap
	Detail string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Other != "":
		return fmt.Sprintf("invalid header (%s): %q and %q: %s", e.Kind, e.Name, e.Other, e.Detail)
	case e.Name != "":
		return fmt.Sprintf("invalid header (%s): %q: %s", e.Kind, e.Name, e.Detail)
	default:
		return fmt.Sprintf("invalid header (%s): %s", e.Kind, e.Detail)
	}
}

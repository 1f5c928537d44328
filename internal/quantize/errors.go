package quantize

import "errors"

var (
	// ErrNullPointer is returned when a required buffer is missing.
	ErrNullPointer = errors.New("quantize: nil buffer")
	// ErrShapeMismatch is returned when a buffer length disagrees with its descriptor.
	ErrShapeMismatch = errors.New("quantize: buffer length does not match shape")
	// ErrUnsupported covers unsupported data types and layouts, and all-zero
	// tiles in the block-transformed layout.
	ErrUnsupported = errors.New("quantize: unsupported configuration")
)

// errorReason maps an error to its metric label.
func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrNullPointer):
		return "null_pointer"
	case errors.Is(err, ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	}
	return "other"
}

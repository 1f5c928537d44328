package weights

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// ReadFloat16 reads n little-endian fp16 values from r.
func ReadFloat16(r io.Reader, n int) ([]float16.Float16, error) {
	bits := make([]uint16, n)
	// Bulk read, one call for the whole tensor
	if err := binary.Read(r, binary.LittleEndian, bits); err != nil {
		return nil, fmt.Errorf("failed to read %d fp16 values: %w", n, err)
	}
	return FromBits(bits), nil
}

// FromBits reinterprets raw fp16 bit patterns.
func FromBits(bits []uint16) []float16.Float16 {
	out := make([]float16.Float16, len(bits))
	for i, b := range bits {
		out[i] = float16.Frombits(b)
	}
	return out
}

// ToBits returns the raw bit patterns of src.
func ToBits(src []float16.Float16) []uint16 {
	out := make([]uint16, len(src))
	for i, h := range src {
		out[i] = h.Bits()
	}
	return out
}

// FromBytes decodes little-endian fp16 bytes. len(b) must be even.
func FromBytes(b []byte) ([]float16.Float16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("fp16 payload has odd length %d", len(b))
	}
	out := make([]float16.Float16, len(b)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out, nil
}

// ToBytes encodes src as little-endian fp16 bytes.
func ToBytes(src []float16.Float16) []byte {
	out := make([]byte, 2*len(src))
	for i, h := range src {
		binary.LittleEndian.PutUint16(out[2*i:], h.Bits())
	}
	return out
}

// WriteFloat16 writes src as little-endian fp16 values.
func WriteFloat16(w io.Writer, src []float16.Float16) error {
	return binary.Write(w, binary.LittleEndian, ToBits(src))
}

// LoadFile loads a raw fp16 tensor whose file size must match desc exactly.
func LoadFile(path string, desc tensor.Desc) ([]float16.Float16, error) {
	if desc.DataType() != tensor.Float16 {
		return nil, fmt.Errorf("cannot load %s from a raw fp16 file", desc.DataType())
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() != int64(desc.NumBytes()) {
		return nil, fmt.Errorf("file %s has %d bytes, %s needs %d", path, info.Size(), desc, desc.NumBytes())
	}

	data, err := ReadFloat16(file, desc.NumElements())
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return data, nil
}

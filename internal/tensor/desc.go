package tensor

import (
	"fmt"
	"strconv"
	"strings"
)

// DataType identifies the element type of a tensor buffer.
type DataType int

const (
	Float16 DataType = iota
	Float32
	Int8
)

func (dt DataType) String() string {
	switch dt {
	case Float16:
		return "f16"
	case Float32:
		return "f32"
	case Int8:
		return "i8"
	}
	return fmt.Sprintf("dtype(%d)", int(dt))
}

// Size returns the element size in bytes.
func (dt DataType) Size() int {
	switch dt {
	case Float16:
		return 2
	case Float32:
		return 4
	case Int8:
		return 1
	}
	return 0
}

// Layout is the memory layout tag of a tensor.
type Layout int

const (
	// Dense is a standard row-major layout (NCHW, or ND for lower ranks).
	Dense Layout = iota
	// BlockTransformed is the winograd filter layout HWNCN8C4: 36 transform
	// positions interleaved with groups of 8 output channels.
	BlockTransformed
)

func (l Layout) String() string {
	switch l {
	case Dense:
		return "nchw"
	case BlockTransformed:
		return "hwncn8c4"
	}
	return fmt.Sprintf("layout(%d)", int(l))
}

// ParseLayout accepts the layout names used on the command line and the wire.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "nchw", "dense", "nd":
		return Dense, nil
	case "hwncn8c4", "winograd":
		return BlockTransformed, nil
	}
	return Dense, fmt.Errorf("unknown layout: %q", s)
}

// Desc describes a rank 2, 3 or 4 tensor. It is immutable once built.
type Desc struct {
	dt     DataType
	layout Layout
	rank   int
	n      int
	c      int
	h      int
	w      int
}

// New2D describes an (n, w) tensor.
func New2D(dt DataType, layout Layout, n, w int) Desc {
	return Desc{dt: dt, layout: layout, rank: 2, n: n, c: 1, h: 1, w: w}
}

// New3D describes an (n, h, w) tensor.
func New3D(dt DataType, layout Layout, n, h, w int) Desc {
	return Desc{dt: dt, layout: layout, rank: 3, n: n, c: 1, h: h, w: w}
}

// New4D describes an (n, c, h, w) tensor.
func New4D(dt DataType, layout Layout, n, c, h, w int) Desc {
	return Desc{dt: dt, layout: layout, rank: 4, n: n, c: c, h: h, w: w}
}

// MaxElements caps the element count FromDims accepts.
const MaxElements = 1 << 30

// FromDims builds a descriptor from 2, 3 or 4 dimensions. Dims whose product
// exceeds MaxElements are rejected before anything is multiplied out.
func FromDims(dt DataType, layout Layout, dims []int) (Desc, error) {
	elements := 1
	for _, d := range dims {
		if d <= 0 {
			return Desc{}, fmt.Errorf("invalid dims %v: every dimension must be positive", dims)
		}
		if elements > MaxElements/d {
			return Desc{}, fmt.Errorf("invalid dims %v: more than %d elements", dims, MaxElements)
		}
		elements *= d
	}
	switch len(dims) {
	case 2:
		return New2D(dt, layout, dims[0], dims[1]), nil
	case 3:
		return New3D(dt, layout, dims[0], dims[1], dims[2]), nil
	case 4:
		return New4D(dt, layout, dims[0], dims[1], dims[2], dims[3]), nil
	}
	return Desc{}, fmt.Errorf("unsupported rank %d (want 2, 3 or 4)", len(dims))
}

// ParseDims parses a comma separated dimension list such as "8,4,6,6".
func ParseDims(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	dims := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid dimension %q: %w", p, err)
		}
		dims = append(dims, d)
	}
	return dims, nil
}

func (d Desc) DataType() DataType { return d.dt }
func (d Desc) Layout() Layout     { return d.layout }
func (d Desc) Rank() int          { return d.rank }

// Dims returns (n, c, h, w). Channels and height are 1 for lower ranks.
func (d Desc) Dims() (n, c, h, w int) {
	return d.n, d.c, d.h, d.w
}

// Shape returns the dimensions in rank order.
func (d Desc) Shape() []int {
	switch d.rank {
	case 2:
		return []int{d.n, d.w}
	case 3:
		return []int{d.n, d.h, d.w}
	}
	return []int{d.n, d.c, d.h, d.w}
}

func (d Desc) NumElements() int {
	return d.n * d.c * d.h * d.w
}

func (d Desc) NumBytes() int {
	return d.NumElements() * d.dt.Size()
}

// WithDataType returns a copy of d with the element type replaced.
func (d Desc) WithDataType(dt DataType) Desc {
	d.dt = dt
	return d
}

func (d Desc) String() string {
	return fmt.Sprintf("%s%v/%s", d.dt, d.Shape(), d.layout)
}

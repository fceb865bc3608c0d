package volume

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// DType is the sample type of a volume.
type DType uint32

const (
	Invalid DType = iota
	Uint8
	Uint16
	Uint32
	Int32
	Float32
	Float64
)

var dtypeNames = map[DType]string{
	Uint8:   "uint8",
	Uint16:  "uint16",
	Uint32:  "uint32",
	Int32:   "int32",
	Float32: "float32",
	Float64: "float64",
}

func (d DType) String() string {
	if n, ok := dtypeNames[d]; ok {
		return n
	}
	return fmt.Sprintf("dtype(%d)", uint32(d))
}

// ParseDType maps a name such as "uint16" to its DType.
func ParseDType(s string) (DType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d, n := range dtypeNames {
		if n == s {
			return d, nil
		}
	}
	return Invalid, fmt.Errorf("unknown dtype %q", s)
}

// ItemSize returns the number of bytes per sample.
func (d DType) ItemSize() int {
	switch d {
	case Uint8:
		return 1
	case Uint16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// Valid reports whether d is a known dtype
func (d DType) Valid() bool { return d.ItemSize() > 0 }

// IsInteger reports whether samples of d hold integers, as label images must.
func (d DType) IsInteger() bool {
	switch d {
	case Uint8, Uint16, Uint32, Int32:
		return true
	}
	return false
}

// MaxValue is the largest sample representable by d.
func (d DType) MaxValue() float64 {
	switch d {
	case Uint8:
		return math.MaxUint8
	case Uint16:
		return math.MaxUint16
	case Uint32:
		return math.MaxUint32
	case Int32:
		return math.MaxInt32
	case Float32:
		return math.MaxFloat32
	default:
		return math.MaxFloat64
	}
}

// MinValue is the smallest sample representable by d.
func (d DType) MinValue() float64 {
	switch d {
	case Uint8, Uint16, Uint32:
		return 0
	case Int32:
		return math.MinInt32
	case Float32:
		return -math.MaxFloat32
	default:
		return -math.MaxFloat64
	}
}

func (d DType) decode(b []byte) float64 {
	switch d {
	case Uint8:
		return float64(b[0])
	case Uint16:
		return float64(binary.LittleEndian.Uint16(b))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(b))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return 0
}

// encode stores v into b, rounding and saturating for integer types.
func (d DType) encode(b []byte, v float64) {
	if d.IsInteger() {
		if math.IsNaN(v) {
			v = 0
		}
		v = math.Round(math.Max(d.MinValue(), math.Min(d.MaxValue(), v)))
	}
	switch d {
	case Uint8:
		b[0] = uint8(v)
	case Uint16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case Uint32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

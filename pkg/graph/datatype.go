package graph

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DataType names a numeric representation from the finite lattice of
// precisions the hardware backend understands. The string form is the wire
// form used in model JSON and hardware configs.
type DataType string

// Supported datatypes. INTn and UINTn exist for every n in 1..32 (INT from 2);
// only the common widths have named constants.
const (
	Binary  DataType = "BINARY"
	Bipolar DataType = "BIPOLAR"
	Ternary DataType = "TERNARY"

	UInt2  DataType = "UINT2"
	UInt4  DataType = "UINT4"
	UInt8  DataType = "UINT8"
	UInt16 DataType = "UINT16"
	UInt32 DataType = "UINT32"

	Int2  DataType = "INT2"
	Int4  DataType = "INT4"
	Int8  DataType = "INT8"
	Int16 DataType = "INT16"
	Int32 DataType = "INT32"
	Int64 DataType = "INT64"

	Float32 DataType = "FLOAT32"
	Float64 DataType = "FLOAT64"
)

// UInt returns the unsigned integer type of the given bitwidth.
func UInt(bits int) DataType { return DataType("UINT" + strconv.Itoa(bits)) }

// Int returns the signed integer type of the given bitwidth.
func Int(bits int) DataType { return DataType("INT" + strconv.Itoa(bits)) }

// ParseDataType validates s and returns it as a DataType.
func ParseDataType(s string) (DataType, error) {
	dt := DataType(strings.ToUpper(strings.TrimSpace(s)))
	if !dt.Valid() {
		return "", fmt.Errorf("unknown datatype %q", s)
	}
	return dt, nil
}

// Valid reports whether dt is a member of the lattice.
func (dt DataType) Valid() bool {
	return dt.Bitwidth() > 0
}

// Bitwidth returns the number of bits needed to store one element, or 0 for
// an unknown datatype.
func (dt DataType) Bitwidth() int {
	switch dt {
	case Binary, Bipolar:
		return 1
	case Ternary:
		return 2
	case Float32:
		return 32
	case Float64, Int64:
		return 64
	}
	s := string(dt)
	var bits string
	var lo int
	switch {
	case strings.HasPrefix(s, "UINT"):
		bits, lo = s[4:], 1
	case strings.HasPrefix(s, "INT"):
		bits, lo = s[3:], 2
	default:
		return 0
	}
	n, err := strconv.Atoi(bits)
	if err != nil || n < lo || n > 32 {
		return 0
	}
	return n
}

// IsInteger reports whether dt holds only whole numbers.
func (dt DataType) IsInteger() bool {
	return dt.Valid() && dt != Float32 && dt != Float64
}

// Signed reports whether dt can hold negative values.
func (dt DataType) Signed() bool {
	switch dt {
	case Bipolar, Ternary, Float32, Float64, Int64:
		return true
	}
	return strings.HasPrefix(string(dt), "INT")
}

// Min returns the smallest representable value.
func (dt DataType) Min() float64 {
	switch dt {
	case Binary:
		return 0
	case Bipolar, Ternary:
		return -1
	case Float32:
		return -math.MaxFloat32
	case Float64:
		return -math.MaxFloat64
	}
	if dt.Signed() {
		return -math.Exp2(float64(dt.Bitwidth() - 1))
	}
	return 0
}

// Max returns the largest representable value.
func (dt DataType) Max() float64 {
	switch dt {
	case Binary, Bipolar, Ternary:
		return 1
	case Float32:
		return math.MaxFloat32
	case Float64:
		return math.MaxFloat64
	}
	if dt.Signed() {
		return math.Exp2(float64(dt.Bitwidth()-1)) - 1
	}
	return math.Exp2(float64(dt.Bitwidth())) - 1
}

// Allowed reports whether v is exactly representable by dt.
func (dt DataType) Allowed(v float64) bool {
	if !dt.IsInteger() {
		return dt.Valid()
	}
	if dt == Bipolar {
		return v == -1 || v == 1
	}
	return v == math.Trunc(v) && v >= dt.Min() && v <= dt.Max()
}

// SmallestDataType returns the narrowest datatype that can represent every
// value in vals. Non-integral values yield FLOAT32; {-1, +1} yields BIPOLAR;
// {0, 1} yields BINARY.
func SmallestDataType(vals []float64) DataType {
	if len(vals) == 0 {
		return Float32
	}
	lo, hi := vals[0], vals[0]
	bipolar := true
	for _, v := range vals {
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return Float32
		}
		lo = min(lo, v)
		hi = max(hi, v)
		if v != -1 && v != 1 {
			bipolar = false
		}
	}
	if bipolar {
		return Bipolar
	}
	if lo >= 0 {
		if hi <= 1 {
			return Binary
		}
		for bits := 2; bits <= 32; bits++ {
			if hi <= UInt(bits).Max() {
				return UInt(bits)
			}
		}
		return Int64
	}
	for bits := 2; bits <= 32; bits++ {
		dt := Int(bits)
		if lo >= dt.Min() && hi <= dt.Max() {
			return dt
		}
	}
	return Int64
}

// AccumulatorType returns the narrowest integer type that holds any result
// in [lo, hi]. It is used to type the outputs of integer dot products.
func AccumulatorType(lo, hi float64) DataType {
	if lo >= 0 {
		return SmallestDataType([]float64{0, max(hi, 2)})
	}
	return SmallestDataType([]float64{lo, hi, 0})
}

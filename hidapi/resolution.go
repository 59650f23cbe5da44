package hidapi

import "math"

// HID unit codes with a length or rotation interpretation.
const (
	UnitCentimeter uint32 = 0x11
	UnitRadian     uint32 = 0x12
	UnitInch       uint32 = 0x13
	UnitDegree     uint32 = 0x14
	UnitInchEgalax uint32 = 0x33 // malformed inch unit used by eGalax panels
)

// Resolution converts an absolute field's ranges into logical units per
// millimeter for length units, or per degree for rotational units. It
// returns 0 when the field carries no usable unit information or its
// ranges are inverted or empty.
func Resolution(item Item) int32 {
	logical := int64(item.LogicalMax) - int64(item.LogicalMin)
	physical := int64(item.PhysicalMax) - int64(item.PhysicalMin)
	if logical <= 0 || physical <= 0 {
		return 0
	}
	var mul, div int64
	switch item.Unit {
	case UnitCentimeter:
		mul, div = 1, 10
	case UnitInch, UnitInchEgalax:
		mul, div = 5, 127
	case UnitDegree, UnitRadian:
		mul, div = 1, 1
	default:
		return 0
	}
	exp := unitExponent(item.UnitExponent)
	if exp < -8 || exp > 7 {
		return 0
	}
	num := logical * mul
	den := physical * div
	for ; exp > 0; exp-- {
		den *= 10
	}
	for ; exp < 0; exp++ {
		num *= 10
	}
	res := num / den
	if res <= 0 || res > math.MaxInt32 {
		return 0
	}
	return int32(res)
}

// unitExponent maps the encoded exponent to its signed value. Values
// 8..15 are the four bit two's complement encoding of -8..-1; anything
// already negative came from a sign-extended payload and stands as is.
func unitExponent(e int32) int32 {
	if e >= 8 && e <= 15 {
		return e - 16
	}
	return e
}

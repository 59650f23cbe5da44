package hidapi

import "testing"

func TestResolution(t *testing.T) {
	testCases := []struct {
		name string
		item Item
		want int32
	}{
		{
			name: "inch negative exponent",
			item: Item{LogicalMax: 4095, PhysicalMax: 300, Unit: UnitInch, UnitExponent: -2},
			want: 53, // 4095 counts over 3 inches
		},
		{
			name: "inch nibble exponent",
			item: Item{LogicalMax: 4095, PhysicalMax: 300, Unit: UnitInch, UnitExponent: 14},
			want: 53,
		},
		{
			name: "egalax inch unit",
			item: Item{LogicalMax: 4095, PhysicalMax: 300, Unit: UnitInchEgalax, UnitExponent: 14},
			want: 53,
		},
		{
			name: "centimeter",
			item: Item{LogicalMax: 4095, PhysicalMax: 30, Unit: UnitCentimeter},
			want: 13,
		},
		{
			name: "centimeter positive exponent",
			item: Item{LogicalMax: 10000, PhysicalMax: 1, Unit: UnitCentimeter, UnitExponent: 1},
			want: 100,
		},
		{
			name: "degrees",
			item: Item{LogicalMin: -900, LogicalMax: 900, PhysicalMin: -90, PhysicalMax: 90, Unit: UnitDegree},
			want: 10,
		},
		{
			name: "no unit",
			item: Item{LogicalMax: 4095, PhysicalMax: 300},
			want: 0,
		},
		{
			name: "unknown unit",
			item: Item{LogicalMax: 4095, PhysicalMax: 300, Unit: 0x21},
			want: 0,
		},
		{
			name: "no physical range",
			item: Item{LogicalMax: 4095, Unit: UnitInch},
			want: 0,
		},
		{
			name: "inverted logical range",
			item: Item{LogicalMin: 10, LogicalMax: 5, PhysicalMax: 300, Unit: UnitInch},
			want: 0,
		},
		{
			name: "exponent out of range",
			item: Item{LogicalMax: 4095, PhysicalMax: 300, Unit: UnitInch, UnitExponent: 100},
			want: 0,
		},
		{
			name: "rounds below one to zero",
			item: Item{LogicalMax: 10, PhysicalMax: 300, Unit: UnitCentimeter},
			want: 0,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Resolution(tc.item); got != tc.want {
				t.Errorf("Resolution(%+v) = %d, want %d", tc.item, got, tc.want)
			}
		})
	}
}

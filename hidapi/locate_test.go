package hidapi

import "testing"

func TestLocate(t *testing.T) {
	item, ok := Locate(absMouseDesc, NewUsage(PageGenericDesktop, UsageX))
	if !ok {
		t.Fatal("X not found")
	}
	if item.Location.BitOffset != 8 || item.Location.BitSize != 8 {
		t.Errorf("X location: %+v", item.Location)
	}

	if _, ok := Locate(absMouseDesc, NewUsage(PageGenericDesktop, UsageWheel)); ok {
		t.Error("found a wheel in a descriptor without one")
	}
}

func TestLocateFirstMatchWins(t *testing.T) {
	desc := []byte{
		0x05, 0x01, // Usage Page (Generic Desktop)
		0x75, 0x08, // Report Size (8)
		0x95, 0x01, // Report Count (1)
		0x09, 0x38, // Usage (Wheel)
		0x81, 0x06, // Input (Data,Var,Rel)
		0x09, 0x38, // Usage (Wheel)
		0x81, 0x06, // Input (Data,Var,Rel)
	}
	item, ok := Locate(desc, NewUsage(PageGenericDesktop, UsageWheel))
	if !ok {
		t.Fatal("wheel not found")
	}
	if item.Location.BitOffset != 0 {
		t.Errorf("second wheel won: offset %d", item.Location.BitOffset)
	}
}

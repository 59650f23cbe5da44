package hidapi

import "testing"

// A single-report absolute pointer: one pad byte, 8-bit X and Y with a
// 12-bit logical range, three buttons and pad bits to close the byte.
var absMouseDesc = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x02, // Usage (Mouse)
	0xA1, 0x01, // Collection (Application)
	0x09, 0x01, //   Usage (Pointer)
	0xA1, 0x00, //   Collection (Physical)
	0x75, 0x08, //     Report Size (8)
	0x95, 0x01, //     Report Count (1)
	0x81, 0x01, //     Input (Const)
	0x09, 0x30, //     Usage (X)
	0x15, 0x00, //     Logical Minimum (0)
	0x26, 0xFF, 0x0F, // Logical Maximum (4095)
	0x81, 0x02, //     Input (Data,Var,Abs)
	0x09, 0x31, //     Usage (Y)
	0x81, 0x02, //     Input (Data,Var,Abs)
	0x05, 0x09, //     Usage Page (Button)
	0x19, 0x01, //     Usage Minimum (1)
	0x29, 0x03, //     Usage Maximum (3)
	0x25, 0x01, //     Logical Maximum (1)
	0x75, 0x01, //     Report Size (1)
	0x95, 0x03, //     Report Count (3)
	0x81, 0x02, //     Input (Data,Var,Abs)
	0x75, 0x05, //     Report Size (5)
	0x95, 0x01, //     Report Count (1)
	0x81, 0x01, //     Input (Const)
	0xC0, //   End Collection
	0xC0, // End Collection
}

func readAll(t *testing.T, descriptor []byte) []Item {
	t.Helper()
	var items []Item
	r := NewItemReader(descriptor)
	for {
		item, ok := r.Next()
		if !ok {
			return items
		}
		items = append(items, item)
	}
}

func TestItemReaderAbsMouse(t *testing.T) {
	want := []Item{
		{Kind: ItemCollection, CollectionType: CollectionTypeApplication, Usage: NewUsage(PageGenericDesktop, UsageMouse)},
		{Kind: ItemCollection, CollectionType: CollectionTypePhysical, Usage: NewUsage(PageGenericDesktop, UsagePointer)},
		{Kind: ItemInput, Flags: DataFlagConstant, Location: Location{BitOffset: 0, BitSize: 8, Count: 1}},
		{Kind: ItemInput, Usage: NewUsage(PageGenericDesktop, UsageX), Flags: DataFlagVariable, LogicalMax: 4095, Location: Location{BitOffset: 8, BitSize: 8, Count: 1}},
		{Kind: ItemInput, Usage: NewUsage(PageGenericDesktop, UsageY), Flags: DataFlagVariable, LogicalMax: 4095, Location: Location{BitOffset: 16, BitSize: 8, Count: 1}},
		{Kind: ItemInput, Usage: NewUsage(PageButton, 1), Flags: DataFlagVariable, LogicalMax: 1, Location: Location{BitOffset: 24, BitSize: 1, Count: 1}},
		{Kind: ItemInput, Usage: NewUsage(PageButton, 2), Flags: DataFlagVariable, LogicalMax: 1, Location: Location{BitOffset: 25, BitSize: 1, Count: 1}},
		{Kind: ItemInput, Usage: NewUsage(PageButton, 3), Flags: DataFlagVariable, LogicalMax: 1, Location: Location{BitOffset: 26, BitSize: 1, Count: 1}},
		{Kind: ItemInput, Flags: DataFlagConstant, LogicalMax: 1, Location: Location{BitOffset: 27, BitSize: 5, Count: 1}},
		{Kind: ItemEndCollection},
		{Kind: ItemEndCollection},
	}
	got := readAll(t, absMouseDesc)
	if len(got) != len(want) {
		t.Fatalf("got %d items, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d:\n got %+v\nwant %+v", i, got[i], want[i])
		}
	}
}

func TestItemReaderReportIDs(t *testing.T) {
	desc := []byte{
		0x05, 0x01, // Usage Page (Generic Desktop)
		0x75, 0x08, // Report Size (8)
		0x95, 0x01, // Report Count (1)
		0x85, 0x01, // Report ID (1)
		0x09, 0x30, // Usage (X)
		0x81, 0x02, // Input (Data,Var,Abs)
		0x85, 0x02, // Report ID (2)
		0x09, 0x31, // Usage (Y)
		0x81, 0x02, // Input (Data,Var,Abs)
		0x85, 0x01, // Report ID (1)
		0x09, 0x31, // Usage (Y)
		0x81, 0x02, // Input (Data,Var,Abs)
	}
	items := readAll(t, desc)
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	// each report ID keeps its own bit cursor
	wantOffsets := []struct {
		id     uint8
		offset uint32
	}{
		{1, 0},
		{2, 0},
		{1, 8},
	}
	for i, w := range wantOffsets {
		if items[i].ReportID != w.id || items[i].Location.BitOffset != w.offset {
			t.Errorf("item %d: id=%d offset=%d, want id=%d offset=%d",
				i, items[i].ReportID, items[i].Location.BitOffset, w.id, w.offset)
		}
	}
}

func TestItemReaderUsageRepetition(t *testing.T) {
	desc := []byte{
		0x05, 0x01, // Usage Page (Generic Desktop)
		0x09, 0x30, // Usage (X)
		0x09, 0x31, // Usage (Y)
		0x75, 0x04, // Report Size (4)
		0x95, 0x04, // Report Count (4)
		0x81, 0x02, // Input (Data,Var,Abs)
	}
	items := readAll(t, desc)
	if len(items) != 4 {
		t.Fatalf("got %d items, want 4", len(items))
	}
	wantUsages := []Usage{
		NewUsage(PageGenericDesktop, UsageX),
		NewUsage(PageGenericDesktop, UsageY),
		NewUsage(PageGenericDesktop, UsageY),
		NewUsage(PageGenericDesktop, UsageY),
	}
	for i, u := range wantUsages {
		if items[i].Usage != u {
			t.Errorf("item %d: usage %v, want %v", i, items[i].Usage, u)
		}
		if items[i].Location.BitOffset != uint32(i)*4 {
			t.Errorf("item %d: offset %d, want %d", i, items[i].Location.BitOffset, i*4)
		}
	}
}

func TestItemReaderArrayItem(t *testing.T) {
	desc := []byte{
		0x05, 0x07, // Usage Page (Keyboard)
		0x19, 0x00, // Usage Minimum (0)
		0x29, 0x65, // Usage Maximum (101)
		0x75, 0x08, // Report Size (8)
		0x95, 0x06, // Report Count (6)
		0x81, 0x00, // Input (Data,Array)
		0x05, 0x01, // Usage Page (Generic Desktop)
		0x09, 0x30, // Usage (X)
		0x95, 0x01, // Report Count (1)
		0x81, 0x02, // Input (Data,Var,Abs)
	}
	items := readAll(t, desc)
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].Location != (Location{BitOffset: 0, BitSize: 8, Count: 6}) {
		t.Errorf("array location: %+v", items[0].Location)
	}
	// the array still consumes its full width
	if items[1].Location.BitOffset != 48 {
		t.Errorf("following field offset: %d, want 48", items[1].Location.BitOffset)
	}
}

func TestItemReaderPushPop(t *testing.T) {
	desc := []byte{
		0x05, 0x01, // Usage Page (Generic Desktop)
		0x75, 0x08, // Report Size (8)
		0x95, 0x01, // Report Count (1)
		0x15, 0x81, // Logical Minimum (-127)
		0xA4,       // Push
		0x15, 0x00, // Logical Minimum (0)
		0x09, 0x30, // Usage (X)
		0x81, 0x02, // Input (Data,Var,Abs)
		0xB4,       // Pop
		0x09, 0x31, // Usage (Y)
		0x81, 0x02, // Input (Data,Var,Abs)
	}
	items := readAll(t, desc)
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].LogicalMin != 0 {
		t.Errorf("pushed state: logical min %d, want 0", items[0].LogicalMin)
	}
	if items[1].LogicalMin != -127 {
		t.Errorf("popped state: logical min %d, want -127", items[1].LogicalMin)
	}
	if items[1].Location.BitOffset != 8 {
		t.Errorf("bit cursor does not survive pop: offset %d, want 8", items[1].Location.BitOffset)
	}
}

func TestItemReaderExtendedUsage(t *testing.T) {
	desc := []byte{
		0x05, 0x01, // Usage Page (Generic Desktop)
		0x0B, 0x38, 0x02, 0x0C, 0x00, // Usage (Consumer/AC Pan)
		0x75, 0x08, // Report Size (8)
		0x95, 0x01, // Report Count (1)
		0x81, 0x02, // Input (Data,Var,Abs)
	}
	items := readAll(t, desc)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Usage != NewUsage(0x0C, 0x0238) {
		t.Errorf("usage %v, want 000c/0238", items[0].Usage)
	}
}

func TestItemReaderLongItem(t *testing.T) {
	desc := []byte{
		0xFE, 0x02, 0x00, 0xAA, 0xBB, // long item, skipped
		0x05, 0x01, // Usage Page (Generic Desktop)
		0x09, 0x02, // Usage (Mouse)
		0xA1, 0x01, // Collection (Application)
		0xC0, // End Collection
	}
	items := readAll(t, desc)
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].Usage != NewUsage(PageGenericDesktop, UsageMouse) {
		t.Errorf("usage after long item: %v", items[0].Usage)
	}
}

func TestItemReaderMalformed(t *testing.T) {
	testCases := []struct {
		name string
		desc []byte
		want int // items decoded before the stream stops
	}{
		{"empty", nil, 0},
		{"lone prefix", []byte{0x81}, 0},
		{"cut payload", []byte{0x05, 0x01, 0x09, 0x02, 0xA1, 0x01, 0x26, 0xFF}, 1},
		{"cut long item", []byte{0x05, 0x01, 0xA1, 0x01, 0xFE, 0x10, 0x00, 0xAA}, 1},
		{"pop without push", []byte{0xB4, 0x05, 0x01, 0x09, 0x30, 0x75, 0x08, 0x95, 0x01, 0x81, 0x02}, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			items := readAll(t, tc.desc)
			if len(items) != tc.want {
				t.Errorf("got %d items, want %d: %+v", len(items), tc.want, items)
			}
		})
	}
}

func TestItemReaderRestart(t *testing.T) {
	first := readAll(t, absMouseDesc)
	second := readAll(t, absMouseDesc)
	if len(first) != len(second) {
		t.Fatalf("restarted walk differs: %d vs %d items", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("item %d differs between walks", i)
		}
	}
}

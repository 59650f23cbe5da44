package hidapi

import "encoding/binary"

// Short item tag prefixes: the item prefix byte with its two size bits
// masked off.
type tag uint8

const (
	tagInput         tag = 0x80
	tagOutput        tag = 0x90
	tagFeature       tag = 0xB0
	tagCollection    tag = 0xA0
	tagEndCollection tag = 0xC0

	tagUsagePage       tag = 0x04
	tagLogicalMinimum  tag = 0x14
	tagLogicalMaximum  tag = 0x24
	tagPhysicalMinimum tag = 0x34
	tagPhysicalMaximum tag = 0x44
	tagUnitExponent    tag = 0x54
	tagUnit            tag = 0x64
	tagReportSize      tag = 0x74
	tagReportID        tag = 0x84
	tagReportCount     tag = 0x94
	tagPush            tag = 0xA4
	tagPop             tag = 0xB4

	tagUsage        tag = 0x08
	tagUsageMinimum tag = 0x18
	tagUsageMaximum tag = 0x28
	tagDelimiter    tag = 0xA8
)

const longItemPrefix = 0xFE

// Parser limits. Descriptors are untrusted, so pending usage ranges,
// push depth and per-item field expansion are all bounded.
const (
	maxUsageRanges    = 64
	maxPushDepth      = 4
	maxFieldExpansion = 255
	maxBitPosition    = 1 << 24
)

type ItemKind uint8

const (
	ItemInput ItemKind = iota
	ItemCollection
	ItemEndCollection
)

type CollectionType uint32

const (
	CollectionTypePhysical CollectionType = iota
	CollectionTypeApplication
	CollectionTypeLogical
)

// DataFlags is the flag word of an Input main item.
type DataFlags uint32

const (
	DataFlagConstant      DataFlags = 1 << iota // 0 = Data, 1 = Constant
	DataFlagVariable                            // 0 = Array, 1 = Variable
	DataFlagRelative                            // 0 = Absolute, 1 = Relative
	DataFlagWrap                                // 0 = No wrap, 1 = Wrap
	DataFlagNonLinear                           // 0 = Linear, 1 = Non-linear
	DataFlagNoPreferred                         // 0 = Preferred state, 1 = No preferred
	DataFlagNullState                           // 0 = No null position, 1 = Null state
	DataFlagVolatile                            // not applicable to Input
	DataFlagBufferedBytes                       // 0 = Bit field, 1 = Buffered bytes
)

func (d DataFlags) IsConstant() bool {
	return d&DataFlagConstant != 0
}

func (d DataFlags) IsVariable() bool {
	return d&DataFlagVariable != 0
}

func (d DataFlags) IsRelative() bool {
	return d&DataFlagRelative != 0
}

// Location is the position of a field inside an input report, in bits,
// relative to the start of the report payload (after the report ID byte
// when one is present). Count is 1 for expanded variable fields and the
// declared report count for array fields.
type Location struct {
	BitOffset uint32
	BitSize   uint32
	Count     uint32
}

// Item is one element of the flattened descriptor stream: a collection
// boundary or a single input field. Variable input items are expanded to
// one Item per report field, with usages assigned positionally from the
// declared usage list and ranges; the last usage repeats when the report
// count exceeds the usage count.
type Item struct {
	Kind           ItemKind
	CollectionType CollectionType
	Usage          Usage
	Flags          DataFlags
	ReportID       uint8
	LogicalMin     int32
	LogicalMax     int32
	PhysicalMin    int32
	PhysicalMax    int32
	UnitExponent   int32
	Unit           uint32
	Location       Location
}

type globalState struct {
	usagePage    uint16
	logicalMin   int32
	logicalMax   int32
	physicalMin  int32
	physicalMax  int32
	unitExponent int32
	unit         uint32
	reportSize   uint32
	reportID     uint8
	reportCount  uint32
}

type usageRange struct {
	min uint32
	max uint32
}

// ItemReader walks a raw report descriptor and produces Items one at a
// time. The input is untrusted: a truncated or malformed encoding ends
// the stream early, after the items that decoded cleanly. A reader is
// good for one pass; start a new one to walk again.
type ItemReader struct {
	data []byte
	pos  int

	global   globalState
	stack    []globalState
	usages   []usageRange
	usageMin uint32

	// input field bit cursor, kept separately per report ID
	bitPos map[uint8]uint32

	queue []Item
}

func NewItemReader(descriptor []byte) *ItemReader {
	return &ItemReader{
		data:   descriptor,
		bitPos: make(map[uint8]uint32),
	}
}

// Next returns the next Item, or false when the descriptor is exhausted
// or stops decoding cleanly.
func (r *ItemReader) Next() (Item, bool) {
	for {
		if len(r.queue) > 0 {
			item := r.queue[0]
			r.queue = r.queue[1:]
			return item, true
		}
		if r.pos >= len(r.data) || !r.step() {
			return Item{}, false
		}
	}
}

// step consumes one encoded item. It returns false when the remaining
// bytes do not form a complete item, which terminates the walk.
func (r *ItemReader) step() bool {
	prefix := r.data[r.pos]
	r.pos++
	if prefix == longItemPrefix {
		if r.pos+2 > len(r.data) {
			return false
		}
		size := int(r.data[r.pos])
		r.pos += 2
		if r.pos+size > len(r.data) {
			return false
		}
		r.pos += size
		return true
	}
	size := int(prefix & 0x03)
	if size == 3 {
		size = 4
	}
	if r.pos+size > len(r.data) {
		return false
	}
	payload := r.data[r.pos : r.pos+size]
	r.pos += size
	r.exec(tag(prefix&0xFC), payload)
	return true
}

func (r *ItemReader) exec(t tag, payload []byte) {
	switch t {
	case tagInput:
		r.emitInput(DataFlags(decodeUint(payload)))
	case tagOutput, tagFeature:
		// output and feature fields occupy their own report space
		r.clearLocals()
	case tagCollection:
		item := Item{
			Kind:           ItemCollection,
			CollectionType: CollectionType(decodeUint(payload)),
		}
		if len(r.usages) > 0 {
			item.Usage = Usage(r.usages[0].min)
		}
		r.queue = append(r.queue, item)
		r.clearLocals()
	case tagEndCollection:
		r.queue = append(r.queue, Item{Kind: ItemEndCollection})
		r.clearLocals()
	case tagUsagePage:
		r.global.usagePage = uint16(decodeUint(payload))
	case tagLogicalMinimum:
		r.global.logicalMin = decodeInt(payload)
	case tagLogicalMaximum:
		r.global.logicalMax = decodeInt(payload)
	case tagPhysicalMinimum:
		r.global.physicalMin = decodeInt(payload)
	case tagPhysicalMaximum:
		r.global.physicalMax = decodeInt(payload)
	case tagUnitExponent:
		r.global.unitExponent = decodeInt(payload)
	case tagUnit:
		r.global.unit = decodeUint(payload)
	case tagReportSize:
		r.global.reportSize = decodeUint(payload)
	case tagReportID:
		r.global.reportID = uint8(decodeUint(payload))
	case tagReportCount:
		r.global.reportCount = decodeUint(payload)
	case tagPush:
		if len(r.stack) < maxPushDepth {
			r.stack = append(r.stack, r.global)
		}
	case tagPop:
		if n := len(r.stack); n > 0 {
			r.global = r.stack[n-1]
			r.stack = r.stack[:n-1]
		}
	case tagUsage:
		u := r.localUsage(payload)
		r.pushUsageRange(u, u)
	case tagUsageMinimum:
		r.usageMin = r.localUsage(payload)
	case tagUsageMaximum:
		r.pushUsageRange(r.usageMin, r.localUsage(payload))
	case tagDelimiter:
		// delimited alternative usage sets are not supported; usages
		// inside the delimiter accumulate like plain ones
	}
}

// emitInput expands an Input main item into queued Items and advances
// the bit cursor of the current report ID.
func (r *ItemReader) emitInput(flags DataFlags) {
	g := r.global
	pos := r.bitPos[g.reportID]
	base := Item{
		Kind:         ItemInput,
		Flags:        flags,
		ReportID:     g.reportID,
		LogicalMin:   g.logicalMin,
		LogicalMax:   g.logicalMax,
		PhysicalMin:  g.physicalMin,
		PhysicalMax:  g.physicalMax,
		UnitExponent: g.unitExponent,
		Unit:         g.unit,
	}
	if flags.IsVariable() {
		var (
			ri   int
			off  uint32
			last Usage
		)
		nextUsage := func() Usage {
			if ri < len(r.usages) {
				u := r.usages[ri].min + off
				if u >= r.usages[ri].max {
					ri++
					off = 0
				} else {
					off++
				}
				last = Usage(u)
			}
			return last
		}
		n := g.reportCount
		if n > maxFieldExpansion {
			n = maxFieldExpansion
		}
		for i := uint32(0); i < n; i++ {
			item := base
			item.Usage = nextUsage()
			item.Location = Location{
				BitOffset: pos + i*g.reportSize,
				BitSize:   g.reportSize,
				Count:     1,
			}
			r.queue = append(r.queue, item)
		}
	} else {
		item := base
		if len(r.usages) > 0 {
			item.Usage = Usage(r.usages[0].min)
		}
		item.Location = Location{
			BitOffset: pos,
			BitSize:   g.reportSize,
			Count:     g.reportCount,
		}
		r.queue = append(r.queue, item)
	}
	next := uint64(pos) + uint64(g.reportSize)*uint64(g.reportCount)
	if next > maxBitPosition {
		next = maxBitPosition
	}
	r.bitPos[g.reportID] = uint32(next)
	r.clearLocals()
}

func (r *ItemReader) clearLocals() {
	r.usages = r.usages[:0]
	r.usageMin = 0
}

// localUsage resolves a local usage payload against the current usage
// page. A four byte payload carries its own page in the high word.
func (r *ItemReader) localUsage(payload []byte) uint32 {
	v := decodeUint(payload)
	if len(payload) > 2 {
		return v
	}
	return uint32(r.global.usagePage)<<16 | v
}

func (r *ItemReader) pushUsageRange(min, max uint32) {
	if max < min || len(r.usages) >= maxUsageRanges {
		return
	}
	r.usages = append(r.usages, usageRange{min: min, max: max})
}

func decodeUint(payload []byte) uint32 {
	switch len(payload) {
	case 1:
		return uint32(payload[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(payload))
	case 4:
		return binary.LittleEndian.Uint32(payload)
	}
	return 0
}

func decodeInt(payload []byte) int32 {
	switch len(payload) {
	case 1:
		return int32(int8(payload[0]))
	case 2:
		return int32(int16(binary.LittleEndian.Uint16(payload)))
	case 4:
		return int32(binary.LittleEndian.Uint32(payload))
	}
	return 0
}

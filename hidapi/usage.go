package hidapi

import "fmt"

// Usage is a combination of a usage page and a usage ID, page in the
// high 16 bits.
type Usage uint32

func NewUsage(page uint16, id uint16) Usage {
	return Usage(uint32(page)<<16 | uint32(id))
}

func (u Usage) Page() uint16 {
	return uint16(u >> 16)
}

func (u Usage) ID() uint16 {
	return uint16(u)
}

func (u Usage) String() string {
	return fmt.Sprintf("%04x/%04x", u.Page(), u.ID())
}

// Usage pages relevant to pointer devices.
const (
	PageGenericDesktop uint16 = 0x01
	PageDigitizer      uint16 = 0x0D
	PageButton         uint16 = 0x09
)

// Generic Desktop usages.
const (
	UsagePointer   uint16 = 0x01
	UsageMouse     uint16 = 0x02
	UsageX         uint16 = 0x30
	UsageY         uint16 = 0x31
	UsageZ         uint16 = 0x32
	UsageWheel     uint16 = 0x38
	UsageTiltWheel uint16 = 0x48 // wheel usage reported by some wireless mice
)

// Package touch discovers absolute pointer capabilities in HID report
// descriptors and decodes input reports into normalized pointer events.
//
// Discovery follows the shape used by absolute mice, touch screens and
// digitizer pads that present themselves as a Mouse application
// collection: X and Y are taken from variable absolute fields inside
// that collection, while the wheel and buttons are located anywhere in
// the descriptor.
package touch

import (
	"errors"
	"strings"

	"github.com/wulf7/utouch/hidapi"
)

// ErrNoCapabilities is reported when a descriptor exposes no absolute
// axis and no wheel. Buttons alone do not make a pointer device.
var ErrNoCapabilities = errors.New("no usable pointer capabilities")

// MaxButtons bounds button discovery. Button index i corresponds to
// Button usage i+1.
const MaxButtons = 8

// Field is a located report field with everything needed to decode it.
type Field struct {
	Location hidapi.Location
	ReportID uint8
	// Signed is set when the field's logical minimum was negative, which
	// selects sign-extending extraction.
	Signed bool
}

// AxisInfo describes the declared value range of an absolute axis and
// its density in logical units per millimeter (0 when the descriptor
// supplies no unit information).
type AxisInfo struct {
	Min        int32
	Max        int32
	Resolution int32
}

// Capabilities is the resolved set of pointer fields of one device.
// It is built once per descriptor and never modified afterwards, so it
// may be shared freely between concurrent readers.
type Capabilities struct {
	HasX     bool
	HasY     bool
	HasWheel bool

	X     Field
	Y     Field
	Wheel Field

	XInfo AxisInfo
	YInfo AxisInfo

	// Buttons holds the fields of Button usages 1..n, in usage order.
	// Discovery stops at the first missing usage, so the slice is always
	// a gapless prefix.
	Buttons []Field
}

func (c *Capabilities) NumButtons() int {
	return len(c.Buttons)
}

// UsesReportIDs reports whether any discovered capability is tagged
// with a non-zero report ID, in which case every report starts with an
// ID byte.
func (c *Capabilities) UsesReportIDs() bool {
	if c.HasX && c.X.ReportID != 0 {
		return true
	}
	if c.HasY && c.Y.ReportID != 0 {
		return true
	}
	if c.HasWheel && c.Wheel.ReportID != 0 {
		return true
	}
	for _, b := range c.Buttons {
		if b.ReportID != 0 {
			return true
		}
	}
	return false
}

// Axes returns the axis letters for attach logging, the wheel reported
// as Z.
func (c *Capabilities) Axes() string {
	var b strings.Builder
	if c.HasX {
		b.WriteByte('X')
	}
	if c.HasY {
		b.WriteByte('Y')
	}
	if c.HasWheel {
		b.WriteByte('Z')
	}
	return b.String()
}

var (
	usageMouse     = hidapi.NewUsage(hidapi.PageGenericDesktop, hidapi.UsageMouse)
	usageX         = hidapi.NewUsage(hidapi.PageGenericDesktop, hidapi.UsageX)
	usageY         = hidapi.NewUsage(hidapi.PageGenericDesktop, hidapi.UsageY)
	usageWheel     = hidapi.NewUsage(hidapi.PageGenericDesktop, hidapi.UsageWheel)
	usageTiltWheel = hidapi.NewUsage(hidapi.PageGenericDesktop, hidapi.UsageTiltWheel)
)

// eligibleAxis filters the fields that can serve as an absolute axis:
// variable, not constant, not relative.
func eligibleAxis(f hidapi.DataFlags) bool {
	return f.IsVariable() && !f.IsConstant() && !f.IsRelative()
}

// mouseWalk drives the depth-counted walk over the Mouse application
// collection and hands every input field found inside it (at any
// nesting level) to fn.
func mouseWalk(descriptor []byte, fn func(item hidapi.Item)) {
	depth := 0
	r := hidapi.NewItemReader(descriptor)
	for {
		item, ok := r.Next()
		if !ok {
			return
		}
		switch item.Kind {
		case hidapi.ItemCollection:
			switch {
			case depth > 0:
				// nested collections count without re-matching the usage
				depth++
			case item.CollectionType == hidapi.CollectionTypeApplication && item.Usage == usageMouse:
				depth++
			}
		case hidapi.ItemEndCollection:
			if depth > 0 {
				depth--
			}
		case hidapi.ItemInput:
			if depth > 0 {
				fn(item)
			}
		}
	}
}

// LooksLikePointer reports whether the descriptor exposes an absolute
// pointer: a Mouse application collection containing at least one
// eligible X and one eligible Y input field.
func LooksLikePointer(descriptor []byte) bool {
	var x, y bool
	mouseWalk(descriptor, func(item hidapi.Item) {
		if !eligibleAxis(item.Flags) {
			return
		}
		switch item.Usage {
		case usageX:
			x = true
		case usageY:
			y = true
		}
	})
	return x && y
}

// ExtractCapabilities resolves the pointer field locations of a
// descriptor. X and Y come from the Mouse collection walk, the last
// eligible match winning; the wheel and the buttons are first-match
// lookups over the whole descriptor. ErrNoCapabilities is returned when
// nothing decodable was found.
func ExtractCapabilities(descriptor []byte) (*Capabilities, error) {
	caps := &Capabilities{}
	mouseWalk(descriptor, func(item hidapi.Item) {
		if !eligibleAxis(item.Flags) {
			return
		}
		switch item.Usage {
		case usageX:
			caps.HasX = true
			caps.X = fieldOf(item)
			caps.XInfo = axisInfoOf(item)
		case usageY:
			caps.HasY = true
			caps.Y = fieldOf(item)
			caps.YInfo = axisInfoOf(item)
		}
	})

	wheel, ok := hidapi.Locate(descriptor, usageWheel)
	if !ok {
		wheel, ok = hidapi.Locate(descriptor, usageTiltWheel)
	}
	if ok {
		caps.Wheel = fieldOf(wheel)
		caps.HasWheel = wheel.Flags.IsVariable()
	}

	for i := 1; i <= MaxButtons; i++ {
		item, ok := hidapi.Locate(descriptor, hidapi.NewUsage(hidapi.PageButton, uint16(i)))
		if !ok {
			break
		}
		caps.Buttons = append(caps.Buttons, fieldOf(item))
	}

	if !caps.HasX && !caps.HasY && !caps.HasWheel {
		return nil, ErrNoCapabilities
	}
	return caps, nil
}

func fieldOf(item hidapi.Item) Field {
	return Field{
		Location: item.Location,
		ReportID: item.ReportID,
		Signed:   item.LogicalMin < 0,
	}
}

func axisInfoOf(item hidapi.Item) AxisInfo {
	return AxisInfo{
		Min:        item.LogicalMin,
		Max:        item.LogicalMax,
		Resolution: hidapi.Resolution(item),
	}
}

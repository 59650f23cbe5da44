package touch

import (
	"go.uber.org/zap"

	"github.com/wulf7/utouch/pkg/bits"
)

// MaxReportSize bounds the number of report bytes examined per decode.
// Longer reports are truncated, not rejected: the tail may belong to a
// different logical device sharing the endpoint.
const MaxReportSize = 64

// Decoder turns raw input reports into pointer events for one fixed
// capability set. It holds no mutable state: decoding the same report
// twice yields the same events, and one Decoder may serve concurrent
// callers.
type Decoder struct {
	caps   *Capabilities
	hasIDs bool
	log    *zap.Logger
}

func NewDecoder(caps *Capabilities, log *zap.Logger) *Decoder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Decoder{
		caps:   caps,
		hasIDs: caps.UsesReportIDs(),
		log:    log,
	}
}

// Decode extracts the events carried by one report. A nil or empty
// report decodes to nothing. When the capability set uses report IDs,
// the first byte selects which fields apply and fields of other reports
// are skipped. The returned sequence ends with a sync event whenever at
// least one data event was produced.
func (d *Decoder) Decode(report []byte) []Event {
	if len(report) > MaxReportSize {
		d.log.Debug("truncating oversized report", zap.Int("len", len(report)))
		report = report[:MaxReportSize]
	}
	if len(report) == 0 {
		return nil
	}
	var id uint8
	if d.hasIDs {
		id = report[0]
		report = report[1:]
	}

	events := make([]Event, 0, 4+len(d.caps.Buttons))
	if d.caps.HasX && d.matches(d.caps.X, id) {
		events = append(events, Event{Kind: EventAbsMove, Axis: AxisX, Value: fieldValue(report, d.caps.X)})
	}
	if d.caps.HasY && d.matches(d.caps.Y, id) {
		events = append(events, Event{Kind: EventAbsMove, Axis: AxisY, Value: fieldValue(report, d.caps.Y)})
	}
	if d.caps.HasWheel && d.matches(d.caps.Wheel, id) {
		events = append(events, Event{Kind: EventRelMove, Axis: AxisWheel, Value: fieldValue(report, d.caps.Wheel)})
	}
	for i, b := range d.caps.Buttons {
		if !d.matches(b, id) {
			continue
		}
		events = append(events, Event{Kind: EventButton, Button: uint8(i), Pressed: fieldValue(report, b) != 0})
	}
	if len(events) == 0 {
		return nil
	}
	return append(events, Event{Kind: EventSync})
}

// matches gates a field on the report ID read from the buffer. Without
// report IDs in the capability set every field matches every report.
func (d *Decoder) matches(f Field, id uint8) bool {
	return !d.hasIDs || f.ReportID == id
}

func fieldValue(buf []byte, f Field) int32 {
	if f.Signed {
		return bits.Int32(buf, f.Location.BitOffset, f.Location.BitSize)
	}
	return int32(bits.Uint32(buf, f.Location.BitOffset, f.Location.BitSize))
}

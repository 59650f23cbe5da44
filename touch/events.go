package touch

import "fmt"

// Axis identifies the coordinate an event applies to.
type Axis uint8

const (
	AxisX Axis = iota
	AxisY
	AxisWheel
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisWheel:
		return "wheel"
	}
	return "unknown"
}

type EventKind uint8

const (
	// EventAbsMove carries an absolute position on the X or Y axis.
	EventAbsMove EventKind = iota
	// EventRelMove carries a relative wheel movement.
	EventRelMove
	// EventButton carries a button state change. Button index i maps to
	// Button usage i+1.
	EventButton
	// EventSync closes the batch of events decoded from one report.
	EventSync
)

// Event is one normalized pointer event decoded from an input report.
// Axis and Value are set for moves, Button and Pressed for buttons.
type Event struct {
	Kind    EventKind
	Axis    Axis
	Value   int32
	Button  uint8
	Pressed bool
}

func (e Event) String() string {
	switch e.Kind {
	case EventAbsMove:
		return fmt.Sprintf("abs %s %d", e.Axis, e.Value)
	case EventRelMove:
		return fmt.Sprintf("rel %s %+d", e.Axis, e.Value)
	case EventButton:
		state := "up"
		if e.Pressed {
			state = "down"
		}
		return fmt.Sprintf("btn %d %s", e.Button, state)
	case EventSync:
		return "sync"
	}
	return "unknown"
}

// Package evdev creates virtual input devices through the Linux uinput
// interface and feeds them synthesized events.
package evdev

import "golang.org/x/sys/unix"

// uinput.h
const (
	MaxNameSize = 80
	DevCreate   = 0x5501
	DevDestroy  = 0x5502
	SetEvBit    = 0x40045564
	SetKeyBit   = 0x40045565
	SetRelBit   = 0x40045566
	SetAbsBit   = 0x40045567
	SetPropBit  = 0x4004556e
	BusUsb      = 0x03
	AbsSize     = 64
)

// input-event-codes.h
const (
	EvSyn = 0x00
	EvKey = 0x01
	EvRel = 0x02
	EvAbs = 0x03

	SynReport = 0

	RelWheel = 0x08

	AbsX = 0x00
	AbsY = 0x01

	// BtnMouse is the first of eight consecutive pointer button codes.
	BtnMouse = 0x110

	PropPointer = 0x00
	PropDirect  = 0x01
)

type InputID struct {
	Bustype uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// UserDev mirrors struct uinput_user_dev.
type UserDev struct {
	Name       [MaxNameSize]byte
	ID         InputID
	EffectsMax uint32
	Absmax     [AbsSize]int32
	Absmin     [AbsSize]int32
	Absfuzz    [AbsSize]int32
	Absflat    [AbsSize]int32
}

// InputEvent mirrors struct input_event.
type InputEvent struct {
	Time  unix.Timeval
	Type  uint16
	Code  uint16
	Value int32
}

package evdev

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const DefaultPath = "/dev/uinput"

type AxisConfig struct {
	Min int32
	Max int32
}

// Config describes the virtual device to create. Nil axes and a zero
// button count leave the corresponding event bits unset.
type Config struct {
	Name    string
	Vendor  uint16
	Product uint16
	Version uint16

	X       *AxisConfig
	Y       *AxisConfig
	Wheel   bool
	Buttons int

	// Direct marks the device as a direct-input touch surface instead
	// of a pointer.
	Direct bool
}

// Device is a created uinput device node.
type Device struct {
	file *os.File
}

func NewDevice(path string, cfg Config) (*Device, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0660)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	if err := setupDevice(file, cfg); err != nil {
		_ = ioctl(file, DevDestroy, 0)
		file.Close()
		return nil, err
	}

	return &Device{file: file}, nil
}

func setupDevice(file *os.File, cfg Config) error {
	if cfg.Buttons > 0 {
		if err := ioctl(file, SetEvBit, EvKey); err != nil {
			return fmt.Errorf("failed to enable key events: %w", err)
		}
		for i := 0; i < cfg.Buttons; i++ {
			if err := ioctl(file, SetKeyBit, uintptr(BtnMouse+i)); err != nil {
				return fmt.Errorf("failed to register button %d: %w", i, err)
			}
		}
	}

	if cfg.X != nil || cfg.Y != nil {
		if err := ioctl(file, SetEvBit, EvAbs); err != nil {
			return fmt.Errorf("failed to enable absolute events: %w", err)
		}
		if cfg.X != nil {
			if err := ioctl(file, SetAbsBit, AbsX); err != nil {
				return fmt.Errorf("failed to register X axis: %w", err)
			}
		}
		if cfg.Y != nil {
			if err := ioctl(file, SetAbsBit, AbsY); err != nil {
				return fmt.Errorf("failed to register Y axis: %w", err)
			}
		}
		prop := uintptr(PropPointer)
		if cfg.Direct {
			prop = PropDirect
		}
		if err := ioctl(file, SetPropBit, prop); err != nil {
			return fmt.Errorf("failed to set device property: %w", err)
		}
	}

	if cfg.Wheel {
		if err := ioctl(file, SetEvBit, EvRel); err != nil {
			return fmt.Errorf("failed to enable relative events: %w", err)
		}
		if err := ioctl(file, SetRelBit, RelWheel); err != nil {
			return fmt.Errorf("failed to register wheel: %w", err)
		}
	}

	userDev := buildUserDev(cfg)
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, userDev); err != nil {
		return fmt.Errorf("failed to encode device setup: %w", err)
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write device setup: %w", err)
	}

	if err := ioctl(file, DevCreate, 0); err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

func buildUserDev(cfg Config) UserDev {
	var dev UserDev
	copy(dev.Name[:], cfg.Name)
	dev.ID = InputID{
		Bustype: BusUsb,
		Vendor:  cfg.Vendor,
		Product: cfg.Product,
		Version: cfg.Version,
	}
	if cfg.X != nil {
		dev.Absmin[AbsX] = cfg.X.Min
		dev.Absmax[AbsX] = cfg.X.Max
	}
	if cfg.Y != nil {
		dev.Absmin[AbsY] = cfg.Y.Min
		dev.Absmax[AbsY] = cfg.Y.Max
	}
	return dev
}

func (d *Device) EmitAbs(code uint16, value int32) error {
	return d.writeEvent(InputEvent{Type: EvAbs, Code: code, Value: value})
}

func (d *Device) EmitRel(code uint16, value int32) error {
	return d.writeEvent(InputEvent{Type: EvRel, Code: code, Value: value})
}

func (d *Device) EmitKey(code uint16, pressed bool) error {
	var value int32
	if pressed {
		value = 1
	}
	return d.writeEvent(InputEvent{Type: EvKey, Code: code, Value: value})
}

// Sync flushes the preceding events into one input frame.
func (d *Device) Sync() error {
	return d.writeEvent(InputEvent{Type: EvSyn, Code: SynReport})
}

func (d *Device) writeEvent(ev InputEvent) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, ev); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := d.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

func (d *Device) Close() error {
	_ = ioctl(d.file, DevDestroy, 0)
	return d.file.Close()
}

func ioctl(file *os.File, cmd uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, file.Fd(), cmd, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// Package emulator presents a virtual HID device to the kernel through
// /dev/uhid and replays canned input reports on it. It exists to
// exercise the whole attach pipeline without real hardware.
package emulator

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/psanford/uhid"
	"go.uber.org/zap"

	"github.com/wulf7/utouch/hidapi"
)

// DefaultDescriptor is a single-touch absolute pointer with two buttons
// and a physical range declared in hundredths of an inch.
var DefaultDescriptor = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x02, // Usage (Mouse)
	0xA1, 0x01, // Collection (Application)
	0x09, 0x01, //   Usage (Pointer)
	0xA1, 0x00, //   Collection (Physical)
	0x05, 0x09, //     Usage Page (Button)
	0x19, 0x01, //     Usage Minimum (1)
	0x29, 0x02, //     Usage Maximum (2)
	0x15, 0x00, //     Logical Minimum (0)
	0x25, 0x01, //     Logical Maximum (1)
	0x75, 0x01, //     Report Size (1)
	0x95, 0x02, //     Report Count (2)
	0x81, 0x02, //     Input (Data,Var,Abs)
	0x75, 0x06, //     Report Size (6)
	0x95, 0x01, //     Report Count (1)
	0x81, 0x01, //     Input (Const)
	0x05, 0x01, //     Usage Page (Generic Desktop)
	0x09, 0x30, //     Usage (X)
	0x09, 0x31, //     Usage (Y)
	0x15, 0x00, //     Logical Minimum (0)
	0x26, 0xFF, 0x0F, // Logical Maximum (4095)
	0x35, 0x00, //     Physical Minimum (0)
	0x46, 0x00, 0x04, // Physical Maximum (1024)
	0x65, 0x13, //     Unit (Inch)
	0x55, 0x0E, //     Unit Exponent (-2)
	0x75, 0x10, //     Report Size (16)
	0x95, 0x02, //     Report Count (2)
	0x81, 0x02, //     Input (Data,Var,Abs)
	0xC0, //   End Collection
	0xC0, // End Collection
}

// DemoReports is a short tap-and-drag sequence matching
// DefaultDescriptor: button byte, 16-bit X, 16-bit Y.
var DemoReports = [][]byte{
	{0x01, 0x00, 0x04, 0x00, 0x04},
	{0x01, 0x00, 0x05, 0x00, 0x05},
	{0x01, 0x00, 0x06, 0x00, 0x06},
	{0x01, 0x00, 0x08, 0x00, 0x08},
	{0x00, 0x00, 0x08, 0x00, 0x08},
}

type Config struct {
	Name      string
	VendorID  uint32
	ProductID uint32
	Interval  time.Duration
	Loop      bool
}

type Emulator struct {
	log        *zap.Logger
	config     Config
	descriptor []byte
	sizes      map[uint8]int
}

func New(log *zap.Logger, descriptor []byte, config Config) *Emulator {
	if config.Name == "" {
		config.Name = "utouch-emulator"
	}
	if config.Interval <= 0 {
		config.Interval = 50 * time.Millisecond
	}
	return &Emulator{
		log:        log,
		config:     config,
		descriptor: descriptor,
		sizes:      reportSizes(descriptor),
	}
}

type ReportType uint8

const (
	ReportTypeFeature ReportType = 0
	ReportTypeOutput  ReportType = 1
	ReportTypeInput   ReportType = 2
)

const reportSize = 4096

type GetReportRequest struct {
	RequestID  uint32
	ReportID   uint8
	ReportType ReportType
}

type GetReportReply struct {
	EventType uhid.EventType
	RequestID uint32
	Error     uint16
	Size      uint16
	Data      [reportSize]byte
}

type SetReportRequest struct {
	RequestID  uint32
	ReportID   uint8
	ReportType ReportType
	Size       uint16
	Data       [reportSize]byte
}

type SetReportReply struct {
	EventType uhid.EventType
	RequestID uint32
	Error     uint16
}

// Run creates the virtual device, replays the given reports at the
// configured interval and answers kernel report requests meanwhile.
// With no reports the device stays present until ctx ends.
func (e *Emulator) Run(ctx context.Context, reports [][]byte) error {
	dev, err := uhid.NewDevice(e.config.Name, e.descriptor)
	if err != nil {
		return fmt.Errorf("failed to create uhid device: %w", err)
	}
	dev.Data.Bus = 0x03
	dev.Data.VendorID = e.config.VendorID
	dev.Data.ProductID = e.config.ProductID

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := dev.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open uhid device: %w", err)
	}
	defer dev.Close()
	e.log.Info("virtual device created",
		zap.String("name", e.config.Name),
		zap.Int("descriptorSize", len(e.descriptor)),
		zap.Int("reports", len(reports)))

	injectDone := make(chan error, 1)
	go func() {
		injectDone <- e.inject(ctx, dev, reports)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-injectDone:
			return err
		case event := <-events:
			e.handleEvent(dev, event)
		}
	}
}

func (e *Emulator) inject(ctx context.Context, dev *uhid.Device, reports [][]byte) error {
	if len(reports) == 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(e.config.Interval)
	defer t.Stop()
	i := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		report := reports[i]
		if err := dev.InjectEvent(report); err != nil {
			return fmt.Errorf("failed to inject report: %w", err)
		}
		e.log.Debug("injected report", zap.Int("index", i), zap.Int("size", len(report)))
		i++
		if i == len(reports) {
			if !e.config.Loop {
				return nil
			}
			i = 0
		}
	}
}

func (e *Emulator) handleEvent(dev *uhid.Device, event uhid.Event) {
	switch event.Type {
	case uhid.Output:
		e.log.Debug("output report", zap.Int("size", len(event.Data)))
	case uhid.GetReport:
		reader := bytes.NewReader(event.Data)
		getReport := GetReportRequest{}
		err := binary.Read(reader, binary.LittleEndian, &getReport)
		if err != nil {
			e.log.Error("failed to read GetReport request", zap.Error(err))
			return
		}
		data := e.emptyReport(getReport.ReportID)
		reply := GetReportReply{
			EventType: uhid.GetReportReply,
			RequestID: getReport.RequestID,
			Size:      uint16(len(data)),
		}
		copy(reply.Data[:], data)
		if err := dev.WriteEvent(reply); err != nil {
			e.log.Error("failed to write GetReport reply", zap.Error(err))
		}
	case uhid.SetReport:
		reader := bytes.NewReader(event.Data)
		setReport := SetReportRequest{}
		err := binary.Read(reader, binary.LittleEndian, &setReport)
		if err != nil {
			e.log.Error("failed to read SetReport request", zap.Error(err))
			return
		}
		reply := SetReportReply{
			EventType: uhid.SetReportReply,
			RequestID: setReport.RequestID,
		}
		if err := dev.WriteEvent(reply); err != nil {
			e.log.Error("failed to write SetReport reply", zap.Error(err))
		}
	}
}

// emptyReport builds an all-zero report of the declared size so that
// GET_REPORT requests arriving before any state exists get a sane
// answer.
func (e *Emulator) emptyReport(reportID uint8) []byte {
	size, ok := e.sizes[reportID]
	if !ok {
		return nil
	}
	buf := make([]byte, size)
	if reportID != 0 {
		buf[0] = reportID
	}
	return buf
}

// reportSizes computes the byte length of every input report declared
// in the descriptor, keyed by report ID.
func reportSizes(descriptor []byte) map[uint8]int {
	ends := make(map[uint8]uint32)
	r := hidapi.NewItemReader(descriptor)
	for {
		item, ok := r.Next()
		if !ok {
			break
		}
		if item.Kind != hidapi.ItemInput {
			continue
		}
		end := item.Location.BitOffset + item.Location.BitSize*item.Location.Count
		if end > ends[item.ReportID] {
			ends[item.ReportID] = end
		}
	}
	sizes := make(map[uint8]int, len(ends))
	for id, end := range ends {
		size := int(end+7) / 8
		if id != 0 {
			size++
		}
		sizes[id] = size
	}
	return sizes
}

// Package touchsvc attaches to HID devices that report absolute
// pointer coordinates and forwards their decoded reports to virtual
// evdev devices.
package touchsvc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/wulf7/utouch/internal/configsvc"
	"github.com/wulf7/utouch/internal/evdev"
	"github.com/wulf7/utouch/internal/hidsvc"
	"github.com/wulf7/utouch/touch"
)

type Service struct {
	log        *zap.Logger
	config     *configsvc.Service
	hid        *hidsvc.Service
	configPath string
	options    serviceOptions

	rules     atomic.Pointer[[]DeviceRule]
	attaching *xsync.MapOf[hidsvc.Address, struct{}]
	attached  *xsync.MapOf[hidsvc.Address, *attachedDevice]

	attachedCount atomic.Int64
	reportCount   atomic.Uint64
	eventCount    atomic.Uint64

	ready chan struct{}
}

var defaultServiceOptions = serviceOptions{
	uinputPath:    evdev.DefaultPath,
	statsInterval: time.Minute,
}

type serviceOptions struct {
	uinputPath    string
	statsInterval time.Duration
}

type Option func(*serviceOptions)

func WithUinputPath(path string) Option {
	return func(o *serviceOptions) {
		o.uinputPath = path
	}
}

func WithStatsInterval(d time.Duration) Option {
	return func(o *serviceOptions) {
		o.statsInterval = d
	}
}

func New(log *zap.Logger, config *configsvc.Service, hid *hidsvc.Service, configPath string, opts ...Option) *Service {
	options := defaultServiceOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		log:        log,
		config:     config,
		hid:        hid,
		configPath: configPath,
		options:    options,
		attaching:  xsync.NewMapOf[hidsvc.Address, struct{}](),
		attached:   xsync.NewMapOf[hidsvc.Address, *attachedDevice](),
		ready:      make(chan struct{}),
	}
}

// Config is the devices file: an ordered list of rules, first match
// wins. A device matching no rule is left alone.
type Config struct {
	Devices []DeviceRule `json:"devices"`
}

type DeviceRule struct {
	Match  MatchSpec `json:"match"`
	Attach bool      `json:"attach"`
	Grab   bool      `json:"grab"`
}

type MatchSpec struct {
	Backend string `json:"backend,omitempty"`
	Vendor  string `json:"vendor,omitempty"`
	Product string `json:"product,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Devices: []DeviceRule{
			{Attach: true, Grab: true},
		},
	}
}

func (m MatchSpec) matches(dev hidsvc.HidDevice) bool {
	if m.Backend != "" && m.Backend != dev.Address.Backend {
		return false
	}
	if !matchHex(m.Vendor, dev.BackendDevice.VendorID) {
		return false
	}
	if !matchHex(m.Product, dev.BackendDevice.ProductID) {
		return false
	}
	return true
}

func matchHex(pattern string, value uint16) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(pattern, "0x"), 16, 16)
	if err != nil {
		return false
	}
	return uint16(v) == value
}

func matchDevice(rules []DeviceRule, dev hidsvc.HidDevice) (DeviceRule, bool) {
	for _, rule := range rules {
		if rule.Match.matches(dev) {
			return rule, true
		}
	}
	return DeviceRule{}, false
}

func (s *Service) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.hid.Ready():
	}
	select {
	case <-ctx.Done():
		return nil
	case <-s.config.Ready():
	}
	cfg, err := configsvc.RegisterWriteable(s.config, s.configPath, DefaultConfig(), s.onConfigChange)
	if err != nil {
		return fmt.Errorf("failed to register config: %w", err)
	}
	s.setRules(cfg)

	events := s.hid.SubscribeDevices(ctx)

	// devices that connected before we subscribed
	devices, err := s.hid.ListDevices()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	for _, dev := range devices {
		if s.hid.IsConnected(dev.Address) {
			go s.attachDevice(ctx, dev.Address)
		}
	}

	close(s.ready)
	s.log.Info("Touch service started")

	statsTicker := time.NewTicker(s.options.statsInterval)
	defer statsTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-statsTicker.C:
			st := s.Stats()
			s.log.Debug("touch service stats",
				zap.Int64("attached", st.Attached),
				zap.Uint64("reports", st.Reports),
				zap.Uint64("events", st.Events))
		case msg, ok := <-events:
			if !ok {
				return nil
			}
			switch msg.Key.Type {
			case hidsvc.DeviceConnected:
				go s.attachDevice(ctx, msg.Key.Addr)
			case hidsvc.DeviceDisconnected:
				s.onDisconnected(msg.Key.Addr)
			}
		}
	}
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

func (s *Service) onConfigChange(cfg Config, err error) {
	if err != nil {
		s.log.Error("failed to parse config", zap.Error(err))
		return
	}
	s.setRules(cfg)
	s.log.Info("device rules updated", zap.Int("rules", len(cfg.Devices)))
}

func (s *Service) setRules(cfg Config) {
	rules := cfg.Devices
	s.rules.Store(&rules)
}

func (s *Service) matchRule(dev hidsvc.HidDevice) (DeviceRule, bool) {
	rules := s.rules.Load()
	if rules == nil {
		return DeviceRule{}, false
	}
	return matchDevice(*rules, dev)
}

type attachedDevice struct {
	addr    hidsvc.Address
	name    string
	caps    *touch.Capabilities
	handle  hidsvc.InputDevice
	sink    *evdev.Device
	release func()
	cancel  context.CancelFunc

	closeOnce sync.Once
}

func (s *Service) attachDevice(ctx context.Context, addr hidsvc.Address) {
	if _, loaded := s.attaching.LoadOrStore(addr, struct{}{}); loaded {
		return
	}
	defer s.attaching.Delete(addr)
	if _, ok := s.attached.Load(addr); ok {
		return
	}

	dev, err := s.hid.GetDevice(addr)
	if err != nil {
		s.log.Error("failed to look up device", zap.String("addr", addr.String()), zap.Error(err))
		return
	}
	rule, ok := s.matchRule(dev)
	if !ok || !rule.Attach {
		s.log.Debug("device not matched by any attach rule", zap.String("addr", addr.String()))
		return
	}

	handle, err := s.hid.OpenDevice(addr)
	if err != nil {
		s.log.Error("failed to open device", zap.String("addr", addr.String()), zap.Error(err))
		return
	}

	descriptor, err := handle.GetReportDescriptor()
	if err != nil {
		s.log.Error("failed to read report descriptor", zap.String("addr", addr.String()), zap.Error(err))
		handle.Close()
		return
	}

	if !touch.LooksLikePointer(descriptor) {
		s.log.Debug("not an absolute pointer", zap.String("addr", addr.String()), zap.String("name", dev.Name))
		s.saveProbe(addr, hidsvc.ProbeStatus{})
		handle.Close()
		return
	}

	caps, err := touch.ExtractCapabilities(descriptor)
	if err != nil {
		s.log.Warn("no usable capabilities", zap.String("addr", addr.String()), zap.Error(err))
		s.saveProbe(addr, hidsvc.ProbeStatus{})
		handle.Close()
		return
	}

	s.saveProbe(addr, hidsvc.ProbeStatus{
		Pointer:   true,
		Axes:      caps.Axes(),
		Buttons:   caps.NumButtons(),
		ReportIDs: caps.UsesReportIDs(),
	})

	sink, err := s.newSink(dev, caps)
	if err != nil {
		s.log.Error("failed to create uinput device", zap.String("addr", addr.String()), zap.Error(err))
		handle.Close()
		return
	}

	var release func()
	if rule.Grab {
		release, err = handle.Acquire()
		if err != nil {
			s.log.Warn("failed to detach kernel handlers", zap.String("addr", addr.String()), zap.Error(err))
		}
	}

	devCtx, cancel := context.WithCancel(ctx)
	ad := &attachedDevice{
		addr:    addr,
		name:    dev.Name,
		caps:    caps,
		handle:  handle,
		sink:    sink,
		release: release,
		cancel:  cancel,
	}
	s.attached.Store(addr, ad)
	s.attachedCount.Inc()
	s.log.Info("device attached",
		zap.String("addr", addr.String()),
		zap.String("name", dev.Name),
		zap.String("axes", caps.Axes()),
		zap.Int("buttons", caps.NumButtons()),
		zap.Int32("resolutionX", caps.XInfo.Resolution),
		zap.Int32("resolutionY", caps.YInfo.Resolution))

	go s.runDevice(devCtx, ad)
}

// saveProbe records the scan verdict, negative verdicts included, so
// list-devices can tell unsupported devices from unscanned ones.
func (s *Service) saveProbe(addr hidsvc.Address, probe hidsvc.ProbeStatus) {
	if err := s.hid.SaveProbe(addr, probe); err != nil {
		s.log.Warn("failed to save probe status", zap.String("addr", addr.String()), zap.Error(err))
	}
}

func (s *Service) newSink(dev hidsvc.HidDevice, caps *touch.Capabilities) (*evdev.Device, error) {
	cfg := evdev.Config{
		Name:    dev.Name,
		Vendor:  dev.BackendDevice.VendorID,
		Product: dev.BackendDevice.ProductID,
		Version: 1,
		Wheel:   caps.HasWheel,
		Buttons: caps.NumButtons(),
		Direct:  caps.HasX && caps.HasY,
	}
	if caps.HasX {
		cfg.X = &evdev.AxisConfig{Min: caps.XInfo.Min, Max: caps.XInfo.Max}
	}
	if caps.HasY {
		cfg.Y = &evdev.AxisConfig{Min: caps.YInfo.Min, Max: caps.YInfo.Max}
	}
	return evdev.NewDevice(s.options.uinputPath, cfg)
}

func (s *Service) runDevice(ctx context.Context, ad *attachedDevice) {
	defer s.detach(ad)
	go func() {
		<-ctx.Done()
		ad.handle.Close()
	}()

	decoder := touch.NewDecoder(ad.caps, s.log.Named("decoder"))
	buf := make([]byte, 4096)
	for {
		n, err := ad.handle.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error("read failed", zap.String("addr", ad.addr.String()), zap.Error(err))
			}
			return
		}
		if n == 0 {
			continue
		}
		s.reportCount.Inc()
		events := decoder.Decode(buf[:n])
		if len(events) == 0 {
			continue
		}
		if err := pushEvents(ad.sink, events); err != nil {
			s.log.Error("failed to push events", zap.String("addr", ad.addr.String()), zap.Error(err))
			return
		}
		s.eventCount.Add(uint64(len(events)))
	}
}

func pushEvents(sink *evdev.Device, events []touch.Event) error {
	for _, ev := range events {
		var err error
		switch ev.Kind {
		case touch.EventAbsMove:
			code := uint16(evdev.AbsX)
			if ev.Axis == touch.AxisY {
				code = evdev.AbsY
			}
			err = sink.EmitAbs(code, ev.Value)
		case touch.EventRelMove:
			err = sink.EmitRel(evdev.RelWheel, ev.Value)
		case touch.EventButton:
			err = sink.EmitKey(evdev.BtnMouse+uint16(ev.Button), ev.Pressed)
		case touch.EventSync:
			err = sink.Sync()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) onDisconnected(addr hidsvc.Address) {
	ad, ok := s.attached.Load(addr)
	if !ok {
		return
	}
	ad.cancel()
}

func (s *Service) detach(ad *attachedDevice) {
	ad.closeOnce.Do(func() {
		ad.cancel()
		if ad.release != nil {
			ad.release()
		}
		if err := ad.sink.Close(); err != nil {
			s.log.Error("failed to close uinput device", zap.String("addr", ad.addr.String()), zap.Error(err))
		}
		ad.handle.Close()
		s.attached.Delete(ad.addr)
		s.attachedCount.Dec()
		s.log.Info("device detached", zap.String("addr", ad.addr.String()), zap.String("name", ad.name))
	})
}

type Stats struct {
	Attached int64
	Reports  uint64
	Events   uint64
}

func (s *Service) Stats() Stats {
	return Stats{
		Attached: s.attachedCount.Load(),
		Reports:  s.reportCount.Load(),
		Events:   s.eventCount.Load(),
	}
}

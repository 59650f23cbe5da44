package daemoncli

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wulf7/utouch/internal/emulator"
	"github.com/wulf7/utouch/internal/hidsvc"
	"github.com/wulf7/utouch/pkg/daemon"
	"github.com/wulf7/utouch/touch"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	cmd := NewRootCmd(filepath.Join(dir, "utouch"))
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type daemonProvider func() (*daemon.Daemon, error)

func NewRootCmd(configDir string) *cobra.Command {
	cfg := daemon.Config{
		DataDir:      filepath.Join(configDir, "data"),
		DeviceConfig: filepath.Join(configDir, "devices.yml"),
	}
	rootCmd := &cobra.Command{
		Use:   "utouchd",
		Short: "USB touchscreen input daemon",
		Long: `utouchd attaches to HID devices that report absolute pointer coordinates
and forwards their decoded reports to virtual evdev input devices.`,
		SilenceUsage: true,
	}
	// The daemon opens the on-disk registry, which only one process may
	// hold at a time. Commands that can run next to the daemon must not
	// touch the provider.
	var d *daemon.Daemon
	provider := func() (*daemon.Daemon, error) {
		if d == nil {
			var err error
			d, err = daemon.New(cfg)
			if err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	rootCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Data directory")
	rootCmd.PersistentFlags().StringVar(&cfg.DeviceConfig, "device-config", cfg.DeviceConfig, "Device rules file")
	rootCmd.AddCommand(NewRun(provider))
	rootCmd.AddCommand(NewListDevices(provider))
	rootCmd.AddCommand(NewProbe(provider))
	rootCmd.AddCommand(NewGetReportDescriptor(provider))
	rootCmd.AddCommand(NewDecode(provider))
	rootCmd.AddCommand(NewEmulate())
	return rootCmd
}

func NewRun(provider daemonProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := provider()
			if err != nil {
				return err
			}
			defer d.Close()
			return d.Run(cmd.Context())
		},
	}
}

func NewListDevices(provider daemonProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "List all devices the daemon has seen",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := provider()
			if err != nil {
				return err
			}
			defer d.Close()
			devices, err := d.HID().ListDevices()
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(devices, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func NewProbe(provider daemonProvider) *cobra.Command {
	var file string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "probe [addr]",
		Short: "Scan a report descriptor for pointer capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			descriptor, err := loadDescriptor(cmd.Context(), provider, file, args)
			if err != nil {
				return err
			}
			pointer := touch.LooksLikePointer(descriptor)
			caps, err := touch.ExtractCapabilities(descriptor)
			if err != nil {
				return err
			}
			report := newProbeReport(pointer, caps)
			if jsonOut {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			printProbeReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Read the descriptor from a file instead of a device")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print as JSON")
	return cmd
}

func NewGetReportDescriptor(provider daemonProvider) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "get-report-descriptor <addr>",
		Short: "Read the report descriptor of a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: get-report-descriptor <addr>")
			}
			descriptor, err := readDeviceDescriptor(cmd.Context(), provider, args[0])
			if err != nil {
				return err
			}
			if raw {
				_, err = cmd.OutOrStdout().Write(descriptor)
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), hex.Dump(descriptor))
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Write raw binary instead of a hex dump")
	return cmd
}

func NewDecode(provider daemonProvider) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "decode [addr] [report-hex]...",
		Short: "Decode input reports into pointer events",
		Long: `decode applies the capability extraction and report decoding of the
daemon outside of it. With hex reports on the command line they are
decoded against the device's descriptor (or a descriptor file) and the
events printed. With a device address alone it streams reports from the
device and prints their events until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if file != "" {
				if len(args) == 0 {
					return fmt.Errorf("usage: decode --file <descriptor> <report-hex>...")
				}
				descriptor, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				return decodeReports(out, descriptor, args)
			}
			if len(args) == 0 {
				return fmt.Errorf("usage: decode <addr> [report-hex]...")
			}
			addr, err := hidsvc.ParseAddress(args[0])
			if err != nil {
				return err
			}
			d, err := provider()
			if err != nil {
				return err
			}
			defer d.Close()
			return withDevice(cmd.Context(), d, addr, func(dev hidsvc.InputDevice) error {
				descriptor, err := dev.GetReportDescriptor()
				if err != nil {
					return err
				}
				if len(args) > 1 {
					return decodeReports(out, descriptor, args[1:])
				}
				return streamEvents(cmd.Context(), out, descriptor, dev)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Read the descriptor from a file instead of a device")
	return cmd
}

func decodeReports(out io.Writer, descriptor []byte, reports []string) error {
	caps, err := touch.ExtractCapabilities(descriptor)
	if err != nil {
		return err
	}
	dec := touch.NewDecoder(caps, nil)
	for _, arg := range reports {
		data, err := hex.DecodeString(arg)
		if err != nil {
			return fmt.Errorf("invalid report %q: %w", arg, err)
		}
		printEvents(out, arg, dec.Decode(data))
	}
	return nil
}

func streamEvents(ctx context.Context, out io.Writer, descriptor []byte, dev hidsvc.InputDevice) error {
	caps, err := touch.ExtractCapabilities(descriptor)
	if err != nil {
		return err
	}
	dec := touch.NewDecoder(caps, nil)

	// Read has no context support, so unblock it by closing the device.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			dev.Close()
		case <-done:
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := dev.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n == 0 {
			continue
		}
		events := dec.Decode(buf[:n])
		if len(events) == 0 {
			continue
		}
		printEvents(out, hex.EncodeToString(buf[:n]), events)
	}
}

func printEvents(out io.Writer, report string, events []touch.Event) {
	if len(events) == 0 {
		fmt.Fprintf(out, "%s: no events\n", report)
		return
	}
	strs := make([]string, len(events))
	for i, ev := range events {
		strs[i] = ev.String()
	}
	fmt.Fprintf(out, "%s: %s\n", report, strings.Join(strs, ", "))
}

func NewEmulate() *cobra.Command {
	var descFile string
	var reportHex []string
	var reportsFile string
	var interval time.Duration
	var loop bool
	var name string
	var vendor, product uint32
	cmd := &cobra.Command{
		Use:   "emulate",
		Short: "Create a virtual HID pointer and replay input reports",
		Long: `emulate presents a virtual HID device to the kernel through /dev/uhid and
injects input reports into it. Without flags it replays a built-in tap
sequence on a built-in touchscreen descriptor. Run it next to the daemon
to exercise the whole attach pipeline without real hardware.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := daemon.NewLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			descriptor := emulator.DefaultDescriptor
			if descFile != "" {
				descriptor, err = os.ReadFile(descFile)
				if err != nil {
					return err
				}
			}
			reports, err := loadReports(cmd.InOrStdin(), reportsFile, reportHex)
			if err != nil {
				return err
			}
			em := emulator.New(logger.Named("emulator"), descriptor, emulator.Config{
				Name:      name,
				VendorID:  vendor,
				ProductID: product,
				Interval:  interval,
				Loop:      loop,
			})
			return em.Run(cmd.Context(), reports)
		},
	}
	cmd.Flags().StringVar(&descFile, "descriptor", "", "Report descriptor file (default: built-in touchscreen)")
	cmd.Flags().StringArrayVar(&reportHex, "report", nil, "Hex report to inject, repeatable (default: built-in tap sequence)")
	cmd.Flags().StringVar(&reportsFile, "reports", "", "File with one hex report per line, - for stdin")
	cmd.Flags().DurationVar(&interval, "interval", 50*time.Millisecond, "Delay between reports")
	cmd.Flags().BoolVar(&loop, "loop", false, "Replay the reports forever")
	cmd.Flags().StringVar(&name, "name", "utouch-emulator", "Virtual device name")
	cmd.Flags().Uint32Var(&vendor, "vendor", 0x0eef, "Vendor ID")
	cmd.Flags().Uint32Var(&product, "product", 0x0001, "Product ID")
	return cmd
}

func loadReports(stdin io.Reader, file string, args []string) ([][]byte, error) {
	switch {
	case file == "-":
		return parseReportLines(stdin)
	case file != "":
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return parseReportLines(f)
	case len(args) > 0:
		reports := make([][]byte, 0, len(args))
		for _, arg := range args {
			data, err := hex.DecodeString(arg)
			if err != nil {
				return nil, fmt.Errorf("invalid report %q: %w", arg, err)
			}
			reports = append(reports, data)
		}
		return reports, nil
	default:
		return emulator.DemoReports, nil
	}
}

// parseReportLines reads one hex report per line. Blank lines and lines
// starting with # are skipped.
func parseReportLines(r io.Reader) ([][]byte, error) {
	scanner := bufio.NewScanner(r)
	var reports [][]byte
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		data, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("invalid report %q: %w", line, err)
		}
		reports = append(reports, data)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return reports, nil
}

func loadDescriptor(ctx context.Context, provider daemonProvider, file string, args []string) ([]byte, error) {
	if file != "" {
		return os.ReadFile(file)
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("device address or --file required")
	}
	return readDeviceDescriptor(ctx, provider, args[0])
}

func readDeviceDescriptor(ctx context.Context, provider daemonProvider, arg string) ([]byte, error) {
	addr, err := hidsvc.ParseAddress(arg)
	if err != nil {
		return nil, err
	}
	d, err := provider()
	if err != nil {
		return nil, err
	}
	defer d.Close()
	var descriptor []byte
	err = withDevice(ctx, d, addr, func(dev hidsvc.InputDevice) error {
		descriptor, err = dev.GetReportDescriptor()
		return err
	})
	if err != nil {
		return nil, err
	}
	return descriptor, nil
}

// withDevice brings up the HID service just long enough to run fn
// against an opened device. A device that is plugged in at startup
// races its own connect event, so subscribe before starting and wait
// when the first check misses.
func withDevice(ctx context.Context, d *daemon.Daemon, addr hidsvc.Address, fn func(dev hidsvc.InputDevice) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	connected := d.HID().SubscribeDevices(ctx, hidsvc.DeviceBusKey{Type: hidsvc.DeviceConnected, Addr: addr})
	startErr := make(chan error, 1)
	go func() {
		startErr <- d.HID().Start(ctx)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-startErr:
		if err != nil {
			return err
		}
		return errors.New("hid service stopped unexpectedly")
	case <-d.HID().Ready():
	}
	if !d.HID().IsConnected(addr) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return fmt.Errorf("device %s is not connected", addr)
		case <-connected:
		}
	}
	dev, err := d.HID().OpenDevice(addr)
	if err != nil {
		return err
	}
	defer dev.Close()
	return fn(dev)
}

type probeReport struct {
	Pointer   bool        `json:"pointer"`
	Axes      string      `json:"axes"`
	X         *axisReport `json:"x,omitempty"`
	Y         *axisReport `json:"y,omitempty"`
	Wheel     *axisReport `json:"wheel,omitempty"`
	Buttons   int         `json:"buttons"`
	ReportIDs bool        `json:"reportIds"`
}

type axisReport struct {
	BitOffset  uint32 `json:"bitOffset"`
	BitSize    uint32 `json:"bitSize"`
	ReportID   uint8  `json:"reportId"`
	Signed     bool   `json:"signed"`
	Min        int32  `json:"min"`
	Max        int32  `json:"max"`
	Resolution int32  `json:"resolution,omitempty"`
}

func newProbeReport(pointer bool, caps *touch.Capabilities) probeReport {
	report := probeReport{
		Pointer:   pointer,
		Axes:      caps.Axes(),
		Buttons:   caps.NumButtons(),
		ReportIDs: caps.UsesReportIDs(),
	}
	if caps.HasX {
		report.X = fieldReport(caps.X, &caps.XInfo)
	}
	if caps.HasY {
		report.Y = fieldReport(caps.Y, &caps.YInfo)
	}
	if caps.HasWheel {
		report.Wheel = fieldReport(caps.Wheel, nil)
	}
	return report
}

func fieldReport(f touch.Field, info *touch.AxisInfo) *axisReport {
	r := &axisReport{
		BitOffset: f.Location.BitOffset,
		BitSize:   f.Location.BitSize,
		ReportID:  f.ReportID,
		Signed:    f.Signed,
	}
	if info != nil {
		r.Min = info.Min
		r.Max = info.Max
		r.Resolution = info.Resolution
	}
	return r
}

func printProbeReport(out io.Writer, report probeReport) {
	fmt.Fprintf(out, "pointer: %v\n", report.Pointer)
	fmt.Fprintf(out, "axes: %s\n", report.Axes)
	printAxisReport(out, "x", report.X)
	printAxisReport(out, "y", report.Y)
	printAxisReport(out, "wheel", report.Wheel)
	fmt.Fprintf(out, "buttons: %d\n", report.Buttons)
	fmt.Fprintf(out, "report ids: %v\n", report.ReportIDs)
}

func printAxisReport(out io.Writer, name string, axis *axisReport) {
	if axis == nil {
		return
	}
	fmt.Fprintf(out, "%s: bits %d+%d", name, axis.BitOffset, axis.BitSize)
	if axis.ReportID != 0 {
		fmt.Fprintf(out, " report %d", axis.ReportID)
	}
	if axis.Signed {
		fmt.Fprint(out, " signed")
	}
	if axis.Min != 0 || axis.Max != 0 {
		fmt.Fprintf(out, " logical %d..%d", axis.Min, axis.Max)
	}
	if axis.Resolution != 0 {
		fmt.Fprintf(out, " resolution %d/mm", axis.Resolution)
	}
	fmt.Fprintln(out)
}

// Command stusb4500 programs and inspects STUSB4500 USB power
// delivery sink controllers over I²C.
//
// The controller loads its configuration from NVM at power up, so a
// programmed image takes effect at the next reset or power cycle.
//
// By default the first native I²C bus is used. On machines without
// one, -mcp2221 connects through an MCP2221A USB bridge.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
	"stusb4500.dev"
	"stusb4500.dev/mcp2221"
	"stusb4500.dev/pdo"
)

var (
	readFlags = flag.NewFlagSet("read", flag.ExitOnError)
	readDev   = newDeviceConf(readFlags)
	readOut   = readFlags.String("o", "", "write the raw 40-byte image to FILE instead of hex to standard out")

	writeFlags  = flag.NewFlagSet("write", flag.ExitOnError)
	writeDev    = newDeviceConf(writeFlags)
	writeIn     = writeFlags.String("i", "", "read the image from FILE instead of standard in")
	writeVerify = writeFlags.Bool("verify", true, "read the image back after programming")

	factoryFlags  = flag.NewFlagSet("factory-reset", flag.ExitOnError)
	factoryDev    = newDeviceConf(factoryFlags)
	factoryVerify = factoryFlags.Bool("verify", true, "read the image back after programming")

	statusFlags = flag.NewFlagSet("status", flag.ExitOnError)
	statusDev   = newDeviceConf(statusFlags)

	renegFlags = flag.NewFlagSet("renegotiate", flag.ExitOnError)
	renegDev   = newDeviceConf(renegFlags)

	resetFlags = flag.NewFlagSet("reset", flag.ExitOnError)
	resetDev   = newDeviceConf(resetFlags)
)

type deviceConf struct {
	bus   *string
	addr  *string
	mcp   *bool
	debug *bool
}

func newDeviceConf(fs *flag.FlagSet) *deviceConf {
	return &deviceConf{
		bus:   fs.String("bus", "", "I²C bus name (default: first available)"),
		addr:  fs.String("addr", "0x28", "7-bit device address"),
		mcp:   fs.Bool("mcp2221", false, "connect through an MCP2221A USB bridge"),
		debug: fs.Bool("debug", false, "log device traffic to standard error"),
	}
}

func main() {
	if err := run(os.Stdout, os.Stdin, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "stusb4500: %v\n", err)
		os.Exit(2)
	}
}

func run(stdout io.Writer, stdin io.Reader, args []string) error {
	if len(args) == 0 {
		return errors.New("missing command (factory-reset, read, renegotiate, reset, status, write)")
	}
	cmd := args[0]
	args = args[1:]
	switch cmd {
	case "read":
		if err := readFlags.Parse(args); err != nil {
			readFlags.Usage()
		}
		return readNVM(stdout)
	case "write":
		if err := writeFlags.Parse(args); err != nil {
			writeFlags.Usage()
		}
		return writeNVM(stdin)
	case "factory-reset":
		if err := factoryFlags.Parse(args); err != nil {
			factoryFlags.Usage()
		}
		return factoryReset()
	case "status":
		if err := statusFlags.Parse(args); err != nil {
			statusFlags.Usage()
		}
		return status(stdout)
	case "renegotiate":
		if err := renegFlags.Parse(args); err != nil {
			renegFlags.Usage()
		}
		return renegotiate()
	case "reset":
		if err := resetFlags.Parse(args); err != nil {
			resetFlags.Usage()
		}
		return reset()
	default:
		return fmt.Errorf("unknown command: %q", cmd)
	}
}

// openBus is a variable so tests can substitute a simulated device.
var openBus = func(name string, mcp bool) (stusb4500.Bus, func() error, error) {
	if mcp {
		b, err := mcp2221.Open()
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	}
	if _, err := host.Init(); err != nil {
		return nil, nil, err
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, nil, err
	}
	return b, b.Close, nil
}

func openDevice(conf *deviceConf) (*stusb4500.Device, func() error, error) {
	addr, err := strconv.ParseUint(*conf.addr, 0, 8)
	if err != nil || addr > 0x7f {
		return nil, nil, fmt.Errorf("invalid device address %q", *conf.addr)
	}
	var opts []stusb4500.Option
	if *conf.debug {
		h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
		opts = append(opts, stusb4500.WithLogger(slog.New(h)))
	}
	bus, closeBus, err := openBus(*conf.bus, *conf.mcp)
	if err != nil {
		return nil, nil, err
	}
	return stusb4500.New(bus, uint16(addr), opts...), closeBus, nil
}

func readNVM(stdout io.Writer) error {
	dev, closeBus, err := openDevice(readDev)
	if err != nil {
		return err
	}
	defer closeBus()
	var img stusb4500.Image
	err = dev.WithNVM(func(n *stusb4500.NVM) error {
		im, err := n.ReadSectors()
		img = im
		return err
	})
	if err != nil {
		return err
	}
	if *readOut != "" {
		return os.WriteFile(*readOut, img.Bytes(), 0o644)
	}
	for _, sec := range img {
		fmt.Fprintf(stdout, "% x\n", sec)
	}
	return nil
}

func writeNVM(stdin io.Reader) error {
	var raw []byte
	var err error
	if *writeIn != "" {
		raw, err = os.ReadFile(*writeIn)
	} else {
		raw, err = io.ReadAll(stdin)
	}
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	img, err := stusb4500.ParseImage(raw)
	if err != nil {
		return err
	}
	dev, closeBus, err := openDevice(writeDev)
	if err != nil {
		return err
	}
	defer closeBus()
	return program(dev, img, *writeVerify)
}

func factoryReset() error {
	dev, closeBus, err := openDevice(factoryDev)
	if err != nil {
		return err
	}
	defer closeBus()
	return program(dev, stusb4500.FactoryDefault, *factoryVerify)
}

// program writes im and optionally reads it back to check that every
// sector took.
func program(dev *stusb4500.Device, im stusb4500.Image, verify bool) error {
	return dev.WithNVM(func(n *stusb4500.NVM) error {
		if err := n.WriteSectors(im); err != nil {
			return err
		}
		if !verify {
			return nil
		}
		got, err := n.ReadSectors()
		if err != nil {
			return err
		}
		if got != im {
			return errors.New("verify: readback differs from programmed image")
		}
		return nil
	})
}

func status(stdout io.Writer) error {
	dev, closeBus, err := openDevice(statusDev)
	if err != nil {
		return err
	}
	defer closeBus()
	id, err := dev.DeviceID()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "device id: %#x\n", id)
	attached, err := dev.Attached()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "attached: %t\n", attached)
	mv, err := dev.VBusVoltage()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "vbus: %dmV\n", mv)
	cnt, err := dev.PDOCount()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "sink pdos: %d\n", cnt)
	for i := 1; i <= cnt; i++ {
		p, err := dev.PDO(i)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "  pdo%d: %s\n", i, describePDO(p))
	}
	rdo, err := dev.RDO()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "rdo: position %d, operating %dmA, max %dmA\n",
		rdo.ObjectPosition(), rdo.OperatingCurrent(), rdo.MaxOperatingCurrent())
	return nil
}

func describePDO(p pdo.PDO) string {
	if f, ok := p.Fixed(); ok {
		desc := fmt.Sprintf("fixed %dmV %dmA", f.Voltage(), f.Current())
		var flags []string
		if f.DualRolePower() {
			flags = append(flags, "drp")
		}
		if f.HigherCapability() {
			flags = append(flags, "higher-cap")
		}
		if f.UnconstrainedPower() {
			flags = append(flags, "unconstrained")
		}
		if f.USBCommunicationsCapable() {
			flags = append(flags, "usb-comm")
		}
		if f.DualRoleData() {
			flags = append(flags, "drd")
		}
		if frs := f.FastRoleSwap(); frs != pdo.FastRoleSwapNotSupported {
			flags = append(flags, "frs "+frs.String())
		}
		if len(flags) > 0 {
			desc += " [" + strings.Join(flags, " ") + "]"
		}
		return desc
	}
	if v, ok := p.Variable(); ok {
		return fmt.Sprintf("variable %d-%dmV %dmA", v.MinVoltage(), v.MaxVoltage(), v.Current())
	}
	if b, ok := p.Battery(); ok {
		return fmt.Sprintf("battery %d-%dmV %dmW", b.MinVoltage(), b.MaxVoltage(), b.Power())
	}
	a, _ := p.Augmented()
	return fmt.Sprintf("pps %d-%dmV %dmA", a.MinVoltage(), a.MaxVoltage(), a.MaxCurrent())
}

func renegotiate() error {
	dev, closeBus, err := openDevice(renegDev)
	if err != nil {
		return err
	}
	defer closeBus()
	return dev.SoftReset()
}

func reset() error {
	dev, closeBus, err := openDevice(resetDev)
	if err != nil {
		return err
	}
	defer closeBus()
	return dev.Reset()
}

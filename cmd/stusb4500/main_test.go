package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"stusb4500.dev"
)

func TestRead(t *testing.T) {
	withSimulator(t)
	out := string(exec(t, nil, "read"))
	want := `00 00 b0 ab 00 45 00 00
10 40 9c 1c ff 01 3c df
02 40 0f 00 32 00 fc f1
00 19 56 af f5 35 5f 00
00 4b 90 21 43 00 40 fb
`
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("read output mismatch (-want +got):\n%s", diff)
	}
}

func TestReadToFile(t *testing.T) {
	withSimulator(t)
	path := filepath.Join(t.TempDir(), "nvm.bin")
	exec(t, nil, "read -o %s", path)
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := stusb4500.FactoryDefault.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("read wrote %x, expected %x", got, want)
	}
}

func TestWriteShortImage(t *testing.T) {
	withSimulator(t)
	if _, err := execErr(bytes.Repeat([]byte{0xff}, 10), "write"); err == nil {
		t.Error("write accepted a truncated image")
	}
}

func TestWrite(t *testing.T) {
	sim := withSimulator(t)
	im := testImage()
	exec(t, im.Bytes(), "write")
	if got := sim.NVM(); got != im {
		t.Errorf("device holds %x, expected %x", got, im)
	}
}

func TestWriteFromFile(t *testing.T) {
	sim := withSimulator(t)
	im := testImage()
	path := filepath.Join(t.TempDir(), "nvm.bin")
	if err := os.WriteFile(path, im.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	exec(t, nil, "write -i %s", path)
	if got := sim.NVM(); got != im {
		t.Errorf("device holds %x, expected %x", got, im)
	}
}

func TestFactoryReset(t *testing.T) {
	sim := withSimulator(t)
	sim.SetNVM(stusb4500.Image{})
	exec(t, nil, "factory-reset")
	if got := sim.NVM(); got != stusb4500.FactoryDefault {
		t.Errorf("device holds %x, expected factory defaults", got)
	}
}

func TestStatus(t *testing.T) {
	sim := withSimulator(t)
	sim.SetRegister(0x0e, 1)                   // PORT_STATUS_1: attached
	sim.SetRegister(0x21, 150)                 // MONITORING_CTRL_1: 15V
	sim.SetRegister(0x70, 2)                   // DPM_PDO_NUMB
	setU32(sim, 0x85, 100<<10|150)             // DPM_SNK_PDO1: 5V 1.5A
	setU32(sim, 0x89, 1<<29|1<<26|300<<10|300) // DPM_SNK_PDO2: 15V 3A, drp, usb-comm
	setU32(sim, 0x91, 2<<28|150<<10|300)       // RDO_REG_STATUS
	out := string(exec(t, nil, "status"))
	want := `device id: 0x25
attached: true
vbus: 15000mV
sink pdos: 2
  pdo1: fixed 5000mV 1500mA
  pdo2: fixed 15000mV 3000mA [drp usb-comm]
rdo: position 2, operating 1500mA, max 3000mA
`
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("status output mismatch (-want +got):\n%s", diff)
	}
}

func TestRenegotiate(t *testing.T) {
	sim := withSimulator(t)
	exec(t, nil, "renegotiate")
	if got := sim.Register(0x51); got != 0x0d { // TX_HEADER
		t.Errorf("TX_HEADER = %#x, expected 0x0d", got)
	}
	if got := sim.Register(0x1a); got != 0x26 { // PD_COMMAND_CTRL
		t.Errorf("PD_COMMAND_CTRL = %#x, expected 0x26", got)
	}
}

func TestReset(t *testing.T) {
	sim := withSimulator(t)
	exec(t, nil, "reset")
	if got := sim.Register(0x23); got != 0 { // RESET_CTRL released
		t.Errorf("RESET_CTRL = %#x after reset", got)
	}
}

func TestBadAddress(t *testing.T) {
	withSimulator(t)
	if _, err := execErr(nil, "renegotiate -addr nope"); err == nil {
		t.Error("malformed address accepted")
	}
	if _, err := execErr(nil, "renegotiate -addr 0x29"); err == nil {
		t.Error("renegotiate succeeded with no device at address")
	}
}

func TestUnknownCommand(t *testing.T) {
	if _, err := execErr(nil, "frobnicate"); err == nil {
		t.Error("unknown command succeeded")
	}
	if err := run(io.Discard, nil, nil); err == nil {
		t.Error("missing command succeeded")
	}
}

func TestFlagsReset(t *testing.T) {
	// Earlier tests parsed -o and -addr; a fresh invocation must not
	// inherit them.
	withSimulator(t)
	if out := exec(t, nil, "read"); len(out) == 0 {
		t.Error("read printed nothing, output diverted to a stale -o file")
	}
	exec(t, nil, "renegotiate")
}

func exec(t *testing.T, stdin []byte, cmd string, args ...any) []byte {
	t.Helper()
	cmdline := fmt.Sprintf(cmd, args...)
	stdout, err := execErr(stdin, cmdline)
	if err != nil {
		t.Fatalf("'stusb4500 %s' reported '%v'", cmdline, err)
	}
	return stdout
}

func execErr(stdin []byte, cmd string) ([]byte, error) {
	stdout := new(bytes.Buffer)
	err := run(stdout, bytes.NewReader(stdin), strings.Split(cmd, " "))
	return stdout.Bytes(), err
}

func withSimulator(t *testing.T) *stusb4500.Simulator {
	t.Helper()
	resetFlagDefaults()
	sim := stusb4500.NewSimulator(stusb4500.DefaultAddr)
	oldOpen := openBus
	openBus = func(string, bool) (stusb4500.Bus, func() error, error) {
		return sim, func() error { return nil }, nil
	}
	t.Cleanup(func() { openBus = oldOpen })
	return sim
}

// resetFlagDefaults undoes flag values left behind by earlier tests; run
// parses into the package-level flag sets.
func resetFlagDefaults() {
	sets := []*flag.FlagSet{
		readFlags, writeFlags, factoryFlags, statusFlags, renegFlags, resetFlags,
	}
	for _, fs := range sets {
		fs.VisitAll(func(f *flag.Flag) {
			f.Value.Set(f.DefValue)
		})
	}
}

func testImage() stusb4500.Image {
	var im stusb4500.Image
	for i := range im {
		for j := range im[i] {
			im[i][j] = byte(i*stusb4500.SectorSize+j) ^ 0x5a
		}
	}
	return im
}

func setU32(sim *stusb4500.Simulator, reg uint8, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	for i, x := range b {
		sim.SetRegister(reg+uint8(i), x)
	}
}

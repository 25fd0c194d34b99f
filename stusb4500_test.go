package stusb4500

import (
	"encoding/binary"
	"slices"
	"testing"

	"stusb4500.dev/pdo"
)

func setU32(s *Simulator, reg uint8, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	for i, x := range b {
		s.SetRegister(reg+uint8(i), x)
	}
}

func TestDeviceID(t *testing.T) {
	sim := NewSimulator(DefaultAddr)
	d := New(sim, DefaultAddr)
	id, err := d.DeviceID()
	if err != nil {
		t.Fatal(err)
	}
	if id != 0x25 {
		t.Errorf("DeviceID() = %#02x, want 0x25", id)
	}
}

func TestWrongAddress(t *testing.T) {
	sim := NewSimulator(Addr0)
	d := New(sim, Addr1)
	if _, err := d.DeviceID(); err == nil {
		t.Error("DeviceID() on an empty address succeeded")
	}
}

func TestAttached(t *testing.T) {
	sim := NewSimulator(DefaultAddr)
	d := New(sim, DefaultAddr)
	attached, err := d.Attached()
	if err != nil {
		t.Fatal(err)
	}
	if attached {
		t.Error("Attached() = true on an idle port")
	}
	sim.SetRegister(regPORT_STATUS_1, portStatusAttach)
	attached, err = d.Attached()
	if err != nil {
		t.Fatal(err)
	}
	if !attached {
		t.Error("Attached() = false with the attach bit set")
	}
}

func TestVBusVoltage(t *testing.T) {
	sim := NewSimulator(DefaultAddr)
	d := New(sim, DefaultAddr)
	mv, err := d.VBusVoltage()
	if err != nil {
		t.Fatal(err)
	}
	if mv != 5000 {
		t.Errorf("VBusVoltage() = %d, want 5000", mv)
	}
	sim.SetRegister(regMONITORING_CTRL_1, 150)
	mv, err = d.VBusVoltage()
	if err != nil {
		t.Fatal(err)
	}
	if mv != 15000 {
		t.Errorf("VBusVoltage() = %d, want 15000", mv)
	}
}

func TestPDOTable(t *testing.T) {
	sim := NewSimulator(DefaultAddr)
	d := New(sim, DefaultAddr)
	want, err := pdo.NewFixed(9000, 3000)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetPDO(2, want); err != nil {
		t.Fatal(err)
	}
	var raw [4]byte
	for i := range raw {
		raw[i] = sim.Register(regDPM_SNK_PDO1 + 4 + uint8(i))
	}
	if got := binary.LittleEndian.Uint32(raw[:]); got != uint32(want) {
		t.Errorf("pdo 2 register word = %#08x, want %#08x", got, uint32(want))
	}
	got, err := d.PDO(2)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("PDO(2) = %#08x, want %#08x", uint32(got), uint32(want))
	}
	for _, n := range []int{0, 4} {
		if _, err := d.PDO(n); err == nil {
			t.Errorf("PDO(%d) succeeded", n)
		}
		if err := d.SetPDO(n, want); err == nil {
			t.Errorf("SetPDO(%d) succeeded", n)
		}
	}
}

func TestPDOCount(t *testing.T) {
	sim := NewSimulator(DefaultAddr)
	d := New(sim, DefaultAddr)
	if err := d.SetPDOCount(2); err != nil {
		t.Fatal(err)
	}
	if got := sim.Register(regDPM_PDO_NUMB); got != 2 {
		t.Errorf("DPM_PDO_NUMB = %d, want 2", got)
	}
	n, err := d.PDOCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("PDOCount() = %d, want 2", n)
	}
	for _, n := range []int{0, 4} {
		if err := d.SetPDOCount(n); err == nil {
			t.Errorf("SetPDOCount(%d) succeeded", n)
		}
	}
}

func TestRDO(t *testing.T) {
	sim := NewSimulator(DefaultAddr)
	d := New(sim, DefaultAddr)
	setU32(sim, regRDO_REG_STATUS, 2<<28|150<<10|300)
	rdo, err := d.RDO()
	if err != nil {
		t.Fatal(err)
	}
	if got := rdo.ObjectPosition(); got != 2 {
		t.Errorf("ObjectPosition() = %d, want 2", got)
	}
	if got := rdo.OperatingCurrent(); got != 1500 {
		t.Errorf("OperatingCurrent() = %d, want 1500", got)
	}
	if got := rdo.MaxOperatingCurrent(); got != 3000 {
		t.Errorf("MaxOperatingCurrent() = %d, want 3000", got)
	}
}

func TestSoftReset(t *testing.T) {
	sim := NewSimulator(DefaultAddr)
	d := New(sim, DefaultAddr)
	if err := d.SoftReset(); err != nil {
		t.Fatal(err)
	}
	want := []regWrite{
		{regTX_HEADER, pdHeaderSoftReset},
		{regPD_COMMAND_CTRL, pdCommandSend},
	}
	if !slices.Equal(sim.writes, want) {
		t.Errorf("soft reset writes %v, want %v", sim.writes, want)
	}
}

func TestReset(t *testing.T) {
	sim := NewSimulator(DefaultAddr)
	d := New(sim, DefaultAddr)
	if err := d.Reset(); err != nil {
		t.Fatal(err)
	}
	want := []regWrite{
		{regRESET_CTRL, resetSWEnable},
		{regRESET_CTRL, 0x00},
	}
	if !slices.Equal(sim.writes, want) {
		t.Errorf("reset writes %v, want %v", sim.writes, want)
	}
}

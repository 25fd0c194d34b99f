// Package pdo encodes and decodes the 32-bit USB Power Delivery data
// objects found in the STUSB4500's status and policy registers.
package pdo

import (
	"errors"
	"fmt"
)

// ErrNotFixed is returned by setters that only apply to fixed supply
// objects when the receiver holds a different kind of object.
var ErrNotFixed = errors.New("pdo: not a fixed supply object")

// Kind discriminates the four power data object layouts. It is stored in
// the top two bits of the object word.
type Kind uint8

const (
	KindFixed Kind = iota
	KindVariable
	KindBattery
	KindAugmented
)

func (k Kind) String() string {
	switch k {
	case KindFixed:
		return "fixed"
	case KindVariable:
		return "variable"
	case KindBattery:
		return "battery"
	case KindAugmented:
		return "augmented"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// PDO is a power data object in its raw register form. Convert to one of
// the kind-specific views to read its fields; uint32(p) is the exact word
// written to the device.
type PDO uint32

// Kind returns the object layout selected by bits 31:30.
func (p PDO) Kind() Kind {
	return Kind(p >> 30)
}

// Fixed returns the fixed supply view of p. The second return is false
// if p is not a fixed supply object.
func (p PDO) Fixed() (Fixed, bool) {
	if p.Kind() != KindFixed {
		return 0, false
	}
	return Fixed(p), true
}

// Variable returns the variable supply view of p. The second return is
// false if p is not a variable supply object.
func (p PDO) Variable() (Variable, bool) {
	if p.Kind() != KindVariable {
		return 0, false
	}
	return Variable(p), true
}

// Battery returns the battery supply view of p. The second return is
// false if p is not a battery supply object.
func (p PDO) Battery() (Battery, bool) {
	if p.Kind() != KindBattery {
		return 0, false
	}
	return Battery(p), true
}

// Augmented returns the programmable supply view of p. The second return
// is false if p is not an augmented object.
func (p PDO) Augmented() (Augmented, bool) {
	if p.Kind() != KindAugmented {
		return 0, false
	}
	return Augmented(p), true
}

// NewFixed returns a fixed supply object advertising the given voltage in
// millivolts and current in milliamps. All role and capability flags start
// cleared and fast role swap starts at FastRoleSwapNotSupported. The
// voltage must be a multiple of 50mV, the current a multiple of 10mA, and
// both must fit their 10-bit fields.
func NewFixed(voltage, current int) (PDO, error) {
	var p PDO
	if err := p.SetVoltage(voltage); err != nil {
		return 0, err
	}
	if err := p.SetCurrent(current); err != nil {
		return 0, err
	}
	return p, nil
}

// SetVoltage sets the voltage of a fixed supply object in millivolts,
// in steps of 50mV. The word is left unchanged on error.
func (p *PDO) SetVoltage(mv int) error {
	if p.Kind() != KindFixed {
		return ErrNotFixed
	}
	raw, err := rawUnits("voltage", "mV", mv, 50, 1<<10-1)
	if err != nil {
		return err
	}
	*p = (*p & ^((PDO(1)<<10 - 1) << 10)) | PDO(raw)<<10
	return nil
}

// SetCurrent sets the current of a fixed supply object in milliamps, in
// steps of 10mA. The word is left unchanged on error.
func (p *PDO) SetCurrent(ma int) error {
	if p.Kind() != KindFixed {
		return ErrNotFixed
	}
	raw, err := rawUnits("current", "mA", ma, 10, 1<<10-1)
	if err != nil {
		return err
	}
	*p = (*p & ^(PDO(1)<<10 - 1)) | PDO(raw)
	return nil
}

// SetDualRolePower sets the dual-role power flag of a fixed supply
// object.
func (p *PDO) SetDualRolePower(on bool) error {
	return p.setFlag(29, on)
}

// SetHigherCapability sets the higher capability flag of a fixed supply
// object.
func (p *PDO) SetHigherCapability(on bool) error {
	return p.setFlag(28, on)
}

// SetUnconstrainedPower sets the unconstrained power flag of a fixed
// supply object.
func (p *PDO) SetUnconstrainedPower(on bool) error {
	return p.setFlag(27, on)
}

// SetUSBCommunicationsCapable sets the USB communications flag of a
// fixed supply object.
func (p *PDO) SetUSBCommunicationsCapable(on bool) error {
	return p.setFlag(26, on)
}

// SetDualRoleData sets the dual-role data flag of a fixed supply object.
func (p *PDO) SetDualRoleData(on bool) error {
	return p.setFlag(25, on)
}

// SetFastRoleSwap sets the fast role swap requirement of a fixed supply
// object.
func (p *PDO) SetFastRoleSwap(s FastRoleSwap) error {
	if p.Kind() != KindFixed {
		return ErrNotFixed
	}
	*p = (*p & ^(PDO(0b11) << 23)) | PDO(s&0b11)<<23
	return nil
}

func (p *PDO) setFlag(bit uint, on bool) error {
	if p.Kind() != KindFixed {
		return ErrNotFixed
	}
	var b PDO
	if on {
		b = 1 << bit
	}
	*p = (*p & ^(PDO(1) << bit)) | b
	return nil
}

// rawUnits converts v to multiples of unit, rejecting values outside the
// field range or off the unit grid.
func rawUnits(what, suffix string, v, unit, max int) (uint32, error) {
	if v < 0 || v > unit*max || v%unit != 0 {
		return 0, fmt.Errorf("pdo: %s must be 0-%d%s in steps of %d%s", what, unit*max, suffix, unit, suffix)
	}
	return uint32(v / unit), nil
}

// Fixed is a fixed supply power data object.
type Fixed uint32

// PDO returns the object in its raw register form.
func (o Fixed) PDO() PDO {
	return PDO(o)
}

// DualRolePower reports whether the sink supports both power roles.
func (o Fixed) DualRolePower() bool {
	return o&(1<<29) != 0
}

// HigherCapability reports whether the sink needs more than vSafe5V to
// provide full functionality.
func (o Fixed) HigherCapability() bool {
	return o&(1<<28) != 0
}

// UnconstrainedPower reports whether the sink has an external power
// source.
func (o Fixed) UnconstrainedPower() bool {
	return o&(1<<27) != 0
}

// USBCommunicationsCapable reports whether the sink supports USB data
// communication.
func (o Fixed) USBCommunicationsCapable() bool {
	return o&(1<<26) != 0
}

// DualRoleData reports whether the sink supports both data roles.
func (o Fixed) DualRoleData() bool {
	return o&(1<<25) != 0
}

// FastRoleSwap returns the current the sink requires after a fast role
// swap.
func (o Fixed) FastRoleSwap() FastRoleSwap {
	return FastRoleSwap((o >> 23) & 0b11)
}

// Voltage returns the supply voltage in millivolts.
func (o Fixed) Voltage() int {
	return int((o>>10)&(1<<10-1)) * 50
}

// Current returns the operational current in milliamps.
func (o Fixed) Current() int {
	return int(o&(1<<10-1)) * 10
}

// Variable is a variable supply power data object.
type Variable uint32

// PDO returns the object in its raw register form.
func (o Variable) PDO() PDO {
	return PDO(o)
}

// MaxVoltage returns the maximum supply voltage in millivolts.
func (o Variable) MaxVoltage() int {
	return int((o>>20)&(1<<10-1)) * 50
}

// MinVoltage returns the minimum supply voltage in millivolts.
func (o Variable) MinVoltage() int {
	return int((o>>10)&(1<<10-1)) * 50
}

// Current returns the operational current in milliamps.
func (o Variable) Current() int {
	return int(o&(1<<10-1)) * 10
}

// Battery is a battery supply power data object.
type Battery uint32

// PDO returns the object in its raw register form.
func (o Battery) PDO() PDO {
	return PDO(o)
}

// MaxVoltage returns the maximum supply voltage in millivolts.
func (o Battery) MaxVoltage() int {
	return int((o>>20)&(1<<10-1)) * 50
}

// MinVoltage returns the minimum supply voltage in millivolts.
func (o Battery) MinVoltage() int {
	return int((o>>10)&(1<<10-1)) * 50
}

// Power returns the operational power in milliwatts.
func (o Battery) Power() int {
	return int(o&(1<<10-1)) * 250
}

// Augmented is a programmable (augmented) power data object.
type Augmented uint32

// PDO returns the object in its raw register form.
func (o Augmented) PDO() PDO {
	return PDO(o)
}

// MaxVoltage returns the maximum programmable voltage in millivolts.
func (o Augmented) MaxVoltage() int {
	return int((o>>18)&(1<<8-1)) * 100
}

// MinVoltage returns the minimum programmable voltage in millivolts.
func (o Augmented) MinVoltage() int {
	return int((o>>8)&(1<<9-1)) * 100
}

// MaxCurrent returns the maximum programmable current in milliamps.
func (o Augmented) MaxCurrent() int {
	return int(o&(1<<7-1)) * 50
}

// FastRoleSwap is the current a fixed supply sink requires from its port
// partner after a fast role swap.
type FastRoleSwap uint8

const (
	FastRoleSwapNotSupported FastRoleSwap = iota
	FastRoleSwapDefaultUSB
	FastRoleSwap1A5
	FastRoleSwap3A0
)

func (s FastRoleSwap) String() string {
	switch s {
	case FastRoleSwapNotSupported:
		return "not supported"
	case FastRoleSwapDefaultUSB:
		return "0.5A @ 5V"
	case FastRoleSwap1A5:
		return "1.5A @ 5V"
	case FastRoleSwap3A0:
		return "3.0A @ 5V"
	}
	return fmt.Sprintf("fast role swap(%d)", uint8(s))
}

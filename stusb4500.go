// Package stusb4500 implements a driver for the ST STUSB4500 standalone
// USB PD sink controller.
//
// The driver covers the live negotiation state exposed through the status
// registers (sink PDO table, request data object, attach and bus voltage)
// and the non-volatile configuration memory that determines the chip's
// behavior at power-up. NVM access happens inside an explicit programming
// session, see UnlockNVM and WithNVM.
package stusb4500

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"stusb4500.dev/pdo"
)

// Bus is the I²C transaction interface the driver requires: a register
// write followed by an optional read in one transaction. periph.io's
// i2c.Bus satisfies it directly.
type Bus interface {
	Tx(addr uint16, w, r []byte) error
}

// I²C addresses selectable through the ADDR0/ADDR1 pins.
const (
	Addr0 uint16 = 0x28
	Addr1 uint16 = 0x29
	Addr2 uint16 = 0x2A
	Addr3 uint16 = 0x2B

	// DefaultAddr is the address with both pins strapped low.
	DefaultAddr = Addr0
)

var (
	// ErrNVMBusy is returned by device operations while an NVM
	// programming session is open.
	ErrNVMBusy = errors.New("stusb4500: nvm session in progress")

	// ErrSessionClosed is returned by session operations after Lock.
	ErrSessionClosed = errors.New("stusb4500: nvm session closed")

	// ErrRequestTimeout is returned when the NVM engine does not
	// acknowledge a request within the configured timeout.
	ErrRequestTimeout = errors.New("stusb4500: nvm request timeout")
)

// DefaultRequestTimeout bounds the wait for the NVM engine to complete a
// single erase, program or read request.
const DefaultRequestTimeout = 500 * time.Millisecond

// resetHold is how long the software reset line is asserted.
const resetHold = 25 * time.Millisecond

// Logger receives structured log output from the driver. *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures a Device.
type Option func(*Device)

// WithLogger makes the device log its operations. The default is no
// logging.
func WithLogger(l Logger) Option {
	return func(d *Device) {
		d.log = l
	}
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(t time.Duration) Option {
	return func(d *Device) {
		d.requestTimeout = t
	}
}

// Device is an STUSB4500 on an I²C bus. Methods block until the bus
// transaction completes; no register state is cached. A Device must not
// be used concurrently.
type Device struct {
	bus            Bus
	addr           uint16
	log            Logger
	requestTimeout time.Duration
	nvm            *NVM // open programming session, nil when locked
	scratch        [1 + SectorSize]byte
}

// New returns a Device on bus at addr. Use DefaultAddr unless the ADDR
// pins are strapped otherwise.
func New(bus Bus, addr uint16, opts ...Option) *Device {
	d := &Device{
		bus:            bus,
		addr:           addr,
		requestTimeout: DefaultRequestTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// DeviceID reads the chip identification register.
func (d *Device) DeviceID() (uint8, error) {
	if d.nvm != nil {
		return 0, ErrNVMBusy
	}
	v, err := d.readReg(regDEVICE_ID)
	if err != nil {
		return 0, fmt.Errorf("stusb4500: %w", err)
	}
	return v, nil
}

// Attached reports whether a source is connected on the CC lines.
func (d *Device) Attached() (bool, error) {
	if d.nvm != nil {
		return false, ErrNVMBusy
	}
	v, err := d.readReg(regPORT_STATUS_1)
	if err != nil {
		return false, fmt.Errorf("stusb4500: %w", err)
	}
	return v&portStatusAttach != 0, nil
}

// VBusVoltage reads the voltage the device monitors VBUS against, in
// millivolts (mV). The device keeps it at the negotiated contract
// voltage, 5V without an explicit contract.
func (d *Device) VBusVoltage() (int, error) {
	if d.nvm != nil {
		return 0, ErrNVMBusy
	}
	v, err := d.readReg(regMONITORING_CTRL_1)
	if err != nil {
		return 0, fmt.Errorf("stusb4500: %w", err)
	}
	const milliVoltsPerUnit = 100
	return int(v) * milliVoltsPerUnit, nil
}

// PDOCount reads the number of sink profiles the device advertises
// during negotiation, 1 to 3.
func (d *Device) PDOCount() (int, error) {
	if d.nvm != nil {
		return 0, ErrNVMBusy
	}
	v, err := d.readReg(regDPM_PDO_NUMB)
	if err != nil {
		return 0, fmt.Errorf("stusb4500: %w", err)
	}
	return int(v & 0b111), nil
}

// SetPDOCount sets the number of advertised sink profiles, 1 to 3. The
// setting holds until reset; make it permanent through the NVM.
func (d *Device) SetPDOCount(n int) error {
	if d.nvm != nil {
		return ErrNVMBusy
	}
	if n < 1 || n > NumPDOs {
		return fmt.Errorf("stusb4500: pdo count %d out of range 1-%d", n, NumPDOs)
	}
	if err := d.writeReg(regDPM_PDO_NUMB, uint8(n)); err != nil {
		return fmt.Errorf("stusb4500: %w", err)
	}
	return nil
}

// PDO reads sink profile n, 1 to 3. Profile 1 is fixed at 5V by the
// device.
func (d *Device) PDO(n int) (pdo.PDO, error) {
	if d.nvm != nil {
		return 0, ErrNVMBusy
	}
	reg, err := pdoReg(n)
	if err != nil {
		return 0, err
	}
	v, err := d.readU32(reg)
	if err != nil {
		return 0, fmt.Errorf("stusb4500: %w", err)
	}
	return pdo.PDO(v), nil
}

// SetPDO replaces sink profile n, 1 to 3. The profile holds until reset
// and takes effect at the next negotiation, see SoftReset.
func (d *Device) SetPDO(n int, p pdo.PDO) error {
	if d.nvm != nil {
		return ErrNVMBusy
	}
	reg, err := pdoReg(n)
	if err != nil {
		return err
	}
	if err := d.writeU32(reg, uint32(p)); err != nil {
		return fmt.Errorf("stusb4500: %w", err)
	}
	d.debug("sink pdo updated", "n", n, "word", fmt.Sprintf("%#08x", uint32(p)))
	return nil
}

func pdoReg(n int) (uint8, error) {
	if n < 1 || n > NumPDOs {
		return 0, fmt.Errorf("stusb4500: pdo index %d out of range 1-%d", n, NumPDOs)
	}
	return regDPM_SNK_PDO1 + uint8(n-1)*4, nil
}

// RDO reads the request data object of the negotiation in force. An
// object position of zero means no explicit contract.
func (d *Device) RDO() (pdo.RDO, error) {
	if d.nvm != nil {
		return 0, ErrNVMBusy
	}
	v, err := d.readU32(regRDO_REG_STATUS)
	if err != nil {
		return 0, fmt.Errorf("stusb4500: %w", err)
	}
	return pdo.RDO(v), nil
}

// SoftReset sends a USB PD soft reset to the source, forcing a new
// negotiation against the current sink profiles.
func (d *Device) SoftReset() error {
	if d.nvm != nil {
		return ErrNVMBusy
	}
	if err := d.writeReg(regTX_HEADER, pdHeaderSoftReset); err != nil {
		return fmt.Errorf("stusb4500: soft reset: %w", err)
	}
	if err := d.writeReg(regPD_COMMAND_CTRL, pdCommandSend); err != nil {
		return fmt.Errorf("stusb4500: soft reset: %w", err)
	}
	d.debug("soft reset sent")
	return nil
}

// Reset restarts the device through the software reset register. All
// volatile settings revert to the NVM configuration.
func (d *Device) Reset() error {
	if d.nvm != nil {
		return ErrNVMBusy
	}
	if err := d.writeReg(regRESET_CTRL, resetSWEnable); err != nil {
		return fmt.Errorf("stusb4500: reset: %w", err)
	}
	time.Sleep(resetHold)
	if err := d.writeReg(regRESET_CTRL, 0); err != nil {
		return fmt.Errorf("stusb4500: reset: %w", err)
	}
	d.debug("device reset")
	return nil
}

func (d *Device) debug(msg string, args ...any) {
	if d.log != nil {
		d.log.Debug(msg, args...)
	}
}

func (d *Device) info(msg string, args ...any) {
	if d.log != nil {
		d.log.Info(msg, args...)
	}
}

func (d *Device) error(msg string, args ...any) {
	if d.log != nil {
		d.log.Error(msg, args...)
	}
}

func (d *Device) writeReg(reg, val uint8) error {
	req := d.scratch[:2]
	req[0], req[1] = reg, val
	return d.bus.Tx(d.addr, req, nil)
}

func (d *Device) readReg(reg uint8) (uint8, error) {
	req, resp := d.scratch[:1], d.scratch[1:2]
	req[0] = reg
	err := d.bus.Tx(d.addr, req, resp)
	return resp[0], err
}

func (d *Device) readRegs(reg uint8, buf []byte) error {
	req := d.scratch[:1]
	req[0] = reg
	return d.bus.Tx(d.addr, req, buf)
}

func (d *Device) writeRegs(reg uint8, data []byte) error {
	req := d.scratch[:1+len(data)]
	req[0] = reg
	copy(req[1:], data)
	return d.bus.Tx(d.addr, req, nil)
}

func (d *Device) readU32(reg uint8) (uint32, error) {
	req, resp := d.scratch[:1], d.scratch[1:5]
	req[0] = reg
	err := d.bus.Tx(d.addr, req, resp)
	return binary.LittleEndian.Uint32(resp), err
}

func (d *Device) writeU32(reg uint8, v uint32) error {
	req := d.scratch[:5]
	req[0] = reg
	binary.LittleEndian.PutUint32(req[1:], v)
	return d.bus.Tx(d.addr, req, nil)
}

// NumPDOs is the size of the sink profile table.
const NumPDOs = 3

const (
	regPORT_STATUS_1     = 0x0E
	regCC_STATUS         = 0x11
	regPD_COMMAND_CTRL   = 0x1A
	regMONITORING_CTRL_1 = 0x21 // VBUS_SELECT
	regRESET_CTRL        = 0x23
	regDEVICE_ID         = 0x2F
	regTX_HEADER         = 0x51
	regRW_BUFFER         = 0x53
	regDPM_PDO_NUMB      = 0x70
	regDPM_SNK_PDO1      = 0x85
	regRDO_REG_STATUS    = 0x91
	regFTP_CUST_PASSWORD = 0x95
	regFTP_CTRL_0        = 0x96
	regFTP_CTRL_1        = 0x97

	// PORT_STATUS_1 bits.
	portStatusAttach = 0b1 << 0

	// RESET_CTRL bits.
	resetSWEnable = 0b1 << 0

	// TX_HEADER message type and PD_COMMAND_CTRL command to send it.
	pdHeaderSoftReset = 0x0D
	pdCommandSend     = 0x26

	// FTP_CTRL_0 bits; the low 3 bits select the sector.
	ftpPower      = 0x80
	ftpEnable     = 0x40
	ftpRequest    = 0x10
	ftpSectorMask = 0x07

	// FTP_CTRL_1 opcodes in the low 3 bits; the high 5 bits hold the
	// sector erase mask for opLoadSER.
	opReadSector   = 0x00
	opLoadPLR      = 0x01
	opLoadSER      = 0x02
	opEraseSectors = 0x05
	opProgSector   = 0x06

	// Factory password for FTP_CUST_PASSWORD.
	nvmPassword = 0x47
)

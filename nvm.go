package stusb4500

import (
	"errors"
	"fmt"
	"time"
)

// NVM geometry. The configuration memory is organized as 5 sectors of
// 8 bytes, addressed by sector index.
const (
	NumSectors = 5
	SectorSize = 8
	ImageSize  = NumSectors * SectorSize
)

// Image is a full NVM configuration in sector index order. Its flat form
// is byte-compatible with the dumps produced by ST's configuration GUI.
type Image [NumSectors][SectorSize]byte

// ParseImage builds an Image from a flat 40-byte dump.
func ParseImage(b []byte) (Image, error) {
	var im Image
	if len(b) != ImageSize {
		return im, fmt.Errorf("stusb4500: nvm image is %d bytes, want %d", len(b), ImageSize)
	}
	for i := range im {
		copy(im[i][:], b[i*SectorSize:])
	}
	return im, nil
}

// Bytes returns the flat 40-byte form of the image.
func (im Image) Bytes() []byte {
	b := make([]byte, 0, ImageSize)
	for _, sector := range im {
		b = append(b, sector[:]...)
	}
	return b
}

// FactoryDefault is the NVM content the chip ships with: three sink
// profiles of 5V/1.5A, 15V/1.5A and 20V/1A.
var FactoryDefault = Image{
	{0x00, 0x00, 0xB0, 0xAB, 0x00, 0x45, 0x00, 0x00},
	{0x10, 0x40, 0x9C, 0x1C, 0xFF, 0x01, 0x3C, 0xDF},
	{0x02, 0x40, 0x0F, 0x00, 0x32, 0x00, 0xFC, 0xF1},
	{0x00, 0x19, 0x56, 0xAF, 0xF5, 0x35, 0x5F, 0x00},
	{0x00, 0x4B, 0x90, 0x21, 0x43, 0x00, 0x40, 0xFB},
}

// NVM is an open programming session on the device's configuration
// memory. While a session is open all other operations on the Device
// fail with ErrNVMBusy; Lock ends the session.
type NVM struct {
	d      *Device
	closed bool
}

// UnlockNVM opens a programming session by loading the factory password
// and powering the NVM engine.
func (d *Device) UnlockNVM() (*NVM, error) {
	if d.nvm != nil {
		return nil, ErrNVMBusy
	}
	if err := d.writeReg(regFTP_CUST_PASSWORD, nvmPassword); err != nil {
		return nil, fmt.Errorf("stusb4500: unlock nvm: %w", err)
	}
	if err := d.writeReg(regFTP_CTRL_0, 0x00); err != nil {
		return nil, fmt.Errorf("stusb4500: unlock nvm: %w", err)
	}
	if err := d.writeReg(regFTP_CTRL_0, ftpPower|ftpEnable); err != nil {
		return nil, fmt.Errorf("stusb4500: unlock nvm: %w", err)
	}
	d.debug("nvm unlocked")
	n := &NVM{d: d}
	d.nvm = n
	return n, nil
}

// WithNVM runs fn inside a programming session and locks the session on
// every return path, including when fn fails. fn's error and the lock
// error are joined.
func (d *Device) WithNVM(fn func(*NVM) error) (err error) {
	n, err := d.UnlockNVM()
	if err != nil {
		return err
	}
	defer func() {
		if n.closed {
			return
		}
		if lerr := n.Lock(); lerr != nil {
			d.error("nvm lock failed", "error", lerr)
			err = errors.Join(err, lerr)
		}
	}()
	err = fn(n)
	return err
}

// Lock ends the session, powers down the NVM engine and clears the
// password. The session is closed even when one of the writes fails.
func (n *NVM) Lock() error {
	if n.closed {
		return ErrSessionClosed
	}
	n.closed = true
	n.d.nvm = nil
	if err := n.d.writeReg(regFTP_CTRL_0, ftpEnable); err != nil {
		return fmt.Errorf("stusb4500: lock nvm: %w", err)
	}
	if err := n.d.writeReg(regFTP_CTRL_1, 0x00); err != nil {
		return fmt.Errorf("stusb4500: lock nvm: %w", err)
	}
	if err := n.d.writeReg(regFTP_CUST_PASSWORD, 0x00); err != nil {
		return fmt.Errorf("stusb4500: lock nvm: %w", err)
	}
	n.d.debug("nvm locked")
	return nil
}

// ReadSectors reads the full NVM image, sector 0 first.
func (n *NVM) ReadSectors() (Image, error) {
	var im Image
	if n.closed {
		return im, ErrSessionClosed
	}
	for i := range im {
		sector, err := n.readSector(uint8(i))
		if err != nil {
			return im, err
		}
		im[i] = sector
	}
	return im, nil
}

// WriteSectors erases the NVM and programs the full image, sector 0
// first. Erasing first is required, programming can only clear bits. A
// failure partway leaves the NVM erased or partially programmed; the
// session stays open.
func (n *NVM) WriteSectors(im Image) error {
	if n.closed {
		return ErrSessionClosed
	}
	if err := n.eraseSectors(); err != nil {
		return err
	}
	for i := range im {
		if err := n.writeSector(uint8(i), im[i]); err != nil {
			return err
		}
	}
	n.d.info("nvm programmed")
	return nil
}

func (n *NVM) readSector(sector uint8) ([SectorSize]byte, error) {
	var buf [SectorSize]byte
	if err := n.setCommand(command{op: opReadSector}); err != nil {
		return buf, err
	}
	if err := n.request(sector); err != nil {
		return buf, err
	}
	if err := n.d.readRegs(regRW_BUFFER, buf[:]); err != nil {
		return buf, fmt.Errorf("stusb4500: read sector %d: %w", sector, err)
	}
	return buf, nil
}

func (n *NVM) writeSector(sector uint8, data [SectorSize]byte) error {
	if err := n.d.writeRegs(regRW_BUFFER, data[:]); err != nil {
		return fmt.Errorf("stusb4500: write sector %d: %w", sector, err)
	}
	if err := n.setCommand(command{op: opLoadPLR}); err != nil {
		return err
	}
	if err := n.request(0); err != nil {
		return err
	}
	if err := n.setCommand(command{op: opProgSector}); err != nil {
		return err
	}
	if err := n.request(sector); err != nil {
		return err
	}
	n.d.debug("nvm sector programmed", "sector", sector)
	return nil
}

func (n *NVM) eraseSectors() error {
	if err := n.setCommand(command{op: opLoadSER, erase: eraseAll}); err != nil {
		return err
	}
	if err := n.request(0); err != nil {
		return err
	}
	if err := n.setCommand(command{op: opEraseSectors}); err != nil {
		return err
	}
	if err := n.request(0); err != nil {
		return err
	}
	n.d.debug("nvm erased")
	return nil
}

// command is one FTP engine operation: an opcode and, for opLoadSER, the
// sector erase mask. It is flattened to a raw FTP_CTRL_1 byte only when
// written to the bus.
type command struct {
	op    uint8
	erase uint8 // bitmask over sectors 0-4
}

const eraseAll = 1<<NumSectors - 1

func (c command) encode() uint8 {
	return c.op | c.erase<<3
}

func (n *NVM) setCommand(c command) error {
	if err := n.d.writeReg(regFTP_CTRL_1, c.encode()); err != nil {
		return fmt.Errorf("stusb4500: nvm command %#02x: %w", c.encode(), err)
	}
	return nil
}

// request triggers the loaded command for sector and polls until the
// engine clears the request bit, at most the device's request timeout.
func (n *NVM) request(sector uint8) error {
	if err := n.d.writeReg(regFTP_CTRL_0, sector|ftpPower|ftpEnable|ftpRequest); err != nil {
		return fmt.Errorf("stusb4500: nvm request: %w", err)
	}
	start := time.Now()
	for {
		v, err := n.d.readReg(regFTP_CTRL_0)
		if err != nil {
			return fmt.Errorf("stusb4500: nvm request: %w", err)
		}
		if v&ftpRequest == 0 {
			return nil
		}
		if time.Since(start) > n.d.requestTimeout {
			return ErrRequestTimeout
		}
	}
}

// Package mcp2221 adapts the I²C module of an MCP2221A USB bridge to
// the stusb4500.Bus interface, for talking to boards from machines
// without a native I²C bus.
package mcp2221

import (
	"fmt"

	"github.com/ardnew/mcp2221a"
)

// Bus is an open MCP2221A bridge implementing stusb4500.Bus.
type Bus struct {
	dev *mcp2221a.MCP2221A
}

// Open attaches to the first MCP2221A on USB and configures its I²C
// module for the default 100kHz rate.
func Open() (*Bus, error) {
	dev, err := mcp2221a.New(0, mcp2221a.VID, mcp2221a.PID)
	if err != nil {
		return nil, fmt.Errorf("mcp2221: %w", err)
	}
	if err := dev.I2C.SetConfig(mcp2221a.I2CBaudRate); err != nil {
		dev.Close()
		return nil, fmt.Errorf("mcp2221: %w", err)
	}
	return &Bus{dev: dev}, nil
}

// Tx performs a write followed by an optional read. The read is issued
// with a repeated start so the register pointer set by the write still
// applies.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	if len(w) > 0 {
		stop := len(r) == 0
		if err := b.dev.I2C.Write(stop, uint8(addr), w, uint16(len(w))); err != nil {
			return fmt.Errorf("mcp2221: write: %w", err)
		}
	}
	if len(r) > 0 {
		buf, err := b.dev.I2C.Read(len(w) > 0, uint8(addr), uint16(len(r)))
		if err != nil {
			return fmt.Errorf("mcp2221: read: %w", err)
		}
		copy(r, buf)
	}
	return nil
}

// Close releases the USB handle.
func (b *Bus) Close() error {
	return b.dev.Close()
}

package stusb4500

import (
	"errors"
	"fmt"
	"sync"
)

// Simulator models the chip behind the Bus interface for tests and dry
// runs without hardware: a register file with auto-incrementing bursts
// and the FTP engine behind FTP_CTRL_0/FTP_CTRL_1. Programming has
// flash semantics, erasing sets a sector to 0xFF and programming only
// clears bits, so a skipped erase corrupts data just like on silicon.
// Requests issued without the password loaded are ignored and leave the
// request bit set.
type Simulator struct {
	// HangRequests models an unresponsive engine: requests are
	// accepted but the request bit never clears.
	HangRequests bool

	mu     sync.Mutex
	addr   uint16
	regs   [256]byte
	nvm    Image
	plr    [SectorSize]byte // program load register
	ser    uint8            // sector erase mask
	writes []regWrite
}

type regWrite struct {
	reg uint8
	val uint8
}

// NewSimulator returns a simulator answering at addr, with the factory
// NVM image loaded and an idle 5V state.
func NewSimulator(addr uint16) *Simulator {
	s := &Simulator{
		addr: addr,
		nvm:  FactoryDefault,
	}
	s.regs[regDEVICE_ID] = 0x25 // cut 1.2
	s.regs[regMONITORING_CTRL_1] = 50
	return s
}

// Tx implements Bus. The first written byte selects the register,
// remaining bytes and reads transfer from there upwards.
func (s *Simulator) Tx(addr uint16, w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr != s.addr {
		return fmt.Errorf("simulator: no device at address %#02x", addr)
	}
	if len(w) == 0 {
		return errors.New("simulator: transaction without register address")
	}
	reg := w[0]
	for i, v := range w[1:] {
		s.store(reg+uint8(i), v)
	}
	for i := range r {
		r[i] = s.regs[reg+uint8(i)]
	}
	return nil
}

func (s *Simulator) store(reg, v uint8) {
	s.writes = append(s.writes, regWrite{reg, v})
	s.regs[reg] = v
	if reg == regFTP_CTRL_0 && v&ftpRequest != 0 {
		s.ftpRequest(v)
	}
}

// ftpRequest runs the engine operation selected by FTP_CTRL_1 and
// clears the request bit. Nothing runs while the password register does
// not hold the unlock password; the bit then stays set.
func (s *Simulator) ftpRequest(ctl uint8) {
	if s.HangRequests || s.regs[regFTP_CUST_PASSWORD] != nvmPassword {
		return
	}
	sector := ctl & ftpSectorMask
	cmd := s.regs[regFTP_CTRL_1]
	switch cmd & 0x07 {
	case opReadSector:
		if sector < NumSectors {
			copy(s.regs[regRW_BUFFER:], s.nvm[sector][:])
		}
	case opLoadPLR:
		copy(s.plr[:], s.regs[regRW_BUFFER:regRW_BUFFER+SectorSize])
	case opLoadSER:
		s.ser = cmd >> 3
	case opEraseSectors:
		for i := range s.nvm {
			if s.ser&(1<<i) == 0 {
				continue
			}
			for j := range s.nvm[i] {
				s.nvm[i][j] = 0xFF
			}
		}
	case opProgSector:
		if sector < NumSectors {
			for j := range s.nvm[sector] {
				s.nvm[sector][j] &= s.plr[j]
			}
		}
	}
	s.regs[regFTP_CTRL_0] = ctl &^ ftpRequest
}

// NVM returns the simulated NVM content.
func (s *Simulator) NVM() Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nvm
}

// SetNVM replaces the simulated NVM content.
func (s *Simulator) SetNVM(im Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nvm = im
}

// Register returns the current value of a register.
func (s *Simulator) Register(reg uint8) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[reg]
}

// SetRegister sets a register without engine side effects, to stage
// status register state.
func (s *Simulator) SetRegister(reg uint8, v byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[reg] = v
}

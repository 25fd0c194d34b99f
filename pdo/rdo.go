package pdo

// RDO is the request data object the sink sent during negotiation. It
// describes the operating point currently in force and is read-only: the
// STUSB4500 builds it from the advertised source capabilities and its own
// sink profiles.
type RDO uint32

// ObjectPosition returns the 1-based position of the accepted power
// profile. Zero means no explicit contract is in place.
func (o RDO) ObjectPosition() uint8 {
	return uint8(o >> 28)
}

// GiveBack reports whether the sink agreed to reduce its load on request.
func (o RDO) GiveBack() bool {
	return o&(1<<27) != 0
}

// CapabilityMismatch reports whether the sink could not find a source
// profile covering its power needs.
func (o RDO) CapabilityMismatch() bool {
	return o&(1<<26) != 0
}

// USBCommunicationsCapable reports whether the sink supports USB data
// communication.
func (o RDO) USBCommunicationsCapable() bool {
	return o&(1<<25) != 0
}

// NoUSBSuspend reports whether the sink asked to keep its power budget
// during USB suspend.
func (o RDO) NoUSBSuspend() bool {
	return o&(1<<24) != 0
}

// UnchunkedExtendedMessages reports whether the sink supports unchunked
// extended messages.
func (o RDO) UnchunkedExtendedMessages() bool {
	return o&(1<<23) != 0
}

// OperatingCurrent returns the negotiated operating current in milliamps.
func (o RDO) OperatingCurrent() int {
	return int((o>>10)&(1<<10-1)) * 10
}

// MaxOperatingCurrent returns the maximum current the sink may draw in
// milliamps.
func (o RDO) MaxOperatingCurrent() int {
	return int(o&(1<<10-1)) * 10
}

package types

// Memory is the host memory service the engine consumes: virtual to
// physical translation for a process, the process address-space bound used
// to validate user pointers, and access to physical storage.
type Memory interface {
	// Translate resolves a virtual address in the given process to a
	// physical address. Returns ErrNotMapped if no page is mapped there.
	Translate(pid int, vaddr uint64) (uint64, error)

	// AddressSpaceSize returns the upper bound of the process address
	// space. User pointers at or beyond it are rejected.
	AddressSpaceSize(pid int) uint64

	// PhysSlice returns a window over physical storage starting at paddr.
	PhysSlice(paddr uint64, length uint32) ([]byte, error)
}

// NIC is the transmit side of the link driver.
type NIC interface {
	// Transmit hands one complete frame to the driver. The frame must not
	// be retained by the caller afterwards.
	Transmit(frame []byte) error

	// LocalMAC returns the link-layer address of the local port.
	LocalMAC() [6]byte
}

// FrameHandler is the receive callback invoked by the driver for every
// frame whose ethertype matches the RDMA protocol.
type FrameHandler interface {
	HandleFrame(frame []byte, srcMAC [6]byte)
}

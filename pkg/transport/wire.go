package transport

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/ethrdma/ethrdma/pkg/types"
)

// Frame layout: a 14-byte Ethernet header (destination MAC, source MAC,
// ethertype 0x8915) followed by the fixed 40-byte RDMA header and, for
// WRITE packets, the payload. All multi-byte fields are big-endian.

const (
	// EtherType identifies RDMA frames on the link.
	EtherType uint16 = 0x8915

	EthHeaderSize = 14
	HeaderSize    = 40
	FrameOverhead = EthHeaderSize + HeaderSize
)

// Packet opcodes.
const (
	PktOpWrite    uint8 = 0x01
	PktOpRead     uint8 = 0x02
	PktOpReadResp uint8 = 0x03
	PktOpAck      uint8 = 0x04
)

// Packet flags.
const (
	PktFlagSignaled uint8 = 0x01
)

// Header is the RDMA packet header.
type Header struct {
	Opcode     uint8
	Flags      uint8
	SrcQP      uint16
	DstQP      uint16
	Seq        uint32
	LocalMRID  uint32
	RemoteMRID uint32
	RemoteAddr uint64
	Length     uint32
	RemoteKey  uint32
}

// EncodeFrame assembles a complete frame. payload may be nil for ACKs.
func EncodeFrame(dst, src [6]byte, hdr *Header, payload []byte) []byte {
	frame := make([]byte, FrameOverhead+len(payload))

	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	binary.BigEndian.PutUint16(frame[12:], EtherType)

	b := frame[EthHeaderSize:]
	b[0] = hdr.Opcode
	b[1] = hdr.Flags
	binary.BigEndian.PutUint16(b[2:], hdr.SrcQP)
	binary.BigEndian.PutUint16(b[4:], hdr.DstQP)
	// b[6:8] reserved
	binary.BigEndian.PutUint32(b[8:], hdr.Seq)
	binary.BigEndian.PutUint32(b[12:], hdr.LocalMRID)
	binary.BigEndian.PutUint32(b[16:], hdr.RemoteMRID)
	// b[20:24] reserved
	binary.BigEndian.PutUint64(b[24:], hdr.RemoteAddr)
	binary.BigEndian.PutUint32(b[32:], hdr.Length)
	binary.BigEndian.PutUint32(b[36:], hdr.RemoteKey)

	copy(frame[FrameOverhead:], payload)
	return frame
}

// DecodeFrame validates the link-layer header and decodes the RDMA
// header. The returned payload aliases the frame.
func DecodeFrame(frame []byte) (src [6]byte, hdr Header, payload []byte, err error) {
	if len(frame) < FrameOverhead {
		err = errors.Wrapf(types.ErrProtocol, "frame of %d bytes is too short", len(frame))
		return
	}
	if et := binary.BigEndian.Uint16(frame[12:]); et != EtherType {
		err = errors.Wrapf(types.ErrProtocol, "unexpected ethertype %#04x", et)
		return
	}
	copy(src[:], frame[6:12])

	b := frame[EthHeaderSize:]
	hdr.Opcode = b[0]
	hdr.Flags = b[1]
	hdr.SrcQP = binary.BigEndian.Uint16(b[2:])
	hdr.DstQP = binary.BigEndian.Uint16(b[4:])
	hdr.Seq = binary.BigEndian.Uint32(b[8:])
	hdr.LocalMRID = binary.BigEndian.Uint32(b[12:])
	hdr.RemoteMRID = binary.BigEndian.Uint32(b[16:])
	hdr.RemoteAddr = binary.BigEndian.Uint64(b[24:])
	hdr.Length = binary.BigEndian.Uint32(b[32:])
	hdr.RemoteKey = binary.BigEndian.Uint32(b[36:])

	payload = frame[FrameOverhead:]
	if hdr.Opcode == PktOpWrite && uint32(len(payload)) < hdr.Length {
		err = errors.Wrapf(types.ErrProtocol,
			"truncated payload: header says %d bytes, frame carries %d", hdr.Length, len(payload))
		return
	}
	return
}

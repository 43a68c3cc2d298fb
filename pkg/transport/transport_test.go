package transport

import (
	"bytes"
	"errors"

	. "gopkg.in/check.v1"

	"github.com/ethrdma/ethrdma/pkg/hostmem"
	"github.com/ethrdma/ethrdma/pkg/mr"
	"github.com/ethrdma/ethrdma/pkg/qp"
	"github.com/ethrdma/ethrdma/pkg/types"
)

const testPID = 2

// testPort records transmitted frames instead of delivering them, so the
// tests can inject frames into HandleFrame at will.
type testPort struct {
	mac  [6]byte
	sent [][]byte
}

func (p *testPort) Transmit(frame []byte) error {
	p.sent = append(p.sent, frame)
	return nil
}

func (p *testPort) LocalMAC() [6]byte { return p.mac }

type testHost struct {
	mem  *hostmem.Host
	mrs  *mr.Registry
	qps  *qp.Registry
	tp   *Transport
	port *testPort
}

func newTestHost(mac [6]byte) *testHost {
	mem := hostmem.New(1024 * 1024)
	mem.AddProcess(testPID)
	mrs := mr.NewRegistry(mem)
	qps := qp.NewRegistry()
	port := &testPort{mac: mac}
	return &testHost{
		mem:  mem,
		mrs:  mrs,
		qps:  qps,
		tp:   New(mem, mrs, qps, port),
		port: port,
	}
}

func (h *testHost) buffer(c *C, length uint64) uint64 {
	addr, err := h.mem.Sbrk(testPID, length)
	c.Assert(err, IsNil)
	return addr
}

func (s *TestSuite) TestConnect(c *C) {
	h := newTestHost(testSrc)
	id, err := h.qps.Create(testPID, 4, 4)
	c.Assert(err, IsNil)

	c.Assert(h.tp.Connect(testPID, id, testDst, 9), IsNil)

	h.qps.Lock()
	p := h.qps.Pair(id)
	c.Assert(p.State, Equals, types.StateRTS)
	c.Assert(p.NetworkMode, Equals, true)
	c.Assert(p.PeerMAC, Equals, testDst)
	c.Assert(p.PeerQP, Equals, uint32(9))
	c.Assert(p.TxSeq, Equals, uint32(1))
	c.Assert(p.RxSeq, Equals, uint32(1))
	h.qps.Unlock()

	// Already RTS; a second connect needs INIT.
	err = h.tp.Connect(testPID, id, testDst, 9)
	c.Assert(errors.Is(err, types.ErrNotReady), Equals, true)

	err = h.tp.Connect(testPID, id+1, testDst, 9)
	c.Assert(errors.Is(err, types.ErrNotFound), Equals, true)

	id2, err := h.qps.Create(testPID, 4, 4)
	c.Assert(err, IsNil)
	err = h.tp.Connect(99, id2, testDst, 9)
	c.Assert(errors.Is(err, types.ErrPermissionDenied), Equals, true)
}

func (s *TestSuite) TestBuildWrite(c *C) {
	h := newTestHost(testSrc)
	addr := h.buffer(c, 64)
	data := []byte("sixteen byte msg")
	c.Assert(h.mem.WriteUser(testPID, addr, data), IsNil)
	paddr, err := h.mem.Translate(testPID, addr)
	c.Assert(err, IsNil)

	id, err := h.qps.Create(testPID, 4, 4)
	c.Assert(err, IsNil)
	c.Assert(h.tp.Connect(testPID, id, testDst, 9), IsNil)

	wr := types.WorkRequest{
		WRID:        77,
		Opcode:      types.OpWrite,
		Flags:       types.WRSignaled,
		LocalMRID:   1,
		LocalOffset: paddr,
		RemoteMRID:  2,
		RemoteKey:   2,
		Length:      uint32(len(data)),
	}

	h.qps.Lock()
	p := h.qps.Pair(id)
	frame, err := h.tp.BuildWrite(p, wr)
	c.Assert(err, IsNil)
	c.Assert(p.TxSeq, Equals, uint32(2))
	c.Assert(p.PendingCount(), Equals, 1)

	wr2 := wr
	wr2.Flags = 0
	frame2, err := h.tp.BuildWrite(p, wr2)
	c.Assert(err, IsNil)
	c.Assert(p.TxSeq, Equals, uint32(3))
	// Unsignaled writes leave no pending-ACK entry behind.
	c.Assert(p.PendingCount(), Equals, 1)
	h.qps.Unlock()

	_, hdr, payload, err := DecodeFrame(frame)
	c.Assert(err, IsNil)
	c.Assert(hdr.Opcode, Equals, PktOpWrite)
	c.Assert(hdr.Flags, Equals, PktFlagSignaled)
	c.Assert(hdr.SrcQP, Equals, uint16(id))
	c.Assert(hdr.DstQP, Equals, uint16(9))
	c.Assert(hdr.Seq, Equals, uint32(1))
	c.Assert(hdr.RemoteMRID, Equals, uint32(2))
	c.Assert(bytes.Equal(payload[:len(data)], data), Equals, true)

	_, hdr2, _, err := DecodeFrame(frame2)
	c.Assert(err, IsNil)
	c.Assert(hdr2.Seq, Equals, uint32(2))
	c.Assert(hdr2.Flags, Equals, uint8(0))
}

func (s *TestSuite) TestReceiveWrite(c *C) {
	h := newTestHost(testDst)
	addr := h.buffer(c, 256)
	mrID, err := h.mrs.Register(testPID, addr, 256,
		types.AccessLocalRead|types.AccessLocalWrite|types.AccessRemoteWrite)
	c.Assert(err, IsNil)
	id, err := h.qps.Create(testPID, 4, 4)
	c.Assert(err, IsNil)

	data := make([]byte, 128)
	for i := range data {
		data[i] = byte(i % 256)
	}
	hdr := Header{
		Opcode:     PktOpWrite,
		Flags:      PktFlagSignaled,
		SrcQP:      3,
		DstQP:      uint16(id),
		Seq:        5,
		RemoteMRID: mrID,
		RemoteKey:  mrID,
		Length:     uint32(len(data)),
	}
	h.tp.HandleFrame(EncodeFrame(testDst, testSrc, &hdr, data), testSrc)

	out := make([]byte, len(data))
	c.Assert(h.mem.ReadUser(testPID, addr, out), IsNil)
	c.Assert(bytes.Equal(out, data), Equals, true)

	h.qps.Lock()
	p := h.qps.Pair(id)
	c.Assert(p.RxSeq, Equals, uint32(6))
	comp, ok := p.PopCQ()
	c.Assert(ok, Equals, true)
	c.Assert(comp.WRID, Equals, uint64(0))
	c.Assert(comp.ByteLen, Equals, uint32(len(data)))
	c.Assert(comp.Status, Equals, types.StatusSuccess)
	h.qps.Unlock()

	// The ACK echoes the sequence number back to the sending QP.
	c.Assert(len(h.port.sent), Equals, 1)
	_, ack, _, err := DecodeFrame(h.port.sent[0])
	c.Assert(err, IsNil)
	c.Assert(ack.Opcode, Equals, PktOpAck)
	c.Assert(ack.Seq, Equals, uint32(5))
	c.Assert(ack.SrcQP, Equals, uint16(id))
	c.Assert(ack.DstQP, Equals, uint16(3))
}

func (s *TestSuite) TestReceiveWriteDenied(c *C) {
	h := newTestHost(testDst)
	addr := h.buffer(c, 256)
	mrID, err := h.mrs.Register(testPID, addr, 256,
		types.AccessLocalRead|types.AccessLocalWrite)
	c.Assert(err, IsNil)
	id, err := h.qps.Create(testPID, 4, 4)
	c.Assert(err, IsNil)

	data := []byte("should never land")
	hdr := Header{
		Opcode:     PktOpWrite,
		SrcQP:      3,
		DstQP:      uint16(id),
		Seq:        1,
		RemoteMRID: mrID,
		Length:     uint32(len(data)),
	}
	h.tp.HandleFrame(EncodeFrame(testDst, testSrc, &hdr, data), testSrc)

	// Dropped without a trace: no ACK, no completion, untouched memory.
	c.Assert(len(h.port.sent), Equals, 0)
	out := make([]byte, len(data))
	c.Assert(h.mem.ReadUser(testPID, addr, out), IsNil)
	c.Assert(bytes.Equal(out, make([]byte, len(data))), Equals, true)

	h.qps.Lock()
	c.Assert(h.qps.Pair(id).CQLen(), Equals, uint32(0))
	h.qps.Unlock()
}

// teardownMem destroys a queue pair the first time the receive path maps
// its physical window, landing in the gap between the copy and the second
// critical section.
type teardownMem struct {
	*hostmem.Host
	qps  *qp.Registry
	qpID int
	once bool
}

func (m *teardownMem) PhysSlice(paddr uint64, length uint32) ([]byte, error) {
	win, err := m.Host.PhysSlice(paddr, length)
	if err == nil && !m.once {
		m.once = true
		if derr := m.qps.Destroy(testPID, m.qpID); derr != nil {
			return nil, derr
		}
	}
	return win, err
}

func (s *TestSuite) TestReceiveWriteDestroyedQP(c *C) {
	mem := hostmem.New(1024 * 1024)
	mem.AddProcess(testPID)
	mrs := mr.NewRegistry(mem)
	qps := qp.NewRegistry()
	port := &testPort{mac: testDst}

	addr, err := mem.Sbrk(testPID, 256)
	c.Assert(err, IsNil)
	mrID, err := mrs.Register(testPID, addr, 256, types.AccessRemoteWrite)
	c.Assert(err, IsNil)
	id, err := qps.Create(testPID, 4, 4)
	c.Assert(err, IsNil)

	tp := New(&teardownMem{Host: mem, qps: qps, qpID: id}, mrs, qps, port)

	hdr := Header{
		Opcode:     PktOpWrite,
		Flags:      PktFlagSignaled,
		SrcQP:      3,
		DstQP:      uint16(id),
		Seq:        1,
		RemoteMRID: mrID,
		Length:     16,
	}
	tp.HandleFrame(EncodeFrame(testDst, testSrc, &hdr, make([]byte, 16)), testSrc)

	// The pair vanished mid-receive: no completion remains and no ACK
	// goes out for a write nobody will ever see complete.
	c.Assert(len(port.sent), Equals, 0)
	qps.Lock()
	c.Assert(qps.Pair(id), IsNil)
	qps.Unlock()
}

func (s *TestSuite) TestReceiveWriteOutOfBounds(c *C) {
	h := newTestHost(testDst)
	addr := h.buffer(c, 256)
	mrID, err := h.mrs.Register(testPID, addr, 256, types.AccessRemoteWrite)
	c.Assert(err, IsNil)
	id, err := h.qps.Create(testPID, 4, 4)
	c.Assert(err, IsNil)

	// A remote address that is neither inside the region nor a bare
	// offset below its length.
	hdr := Header{
		Opcode:     PktOpWrite,
		SrcQP:      3,
		DstQP:      uint16(id),
		Seq:        1,
		RemoteMRID: mrID,
		RemoteAddr: 1 << 40,
		Length:     16,
	}
	h.tp.HandleFrame(EncodeFrame(testDst, testSrc, &hdr, make([]byte, 16)), testSrc)
	c.Assert(len(h.port.sent), Equals, 0)

	// A bare offset whose span runs past the end of the region.
	hdr.RemoteAddr = 250
	h.tp.HandleFrame(EncodeFrame(testDst, testSrc, &hdr, make([]byte, 16)), testSrc)
	c.Assert(len(h.port.sent), Equals, 0)
}

func (s *TestSuite) TestReceiveAck(c *C) {
	h := newTestHost(testSrc)
	id, err := h.qps.Create(testPID, 4, 4)
	c.Assert(err, IsNil)
	c.Assert(h.tp.Connect(testPID, id, testDst, 9), IsNil)

	h.qps.Lock()
	p := h.qps.Pair(id)
	c.Assert(p.RecordPending(1, 77), IsNil)
	p.Outstanding = 1
	h.qps.Unlock()

	hdr := Header{Opcode: PktOpAck, SrcQP: 9, DstQP: uint16(id), Seq: 1}
	ack := EncodeFrame(testSrc, testDst, &hdr, nil)
	h.tp.HandleFrame(ack, testDst)

	h.qps.Lock()
	comp, ok := p.PopCQ()
	c.Assert(ok, Equals, true)
	c.Assert(comp.WRID, Equals, uint64(77))
	c.Assert(comp.ByteLen, Equals, uint32(0))
	c.Assert(comp.Status, Equals, types.StatusSuccess)
	c.Assert(p.Outstanding, Equals, uint32(0))
	c.Assert(p.PendingCount(), Equals, 0)
	h.qps.Unlock()

	// The same ACK again matches nothing and posts nothing.
	h.tp.HandleFrame(ack, testDst)
	h.qps.Lock()
	c.Assert(p.CQLen(), Equals, uint32(0))
	c.Assert(p.Outstanding, Equals, uint32(0))
	h.qps.Unlock()
}

func (s *TestSuite) TestHandleFrameDrops(c *C) {
	h := newTestHost(testDst)

	// Garbage, an unhandled opcode, and a frame for a QP that does not
	// exist all vanish without transmitting anything.
	h.tp.HandleFrame([]byte{1, 2, 3}, testSrc)

	hdr := Header{Opcode: 0x7f, DstQP: 0, Seq: 1}
	h.tp.HandleFrame(EncodeFrame(testDst, testSrc, &hdr, nil), testSrc)

	hdr = Header{Opcode: PktOpWrite, DstQP: 9, Seq: 1, Length: 4}
	h.tp.HandleFrame(EncodeFrame(testDst, testSrc, &hdr, make([]byte, 4)), testSrc)

	hdr = Header{Opcode: PktOpAck, DstQP: 9, Seq: 1}
	h.tp.HandleFrame(EncodeFrame(testDst, testSrc, &hdr, nil), testSrc)

	c.Assert(len(h.port.sent), Equals, 0)
}

// Package transport implements the network side of the RDMA engine: the
// wire codec, per-QP sequence numbers, the pending-ACK table, and the QP
// connection state machine. Write completions on the sender are deferred
// until the matching ACK arrives.
//
// Network faults are invisible to callers: malformed frames, frames for
// unknown QPs, and unmatched ACKs are dropped without error. The only
// symptom is a completion that never arrives.
package transport

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ethrdma/ethrdma/pkg/metrics"
	"github.com/ethrdma/ethrdma/pkg/mr"
	"github.com/ethrdma/ethrdma/pkg/qp"
	"github.com/ethrdma/ethrdma/pkg/types"
	"github.com/ethrdma/ethrdma/pkg/util"
)

var log = logrus.WithFields(logrus.Fields{"pkg": "transport"})

// Transport drives the wire protocol for one host.
type Transport struct {
	mem types.Memory
	mrs *mr.Registry
	qps *qp.Registry
	nic types.NIC
}

func New(mem types.Memory, mrs *mr.Registry, qps *qp.Registry, nic types.NIC) *Transport {
	return &Transport{mem: mem, mrs: mrs, qps: qps, nic: nic}
}

// Connect stores the peer link-layer address and QP number, resets both
// sequence counters to 1, marks the pair as network mode, and advances the
// state machine to RTS. Valid only from INIT.
//
// A two-phase RTR/RTS handshake is the intended contract; collapsing it
// into one call is a simplification the state enum deliberately leaves
// room to undo.
func (t *Transport) Connect(pid, qpID int, peerMAC [6]byte, peerQP uint32) error {
	t.qps.Lock()
	defer t.qps.Unlock()

	p := t.qps.Pair(qpID)
	if p == nil {
		return errors.Wrapf(types.ErrNotFound, "QP %d", qpID)
	}
	if p.OwnerPID != pid {
		return errors.Wrapf(types.ErrPermissionDenied, "QP %d is not owned by pid %d", qpID, pid)
	}
	if p.State != types.StateInit {
		return errors.Wrapf(types.ErrNotReady, "QP %d is in state %v, connect requires INIT", qpID, p.State)
	}

	p.PeerMAC = peerMAC
	p.PeerQP = peerQP
	p.NetworkMode = true
	p.TxSeq = 1
	p.RxSeq = 1
	p.State = types.StateRTS

	log.Infof("QP %d connected to %s QP %d", qpID, util.FormatMAC(peerMAC), peerQP)
	return nil
}

// BuildWrite assembles the WRITE frame for a drained work request and, for
// signaled requests, records (seq, wr_id) in the pending-ACK table. The
// QP registry lock must be held; the caller transmits the returned frame
// only after all locks are released.
//
// wr.LocalOffset already holds the absolute physical source address, so
// the source MR is not consulted here.
func (t *Transport) BuildWrite(p *qp.Pair, wr types.WorkRequest) ([]byte, error) {
	payload, err := t.mem.PhysSlice(wr.LocalOffset, wr.Length)
	if err != nil {
		return nil, err
	}

	hdr := Header{
		Opcode:     PktOpWrite,
		SrcQP:      uint16(p.ID),
		DstQP:      uint16(p.PeerQP),
		Seq:        p.TxSeq,
		LocalMRID:  wr.LocalMRID,
		RemoteMRID: wr.RemoteMRID,
		RemoteAddr: wr.RemoteAddr,
		Length:     wr.Length,
		RemoteKey:  wr.RemoteKey,
	}
	if wr.Flags&types.WRSignaled != 0 {
		hdr.Flags |= PktFlagSignaled
		if err := p.RecordPending(p.TxSeq, wr.WRID); err != nil {
			return nil, err
		}
	}
	frame := EncodeFrame(p.PeerMAC, t.nic.LocalMAC(), &hdr, payload)
	p.TxSeq++

	log.Debugf("QP %d built WRITE seq=%d len=%d dst=%s", p.ID, hdr.Seq, hdr.Length, util.FormatMAC(p.PeerMAC))
	return frame, nil
}

// Transmit hands frames to the NIC. Must be called without any registry
// lock held: the simulated driver delivers frames synchronously, and the
// receive path takes the same locks.
func (t *Transport) Transmit(frames ...[]byte) {
	for _, frame := range frames {
		opcode := "unknown"
		if len(frame) > EthHeaderSize {
			switch frame[EthHeaderSize] {
			case PktOpWrite:
				opcode = "write"
			case PktOpAck:
				opcode = "ack"
			}
		}
		if err := t.nic.Transmit(frame); err != nil {
			log.WithError(err).Warnf("Failed to transmit %s frame", opcode)
			continue
		}
		metrics.FramesTxTotal.WithLabelValues(opcode).Inc()
	}
}

// HandleFrame is the driver receive callback. Malformed frames and frames
// addressed to invalid QPs are dropped silently.
func (t *Transport) HandleFrame(frame []byte, srcMAC [6]byte) {
	_, hdr, payload, err := DecodeFrame(frame)
	if err != nil {
		log.WithError(err).Debug("Dropping malformed frame")
		metrics.FramesRxTotal.WithLabelValues("malformed").Inc()
		return
	}

	switch hdr.Opcode {
	case PktOpWrite:
		t.receiveWrite(&hdr, payload, srcMAC)
	case PktOpAck:
		t.receiveAck(&hdr)
	default:
		log.Debugf("Dropping frame with unhandled opcode %#02x", hdr.Opcode)
		metrics.FramesRxTotal.WithLabelValues("unknown_opcode").Inc()
	}
}

// receiveWrite executes an inbound WRITE: permission check against the
// destination MR, payload copy into its physical span, a receiver-side
// completion, and an ACK back to the sender.
//
// The MR table is consulted between two QP critical sections so the
// MR-before-QP lock order holds.
func (t *Transport) receiveWrite(hdr *Header, payload []byte, srcMAC [6]byte) {
	t.qps.Lock()
	p := t.qps.Pair(int(hdr.DstQP))
	if p == nil {
		t.qps.Unlock()
		metrics.FramesRxTotal.WithLabelValues("no_qp").Inc()
		return
	}
	ownerPID := p.OwnerPID
	localQP := uint16(p.ID)
	if p.State == types.StateRTR {
		p.State = types.StateRTS
	}
	t.qps.Unlock()

	dst, err := t.mrs.Lookup(ownerPID, hdr.RemoteMRID)
	if err != nil {
		log.WithError(err).Debugf("Dropping WRITE for QP %d: bad destination MR %d", hdr.DstQP, hdr.RemoteMRID)
		metrics.FramesRxTotal.WithLabelValues("bad_mr").Inc()
		return
	}
	if dst.AccessFlags&types.AccessRemoteWrite == 0 {
		log.Debugf("Dropping WRITE for QP %d: MR %d does not allow remote write", hdr.DstQP, hdr.RemoteMRID)
		metrics.FramesRxTotal.WithLabelValues("denied").Inc()
		return
	}

	offset, ok := ResolveRemoteOffset(hdr.RemoteAddr, dst.Vaddr, dst.Length)
	if !ok || offset+uint64(hdr.Length) > dst.Length {
		log.Debugf("Dropping WRITE for QP %d: address %#x len %d outside MR %d",
			hdr.DstQP, hdr.RemoteAddr, hdr.Length, hdr.RemoteMRID)
		metrics.FramesRxTotal.WithLabelValues("bounds").Inc()
		return
	}

	window, err := t.mem.PhysSlice(dst.Paddr+offset, hdr.Length)
	if err != nil {
		metrics.FramesRxTotal.WithLabelValues("bounds").Inc()
		return
	}
	copy(window, payload[:hdr.Length])

	t.qps.Lock()
	// The pair may have been destroyed while the copy ran; the write is
	// then dropped like any other receive fault, without an ACK.
	p = t.qps.Pair(int(hdr.DstQP))
	if p == nil {
		t.qps.Unlock()
		metrics.FramesRxTotal.WithLabelValues("no_qp").Inc()
		return
	}
	p.RxSeq = hdr.Seq + 1
	if err := p.PushCQ(types.Completion{
		ByteLen: hdr.Length,
		Status:  types.StatusSuccess,
		Opcode:  types.OpWrite,
	}); err != nil {
		log.WithError(err).Warnf("Dropping receiver completion for QP %d", hdr.DstQP)
	}
	t.qps.Unlock()

	metrics.FramesRxTotal.WithLabelValues("write").Inc()
	t.transmitAck(localQP, hdr.SrcQP, hdr.Seq, srcMAC)
}

// receiveAck matches an ACK against the pending table and posts the
// sender-side completion carrying the original work request id.
func (t *Transport) receiveAck(hdr *Header) {
	t.qps.Lock()
	defer t.qps.Unlock()

	p := t.qps.Pair(int(hdr.DstQP))
	if p == nil {
		metrics.FramesRxTotal.WithLabelValues("no_qp").Inc()
		return
	}

	wrID, ok := p.CompletePending(hdr.Seq)
	if !ok {
		// Duplicate or stray ACK.
		log.Debugf("QP %d has no pending entry for ACK seq=%d", p.ID, hdr.Seq)
		metrics.FramesRxTotal.WithLabelValues("stray_ack").Inc()
		return
	}

	if err := p.PushCQ(types.Completion{
		WRID:    wrID,
		ByteLen: hdr.Length,
		Status:  types.StatusSuccess,
		Opcode:  types.OpWrite,
	}); err != nil {
		log.WithError(err).Warnf("Dropping sender completion for QP %d", p.ID)
	}
	if p.Outstanding > 0 {
		p.Outstanding--
	}
	metrics.FramesRxTotal.WithLabelValues("ack").Inc()
	metrics.AcksMatchedTotal.Inc()
}

// transmitAck sends an ACK echoing the WRITE sequence number back to the
// sending QP. No payload.
func (t *Transport) transmitAck(localQP, remoteQP uint16, seq uint32, dstMAC [6]byte) {
	hdr := Header{
		Opcode: PktOpAck,
		SrcQP:  localQP,
		DstQP:  remoteQP,
		Seq:    seq,
	}
	t.Transmit(EncodeFrame(dstMAC, t.nic.LocalMAC(), &hdr, nil))
}

// ResolveRemoteOffset disambiguates the remote address field: an address
// inside [vaddr, vaddr+length) is absolute, a value below length is a bare
// offset, anything else is invalid.
func ResolveRemoteOffset(remoteAddr, vaddr, length uint64) (uint64, bool) {
	switch {
	case remoteAddr >= vaddr && remoteAddr < vaddr+length:
		return remoteAddr - vaddr, true
	case remoteAddr < length:
		return remoteAddr, true
	default:
		return 0, false
	}
}

// Package engine implements the work-request execution engine and the
// full caller-facing surface of the RDMA core. Requests run to completion
// inline on the posting goroutine: post validates a request, copies it
// into the send ring with its source address already translated, and
// drains the ring immediately, either copying bytes locally (loopback) or
// handing frames to the transport (network mode).
package engine

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ethrdma/ethrdma/pkg/metrics"
	"github.com/ethrdma/ethrdma/pkg/mr"
	"github.com/ethrdma/ethrdma/pkg/qp"
	"github.com/ethrdma/ethrdma/pkg/transport"
	"github.com/ethrdma/ethrdma/pkg/types"
)

var log = logrus.WithFields(logrus.Fields{"pkg": "engine"})

// Engine ties the MR registry, the QP registry, and the transport
// together for one host.
type Engine struct {
	mem types.Memory
	mrs *mr.Registry
	qps *qp.Registry
	tp  *transport.Transport
}

// New builds an engine on top of the host memory services and a NIC.
func New(mem types.Memory, nic types.NIC) *Engine {
	mrs := mr.NewRegistry(mem)
	qps := qp.NewRegistry()
	return &Engine{
		mem: mem,
		mrs: mrs,
		qps: qps,
		tp:  transport.New(mem, mrs, qps, nic),
	}
}

// RegisterMR pins a span of the caller's address space.
func (e *Engine) RegisterMR(pid int, addr, length uint64, flags int) (uint32, error) {
	return e.mrs.Register(pid, addr, length, flags)
}

// DeregisterMR frees a memory region with no in-flight operations.
func (e *Engine) DeregisterMR(pid int, id uint32) error {
	return e.mrs.Deregister(pid, id)
}

// CreateQP allocates a queue pair in INIT state.
func (e *Engine) CreateQP(pid int, sqSize, cqSize uint32) (int, error) {
	return e.qps.Create(pid, sqSize, cqSize)
}

// DestroyQP frees a queue pair. Outstanding operations are logged, not
// awaited.
func (e *Engine) DestroyQP(pid, id int) error {
	return e.qps.Destroy(pid, id)
}

// Connect puts a queue pair into network mode, bound to a peer.
func (e *Engine) Connect(pid, qpID int, peerMAC [6]byte, peerQP uint32) error {
	return e.tp.Connect(pid, qpID, peerMAC, peerQP)
}

// HandleFrame is the driver receive callback for this host.
func (e *Engine) HandleFrame(frame []byte, srcMAC [6]byte) {
	e.tp.HandleFrame(frame, srcMAC)
}

// PostSend validates a work request, enqueues it, and drains the send
// ring inline. Locks alternate MR, QP, MR, QP so the MR-before-QP order
// holds throughout; frames are transmitted only after every lock is
// released, because the simulated driver delivers them synchronously.
func (e *Engine) PostSend(pid, qpID int, wr types.WorkRequest) error {
	if wr.Opcode != types.OpWrite {
		return errors.Wrapf(types.ErrInvalidArgument, "opcode %#02x has no execution path", wr.Opcode)
	}
	if wr.Length == 0 {
		return errors.Wrap(types.ErrInvalidArgument, "zero-length work request")
	}

	// MR phase: validate the source region, take an in-flight reference,
	// and translate the local offset to an absolute physical address so
	// later stages never need the MR again.
	src, err := e.mrs.Acquire(pid, wr.LocalMRID, wr.LocalOffset, wr.Length)
	if err != nil {
		return err
	}
	queued := wr
	queued.LocalOffset = src.Paddr + wr.LocalOffset

	// QP phase: validate the pair, enqueue, drain.
	e.qps.Lock()
	p := e.qps.Pair(qpID)
	if p == nil {
		e.qps.Unlock()
		e.mrs.Release(wr.LocalMRID)
		return errors.Wrapf(types.ErrNotFound, "QP %d", qpID)
	}
	if p.OwnerPID != pid {
		e.qps.Unlock()
		e.mrs.Release(wr.LocalMRID)
		return errors.Wrapf(types.ErrPermissionDenied, "QP %d is not owned by pid %d", qpID, pid)
	}
	switch p.State {
	case types.StateInit, types.StateRTR, types.StateRTS:
	default:
		e.qps.Unlock()
		e.mrs.Release(wr.LocalMRID)
		return errors.Wrapf(types.ErrNotReady, "QP %d is in state %v", qpID, p.State)
	}

	if err := p.PushSQ(queued); err != nil {
		p.StatsErrors++
		e.qps.Unlock()
		e.mrs.Release(wr.LocalMRID)
		return err
	}
	p.Outstanding++
	p.StatsSends++
	metrics.PostsTotal.Inc()

	ownerPID := p.OwnerPID
	network := p.NetworkMode && p.State == types.StateRTS

	var (
		frames    [][]byte            // built frames, transmitted after unlock
		local     []types.WorkRequest // loopback requests, executed after unlock
		processed []uint32            // source MR ids whose reference is done
		failed    []completionResult  // completions for build failures
	)
	for {
		w, ok := p.PopSQ()
		if !ok {
			break
		}
		if network {
			frame, err := e.tp.BuildWrite(p, w)
			if err != nil {
				log.WithError(err).Warnf("QP %d failed to build WRITE for wr %d", qpID, w.WRID)
				failed = append(failed, completionResult{
					Completion: types.Completion{
						WRID:   w.WRID,
						Status: types.StatusLocalProtectionError,
						Opcode: w.Opcode,
					},
					Flagged: w.Flags & types.WRSignaled,
				})
				processed = append(processed, w.LocalMRID)
				continue
			}
			frames = append(frames, frame)
			processed = append(processed, w.LocalMRID)
			if w.Flags&types.WRSignaled == 0 {
				// Nothing to ACK; the operation ends at transmit.
				if p.Outstanding > 0 {
					p.Outstanding--
				}
			}
		} else {
			local = append(local, w)
		}
	}
	e.qps.Unlock()

	// Second MR phase: loopback copies and reference release.
	var results []completionResult
	for _, w := range local {
		results = append(results, e.executeLocal(ownerPID, w))
		processed = append(processed, w.LocalMRID)
	}
	e.mrs.ReleaseAll(processed)

	// Second QP phase: post loopback completions.
	results = append(results, failed...)
	if len(results) > 0 {
		e.qps.Lock()
		// The pair may have been destroyed by another goroutine while the
		// copies ran.
		if p = e.qps.Pair(qpID); p != nil {
			for _, c := range results {
				if p.Outstanding > 0 {
					p.Outstanding--
				}
				if c.Status == types.StatusSuccess && c.Flagged == 0 {
					continue
				}
				if err := p.PushCQ(c.Completion); err != nil {
					log.WithError(err).Warnf("Dropping completion for QP %d wr %d", qpID, c.WRID)
				}
			}
		}
		e.qps.Unlock()
	}

	e.tp.Transmit(frames...)
	return nil
}

// PollCQ drains up to max completions and updates the per-QP success and
// error counters.
func (e *Engine) PollCQ(pid, qpID, max int) ([]types.Completion, error) {
	if max <= 0 {
		return nil, errors.Wrapf(types.ErrInvalidArgument, "max %d", max)
	}

	e.qps.Lock()
	defer e.qps.Unlock()

	p := e.qps.Pair(qpID)
	if p == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "QP %d", qpID)
	}
	if p.OwnerPID != pid {
		return nil, errors.Wrapf(types.ErrPermissionDenied, "QP %d is not owned by pid %d", qpID, pid)
	}

	var out []types.Completion
	for len(out) < max {
		c, ok := p.PopCQ()
		if !ok {
			break
		}
		if c.Status == types.StatusSuccess {
			p.StatsCompletions++
		} else {
			p.StatsErrors++
		}
		metrics.CompletionsTotal.WithLabelValues(types.StatusString(c.Status)).Inc()
		out = append(out, c)
	}
	return out, nil
}

// executeLocal performs a loopback write: resolve the destination MR,
// check the remote-write permission, disambiguate the remote address, and
// copy between the cached physical spans.
func (e *Engine) executeLocal(pid int, w types.WorkRequest) completionResult {
	fail := func(status uint8) completionResult {
		return completionResult{
			Completion: types.Completion{WRID: w.WRID, Status: status, Opcode: w.Opcode},
			Flagged:    w.Flags & types.WRSignaled,
		}
	}

	dst, err := e.mrs.Lookup(pid, w.RemoteMRID)
	if err != nil {
		return fail(types.StatusLocalProtectionError)
	}
	if dst.AccessFlags&types.AccessRemoteWrite == 0 {
		return fail(types.StatusRemoteAccessError)
	}

	offset, ok := transport.ResolveRemoteOffset(w.RemoteAddr, dst.Vaddr, dst.Length)
	if !ok || offset+uint64(w.Length) > dst.Length {
		return fail(types.StatusRemoteInvalidRequest)
	}

	srcWindow, err := e.mem.PhysSlice(w.LocalOffset, w.Length)
	if err != nil {
		return fail(types.StatusLocalLengthError)
	}
	dstWindow, err := e.mem.PhysSlice(dst.Paddr+offset, w.Length)
	if err != nil {
		return fail(types.StatusRemoteInvalidRequest)
	}
	copy(dstWindow, srcWindow)

	return completionResult{
		Completion: types.Completion{
			WRID:    w.WRID,
			ByteLen: w.Length,
			Status:  types.StatusSuccess,
			Opcode:  w.Opcode,
		},
		Flagged: w.Flags & types.WRSignaled,
	}
}

// completionResult pairs a completion with the signaled flag of the work
// request that produced it; unsignaled successes post no CQE.
type completionResult struct {
	types.Completion
	Flagged uint8
}

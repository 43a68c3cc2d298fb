package qp

import (
	"github.com/pkg/errors"

	"github.com/ethrdma/ethrdma/pkg/types"
)

// Ring accessors. Head and tail are taken modulo the ring size; a ring is
// empty iff head == tail and full iff advancing the tail by one would
// land on the head. All of these assume the registry lock is held.

// PushSQ appends a work request at the send queue tail.
func (p *Pair) PushSQ(wr types.WorkRequest) error {
	next := (p.sqTail + 1) % p.sqSize
	if next == p.sqHead {
		return errors.Wrapf(types.ErrResourceExhausted, "QP %d send queue is full", p.ID)
	}
	p.sq[p.sqTail] = wr
	p.sqTail = next
	return nil
}

// PopSQ drains one work request from the send queue head.
func (p *Pair) PopSQ() (types.WorkRequest, bool) {
	if p.sqHead == p.sqTail {
		return types.WorkRequest{}, false
	}
	wr := p.sq[p.sqHead]
	p.sqHead = (p.sqHead + 1) % p.sqSize
	return wr, true
}

// PushCQ appends a completion at the completion queue tail.
func (p *Pair) PushCQ(c types.Completion) error {
	next := (p.cqTail + 1) % p.cqSize
	if next == p.cqHead {
		return errors.Wrapf(types.ErrResourceExhausted, "QP %d completion queue is full", p.ID)
	}
	p.cq[p.cqTail] = c
	p.cqTail = next
	return nil
}

// PopCQ drains one completion from the completion queue head.
func (p *Pair) PopCQ() (types.Completion, bool) {
	if p.cqHead == p.cqTail {
		return types.Completion{}, false
	}
	c := p.cq[p.cqHead]
	p.cqHead = (p.cqHead + 1) % p.cqSize
	return c, true
}

// SQLen reports the number of queued work requests.
func (p *Pair) SQLen() uint32 {
	return (p.sqTail + p.sqSize - p.sqHead) % p.sqSize
}

// CQLen reports the number of unpolled completions.
func (p *Pair) CQLen() uint32 {
	return (p.cqTail + p.cqSize - p.cqHead) % p.cqSize
}

// RecordPending stores (seq, wrID) in the first free pending-ACK slot.
func (p *Pair) RecordPending(seq uint32, wrID uint64) error {
	for i := range p.Pending {
		if !p.Pending[i].Valid {
			p.Pending[i] = PendingAck{Seq: seq, WRID: wrID, Valid: true}
			return nil
		}
	}
	return errors.Wrapf(types.ErrResourceExhausted, "QP %d pending-ACK table is full", p.ID)
}

// CompletePending matches an ACK sequence number against the pending
// table. On a match the slot is freed and the recorded work request id
// returned; a duplicate ACK matches nothing.
func (p *Pair) CompletePending(seq uint32) (uint64, bool) {
	for i := range p.Pending {
		if p.Pending[i].Valid && p.Pending[i].Seq == seq {
			wrID := p.Pending[i].WRID
			p.Pending[i] = PendingAck{}
			return wrID, true
		}
	}
	return 0, false
}

// PendingCount reports in-use pending-ACK slots.
func (p *Pair) PendingCount() int {
	n := 0
	for i := range p.Pending {
		if p.Pending[i].Valid {
			n++
		}
	}
	return n
}

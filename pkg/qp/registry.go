// Package qp implements the queue pair registry: a fixed table of
// bidirectional channels, each pairing a send ring of work requests with a
// completion ring, plus the connection state used in network mode.
package qp

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ethrdma/ethrdma/pkg/types"
	"github.com/ethrdma/ethrdma/pkg/util"
)

// PendingAck tracks one transmitted, signaled write awaiting its ACK.
type PendingAck struct {
	Seq   uint32
	WRID  uint64
	Valid bool
}

// Pair is one queue pair. All fields are protected by the registry lock;
// the execution engine and the transport access a Pair only between
// Registry.Lock and Registry.Unlock.
type Pair struct {
	ID       int
	OwnerPID int

	sq     []types.WorkRequest
	sqHead uint32
	sqTail uint32
	sqSize uint32

	cq     []types.Completion
	cqHead uint32
	cqTail uint32
	cqSize uint32

	State       types.QPState
	Outstanding uint32

	// Network mode connection state.
	NetworkMode bool
	PeerMAC     [6]byte
	PeerQP      uint32
	TxSeq       uint32
	RxSeq       uint32
	Pending     [types.MaxPendingAcks]PendingAck

	StatsSends       uint32
	StatsCompletions uint32
	StatsErrors      uint32

	valid bool
}

// Registry owns the QP table under one coarse lock. The lock also covers
// everything reachable from a Pair: rings, pending-ACK table, counters.
// When an operation needs both registries, the MR lock is taken first.
type Registry struct {
	mu    sync.Mutex
	table [types.MaxQPs]Pair
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Lock takes the table lock. Raw Pair access by the execution engine and
// the transport happens inside Lock/Unlock.
func (r *Registry) Lock() { r.mu.Lock() }

// Unlock releases the table lock.
func (r *Registry) Unlock() { r.mu.Unlock() }

// Pair returns the table entry for id, or nil if the id is out of range
// or the slot is free. The registry lock must be held.
func (r *Registry) Pair(id int) *Pair {
	if id < 0 || id >= types.MaxQPs {
		return nil
	}
	p := &r.table[id]
	if !p.valid {
		return nil
	}
	return p
}

// Create allocates a queue pair with freshly zeroed rings. Both sizes must
// be non-zero powers of two and small enough that the ring fits within one
// page of storage. The new pair starts in INIT state.
func (r *Registry) Create(pid int, sqSize, cqSize uint32) (int, error) {
	if !util.IsPowerOfTwo(sqSize) || !util.IsPowerOfTwo(cqSize) {
		return -1, errors.Wrapf(types.ErrInvalidArgument,
			"queue sizes must be powers of two, got sq=%d cq=%d", sqSize, cqSize)
	}
	if sqSize > types.MaxSQEntries || cqSize > types.MaxCQEntries {
		return -1, errors.Wrapf(types.ErrInvalidArgument,
			"queue sizes sq=%d cq=%d exceed one page of ring storage", sqSize, cqSize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var p *Pair
	id := -1
	for i := range r.table {
		if !r.table[i].valid {
			p = &r.table[i]
			id = i
			break
		}
	}
	if p == nil {
		return -1, errors.Wrap(types.ErrResourceExhausted, "no free QP slots")
	}

	*p = Pair{
		ID:       id,
		OwnerPID: pid,
		sq:       make([]types.WorkRequest, sqSize),
		sqSize:   sqSize,
		cq:       make([]types.Completion, cqSize),
		cqSize:   cqSize,
		State:    types.StateInit,
		valid:    true,
	}

	logrus.Infof("Created QP %d for pid %d (sq=%d cq=%d)", id, pid, sqSize, cqSize)
	return id, nil
}

// Destroy frees a queue pair and its ring storage. Outstanding operations
// are logged, not awaited.
func (r *Registry) Destroy(pid int, id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id < 0 || id >= types.MaxQPs {
		return errors.Wrapf(types.ErrInvalidArgument, "QP id %d", id)
	}
	p := &r.table[id]
	if !p.valid {
		return errors.Wrapf(types.ErrNotFound, "QP %d", id)
	}
	if p.OwnerPID != pid {
		return errors.Wrapf(types.ErrPermissionDenied, "QP %d is not owned by pid %d", id, pid)
	}

	if p.Outstanding > 0 {
		logrus.Warnf("Destroying QP %d with %d outstanding operations", id, p.Outstanding)
	}
	logrus.Infof("Destroying QP %d (sends=%d completions=%d errors=%d)",
		id, p.StatsSends, p.StatsCompletions, p.StatsErrors)

	*p = Pair{}
	return nil
}

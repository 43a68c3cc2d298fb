// Package mr implements the memory region registry: a fixed table of
// registered, permission-tagged spans of process address space.
package mr

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ethrdma/ethrdma/pkg/types"
)

// Region is one registered memory region. IDs are 1-based; 0 is invalid.
// LKey and RKey are simplified to equal the ID.
type Region struct {
	ID          uint32
	AccessFlags int
	Vaddr       uint64
	Paddr       uint64
	Length      uint64
	LKey        uint32
	RKey        uint32

	ownerPID int
	refcount int
	valid    bool
}

// OwnerPID returns the registering process.
func (r *Region) OwnerPID() int {
	return r.ownerPID
}

// InFlight reports the reference count carried by this snapshot.
func (r Region) InFlight() int {
	return r.refcount
}

// Registry owns the MR table. One coarse lock protects the whole table;
// it is always taken before the QP registry lock when an operation needs
// both.
type Registry struct {
	mu    sync.Mutex
	mem   types.Memory
	table [types.MaxMRs]Region
}

func NewRegistry(mem types.Memory) *Registry {
	return &Registry{mem: mem}
}

// Register validates and pins a span of the caller's address space. The
// span must lie within the caller's address-space bound and must not cross
// a page boundary; multi-page regions are rejected, not segmented. The
// virtual address is translated once and the physical address cached.
func (r *Registry) Register(pid int, addr, length uint64, flags int) (uint32, error) {
	if addr == 0 || length == 0 {
		return 0, errors.Wrap(types.ErrInvalidArgument, "zero address or length")
	}

	// The comparisons are ordered so addr+length cannot wrap around 64 bits.
	if bound := r.mem.AddressSpaceSize(pid); addr >= bound || length > bound || addr > bound-length {
		return 0, errors.Wrapf(types.ErrOutOfBounds,
			"span %#x+%d outside address space of %d bytes", addr, length, bound)
	}

	startPage := addr &^ uint64(types.PageSize-1)
	endPage := (addr + length - 1) &^ uint64(types.PageSize-1)
	if startPage != endPage {
		return 0, errors.Wrapf(types.ErrOutOfBounds,
			"span %#x+%d crosses a page boundary", addr, length)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var region *Region
	var id uint32
	for i := range r.table {
		if !r.table[i].valid {
			region = &r.table[i]
			id = uint32(i + 1)
			break
		}
	}
	if region == nil {
		return 0, errors.Wrap(types.ErrResourceExhausted, "no free MR slots")
	}

	paddr, err := r.mem.Translate(pid, addr)
	if err != nil {
		return 0, err
	}

	*region = Region{
		ID:          id,
		AccessFlags: flags,
		Vaddr:       addr,
		Paddr:       paddr,
		Length:      length,
		LKey:        id,
		RKey:        id,
		ownerPID:    pid,
		valid:       true,
	}

	logrus.Infof("Registered MR %d for pid %d: vaddr=%#x paddr=%#x len=%d flags=%#x",
		id, pid, addr, paddr, length, flags)
	return id, nil
}

// Deregister frees an MR slot. Fails if the region is unknown, not owned
// by the caller, or still referenced by in-flight work requests.
func (r *Registry) Deregister(pid int, id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	region, err := r.lookupLocked(pid, id)
	if err != nil {
		return err
	}
	if region.refcount > 0 {
		return errors.Wrapf(types.ErrResourceExhausted,
			"MR %d has %d in-flight operations", id, region.refcount)
	}

	*region = Region{}
	logrus.Infof("Deregistered MR %d for pid %d", id, pid)
	return nil
}

// Lookup returns a snapshot of the region, only if it is valid and owned
// by pid. This ownership check is the sole access-control mechanism.
func (r *Registry) Lookup(pid int, id uint32) (Region, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	region, err := r.lookupLocked(pid, id)
	if err != nil {
		return Region{}, err
	}
	return *region, nil
}

// Acquire bounds-checks offset+length against the region and takes one
// in-flight reference. The returned snapshot carries the cached physical
// base so callers never need the table again for this operation.
func (r *Registry) Acquire(pid int, id uint32, offset uint64, length uint32) (Region, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	region, err := r.lookupLocked(pid, id)
	if err != nil {
		return Region{}, err
	}
	if offset > region.Length || uint64(length) > region.Length-offset {
		return Region{}, errors.Wrapf(types.ErrOutOfBounds,
			"offset %d + length %d exceeds MR %d of %d bytes", offset, length, id, region.Length)
	}

	region.refcount++
	return *region, nil
}

// Release drops one in-flight reference. Safe against regions that were
// torn down in the meantime.
func (r *Registry) Release(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id < 1 || id > types.MaxMRs {
		return
	}
	region := &r.table[id-1]
	if region.valid && region.refcount > 0 {
		region.refcount--
	}
}

// ReleaseAll drops one reference per listed id, in one critical section.
func (r *Registry) ReleaseAll(ids []uint32) {
	if len(ids) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if id < 1 || id > types.MaxMRs {
			continue
		}
		region := &r.table[id-1]
		if region.valid && region.refcount > 0 {
			region.refcount--
		}
	}
}

// Refcount reports the current in-flight reference count, for status
// reporting.
func (r *Registry) Refcount(id uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 1 || id > types.MaxMRs || !r.table[id-1].valid {
		return 0
	}
	return r.table[id-1].refcount
}

// List snapshots the regions owned by pid, for status reporting.
func (r *Registry) List(pid int) []Region {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Region
	for i := range r.table {
		if r.table[i].valid && r.table[i].ownerPID == pid {
			out = append(out, r.table[i])
		}
	}
	return out
}

func (r *Registry) lookupLocked(pid int, id uint32) (*Region, error) {
	if id < 1 || id > types.MaxMRs {
		return nil, errors.Wrapf(types.ErrInvalidArgument, "MR id %d", id)
	}
	region := &r.table[id-1]
	if !region.valid {
		return nil, errors.Wrapf(types.ErrNotFound, "MR %d", id)
	}
	if region.ownerPID != pid {
		return nil, errors.Wrapf(types.ErrPermissionDenied, "MR %d is not owned by pid %d", id, pid)
	}
	return region, nil
}

// Package hostmem simulates the host memory services the RDMA engine
// consumes: a physical byte arena carved into pages, per-process page
// tables with sbrk-style growth, and virtual to physical translation.
package hostmem

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ethrdma/ethrdma/pkg/types"
)

const pageMask = types.PageSize - 1

type process struct {
	// vpage -> physical page base
	pages map[uint64]uint64
	// size is the address-space bound; virtual addresses grow from
	// PageSize upward so that 0 stays an invalid pointer.
	size uint64
}

// Host owns a physical memory arena and the page tables of its processes.
type Host struct {
	mu    sync.Mutex
	phys  []byte
	free  []uint64
	procs map[int]*process
}

// New creates a host with the given amount of physical memory, rounded
// down to whole pages.
func New(physBytes int) *Host {
	npages := physBytes / types.PageSize
	h := &Host{
		phys:  make([]byte, npages*types.PageSize),
		procs: map[int]*process{},
	}
	// Keep physical page 0 out of circulation so paddr 0 never appears.
	for i := npages - 1; i >= 1; i-- {
		h.free = append(h.free, uint64(i*types.PageSize))
	}
	return h
}

// AddProcess creates an empty address space for pid.
func (h *Host) AddProcess(pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.procs[pid]; ok {
		return
	}
	h.procs[pid] = &process{
		pages: map[uint64]uint64{},
		size:  types.PageSize,
	}
}

// Sbrk grows the process address space by n bytes, mapping zeroed pages,
// and returns the previous break.
func (h *Host) Sbrk(pid int, n uint64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.procs[pid]
	if !ok {
		return 0, errors.Wrapf(types.ErrNotFound, "no process %d", pid)
	}

	oldSize := p.size
	newSize := (oldSize + n + pageMask) &^ uint64(pageMask)
	for va := oldSize; va < newSize; va += types.PageSize {
		pa, err := h.allocPageLocked()
		if err != nil {
			return 0, err
		}
		p.pages[va] = pa
	}
	p.size = newSize
	return oldSize, nil
}

// Translate resolves a virtual address to a physical one.
func (h *Host) Translate(pid int, vaddr uint64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.procs[pid]
	if !ok {
		return 0, errors.Wrapf(types.ErrNotFound, "no process %d", pid)
	}
	pa, ok := p.pages[vaddr&^uint64(pageMask)]
	if !ok {
		return 0, errors.Wrapf(types.ErrNotMapped, "pid %d vaddr %#x", pid, vaddr)
	}
	return pa | (vaddr & pageMask), nil
}

// AddressSpaceSize returns the process break, or 0 for unknown processes.
func (h *Host) AddressSpaceSize(pid int) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.procs[pid]
	if !ok {
		return 0
	}
	return p.size
}

// PhysSlice returns a window over physical memory. The window never
// crosses the end of the arena.
func (h *Host) PhysSlice(paddr uint64, length uint32) ([]byte, error) {
	if paddr == 0 || paddr+uint64(length) > uint64(len(h.phys)) {
		return nil, errors.Wrapf(types.ErrOutOfBounds,
			"phys window %#x+%d outside arena of %d bytes", paddr, length, len(h.phys))
	}
	return h.phys[paddr : paddr+uint64(length)], nil
}

// WriteUser copies data into the process address space through the page
// table, one page at a time.
func (h *Host) WriteUser(pid int, vaddr uint64, data []byte) error {
	for len(data) > 0 {
		pa, err := h.Translate(pid, vaddr)
		if err != nil {
			return err
		}
		n := types.PageSize - int(vaddr&pageMask)
		if n > len(data) {
			n = len(data)
		}
		dst, err := h.PhysSlice(pa, uint32(n))
		if err != nil {
			return err
		}
		copy(dst, data[:n])
		vaddr += uint64(n)
		data = data[n:]
	}
	return nil
}

// ReadUser copies data out of the process address space.
func (h *Host) ReadUser(pid int, vaddr uint64, data []byte) error {
	for len(data) > 0 {
		pa, err := h.Translate(pid, vaddr)
		if err != nil {
			return err
		}
		n := types.PageSize - int(vaddr&pageMask)
		if n > len(data) {
			n = len(data)
		}
		src, err := h.PhysSlice(pa, uint32(n))
		if err != nil {
			return err
		}
		copy(data[:n], src)
		vaddr += uint64(n)
		data = data[n:]
	}
	return nil
}

func (h *Host) allocPageLocked() (uint64, error) {
	if len(h.free) == 0 {
		logrus.Warn("Host is out of physical pages")
		return 0, errors.Wrap(types.ErrResourceExhausted, "no free pages")
	}
	pa := h.free[len(h.free)-1]
	h.free = h.free[:len(h.free)-1]
	for i := range h.phys[pa : pa+types.PageSize] {
		h.phys[pa+uint64(i)] = 0
	}
	return pa, nil
}

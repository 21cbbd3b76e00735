// Package wcid tracks which wireless client ids are bound to peers.
//
// Index allocation is serialized by a mutex over the occupancy mask; the
// per-slot bindings are atomic pointers so the RX and TX status paths can
// look a peer up without taking the lock.
package wcid

import (
	"bytes"
	"fmt"
	"math/bits"
	"net"
	"sync"
	"sync/atomic"
)

const (
	// Count is the number of hardware wcid slots
	Count = 128

	// GroupSlots are reserved at the top of the table for group traffic
	GroupSlots = 2

	// MaxPeer is the highest index Alloc hands out
	MaxPeer = Count - GroupSlots - 1
)

// Entry is the peer bound to a wcid
type Entry struct {
	Index uint8
	Addr  net.HardwareAddr
	VIF   uint8
	Group bool
}

func (e *Entry) String() string {
	kind := "peer"
	if e.Group {
		kind = "group"
	}
	return fmt.Sprintf("%s wcid %d vif %d %s", kind, e.Index, e.VIF, e.Addr)
}

// Table is the wcid occupancy table
type Table struct {
	mu    sync.Mutex
	mask  [Count / 64]uint64
	slots [Count]atomic.Pointer[Entry]
}

// New returns an empty table
func New() *Table {
	return &Table{}
}

// GroupIndex returns the reserved index for vif's group traffic
func GroupIndex(vif uint8) (uint8, error) {
	if vif >= GroupSlots {
		return 0, fmt.Errorf("%w: group slot for vif %d", ErrInvalidIndex, vif)
	}
	return MaxPeer + 1 + vif, nil
}

func (t *Table) isSet(idx uint8) bool {
	return t.mask[idx/64]&(1<<(idx%64)) != 0
}

func (t *Table) set(idx uint8) {
	t.mask[idx/64] |= 1 << (idx % 64)
}

func (t *Table) unset(idx uint8) {
	t.mask[idx/64] &^= 1 << (idx % 64)
}

// Alloc binds addr on vif to the lowest free peer index
func (t *Table) Alloc(addr net.HardwareAddr, vif uint8) (uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocLocked(addr, vif)
}

// AllocUnique is Alloc that fails with ErrInUse if addr already has a peer
// index on vif. The check and the allocation happen under one lock.
func (t *Table) AllocUnique(addr net.HardwareAddr, vif uint8) (uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.Find(addr, vif); e != nil {
		return 0, fmt.Errorf("%w: %s already bound to wcid %d", ErrInUse, addr, e.Index)
	}
	return t.allocLocked(addr, vif)
}

func (t *Table) allocLocked(addr net.HardwareAddr, vif uint8) (uint8, error) {
	for w := range t.mask {
		free := ^t.mask[w]
		if free == 0 {
			continue
		}
		idx := w*64 + bits.TrailingZeros64(free)
		if idx > MaxPeer {
			break
		}
		i := uint8(idx)
		t.set(i)
		t.slots[i].Store(&Entry{Index: i, Addr: cloneAddr(addr), VIF: vif})
		return i, nil
	}
	return 0, ErrFull
}

// Bind claims a specific index, which may be a group slot
func (t *Table) Bind(idx uint8, addr net.HardwareAddr, vif uint8) error {
	if int(idx) >= Count {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, idx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isSet(idx) {
		return fmt.Errorf("%w: wcid %d", ErrInUse, idx)
	}
	t.set(idx)
	t.slots[idx].Store(&Entry{Index: idx, Addr: cloneAddr(addr), VIF: vif, Group: idx > MaxPeer})
	return nil
}

// Release frees idx
func (t *Table) Release(idx uint8) error {
	if int(idx) >= Count {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, idx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isSet(idx) {
		return fmt.Errorf("%w: wcid %d is free", ErrInvalidIndex, idx)
	}
	t.slots[idx].Store(nil)
	t.unset(idx)
	return nil
}

// Lookup returns the entry bound to idx, or nil
func (t *Table) Lookup(idx uint8) *Entry {
	if int(idx) >= Count {
		return nil
	}
	return t.slots[idx].Load()
}

// Find returns the peer entry for addr on vif, or nil
func (t *Table) Find(addr net.HardwareAddr, vif uint8) *Entry {
	for i := range t.slots {
		if e := t.slots[i].Load(); e != nil && e.VIF == vif && !e.Group && bytes.Equal(e.Addr, addr) {
			return e
		}
	}
	return nil
}

// Used returns the number of bound indices
func (t *Table) Used() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, w := range t.mask {
		n += bits.OnesCount64(w)
	}
	return n
}

// Entries returns the bound entries in index order
func (t *Table) Entries() []*Entry {
	var out []*Entry
	for i := range t.slots {
		if e := t.slots[i].Load(); e != nil {
			out = append(out, e)
		}
	}
	return out
}

func cloneAddr(a net.HardwareAddr) net.HardwareAddr {
	return append(net.HardwareAddr(nil), a...)
}

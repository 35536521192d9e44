// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrOutOfMemory is returned when the arena cannot satisfy an allocation.
var ErrOutOfMemory = errors.New("hw: out of dma memory")

// Mem is one allocation out of the arena.  Addr is the bus address the
// DMA engine uses; B is the same memory as seen by software.
type Mem struct {
	Addr uint32
	B    []byte
}

func (m Mem) IsNil() bool { return m.B == nil }

type span struct {
	off, len uint32
}

// Arena is a slab of DMA-visible memory.  Bus address 0 is never handed
// out so it can mean "no buffer".
type Arena struct {
	mu    sync.Mutex
	slab  []byte
	free  []span // sorted by offset, coalesced
	rings map[uint32][]BD
}

// NewArena makes an arena of the given size in bytes.
func NewArena(size uint32) *Arena {
	a := &Arena{
		slab:  make([]byte, size),
		rings: make(map[uint32][]BD),
	}
	// Skip address 0.
	a.free = []span{{off: 8, len: size - 8}}
	return a
}

// Alloc carves n bytes out of the arena, 8 byte aligned.
func (a *Arena) Alloc(n uint32) (Mem, error) {
	n = (n + 7) &^ 7
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, s := range a.free {
		if s.len < n {
			continue
		}
		m := Mem{Addr: s.off, B: a.slab[s.off : s.off+n : s.off+n]}
		if s.len == n {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = span{off: s.off + n, len: s.len - n}
		}
		return m, nil
	}
	return Mem{}, ErrOutOfMemory
}

// Free returns an allocation to the arena, merging adjacent spans.
func (a *Arena) Free(m Mem) {
	if m.IsNil() {
		return
	}
	s := span{off: m.Addr, len: uint32(cap(m.B))}
	a.mu.Lock()
	defer a.mu.Unlock()
	i := 0
	for i < len(a.free) && a.free[i].off < s.off {
		i++
	}
	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = s
	// Coalesce with neighbors.
	if i+1 < len(a.free) && s.off+s.len == a.free[i+1].off {
		a.free[i].len += a.free[i+1].len
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].off+a.free[i-1].len == a.free[i].off {
		a.free[i-1].len += a.free[i].len
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// Bytes gives the DMA engine's view of arena memory at a bus address.
func (a *Arena) Bytes(addr, n uint32) []byte {
	if addr == 0 || uint64(addr)+uint64(n) > uint64(len(a.slab)) {
		panic(fmt.Errorf("hw: bad dma address 0x%x+%d", addr, n))
	}
	return a.slab[addr : addr+n : addr+n]
}

// BD is one buffer descriptor: an ownership/status word packed with the
// data length, and the bus address of the buffer.  Both sides access it
// atomically; the driver must write bufptr before releasing lstatus.
type BD struct {
	lstatus uint32 // status<<16 | length
	bufptr  uint32
}

func (d *BD) Load() (status, length uint16) {
	ls := atomic.LoadUint32(&d.lstatus)
	return uint16(ls >> 16), uint16(ls)
}

// Store publishes status and length.  When status grants ownership to
// hardware this is the release store: SetBuf must already have
// happened.
func (d *BD) Store(status, length uint16) {
	atomic.StoreUint32(&d.lstatus, uint32(status)<<16|uint32(length))
}

func (d *BD) SetBuf(addr uint32) { atomic.StoreUint32(&d.bufptr, addr) }
func (d *BD) Buf() uint32        { return atomic.LoadUint32(&d.bufptr) }

// AllocRing allocates a descriptor ring of n BDs.  The ring is
// registered under its bus address so the device model can find it.
func (a *Arena) AllocRing(n uint32) (bds []BD, base uint32, err error) {
	m, err := a.Alloc(n * 8)
	if err != nil {
		return nil, 0, err
	}
	bds = make([]BD, n)
	a.mu.Lock()
	a.rings[m.Addr] = bds
	a.mu.Unlock()
	return bds, m.Addr, nil
}

// FreeRing drops the ring registered at base.
func (a *Arena) FreeRing(base uint32) {
	a.mu.Lock()
	bds, ok := a.rings[base]
	delete(a.rings, base)
	a.mu.Unlock()
	if ok {
		sz := uint32(len(bds)) * 8
		a.Free(Mem{Addr: base, B: a.slab[base : base+sz : base+sz]})
	}
}

// Ring is the DMA engine's view of a descriptor ring.
func (a *Arena) Ring(base uint32) []BD {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rings[base]
}

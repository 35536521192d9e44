// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bufpool

import (
	"fmt"
	"sync"

	"github.com/platinasystems/etsec/hw"
)

// Config sizes a Pool.
type Config struct {
	// BufferSize is the usable receive buffer size; each buffer gets
	// Align extra bytes of slack so the data pointer can be aligned.
	BufferSize uint32
	Align      uint32

	// Lanes is the number of local free lists.  Each concurrently
	// executing context (group cleanup worker, submitter) owns one
	// lane; lane operations never contend with other lanes.
	Lanes int

	// LocalMax bounds each local list; beyond it buffers spill to the
	// global list or back to the allocator.
	LocalMax int
}

type lane struct {
	mu   sync.Mutex // stands in for running non-preemptible on one cpu
	q    []*Buffer
	gets uint64
	puts uint64
}

// Pool recycles Buffers.  Get and Put work on the caller's local lane
// without touching shared state; the single global overflow list is the
// only cross-lane handoff point and its lock is held only for an O(1)
// list exchange, never across allocation.
type Pool struct {
	cfg   Config
	arena *hw.Arena
	lanes []lane

	gmu    sync.Mutex
	global []*Buffer

	// newBuf may be replaced by tests to model allocation failure.
	newBuf func() (*Buffer, error)

	stats struct {
		sync.Mutex
		allocSwaps uint64
		freeSwaps  uint64
		allocs     uint64
		frees      uint64
	}
}

// New builds a pool drawing buffer memory from arena.
func New(arena *hw.Arena, cfg Config) (*Pool, error) {
	if cfg.Lanes <= 0 || cfg.BufferSize == 0 {
		return nil, fmt.Errorf("bufpool: bad config %+v", cfg)
	}
	if cfg.LocalMax <= 0 {
		cfg.LocalMax = 64
	}
	p := &Pool{cfg: cfg, arena: arena, lanes: make([]lane, cfg.Lanes)}
	p.newBuf = p.allocBuf
	return p, nil
}

// Teardown frees every idle buffer back to the arena.  Buffers still
// owned by ring slots or the upper stack are the owner's problem.
func (p *Pool) Teardown() {
	for i := range p.lanes {
		l := &p.lanes[i]
		l.mu.Lock()
		q := l.q
		l.q = nil
		l.mu.Unlock()
		for _, b := range q {
			p.arena.Free(b.mem)
		}
	}
	p.gmu.Lock()
	q := p.global
	p.global = nil
	p.gmu.Unlock()
	for _, b := range q {
		p.arena.Free(b.mem)
	}
}

func (p *Pool) bufBytes() uint32 { return p.cfg.BufferSize + p.cfg.Align }

func (p *Pool) allocBuf() (*Buffer, error) {
	m, err := p.arena.Alloc(p.bufBytes())
	if err != nil {
		return nil, err
	}
	b := &Buffer{mem: m, pool: p}
	b.Reset()
	return b, nil
}

// Get pops a buffer from the lane's local list.  On an empty local
// list it exchanges the (non-empty) global list for the local one in
// O(1) under the global lock, then pops; if the global list is empty
// too it falls back to the allocator.  Allocation failure is returned
// to the caller: the receive path must drop the in-flight frame rather
// than stall the ring.
func (p *Pool) Get(laneIndex int) (*Buffer, error) {
	l := &p.lanes[laneIndex]
	l.mu.Lock()
	if n := len(l.q); n > 0 {
		b := l.q[n-1]
		l.q = l.q[:n-1]
		l.gets++
		l.mu.Unlock()
		return b, nil
	}

	p.gmu.Lock()
	if len(p.global) > 0 {
		l.q, p.global = p.global, l.q
		p.gmu.Unlock()
		n := len(l.q)
		b := l.q[n-1]
		l.q = l.q[:n-1]
		l.gets++
		l.mu.Unlock()
		p.countAllocSwap()
		return b, nil
	}
	p.gmu.Unlock()
	l.mu.Unlock()

	b, err := p.newBuf()
	if err != nil {
		return nil, err
	}
	p.countAlloc()
	return b, nil
}

// Put returns a buffer.  Non-recycleable buffers never enter the free
// lists; that is a correctness requirement, not a fast path miss.  The
// backing memory is released only when the last reference lets go, so
// a surviving owner's data is never re-handed out.  A full local list
// is exchanged for an empty global list in O(1); if the global list is
// occupied the buffer is freed outright to bound total pool memory.
func (p *Pool) Put(laneIndex int, b *Buffer) {
	if !b.recycleable() {
		if b.Unref() > 0 {
			return // another owner still holds the memory
		}
		p.drop(b)
		return
	}
	b.Reset()

	l := &p.lanes[laneIndex]
	l.mu.Lock()
	if len(l.q) < p.cfg.LocalMax {
		l.q = append(l.q, b)
		l.puts++
		l.mu.Unlock()
		return
	}

	p.gmu.Lock()
	if len(p.global) == 0 {
		l.q, p.global = p.global, l.q
		p.gmu.Unlock()
		l.q = append(l.q, b)
		l.puts++
		l.mu.Unlock()
		p.countFreeSwap()
		return
	}
	p.gmu.Unlock()
	l.mu.Unlock()
	p.drop(b)
}

// Drop frees a buffer to the arena without recycling.
func (p *Pool) Drop(b *Buffer) { p.drop(b) }

func (p *Pool) drop(b *Buffer) {
	for _, f := range b.frags {
		p.drop(f)
	}
	b.frags = nil
	p.arena.Free(b.mem)
	b.mem = hw.Mem{}
	p.countFree()
}

func (p *Pool) countAllocSwap() {
	p.stats.Lock()
	p.stats.allocSwaps++
	p.stats.Unlock()
}
func (p *Pool) countFreeSwap() {
	p.stats.Lock()
	p.stats.freeSwaps++
	p.stats.Unlock()
}
func (p *Pool) countAlloc() {
	p.stats.Lock()
	p.stats.allocs++
	p.stats.Unlock()
}
func (p *Pool) countFree() {
	p.stats.Lock()
	p.stats.frees++
	p.stats.Unlock()
}

// Stats is a snapshot of pool activity.
type Stats struct {
	AllocSwaps, FreeSwaps uint64
	Allocs, Frees         uint64
	LaneGets, LanePuts    uint64
}

func (p *Pool) Snapshot() (s Stats) {
	p.stats.Lock()
	s.AllocSwaps = p.stats.allocSwaps
	s.FreeSwaps = p.stats.freeSwaps
	s.Allocs = p.stats.allocs
	s.Frees = p.stats.frees
	p.stats.Unlock()
	for i := range p.lanes {
		l := &p.lanes[i]
		l.mu.Lock()
		s.LaneGets += l.gets
		s.LanePuts += l.puts
		l.mu.Unlock()
	}
	return
}

// SetAllocator replaces the buffer allocator; tests use it to model
// allocation failure.
func (p *Pool) SetAllocator(fn func() (*Buffer, error)) {
	if fn == nil {
		p.newBuf = p.allocBuf
	} else {
		p.newBuf = fn
	}
}

// NewRawBuffer allocates a buffer bypassing the recycle lists.  Used by
// transmit helpers that need arena-resident scratch memory.
func (p *Pool) NewRawBuffer() (*Buffer, error) {
	b, err := p.allocBuf()
	if err == nil {
		p.countAlloc()
	}
	return b, err
}

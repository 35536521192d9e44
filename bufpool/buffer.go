// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bufpool recycles fixed-size receive buffers across execution
// lanes so the rx hot path rarely touches the system allocator.
package bufpool

import (
	"sync/atomic"

	"github.com/platinasystems/etsec/hw"
)

// Buffer is a recyclable packet buffer of fixed capacity
// (BufferSize + Align slack), resident in DMA-visible memory.
type Buffer struct {
	mem  hw.Mem
	pool *Pool

	// Data region within mem; head moves with Reserve/Pull, len with
	// Put/Trim.
	head, n uint32

	refs  int32
	frags []*Buffer // non-nil makes the buffer non-linear
}

// Reset re-aligns an empty buffer the way a fresh allocation comes out:
// zero length, head reserved so the data pointer is Align aligned.
func (b *Buffer) Reset() {
	align := b.pool.cfg.Align
	b.n = 0
	b.head = 0
	if align != 0 {
		off := (b.mem.Addr + b.head) & (align - 1)
		if off != 0 {
			b.head += align - off
		}
	}
	b.frags = nil
	atomic.StoreInt32(&b.refs, 1)
}

// DataAddr is the bus address of the first data byte.
func (b *Buffer) DataAddr() uint32 { return b.mem.Addr + b.head }

// Data is the current data region.
func (b *Buffer) Data() []byte { return b.mem.B[b.head : b.head+b.n] }

// Cap is the bytes available from the current head to the end.
func (b *Buffer) Cap() uint32 { return uint32(cap(b.mem.B)) - b.head }

// Headroom is the bytes available before the current head.
func (b *Buffer) Headroom() uint32 { return b.head }

// Put extends the data region by n bytes and returns the new tail.
func (b *Buffer) Put(n uint32) []byte {
	b.n += n
	return b.mem.B[b.head+b.n-n : b.head+b.n]
}

// Trim shortens the data region to n bytes.
func (b *Buffer) Trim(n uint32) { b.n = n }

// Pull drops n bytes from the head of the data region.
func (b *Buffer) Pull(n uint32) {
	b.head += n
	b.n -= n
}

// Push grows the data region downward into headroom.
func (b *Buffer) Push(n uint32) []byte {
	b.head -= n
	b.n += n
	return b.mem.B[b.head : b.head+n]
}

// Ref takes an additional reference; the buffer stops being recycleable
// until all but one are dropped.
func (b *Buffer) Ref() { atomic.AddInt32(&b.refs, 1) }

// Unref drops a reference and returns how many remain.  The last
// reference must be released through Pool.Put or Pool.Drop, not Unref.
func (b *Buffer) Unref() int32 { return atomic.AddInt32(&b.refs, -1) }

// AddFrag chains a fragment buffer, making this buffer non-linear.
func (b *Buffer) AddFrag(f *Buffer) { b.frags = append(b.frags, f) }

// Frags returns chained fragments, nil for a linear buffer.
func (b *Buffer) Frags() []*Buffer { return b.frags }

// TakeFrags detaches and returns the fragment chain, leaving the
// buffer linear.  The caller becomes responsible for freeing them.
func (b *Buffer) TakeFrags() []*Buffer {
	f := b.frags
	b.frags = nil
	return f
}

// recycleable is true when the buffer may safely be handed to a new
// owner: single reference, linear, and still the pool's configured
// capacity.  Anything else goes back to the allocator; recycling a
// buffer that is still referenced elsewhere would corrupt the new
// owner's data.
func (b *Buffer) recycleable() bool {
	return atomic.LoadInt32(&b.refs) == 1 &&
		b.frags == nil &&
		uint32(cap(b.mem.B)) == b.pool.bufBytes()
}

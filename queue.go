// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import (
	"sync"

	"github.com/platinasystems/etsec/bufpool"
)

// rx_queue pairs a receive ring with its posted buffers.  Only the
// owning group's cleanup worker touches cur and bufs, so the queue
// itself needs no lock.
type rx_queue struct {
	index int
	ring  ring
	grp   *group

	// bufs[i] is the buffer posted to slot i.
	bufs []*bufpool.Buffer
	cur  uint // next slot hardware will complete

	coal Coalescing

	packets, bytes uint64
}

// tx_slot records what submit put at a frame's first descriptor.
type tx_slot struct {
	buf   *bufpool.Buffer
	nbds  uint   // descriptors this frame spans, 0 for unused slots
	bytes uint32 // wire frame length, control block excluded
	ts    bool   // frame requested a transmit timestamp

	// done marks a reclaimed slot whose buffer stays parked for the
	// exchange transmit path; it is not an in-flight frame.
	done bool
}

// tx_queue pairs a transmit ring with its in-flight bookkeeping.  cur
// belongs to the submitter and dirty to the cleanup worker; num_free
// and stopped are the only fields both sides touch and mu protects
// exactly those (plus the ready-store/doorbell sequence, so a frame
// becomes visible to hardware and to the free count atomically).
type tx_queue struct {
	index int
	ring  ring
	grp   *group

	slots []tx_slot
	cur   uint // submitter cursor
	dirty uint // cleanup cursor

	mu       sync.Mutex
	num_free uint
	stopped  bool

	coal Coalescing

	packets, bytes uint64
	cleaned        uint64 // total frames reclaimed, watchdog progress
}

// max_frags bounds the fragments one frame may carry; with the first
// descriptor and a timestamp control block that is max_frags+2
// descriptors for the worst-case frame.
const max_frags = 16

// reserve takes n descriptors for a frame.  A short ring refuses the
// frame and stops the queue; draining the ring to zero also stops it.
// Caller holds q.mu.
func (q *tx_queue) reserve(n uint) bool {
	if q.num_free < n {
		q.stopped = true
		return false
	}
	q.num_free -= n
	if q.num_free == 0 {
		q.stopped = true
	}
	return true
}

// release returns n descriptors after cleanup and reports whether a
// stopped queue should be woken.  Caller holds q.mu.
func (q *tx_queue) release(n uint) (wake bool) {
	q.num_free += n
	if q.stopped && q.num_free > 0 {
		q.stopped = false
		wake = true
	}
	return
}

// TxStopped reports the queue's backpressure state.
func (d *Dev) TxStopped(queue int) bool {
	q := &d.tx_queues[queue]
	q.mu.Lock()
	s := q.stopped
	q.mu.Unlock()
	return s
}

// TxFree reports the queue's free descriptor count.
func (d *Dev) TxFree(queue int) uint {
	q := &d.tx_queues[queue]
	q.mu.Lock()
	n := q.num_free
	q.mu.Unlock()
	return n
}

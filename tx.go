// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/platinasystems/etsec/bufpool"
	"github.com/platinasystems/etsec/hw"
)

// ErrTxBusy means the ring had too few free descriptors; the queue is
// stopped and the caller should retry after a wake event.
var ErrTxBusy = errors.New("etsec: tx ring full")

var ErrNotRunning = errors.New("etsec: device not running")

// transmitPath is the queue submit/reclaim strategy; the default path
// and the buffer-exchange path both implement it.
type transmitPath interface {
	submit(d *Dev, q *tx_queue, p *Packet) error
	reclaim(d *Dev, q *tx_queue, budget int) int
}

// Submit hands one frame to a transmit queue.  Calls for the same
// queue must be serialized by the caller; different queues may submit
// concurrently.
func (d *Dev) Submit(queue int, p *Packet) error {
	if !d.is_running() {
		return ErrNotRunning
	}
	if p.MSS != 0 {
		return d.submit_tso(queue, p)
	}
	return d.txpath.submit(d, &d.tx_queues[queue], p)
}

type default_tx struct{}

// needs_fcb is true when the frame asks for anything the controller
// does by reading a control block ahead of the data.
func needs_fcb(p *Packet) bool {
	return p.CsumOffload || p.VlanInsert || p.Timestamp
}

// prepend_fcb pushes the control block into the buffer's headroom.  A
// buffer without headroom is copied into a fresh one; the frame is the
// same either way.
func (d *Dev) prepend_fcb(q *tx_queue, p *Packet) error {
	f := tx_fcb(p)
	if p.Head.Headroom() < fcb_len {
		nb, err := d.pool.NewRawBuffer()
		if err != nil {
			count(&d.stats.tx_dropped)
			return err
		}
		old := p.Head
		b := nb.Put(fcb_len + uint32(len(old.Data())))
		copy(b[fcb_len:], old.Data())
		nb.Pull(fcb_len) // fcb written below via Push
		for _, fr := range old.TakeFrags() {
			nb.AddFrag(fr)
		}
		d.pool.Put(d.submit_lane, old)
		p.Head = nb
	}
	f.encode(p.Head.Push(fcb_len))
	return nil
}

func (default_tx) submit(d *Dev, q *tx_queue, p *Packet) error {
	if p.nfrags() > max_frags {
		count(&d.stats.tx_dropped)
		return errors.New("etsec: too many fragments")
	}
	// Wire length before the control block is pushed into the head.
	wire := p.Len()
	has_fcb := needs_fcb(p)
	if has_fcb {
		if err := d.prepend_fcb(q, p); err != nil {
			return err
		}
	}

	nbds := uint(1 + p.nfrags())
	if p.Timestamp {
		nbds++ // extra descriptor carries only the control block
	}

	q.mu.Lock()
	if !q.reserve(nbds) {
		q.mu.Unlock()
		return ErrTxBusy
	}

	first := q.cur
	i := first

	// Fragment descriptors go ready immediately; hardware will not
	// look at them until the first descriptor's ready bit is set.
	frag_i := q.ring.next(i)
	if p.Timestamp {
		frag_i = q.ring.next(frag_i)
	}
	frags := p.Head.Frags()
	for fi, f := range frags {
		s := uint16(txbd_ready)
		if fi == len(frags)-1 {
			s |= txbd_last | txbd_interrupt
		}
		bd := &q.ring.bds[frag_i]
		bd.SetBuf(f.DataAddr())
		bd.Store(s|q.wrap_bit(frag_i), uint16(len(f.Data())))
		frag_i = q.ring.next(frag_i)
	}

	var first_status uint16
	var first_len uint16
	if p.Timestamp {
		// First descriptor covers only the control block; the data
		// descriptor follows and goes ready now.
		di := q.ring.next(i)
		ds := uint16(txbd_ready)
		if len(frags) == 0 {
			ds |= txbd_last | txbd_interrupt
		}
		dbd := &q.ring.bds[di]
		dbd.SetBuf(p.Head.DataAddr() + fcb_len)
		dbd.Store(ds|q.wrap_bit(di), uint16(len(p.Head.Data())-fcb_len))
		first_status = txbd_ready | txbd_toe | txbd_crc
		first_len = fcb_len
	} else {
		first_status = txbd_ready | txbd_crc
		if has_fcb {
			first_status |= txbd_toe
		}
		if len(frags) == 0 {
			first_status |= txbd_last | txbd_interrupt
		}
		first_len = uint16(len(p.Head.Data()))
	}

	q.slots[first] = tx_slot{buf: p.Head, nbds: nbds, bytes: wire, ts: p.Timestamp}
	q.cur = first
	for n := uint(0); n < nbds; n++ {
		q.cur = q.ring.next(q.cur)
	}

	fbd := &q.ring.bds[first]
	fbd.SetBuf(p.Head.DataAddr())
	// Address and fragment descriptors must be visible before the
	// ready bit; Store is the release.
	hw.MemoryBarrier()
	fbd.Store(first_status|q.wrap_bit(first), first_len)

	countN(&q.bytes, uint64(wire))
	count(&q.packets)

	// Doorbell: clearing the halt bit makes hardware poll the ring.
	r_tstat.Set(d.regs, tstat_thlt(q.index))
	q.mu.Unlock()
	return nil
}

func (q *tx_queue) wrap_bit(i uint) uint16 {
	if i == q.ring.len-1 {
		return txbd_wrap
	}
	return 0
}

// reclaim walks completed frames from the dirty cursor, frees their
// buffers to the pool and opens the ring back up to the submitter.
func (default_tx) reclaim(d *Dev, q *tx_queue, budget int) (work int) {
	freed := uint(0)
	lane := q.grp.lane
	for work < budget {
		slot := &q.slots[q.dirty]
		if slot.nbds == 0 {
			break // ring idle
		}
		last := q.dirty
		for n := uint(1); n < slot.nbds; n++ {
			last = q.ring.next(last)
		}
		status, _ := q.ring.bds[last].Load()
		if status&txbd_ready != 0 {
			break // frame still owned by hardware
		}

		if slot.ts {
			ts := binary.BigEndian.Uint64(slot.buf.Data()[:8])
			count(&d.stats.tx_timestamps)
			if d.txdone != nil {
				d.txdone(q.index, ts)
			}
		} else if d.txdone != nil {
			d.txdone(q.index, 0)
		}
		count(&d.stats.tx_packets)
		countN(&d.stats.tx_bytes, uint64(slot.bytes))

		i := q.dirty
		for n := uint(0); n < slot.nbds; n++ {
			bd := &q.ring.bds[i]
			s, _ := bd.Load()
			bd.Store(s&txbd_keep, 0)
			bd.SetBuf(0)
			i = q.ring.next(i)
		}
		d.free_tx_buffer(lane, slot.buf)
		nbds := slot.nbds
		*slot = tx_slot{}
		q.dirty = i
		freed += nbds
		work++
	}
	if freed > 0 {
		atomic.AddUint64(&q.cleaned, uint64(work))
		q.mu.Lock()
		wake := q.release(freed)
		q.mu.Unlock()
		if wake {
			d.events.EmitSync(EvtTxWake, q.index)
		}
	}
	return
}

// free_tx_buffer returns a transmitted frame's buffers to the pool.
func (d *Dev) free_tx_buffer(lane int, b *bufpool.Buffer) {
	for _, f := range b.TakeFrags() {
		d.pool.Put(lane, f)
	}
	d.pool.Put(lane, b)
}

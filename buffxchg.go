// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/platinasystems/etsec/hw"
)

// xchg_tx is the zero-copy transmit variant.  Cleanup only opens ring
// slots back up; the buffer sitting in a slot is reclaimed by the next
// submitter to reuse that slot.  This keeps completed buffers parked
// in the ring as a cache and moves the pool traffic onto the
// submitter's lane.
type xchg_tx struct{ def default_tx }

func (x xchg_tx) submit(d *Dev, q *tx_queue, p *Packet) error {
	if p.nfrags() != 0 || p.Timestamp {
		// Exchange works slot-for-slot; multi-descriptor frames go
		// through the default path unchanged.
		return x.def.submit(d, q, p)
	}
	wire := p.Len()
	has_fcb := needs_fcb(p)
	if has_fcb {
		if err := d.prepend_fcb(q, p); err != nil {
			return err
		}
	}

	q.mu.Lock()
	if !q.reserve(1) {
		q.mu.Unlock()
		return ErrTxBusy
	}

	i := q.cur
	// Reclaim the previous occupant.  reserve already proved the slot
	// is past the dirty cursor, but ownership is still verified
	// against the descriptor: a ready bit here means the free count
	// and the ring disagree.
	if old := q.slots[i].buf; old != nil {
		if s, _ := q.ring.bds[i].Load(); s&txbd_ready != 0 {
			q.num_free++
			q.mu.Unlock()
			d.ring_corrupt(q.index, errors.New("exchange slot still ready"))
			return ErrRingCorrupt
		}
		d.pool.Put(d.submit_lane, old)
		q.slots[i] = tx_slot{}
	}

	s := uint16(txbd_ready | txbd_crc | txbd_last | txbd_interrupt)
	if has_fcb {
		s |= txbd_toe
	}
	q.slots[i] = tx_slot{buf: p.Head, nbds: 1, bytes: wire}
	q.cur = q.ring.next(i)

	bd := &q.ring.bds[i]
	bd.SetBuf(p.Head.DataAddr())
	hw.MemoryBarrier()
	bd.Store(s|q.wrap_bit(i), uint16(len(p.Head.Data())))

	countN(&q.bytes, uint64(wire))
	count(&q.packets)
	r_tstat.Set(d.regs, tstat_thlt(q.index))
	q.mu.Unlock()
	return nil
}

// reclaim advances dirty past completed frames without freeing their
// buffers; those wait in the ring for the next submit.
func (x xchg_tx) reclaim(d *Dev, q *tx_queue, budget int) (work int) {
	freed := uint(0)
	for work < budget {
		slot := &q.slots[q.dirty]
		if slot.nbds == 0 || slot.done {
			break
		}
		last := q.dirty
		for n := uint(1); n < slot.nbds; n++ {
			last = q.ring.next(last)
		}
		status, _ := q.ring.bds[last].Load()
		if status&txbd_ready != 0 {
			break
		}
		nbytes := uint64(slot.bytes)
		had_ts := slot.ts
		if had_ts {
			ts := binary.BigEndian.Uint64(slot.buf.Data()[:8])
			count(&d.stats.tx_timestamps)
			if d.txdone != nil {
				d.txdone(q.index, ts)
			}
		}
		if slot.nbds > 1 {
			// Default-path frame mixed in; free it the default way.
			i := q.dirty
			for n := uint(0); n < slot.nbds; n++ {
				bd := &q.ring.bds[i]
				s, _ := bd.Load()
				bd.Store(s&txbd_keep, 0)
				bd.SetBuf(0)
				i = q.ring.next(i)
			}
			d.free_tx_buffer(q.grp.lane, slot.buf)
			freed += slot.nbds
			*slot = tx_slot{}
			q.dirty = i
		} else {
			// Clear ownership status but leave buf parked in the slot.
			bd := &q.ring.bds[q.dirty]
			s, _ := bd.Load()
			bd.Store(s&txbd_keep, 0)
			slot.done = true
			freed++
			q.dirty = q.ring.next(q.dirty)
		}
		count(&d.stats.tx_packets)
		countN(&d.stats.tx_bytes, nbytes)
		if !had_ts && d.txdone != nil {
			d.txdone(q.index, 0)
		}
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

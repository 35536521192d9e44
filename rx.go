// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import "github.com/platinasystems/etsec/hw"

// clean_rx walks completed receive descriptors in ring order, hands
// good frames to the stack with a fresh buffer swapped into the slot,
// and rearms every slot it passes.  At most budget frames; returns the
// number handled.
func (d *Dev) clean_rx(q *rx_queue, budget int) (work int) {
	lane := q.grp.lane
	for work < budget {
		bd := &q.ring.bds[q.cur]
		status, length := bd.Load()
		if status&rxbd_empty != 0 {
			break // hardware still owns the slot
		}
		work++

		buf := q.bufs[q.cur]
		keep := buf // buffer to rearm the slot with

		switch {
		case status&rxbd_errors != 0,
			status&rxbd_last == 0 || status&rxbd_first == 0:
			// Bad frame: count it and recycle the same buffer back
			// into the slot.  A frame spanning descriptors means the
			// buffer size and MRBLR disagree; it counts as truncated.
			d.count_rx_errors(status)
		default:
			nb, err := d.pool.Get(lane)
			if err != nil {
				// No replacement buffer.  The frame is dropped and the
				// old buffer stays posted so the ring never starves.
				count(&d.stats.rx_skbmissing)
				break
			}
			keep = nb

			pkt_len := uint32(length) - eth_fcs_len
			buf.Trim(pkt_len)
			meta := RxMeta{Queue: q.index}
			if d.uses_rxfcb {
				var f fcb
				f.decode(buf.Data()[:fcb_len])
				f.rx_meta(&meta)
				buf.Pull(fcb_len)
			}
			countN(&q.bytes, uint64(len(buf.Data())))
			count(&q.packets)
			count(&d.stats.rx_packets)
			countN(&d.stats.rx_bytes, uint64(len(buf.Data())))

			if !d.stack.Deliver(buf, meta) {
				count(&d.stats.kernel_dropped)
				d.pool.Put(lane, buf)
			}
		}

		// Rearm: address first, ready bit second.
		q.bufs[q.cur] = keep
		bd.SetBuf(keep.DataAddr())
		hw.MemoryBarrier()
		s, _ := bd.Load()
		bd.Store(rxbd_empty|s&rxbd_keep, 0)
		q.cur = q.ring.next(q.cur)
	}
	return
}

func (d *Dev) count_rx_errors(status uint16) {
	if status&rxbd_last == 0 || status&rxbd_first == 0 {
		count(&d.stats.rx_trunc)
		return
	}
	if status&rxbd_truncated != 0 {
		count(&d.stats.rx_trunc)
		return // truncated frames carry no other valid status
	}
	if status&rxbd_large != 0 {
		count(&d.stats.rx_large)
	}
	if status&rxbd_short != 0 {
		count(&d.stats.rx_short)
	}
	if status&rxbd_nonoctet != 0 {
		count(&d.stats.rx_nonoctet)
	}
	if status&rxbd_crcerr != 0 {
		count(&d.stats.rx_crcerr)
	}
	if status&rxbd_overrun != 0 {
		count(&d.stats.rx_overrun)
	}
}

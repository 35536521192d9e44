// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import (
	"errors"

	"github.com/platinasystems/etsec/hw"
)

// Receive descriptor status bits (high half of lstatus).
const (
	rxbd_empty     = 1 << 15 // owned by hardware
	rxbd_ro1       = 1 << 14 // software ownership scratch bit
	rxbd_wrap      = 1 << 13
	rxbd_interrupt = 1 << 12
	rxbd_last      = 1 << 11
	rxbd_first     = 1 << 10
	rxbd_miss      = 1 << 8
	rxbd_broadcast = 1 << 7
	rxbd_multicast = 1 << 6
	rxbd_large     = 1 << 5
	rxbd_nonoctet  = 1 << 4
	rxbd_short     = 1 << 3
	rxbd_crcerr    = 1 << 2
	rxbd_overrun   = 1 << 1
	rxbd_truncated = 1 << 0

	rxbd_errors = rxbd_large | rxbd_short | rxbd_nonoctet |
		rxbd_crcerr | rxbd_overrun | rxbd_truncated

	// Bits the rearm store preserves; everything else is stale frame
	// status and must not leak into the next cycle.
	rxbd_keep = rxbd_wrap | rxbd_interrupt
)

// Transmit descriptor status bits.
const (
	txbd_ready       = 1 << 15 // owned by hardware
	txbd_padcrc      = 1 << 14
	txbd_wrap        = 1 << 13
	txbd_interrupt   = 1 << 12
	txbd_last        = 1 << 11
	txbd_crc         = 1 << 10
	txbd_def         = 1 << 9
	txbd_huge        = 1 << 7
	txbd_late_col    = 1 << 6
	txbd_retry_limit = 1 << 4
	txbd_underrun    = 1 << 1
	txbd_toe         = 1 << 1 // tx: offload enable (FCB present)
	txbd_keep        = txbd_wrap
)

var ErrRingCorrupt = errors.New("etsec: descriptor ring corrupt")

// ring is one descriptor ring in arena memory.  Slot len(bds)-1 carries
// the wrap bit; no other slot ever does.
type ring struct {
	bds  []hw.BD
	base uint32
	len  uint
}

func (d *Dev) new_ring(n uint) (r ring, err error) {
	r.bds, r.base, err = d.arena.AllocRing(uint32(n))
	if err != nil {
		return
	}
	r.len = n
	return
}

func (r *ring) free(d *Dev) {
	if r.bds != nil {
		d.arena.FreeRing(r.base)
		r.bds = nil
	}
}

// next advances a cursor by one slot, honoring the wrap bit rather than
// the slice length so cursor movement matches what the DMA engine does.
func (r *ring) next(i uint) uint {
	status, _ := r.bds[i].Load()
	if status&rxbd_wrap != 0 { // same bit position for rx and tx
		return 0
	}
	return i + 1
}

// init_rx parks every slot empty with the given buffer addresses.
func (r *ring) init_rx(addrs []uint32) {
	for i := range r.bds {
		s := uint16(rxbd_empty | rxbd_interrupt)
		if i == len(r.bds)-1 {
			s |= rxbd_wrap
		}
		r.bds[i].SetBuf(addrs[i])
		hw.MemoryBarrier()
		r.bds[i].Store(s, 0)
	}
}

// init_tx parks every slot owned by software with no buffer.
func (r *ring) init_tx() {
	for i := range r.bds {
		var s uint16
		if i == len(r.bds)-1 {
			s = txbd_wrap
		}
		r.bds[i].SetBuf(0)
		r.bds[i].Store(s, 0)
	}
}

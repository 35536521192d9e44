// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import "sync/atomic"

// stats are the driver-maintained extra counters.  All fields are
// updated with atomic adds; Snapshot reads are torn-free per counter
// but not across counters.
type stats struct {
	rx_packets uint64
	rx_bytes   uint64
	tx_packets uint64
	tx_bytes   uint64

	rx_trunc       uint64
	rx_large       uint64
	rx_short       uint64
	rx_nonoctet    uint64
	rx_crcerr      uint64
	rx_overrun     uint64
	rx_bsy         uint64 // ring ran out of empty descriptors
	rx_babr        uint64
	rx_skbmissing  uint64 // replacement buffer allocation failed
	kernel_dropped uint64 // upper stack rejected delivery

	tx_babt          uint64
	tx_underrun      uint64
	tx_timeout       uint64
	tx_window_errors uint64 // late collision
	tx_aborted       uint64 // retry limit
	tx_dropped       uint64
	tx_timestamps    uint64

	eberr uint64 // bus error

	resets uint64
}

func count(c *uint64)            { atomic.AddUint64(c, 1) }
func countN(c *uint64, n uint64) { atomic.AddUint64(c, n) }

// QueueStats is one queue's packet and byte counts.
type QueueStats struct {
	Packets uint64
	Bytes   uint64
}

// Stats is a read-only snapshot, named after the controller's ethtool
// statistics strings.
type Stats struct {
	RxPackets, RxBytes uint64
	TxPackets, TxBytes uint64

	RxTrunc, RxLarge, RxShort, RxNonOctet uint64
	RxCRCErr, RxOverrun, RxBsy, RxBabr    uint64
	RxSkbMissing, KernelDropped           uint64

	TxBabt, TxUnderrun, TxTimeout uint64
	TxWindowErrors, TxAborted     uint64
	TxDropped, TxTimestamps       uint64

	EBErr, Resets uint64

	RxQueue []QueueStats
	TxQueue []QueueStats
}

func (d *Dev) Snapshot() (s Stats) {
	ld := func(c *uint64) uint64 { return atomic.LoadUint64(c) }
	s.RxPackets = ld(&d.stats.rx_packets)
	s.RxBytes = ld(&d.stats.rx_bytes)
	s.TxPackets = ld(&d.stats.tx_packets)
	s.TxBytes = ld(&d.stats.tx_bytes)
	s.RxTrunc = ld(&d.stats.rx_trunc)
	s.RxLarge = ld(&d.stats.rx_large)
	s.RxShort = ld(&d.stats.rx_short)
	s.RxNonOctet = ld(&d.stats.rx_nonoctet)
	s.RxCRCErr = ld(&d.stats.rx_crcerr)
	s.RxOverrun = ld(&d.stats.rx_overrun)
	s.RxBsy = ld(&d.stats.rx_bsy)
	s.RxBabr = ld(&d.stats.rx_babr)
	s.RxSkbMissing = ld(&d.stats.rx_skbmissing)
	s.KernelDropped = ld(&d.stats.kernel_dropped)
	s.TxBabt = ld(&d.stats.tx_babt)
	s.TxUnderrun = ld(&d.stats.tx_underrun)
	s.TxTimeout = ld(&d.stats.tx_timeout)
	s.TxWindowErrors = ld(&d.stats.tx_window_errors)
	s.TxAborted = ld(&d.stats.tx_aborted)
	s.TxDropped = ld(&d.stats.tx_dropped)
	s.TxTimestamps = ld(&d.stats.tx_timestamps)
	s.EBErr = ld(&d.stats.eberr)
	s.Resets = ld(&d.stats.resets)

	s.RxQueue = make([]QueueStats, len(d.rx_queues))
	for i := range d.rx_queues {
		q := &d.rx_queues[i]
		s.RxQueue[i] = QueueStats{
			Packets: ld(&q.packets),
			Bytes:   ld(&q.bytes),
		}
	}
	s.TxQueue = make([]QueueStats, len(d.tx_queues))
	for i := range d.tx_queues {
		q := &d.tx_queues[i]
		s.TxQueue[i] = QueueStats{
			Packets: ld(&q.packets),
			Bytes:   ld(&q.bytes),
		}
	}
	return
}

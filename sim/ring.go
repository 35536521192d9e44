// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import "encoding/binary"

// run_tx_queue drains ready descriptors in ring order.  Called with
// the model lock held; returned interrupts fire after it drops.
func (s *Dev) run_tx_queue(q int) (fire []irq) {
	if s.regs[reg_maccfg1]&mac_tx_en == 0 {
		return
	}
	if s.regs[reg_dmactrl]&dma_gts != 0 {
		return // transmit stopped
	}
	base := s.regs[reg_tbase0+uint32(q*8)]
	bds := s.arena.Ring(base)
	if bds == nil {
		return
	}
	cur := &s.txcur[q]
	for {
		status, _ := bds[cur.i].Load()
		if status&bd_tx_ready == 0 {
			return
		}

		var frame []byte
		var tsbd int = -1
		i := cur.i
		for {
			st, length := bds[i].Load()
			buf := bds[i].Buf()
			if st&bd_tx_toe != 0 && i == cur.i && st&bd_tx_last == 0 &&
				length == fcb_bytes {
				// Timestamp request: first descriptor carries only the
				// control block, which we overwrite with the time.
				tsbd = int(i)
			} else {
				b := s.arena.Bytes(buf, uint32(length))
				if i == cur.i && st&bd_tx_toe != 0 {
					// Control block rides ahead of the frame data.
					b = b[fcb_bytes:]
				}
				frame = append(frame, b...)
			}
			done := st&bd_tx_last != 0
			// DMA complete: hand the descriptor back.
			bds[i].Store(st&^bd_tx_ready, length)
			if st&bd_tx_wrap != 0 {
				i = 0
			} else {
				i++
			}
			if done {
				break
			}
		}
		cur.i = uint(i)

		if tsbd >= 0 {
			s.tsclock++
			b := s.arena.Bytes(bds[tsbd].Buf(), fcb_bytes)
			binary.BigEndian.PutUint64(b, s.tsclock)
		}
		s.egressq = append(s.egressq, egressFrame{queue: q, frame: frame})

		s.regs[reg_tstat] |= 1 << uint(15-q)
		grp := s.group_of_queue(q)
		if s.coalesce(reg_txic0+uint32(q*4), &cur.coal, s.flush_tx(grp)) {
			fire = append(fire, s.raise(grp, ev_txf, LineTransmit)...)
		}
	}
}

func (s *Dev) flush_tx(grp int) func() {
	return func() {
		s.mu.Lock()
		fire := s.raise(grp, ev_txf, LineTransmit)
		s.mu.Unlock()
		s.deliver(fire)
	}
}

func (s *Dev) flush_rx(grp int) func() {
	return func() {
		s.mu.Lock()
		fire := s.raise(grp, ev_rxf, LineReceive)
		s.mu.Unlock()
		s.deliver(fire)
	}
}

// Inject receives one frame into a queue.  False means the ring had no
// empty descriptor and the busy event was raised instead.
func (s *Dev) Inject(q int, frame []byte) bool {
	return s.InjectErr(q, frame, 0)
}

// InjectErr receives a frame carrying extra status bits, for error
// path testing.
func (s *Dev) InjectErr(q int, frame []byte, errbits uint16) bool {
	var fire []irq
	ok := true
	s.mu.Lock()
	if s.regs[reg_maccfg1]&mac_rx_en == 0 ||
		s.regs[reg_dmactrl]&dma_grs != 0 {
		s.mu.Unlock()
		return false
	}
	base := s.regs[reg_rbase0+uint32(q*8)]
	bds := s.arena.Ring(base)
	if bds == nil {
		s.mu.Unlock()
		return false
	}
	cur := &s.rxcur[q]
	grp := s.group_of_queue(q)

	status, _ := bds[cur.i].Load()
	if status&bd_rx_empty == 0 {
		// No descriptor: frame lost, busy event.
		fire = s.raise(grp, ev_bsy, LineError)
		ok = false
	} else {
		b := s.arena.Bytes(bds[cur.i].Buf(), s.regs[reg_mrblr])
		n := 0
		if s.cfg.RxFCB {
			s.write_rx_fcb(b[:fcb_bytes])
			n += fcb_bytes
		}
		n += copy(b[n:], frame)
		n += fcs_bytes // controller reports length with fcs

		st := status&^uint16(bd_rx_empty) |
			bd_rx_first | bd_rx_last | errbits
		bds[cur.i].Store(st, uint16(n))
		if status&bd_rx_wrap != 0 {
			cur.i = 0
		} else {
			cur.i++
		}

		s.regs[reg_rstat] |= 1 << uint(7-q)
		if s.coalesce(reg_rxic0+uint32(q*4), &cur.coal, s.flush_rx(grp)) {
			fire = append(fire, s.raise(grp, ev_rxf, LineReceive)...)
		}
	}
	s.mu.Unlock()
	s.deliver(fire)
	return ok
}

// write_rx_fcb synthesizes the control block the controller prepends
// when rx offloads are on.
func (s *Dev) write_rx_fcb(b []byte) {
	const (
		f_vln = 1 << 7
		f_ip  = 1 << 6
		f_tup = 1 << 4
	)
	var flags byte = f_ip
	if s.RxCsumOk {
		flags |= f_tup
	}
	if s.RxVlan != 0 {
		flags |= f_vln
	}
	b[0] = flags
	b[1], b[2], b[3] = 0, 0, 0
	binary.BigEndian.PutUint16(b[4:], 0)
	binary.BigEndian.PutUint16(b[6:], s.RxVlan)
}

// Stop cancels pending coalescing timers.
func (s *Dev) Stop() {
	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.mu.Unlock()
}

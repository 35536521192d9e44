// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sim is a behavioral model of the controller's DMA engine and
// register file.  It consumes transmit rings, fills receive rings,
// honors interrupt coalescing and graceful stop, and raises interrupts
// through a callback, all against the same arena memory the driver
// uses.  Tests and the bench tool drive it in place of hardware.
package sim

import (
	"sync"
	"time"

	"github.com/platinasystems/etsec/hw"
	"github.com/platinasystems/etsec/log"
	"github.com/sirupsen/logrus"
)

// Register offsets and bits mirrored from the driver's register map.
const (
	reg_ievent  = 0x010
	reg_imask   = 0x014
	reg_dmactrl = 0x02c
	reg_tstat   = 0x104
	reg_rstat   = 0x304
	reg_tbase0  = 0x204
	reg_rbase0  = 0x404
	reg_txic0   = 0x140
	reg_rxic0   = 0x340
	reg_maccfg1 = 0x500
	reg_mrblr   = 0x514
	reg_rx_idle = 0xd1c

	group_stride = 0x1000
)

const (
	ev_bsy  = 1 << 29
	ev_gtsc = 1 << 23
	ev_txf  = 1 << 18
	ev_rxf  = 1 << 7
	ev_grsc = 1 << 6

	dma_gts = 1 << 3
	dma_grs = 1 << 4

	mac_tx_en = 1 << 0
	mac_rx_en = 1 << 2

	bd_rx_empty = 1 << 15
	bd_rx_wrap  = 1 << 13
	bd_rx_last  = 1 << 11
	bd_rx_first = 1 << 10

	bd_tx_ready = 1 << 15
	bd_tx_wrap  = 1 << 13
	bd_tx_last  = 1 << 11
	bd_tx_toe   = 1 << 1

	ic_enable      = 1 << 31
	ic_count_shift = 21
	ic_timer_mask  = 0xffff

	rx_idle_bit = 1 << 31

	fcb_bytes = 8
	fcs_bytes = 4
	tick      = 10 * time.Microsecond
)

// Line numbers handed to the IRQ callback; they match the driver's
// IRQLine values.
const (
	LineCombined = 0
	LineError    = 1
	LineTransmit = 2
	LineReceive  = 3
)

// Config shapes the model.
type Config struct {
	NumGroups   int
	NumRxQueues int
	NumTxQueues int

	// RxFCB prepends a synthesized frame control block to received
	// frames, as the controller does when any rx offload is enabled.
	RxFCB bool

	// MultiIntr delivers error/transmit/receive on separate lines.
	MultiIntr bool

	// UnreliableStopAck drops the graceful-receive-stop event and only
	// flags the idle heuristic register, modeling the erratum.
	UnreliableStopAck bool

	// Egress sees every transmitted frame.  Nil discards them.
	Egress func(queue int, frame []byte)

	// IRQ is the interrupt line.  Nil means polled operation.
	IRQ func(group, line int)
}

type txcursor struct {
	i    uint
	coal uint32 // frames since last interrupt
}

type rxcursor struct {
	i    uint
	coal uint32
}

// Dev is the modeled controller.
type Dev struct {
	mu    sync.Mutex
	cfg   Config
	arena *hw.Arena
	regs  map[uint32]uint32

	txcur []txcursor
	rxcur []rxcursor

	tsclock uint64 // fake timestamp source

	timers []*time.Timer // pending coalescing timers

	// Transmitted frames staged under the lock, handed to Egress
	// after it drops.
	egressq []egressFrame

	// RxVlan, when nonzero, is reported in synthesized control blocks.
	RxVlan uint16
	// RxCsumOk marks synthesized control blocks checksum-verified.
	RxCsumOk bool

	log *logrus.Entry
}

func New(arena *hw.Arena, cfg Config) *Dev {
	if cfg.NumGroups == 0 {
		cfg.NumGroups = 1
	}
	if cfg.NumRxQueues == 0 {
		cfg.NumRxQueues = 1
	}
	if cfg.NumTxQueues == 0 {
		cfg.NumTxQueues = 1
	}
	return &Dev{
		cfg:      cfg,
		arena:    arena,
		regs:     make(map[uint32]uint32),
		txcur:    make([]txcursor, cfg.NumTxQueues),
		rxcur:    make([]rxcursor, cfg.NumRxQueues),
		RxCsumOk: true,
		log:      log.New("sim"),
	}
}

func (s *Dev) group_of_queue(q int) int { return q % s.cfg.NumGroups }

// SetIRQ installs the interrupt callback after construction; the
// driver and the model reference each other.
func (s *Dev) SetIRQ(fn func(group, line int)) {
	s.mu.Lock()
	s.cfg.IRQ = fn
	s.mu.Unlock()
}

// SetEgress installs the transmitted-frame observer.
func (s *Dev) SetEgress(fn func(queue int, frame []byte)) {
	s.mu.Lock()
	s.cfg.Egress = fn
	s.mu.Unlock()
}

// LoadReg implements hw.Backend.
func (s *Dev) LoadReg(offset uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset == reg_rx_idle {
		// Quiet whenever a graceful receive stop is in force.
		if s.regs[reg_dmactrl]&dma_grs != 0 {
			return rx_idle_bit
		}
		return 0
	}
	return s.regs[offset]
}

// StoreReg implements hw.Backend.  Doorbell and write-1-to-clear
// registers get their side effects here; interrupts fire after the
// model lock drops so the handler can touch registers freely.
func (s *Dev) StoreReg(offset, value uint32) {
	var fire []irq
	s.mu.Lock()
	switch {
	case is_group_reg(offset, reg_ievent, s.cfg.NumGroups):
		s.regs[offset] &^= value // w1c
	case is_group_reg(offset, reg_imask, s.cfg.NumGroups):
		s.regs[offset] = value
		// Level triggered: unmasking with events pending re-raises.
		grp := int((offset - reg_imask) / group_stride)
		fire = s.pending_irqs(grp)
	case offset == reg_tstat:
		// High half: clear halt, poll rings.  Low half: w1c frame bits.
		s.regs[reg_tstat] &^= value & 0x0000ffff
		for q := 0; q < s.cfg.NumTxQueues; q++ {
			if value&(1<<uint(31-q)) != 0 {
				fire = append(fire, s.run_tx_queue(q)...)
			}
		}
	case offset == reg_rstat:
		s.regs[reg_rstat] &^= value & 0x0000ffff
	case offset == reg_dmactrl:
		prev := s.regs[reg_dmactrl]
		s.regs[reg_dmactrl] = value
		rising := value &^ prev
		if rising&dma_gts != 0 {
			s.regs[reg_ievent] |= ev_gtsc
		}
		if rising&dma_grs != 0 && !s.cfg.UnreliableStopAck {
			s.regs[reg_ievent] |= ev_grsc
		}
	default:
		s.regs[offset] = value
	}
	out := s.egressq
	s.egressq = nil
	eg := s.cfg.Egress
	s.mu.Unlock()
	if eg != nil {
		for _, e := range out {
			eg(e.queue, e.frame)
		}
	}
	s.deliver(fire)
}

type egressFrame struct {
	queue int
	frame []byte
}

func is_group_reg(offset, base uint32, ngroups int) bool {
	for g := 0; g < ngroups; g++ {
		if offset == base+uint32(g*group_stride) {
			return true
		}
	}
	return false
}

type irq struct{ group, line int }

// deliver fires interrupt lines on their own goroutine.  The handler
// masks, writes doorbells and takes its own locks; calling it from the
// goroutine that is mid-way through a register write would deadlock it
// against itself, which real interrupt delivery never does.
func (s *Dev) deliver(irqs []irq) {
	if len(irqs) == 0 {
		return
	}
	s.mu.Lock()
	cb := s.cfg.IRQ
	s.mu.Unlock()
	if cb == nil {
		return
	}
	go func() {
		for _, q := range irqs {
			cb(q.group, q.line)
		}
	}()
}

// pending_irqs re-raises lines whose events are unmasked.
func (s *Dev) pending_irqs(grp int) (fire []irq) {
	off := uint32(grp * group_stride)
	ev := s.regs[reg_ievent+off] & s.regs[reg_imask+off]
	if ev == 0 {
		return
	}
	if !s.cfg.MultiIntr {
		return []irq{{grp, LineCombined}}
	}
	if ev&(ev_rxf|ev_bsy) != 0 {
		fire = append(fire, irq{grp, LineReceive})
	}
	if ev&ev_txf != 0 {
		fire = append(fire, irq{grp, LineTransmit})
	}
	if ev&^(ev_rxf|ev_bsy|ev_txf|ev_grsc|ev_gtsc) != 0 {
		fire = append(fire, irq{grp, LineError})
	}
	return
}

// raise posts an event and decides whether its line fires now.
func (s *Dev) raise(grp int, event uint32, line int) (fire []irq) {
	off := uint32(grp * group_stride)
	s.regs[reg_ievent+off] |= event
	if s.regs[reg_imask+off]&event == 0 {
		return nil
	}
	if !s.cfg.MultiIntr {
		line = LineCombined
	}
	return []irq{{grp, line}}
}

// coalesce counts a frame against a queue's coalescing register and
// reports whether the interrupt is due now.  With a timer configured a
// deferred flush backstops a partial batch.
func (s *Dev) coalesce(icreg uint32, counter *uint32, flush func()) bool {
	ic := s.regs[icreg]
	if ic&ic_enable == 0 {
		return true
	}
	*counter++
	frames := (ic >> ic_count_shift) & 0xff
	if *counter >= frames {
		*counter = 0
		return true
	}
	if t := ic & ic_timer_mask; t != 0 && flush != nil {
		tm := time.AfterFunc(time.Duration(t)*tick, flush)
		s.timers = append(s.timers, tm)
	}
	return false
}

// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import (
	"sync"
	"sync/atomic"
)

// group binds a set of queues to one interrupt vector (or a trio of
// error/transmit/receive vectors on multi-interrupt parts).  Each
// direction has its own budget-driven poller goroutine; scheduling is
// an atomic flag so an interrupt never double-wakes a running poller.
type group struct {
	index int
	d     *Dev

	rx_bitmap uint32 // receive queues this group serves
	tx_bitmap uint32

	lane int // recycle pool lane for this group's pollers

	// grplock orders interrupt mask updates against poller completion,
	// the one place interrupt context and poller context both write.
	grplock sync.Mutex
	imask   uint32 // shadow of the mask register

	rx poller
	tx poller
}

// poller is the budgeted cleanup driver for one direction of a group.
type poller struct {
	scheduled int32

	// wake is buffered and never closed: an interrupt that raced past
	// the running check during a halt may still send on it safely.
	wake chan struct{}
	stop chan struct{}

	// run does one budgeted pass over the group's active queues and
	// reports work done and whether it kept within budget.
	run func(budget int) (work int, done bool)

	// complete re-enables interrupts and reports whether new events
	// arrived in the window; true means poll again.
	complete func() bool
}

func (p *poller) init() {
	p.wake = make(chan struct{}, 1)
	p.stop = make(chan struct{})
}

// schedule is the interrupt half: claim the poller, then kick it.  A
// lost claim means the poller is already running and will see the
// events on its completion recheck.
func (p *poller) schedule() bool {
	if !atomic.CompareAndSwapInt32(&p.scheduled, 0, 1) {
		return false
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// loop is the poller goroutine body.
func (p *poller) loop(d *Dev, budget int) {
	defer d.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		}
		for {
			_, done := p.run(budget)
			if !done {
				// Budget exhausted with work remaining; yield and go
				// around without touching the interrupt mask.
				continue
			}
			atomic.StoreInt32(&p.scheduled, 0)
			if !p.complete() {
				break
			}
			// Events raced with completion; reclaim the poller.  A
			// failed claim means an interrupt got there first and the
			// wake channel already holds a token.
			if !atomic.CompareAndSwapInt32(&p.scheduled, 0, 1) {
				break
			}
		}
	}
}

func (g *group) start(d *Dev) {
	g.rx.init()
	g.tx.init()
	g.rx.run = g.poll_rx
	g.rx.complete = g.complete_rx
	g.tx.run = g.poll_tx
	g.tx.complete = g.complete_tx
	d.wg.Add(2)
	go g.rx.loop(d, d.cfg.PollBudget)
	go g.tx.loop(d, d.cfg.PollBudget)
}

func (g *group) stop() {
	close(g.rx.stop)
	close(g.tx.stop)
}

// poll_rx divides the budget across the queues that have completions
// pending per RSTAT.  The per-queue event bits are acknowledged before
// the clean pass: a frame completing mid-pass re-raises its bit instead
// of having it wiped by a late ack, leaving either a cleaned descriptor
// behind a stale bit or a set bit over an already-cleaned ring, both of
// which the next pass handles.
func (g *group) poll_rx(budget int) (work int, done bool) {
	d := g.d
	rstat := r_rstat.Get(d.regs)
	active := uint32(0)
	ack := uint32(0)
	nq := 0
	for qi := range d.rx_queues {
		if g.rx_bitmap&(1<<uint(qi)) != 0 && rstat&rstat_rxf(qi) != 0 {
			active |= 1 << uint(qi)
			ack |= rstat_rxf(qi)
			nq++
		}
	}
	if nq == 0 {
		return 0, true
	}
	r_rstat.Set(d.regs, ack)
	per := budget / nq
	if per == 0 {
		per = 1
	}
	done = true
	for qi := range d.rx_queues {
		if active&(1<<uint(qi)) == 0 {
			continue
		}
		n := d.clean_rx(&d.rx_queues[qi], per)
		work += n
		if n == per {
			done = false
		}
	}
	return
}

// poll_tx acks first for the same reason as poll_rx; losing a transmit
// completion bit would strand reclaimed-able frames and never wake a
// stopped queue.
func (g *group) poll_tx(budget int) (work int, done bool) {
	d := g.d
	tstat := r_tstat.Get(d.regs)
	ack := uint32(0)
	for qi := range d.tx_queues {
		if g.tx_bitmap&(1<<uint(qi)) != 0 && tstat&tstat_txf(qi) != 0 {
			ack |= tstat_txf(qi)
		}
	}
	if ack == 0 {
		return 0, true
	}
	r_tstat.Set(d.regs, ack)
	done = true
	for qi := range d.tx_queues {
		if g.tx_bitmap&(1<<uint(qi)) == 0 || tstat&tstat_txf(qi) == 0 {
			continue
		}
		n := d.txpath.reclaim(d, &d.tx_queues[qi], budget)
		work += n
		if n == budget {
			done = false
		}
	}
	return
}

// complete_rx is the napi-complete analog: unmask under grplock, clear
// the handled events, then recheck for events that slipped in while
// the mask was off.
func (g *group) complete_rx() (again bool) {
	d := g.d
	g.grplock.Lock()
	g.imask |= imask_default & ievent_rx_mask
	g.reg(r_imask).Set(d.regs, g.imask)
	ev := g.reg(r_ievent).Get(d.regs)
	g.grplock.Unlock()
	return ev&ievent_rx_mask != 0
}

func (g *group) complete_tx() (again bool) {
	d := g.d
	g.grplock.Lock()
	g.imask |= imask_default & ievent_tx_mask
	g.reg(r_imask).Set(d.regs, g.imask)
	ev := g.reg(r_ievent).Get(d.regs)
	g.grplock.Unlock()
	return ev&ievent_tx_mask != 0
}

// schedule_rx masks receive interrupts and wakes the receive poller.
// Called from interrupt context with the event bits already observed.
func (g *group) schedule_rx() {
	d := g.d
	if g.rx.schedule() {
		g.grplock.Lock()
		g.reg(r_ievent).Set(d.regs, ievent_rx_mask)
		g.imask &^= ievent_rx_mask
		g.reg(r_imask).Set(d.regs, g.imask)
		g.grplock.Unlock()
	} else {
		// Poller already owns the events; just ack the interrupt.
		g.reg(r_ievent).Set(d.regs, ievent_rx_mask)
	}
}

func (g *group) schedule_tx() {
	d := g.d
	if g.tx.schedule() {
		g.grplock.Lock()
		g.reg(r_ievent).Set(d.regs, ievent_tx_mask)
		g.imask &^= ievent_tx_mask
		g.reg(r_imask).Set(d.regs, g.imask)
		g.grplock.Unlock()
	} else {
		g.reg(r_ievent).Set(d.regs, ievent_tx_mask)
	}
}

// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package etsec drives the packet ring engine of an eTSEC-class
// gigabit ethernet controller: buffer descriptor rings shared with the
// DMA engine, interrupt-driven budgeted cleanup, a cross-lane buffer
// recycle pool, and the start/stop/reset lifecycle around them.
package etsec

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chuckpreslar/emission"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/platinasystems/etsec/bufpool"
	"github.com/platinasystems/etsec/hw"
	"github.com/platinasystems/etsec/log"
)

// Events emitted on Dev.Events().
const (
	EvtLinkUp   = "link-up"
	EvtLinkDown = "link-down"
	EvtTxWake   = "tx-wake" // payload: queue index
	EvtReset    = "reset"
)

var ErrStopTimeout = errors.New("etsec: graceful stop not acknowledged")

// Dev is one controller instance.
type Dev struct {
	cfg   Config
	regs  hw.Backend
	arena *hw.Arena
	stack Stack

	pool *bufpool.Pool

	rx_queues []rx_queue
	tx_queues []tx_queue
	groups    []group

	txpath transmitPath
	txdone TxDone

	// submit_lane is the recycle pool lane used from Submit context;
	// group poller lanes follow it.
	submit_lane int

	uses_rxfcb     bool
	rx_buffer_size uint32

	running   int32 // atomic
	resetting int32

	// start/halt/mtu-change are serialized by this lock.
	lifecycle sync.Mutex

	wg            sync.WaitGroup
	watchdog_stop chan struct{}

	events *emission.Emitter
	stats  stats

	link struct {
		sync.Mutex
		up     bool
		speed  int // Mb/s
		duplex bool
	}

	log *logrus.Entry
}

// New binds a configuration to a register backend and DMA arena.  The
// device starts halted.
func New(cfg *Config, regs hw.Backend, arena *hw.Arena, stack Stack) (*Dev, error) {
	c := *cfg
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	d := &Dev{
		cfg:    c,
		regs:   regs,
		arena:  arena,
		stack:  stack,
		events: emission.NewEmitter(),
		log:    log.New("etsec").WithField("dev", c.Name),
	}
	switch c.TxVariant {
	case TxBufferExchange:
		d.txpath = xchg_tx{}
	default:
		d.txpath = default_tx{}
	}
	d.uses_rxfcb = c.DeviceFlags&(DevHasCsum|DevHasVlan|DevHasTimer) != 0
	d.submit_lane = c.NumGroups
	return d, nil
}

// Events exposes the device's event emitter (link-up, link-down,
// tx-wake, reset).
func (d *Dev) Events() *emission.Emitter { return d.events }

// SetTxDone installs a transmit completion observer.  Set it before
// Start.
func (d *Dev) SetTxDone(fn TxDone) { d.txdone = fn }

func (d *Dev) is_running() bool { return atomic.LoadInt32(&d.running) != 0 }

// Start allocates rings and buffers, programs the controller and
// enables interrupts.  A failure part way through unwinds completely.
func (d *Dev) Start() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	return d.start()
}

func (d *Dev) start() (err error) {
	if d.is_running() {
		return nil
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, d.teardown())
		}
	}()

	c := &d.cfg
	d.rx_buffer_size = buffer_size(frame_size(c.MTU))
	d.pool, err = bufpool.New(d.arena, bufpool.Config{
		BufferSize: d.rx_buffer_size,
		Align:      64,
		Lanes:      c.PoolLanes,
		LocalMax:   c.PoolLocalMax,
	})
	if err != nil {
		return err
	}

	if err = d.alloc_queues(); err != nil {
		return err
	}
	d.setup_groups()
	d.program()

	for gi := range d.groups {
		d.groups[gi].start(d)
	}
	d.watchdog_stop = make(chan struct{})
	d.wg.Add(1)
	go d.watchdog()

	atomic.StoreInt32(&d.running, 1)
	d.log.WithFields(logrus.Fields{
		"rx-queues": c.NumRxQueues,
		"tx-queues": c.NumTxQueues,
		"groups":    c.NumGroups,
		"mtu":       c.MTU,
	}).Info("started")
	return nil
}

func (d *Dev) alloc_queues() error {
	c := &d.cfg
	d.rx_queues = make([]rx_queue, c.NumRxQueues)
	for qi := range d.rx_queues {
		q := &d.rx_queues[qi]
		q.index = qi
		var err error
		if q.ring, err = d.new_ring(c.RxRingSize); err != nil {
			return fmt.Errorf("rx ring %d: %w", qi, err)
		}
		q.bufs = make([]*bufpool.Buffer, c.RxRingSize)
		addrs := make([]uint32, c.RxRingSize)
		for i := range q.bufs {
			b, err := d.pool.Get(d.submit_lane)
			if err != nil {
				return fmt.Errorf("rx ring %d buffers: %w", qi, err)
			}
			q.bufs[i] = b
			addrs[i] = b.DataAddr()
		}
		q.ring.init_rx(addrs)
		if qi < len(c.RxCoalescing) {
			q.coal = c.RxCoalescing[qi]
		}
	}
	d.tx_queues = make([]tx_queue, c.NumTxQueues)
	for qi := range d.tx_queues {
		q := &d.tx_queues[qi]
		q.index = qi
		var err error
		if q.ring, err = d.new_ring(c.TxRingSize); err != nil {
			return fmt.Errorf("tx ring %d: %w", qi, err)
		}
		q.slots = make([]tx_slot, c.TxRingSize)
		q.num_free = c.TxRingSize
		q.ring.init_tx()
		if qi < len(c.TxCoalescing) {
			q.coal = c.TxCoalescing[qi]
		}
	}
	return nil
}

// setup_groups distributes queues round robin across interrupt groups.
func (d *Dev) setup_groups() {
	d.groups = make([]group, d.cfg.NumGroups)
	for gi := range d.groups {
		g := &d.groups[gi]
		g.index = gi
		g.d = d
		g.lane = gi
		g.imask = imask_default
	}
	for qi := range d.rx_queues {
		g := &d.groups[qi%len(d.groups)]
		g.rx_bitmap |= 1 << uint(qi)
		d.rx_queues[qi].grp = g
	}
	for qi := range d.tx_queues {
		g := &d.groups[qi%len(d.groups)]
		g.tx_bitmap |= 1 << uint(qi)
		d.tx_queues[qi].grp = g
	}
}

// program writes the full register configuration for a fresh start.
func (d *Dev) program() {
	c := &d.cfg

	// Quiesce and clear stale events before touching ring bases.
	r_dmactrl.Set(d.regs, dmactrl_init_settings)
	for gi := range d.groups {
		g := &d.groups[gi]
		g.reg(r_imask).Set(d.regs, imask_init_clear)
		g.reg(r_ievent).Set(d.regs, ievent_init_clear)
	}

	r_mrblr.Set(d.regs, d.rx_buffer_size)
	r_maxfrm.Set(d.regs, frame_size(c.MTU))
	r_minflr.Set(d.regs, min_frame_size)

	for qi := range d.rx_queues {
		q := &d.rx_queues[qi]
		rbase_reg(qi).Set(d.regs, q.ring.base)
		rxic_reg(qi).Set(d.regs, ic_value(q.coal.Enable, q.coal.Frames, q.coal.Timer))
	}
	for qi := range d.tx_queues {
		q := &d.tx_queues[qi]
		tbase_reg(qi).Set(d.regs, q.ring.base)
		txic_reg(qi).Set(d.regs, ic_value(q.coal.Enable, q.coal.Frames, q.coal.Timer))
	}

	if c.BDStash || c.RxStashSize > 0 {
		var attr uint32
		if c.BDStash {
			attr |= 1 << 11
		}
		if c.RxStashSize > 0 {
			attr |= 1 << 12
			r_attreli.Set(d.regs, uint32(c.RxStashSize)<<16|uint32(c.RxStashIdx))
		}
		r_attr.Set(d.regs, attr)
	}

	mac2 := uint32(maccfg2_if_mode_gmii | maccfg2_padcrc | maccfg2_full_duplex)
	if frame_size(c.MTU) > 1536 {
		mac2 |= maccfg2_huge_frame
	}
	r_maccfg2.Set(d.regs, mac2)

	// Clear any halt state, enable the MAC, then unmask.
	hw.MemoryBarrier()
	var thlt, rhlt uint32
	for qi := range d.tx_queues {
		thlt |= tstat_thlt(qi)
	}
	for qi := range d.rx_queues {
		rhlt |= rstat_qhlt(qi)
	}
	r_tstat.Set(d.regs, thlt)
	r_rstat.Set(d.regs, rhlt)

	r_maccfg1.Or(d.regs, maccfg1_rx_en|maccfg1_tx_en)
	for gi := range d.groups {
		g := &d.groups[gi]
		g.imask = imask_default
		g.reg(r_imask).Set(d.regs, g.imask)
	}
}

// Halt gracefully stops DMA, disables the MAC, stops the workers and
// frees rings and buffers.  Halting a halted device is a no-op.
func (d *Dev) Halt() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	return d.halt()
}

func (d *Dev) halt() error {
	if !atomic.CompareAndSwapInt32(&d.running, 1, 0) {
		return nil
	}

	// Mask everything first so pollers stop being scheduled.
	for gi := range d.groups {
		g := &d.groups[gi]
		g.grplock.Lock()
		g.imask = imask_init_clear
		g.reg(r_imask).Set(d.regs, g.imask)
		g.grplock.Unlock()
	}

	err := d.graceful_stop()

	r_maccfg1.Andnot(d.regs, maccfg1_rx_en|maccfg1_tx_en)

	close(d.watchdog_stop)
	for gi := range d.groups {
		d.groups[gi].stop()
	}
	d.wg.Wait()

	err = multierr.Append(err, d.teardown())
	d.log.Info("halted")
	return err
}

const stop_wait = 100 * time.Millisecond
const stop_poll = time.Millisecond

// graceful_stop asks the DMA engine to finish in-flight frames and
// waits for both stop acknowledgements.  On parts where the receive
// acknowledgement can be lost the rx-idle heuristic register breaks
// the wait.
func (d *Dev) graceful_stop() error {
	dma := r_dmactrl.Get(d.regs)
	if dma&(dmactrl_grs|dmactrl_gts) == (dmactrl_grs | dmactrl_gts) {
		return nil // already stopping
	}
	g0 := &d.groups[0]
	g0.reg(r_ievent).Set(d.regs, ievent_grsc|ievent_gtsc)
	r_dmactrl.Or(d.regs, dmactrl_grs|dmactrl_gts)

	want := uint32(ievent_grsc | ievent_gtsc)
	deadline := time.Now().Add(stop_wait)
	for {
		ev := g0.reg(r_ievent).Get(d.regs)
		if ev&want == want {
			return nil
		}
		if ev&ievent_grsc == 0 && d.cfg.DeviceFlags&DevRMonUnreliable != 0 {
			// The stop completed but the event write was lost; the
			// idle heuristic register says whether rx DMA is quiet.
			if d.rx_is_idle() {
				ev |= ievent_grsc
				if ev&want == want {
					return nil
				}
			}
		}
		if time.Now().After(deadline) {
			d.log.WithField("ievent", fmt.Sprintf("%#x", ev)).
				Warn("graceful stop timeout")
			return ErrStopTimeout
		}
		time.Sleep(stop_poll)
	}
}

func (d *Dev) rx_is_idle() bool {
	v := r_rx_idle.Get(d.regs)
	return v&(1<<31) != 0
}

// teardown reclaims rings and every buffer the driver still owns.
func (d *Dev) teardown() error {
	for qi := range d.tx_queues {
		q := &d.tx_queues[qi]
		for i := range q.slots {
			if b := q.slots[i].buf; b != nil {
				d.free_tx_buffer(d.submit_lane, b)
				q.slots[i] = tx_slot{}
			}
		}
		q.ring.free(d)
	}
	for qi := range d.rx_queues {
		q := &d.rx_queues[qi]
		for i, b := range q.bufs {
			if b != nil {
				d.pool.Put(d.submit_lane, b)
				q.bufs[i] = nil
			}
		}
		q.ring.free(d)
	}
	d.rx_queues = nil
	d.tx_queues = nil
	d.groups = nil
	if d.pool != nil {
		d.pool.Teardown()
		d.pool = nil
	}
	return nil
}

// ChangeMTU revalidates the frame size and, on a running device,
// cycles it so rings come back with buffers of the new size.
func (d *Dev) ChangeMTU(mtu uint32) error {
	fs := frame_size(mtu)
	if fs < min_frame_size || fs > jumbo_frame_size {
		return fmt.Errorf("etsec: mtu %d gives frame size %d outside [%d,%d]",
			mtu, fs, min_frame_size, jumbo_frame_size)
	}
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	was_running := d.is_running()
	if was_running {
		if err := d.halt(); err != nil {
			return err
		}
	}
	d.cfg.MTU = mtu
	d.log.WithField("mtu", mtu).Info("mtu changed")
	if was_running {
		return d.start()
	}
	return nil
}

// Pool exposes the recycle pool while running; the stack returns
// delivered buffers through it.
func (d *Dev) Pool() *bufpool.Pool { return d.pool }

// StackLane is the pool lane for upper-stack buffer returns.
func (d *Dev) StackLane() int { return d.submit_lane }

// ring_corrupt records an invariant violation and schedules a reset;
// the hot path never panics on descriptor state.
func (d *Dev) ring_corrupt(queue int, err error) {
	d.log.WithField("queue", queue).WithError(err).Error("ring corrupt")
	d.reset_task()
}

// reset_task halts and restarts the device once; concurrent triggers
// collapse into a single reset.
func (d *Dev) reset_task() {
	if !atomic.CompareAndSwapInt32(&d.resetting, 0, 1) {
		return
	}
	go func() {
		defer atomic.StoreInt32(&d.resetting, 0)
		d.lifecycle.Lock()
		defer d.lifecycle.Unlock()
		if !d.is_running() {
			return
		}
		count(&d.stats.resets)
		d.log.Warn("resetting")
		err := multierr.Append(d.halt(), d.start())
		if err != nil {
			d.log.WithError(err).Error("reset failed")
		}
		d.events.EmitSync(EvtReset)
	}()
}

// watchdog fires a reset when frames sit in flight with no transmit
// progress across a full interval.
func (d *Dev) watchdog() {
	defer d.wg.Done()
	t := time.NewTicker(d.cfg.WatchdogTimeout)
	defer t.Stop()
	var last []uint64
	for {
		select {
		case <-d.watchdog_stop:
			return
		case <-t.C:
		}
		if !d.is_running() {
			return
		}
		if last == nil {
			last = make([]uint64, len(d.tx_queues))
			for qi := range d.tx_queues {
				last[qi] = atomic.LoadUint64(&d.tx_queues[qi].cleaned)
			}
			continue
		}
		stalled := false
		for qi := range d.tx_queues {
			q := &d.tx_queues[qi]
			cleaned := atomic.LoadUint64(&q.cleaned)
			q.mu.Lock()
			in_flight := q.num_free < q.ring.len
			q.mu.Unlock()
			if in_flight && cleaned == last[qi] {
				stalled = true
			}
			last[qi] = cleaned
		}
		if stalled {
			count(&d.stats.tx_timeout)
			d.log.Warn("tx watchdog timeout")
			d.reset_task()
		}
	}
}

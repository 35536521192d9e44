// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/platinasystems/etsec/sim"
)

// egressLog captures what the model transmitted.
type egressLog struct {
	mu     sync.Mutex
	frames [][]byte
}

func (e *egressLog) hook(q int, frame []byte) {
	e.mu.Lock()
	e.frames = append(e.frames, frame)
	e.mu.Unlock()
}

func (e *egressLog) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

func (e *egressLog) frame(i int) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames[i]
}

// stall_tx keeps the model from consuming the transmit ring.
func (f *fixture) stall_tx() {
	f.model.StoreReg(uint32(r_dmactrl), dmactrl_init_settings|dmactrl_gts)
}

// release_tx lets it run again and kicks the queue.
func (f *fixture) release_tx(queue int) {
	f.model.StoreReg(uint32(r_dmactrl), dmactrl_init_settings)
	f.model.StoreReg(uint32(r_tstat), tstat_thlt(queue))
}

func TestTxTransmit(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t)
	eg := &egressLog{}
	f.model.SetEgress(eg.hook)

	want := ethFrame(120, 0xab)
	a.NoError(f.dev.Submit(0, &Packet{Head: f.txBuffer(t, want)}))

	waitFor(t, func() bool { return eg.count() == 1 }, "egress")
	a.Equal(want, eg.frame(0))

	waitFor(t, func() bool {
		return f.dev.TxFree(0) == f.dev.cfg.TxRingSize
	}, "ring drained back to full")
	a.EqualValues(1, f.dev.Snapshot().TxPackets)
}

func TestTxExhaustionAndWake(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t, func(c *Config, s *sim.Config) {
		c.TxRingSize = 4
	})

	var wakes int32
	f.dev.Events().On(EvtTxWake, func(queue int) {
		atomic.AddInt32(&wakes, 1)
	})

	f.stall_tx()
	for i := 0; i < 4; i++ {
		a.NoError(f.dev.Submit(0, &Packet{Head: f.txBuffer(t, ethFrame(64, byte(i)))}))
	}
	a.True(f.dev.TxStopped(0), "queue stopped at zero free")
	a.EqualValues(0, f.dev.TxFree(0))

	b := f.txBuffer(t, ethFrame(64, 5))
	a.ErrorIs(f.dev.Submit(0, &Packet{Head: b}), ErrTxBusy)

	f.release_tx(0)
	waitFor(t, func() bool { return !f.dev.TxStopped(0) }, "wake")
	a.NoError(f.dev.Submit(0, &Packet{Head: b}), "submit after wake")
	waitFor(t, func() bool {
		return f.dev.Snapshot().TxPackets == 5
	}, "all frames complete")
	a.True(atomic.LoadInt32(&wakes) >= 1, "wake event emitted")
}

func TestTxInOrder(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t, func(c *Config, s *sim.Config) {
		c.TxRingSize = 8
	})
	eg := &egressLog{}
	f.model.SetEgress(eg.hook)

	const n = 20 // wraps the ring twice
	sent := 0
	for i := 0; i < n; i++ {
		err := f.dev.Submit(0, &Packet{Head: f.txBuffer(t, ethFrame(64, byte(i)))})
		a.NoError(err)
		sent++
	}
	waitFor(t, func() bool { return eg.count() == sent }, "all egressed")
	for i := 0; i < sent; i++ {
		a.EqualValues(byte(i), eg.frame(i)[0], "frame %d out of order", i)
	}
}

func TestTxFragments(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t)
	eg := &egressLog{}
	f.model.SetEgress(eg.hook)

	head := f.txBuffer(t, ethFrame(64, 1))
	frag1 := f.txBuffer(t, ethFrame(32, 2))
	frag2 := f.txBuffer(t, ethFrame(16, 3))
	head.AddFrag(frag1)
	head.AddFrag(frag2)

	a.NoError(f.dev.Submit(0, &Packet{Head: head}))
	waitFor(t, func() bool { return eg.count() == 1 }, "egress")

	got := eg.frame(0)
	a.Len(got, 64+32+16)
	a.EqualValues(1, got[0])
	a.EqualValues(2, got[64])
	a.EqualValues(3, got[96])

	waitFor(t, func() bool {
		return f.dev.TxFree(0) == f.dev.cfg.TxRingSize
	}, "all three descriptors reclaimed")
}

func TestTxChecksumFCB(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t, func(c *Config, s *sim.Config) {
		c.DeviceFlags = DevHasCsum
	})
	eg := &egressLog{}
	f.model.SetEgress(eg.hook)

	want := ethFrame(90, 0x11)
	a.NoError(f.dev.Submit(0, &Packet{
		Head:        f.txBuffer(t, want),
		CsumOffload: true,
		CsumStart:   34,
		CsumOffset:  6,
	}))
	waitFor(t, func() bool { return eg.count() == 1 }, "egress")
	// The model strips the control block; the wire frame is unchanged.
	a.Equal(want, eg.frame(0))
}

func TestTxBytesWireLength(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t, func(c *Config, s *sim.Config) {
		c.DeviceFlags = DevHasCsum
	})
	eg := &egressLog{}
	f.model.SetEgress(eg.hook)

	head := f.txBuffer(t, ethFrame(64, 1))
	head.AddFrag(f.txBuffer(t, ethFrame(32, 2)))
	a.NoError(f.dev.Submit(0, &Packet{
		Head:        head,
		CsumOffload: true,
		CsumStart:   34,
	}))
	waitFor(t, func() bool {
		return f.dev.Snapshot().TxPackets == 1
	}, "completion")

	// Byte counters see the wire frame: fragments included, the
	// prepended control block not.
	s := f.dev.Snapshot()
	a.EqualValues(96, s.TxBytes)
	a.EqualValues(96, s.TxQueue[0].Bytes)
	a.Len(eg.frame(0), 96)
}

func TestTxTimestamp(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t, func(c *Config, s *sim.Config) {
		c.DeviceFlags = DevHasTimer
	})
	eg := &egressLog{}
	f.model.SetEgress(eg.hook)

	var mu sync.Mutex
	var stamps []uint64
	f.dev.SetTxDone(func(q int, ts uint64) {
		mu.Lock()
		stamps = append(stamps, ts)
		mu.Unlock()
	})

	want := ethFrame(70, 0x22)
	a.NoError(f.dev.Submit(0, &Packet{
		Head:      f.txBuffer(t, want),
		Timestamp: true,
	}))
	waitFor(t, func() bool { return eg.count() == 1 }, "egress")
	a.Equal(want, eg.frame(0))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stamps) == 1
	}, "timestamp completion")
	mu.Lock()
	a.NotZero(stamps[0], "timestamp recovered from the control descriptor")
	mu.Unlock()
	a.EqualValues(1, f.dev.Snapshot().TxTimestamps)
}

func TestTxNoPartialFrameVisible(t *testing.T) {
	// The first descriptor's ready bit is set last; whenever the model
	// sees it, the fragment descriptors are complete.  The model
	// panics on a bad buffer address, so a clean run of many
	// multi-descriptor frames is the assertion.
	a, _ := makeAR(t)
	f := newFixture(t, func(c *Config, s *sim.Config) {
		c.TxRingSize = 16
	})
	eg := &egressLog{}
	f.model.SetEgress(eg.hook)

	sent := 0
	for i := 0; i < 50; i++ {
		head := f.txBuffer(t, ethFrame(64, byte(i)))
		head.AddFrag(f.txBuffer(t, ethFrame(32, byte(i))))
		err := f.dev.Submit(0, &Packet{Head: head})
		if err == ErrTxBusy {
			f.dev.free_tx_buffer(f.dev.submit_lane, head)
			continue
		}
		a.NoError(err)
		sent++
	}
	waitFor(t, func() bool { return eg.count() == sent }, "all egressed")
	for i := 0; i < sent; i++ {
		a.Len(eg.frame(i), 96)
	}
}

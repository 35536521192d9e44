// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import (
	"testing"
	"time"

	"github.com/platinasystems/etsec/sim"
)

func TestHaltIdempotent(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t)

	a.NoError(f.dev.Halt())
	a.NoError(f.dev.Halt(), "second halt is a no-op")
	a.NoError(f.dev.Start(), "restart after halt")

	// Traffic still flows after the cycle.
	a.True(f.model.Inject(0, ethFrame(64, 1)))
	waitFor(t, func() bool { return f.stack.count() == 1 }, "delivery")
}

func TestHaltUnreliableStopAck(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t, func(c *Config, s *sim.Config) {
		c.DeviceFlags = DevRMonUnreliable
		s.UnreliableStopAck = true
	})

	// The receive stop event is lost; the idle heuristic register must
	// break the wait instead of the timeout.
	start := time.Now()
	a.NoError(f.dev.Halt())
	a.Less(time.Since(start), stop_wait, "halt did not ride out the timeout")
}

func TestHaltStopTimeout(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t, func(c *Config, s *sim.Config) {
		s.UnreliableStopAck = true
		// No unreliable-ack flag: the driver trusts the event and must
		// time out waiting for it.
	})
	a.ErrorIs(f.dev.Halt(), ErrStopTimeout)
}

func TestSubmitAfterHalt(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t)
	b := f.txBuffer(t, ethFrame(64, 1))
	a.NoError(f.dev.Halt())
	a.ErrorIs(f.dev.Submit(0, &Packet{Head: b}), ErrNotRunning)
}

func TestLateInterruptAfterHalt(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t)
	g := &f.dev.groups[0]

	a.NoError(f.dev.Halt())

	// An interrupt can pass the running check just before the halt
	// flips it and still try to kick the pollers afterwards.  The wake
	// channels outlive the workers, so this must be a no-op, not a
	// panic.
	g.rx.schedule()
	g.tx.schedule()
	f.dev.Interrupt(0, LineCombined)

	a.NoError(f.dev.Start(), "device restarts cleanly afterwards")
	a.True(f.model.Inject(0, ethFrame(64, 1)))
	waitFor(t, func() bool { return f.stack.count() == 1 }, "traffic resumes")
}

func TestChangeMTU(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t)

	a.Error(f.dev.ChangeMTU(20000), "over jumbo limit")
	a.Error(f.dev.ChangeMTU(1), "under minimum frame size")

	a.NoError(f.dev.ChangeMTU(9000))
	a.True(f.dev.is_running(), "device restarted")
	a.Equal(buffer_size(frame_size(9000)), f.dev.rx_buffer_size,
		"buffers rounded up to the increment")

	big := ethFrame(3000, 0x5a)
	a.True(f.model.Inject(0, big))
	waitFor(t, func() bool { return f.stack.count() == 1 }, "jumbo delivery")
	a.Len(f.stack.frame(0).data, 3000)
}

func TestChangeMTUHalted(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t)
	a.NoError(f.dev.Halt())
	a.NoError(f.dev.ChangeMTU(9000), "mtu change on a halted device sticks")
	a.False(f.dev.is_running())
	a.NoError(f.dev.Start())
}

func TestWatchdogReset(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t, func(c *Config, s *sim.Config) {
		c.WatchdogTimeout = 20 * time.Millisecond
	})

	resets := make(chan struct{}, 4)
	f.dev.Events().On(EvtReset, func() { resets <- struct{}{} })

	// Wedge the transmitter and leave a frame in flight.
	f.stall_tx()
	a.NoError(f.dev.Submit(0, &Packet{Head: f.txBuffer(t, ethFrame(64, 1))}))

	select {
	case <-resets:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never fired")
	}
	a.NotZero(f.dev.Snapshot().TxTimeout)
	a.NotZero(f.dev.Snapshot().Resets)

	// The reset re-ran start(): device is usable again.
	waitFor(t, func() bool { return f.dev.is_running() }, "restart")
	a.True(f.model.Inject(0, ethFrame(64, 2)))
	waitFor(t, func() bool { return f.stack.count() >= 1 }, "rx after reset")
}

func TestRxCoalescing(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t, func(c *Config, s *sim.Config) {
		c.RxCoalescing = []Coalescing{{Enable: true, Frames: 4, Timer: 0}}
	})

	for i := 0; i < 3; i++ {
		a.True(f.model.Inject(0, ethFrame(64, byte(i))))
	}
	// No timer configured: three frames sit below the threshold.
	time.Sleep(20 * time.Millisecond)
	a.Equal(0, f.stack.count(), "interrupt held back under the frame count")

	a.True(f.model.Inject(0, ethFrame(64, 3)))
	waitFor(t, func() bool { return f.stack.count() == 4 }, "burst delivery")
}

func TestRxCoalescingTimer(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t, func(c *Config, s *sim.Config) {
		c.RxCoalescing = []Coalescing{{Enable: true, Frames: 16, Timer: 100}}
	})

	a.True(f.model.Inject(0, ethFrame(64, 1)))
	// One frame, far under the count; only the timer can deliver it.
	waitFor(t, func() bool { return f.stack.count() == 1 }, "timer flush")
}

func TestCoalescingReadback(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t)

	want := Coalescing{Enable: true, Frames: 8, Timer: 64}
	a.NoError(f.dev.SetRxCoalescing(0, want))
	got, err := f.dev.RxCoalescing(0)
	a.NoError(err)
	a.Equal(want, got)

	a.NoError(f.dev.SetTxCoalescing(0, want))
	got, err = f.dev.TxCoalescing(0)
	a.NoError(err)
	a.Equal(want, got)

	a.Error(f.dev.SetRxCoalescing(9, want), "no such queue")
}

func TestLinkEvents(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t)

	ups := make(chan int, 1)
	downs := make(chan struct{}, 1)
	f.dev.Events().On(EvtLinkUp, func(speed int, duplex bool) { ups <- speed })
	f.dev.Events().On(EvtLinkDown, func() { downs <- struct{}{} })

	f.dev.OnLinkChange(true, 1000, true)
	a.True(f.dev.LinkUp())
	select {
	case s := <-ups:
		a.Equal(1000, s)
	default:
		t.Fatal("no link-up event")
	}

	f.dev.OnLinkChange(true, 1000, true) // no change, no event
	select {
	case <-ups:
		t.Fatal("duplicate link-up event")
	default:
	}

	f.dev.OnLinkChange(false, 0, false)
	a.False(f.dev.LinkUp())
	select {
	case <-downs:
	default:
		t.Fatal("no link-down event")
	}
}

func TestMultiQueueGroups(t *testing.T) {
	a, _ := makeAR(t)
	f := newFixture(t, func(c *Config, s *sim.Config) {
		c.NumRxQueues = 2
		c.NumTxQueues = 2
		c.NumGroups = 2
		c.DeviceFlags = DevHasMultiGroup | DevHasMultiIntr
		s.MultiIntr = true
	})

	a.True(f.model.Inject(0, ethFrame(64, 0)))
	a.True(f.model.Inject(1, ethFrame(64, 1)))
	waitFor(t, func() bool { return f.stack.count() == 2 }, "both queues")

	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		seen[f.stack.frame(i).meta.Queue] = true
	}
	a.True(seen[0] && seen[1], "one frame per queue")

	eg := &egressLog{}
	f.model.SetEgress(eg.hook)
	a.NoError(f.dev.Submit(0, &Packet{Head: f.txBuffer(t, ethFrame(64, 2))}))
	a.NoError(f.dev.Submit(1, &Packet{Head: f.txBuffer(t, ethFrame(64, 3))}))
	waitFor(t, func() bool { return eg.count() == 2 }, "both tx queues")
}

// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinasystems/etsec/bufpool"
	"github.com/platinasystems/etsec/hw"
	"github.com/platinasystems/etsec/sim"
)

func makeAR(t require.TestingT) (*assert.Assertions, *require.Assertions) {
	return assert.New(t), require.New(t)
}

type delivered struct {
	data []byte
	meta RxMeta
}

// testStack collects delivered frames and recycles their buffers.
type testStack struct {
	mu     sync.Mutex
	frames []delivered
	reject bool // refuse delivery, for kernel_dropped tests
	dev    *Dev
}

func (st *testStack) Deliver(b *bufpool.Buffer, m RxMeta) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.reject {
		return false
	}
	data := append([]byte(nil), b.Data()...)
	st.frames = append(st.frames, delivered{data: data, meta: m})
	st.dev.pool.Put(st.dev.submit_lane, b)
	return true
}

func (st *testStack) count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.frames)
}

func (st *testStack) frame(i int) delivered {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.frames[i]
}

type fixture struct {
	arena *hw.Arena
	model *sim.Dev
	dev   *Dev
	stack *testStack
}

// newFixture starts a device against the model.  Mutators adjust the
// configs before anything is built.
func newFixture(t *testing.T, mut ...func(*Config, *sim.Config)) *fixture {
	_, r := makeAR(t)

	cfg := &Config{Name: "test0"}
	scfg := sim.Config{}
	for _, m := range mut {
		m(cfg, &scfg)
	}
	scfg.NumGroups = cfg.NumGroups
	scfg.NumRxQueues = cfg.NumRxQueues
	scfg.NumTxQueues = cfg.NumTxQueues

	f := &fixture{
		arena: hw.NewArena(32 << 20),
		stack: &testStack{},
	}
	f.model = sim.New(f.arena, scfg)

	var err error
	f.dev, err = New(cfg, f.model, f.arena, f.stack)
	r.NoError(err)
	f.stack.dev = f.dev
	f.model.SetIRQ(func(grp, line int) {
		f.dev.Interrupt(grp, IRQLine(line))
	})

	r.NoError(f.dev.Start())
	t.Cleanup(func() {
		f.dev.Halt()
		f.model.Stop()
	})
	return f
}

// waitFor spins until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// ethFrame builds a minimal frame of n bytes with a recognizable fill.
func ethFrame(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	b[12], b[13] = 0x08, 0x00
	return b
}

// txBuffer pulls a pool buffer holding the given bytes.
func (f *fixture) txBuffer(t *testing.T, frame []byte) *bufpool.Buffer {
	t.Helper()
	b, err := f.dev.pool.Get(f.dev.submit_lane)
	if err != nil {
		t.Fatal(err)
	}
	copy(b.Put(uint32(len(frame))), frame)
	return b
}

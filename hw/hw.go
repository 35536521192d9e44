// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hw models the memory and register interface shared between the
// driver and a DMA engine: a bus-addressed buffer arena, descriptor ring
// storage, and 32 bit device registers.
package hw

import (
	"sync/atomic"
)

// Backend is the register access path to a device (real or modeled).
// Loads and stores are uncached and complete in order with respect to
// each other.
type Backend interface {
	LoadReg(offset uint32) uint32
	StoreReg(offset, value uint32)
}

// Reg is a 32 bit device register identified by byte offset.
type Reg uint32

func (r Reg) Get(b Backend) uint32     { return b.LoadReg(uint32(r)) }
func (r Reg) Set(b Backend, v uint32)  { b.StoreReg(uint32(r), v) }
func (r Reg) Or(b Backend, v uint32)   { r.Set(b, r.Get(b)|v) }
func (r Reg) Andnot(b Backend, v uint32) {
	r.Set(b, r.Get(b)&^v)
}

var barrierWord uint32

// MemoryBarrier orders all prior memory writes before any later ones, as
// seen by the DMA engine.  Descriptor address writes must not be
// reordered past the ownership flag write.
func MemoryBarrier() { atomic.AddUint32(&barrierWord, 1) }

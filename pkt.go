// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import "github.com/platinasystems/etsec/bufpool"

// Packet is one frame crossing the driver boundary.  Head holds the
// first (or only) segment; fragments hang off the head buffer.
type Packet struct {
	Head *bufpool.Buffer

	// Transmit offload requests.
	CsumOffload bool   // insert L4 checksum (needs an FCB)
	CsumStart   uint16 // offset of L4 header from frame start
	CsumOffset  uint16 // offset of checksum field within L4 header
	VlanTag     uint16 // inserted when VlanInsert is set
	VlanInsert  bool
	Timestamp   bool // request a transmit timestamp

	// Software segmentation.
	MSS uint16 // nonzero: segment into MSS-sized tcp frames
}

// Len is the total frame length across all segments.
func (p *Packet) Len() (n uint32) {
	n = uint32(len(p.Head.Data()))
	for _, f := range p.Head.Frags() {
		n += uint32(len(f.Data()))
	}
	return
}

func (p *Packet) nfrags() int { return len(p.Head.Frags()) }

// RxMeta describes a received frame to the upper stack.
type RxMeta struct {
	Queue     int
	CsumOk    bool   // hardware verified the L4 checksum
	VlanTag   uint16 // extracted tag, valid when VlanValid
	VlanValid bool
	Hash      uint32 // receive queue filer hash
}

// Stack consumes received frames.  Deliver owns buf on true; on false
// the driver reclaims the buffer and counts the frame dropped.
type Stack interface {
	Deliver(buf *bufpool.Buffer, meta RxMeta) bool
}

// TxDone, when non-nil on a Dev, observes completed transmits.  ts is
// nonzero only for frames submitted with Timestamp set.
type TxDone func(queue int, ts uint64)

// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import "encoding/binary"

// Frame control block: 8 bytes prepended to a frame when any offload is
// in play.  TX: flags tell the controller what to insert; RX: flags
// report what the controller checked or extracted.
const fcb_len = 8

const (
	// TX flags.
	fcb_vln = 1 << 7 // insert vlan tag from ctu/l4os words
	fcb_ip  = 1 << 6 // frame is ip
	fcb_ip6 = 1 << 5
	fcb_tup = 1 << 4 // l4 is tcp or udp
	fcb_udp = 1 << 3
	fcb_cip = 1 << 2 // generate ip header checksum
	fcb_ctu = 1 << 1 // generate tcp/udp checksum
	fcb_nph = 1 << 0 // no pseudo header checksum seeded

	// RX flags (byte 0).
	fcb_rx_vln = 1 << 7 // vlan tag extracted
	fcb_rx_ip  = 1 << 6 // ip header checksum checked
	fcb_rx_tup = 1 << 4 // l4 checksum checked
	fcb_rx_cip = 1 << 2 // ip checksum error
	fcb_rx_ctu = 1 << 1 // l4 checksum error
	fcb_rx_pro = 1 << 3 // parse error
)

// fcb is the decoded form.
type fcb struct {
	flags uint8
	l4os  uint8  // l4 header offset from l3
	l3os  uint8  // l3 header offset from frame start
	phcs  uint16 // pseudo header checksum seed (tx)
	vlctl uint16 // vlan tag (tx insert / rx extract)
}

func (f *fcb) encode(b []byte) {
	b[0] = f.flags
	b[1] = 0
	b[2] = f.l4os
	b[3] = f.l3os
	binary.BigEndian.PutUint16(b[4:], f.phcs)
	binary.BigEndian.PutUint16(b[6:], f.vlctl)
}

func (f *fcb) decode(b []byte) {
	f.flags = b[0]
	f.l4os = b[2]
	f.l3os = b[3]
	f.phcs = binary.BigEndian.Uint16(b[4:])
	f.vlctl = binary.BigEndian.Uint16(b[6:])
}

// tx_fcb builds the control block for a submit request.
func tx_fcb(p *Packet) (f fcb) {
	if p.VlanInsert {
		f.flags |= fcb_vln
		f.vlctl = p.VlanTag
	}
	if p.CsumOffload {
		f.flags |= fcb_ip | fcb_tup | fcb_ctu | fcb_nph
		f.l3os = 14 // ethernet header
		f.l4os = uint8(p.CsumStart) - f.l3os
	}
	return
}

// rx_meta translates a received control block into delivery metadata.
func (f *fcb) rx_meta(m *RxMeta) {
	if f.flags&fcb_rx_vln != 0 {
		m.VlanValid = true
		m.VlanTag = f.vlctl
	}
	if f.flags&fcb_rx_tup != 0 && f.flags&(fcb_rx_ctu|fcb_rx_pro) == 0 {
		m.CsumOk = true
	}
}

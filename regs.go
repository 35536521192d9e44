// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import "github.com/platinasystems/etsec/hw"

// Register map.  One block per interrupt group; group 0 also carries the
// device-global MAC and DMA control registers.
const group_reg_stride = 0x1000

const (
	// Global (group 0) registers.
	r_ievent  hw.Reg = 0x010 // event, write 1 to clear
	r_imask   hw.Reg = 0x014 // interrupt mask
	r_edis    hw.Reg = 0x018 // error disable
	r_ecntrl  hw.Reg = 0x020
	r_minflr  hw.Reg = 0x024 // minimum frame length
	r_ptv     hw.Reg = 0x028 // pause time
	r_dmactrl hw.Reg = 0x02c
	r_tbipa   hw.Reg = 0x030

	r_tstat hw.Reg = 0x104 // tx status; clear THLT to restart dma
	r_txic  hw.Reg = 0x110 // tx interrupt coalescing, queue 0
	r_txic0 hw.Reg = 0x140 // per queue coalescing base (4 byte stride)

	r_rstat hw.Reg = 0x304 // rx status; clear QHLT to restart dma
	r_rxic  hw.Reg = 0x310
	r_rxic0 hw.Reg = 0x340

	r_tbase0 hw.Reg = 0x204 // tx ring base, queue 0 (8 byte stride)
	r_rbase0 hw.Reg = 0x404 // rx ring base, queue 0 (8 byte stride)

	r_maccfg1 hw.Reg = 0x500
	r_maccfg2 hw.Reg = 0x504
	r_maxfrm  hw.Reg = 0x510
	r_mrblr   hw.Reg = 0x514 // max receive buffer length

	r_attr    hw.Reg = 0x708 // stash attributes
	r_attreli hw.Reg = 0x70c // stash extract length/index
	r_dfvlan  hw.Reg = 0x710 // default vlan control
	r_rx_idle hw.Reg = 0xd1c // rx idle heuristic (unreliable-ack parts)
)

func group_reg(r hw.Reg, grp int) hw.Reg {
	return r + hw.Reg(grp*group_reg_stride)
}

func tbase_reg(q int) hw.Reg { return r_tbase0 + hw.Reg(q*8) }
func rbase_reg(q int) hw.Reg { return r_rbase0 + hw.Reg(q*8) }
func txic_reg(q int) hw.Reg  { return r_txic0 + hw.Reg(q*4) }
func rxic_reg(q int) hw.Reg  { return r_rxic0 + hw.Reg(q*4) }

// ievent/imask bits.
const (
	ievent_babr  = 1 << 31 // babbling rx error
	ievent_rxc   = 1 << 30
	ievent_bsy   = 1 << 29 // rx busy: out of descriptors
	ievent_eberr = 1 << 28 // bus error
	ievent_msro  = 1 << 24
	ievent_gtsc  = 1 << 23 // graceful tx stop complete
	ievent_babt  = 1 << 22 // babbling tx error
	ievent_txc   = 1 << 21
	ievent_txe   = 1 << 20 // tx error
	ievent_txb   = 1 << 19
	ievent_txf   = 1 << 18 // tx frame done
	ievent_lc    = 1 << 17 // late collision
	ievent_crl   = 1 << 16 // collision retry limit
	ievent_xfun  = 1 << 15 // tx fifo underrun
	ievent_rxb   = 1 << 14
	ievent_rxf   = 1 << 7 // rx frame done
	ievent_grsc  = 1 << 6 // graceful rx stop complete
	ievent_rxf0  = 1 << 0

	ievent_rx_mask = ievent_rxf | ievent_rxb | ievent_bsy
	ievent_tx_mask = ievent_txf | ievent_txb
	ievent_err_mask = ievent_babr | ievent_babt | ievent_eberr |
		ievent_txe | ievent_lc | ievent_crl | ievent_xfun

	ievent_init_clear = 0xffffffff
)

const (
	imask_default = ievent_rx_mask | ievent_tx_mask | ievent_err_mask |
		ievent_grsc | ievent_gtsc
	imask_rx_disabled = imask_default &^ ievent_rx_mask
	imask_tx_disabled = imask_default &^ ievent_tx_mask
	imask_init_clear  = 0
)

// dmactrl bits.
const (
	dmactrl_gts = 1 << 3 // graceful transmit stop
	dmactrl_grs = 1 << 4 // graceful receive stop
	dmactrl_wwr = 1 << 1 // write with response
	dmactrl_wop = 1 << 0 // wait or poll

	dmactrl_init_settings = dmactrl_wwr | dmactrl_wop
)

// tstat/rstat bits.  Writing a halt bit back clears the halt and makes
// the DMA engine poll the ring again (the doorbell).
const (
	tstat_thlt0 = 1 << 31
	tstat_txf0  = 1 << 15

	rstat_qhlt0 = 1 << 23
	rstat_rxf0  = 1 << 7
)

func tstat_thlt(q int) uint32 { return tstat_thlt0 >> uint(q) }
func tstat_txf(q int) uint32  { return tstat_txf0 >> uint(q) }
func rstat_qhlt(q int) uint32 { return rstat_qhlt0 >> uint(q) }
func rstat_rxf(q int) uint32  { return rstat_rxf0 >> uint(q) }

// maccfg1 bits.
const (
	maccfg1_tx_en       = 1 << 0
	maccfg1_rx_en       = 1 << 2
	maccfg1_syncd_tx_en = 1 << 1
	maccfg1_syncd_rx_en = 1 << 3
	maccfg1_loopback    = 1 << 8
	maccfg1_soft_reset  = 1 << 31
)

// maccfg2 bits.
const (
	maccfg2_full_duplex  = 1 << 0
	maccfg2_if_mode_mii  = 1 << 8 // nibble mode, 10/100
	maccfg2_if_mode_gmii = 2 << 8 // byte mode, 1000
	maccfg2_huge_frame   = 1 << 5
	maccfg2_length_check = 1 << 4
	maccfg2_padcrc       = 1 << 2
)

// ecntrl bits.
const (
	ecntrl_r100 = 1 << 3 // RGMII/RTBI 100 Mb/s
)

// Interrupt coalescing register format: enable | count<<21 | timer.
const (
	ic_enable      = 1 << 31
	ic_count_shift = 21
	ic_timer_mask  = 0xffff
)

func ic_value(enable bool, frames uint8, timer uint16) (v uint32) {
	if !enable {
		return 0
	}
	return ic_enable | uint32(frames)<<ic_count_shift | uint32(timer)
}

func ic_fields(v uint32) (enable bool, frames uint8, timer uint16) {
	enable = v&ic_enable != 0
	frames = uint8(v >> ic_count_shift)
	timer = uint16(v & ic_timer_mask)
	return
}

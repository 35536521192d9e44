// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import "github.com/platinasystems/etsec/hw"

// IRQLine identifies one of a group's interrupt vectors.  Parts without
// the multi-interrupt flag deliver everything on LineCombined.
type IRQLine int

const (
	LineCombined IRQLine = iota
	LineError
	LineTransmit
	LineReceive
)

func (g *group) reg(r hw.Reg) hw.Reg { return group_reg(r, g.index) }

// Interrupt is the ISR entry point; the device model calls it when a
// line fires.  It dispatches on the masked event word, exactly once
// per cause.
func (d *Dev) Interrupt(grp int, line IRQLine) {
	if !d.is_running() || grp < 0 || grp >= len(d.groups) {
		return
	}
	g := &d.groups[grp]
	events := g.reg(r_ievent).Get(d.regs) & g.reg(r_imask).Get(d.regs)

	switch line {
	case LineReceive:
		events &= ievent_rx_mask
	case LineTransmit:
		events &= ievent_tx_mask
	case LineError:
		events &= ievent_err_mask | ievent_bsy
	}

	if events&ievent_rx_mask != 0 {
		g.schedule_rx()
	}
	if events&ievent_tx_mask != 0 {
		g.schedule_tx()
	}
	if events&(ievent_err_mask|ievent_bsy) != 0 {
		g.handle_error(events)
	}
}

// handle_error counts and acknowledges error events; transmit-side
// halts get the engine restarted.
func (g *group) handle_error(events uint32) {
	d := g.d
	g.reg(r_ievent).Set(d.regs, events&ievent_err_mask)

	if events&ievent_babr != 0 {
		count(&d.stats.rx_babr)
	}
	if events&ievent_babt != 0 {
		count(&d.stats.tx_babt)
	}
	if events&ievent_eberr != 0 {
		count(&d.stats.eberr)
		d.log.Error("bus error")
	}
	if events&ievent_lc != 0 {
		count(&d.stats.tx_window_errors)
	}
	if events&ievent_crl != 0 {
		count(&d.stats.tx_aborted)
	}
	if events&ievent_xfun != 0 {
		// Underrun halts the transmitter; clear the halt so pending
		// descriptors drain.
		count(&d.stats.tx_underrun)
		d.log.Debug("tx underrun, restarting transmit dma")
		var thlt uint32
		for qi := range d.tx_queues {
			if g.tx_bitmap&(1<<uint(qi)) != 0 {
				thlt |= tstat_thlt(qi)
			}
		}
		hw.MemoryBarrier()
		r_tstat.Set(d.regs, thlt)
	}
	if events&ievent_bsy != 0 {
		// Receiver ran out of empty descriptors; the poller will
		// replenish, kick it.
		count(&d.stats.rx_bsy)
		g.schedule_rx()
	}
	if events&ievent_txe != 0 {
		count(&d.stats.tx_dropped)
	}
}

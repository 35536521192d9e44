// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import "github.com/sirupsen/logrus"

// OnLinkChange reprograms the MAC for the PHY's negotiated mode.  The
// transmit queue locks are held across the register update so no frame
// is committed to a half-reprogrammed MAC.
func (d *Dev) OnLinkChange(up bool, speedMbps int, fullDuplex bool) {
	d.link.Lock()
	changed := up != d.link.up ||
		speedMbps != d.link.speed || fullDuplex != d.link.duplex
	d.link.up = up
	d.link.speed = speedMbps
	d.link.duplex = fullDuplex
	d.link.Unlock()
	if !changed {
		return
	}

	if d.is_running() && up {
		for qi := range d.tx_queues {
			d.tx_queues[qi].mu.Lock()
		}

		mac2 := r_maccfg2.Get(d.regs)
		mac2 &^= maccfg2_full_duplex | maccfg2_if_mode_gmii | maccfg2_if_mode_mii
		if fullDuplex {
			mac2 |= maccfg2_full_duplex
		}
		ecntrl := r_ecntrl.Get(d.regs) &^ uint32(ecntrl_r100)
		switch speedMbps {
		case 1000:
			mac2 |= maccfg2_if_mode_gmii
		case 100:
			mac2 |= maccfg2_if_mode_mii
			ecntrl |= ecntrl_r100
		default:
			mac2 |= maccfg2_if_mode_mii
		}
		r_maccfg2.Set(d.regs, mac2)
		r_ecntrl.Set(d.regs, ecntrl)

		for qi := len(d.tx_queues) - 1; qi >= 0; qi-- {
			d.tx_queues[qi].mu.Unlock()
		}
	}

	if up {
		d.log.WithFields(logrus.Fields{
			"speed":  speedMbps,
			"duplex": fullDuplex,
		}).Info("link up")
		d.events.EmitSync(EvtLinkUp, speedMbps, fullDuplex)
	} else {
		d.log.Info("link down")
		d.events.EmitSync(EvtLinkDown)
	}
}

// LinkUp reports the last state OnLinkChange saw.
func (d *Dev) LinkUp() bool {
	d.link.Lock()
	up := d.link.up
	d.link.Unlock()
	return up
}

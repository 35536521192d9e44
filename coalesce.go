// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import "fmt"

// RxCoalescing reads a receive queue's interrupt coalescing setting
// back from the device.
func (d *Dev) RxCoalescing(queue int) (Coalescing, error) {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if queue < 0 || queue >= len(d.rx_queues) {
		return Coalescing{}, fmt.Errorf("etsec: no rx queue %d", queue)
	}
	var c Coalescing
	c.Enable, c.Frames, c.Timer = ic_fields(rxic_reg(queue).Get(d.regs))
	return c, nil
}

// SetRxCoalescing reprograms a receive queue's coalescing while the
// device runs.
func (d *Dev) SetRxCoalescing(queue int, c Coalescing) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if queue < 0 || queue >= len(d.rx_queues) {
		return fmt.Errorf("etsec: no rx queue %d", queue)
	}
	d.rx_queues[queue].coal = c
	rxic_reg(queue).Set(d.regs, ic_value(c.Enable, c.Frames, c.Timer))
	return nil
}

func (d *Dev) TxCoalescing(queue int) (Coalescing, error) {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if queue < 0 || queue >= len(d.tx_queues) {
		return Coalescing{}, fmt.Errorf("etsec: no tx queue %d", queue)
	}
	var c Coalescing
	c.Enable, c.Frames, c.Timer = ic_fields(txic_reg(queue).Get(d.regs))
	return c, nil
}

func (d *Dev) SetTxCoalescing(queue int, c Coalescing) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if queue < 0 || queue >= len(d.tx_queues) {
		return fmt.Errorf("etsec: no tx queue %d", queue)
	}
	d.tx_queues[queue].coal = c
	txic_reg(queue).Set(d.regs, ic_value(c.Enable, c.Frames, c.Timer))
	return nil
}

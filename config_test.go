// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import (
	"testing"
	"time"
)

func TestParseConfig(t *testing.T) {
	a, r := makeAR(t)

	c, err := ParseConfig([]byte(`
name: eth2
rx-queues: 2
tx-queues: 2
groups: 2
rx-ring-size: 32
tx-ring-size: 128
mtu: 9000
poll-budget: 32
tx-variant: buffer-exchange
device-flags: 0x43
watchdog-timeout: 5s
rx-coalescing:
  - {enable: true, frames: 8, timer: 100}
  - {enable: false}
`))
	r.NoError(err)
	a.Equal("eth2", c.Name)
	a.Equal(2, c.NumRxQueues)
	a.EqualValues(32, c.RxRingSize)
	a.EqualValues(128, c.TxRingSize)
	a.EqualValues(9000, c.MTU)
	a.Equal(TxBufferExchange, c.TxVariant)
	a.Equal(5*time.Second, c.WatchdogTimeout)
	a.True(c.RxCoalescing[0].Enable)
	a.EqualValues(8, c.RxCoalescing[0].Frames)
}

func TestConfigDefaults(t *testing.T) {
	a, r := makeAR(t)
	c, err := ParseConfig([]byte("name: eth9\n"))
	r.NoError(err)
	a.Equal(1, c.NumRxQueues)
	a.EqualValues(default_ring_size, c.RxRingSize)
	a.EqualValues(default_mtu, c.MTU)
	a.Equal(TxDefault, c.TxVariant)
	a.NotZero(c.ArenaSize)
	a.Equal(c.NumGroups+1, c.PoolLanes)
}

func TestConfigValidation(t *testing.T) {
	a, _ := makeAR(t)

	bad := []string{
		"rx-ring-size: 3\n",              // not a power of two
		"rx-ring-size: 512\n",            // too big
		"mtu: 20000\n",                   // over jumbo
		"groups: 3\n",                    // controller has two
		"groups: 2\n",                    // two groups need the flag
		"tx-variant: buffer-exchange\n",  // needs the device flag
		"tx-variant: sideways\n",         // unknown
		"rx-queues: 9\n",                 // too many queues
		"rx-queues: 2\nrx-coalescing: [{enable: true}]\n", // count mismatch
	}
	for _, y := range bad {
		_, err := ParseConfig([]byte(y))
		a.Error(err, "config %q", y)
	}
}

func TestBufferSizeRounding(t *testing.T) {
	a, _ := makeAR(t)

	a.EqualValues(1536, buffer_size(1522), "standard frame rounds to 1536")
	a.Zero(buffer_size(1000)%buffer_increment)
	fs := frame_size(default_mtu)
	a.EqualValues(default_mtu+eth_header_len+eth_fcs_len+vlan_tag_len+fcb_len, fs)
}

// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Device capability flags, fixed per controller revision.
const (
	DevHasMultiGroup  = 1 << 0 // two interrupt groups
	DevHasMultiIntr   = 1 << 1 // separate error/tx/rx lines per group
	DevHasCsum        = 1 << 2 // checksum offload (FCB)
	DevHasVlan        = 1 << 3
	DevHasTimer       = 1 << 4 // tx timestamping
	DevHasBufStash    = 1 << 5
	DevHasBufExchange = 1 << 6 // zero-copy tx buffer exchange
	DevHasRxFiler     = 1 << 7
	DevWakeOnFilter   = 1 << 8
	DevRMonUnreliable = 1 << 9 // graceful rx stop ack may be lost
)

// Coalescing is one queue's interrupt coalescing setting.
type Coalescing struct {
	Enable bool   `yaml:"enable"`
	Frames uint8  `yaml:"frames"` // interrupt every N frames
	Timer  uint16 `yaml:"timer"`  // or after this many ticks
}

// TxVariant selects the transmit path implementation.
type TxVariant string

const (
	TxDefault        TxVariant = "default"
	TxBufferExchange TxVariant = "buffer-exchange"
)

// Config describes one controller instance.
type Config struct {
	Name string `yaml:"name"`

	NumRxQueues int `yaml:"rx-queues"`
	NumTxQueues int `yaml:"tx-queues"`
	NumGroups   int `yaml:"groups"`

	RxRingSize uint `yaml:"rx-ring-size"`
	TxRingSize uint `yaml:"tx-ring-size"`

	// MTU is the payload size; frame size adds ethernet header, VLAN
	// and FCB slack.
	MTU uint32 `yaml:"mtu"`

	RxCoalescing []Coalescing `yaml:"rx-coalescing"`
	TxCoalescing []Coalescing `yaml:"tx-coalescing"`

	// PollBudget bounds frames handled per cleanup pass per queue.
	PollBudget int `yaml:"poll-budget"`

	TxVariant TxVariant `yaml:"tx-variant"`

	// Recycle pool shape.
	PoolLanes    int `yaml:"pool-lanes"`
	PoolLocalMax int `yaml:"pool-local-max"`

	// Buffer descriptor stashing (cache-warming hints, programmed into
	// the attributes register at start).
	BDStash     bool  `yaml:"bd-stash"`
	RxStashSize uint8 `yaml:"rx-stash-size"`
	RxStashIdx  uint8 `yaml:"rx-stash-index"`

	DeviceFlags uint32 `yaml:"device-flags"`

	WatchdogTimeout time.Duration `yaml:"watchdog-timeout"`

	// ArenaSize is the DMA memory slab; zero picks a size that covers
	// rings plus 2x ring depth of buffers.
	ArenaSize uint32 `yaml:"arena-size"`
}

const (
	default_mtu       = 1500
	jumbo_frame_size  = 9600
	min_frame_size    = 64
	eth_header_len    = 14
	eth_fcs_len       = 4
	vlan_tag_len      = 4
	frame_pad         = 8 // controller writes past the frame in 8 byte bursts
	buffer_increment  = 512
	max_ring_size     = 256
	default_ring_size = 64
	default_budget    = 16
)

// frame_size is the on-wire size budget implied by an MTU.
func frame_size(mtu uint32) uint32 {
	return mtu + eth_header_len + eth_fcs_len + vlan_tag_len + fcb_len
}

// buffer_size rounds a frame size up to the controller's buffer length
// granularity.
func buffer_size(fs uint32) uint32 {
	return (fs + frame_pad + buffer_increment - 1) &^ (buffer_increment - 1)
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "eth0"
	}
	if c.NumRxQueues == 0 {
		c.NumRxQueues = 1
	}
	if c.NumTxQueues == 0 {
		c.NumTxQueues = 1
	}
	if c.NumGroups == 0 {
		c.NumGroups = 1
	}
	if c.RxRingSize == 0 {
		c.RxRingSize = default_ring_size
	}
	if c.TxRingSize == 0 {
		c.TxRingSize = default_ring_size
	}
	if c.MTU == 0 {
		c.MTU = default_mtu
	}
	if c.PollBudget == 0 {
		c.PollBudget = default_budget
	}
	if c.TxVariant == "" {
		c.TxVariant = TxDefault
	}
	if c.PoolLanes == 0 {
		c.PoolLanes = c.NumGroups + 1 // one per cleanup worker + submit
	}
	if c.PoolLocalMax == 0 {
		c.PoolLocalMax = 64
	}
	if c.WatchdogTimeout == 0 {
		c.WatchdogTimeout = 2 * time.Second
	}
	if c.ArenaSize == 0 {
		nbufs := uint32(2 * (c.NumRxQueues*int(c.RxRingSize) +
			c.NumTxQueues*int(c.TxRingSize)))
		c.ArenaSize = nbufs*buffer_size(frame_size(c.MTU)) + 1<<16
	}
}

func (c *Config) validate() error {
	if c.NumGroups > 2 {
		return fmt.Errorf("config: %d groups, controller has 2", c.NumGroups)
	}
	if c.NumGroups == 2 && c.DeviceFlags&DevHasMultiGroup == 0 {
		return fmt.Errorf("config: 2 groups need the multi-group device flag")
	}
	if c.NumRxQueues > 8 || c.NumTxQueues > 8 {
		return fmt.Errorf("config: at most 8 queues per direction")
	}
	for _, n := range []uint{c.RxRingSize, c.TxRingSize} {
		if n < 4 || n > max_ring_size || n&(n-1) != 0 {
			return fmt.Errorf("config: ring size %d not a power of 2 in [4,%d]",
				n, max_ring_size)
		}
	}
	fs := frame_size(c.MTU)
	if fs < min_frame_size || fs > jumbo_frame_size {
		return fmt.Errorf("config: mtu %d gives frame size %d outside [%d,%d]",
			c.MTU, fs, min_frame_size, jumbo_frame_size)
	}
	if c.TxVariant == TxBufferExchange && c.DeviceFlags&DevHasBufExchange == 0 {
		return fmt.Errorf("config: buffer-exchange tx needs the device flag")
	}
	if c.TxVariant != TxDefault && c.TxVariant != TxBufferExchange {
		return fmt.Errorf("config: unknown tx variant %q", c.TxVariant)
	}
	if n := len(c.RxCoalescing); n != 0 && n != c.NumRxQueues {
		return fmt.Errorf("config: %d rx coalescing entries for %d queues",
			n, c.NumRxQueues)
	}
	if c.PoolLanes < c.NumGroups+1 {
		return fmt.Errorf("config: %d pool lanes, need one per group plus submit",
			c.PoolLanes)
	}
	if n := len(c.TxCoalescing); n != 0 && n != c.NumTxQueues {
		return fmt.Errorf("config: %d tx coalescing entries for %d queues",
			n, c.NumTxQueues)
	}
	return nil
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b)
}

// ParseConfig unmarshals YAML config bytes, applies defaults and
// validates.
func ParseConfig(b []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// etsecbench pumps frames through the modeled controller and reports
// throughput and the driver's counters.
package main

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/urfave/cli/v2"

	"github.com/platinasystems/etsec"
	"github.com/platinasystems/etsec/bufpool"
	"github.com/platinasystems/etsec/hw"
	"github.com/platinasystems/etsec/log"
	"github.com/platinasystems/etsec/sim"
)

func main() {
	app := &cli.App{
		Name:  "etsecbench",
		Usage: "exercise the ring engine against the device model",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"},
				Usage: "YAML device config"},
			&cli.IntFlag{Name: "frames", Aliases: []string{"n"},
				Value: 100000, Usage: "frames each direction"},
			&cli.IntFlag{Name: "size", Value: 256,
				Usage: "frame payload bytes"},
			&cli.StringFlag{Name: "log-level", Value: "info"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type countingStack struct {
	dev      *etsec.Dev
	received uint64
	bytes    uint64
}

func (cs *countingStack) Deliver(b *bufpool.Buffer, m etsec.RxMeta) bool {
	atomic.AddUint64(&cs.received, 1)
	atomic.AddUint64(&cs.bytes, uint64(len(b.Data())))
	cs.dev.Pool().Put(cs.dev.StackLane(), b)
	return true
}

func run(c *cli.Context) error {
	if err := log.SetLevelName(c.String("log-level")); err != nil {
		return err
	}

	var cfg *etsec.Config
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = etsec.LoadConfig(path); err != nil {
			return err
		}
	} else {
		cfg = &etsec.Config{Name: "bench0"}
	}

	arena := hw.NewArena(64 << 20)
	model := sim.New(arena, sim.Config{
		NumGroups:   cfg.NumGroups,
		NumRxQueues: cfg.NumRxQueues,
		NumTxQueues: cfg.NumTxQueues,
	})
	defer model.Stop()

	stack := &countingStack{}
	dev, err := etsec.New(cfg, model, arena, stack)
	if err != nil {
		return err
	}
	stack.dev = dev
	model.SetIRQ(func(grp, line int) {
		dev.Interrupt(grp, etsec.IRQLine(line))
	})

	var egressed uint64
	model.SetEgress(func(q int, frame []byte) {
		atomic.AddUint64(&egressed, 1)
	})

	if err := dev.Start(); err != nil {
		return err
	}
	defer dev.Halt()

	n := c.Int("frames")
	frame := buildFrame(c.Int("size"))
	start := time.Now()

	for i := 0; i < n; i++ {
		model.Inject(0, frame)

		b, err := dev.Pool().Get(dev.StackLane())
		if err != nil {
			return err
		}
		copy(b.Put(uint32(len(frame))), frame)
		for {
			err = dev.Submit(0, &etsec.Packet{Head: b})
			if err != etsec.ErrTxBusy {
				break
			}
			time.Sleep(10 * time.Microsecond)
		}
		if err != nil {
			return err
		}
	}

	// Drain.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadUint64(&egressed) < uint64(n) &&
		time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	elapsed := time.Since(start)

	s := dev.Snapshot()
	rate := float64(s.TxPackets+s.RxPackets) / elapsed.Seconds()
	fmt.Printf("%s frames tx, %s frames rx in %v (%s pkt/s)\n",
		humanize.Comma(int64(s.TxPackets)),
		humanize.Comma(int64(s.RxPackets)),
		elapsed.Round(time.Millisecond),
		humanize.SIWithDigits(rate, 2, ""))
	fmt.Printf("tx %s, rx %s\n",
		humanize.Bytes(s.TxBytes), humanize.Bytes(s.RxBytes))
	if s.RxSkbMissing+s.KernelDropped+s.RxBsy > 0 {
		fmt.Printf("drops: missing %d, kernel %d, busy %d\n",
			s.RxSkbMissing, s.KernelDropped, s.RxBsy)
	}
	pool := dev.Pool()
	if pool != nil {
		ps := pool.Snapshot()
		fmt.Printf("pool: %s gets, %s puts, %d allocs, %d swaps\n",
			humanize.Comma(int64(ps.LaneGets)),
			humanize.Comma(int64(ps.LanePuts)),
			ps.Allocs, ps.AllocSwaps+ps.FreeSwaps)
	}
	return nil
}

func buildFrame(payload int) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       []byte{2, 0, 0, 0, 0, 1},
		DstMAC:       []byte{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    []byte{10, 0, 0, 1}, DstIP: []byte{10, 0, 0, 2},
	}
	udp := &layers.UDP{SrcPort: 9, DstPort: 9}
	udp.SetNetworkLayerForChecksum(ip)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	gopacket.SerializeLayers(buf, opts, eth, ip, udp,
		gopacket.Payload(make([]byte, payload)))
	return buf.Bytes()
}

// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package etsec

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/platinasystems/etsec/bufpool"
)

// Software segmentation for oversized tcp frames.  The controller has
// no tso engine; the driver replicates headers, carves the payload at
// the mss and fixes ip ids, tcp sequence numbers, lengths and
// checksums before handing the segments to the normal submit path.

var ErrNotTCP = errors.New("etsec: segmentation needs an ipv4 tcp frame")

func (d *Dev) submit_tso(queue int, p *Packet) error {
	if p.nfrags() != 0 {
		return errors.New("etsec: segmentation needs a linear frame")
	}
	segs, err := d.segment(p)
	if err != nil {
		count(&d.stats.tx_dropped)
		return err
	}

	q := &d.tx_queues[queue]
	for i, s := range segs {
		sp := &Packet{
			Head:        s,
			CsumOffload: p.CsumOffload,
			CsumStart:   p.CsumStart,
			CsumOffset:  p.CsumOffset,
			VlanTag:     p.VlanTag,
			VlanInsert:  p.VlanInsert,
		}
		if err := d.txpath.submit(d, q, sp); err != nil {
			// All or nothing: segments already on the ring will
			// transmit, but the frame as a whole failed; free the
			// rest so nothing leaks.
			for _, rest := range segs[i:] {
				d.pool.Drop(rest)
			}
			return err
		}
	}
	d.pool.Put(d.submit_lane, p.Head)
	return nil
}

// segment splits one frame into mss-sized copies.
func (d *Dev) segment(p *Packet) ([]*bufpool.Buffer, error) {
	pkt := gopacket.NewPacket(p.Head.Data(), layers.LayerTypeEthernet,
		gopacket.Lazy)
	ethL := pkt.Layer(layers.LayerTypeEthernet)
	ipL := pkt.Layer(layers.LayerTypeIPv4)
	tcpL := pkt.Layer(layers.LayerTypeTCP)
	if ethL == nil || ipL == nil || tcpL == nil {
		return nil, ErrNotTCP
	}
	eth := ethL.(*layers.Ethernet)
	ip := ipL.(*layers.IPv4)
	tcp := tcpL.(*layers.TCP)
	payload := tcp.Payload

	mss := int(p.MSS)
	nsegs := (len(payload) + mss - 1) / mss
	if nsegs <= 1 {
		return nil, fmt.Errorf("etsec: %d byte payload needs no segmentation",
			len(payload))
	}

	segs := make([]*bufpool.Buffer, 0, nsegs)
	free_all := func() {
		for _, s := range segs {
			d.pool.Drop(s)
		}
	}

	seq := tcp.Seq
	id := ip.Id
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	for off := 0; off < len(payload); off += mss {
		end := off + mss
		last := end >= len(payload)
		if last {
			end = len(payload)
		}
		sip := *ip
		sip.Id = id
		stcp := *tcp
		stcp.Seq = seq
		// Only the final segment may end the burst.
		if !last {
			stcp.FIN, stcp.PSH = false, false
		}
		if err := stcp.SetNetworkLayerForChecksum(&sip); err != nil {
			free_all()
			return nil, fmt.Errorf("etsec: segment build: %w", err)
		}

		sb := gopacket.NewSerializeBuffer()
		err := gopacket.SerializeLayers(sb, opts,
			eth, &sip, &stcp, gopacket.Payload(payload[off:end]))
		if err != nil {
			free_all()
			return nil, fmt.Errorf("etsec: segment build: %w", err)
		}

		buf, err := d.pool.NewRawBuffer()
		if err != nil {
			free_all()
			count(&d.stats.tx_dropped)
			return nil, err
		}
		out := sb.Bytes()
		copy(buf.Put(uint32(len(out))), out)
		segs = append(segs, buf)

		seq += uint32(end - off)
		id++
	}
	return segs, nil
}

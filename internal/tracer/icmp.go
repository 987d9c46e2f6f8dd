// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package tracer

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protoICMP   = 1
	protoICMPv6 = 58

	ipv4HeaderLen = 20
	ipv6HeaderLen = 40
	maxPacketSize = 1500
)

var probePayload = []byte("crossbear")

// ICMPProber probes with ICMP echo requests over raw sockets, which
// requires CAP_NET_RAW or equivalent.
type ICMPProber struct {
	timeout time.Duration
	id      int
	seq     int
}

// NewICMPProber returns a prober waiting up to timeout for each answer.
func NewICMPProber(timeout time.Duration) *ICMPProber {
	return &ICMPProber{
		timeout: timeout,
		id:      os.Getpid() & 0xffff,
	}
}

// Probe implements Prober.
func (p *ICMPProber) Probe(ctx context.Context, target netip.Addr, ttl int) (Reply, error) {
	target = target.Unmap()

	var (
		network, laddr string
		proto          int
		echo           icmp.Type
	)
	if target.Is4() {
		network, laddr, proto, echo = "ip4:icmp", "0.0.0.0", protoICMP, ipv4.ICMPTypeEcho
	} else {
		network, laddr, proto, echo = "ip6:ipv6-icmp", "::", protoICMPv6, ipv6.ICMPTypeEchoRequest
	}
	c, err := icmp.ListenPacket(network, laddr)
	if err != nil {
		return Reply{}, err
	}
	defer c.Close()

	if target.Is4() {
		err = c.IPv4PacketConn().SetTTL(ttl)
	} else {
		err = c.IPv6PacketConn().SetHopLimit(ttl)
	}
	if err != nil {
		return Reply{}, err
	}

	p.seq = (p.seq + 1) & 0xffff
	msg := icmp.Message{
		Type: echo,
		Body: &icmp.Echo{ID: p.id, Seq: p.seq, Data: probePayload},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return Reply{}, err
	}
	if _, err := c.WriteTo(wb, &net.IPAddr{IP: target.AsSlice()}); err != nil {
		return Reply{}, err
	}

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.SetReadDeadline(deadline); err != nil {
		return Reply{}, err
	}

	rb := make([]byte, maxPacketSize)
	for {
		n, peer, err := c.ReadFrom(rb)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return Reply{}, nil
			}
			return Reply{}, err
		}
		ipAddr, ok := peer.(*net.IPAddr)
		if !ok {
			continue
		}
		from, ok := netip.AddrFromSlice(ipAddr.IP)
		if !ok {
			continue
		}
		if r, ok := classify(proto, from.Unmap(), rb[:n], p.id, p.seq, target); ok {
			return r, nil
		}
	}
}

// classify interprets one received ICMP message, returning false if it does
// not answer the probe identified by id and seq.
func classify(proto int, from netip.Addr, b []byte, id, seq int, target netip.Addr) (Reply, bool) {
	m, err := icmp.ParseMessage(proto, b)
	if err != nil {
		return Reply{}, false
	}
	switch m.Type {
	case ipv4.ICMPTypeEchoReply, ipv6.ICMPTypeEchoReply:
		e, ok := m.Body.(*icmp.Echo)
		if !ok || e.ID != id || e.Seq != seq {
			return Reply{}, false
		}
		return Reply{From: from, Reached: true}, true
	case ipv4.ICMPTypeTimeExceeded, ipv6.ICMPTypeTimeExceeded:
		te, ok := m.Body.(*icmp.TimeExceeded)
		if !ok || !quotes(proto, te.Data, id, seq, target) {
			return Reply{}, false
		}
		return Reply{From: from}, true
	case ipv4.ICMPTypeDestinationUnreachable, ipv6.ICMPTypeDestinationUnreachable:
		du, ok := m.Body.(*icmp.DstUnreach)
		if !ok || !quotes(proto, du.Data, id, seq, target) {
			return Reply{}, false
		}
		return Reply{From: from, Reached: from == target}, true
	default:
		return Reply{}, false
	}
}

// quotes reports whether an ICMP error quotes our echo request to target.
// A quote cut short after the IP header is matched on its destination
// alone, anything shorter is rejected.
func quotes(proto int, data []byte, id, seq int, target netip.Addr) bool {
	var (
		dst netip.Addr
		off int
	)
	if proto == protoICMP {
		if len(data) < ipv4HeaderLen || data[0]>>4 != 4 || data[9] != protoICMP {
			return false
		}
		if off = int(data[0]&0x0f) * 4; off < ipv4HeaderLen {
			return false
		}
		dst = netip.AddrFrom4([4]byte(data[16:20]))
	} else {
		if len(data) < ipv6HeaderLen || data[0]>>4 != 6 || data[6] != protoICMPv6 {
			return false
		}
		off = ipv6HeaderLen
		dst = netip.AddrFrom16([16]byte(data[24:40]))
	}
	if dst != target {
		return false
	}
	if len(data) < off+8 {
		return true
	}
	echo := data[off : off+8]
	return int(binary.BigEndian.Uint16(echo[4:6])) == id && int(binary.BigEndian.Uint16(echo[6:8])) == seq
}

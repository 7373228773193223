package dhcprelay

import (
	"encoding/binary"
	"net/netip"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"golang.org/x/sys/unix"

	"github.com/fgggid/6relayd/pkg/eventengine"
	"github.com/fgggid/6relayd/pkg/iface"
	"github.com/fgggid/6relayd/pkg/metrics"
)

// invalidFromClient rejects message types only a server may originate.
func invalidFromClient(msgType uint8) bool {
	switch msgType {
	case msgRelayReply, msgReconfigure, msgReply, msgAdvertise:
		return true
	}
	return false
}

// relayClientRequest wraps a client message in a RELAY-FORW envelope
// and forwards it to the DHCPv6 servers multicast via the master. The
// envelope carries the ingress interface index as Interface-ID and the
// untouched client message as Relay-Message.
func (e *Engine) relayClientRequest(source *unix.SockaddrInet6, data []byte, ifc *iface.Interface) {
	if len(data) < clientHeaderLen {
		metrics.Dropped.WithLabelValues("dhcpv6", "short").Inc()
		return
	}
	if invalidFromClient(data[0]) {
		metrics.Dropped.WithLabelValues("dhcpv6", "bad-type").Inc()
		return
	}

	hopCount, ok := relayHopCount(data)
	if !ok {
		metrics.Dropped.WithLabelValues("dhcpv6", "hop-limit").Inc()
		return
	}

	// Link-address: a global address of the ingress slave. A slave that
	// is not configured yet falls back to the master's address so hosts
	// can bootstrap at all; this knowingly deviates from RFC 3315.
	linkAddr, err := iface.GlobalAddress(ifc.Name, false)
	if err != nil {
		linkAddr, err = iface.GlobalAddress(e.reg.Master.Name, false)
		if err != nil {
			metrics.Dropped.WithLabelValues("dhcpv6", "no-link-address").Inc()
			return
		}
	}

	env := buildRelayForward(hopCount, linkAddr, source.Addr, ifc.Index, len(data))

	dst := &unix.SockaddrInet6{Addr: allServers, Port: dhcpv6.DefaultServerPort}
	if _, err := eventengine.Forward(e.sock, dst, [][]byte{env, data}, e.reg.Master); err == nil {
		metrics.Relayed.WithLabelValues("dhcpv6", e.reg.Master.Name).Inc()
	}
}

// relayHopCount derives the hop count of the outgoing envelope. An
// already-relayed message increments its count; at the RFC limit the
// message is refused.
func relayHopCount(data []byte) (uint8, bool) {
	if data[0] != msgRelayForward {
		return 0, true
	}
	if data[1] >= hopCountLimit {
		return 0, false
	}
	return data[1] + 1, true
}

// buildRelayForward lays out the envelope: relay header, Interface-ID
// option holding the raw 4-byte ifindex, and the Relay-Message header
// whose value is appended by the caller as a second buffer.
func buildRelayForward(hopCount uint8, linkAddr netip.Addr, peer [16]byte, ifindex, payloadLen int) []byte {
	env := make([]byte, relayHeaderLen, relayHeaderLen+8+4)
	env[0] = msgRelayForward
	env[1] = hopCount
	link := linkAddr.As16()
	copy(env[2:18], link[:])
	copy(env[18:34], peer[:])

	var ifid [4]byte
	binary.NativeEndian.PutUint32(ifid[:], uint32(ifindex))
	env = appendOption(env, optInterfaceID, ifid[:])

	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], optRelayMsg)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(payloadLen))
	return append(env, hdr[:]...)
}

// relayServerResponse unwraps a server reply and delivers the inner
// message to the client it belongs to. In standard mode the outer
// message must be a RELAY-REPL carrying Interface-ID and Relay-Message;
// in broken mode the reply is a plain client message whose Client-ID
// carries our rewritten DUID prefix.
func (e *Engine) relayServerResponse(data []byte) {
	var payload []byte
	var ifaceIdx int
	target := &unix.SockaddrInet6{Port: dhcpv6.DefaultClientPort}

	if !e.cfg.BrokenDHCPv6 {
		var peer [16]byte
		var ok bool
		if payload, ifaceIdx, peer, ok = parseRelayReply(data); !ok {
			metrics.Dropped.WithLabelValues("dhcpv6", "bad-envelope").Inc()
			return
		}
		target.Addr = peer
	} else {
		payload, ifaceIdx = e.unwrapBrokenResponse(data, target)
	}

	ifc := e.reg.SlaveByIndex(ifaceIdx)
	if ifc == nil || len(payload) < clientHeaderLen {
		metrics.Dropped.WithLabelValues("dhcpv6", "bad-reply").Inc()
		return
	}

	if payload[0] == msgRelayReply {
		// Server-to-server hop: hand the envelope to the next relay.
		target.Port = dhcpv6.DefaultServerPort
	} else if !e.rewriteReplyDNS(payload, ifc) {
		return
	}

	if _, err := eventengine.Forward(e.sock, target, [][]byte{payload}, ifc); err == nil {
		metrics.Relayed.WithLabelValues("dhcpv6", ifc.Name).Inc()
	}
}

// parseRelayReply unwraps a RELAY-REPL envelope: the peer address is
// the delivery destination, Interface-ID recovers the egress slave and
// Relay-Message carries the inner payload.
func parseRelayReply(data []byte) (payload []byte, ifaceIdx int, peer [16]byte, ok bool) {
	if len(data) < relayHeaderLen || data[0] != msgRelayReply {
		return nil, 0, peer, false
	}
	copy(peer[:], data[18:34])

	forEachOption(data[relayHeaderLen:], func(code uint16, value []byte, _ int) bool {
		switch code {
		case optInterfaceID:
			if len(value) == 4 {
				ifaceIdx = int(binary.NativeEndian.Uint32(value))
			}
		case optRelayMsg:
			payload = value
		}
		return true
	})
	return payload, ifaceIdx, peer, true
}

// dnsRewrite describes the DNS-server option of a reply and whether it
// must be rewritten.
type dnsRewrite struct {
	off, count    int
	needed        bool
	authenticated bool
}

// analyzeReplyDNS locates the DNS-server addresses in a client-bound
// reply. A rewrite is needed when always-rewrite is set or any address
// is link-local (useless across the relay).
func analyzeReplyDNS(payload []byte, alwaysRewrite bool) dnsRewrite {
	r := dnsRewrite{off: -1}
	forEachOption(payload[clientHeaderLen:], func(code uint16, value []byte, valueOff int) bool {
		switch code {
		case optDNSServers:
			if len(value) >= 16 {
				r.needed = alwaysRewrite
				r.off = clientHeaderLen + valueOff
				r.count = len(value) / 16
				for i := 0; !r.needed && i < r.count; i++ {
					addr, _ := netip.AddrFromSlice(value[16*i : 16*i+16])
					if addr.IsLinkLocalUnicast() {
						r.needed = true
					}
				}
			}
		case optAuth:
			r.authenticated = true
		}
		return true
	})
	return r
}

// applyDNSRewrite overwrites every DNS-server address in place.
func applyDNSRewrite(payload []byte, r dnsRewrite, addr netip.Addr) {
	b := addr.As16()
	for i := 0; i < r.count; i++ {
		copy(payload[r.off+16*i:r.off+16*i+16], b[:])
	}
}

// rewriteReplyDNS rewrites the DNS-server addresses in a reply to a
// global address of the egress slave. The rewrite is refused when the
// message is covered by an Authentication option. Returns false when
// the packet must be dropped.
func (e *Engine) rewriteReplyDNS(payload []byte, ifc *iface.Interface) bool {
	r := analyzeReplyDNS(payload, e.cfg.AlwaysRewriteDNS)
	if !r.needed || r.count == 0 {
		return true
	}
	if r.authenticated {
		metrics.Dropped.WithLabelValues("dhcpv6", "auth").Inc()
		return false
	}

	addr, err := iface.GlobalAddress(ifc.Name, false)
	if err != nil {
		metrics.Dropped.WithLabelValues("dhcpv6", "no-dns-rewrite-addr").Inc()
		return false
	}
	applyDNSRewrite(payload, r, addr)
	return true
}

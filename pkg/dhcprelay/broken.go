package dhcprelay

import (
	"encoding/binary"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"golang.org/x/sys/unix"

	"github.com/fgggid/6relayd/pkg/eventengine"
	"github.com/fgggid/6relayd/pkg/iface"
	"github.com/fgggid/6relayd/pkg/metrics"
)

// Broken-server compatibility: some upstream servers answer only
// unrelayed messages. In this mode the client message is forwarded as
// is, but its Client-ID is prefixed with a vendor DUID structure that
// smuggles the ingress interface and the client's link-local address
// through the server, so the reply can be routed back. The prefix is
// stripped again on the return path.

const (
	// enterpriseNumber tags our vendor DUID prefix.
	enterpriseNumber = 30462
	// brokenSubtype distinguishes the relay tag from other uses of the
	// enterprise number.
	brokenSubtype = 1

	// brokenDUIDLen is the full prefix: duid-type(2), enterprise(4),
	// subtype(2), ifindex(4), low 12 bytes of the client link-local.
	// The fe80::/32 lead-in of a link-local is constant, so dropping
	// the top four address bytes loses nothing.
	brokenDUIDLen = 24
)

// appendBrokenDUID serializes the prefix for one client.
func appendBrokenDUID(b []byte, ifindex int, clientAddr [16]byte) []byte {
	var du [brokenDUIDLen]byte
	binary.BigEndian.PutUint16(du[0:2], uint16(dhcpv6.DUID_EN))
	binary.BigEndian.PutUint32(du[2:6], enterpriseNumber)
	binary.BigEndian.PutUint16(du[6:8], brokenSubtype)
	binary.BigEndian.PutUint32(du[8:12], uint32(ifindex))
	copy(du[12:24], clientAddr[4:16])
	return append(b, du[:]...)
}

// parseBrokenDUID recognizes our prefix and recovers the ingress
// interface and the reconstructed link-local client address.
func parseBrokenDUID(b []byte) (ifindex int, clientAddr [16]byte, ok bool) {
	if len(b) < brokenDUIDLen {
		return 0, clientAddr, false
	}
	if binary.BigEndian.Uint16(b[0:2]) != uint16(dhcpv6.DUID_EN) ||
		binary.BigEndian.Uint32(b[2:6]) != enterpriseNumber ||
		binary.BigEndian.Uint16(b[6:8]) != brokenSubtype {
		return 0, clientAddr, false
	}
	ifindex = int(binary.BigEndian.Uint32(b[8:12]))
	clientAddr[0] = 0xfe
	clientAddr[1] = 0x80
	copy(clientAddr[4:16], b[12:24])
	return ifindex, clientAddr, true
}

// relayClientRequestBroken forwards a client message unrelayed after
// tagging its Client-ID. Messages carrying an Authentication option
// cannot be modified without breaking their integrity and are dropped.
func (e *Engine) relayClientRequestBroken(source *unix.SockaddrInet6, data []byte, ifc *iface.Interface) {
	if len(data) < clientHeaderLen {
		metrics.Dropped.WithLabelValues("dhcpv6", "short").Inc()
		return
	}
	if invalidFromClient(data[0]) {
		metrics.Dropped.WithLabelValues("dhcpv6", "bad-type").Inc()
		return
	}
	if len(data)+brokenDUIDLen > eventengine.BufferSize {
		metrics.Dropped.WithLabelValues("dhcpv6", "oversize").Inc()
		return
	}

	rewritten := rewriteBrokenClientID(data, ifc.Index, source.Addr)
	if rewritten == nil {
		metrics.Dropped.WithLabelValues("dhcpv6", "no-rewrite").Inc()
		return
	}

	dst := &unix.SockaddrInet6{Addr: allRelays, Port: dhcpv6.DefaultServerPort}
	if _, err := eventengine.Forward(e.brokenSock, dst, [][]byte{rewritten}, e.reg.Master); err == nil {
		metrics.Relayed.WithLabelValues("dhcpv6", e.reg.Master.Name).Inc()
	}
}

// rewriteBrokenClientID returns a copy of data whose Client-ID value is
// prefixed with the broken DUID, or nil when the message carries an
// Authentication option or no Client-ID at all.
func rewriteBrokenClientID(data []byte, ifindex int, clientAddr [16]byte) []byte {
	clientIDOff := -1
	clientIDLen := 0
	blocked := false

	forEachOption(data[clientHeaderLen:], func(code uint16, value []byte, valueOff int) bool {
		switch code {
		case optAuth:
			blocked = true
			return false
		case optClientID:
			clientIDOff = clientHeaderLen + valueOff
			clientIDLen = len(value)
		}
		return true
	})
	if blocked || clientIDOff < 0 {
		return nil
	}

	out := make([]byte, 0, len(data)+brokenDUIDLen)
	out = append(out, data[:clientIDOff]...)
	out = appendBrokenDUID(out, ifindex, clientAddr)
	out = append(out, data[clientIDOff:]...)
	binary.BigEndian.PutUint16(out[clientIDOff-2:clientIDOff],
		uint16(clientIDLen+brokenDUIDLen))
	return out
}

// unwrapBrokenResponse strips the broken DUID prefix from a reply,
// filling in the delivery target. Returns a nil payload when the tag is
// absent or the message is authenticated.
func (e *Engine) unwrapBrokenResponse(data []byte, target *unix.SockaddrInet6) ([]byte, int) {
	if len(data) < clientHeaderLen {
		return nil, 0
	}

	var payload []byte
	ifaceIdx := 0
	blocked := false

	forEachOption(data[clientHeaderLen:], func(code uint16, value []byte, valueOff int) bool {
		if code == optAuth {
			blocked = true
			return false
		}
		if code != optClientID || len(value) <= brokenDUIDLen || len(value) > 130 {
			return true
		}

		idx, addr, ok := parseBrokenDUID(value)
		if !ok {
			return true
		}
		ifaceIdx = idx
		target.Addr = addr

		off := clientHeaderLen + valueOff
		out := make([]byte, 0, len(data)-brokenDUIDLen)
		out = append(out, data[:off]...)
		out = append(out, data[off+brokenDUIDLen:]...)
		binary.BigEndian.PutUint16(out[off-2:off],
			uint16(len(value)-brokenDUIDLen))
		payload = out
		return true
	})

	if blocked {
		metrics.Dropped.WithLabelValues("dhcpv6", "auth").Inc()
		return nil, 0
	}
	return payload, ifaceIdx
}

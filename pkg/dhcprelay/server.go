package dhcprelay

import (
	"bytes"
	"encoding/binary"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
	"golang.org/x/sys/unix"

	"github.com/fgggid/6relayd/pkg/eventengine"
	"github.com/fgggid/6relayd/pkg/iface"
	"github.com/fgggid/6relayd/pkg/metrics"
)

// serverDUID builds the mini-server's DUID: an Enterprise-DUID (type 2)
// whose identifier is the answering interface's MAC.
func serverDUID(mac []byte) []byte {
	duid := dhcpv6.DUIDEN{
		EnterpriseNumber:     enterpriseNumber,
		EnterpriseIdentifier: mac,
	}
	return duid.ToBytes()
}

// relayChain is a client message peeled out of zero or more RELAY-FORW
// envelopes. prefix covers every envelope byte up to the innermost
// client message, tail the trailing options of the innermost envelope.
type relayChain struct {
	prefix []byte
	inner  []byte
	tail   []byte
}

// splitRelayChain descends through nested RELAY-MSG options to the
// innermost client message. Returns false for malformed nesting (a
// truncated envelope or a relay without a Relay-Message option).
func splitRelayChain(data []byte) (relayChain, bool) {
	var c relayChain
	offset := 0 // start of the current envelope within data

	for {
		cur := data[offset:]
		if len(cur) < clientHeaderLen {
			return c, false
		}
		if cur[0] != msgRelayForward {
			c.prefix = data[:offset]
			c.inner = cur
			return c, true
		}
		if len(cur) < relayHeaderLen {
			return c, false
		}

		found := false
		forEachOption(cur[relayHeaderLen:], func(code uint16, value []byte, valueOff int) bool {
			if code != optRelayMsg {
				return true
			}
			c.tail = cur[relayHeaderLen+valueOff+len(value):]
			offset += relayHeaderLen + valueOff
			found = true
			return false
		})
		if !found {
			return c, false
		}
		// Clamp the next envelope to the declared Relay-Message length.
		next := data[offset:]
		declared := int(binary.BigEndian.Uint16(data[offset-2 : offset]))
		if declared < len(next) {
			data = data[:offset+declared]
		}
	}
}

// updateRelayChain converts each RELAY-FORW envelope to RELAY-REPL and
// grows (or shrinks) every Relay-Message length by delta to account for
// the reply replacing the client message.
func updateRelayChain(data []byte, delta int) {
	offset := 0
	for {
		cur := data[offset:]
		if len(cur) < relayHeaderLen || cur[0] != msgRelayForward {
			return
		}
		cur[0] = msgRelayReply

		advanced := false
		forEachOption(cur[relayHeaderLen:], func(code uint16, value []byte, valueOff int) bool {
			if code != optRelayMsg {
				return true
			}
			abs := offset + relayHeaderLen + valueOff
			newLen := len(value) + delta
			binary.BigEndian.PutUint16(data[abs-2:abs], uint16(newLen))
			offset = abs
			advanced = true
			return false
		})
		if !advanced {
			return
		}
	}
}

// buildServerReply computes the mini-server's answer: SOLICIT gets
// ADVERTISE, everything else except REBIND gets REPLY, echoing the
// transaction id and Client-ID, presenting ourDUID, handing out dns,
// and reporting NoAddrsAvail when an address association is requested.
// A request that arrived through relays has its envelope chain
// rewritten in place and reversed into the reply. A non-empty reason
// means the request is dropped.
func buildServerReply(data, ourDUID []byte, dns [16]byte) ([][]byte, string) {
	if len(data) < clientHeaderLen {
		return nil, "short"
	}

	chain := relayChain{inner: data}
	if data[0] == msgRelayForward {
		var valid bool
		chain, valid = splitRelayChain(data)
		if !valid {
			return nil, "bad-envelope"
		}
	}
	inner := chain.inner

	msgType := msgReply
	switch inner[0] {
	case msgSolicit:
		msgType = msgAdvertise
	case msgRebind:
		// Nothing to rebind without address state.
		return nil, "rebind"
	}

	var clientID []byte
	wantStatus := false
	notForUs := false
	forEachOption(inner[clientHeaderLen:], func(code uint16, value []byte, _ int) bool {
		switch code {
		case optClientID:
			if len(value) <= 130 {
				clientID = value
			}
		case optServerID:
			if !bytes.Equal(value, ourDUID) {
				notForUs = true
				return false
			}
		case optIANA:
			wantStatus = true
		}
		return true
	})
	if notForUs {
		return nil, "foreign-server-id"
	}

	// Reply core: header, DNS servers, Server-ID, echoed Client-ID.
	core := make([]byte, 0, 64+len(clientID))
	core = append(core, msgType)
	core = append(core, inner[1:4]...)
	core = appendOption(core, optDNSServers, dns[:])
	core = appendOption(core, optServerID, ourDUID)
	if clientID != nil {
		core = appendOption(core, optClientID, clientID)
	}

	var status []byte
	if wantStatus {
		var code [2]byte
		binary.BigEndian.PutUint16(code[:], uint16(iana.StatusNoAddrsAvail))
		status = appendOption(nil, optStatusCode, code[:])
	}

	bufs := make([][]byte, 0, 4)
	if len(chain.prefix) > 0 {
		delta := len(core) + len(status) - len(inner)
		updateRelayChain(data, delta)
		bufs = append(bufs, chain.prefix)
	}
	bufs = append(bufs, core)
	if status != nil {
		bufs = append(bufs, status)
	}
	if len(chain.tail) > 0 {
		bufs = append(bufs, chain.tail)
	}
	return bufs, ""
}

// handleClientRequest is the stateless mini-server ingress handler.
func (e *Engine) handleClientRequest(src unix.Sockaddr, data []byte, ifc *iface.Interface) {
	metrics.Received.WithLabelValues("dhcpv6").Inc()

	source, ok := src.(*unix.SockaddrInet6)
	if !ok {
		return
	}

	dnsAddr, err := iface.GlobalAddress(ifc.Name, true)
	if err != nil {
		metrics.Dropped.WithLabelValues("dhcpv6", "no-address").Inc()
		return
	}

	bufs, reason := buildServerReply(data, serverDUID(ifc.MAC), dnsAddr.As16())
	if reason != "" {
		metrics.Dropped.WithLabelValues("dhcpv6", reason).Inc()
		return
	}

	if _, err := eventengine.Forward(e.sock, source, bufs, ifc); err == nil {
		metrics.Relayed.WithLabelValues("dhcpv6", ifc.Name).Inc()
	}
}

package dhcprelay

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
)

func joinBufs(bufs [][]byte) []byte {
	var out []byte
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

func testDNS() [16]byte {
	var dns [16]byte
	copy(dns[:], netip.MustParseAddr("2001:db8:1::53").AsSlice())
	return dns
}

func TestServerDUID(t *testing.T) {
	duid := serverDUID(testMAC)
	if binary.BigEndian.Uint16(duid[0:2]) != 2 {
		t.Errorf("DUID type = %d, want 2", binary.BigEndian.Uint16(duid[0:2]))
	}
	if binary.BigEndian.Uint32(duid[2:6]) != enterpriseNumber {
		t.Errorf("enterprise = %d", binary.BigEndian.Uint32(duid[2:6]))
	}
	if !bytes.Equal(duid[6:], testMAC) {
		t.Errorf("identifier = %x, want interface MAC", duid[6:])
	}
}

func TestMiniServerSolicit(t *testing.T) {
	solicit := newSolicit(t)
	req := solicit.ToBytes()

	bufs, reason := buildServerReply(req, serverDUID(testMAC), testDNS())
	if reason != "" {
		t.Fatalf("dropped: %s", reason)
	}

	reply, err := dhcpv6.MessageFromBytes(joinBufs(bufs))
	if err != nil {
		t.Fatalf("reply does not parse: %v", err)
	}
	if reply.MessageType != dhcpv6.MessageTypeAdvertise {
		t.Errorf("type = %v, want ADVERTISE", reply.MessageType)
	}
	if reply.TransactionID != solicit.TransactionID {
		t.Errorf("transaction id = %v, want %v", reply.TransactionID, solicit.TransactionID)
	}

	wantID := solicit.GetOneOption(dhcpv6.OptionClientID).ToBytes()
	gotID := reply.GetOneOption(dhcpv6.OptionClientID).ToBytes()
	if !bytes.Equal(gotID, wantID) {
		t.Error("Client-ID not echoed byte-for-byte")
	}
	if reply.GetOneOption(dhcpv6.OptionServerID) == nil {
		t.Error("Server-ID missing")
	}
}

func TestMiniServerInformationRequest(t *testing.T) {
	msg, err := dhcpv6.NewMessage()
	if err != nil {
		t.Fatal(err)
	}
	msg.MessageType = dhcpv6.MessageTypeInformationRequest
	msg.AddOption(dhcpv6.OptClientID(&dhcpv6.DUIDLL{
		HWType:        iana.HWTypeEthernet,
		LinkLayerAddr: testMAC,
	}))

	bufs, reason := buildServerReply(msg.ToBytes(), serverDUID(testMAC), testDNS())
	if reason != "" {
		t.Fatalf("dropped: %s", reason)
	}

	reply, err := dhcpv6.MessageFromBytes(joinBufs(bufs))
	if err != nil {
		t.Fatalf("reply does not parse: %v", err)
	}
	if reply.MessageType != dhcpv6.MessageTypeReply {
		t.Errorf("type = %v, want REPLY", reply.MessageType)
	}
	dnsSlice := testDNS()
	dnsAddrs := reply.Options.DNS()
	if len(dnsAddrs) != 1 || !bytes.Equal(dnsAddrs[0].To16(), dnsSlice[:]) {
		t.Errorf("DNS servers = %v", dnsAddrs)
	}
	if reply.GetOneOption(dhcpv6.OptionStatusCode) != nil {
		t.Error("status present on an address-less request")
	}
}

func TestMiniServerIANA(t *testing.T) {
	msg := newSolicit(t)
	msg.MessageType = dhcpv6.MessageTypeRequest
	msg.AddOption(&dhcpv6.OptIANA{IaId: [4]byte{0, 0, 0, 1}})

	bufs, reason := buildServerReply(msg.ToBytes(), serverDUID(testMAC), testDNS())
	if reason != "" {
		t.Fatalf("dropped: %s", reason)
	}

	reply, err := dhcpv6.MessageFromBytes(joinBufs(bufs))
	if err != nil {
		t.Fatalf("reply does not parse: %v", err)
	}
	opt := reply.GetOneOption(dhcpv6.OptionStatusCode)
	if opt == nil {
		t.Fatal("status missing for IA_NA request")
	}
	code := binary.BigEndian.Uint16(opt.ToBytes()[:2])
	if iana.StatusCode(code) != iana.StatusNoAddrsAvail {
		t.Errorf("status = %d, want NoAddrsAvail", code)
	}
}

func TestMiniServerRefusals(t *testing.T) {
	t.Run("rebind is dropped", func(t *testing.T) {
		msg := newSolicit(t)
		msg.MessageType = dhcpv6.MessageTypeRebind
		if _, reason := buildServerReply(msg.ToBytes(), serverDUID(testMAC), testDNS()); reason == "" {
			t.Fatal("rebind answered")
		}
	})

	t.Run("foreign server-id is dropped", func(t *testing.T) {
		msg := newSolicit(t)
		msg.MessageType = dhcpv6.MessageTypeRequest
		msg.AddOption(dhcpv6.OptServerID(&dhcpv6.DUIDLL{
			HWType:        iana.HWTypeEthernet,
			LinkLayerAddr: []byte{9, 9, 9, 9, 9, 9},
		}))
		if _, reason := buildServerReply(msg.ToBytes(), serverDUID(testMAC), testDNS()); reason == "" {
			t.Fatal("request for another server answered")
		}
	})

	t.Run("matching server-id is answered", func(t *testing.T) {
		ourDUID := serverDUID(testMAC)
		msg := newSolicit(t)
		msg.MessageType = dhcpv6.MessageTypeRequest
		req := msg.ToBytes()
		req = appendOption(req, optServerID, ourDUID)
		if _, reason := buildServerReply(req, ourDUID, testDNS()); reason != "" {
			t.Fatalf("dropped: %s", reason)
		}
	})
}

func TestMiniServerRelayed(t *testing.T) {
	solicit := newSolicit(t)
	inner := solicit.ToBytes()

	linkAddr := netip.MustParseAddr("2001:db8:1::1")
	var peer [16]byte
	copy(peer[:], netip.MustParseAddr("fe80::2").AsSlice())
	env := buildRelayForward(0, linkAddr, peer, 7, len(inner))
	req := append(env, inner...)

	bufs, reason := buildServerReply(req, serverDUID(testMAC), testDNS())
	if reason != "" {
		t.Fatalf("dropped: %s", reason)
	}
	out := joinBufs(bufs)

	if out[0] != msgRelayReply {
		t.Fatalf("envelope type = %d, want RELAY-REPL", out[0])
	}
	if !bytes.Equal(out[2:18], linkAddr.AsSlice()) || !bytes.Equal(out[18:34], peer[:]) {
		t.Error("envelope addresses altered")
	}

	var innerReply []byte
	forEachOption(out[relayHeaderLen:], func(code uint16, value []byte, _ int) bool {
		if code == optRelayMsg {
			innerReply = value
		}
		return true
	})
	if innerReply == nil {
		t.Fatal("relay-message missing from reply")
	}

	reply, err := dhcpv6.MessageFromBytes(innerReply)
	if err != nil {
		t.Fatalf("inner reply does not parse (length fixup broken?): %v", err)
	}
	if reply.MessageType != dhcpv6.MessageTypeAdvertise {
		t.Errorf("inner type = %v, want ADVERTISE", reply.MessageType)
	}
	if reply.TransactionID != solicit.TransactionID {
		t.Error("transaction id lost through the relay chain")
	}
}

func TestMiniServerNestedRelay(t *testing.T) {
	solicit := newSolicit(t)
	inner := solicit.ToBytes()

	linkAddr := netip.MustParseAddr("2001:db8:1::1")
	var peer [16]byte
	copy(peer[:], netip.MustParseAddr("fe80::2").AsSlice())

	level1 := append(buildRelayForward(0, linkAddr, peer, 7, len(inner)), inner...)
	level2 := append(buildRelayForward(1, linkAddr, peer, 8, len(level1)), level1...)

	bufs, reason := buildServerReply(level2, serverDUID(testMAC), testDNS())
	if reason != "" {
		t.Fatalf("dropped: %s", reason)
	}
	out := joinBufs(bufs)

	// Both envelopes converted, both relay-message lengths consistent.
	depth := 0
	cur := out
	for len(cur) >= relayHeaderLen && cur[0] == msgRelayReply {
		depth++
		var next []byte
		forEachOption(cur[relayHeaderLen:], func(code uint16, value []byte, _ int) bool {
			if code == optRelayMsg {
				next = value
				return false
			}
			return true
		})
		if next == nil {
			t.Fatalf("relay-message missing at depth %d", depth)
		}
		cur = next
	}
	if depth != 2 {
		t.Fatalf("envelope depth = %d, want 2", depth)
	}

	reply, err := dhcpv6.MessageFromBytes(cur)
	if err != nil {
		t.Fatalf("innermost reply does not parse: %v", err)
	}
	if reply.MessageType != dhcpv6.MessageTypeAdvertise {
		t.Errorf("innermost type = %v, want ADVERTISE", reply.MessageType)
	}
}

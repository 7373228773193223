package ndp

import (
	"net"
	"net/netip"
	"testing"
)

var proxyMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

func TestAdvertFrameRoundTrip(t *testing.T) {
	src := netip.MustParseAddr("fe80::1")
	dst := netip.MustParseAddr("fe80::2")
	target := netip.MustParseAddr("2001:db8::10")
	dstMAC := [6]byte{0x02, 0, 0, 0, 0, 0x02}

	frame := buildAdvertFrame(proxyMAC, dstMAC, src, dst, target, flagSolicited|flagOverride)
	if frame == nil {
		t.Fatal("no frame built")
	}

	msg := parseNDFrame(frame)
	if msg == nil {
		t.Fatal("own advertisement does not parse")
	}
	if msg.Type != typeNeighborAdvert {
		t.Errorf("type = %d, want %d", msg.Type, typeNeighborAdvert)
	}
	if msg.Target != target {
		t.Errorf("target = %v, want %v", msg.Target, target)
	}
	if msg.Src != src || msg.Dst != dst {
		t.Errorf("addresses = %v -> %v", msg.Src, msg.Dst)
	}
	if msg.SrcMAC != [6]byte(proxyMAC) {
		t.Errorf("src MAC = %x", msg.SrcMAC)
	}
}

func TestSolicitFrameRoundTrip(t *testing.T) {
	src := netip.MustParseAddr("fe80::1")
	target := netip.MustParseAddr("2001:db8::10")
	snm := solicitedNodeMulticast(target)
	dstMAC := [6]byte{0x33, 0x33, 0xff, 0, 0, 0x10}

	frame := buildSolicitFrame(proxyMAC, dstMAC, src, snm, target)
	msg := parseNDFrame(frame)
	if msg == nil {
		t.Fatal("own solicitation does not parse")
	}
	if msg.Type != typeNeighborSolicit || msg.Target != target {
		t.Errorf("type/target = %d/%v", msg.Type, msg.Target)
	}
	if msg.IsDAD() {
		t.Error("sourced solicitation classified as DAD")
	}
}

func TestDADDetection(t *testing.T) {
	target := netip.MustParseAddr("2001:db8::10")
	frame := buildSolicitFrame(proxyMAC, [6]byte{0x33, 0x33, 0, 0, 0, 1},
		netip.IPv6Unspecified(), solicitedNodeMulticast(target), target)
	msg := parseNDFrame(frame)
	if msg == nil {
		t.Fatal("DAD probe does not parse")
	}
	if !msg.IsDAD() {
		t.Error("unspecified-source solicitation not classified as DAD")
	}
}

func TestParseRejectsNonND(t *testing.T) {
	if parseNDFrame([]byte{0x01, 0x02}) != nil {
		t.Error("garbage accepted")
	}

	// A well-formed frame with the wrong hop limit must be rejected.
	src := netip.MustParseAddr("fe80::1")
	target := netip.MustParseAddr("2001:db8::10")
	frame := buildSolicitFrame(proxyMAC, [6]byte{0x33, 0x33, 0, 0, 0, 1},
		src, solicitedNodeMulticast(target), target)
	// Hop limit lives at Ethernet(14) + IPv6 offset 7.
	frame[14+7] = 64
	if parseNDFrame(frame) != nil {
		t.Error("hop limit 64 accepted for an ND message")
	}
}

func TestSolicitedNodeMulticast(t *testing.T) {
	got := solicitedNodeMulticast(netip.MustParseAddr("2001:db8::aa:bbcc"))
	want := netip.MustParseAddr("ff02::1:ffaa:bbcc")
	if got != want {
		t.Errorf("solicited-node = %v, want %v", got, want)
	}
}

package ndp

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/fgggid/6relayd/pkg/iface"
)

const (
	typeNeighborSolicit = 135
	typeNeighborAdvert  = 136

	// ndHopLimit is mandatory for all ND messages (RFC 4861).
	ndHopLimit = 255

	flagSolicited = 0x40
	flagOverride  = 0x20
)

// ndMessage is a validated NS or NA.
type ndMessage struct {
	Type   uint8
	Src    netip.Addr
	Dst    netip.Addr
	SrcMAC [6]byte
	Target netip.Addr
}

// IsDAD reports a duplicate-address-detection probe: a solicitation
// from the unspecified address.
func (m *ndMessage) IsDAD() bool {
	return m.Type == typeNeighborSolicit && m.Src.IsUnspecified()
}

// parseNDFrame decodes an Ethernet frame into an ND message. Anything
// that is not a well-formed NS/NA with hop limit 255 and no extension
// headers is rejected.
func parseNDFrame(data []byte) *ndMessage {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)

	ethL := pkt.Layer(layers.LayerTypeEthernet)
	ip6L := pkt.Layer(layers.LayerTypeIPv6)
	icmpL := pkt.Layer(layers.LayerTypeICMPv6)
	if ethL == nil || ip6L == nil || icmpL == nil {
		return nil
	}
	eth := ethL.(*layers.Ethernet)
	ip6 := ip6L.(*layers.IPv6)
	icmp := icmpL.(*layers.ICMPv6)

	if ip6.HopLimit != ndHopLimit || ip6.NextHeader != layers.IPProtocolICMPv6 {
		return nil
	}

	m := &ndMessage{Type: uint8(icmp.TypeCode.Type())}
	copy(m.SrcMAC[:], eth.SrcMAC)

	var ok bool
	if m.Src, ok = netip.AddrFromSlice(ip6.SrcIP.To16()); !ok {
		return nil
	}
	if m.Dst, ok = netip.AddrFromSlice(ip6.DstIP.To16()); !ok {
		return nil
	}

	switch m.Type {
	case typeNeighborSolicit:
		l := pkt.Layer(layers.LayerTypeICMPv6NeighborSolicitation)
		if l == nil {
			return nil
		}
		ns := l.(*layers.ICMPv6NeighborSolicitation)
		if m.Target, ok = netip.AddrFromSlice(ns.TargetAddress.To16()); !ok {
			return nil
		}
	case typeNeighborAdvert:
		l := pkt.Layer(layers.LayerTypeICMPv6NeighborAdvertisement)
		if l == nil {
			return nil
		}
		na := l.(*layers.ICMPv6NeighborAdvertisement)
		if m.Target, ok = netip.AddrFromSlice(na.TargetAddress.To16()); !ok {
			return nil
		}
	default:
		return nil
	}
	return m
}

// sendProxyAdvert answers a solicitation on behalf of a neighbor that
// lives on another link. The router flag stays clear: the proxy only
// vouches for reachability, not for being a router. A DAD probe is
// answered to all-nodes since the prober has no address yet.
func (e *Engine) sendProxyAdvert(msg *ndMessage, out *iface.Interface) {
	dstIP := msg.Src
	dstMAC := msg.SrcMAC
	flags := uint8(flagSolicited | flagOverride)

	if msg.IsDAD() {
		dstIP = netip.MustParseAddr("ff02::1")
		dstMAC = [6]byte{0x33, 0x33, 0, 0, 0, 0x01}
		flags = flagOverride
	}

	frame := buildAdvertFrame(out.MAC, dstMAC, linkLocalOr(out.Name), dstIP,
		msg.Target, flags)
	e.sendFrame(frame, dstMAC, out)
}

// sendProxySolicit probes for a target on another link, soliciting the
// real owner to advertise itself.
func (e *Engine) sendProxySolicit(target netip.Addr, out *iface.Interface) {
	snm := solicitedNodeMulticast(target)
	t := snm.As16()
	dstMAC := [6]byte{0x33, 0x33, 0xff, t[13], t[14], t[15]}

	frame := buildSolicitFrame(out.MAC, dstMAC, linkLocalOr(out.Name), snm, target)
	e.sendFrame(frame, dstMAC, out)
}

// solicitedNodeMulticast maps an address to ff02::1:ffXX:XXXX.
func solicitedNodeMulticast(a netip.Addr) netip.Addr {
	b := a.As16()
	out := [16]byte{0xff, 0x02, 11: 0x01, 12: 0xff, 13: b[13], 14: b[14], 15: b[15]}
	return netip.AddrFrom16(out)
}

// buildAdvertFrame serializes a neighbor advertisement with the egress
// MAC as target link-layer option.
func buildAdvertFrame(srcMAC net.HardwareAddr, dstMAC [6]byte, srcIP, dstIP, target netip.Addr, flags uint8) []byte {
	ip6 := &layers.IPv6{
		Version:    6,
		HopLimit:   ndHopLimit,
		NextHeader: layers.IPProtocolICMPv6,
		SrcIP:      srcIP.AsSlice(),
		DstIP:      dstIP.AsSlice(),
	}
	icmp := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborAdvertisement, 0),
	}
	if err := icmp.SetNetworkLayerForChecksum(ip6); err != nil {
		return nil
	}
	na := &layers.ICMPv6NeighborAdvertisement{
		Flags:         flags,
		TargetAddress: target.AsSlice(),
		Options: layers.ICMPv6Options{
			{Type: layers.ICMPv6OptTargetAddress, Data: srcMAC},
		},
	}

	return serializeFrame(srcMAC, dstMAC, ip6, icmp, na)
}

// buildSolicitFrame serializes a neighbor solicitation with our MAC as
// source link-layer option.
func buildSolicitFrame(srcMAC net.HardwareAddr, dstMAC [6]byte, srcIP, dstIP, target netip.Addr) []byte {
	ip6 := &layers.IPv6{
		Version:    6,
		HopLimit:   ndHopLimit,
		NextHeader: layers.IPProtocolICMPv6,
		SrcIP:      srcIP.AsSlice(),
		DstIP:      dstIP.AsSlice(),
	}
	icmp := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborSolicitation, 0),
	}
	if err := icmp.SetNetworkLayerForChecksum(ip6); err != nil {
		return nil
	}
	ns := &layers.ICMPv6NeighborSolicitation{
		TargetAddress: target.AsSlice(),
		Options: layers.ICMPv6Options{
			{Type: layers.ICMPv6OptSourceAddress, Data: srcMAC},
		},
	}

	return serializeFrame(srcMAC, dstMAC, ip6, icmp, ns)
}

func serializeFrame(srcMAC net.HardwareAddr, dstMAC [6]byte, ip6 *layers.IPv6, icmp *layers.ICMPv6, nd gopacket.SerializableLayer) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       net.HardwareAddr(dstMAC[:]),
		EthernetType: layers.EthernetTypeIPv6,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip6, icmp, nd); err != nil {
		return nil
	}
	return buf.Bytes()
}

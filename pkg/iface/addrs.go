package iface

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/vishvananda/netlink"
)

// Addr is one IPv6 address on an interface together with its SLAAC
// lifetimes as reported by the kernel.
type Addr struct {
	Addr      netip.Addr
	PrefixLen int
	Preferred uint32 // seconds, 0xffffffff = infinite
	Valid     uint32
}

// Addresses enumerates the IPv6 addresses assigned to the interface with
// the given kernel index, at most max entries. Link-local and multicast
// addresses are skipped; the engines only advertise routable prefixes.
func Addresses(ifindex, max int) ([]Addr, error) {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return nil, fmt.Errorf("link %d: %w", ifindex, err)
	}
	nladdrs, err := netlink.AddrList(link, netlink.FAMILY_V6)
	if err != nil {
		return nil, fmt.Errorf("addr list %d: %w", ifindex, err)
	}

	var out []Addr
	for _, a := range nladdrs {
		if len(out) >= max {
			break
		}
		ip, ok := netip.AddrFromSlice(a.IP.To16())
		if !ok || !ip.Is6() || ip.Is4In6() {
			continue
		}
		if ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsLoopback() {
			continue
		}
		ones, _ := a.Mask.Size()
		out = append(out, Addr{
			Addr:      ip,
			PrefixLen: ones,
			Preferred: uint32(a.PreferedLft),
			Valid:     uint32(a.ValidLft),
		})
	}
	return out, nil
}

// GlobalAddress returns an IPv6 address currently assigned to the named
// interface, preferring global scope. With allowLinkLocal set a
// link-local is accepted when nothing better exists.
func GlobalAddress(name string, allowLinkLocal bool) (netip.Addr, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("link %s: %w", name, err)
	}
	nladdrs, err := netlink.AddrList(link, netlink.FAMILY_V6)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("addr list %s: %w", name, err)
	}

	var linkLocal netip.Addr
	for _, a := range nladdrs {
		ip, ok := netip.AddrFromSlice(a.IP.To16())
		if !ok || !ip.Is6() || ip.Is4In6() || ip.IsMulticast() || ip.IsLoopback() {
			continue
		}
		if ip.IsLinkLocalUnicast() {
			if !linkLocal.IsValid() {
				linkLocal = ip
			}
			continue
		}
		return ip, nil
	}
	if allowLinkLocal && linkLocal.IsValid() {
		return linkLocal, nil
	}
	return netip.Addr{}, fmt.Errorf("no suitable source address on %s", name)
}

// LinkLocalAddress returns the link-local address of the named interface.
func LinkLocalAddress(name string) (netip.Addr, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("link %s: %w", name, err)
	}
	nladdrs, err := netlink.AddrList(link, netlink.FAMILY_V6)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("addr list %s: %w", name, err)
	}
	for _, a := range nladdrs {
		ip, ok := netip.AddrFromSlice(a.IP.To16())
		if ok && ip.IsLinkLocalUnicast() {
			return ip, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("no link-local address on %s", name)
}

const routeTablePath = "/proc/net/ipv6_route"

// HaveDefaultRoute reports whether the kernel routing table holds a ::/0
// entry on something other than loopback.
func HaveDefaultRoute() bool {
	f, err := os.Open(routeTablePath)
	if err != nil {
		return false
	}
	defer f.Close()
	return defaultRouteInTable(f)
}

const zeroAddr = "00000000000000000000000000000000"

// defaultRouteInTable scans /proc/net/ipv6_route text. Each line is
// "dst dstlen src srclen nexthop metric refcnt use flags ifname".
func defaultRouteInTable(r io.Reader) bool {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 10 {
			continue
		}
		if f[0] == zeroAddr && f[1] == "00" &&
			f[2] == zeroAddr && f[3] == "00" && f[9] != "lo" {
			return true
		}
	}
	return false
}

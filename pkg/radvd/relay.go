package radvd

import (
	"net"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/fgggid/6relayd/pkg/eventengine"
	"github.com/fgggid/6relayd/pkg/iface"
	"github.com/fgggid/6relayd/pkg/metrics"
)

const raHeaderLen = 16 // ICMPv6 header + lifetimes

// raLayout locates the rewritable options inside a Router Advertisement.
type raLayout struct {
	macOff   int // offset of the source link-layer address, -1 if absent
	dnsOff   int // offset of the first RDNSS address, -1 if absent
	dnsCount int
}

// parseRouterAdvert walks the RA options. Options are 8-byte units; a
// zero length or a length running past the buffer ends the walk.
func parseRouterAdvert(data []byte) raLayout {
	l := raLayout{macOff: -1, dnsOff: -1}
	off := raHeaderLen
	for off+2 <= len(data) {
		optType := data[off]
		optLen := int(data[off+1]) * 8
		if optLen == 0 || off+optLen > len(data) {
			break
		}
		switch optType {
		case optSourceLinkaddr:
			l.macOff = off + 2
		case optRecursiveDNS:
			if optLen > 8 {
				l.dnsOff = off + 8
				l.dnsCount = (optLen - 8) / 16
			}
		}
		off += optLen
	}
	return l
}

// forwardRouterAdvert relays one RA from the master to every slave. The
// body is forwarded verbatim except for the per-slave rewrites: the
// source link-layer option becomes the slave's MAC, the PROXY flag is
// set (plus OTHER when the local DHCPv6 server runs), and the RDNSS
// addresses are replaced when DNS rewriting is on. A slave for which no
// rewrite address can be found is skipped entirely.
func (e *Engine) forwardRouterAdvert(data []byte) {
	if len(data) < raHeaderLen {
		metrics.Dropped.WithLabelValues("router-discovery", "short").Inc()
		return
	}
	layout := parseRouterAdvert(data)

	data[5] |= flagProxy
	if e.cfg.DHCPv6Server {
		data[5] |= flagOther
	}

	dst := &unix.SockaddrInet6{Addr: allNodes}
	for _, slave := range e.reg.Slaves {
		var rewrite netip.Addr
		if e.cfg.AlwaysRewriteDNS && layout.dnsCount > 0 {
			rewrite = e.cfg.DNSAddr
			if !rewrite.IsValid() {
				addr, err := iface.GlobalAddress(slave.Name, false)
				if err != nil {
					metrics.Dropped.WithLabelValues(
						"router-discovery", "no-dns-rewrite-addr").Inc()
					continue
				}
				rewrite = addr
			}
		}
		rewriteForSlave(data, layout, slave.MAC, rewrite)

		if _, err := eventengine.Forward(e.sock, dst, [][]byte{data}, slave); err == nil {
			metrics.Relayed.WithLabelValues("router-discovery", slave.Name).Inc()
		}
	}
}

// rewriteForSlave patches the slave-specific fields into the RA body:
// the source link-layer option and, when dns is valid, every RDNSS
// address.
func rewriteForSlave(data []byte, l raLayout, mac net.HardwareAddr, dns netip.Addr) {
	if l.macOff >= 0 {
		copy(data[l.macOff:l.macOff+6], mac)
	}
	if dns.IsValid() && l.dnsCount > 0 {
		b := dns.As16()
		for i := 0; i < l.dnsCount; i++ {
			copy(data[l.dnsOff+16*i:], b[:])
		}
	}
}

// forwardRouterSolicit sends a bare RS out the master to all-routers.
// With forced address assignment the slaves' accept_ra is opened first
// so the kernel honors the answering RA even while forwarding.
func (e *Engine) forwardRouterSolicit() {
	if e.cfg.ForceAddressAssignment {
		for _, slave := range e.reg.Slaves {
			iface.Sysctl(slave.Name, "accept_ra", "2")
		}
	}

	rs := make([]byte, 8)
	rs[0] = typeRouterSolicit

	dst := &unix.SockaddrInet6{Addr: allRouters}
	master := e.reg.Master
	if _, err := eventengine.Forward(e.sock, dst, [][]byte{rs}, master); err == nil {
		metrics.Relayed.WithLabelValues("router-discovery", master.Name).Inc()
	}
}

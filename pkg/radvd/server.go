package radvd

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"github.com/fgggid/6relayd/pkg/config"
	"github.com/fgggid/6relayd/pkg/eventengine"
	"github.com/fgggid/6relayd/pkg/iface"
	"github.com/fgggid/6relayd/pkg/metrics"
)

const resolvConfPath = "/etc/resolv.conf"

// advertPrefix is one Prefix Information option under construction.
// Only the first 8 bytes of the prefix are advertised; length is fixed
// at /64.
type advertPrefix struct {
	prefix    [8]byte
	valid     uint32
	preferred uint32
}

func (p *advertPrefix) ula() bool { return p.prefix[0]&0xfe == 0xfc }

// advertPlan is the computed content of one synthesized RA.
type advertPlan struct {
	routerLifetime uint16
	prefixes       []advertPrefix
	dnsAddr        netip.Addr
	dnsLifetime    uint32
}

// planAdvert derives the RA content from the slave's addresses.
// Addresses sharing their first 8 bytes merge into one /64 prefix;
// lifetimes are clamped; the router lifetime is announced only when a
// default route exists and a public prefix is still preferred; ULA
// prefixes are deprecated when configured and a public one is present.
func planAdvert(cfg *config.Config, addrs []iface.Addr, haveDefault bool) advertPlan {
	var plan advertPlan
	if haveDefault {
		plan.routerLifetime = uint16(3 * (MaxRtrAdvInterval / time.Second))
	}

	havePublic := false
	for _, a := range addrs {
		if a.PrefixLen > 64 {
			continue // not advertisable as /64
		}
		preferred := min(a.Preferred, MaxValidTime)
		valid := min(a.Valid, MaxValidTime)

		b := a.Addr.As16()
		var p *advertPrefix
		for i := range plan.prefixes {
			if [8]byte(b[:8]) == plan.prefixes[i].prefix {
				p = &plan.prefixes[i]
			}
		}
		if p == nil {
			if len(plan.prefixes) >= MaxPrefixes {
				break
			}
			plan.prefixes = append(plan.prefixes, advertPrefix{})
			p = &plan.prefixes[len(plan.prefixes)-1]
		}

		if b[0]&0xfe != 0xfc && preferred > 0 {
			havePublic = true
		}

		copy(p.prefix[:], b[:8])
		p.valid = valid
		p.preferred = preferred

		if preferred > plan.dnsLifetime {
			plan.dnsLifetime = preferred
			plan.dnsAddr = a.Addr
		}
	}

	if !havePublic && !cfg.AlwaysAnnounceDefaultRouter {
		plan.routerLifetime = 0
	}
	if havePublic && cfg.DeprecateULAIfPublicAvail {
		for i := range plan.prefixes {
			if plan.prefixes[i].ula() {
				plan.prefixes[i].preferred = 0
			}
		}
	}

	if cfg.AlwaysRewriteDNS && cfg.DNSAddr.IsValid() {
		plan.dnsAddr = cfg.DNSAddr
	}
	return plan
}

// sendRouterAdvert synthesizes and emits one RA on a slave, then
// re-arms the slave's timer to a random interval. During shutdown the
// address enumeration is skipped so the RA carries router lifetime zero
// and no prefixes, expiring the hosts' state.
func (e *Engine) sendRouterAdvert(slave *iface.Interface, t *eventengine.Timer) {
	mtu := slave.CurrentMTU()

	var addrs []iface.Addr
	haveDefault := false
	if !e.inShutdown {
		haveDefault = iface.HaveDefaultRoute()
		addrs, _ = iface.Addresses(slave.Index, MaxPrefixes)
	}

	plan := planAdvert(e.cfg, addrs, haveDefault)

	body := buildAdvert(slave.MAC, uint32(mtu), plan.routerLifetime, plan.prefixes)
	rdnss := buildRDNSS(plan.dnsAddr, plan.dnsLifetime)
	dnssl := buildDNSSearch(firstSearchDomain(resolvConfPath))

	dst := &unix.SockaddrInet6{Addr: allNodes}
	bufs := [][]byte{body}
	if rdnss != nil {
		bufs = append(bufs, rdnss)
	}
	if dnssl != nil {
		bufs = append(bufs, dnssl)
	}
	if _, err := eventengine.Forward(e.sock, dst, bufs, slave); err == nil {
		metrics.Relayed.WithLabelValues("router-discovery", slave.Name).Inc()
	}

	t.Arm(MinRtrAdvInterval +
		time.Duration(e.rng.Int63n(int64(MaxRtrAdvInterval-MinRtrAdvInterval))))
}

// buildAdvert lays out the RA header, source link-layer option, MTU
// option and Prefix Information options. The checksum stays zero; the
// kernel fills it on the raw socket.
func buildAdvert(mac []byte, mtu uint32, routerLifetime uint16, prefixes []advertPrefix) []byte {
	buf := make([]byte, raHeaderLen+8+8+32*len(prefixes))

	buf[0] = typeRouterAdvert
	buf[5] = flagOther
	binary.BigEndian.PutUint16(buf[6:8], routerLifetime)

	off := raHeaderLen
	buf[off] = optSourceLinkaddr
	buf[off+1] = 1
	copy(buf[off+2:off+8], mac)
	off += 8

	buf[off] = optMTU
	buf[off+1] = 1
	binary.BigEndian.PutUint32(buf[off+4:off+8], mtu)
	off += 8

	for _, p := range prefixes {
		buf[off] = optPrefixInfo
		buf[off+1] = 4
		buf[off+2] = 64          // prefix length
		buf[off+3] = 0x80 | 0x40 // onlink | autonomous
		binary.BigEndian.PutUint32(buf[off+4:], p.valid)
		binary.BigEndian.PutUint32(buf[off+8:], p.preferred)
		copy(buf[off+16:off+24], p.prefix[:])
		off += 32
	}

	return buf
}

// buildRDNSS emits a single-address Recursive DNS Server option, or nil
// when no address is available.
func buildRDNSS(addr netip.Addr, lifetime uint32) []byte {
	if !addr.IsValid() {
		return nil
	}
	buf := make([]byte, 24)
	buf[0] = optRecursiveDNS
	buf[1] = 3
	binary.BigEndian.PutUint32(buf[4:8], lifetime)
	b := addr.As16()
	copy(buf[8:24], b[:])
	return buf
}

// buildDNSSearch emits a DNS Search List option carrying one domain in
// DNS wire encoding, zero-padded to an 8-byte multiple, or nil when the
// resolver has no search domain.
func buildDNSSearch(domain string) []byte {
	name := encodeDomain(domain)
	if name == nil {
		return nil
	}
	padded := (len(name) + 7) &^ 7
	buf := make([]byte, 8+padded)
	buf[0] = optDNSSearch
	buf[1] = byte(len(buf) / 8)
	binary.BigEndian.PutUint32(buf[4:8], uint32(3*(MaxRtrAdvInterval/time.Second)))
	copy(buf[8:], name)
	return buf
}

// firstSearchDomain consults the system resolver configuration.
func firstSearchDomain(path string) string {
	conf, err := dns.ClientConfigFromFile(path)
	if err != nil || len(conf.Search) == 0 {
		return ""
	}
	return conf.Search[0]
}

// encodeDomain converts a domain to uncompressed DNS wire format:
// length-prefixed labels ending in a zero byte. Returns nil for an
// empty or unencodable name.
func encodeDomain(domain string) []byte {
	if domain == "" {
		return nil
	}
	var out []byte
	label := make([]byte, 0, 63)
	flush := func() bool {
		if len(label) == 0 {
			return true
		}
		if len(label) > 63 {
			return false
		}
		out = append(out, byte(len(label)))
		out = append(out, label...)
		label = label[:0]
		return true
	}
	for i := 0; i < len(domain); i++ {
		if domain[i] == '.' {
			if !flush() {
				return nil
			}
			continue
		}
		label = append(label, domain[i])
	}
	if !flush() {
		return nil
	}
	if len(out) == 0 || len(out) > 254 {
		return nil
	}
	return append(out, 0)
}

// Package radvd implements Router Discovery for the relay daemon. In
// relay mode it forwards Router Advertisements from the master to every
// slave (rewriting the link-layer and DNS options on the way) and
// Router Solicitations from slaves to the master. In server mode it
// synthesizes Router Advertisements on each slave from the addresses
// the kernel has assigned there.
package radvd

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fgggid/6relayd/pkg/config"
	"github.com/fgggid/6relayd/pkg/eventengine"
	"github.com/fgggid/6relayd/pkg/iface"
	"github.com/fgggid/6relayd/pkg/metrics"
)

// RFC 4861 timing, with lifetimes clamped to two years so leaked
// "infinite" kernel lifetimes do not pin prefixes forever.
const (
	MinRtrAdvInterval = 200 * time.Second
	MaxRtrAdvInterval = 600 * time.Second
	MaxValidTime      = 2 * 365 * 24 * 3600 // seconds

	// MaxPrefixes bounds the Prefix Information options in one RA.
	MaxPrefixes = 16
)

// ICMPv6 message types and ND option types handled here.
const (
	typeRouterSolicit = 133
	typeRouterAdvert  = 134

	optSourceLinkaddr = 1
	optPrefixInfo     = 3
	optMTU            = 5
	optRecursiveDNS   = 25
	optDNSSearch      = 31
)

// RA flags/reserved byte.
const (
	flagOther = 0x40
	flagProxy = 0x04
)

var (
	allNodes   = [16]byte{0xff, 0x02, 15: 0x01}
	allRouters = [16]byte{0xff, 0x02, 15: 0x02}
)

// Engine is the Router Discovery engine.
type Engine struct {
	cfg  *config.Config
	reg  *iface.Registry
	sock int

	timers     map[int]*eventengine.Timer // slave ifindex -> RA timer
	inShutdown bool
	rng        *rand.Rand
}

// Init opens the ICMPv6 socket, joins the discovery groups and
// registers with the event loop. It also sends the initial Router
// Solicitation when configured, even if neither discovery mode is
// enabled.
func Init(cfg *config.Config, reg *iface.Registry, loop *eventengine.Engine) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		reg:    reg,
		timers: make(map[int]*eventengine.Timer),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	sock, err := e.openICMPv6Socket()
	if err != nil {
		return nil, fmt.Errorf("ICMPv6 socket: %w", err)
	}
	e.sock = sock

	if cfg.RouterDiscoveryServer {
		for _, slave := range reg.Slaves {
			slave := slave
			t, err := loop.NewTimer("ra-"+slave.Name, func(t *eventengine.Timer) {
				e.sendRouterAdvert(slave, t)
			})
			if err != nil {
				unix.Close(sock)
				return nil, err
			}
			e.timers[slave.Index] = t
			t.Fire()
		}

		// The RAs we emit must not loop back into our own handler.
		unix.SetsockoptInt(sock, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_LOOP, 0)
	} else if cfg.RouterDiscoveryRelay {
		mreq := unix.IPv6Mreq{Multiaddr: allNodes, Interface: uint32(reg.Master.Index)}
		unix.SetsockoptIPv6Mreq(sock, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, &mreq)
	}

	if cfg.SendRouterSolicit {
		e.forwardRouterSolicit()
	}

	if len(reg.Slaves) > 0 && (cfg.RouterDiscoveryRelay || cfg.RouterDiscoveryServer) {
		ev := &eventengine.Event{
			Name:           "router-discovery",
			FD:             sock,
			HandleDatagram: e.handleICMPv6,
		}
		if err := loop.Register(ev); err != nil {
			unix.Close(sock)
			return nil, err
		}
	} else {
		unix.Close(sock)
		e.sock = -1
	}

	return e, nil
}

// openICMPv6Socket creates the shared raw socket: kernel checksums,
// hop limit 255 on both cast modes (RFC 4861), arrival interface via
// PKTINFO, and a type filter passing only RS and RA. All-routers is
// joined on every slave; relay mode adds all-nodes on the master.
func (e *Engine) openICMPv6Socket() (int, error) {
	sock, err := unix.Socket(unix.AF_INET6,
		unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.IPPROTO_ICMPV6)
	if err != nil {
		return -1, err
	}

	unix.SetsockoptInt(sock, unix.IPPROTO_RAW, unix.IPV6_CHECKSUM, 2)
	unix.SetsockoptInt(sock, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, 255)
	unix.SetsockoptInt(sock, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, 255)
	unix.SetsockoptInt(sock, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1)

	var filt unix.ICMPv6Filter
	for i := range filt.Data {
		filt.Data[i] = 0xffffffff // block all
	}
	for _, typ := range []uint32{typeRouterSolicit, typeRouterAdvert} {
		filt.Data[typ>>5] &^= 1 << (typ & 31)
	}
	unix.SetsockoptICMPv6Filter(sock, unix.IPPROTO_ICMPV6, unix.ICMPV6_FILTER, &filt)

	for _, slave := range e.reg.Slaves {
		mreq := unix.IPv6Mreq{Multiaddr: allRouters, Interface: uint32(slave.Index)}
		unix.SetsockoptIPv6Mreq(sock, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, &mreq)
	}

	return sock, nil
}

// handleICMPv6 dispatches RS/RA ingress by mode and direction.
func (e *Engine) handleICMPv6(_ unix.Sockaddr, data []byte, ifc *iface.Interface) {
	if len(data) < 8 {
		metrics.Dropped.WithLabelValues("router-discovery", "short").Inc()
		return
	}
	metrics.Received.WithLabelValues("router-discovery").Inc()

	msgType := data[0]
	if e.cfg.RouterDiscoveryServer {
		if msgType == typeRouterSolicit && !ifc.Master() {
			if t := e.timers[ifc.Index]; t != nil {
				t.Fire()
			}
		}
		return
	}

	switch {
	case msgType == typeRouterAdvert && ifc.Master():
		e.forwardRouterAdvert(data)
	case msgType == typeRouterSolicit && !ifc.Master():
		e.forwardRouterSolicit()
	}
}

// Refresh schedules every slave's RA timer to fire within a second.
// Bound to SIGUSR1 by the daemon; exported so embedders can trigger the
// same refresh without a signal.
func (e *Engine) Refresh() {
	for _, t := range e.timers {
		t.Arm(time.Second)
	}
}

// Shutdown emits one final RA per slave with router lifetime zero so
// hosts expire their default routes immediately. In relay mode with
// forced address assignment it re-opens accept_ra on the slaves
// instead, so the kernel keeps learning from upstream after we are
// gone.
func (e *Engine) Shutdown() {
	if e.cfg.RouterDiscoveryServer {
		e.inShutdown = true
		for _, slave := range e.reg.Slaves {
			if t := e.timers[slave.Index]; t != nil {
				t.Fire()
			}
		}
		return
	}

	if e.cfg.RouterDiscoveryRelay && e.cfg.ForceAddressAssignment {
		for _, slave := range e.reg.Slaves {
			if err := iface.Sysctl(slave.Name, "accept_ra", "2"); err != nil {
				slog.Warn("failed to restore accept_ra",
					"interface", slave.Name, "err", err)
			}
		}
	}
}

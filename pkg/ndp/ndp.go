// Package ndp implements the Neighbor Discovery proxy: it listens for
// Neighbor Solicitations and Advertisements on all interfaces through a
// packet socket, learns which link each neighbor lives on, answers
// solicitations for addresses known on another link, and optionally
// installs host routes to learned neighbors.
package ndp

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fgggid/6relayd/pkg/config"
	"github.com/fgggid/6relayd/pkg/eventengine"
	"github.com/fgggid/6relayd/pkg/iface"
	"github.com/fgggid/6relayd/pkg/metrics"
)

// Table maintenance cadence and lifetimes.
const (
	maintenanceInterval = 60 * time.Second
	staleAfter          = 30 * time.Second
	evictAfter          = 10 * time.Minute
)

// Engine is the ND proxy engine.
type Engine struct {
	cfg   *config.Config
	reg   *iface.Registry
	sock  int
	table *Table
}

// Init opens the ND packet socket, enables the proxy sysctls and
// registers with the event loop. Inert when NDP relaying is disabled.
func Init(cfg *config.Config, reg *iface.Registry, loop *eventengine.Engine) (*Engine, error) {
	e := &Engine{cfg: cfg, reg: reg, sock: -1, table: NewTable()}

	if !cfg.NDPRelay || len(reg.Slaves) < 1 {
		return e, nil
	}

	sock, err := unix.Socket(unix.AF_PACKET,
		unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK,
		int(htons(unix.ETH_P_IPV6)))
	if err != nil {
		return nil, fmt.Errorf("ND packet socket: %w", err)
	}
	// Ifindex 0 receives from every interface; dispatch recovers the
	// ingress from the link-layer source address.
	if err := unix.Bind(sock, &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_IPV6),
	}); err != nil {
		unix.Close(sock)
		return nil, fmt.Errorf("ND packet bind: %w", err)
	}
	if err := attachNDFilter(sock); err != nil {
		slog.Warn("ND socket filter not attached, filtering in userspace", "err", err)
	}
	e.sock = sock

	if err := loop.Register(&eventengine.Event{
		Name:           "ndp",
		FD:             sock,
		HandleDatagram: e.handleND,
	}); err != nil {
		unix.Close(sock)
		return nil, err
	}

	t, err := loop.NewTimer("ndp-maintenance", func(t *eventengine.Timer) {
		e.maintain()
		t.Arm(maintenanceInterval)
	})
	if err != nil {
		unix.Close(sock)
		return nil, err
	}
	t.Arm(maintenanceInterval)

	for _, ifc := range reg.All() {
		if err := iface.Sysctl(ifc.Name, "proxy_ndp", "1"); err != nil {
			slog.Warn("failed to enable proxy_ndp",
				"interface", ifc.Name, "err", err)
		}
	}

	return e, nil
}

// Deinit restores the proxy sysctls and drops learned routes.
func (e *Engine) Deinit() {
	if e.sock < 0 {
		return
	}
	for _, ifc := range e.reg.All() {
		iface.Sysctl(ifc.Name, "proxy_ndp", "0")
	}
	if e.cfg.RouteLearning {
		for _, n := range e.table.Entries() {
			removeHostRoute(n.Addr, n.Ifindex)
		}
	}
}

// handleND dispatches one captured frame.
func (e *Engine) handleND(src unix.Sockaddr, data []byte, ifc *iface.Interface) {
	ll, ok := src.(*unix.SockaddrLinklayer)
	if !ok || ll.Pkttype == unix.PACKET_OUTGOING {
		return
	}

	msg := parseNDFrame(data)
	if msg == nil {
		return
	}
	metrics.Received.WithLabelValues("ndp").Inc()

	switch msg.Type {
	case typeNeighborSolicit:
		e.handleSolicit(msg, ifc)
	case typeNeighborAdvert:
		e.handleAdvert(msg, ifc)
	}
}

// handleSolicit answers for targets known on another link and probes
// the other links for unknown ones.
func (e *Engine) handleSolicit(msg *ndMessage, ifc *iface.Interface) {
	owner := e.table.LookupElsewhere(msg.Target, ifc.Index)
	if owner != nil {
		// Hosts on an external slave are only defended for DAD; their
		// regular traffic is not pulled across the link.
		if owner.External && !msg.IsDAD() {
			return
		}
		e.sendProxyAdvert(msg, ifc)
		return
	}

	if msg.IsDAD() {
		return // nobody claims it; let the probe succeed
	}

	// Unknown target: solicit it on the other links so the owner
	// reveals itself. External slaves only participate for traffic
	// addressed to the router side, which the kernel handles, so they
	// are skipped here.
	for _, out := range e.reg.All() {
		if out.Index == ifc.Index || out.External {
			continue
		}
		e.sendProxySolicit(msg.Target, out)
	}
}

// handleAdvert learns reachability and optionally installs a host
// route toward the advertising link.
func (e *Engine) handleAdvert(msg *ndMessage, ifc *iface.Interface) {
	if msg.Target.IsUnspecified() || msg.Target.IsMulticast() {
		return
	}

	fresh := e.table.Refresh(msg.Target, ifc.Index, ifc.External)
	if fresh {
		slog.Info("learned neighbor",
			"addr", msg.Target, "interface", ifc.Name)
	}

	if e.cfg.RouteLearning && !ifc.Master() {
		if err := addHostRoute(msg.Target, ifc.Index); err != nil {
			slog.Warn("failed to install host route",
				"addr", msg.Target, "interface", ifc.Name, "err", err)
		}
	}
}

// maintain ages the table and withdraws routes for evicted entries.
func (e *Engine) maintain() {
	evicted := e.table.Expire(staleAfter, evictAfter)
	for _, n := range evicted {
		slog.Info("neighbor expired", "addr", n.Addr, "ifindex", n.Ifindex)
		if e.cfg.RouteLearning {
			removeHostRoute(n.Addr, n.Ifindex)
		}
	}
}

// sendFrame writes a serialized Ethernet frame out an interface.
func (e *Engine) sendFrame(frame []byte, dstMAC [6]byte, out *iface.Interface) {
	if frame == nil {
		return
	}
	dst := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_IPV6),
		Ifindex:  out.Index,
		Halen:    6,
	}
	copy(dst.Addr[:], dstMAC[:])

	if err := unix.Sendto(e.sock, frame, unix.MSG_DONTWAIT, dst); err != nil {
		slog.Warn("failed to send ND frame",
			"interface", out.Name, "err", err)
		return
	}
	metrics.Relayed.WithLabelValues("ndp", out.Name).Inc()
}

// linkLocalOr returns the interface's link-local address, or the
// unspecified address when none is assigned yet.
func linkLocalOr(name string) netip.Addr {
	addr, err := iface.LinkLocalAddress(name)
	if err != nil {
		return netip.IPv6Unspecified()
	}
	return addr
}

// attachNDFilter installs a classic BPF program passing only ICMPv6
// Neighbor Solicitations and Advertisements, so the socket does not
// wake the loop for unrelated IPv6 traffic.
func attachNDFilter(sock int) error {
	const (
		ldh = 0x28 // BPF_LD | BPF_H | BPF_ABS
		ldb = 0x30 // BPF_LD | BPF_B | BPF_ABS
		jeq = 0x15 // BPF_JMP | BPF_JEQ | BPF_K
		jge = 0x35 // BPF_JMP | BPF_JGE | BPF_K
		jgt = 0x25 // BPF_JMP | BPF_JGT | BPF_K
		ret = 0x06 // BPF_RET | BPF_K
	)
	prog := []unix.SockFilter{
		{Code: ldh, K: 12},                   // ethertype
		{Code: jeq, K: 0x86dd, Jt: 0, Jf: 6}, // IPv6?
		{Code: ldb, K: 14 + 6},               // next header
		{Code: jeq, K: 58, Jt: 0, Jf: 4},     // ICMPv6?
		{Code: ldb, K: 14 + 40},              // ICMPv6 type
		{Code: jge, K: typeNeighborSolicit, Jt: 0, Jf: 2},
		{Code: jgt, K: typeNeighborAdvert, Jt: 1, Jf: 0},
		{Code: ret, K: 0x40000}, // accept
		{Code: ret, K: 0},       // drop
	}
	fprog := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}
	return unix.SetsockoptSockFprog(sock, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog)
}

func htons(v uint16) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return binary.NativeEndian.Uint16(b)
}

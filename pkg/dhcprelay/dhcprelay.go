// Package dhcprelay implements the DHCPv6 side of the relay daemon: a
// standards-compliant relay agent (RFC 3315 RELAY-FORW/RELAY-REPL), a
// transparent compatibility mode for upstream servers that ignore
// relayed messages, and a stateless mini-server answering
// Information-Requests locally.
//
// The relay datapath works on raw option buffers so relayed messages
// stay byte-exact; the dhcpv6 library supplies the protocol constants,
// DUID construction and the message builders used in tests.
package dhcprelay

import (
	"fmt"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"golang.org/x/sys/unix"

	"github.com/fgggid/6relayd/pkg/config"
	"github.com/fgggid/6relayd/pkg/eventengine"
	"github.com/fgggid/6relayd/pkg/iface"
	"github.com/fgggid/6relayd/pkg/metrics"
)

// hopCountLimit is the RFC 3315 relay hop ceiling.
const hopCountLimit = 32

// relayHeaderLen is msg-type, hop-count and the two embedded addresses.
const relayHeaderLen = 34

// clientHeaderLen is msg-type plus the 3-byte transaction id.
const clientHeaderLen = 4

var (
	allRelays  = groupBytes(dhcpv6.AllDHCPRelayAgentsAndServers)
	allServers = groupBytes(dhcpv6.AllDHCPServers)
)

func groupBytes(ip net.IP) (out [16]byte) {
	copy(out[:], ip.To16())
	return
}

// Engine is the DHCPv6 engine.
type Engine struct {
	cfg *config.Config
	reg *iface.Registry

	sock       int // UDP 547, all interfaces
	brokenSock int // UDP 546 on the master, broken mode only
}

// Init opens the DHCPv6 sockets and registers them with the event loop.
// The engine is inert unless relaying is enabled and at least one slave
// exists.
func Init(cfg *config.Config, reg *iface.Registry, loop *eventengine.Engine) (*Engine, error) {
	e := &Engine{cfg: cfg, reg: reg, sock: -1, brokenSock: -1}

	if !cfg.DHCPv6Relay || len(reg.Slaves) < 1 {
		return e, nil
	}

	sock, err := createSocket(dhcpv6.DefaultServerPort)
	if err != nil {
		return nil, fmt.Errorf("DHCPv6 server socket: %w", err)
	}
	e.sock = sock

	for _, slave := range reg.Slaves {
		mreq := unix.IPv6Mreq{Multiaddr: allRelays, Interface: uint32(slave.Index)}
		unix.SetsockoptIPv6Mreq(sock, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, &mreq)
	}

	handler := e.handleDHCPv6
	if cfg.DHCPv6Server {
		handler = e.handleClientRequest
	}
	if err := loop.Register(&eventengine.Event{
		Name:           "dhcpv6",
		FD:             sock,
		HandleDatagram: handler,
	}); err != nil {
		unix.Close(sock)
		return nil, err
	}

	if cfg.BrokenDHCPv6 {
		bsock, err := createSocket(dhcpv6.DefaultClientPort)
		if err != nil {
			return nil, fmt.Errorf("DHCPv6 client socket: %w", err)
		}
		if err := unix.SetsockoptString(bsock, unix.SOL_SOCKET,
			unix.SO_BINDTODEVICE, reg.Master.Name); err != nil {
			unix.Close(bsock)
			return nil, fmt.Errorf("bind to %s: %w", reg.Master.Name, err)
		}
		e.brokenSock = bsock

		if err := loop.Register(&eventengine.Event{
			Name:           "dhcpv6-broken",
			FD:             bsock,
			HandleDatagram: e.handleDHCPv6,
		}); err != nil {
			unix.Close(bsock)
			return nil, err
		}
	}

	return e, nil
}

// createSocket opens a UDP socket bound to in6addr_any on the given
// port, with the relay hop limit on multicast sends.
func createSocket(port int) (int, error) {
	sock, err := unix.Socket(unix.AF_INET6,
		unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.IPPROTO_UDP)
	if err != nil {
		return -1, err
	}

	unix.SetsockoptInt(sock, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	unix.SetsockoptInt(sock, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	unix.SetsockoptInt(sock, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1)
	unix.SetsockoptInt(sock, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, hopCountLimit)

	if err := unix.Bind(sock, &unix.SockaddrInet6{Port: port}); err != nil {
		unix.Close(sock)
		return -1, err
	}
	return sock, nil
}

// handleDHCPv6 routes ingress by direction: the master carries server
// responses, the slaves carry client requests.
func (e *Engine) handleDHCPv6(src unix.Sockaddr, data []byte, ifc *iface.Interface) {
	metrics.Received.WithLabelValues("dhcpv6").Inc()

	if ifc.Master() {
		e.relayServerResponse(data)
		return
	}

	source, ok := src.(*unix.SockaddrInet6)
	if !ok {
		return
	}
	if e.cfg.BrokenDHCPv6 {
		e.relayClientRequestBroken(source, data, ifc)
	} else {
		e.relayClientRequest(source, data, ifc)
	}
}

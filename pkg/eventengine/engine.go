// Package eventengine implements the daemon's single-threaded readiness
// loop. Sockets and timers register as events; the engine drives an
// edge-triggered epoll, drains readable datagrams and dispatches them to
// handlers together with the interface they arrived on. All packet
// processing in the daemon happens on this one goroutine, which is what
// makes the interface registry and configuration safe to share unlocked.
package eventengine

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/fgggid/6relayd/pkg/iface"
)

// BufferSize bounds every datagram the daemon handles. Anything longer
// is truncated by the kernel and effectively dropped by the parsers.
const BufferSize = 1500

// ancillarySize holds IPV6_PKTINFO plus slack for other control data.
const ancillarySize = 128

// DatagramHandler receives one datagram: the kernel source address, the
// payload, and the interface the packet arrived on. The payload slice is
// only valid for the duration of the call and may be modified in place.
type DatagramHandler func(src unix.Sockaddr, data []byte, ifc *iface.Interface)

// Event is one readable source registered with the engine. Exactly one
// of HandleDatagram and HandleEvent must be set: datagram handlers get
// the drained packets, event handlers (timers, wakeups) get the event
// itself.
type Event struct {
	Name           string
	FD             int
	HandleDatagram DatagramHandler
	HandleEvent    func(*Event)
}

// Engine multiplexes all registered events on one epoll descriptor.
type Engine struct {
	epfd       int
	wakeFD     int
	events     map[int32]*Event
	registered int
	stopped    atomic.Bool
	ifaces     *iface.Registry
}

// New creates the engine. The registry resolves ingress interfaces for
// datagram dispatch.
func New(reg *iface.Registry) (*Engine, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll: %w", err)
	}
	wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	e := &Engine{
		epfd:   epfd,
		wakeFD: wake,
		events: make(map[int32]*Event),
		ifaces: reg,
	}

	wakeEv := &Event{Name: "wakeup", FD: wake, HandleEvent: func(ev *Event) {
		var buf [8]byte
		unix.Read(ev.FD, buf[:])
	}}
	if err := e.add(wakeEv); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) add(ev *Event) error {
	if err := unix.SetNonblock(ev.FD, true); err != nil {
		return fmt.Errorf("nonblock %s: %w", ev.Name, err)
	}
	eev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(ev.FD)}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, ev.FD, &eev); err != nil {
		return fmt.Errorf("epoll add %s: %w", ev.Name, err)
	}
	e.events[int32(ev.FD)] = ev
	return nil
}

// Register adds an event source to the loop. Sources are never removed
// before shutdown.
func (e *Engine) Register(ev *Event) error {
	if err := e.add(ev); err != nil {
		return err
	}
	e.registered++
	return nil
}

// Registered returns the number of sources registered by the engines
// (the internal wakeup descriptor is not counted).
func (e *Engine) Registered() int { return e.registered }

// Run dispatches events until Stop is called. Handlers run sequentially
// on the calling goroutine.
func (e *Engine) Run() error {
	evbuf := make([]unix.EpollEvent, 16)
	for !e.stopped.Load() {
		n, err := unix.EpollWait(e.epfd, evbuf, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("epoll wait: %w", err)
		}
		for i := 0; i < n; i++ {
			ev := e.events[evbuf[i].Fd]
			if ev == nil {
				continue
			}
			if ev.HandleEvent != nil {
				ev.HandleEvent(ev)
			} else if ev.HandleDatagram != nil {
				e.receivePackets(ev)
			}
		}
	}
	return nil
}

// Stop requests loop termination. Safe to call from any goroutine,
// including a signal handler's.
func (e *Engine) Stop() {
	if e.stopped.Swap(true) {
		return
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	unix.Write(e.wakeFD, one[:])
}

// Close releases the epoll and wakeup descriptors. Registered sockets
// belong to the engines that opened them.
func (e *Engine) Close() {
	unix.Close(e.wakeFD)
	unix.Close(e.epfd)
}

// receivePackets drains one readable socket. Edge-triggered readiness
// requires reading until EAGAIN; the handler sees packets in arrival
// order.
func (e *Engine) receivePackets(ev *Event) {
	data := make([]byte, BufferSize)
	oob := make([]byte, ancillarySize)

	for {
		n, oobn, _, from, err := unix.Recvmsg(ev.FD, data, oob, unix.MSG_DONTWAIT)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			slog.Warn("receive failed", "event", ev.Name, "err", err)
			break
		}

		destIface := 0
		if oobn > 0 {
			destIface = pktinfoIfindex(oob[:oobn])
		}
		if ll, ok := from.(*unix.SockaddrLinklayer); ok {
			destIface = ll.Ifindex
		}

		ifc := e.ifaces.ByIndex(destIface)
		if ifc == nil {
			continue
		}

		slog.Debug("received datagram",
			"event", ev.Name, "bytes", n, "interface", ifc.Name)
		ev.HandleDatagram(from, data[:n], ifc)
	}
}

// pktinfoIfindex extracts the arrival interface from an IPV6_PKTINFO
// control message, or 0 when none is present.
func pktinfoIfindex(oob []byte) int {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0
	}
	for _, m := range msgs {
		if m.Header.Level == unix.IPPROTO_IPV6 &&
			m.Header.Type == unix.IPV6_PKTINFO &&
			len(m.Data) >= unix.SizeofInet6Pktinfo {
			return int(binary.NativeEndian.Uint32(m.Data[16:20]))
		}
	}
	return 0
}

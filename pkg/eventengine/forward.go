package eventengine

import (
	"log/slog"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/fgggid/6relayd/pkg/iface"
)

// Forward sends a datagram out a specific interface. The destination's
// scope is pinned with an IPV6_PKTINFO control message so the kernel
// picks a source address belonging to the egress link; for link-local
// destinations the sockaddr scope id is set as well. Raw ICMPv6 sockets
// ignore (and on some kernels reject) PKTINFO, so it is suppressed when
// the destination carries no port.
func Forward(fd int, dst *unix.SockaddrInet6, bufs [][]byte, out *iface.Interface) (int, error) {
	addr, _ := netip.AddrFromSlice(dst.Addr[:])
	if addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		dst.ZoneId = uint32(out.Index)
	}

	var oob []byte
	if dst.Port != 0 {
		oob = pktinfoControl(out.Index)
	}

	n, err := unix.SendmsgBuffers(fd, bufs, oob, dst, unix.MSG_DONTWAIT)
	if err != nil {
		slog.Warn("failed to relay",
			"dst", addr, "interface", out.Name, "err", err)
		return 0, err
	}
	slog.Debug("relayed", "bytes", n, "dst", addr, "interface", out.Name)
	return n, nil
}

// pktinfoControl builds an IPV6_PKTINFO control message selecting the
// egress interface and leaving source selection to the kernel.
func pktinfoControl(ifindex int) []byte {
	oob := make([]byte, unix.CmsgSpace(unix.SizeofInet6Pktinfo))
	h := (*unix.Cmsghdr)(unsafe.Pointer(&oob[0]))
	h.Level = unix.IPPROTO_IPV6
	h.Type = unix.IPV6_PKTINFO
	h.SetLen(unix.CmsgLen(unix.SizeofInet6Pktinfo))

	pi := (*unix.Inet6Pktinfo)(unsafe.Pointer(&oob[unix.CmsgLen(0)]))
	pi.Ifindex = uint32(ifindex)
	return oob
}

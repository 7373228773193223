// Package iface models the daemon's view of network interfaces: one
// uplink master and N downstream slaves, plus the kernel lookups the
// packet engines need (addresses, MTU, sysctls, default route).
package iface

import (
	"fmt"
	"net"
	"os"
)

// Role distinguishes the uplink from downstream interfaces.
type Role int

const (
	RoleMaster Role = iota
	RoleSlave
)

// Interface is one network interface the daemon operates on. Fields are
// fixed at startup; per-interface timer state lives with the engine that
// owns it.
type Interface struct {
	Index    int
	Name     string
	MTU      int
	MAC      net.HardwareAddr
	Role     Role
	External bool // slave only: proxy just DAD and router-directed ND
}

// Master reports whether this is the uplink interface.
func (i *Interface) Master() bool { return i.Role == RoleMaster }

// Open resolves an interface by name and captures its index, MTU and
// link-layer address.
func Open(name string, role Role, external bool) (*Interface, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", name, err)
	}
	mac := ifi.HardwareAddr
	if len(mac) != 6 {
		// Loopback and P2P devices carry no MAC; the engines need a
		// 6-byte address for ND options, so substitute zeros.
		mac = make(net.HardwareAddr, 6)
	}
	return &Interface{
		Index:    ifi.Index,
		Name:     name,
		MTU:      ifi.MTU,
		MAC:      mac,
		Role:     role,
		External: external,
	}, nil
}

// CurrentMTU re-reads the interface MTU from the kernel, falling back to
// the standard Ethernet MTU when the lookup fails.
func (i *Interface) CurrentMTU() int {
	ifi, err := net.InterfaceByName(i.Name)
	if err != nil || ifi.MTU <= 0 {
		return 1500
	}
	return ifi.MTU
}

// Registry is the fixed interface table: the master plus all slaves.
type Registry struct {
	Master *Interface
	Slaves []*Interface
}

// ByIndex returns the interface with the given kernel index, or nil.
func (r *Registry) ByIndex(ifindex int) *Interface {
	if r.Master != nil && r.Master.Index == ifindex {
		return r.Master
	}
	for _, s := range r.Slaves {
		if s.Index == ifindex {
			return s
		}
	}
	return nil
}

// SlaveByIndex returns the slave with the given kernel index, or nil.
func (r *Registry) SlaveByIndex(ifindex int) *Interface {
	for _, s := range r.Slaves {
		if s.Index == ifindex {
			return s
		}
	}
	return nil
}

// All returns the master followed by the slaves.
func (r *Registry) All() []*Interface {
	out := make([]*Interface, 0, len(r.Slaves)+1)
	if r.Master != nil {
		out = append(out, r.Master)
	}
	return append(out, r.Slaves...)
}

// Sysctl writes an IPv6 per-interface kernel toggle, e.g.
// Sysctl("eth0", "accept_ra", "2"). The pseudo-interface "all" is valid.
func Sysctl(ifname, option, value string) error {
	path := fmt.Sprintf("/proc/sys/net/ipv6/conf/%s/%s", ifname, option)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("sysctl %s/%s: %w", ifname, option, err)
	}
	return nil
}

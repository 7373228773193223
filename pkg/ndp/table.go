package ndp

import (
	"net"
	"net/netip"
	"time"

	"github.com/vishvananda/netlink"
)

// State tracks how trustworthy a neighbor entry is.
type State int

const (
	StateTentative State = iota
	StateReachable
	StateStale
)

// Neighbor is one learned (address, interface) binding.
type Neighbor struct {
	Addr     netip.Addr
	Ifindex  int
	External bool
	State    State
	LastSeen time.Time
}

type tableKey struct {
	addr    netip.Addr
	ifindex int
}

// Table holds learned neighbors, at most one entry per (address,
// interface) pair. It is only touched from the event loop, so it needs
// no locking.
type Table struct {
	entries map[tableKey]*Neighbor
	now     func() time.Time
}

// NewTable creates an empty neighbor table.
func NewTable() *Table {
	return &Table{
		entries: make(map[tableKey]*Neighbor),
		now:     time.Now,
	}
}

// Refresh records reachability of addr on ifindex, creating the entry
// on first sight. Reports whether the entry is new.
func (t *Table) Refresh(addr netip.Addr, ifindex int, external bool) bool {
	key := tableKey{addr, ifindex}
	n, ok := t.entries[key]
	if !ok {
		n = &Neighbor{Addr: addr, Ifindex: ifindex, External: external}
		t.entries[key] = n
	}
	n.State = StateReachable
	n.LastSeen = t.now()
	return !ok
}

// LookupElsewhere returns a neighbor entry for addr on any interface
// other than excludeIfindex, or nil.
func (t *Table) LookupElsewhere(addr netip.Addr, excludeIfindex int) *Neighbor {
	for key, n := range t.entries {
		if key.addr == addr && key.ifindex != excludeIfindex {
			return n
		}
	}
	return nil
}

// Entries returns a snapshot of all entries.
func (t *Table) Entries() []*Neighbor {
	out := make([]*Neighbor, 0, len(t.entries))
	for _, n := range t.entries {
		out = append(out, n)
	}
	return out
}

// Expire downgrades entries unseen for staleAfter and removes those
// unseen for evictAfter, returning the evicted ones.
func (t *Table) Expire(staleAfter, evictAfter time.Duration) []*Neighbor {
	now := t.now()
	var evicted []*Neighbor
	for key, n := range t.entries {
		idle := now.Sub(n.LastSeen)
		switch {
		case idle >= evictAfter:
			delete(t.entries, key)
			evicted = append(evicted, n)
		case idle >= staleAfter && n.State == StateReachable:
			n.State = StateStale
		}
	}
	return evicted
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// addHostRoute installs a /128 route to a learned neighbor via its
// link.
func addHostRoute(addr netip.Addr, ifindex int) error {
	return netlink.RouteReplace(&netlink.Route{
		LinkIndex: ifindex,
		Dst: &net.IPNet{
			IP:   addr.AsSlice(),
			Mask: net.CIDRMask(128, 128),
		},
	})
}

// removeHostRoute withdraws a learned /128 route. Missing routes are
// not an error worth reporting.
func removeHostRoute(addr netip.Addr, ifindex int) {
	netlink.RouteDel(&netlink.Route{
		LinkIndex: ifindex,
		Dst: &net.IPNet{
			IP:   addr.AsSlice(),
			Mask: net.CIDRMask(128, 128),
		},
	})
}

// Package config holds the immutable runtime configuration of the relay
// daemon. A Config is assembled once from the command line and passed to
// every engine at init; nothing mutates it afterwards.
package config

import "net/netip"

// Config is the feature-flag and interface snapshot shared by all engines.
type Config struct {
	// Router Discovery
	RouterDiscoveryRelay  bool // relay RA/RS between master and slaves
	RouterDiscoveryServer bool // synthesize RAs on slaves
	SendRouterSolicit     bool // send an initial RS out the master

	// DHCPv6
	DHCPv6Relay  bool // standards-compliant relay
	DHCPv6Server bool // stateless mini-server on slaves
	BrokenDHCPv6 bool // transparent mode for servers that ignore relays

	// Neighbor Discovery
	NDPRelay      bool // cross-link ND proxying
	RouteLearning bool // install /128 routes to learned neighbors

	// Feature options
	Forwarding             bool // toggle net.ipv6.conf.all.forwarding
	ForceAddressAssignment bool // write accept_ra=2 on slaves before RS
	AlwaysRewriteDNS       bool // rewrite RDNSS / DNS-server options

	// RA synthesis tuning. Neither is reachable from the command line;
	// embedders may set them before the daemon starts.
	AlwaysAnnounceDefaultRouter bool
	DeprecateULAIfPublicAvail   bool

	// DNSAddr, when valid, overrides the per-slave global address used
	// when rewriting DNS server entries.
	DNSAddr netip.Addr

	// Interface names. Slave names keep their order from the command
	// line; External marks the "~"-prefixed ones.
	Master string
	Slaves []SlaveConfig
}

// SlaveConfig names one downstream interface.
type SlaveConfig struct {
	Name     string
	External bool // proxy only DAD and router-directed ND
}

// ApplyRelayBundle enables the -A option set: full relaying with
// forwarding, route learning and forced address assignment.
func (c *Config) ApplyRelayBundle() {
	c.RouterDiscoveryRelay = true
	c.DHCPv6Relay = true
	c.NDPRelay = true
	c.Forwarding = true
	c.SendRouterSolicit = true
	c.RouteLearning = true
	c.ForceAddressAssignment = true
}

// ApplyServerBundle enables the -S option set: local RA and stateless
// DHCPv6 service on the slaves.
func (c *Config) ApplyServerBundle() {
	c.RouterDiscoveryRelay = true
	c.RouterDiscoveryServer = true
	c.DHCPv6Relay = true
	c.DHCPv6Server = true
}

// RelaysEnabled reports whether any engine will register an event source.
// A daemon with nothing registered has nothing to do and refuses to start.
func (c *Config) RelaysEnabled() bool {
	if len(c.Slaves) == 0 {
		return false
	}
	return c.RouterDiscoveryRelay || c.RouterDiscoveryServer ||
		c.DHCPv6Relay || c.NDPRelay
}

package config

import "testing"

func TestApplyRelayBundle(t *testing.T) {
	var c Config
	c.ApplyRelayBundle()

	if !c.RouterDiscoveryRelay || !c.DHCPv6Relay || !c.NDPRelay {
		t.Error("relay engines not all enabled")
	}
	if !c.Forwarding || !c.SendRouterSolicit || !c.RouteLearning || !c.ForceAddressAssignment {
		t.Error("relay feature options not all enabled")
	}
	if c.RouterDiscoveryServer || c.DHCPv6Server {
		t.Error("server modes enabled by the relay bundle")
	}
}

func TestApplyServerBundle(t *testing.T) {
	var c Config
	c.ApplyServerBundle()

	if !c.RouterDiscoveryRelay || !c.RouterDiscoveryServer {
		t.Error("router discovery server not enabled")
	}
	if !c.DHCPv6Relay || !c.DHCPv6Server {
		t.Error("DHCPv6 server not enabled")
	}
	if c.NDPRelay || c.Forwarding {
		t.Error("server bundle enabled relay-only features")
	}
}

func TestRelaysEnabled(t *testing.T) {
	var c Config
	if c.RelaysEnabled() {
		t.Error("empty config reports relays enabled")
	}

	c.Slaves = []SlaveConfig{{Name: "lan0"}}
	if c.RelaysEnabled() {
		t.Error("no engines but relays reported enabled")
	}

	c.NDPRelay = true
	if !c.RelaysEnabled() {
		t.Error("NDP relay with a slave not reported enabled")
	}

	c.Slaves = nil
	if c.RelaysEnabled() {
		t.Error("engine without slaves reported enabled")
	}
}

// 6relayd is an IPv6 edge-network relay daemon for CPE routers. It
// bridges Neighbor Discovery, relays Router Discovery and DHCPv6
// between one uplink (master) interface and downstream (slave)
// interfaces, and can serve minimal stateless RA/DHCPv6 itself when
// the upstream offers no delegation.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/fgggid/6relayd/pkg/config"
	"github.com/fgggid/6relayd/pkg/daemon"
	"github.com/fgggid/6relayd/pkg/logging"
	"github.com/fgggid/6relayd/pkg/metrics"
)

const defaultPidFile = "/var/run/6relayd.pid"

// daemonEnv marks the re-executed, detached child.
const daemonEnv = "_6RELAYD_DAEMON"

// countFlag counts repeated occurrences, for -v.
type countFlag int

func (c *countFlag) String() string   { return strconv.Itoa(int(*c)) }
func (c *countFlag) IsBoolFlag() bool { return true }
func (c *countFlag) Set(s string) error {
	if v, err := strconv.ParseBool(s); err == nil && !v {
		return nil
	}
	*c++
	return nil
}

func usage(out *os.File, name string) {
	fmt.Fprintf(out,
		"Usage: %s [options] <master> [[~]<slave1> [[~]<slave2> [...]]]\n"+
			"\nNote: to use server features only (no relaying) set master to lo.\n"+
			"\nFeatures:\n"+
			"	-A		Automatic relay (defaults: RrelayDrelayNFslr)\n"+
			"	-S		Automatic server (defaults: RserverDserver)\n"+
			"	-R <mode>	Enable Router Discovery support (RD)\n"+
			"	   relay	relay mode\n"+
			"	   server	mini-server for Router Discovery on slaves\n"+
			"	-D <mode>	Enable DHCPv6-support\n"+
			"	   relay	standards-compliant relay\n"+
			"	   transparent	transparent relay for broken servers\n"+
			"	   server	mini-server for stateless DHCPv6 on slaves\n"+
			"	-N		Enable Neighbor Discovery Proxy (NDP)\n"+
			"	-F		Enable Forwarding for interfaces\n"+
			"\nFeature options:\n"+
			"	-s		Send initial RD-Solicitation to <master>\n"+
			"	-l		RD: Force local address assignment\n"+
			"	-n		RD/DHCPv6: always rewrite name server\n"+
			"	-r		NDP: learn routes to neighbors\n"+
			"	slave prefix ~	NDP: don't proxy NDP for hosts and only\n"+
			"			serve NDP for DAD and traffic to router\n"+
			"\nInvocation options:\n"+
			"	-p <pidfile>	Set pidfile (%s)\n"+
			"	-d		Daemonize\n"+
			"	-v		Increase logging verbosity\n"+
			"	-M <addr>	Serve Prometheus metrics on addr\n"+
			"	-h		Show this help\n\n",
		name, defaultPidFile)
}

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() { usage(os.Stderr, args[0]) }

	var (
		autoRelay   = fs.Bool("A", false, "automatic relay bundle")
		autoServer  = fs.Bool("S", false, "automatic server bundle")
		rdMode      = fs.String("R", "", "router discovery mode (relay|server)")
		dhcpMode    = fs.String("D", "", "DHCPv6 mode (relay|server|transparent)")
		ndpRelay    = fs.Bool("N", false, "enable NDP proxy")
		forwarding  = fs.Bool("F", false, "enable forwarding")
		sendRS      = fs.Bool("s", false, "send initial router solicitation")
		forceAssign = fs.Bool("l", false, "force local address assignment")
		rewriteDNS  = fs.Bool("n", false, "always rewrite name server")
		routeLearn  = fs.Bool("r", false, "learn routes to neighbors")
		pidFile     = fs.String("p", defaultPidFile, "pidfile path")
		daemonize   = fs.Bool("d", false, "daemonize")
		metricsAddr = fs.String("M", "", "Prometheus metrics listen address")
	)
	var verbosity countFlag
	fs.Var(&verbosity, "v", "increase verbosity")

	if err := fs.Parse(args[1:]); err != nil {
		// Parse already printed the problem and the usage text.
		return daemon.ExitUsage
	}

	cfg := &config.Config{}
	if *autoRelay {
		cfg.ApplyRelayBundle()
	}
	if *autoServer {
		cfg.ApplyServerBundle()
	}

	switch *rdMode {
	case "":
	case "relay":
		cfg.RouterDiscoveryRelay = true
	case "server":
		cfg.RouterDiscoveryRelay = true
		cfg.RouterDiscoveryServer = true
	default:
		fs.Usage()
		return daemon.ExitUsage
	}

	switch *dhcpMode {
	case "":
	case "relay":
		cfg.DHCPv6Relay = true
	case "transparent":
		cfg.DHCPv6Relay = true
		cfg.BrokenDHCPv6 = true
	case "server":
		cfg.DHCPv6Relay = true
		cfg.DHCPv6Server = true
	default:
		fs.Usage()
		return daemon.ExitUsage
	}

	if *ndpRelay {
		cfg.NDPRelay = true
	}
	if *forwarding {
		cfg.Forwarding = true
	}
	if *sendRS {
		cfg.SendRouterSolicit = true
	}
	if *forceAssign {
		cfg.ForceAddressAssignment = true
	}
	if *rewriteDNS {
		cfg.AlwaysRewriteDNS = true
	}
	if *routeLearn {
		cfg.RouteLearning = true
	}

	rest := fs.Args()
	if len(rest) < 1 {
		fs.Usage()
		return daemon.ExitUsage
	}
	cfg.Master = rest[0]
	for _, name := range rest[1:] {
		external := strings.HasPrefix(name, "~")
		cfg.Slaves = append(cfg.Slaves, config.SlaveConfig{
			Name:     strings.TrimPrefix(name, "~"),
			External: external,
		})
	}

	detached := os.Getenv(daemonEnv) == "1"
	log := logging.Setup(int(verbosity), detached)

	if *daemonize && !detached {
		if err := respawnDetached(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to daemonize: %v\n", err)
			return daemon.ExitDaemonize
		}
		return 0
	}
	if detached {
		if err := log.ConnectSyslog("6relayd"); err == nil {
			defer log.Close()
		}
		writePidFile(*pidFile)
	}

	metrics.Serve(*metricsAddr)

	err := daemon.New(cfg).Run()
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "6relayd: %v\n", err)
	var exitErr *daemon.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return daemon.ExitInit
}

// respawnDetached re-executes the process in a new session with stdio
// on /dev/null. The child recognizes itself through the environment.
func respawnDetached() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devnull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd.Start()
}

func writePidFile(path string) {
	if path == "" {
		return
	}
	os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

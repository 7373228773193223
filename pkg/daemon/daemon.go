// Package daemon wires the engines together and owns the process
// lifecycle: interface setup, engine initialization, signal handling
// and the ordered teardown that leaves downstream hosts with no stale
// router state.
package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fgggid/6relayd/pkg/config"
	"github.com/fgggid/6relayd/pkg/dhcprelay"
	"github.com/fgggid/6relayd/pkg/eventengine"
	"github.com/fgggid/6relayd/pkg/iface"
	"github.com/fgggid/6relayd/pkg/ndp"
	"github.com/fgggid/6relayd/pkg/radvd"
)

// Exit codes, part of the documented CLI contract.
const (
	ExitUsage     = 1
	ExitInit      = 2
	ExitInterface = 3
	ExitEngine    = 4
	ExitNoRelays  = 5
	ExitDaemonize = 6
)

// ExitError carries the process exit code for a startup failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func exitf(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

// Daemon is the assembled relay process.
type Daemon struct {
	cfg  *config.Config
	reg  *iface.Registry
	loop *eventengine.Engine
	rd   *radvd.Engine
	dhcp *dhcprelay.Engine
	ndp  *ndp.Engine
}

// New creates a daemon for the given configuration.
func New(cfg *config.Config) *Daemon {
	return &Daemon{cfg: cfg}
}

// Run brings the daemon up and blocks until a termination signal.
// Startup failures return an *ExitError; a clean shutdown returns nil.
func (d *Daemon) Run() error {
	cfg := d.cfg

	slog.Info("starting 6relayd",
		"master", cfg.Master,
		"slaves", strings.Join(slaveNames(cfg), " "),
		"pid", os.Getpid())

	if os.Geteuid() != 0 {
		return exitf(ExitInit, "must be run as root")
	}

	reg, err := openInterfaces(cfg)
	if err != nil {
		return &ExitError{Code: ExitInterface, Err: err}
	}
	d.reg = reg

	loop, err := eventengine.New(reg)
	if err != nil {
		return &ExitError{Code: ExitInit, Err: err}
	}
	d.loop = loop
	defer loop.Close()

	if d.rd, err = radvd.Init(cfg, reg, loop); err != nil {
		return &ExitError{Code: ExitEngine, Err: fmt.Errorf("router discovery: %w", err)}
	}
	if d.dhcp, err = dhcprelay.Init(cfg, reg, loop); err != nil {
		return &ExitError{Code: ExitEngine, Err: fmt.Errorf("DHCPv6: %w", err)}
	}
	if d.ndp, err = ndp.Init(cfg, reg, loop); err != nil {
		return &ExitError{Code: ExitEngine, Err: fmt.Errorf("NDP: %w", err)}
	}

	if cfg.Forwarding {
		if err := iface.Sysctl("all", "forwarding", "1"); err != nil {
			slog.Warn("failed to enable forwarding", "err", err)
		}
	}

	if loop.Registered() == 0 {
		return exitf(ExitNoRelays,
			"no relays enabled or no slave interfaces specified")
	}

	// SIGTERM/SIGINT/SIGHUP stop the loop after the current dispatch;
	// SIGUSR1 asks for fresh Router Advertisements on every slave.
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig := <-sigs:
				if sig == syscall.SIGUSR1 {
					d.rd.Refresh()
					continue
				}
				slog.Warn("termination requested by signal", "signal", sig)
				loop.Stop()
			case <-done:
				return
			}
		}
	}()

	runErr := loop.Run()

	if cfg.Forwarding {
		if err := iface.Sysctl("all", "forwarding", "0"); err != nil {
			slog.Warn("failed to restore forwarding", "err", err)
		}
	}
	d.rd.Shutdown()
	d.ndp.Deinit()

	slog.Info("shutdown complete")
	return runErr
}

// openInterfaces resolves the configured names into the registry.
func openInterfaces(cfg *config.Config) (*iface.Registry, error) {
	master, err := iface.Open(cfg.Master, iface.RoleMaster, false)
	if err != nil {
		return nil, err
	}

	reg := &iface.Registry{Master: master}
	for _, s := range cfg.Slaves {
		slave, err := iface.Open(s.Name, iface.RoleSlave, s.External)
		if err != nil {
			return nil, err
		}
		reg.Slaves = append(reg.Slaves, slave)
	}
	return reg, nil
}

func slaveNames(cfg *config.Config) []string {
	names := make([]string, len(cfg.Slaves))
	for i, s := range cfg.Slaves {
		names[i] = s.Name
		if s.External {
			names[i] = "~" + s.Name
		}
	}
	return names
}

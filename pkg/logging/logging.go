// Package logging configures the daemon's structured logging: a text
// handler on stderr whose level follows the -v count, optionally teed
// into the local syslog daemon once the process detaches.
package logging

import (
	"io"
	"log/slog"
	"log/syslog"
	"os"
)

// Level maps the repeatable -v flag to an slog level. The default is
// warnings only, one -v adds operational notices, two or more enable
// packet-level debugging.
func Level(verbosity int) slog.Level {
	switch verbosity {
	case 0:
		return slog.LevelWarn
	case 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// Setup installs the default slog handler and returns the syslog tee so
// the daemon can attach or detach syslog later. With quiet set the
// stderr stream is discarded (used after daemonizing).
func Setup(verbosity int, quiet bool) *SyslogSlogHandler {
	var out io.Writer = os.Stderr
	if quiet {
		out = io.Discard
	}

	base := slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: Level(verbosity),
	})
	h := NewSyslogSlogHandler(base)
	slog.SetDefault(slog.New(h))
	return h
}

// ConnectSyslog opens the local syslog daemon and routes records into it.
// Failure is not fatal; the stderr handler keeps working.
func (h *SyslogSlogHandler) ConnectSyslog(tag string) error {
	w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_NOTICE, tag)
	if err != nil {
		return err
	}
	h.SetWriter(w)
	return nil
}

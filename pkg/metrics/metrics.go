// Package metrics exposes per-engine packet counters. The daemon serves
// them on an optional Prometheus endpoint; when the endpoint is
// disabled the counters still tick at negligible cost.
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Received counts datagrams accepted by an engine handler.
	Received = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayd_packets_received_total",
		Help: "Datagrams accepted by engine handlers.",
	}, []string{"engine"})

	// Relayed counts datagrams sent on an egress interface.
	Relayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayd_packets_relayed_total",
		Help: "Datagrams forwarded or answered, by engine and egress interface.",
	}, []string{"engine", "interface"})

	// Dropped counts datagrams discarded with the policy or parse
	// reason that killed them.
	Dropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayd_packets_dropped_total",
		Help: "Datagrams discarded, by engine and reason.",
	}, []string{"engine", "reason"})
)

// Serve starts the /metrics listener. Failures are logged, never fatal:
// losing metrics must not take the relay down.
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Warn("metrics listener failed", "addr", addr, "err", err)
		}
	}()
	slog.Info("metrics listening", "addr", addr)
}

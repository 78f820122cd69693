// Package metrics exposes optional Prometheus counters for the emulator.
// It is wired up only when the CLI is given a --metrics-addr; the wire
// protocol and radio simulation behave identically whether or not it is
// enabled.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the counters this emulator exports.
type Registry struct {
	DiscoveryRequests prometheus.Counter
	PacketsSent       *prometheus.CounterVec
	EchoCommits       prometheus.Counter
	MalformedDropped  prometheus.Counter
}

// New registers and returns the emulator's counter set.
func New() *Registry {
	return &Registry{
		DiscoveryRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hpsdremu_discovery_requests_total",
			Help: "Discovery requests answered across both protocols.",
		}),
		PacketsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hpsdremu_packets_sent_total",
			Help: "Outbound packets sent, by stream name.",
		}, []string{"stream"}),
		EchoCommits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hpsdremu_echo_commits_total",
			Help: "TX recordings committed into the echo buffer.",
		}),
		MalformedDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hpsdremu_malformed_datagrams_dropped_total",
			Help: "Inbound datagrams dropped for failing basic shape checks.",
		}),
	}
}

// Serve starts the /metrics HTTP endpoint on addr. It blocks until the
// listener fails and logs the error; callers run it in its own
// goroutine.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Printf("metrics: serving on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics: server stopped: %v", err)
	}
}

package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "test_proxy_recorder",
		Name:      "requests_total",
		Help:      "Proxied HTTP requests by handling mode.",
	}, []string{"mode"})

	replayMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "test_proxy_recorder",
		Name:      "replay_misses_total",
		Help:      "Replay requests with no matching recording.",
	})

	replayRepeats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "test_proxy_recorder",
		Name:      "replay_repeats_total",
		Help:      "Replay requests served a repeated last candidate after exhaustion.",
	})

	sessionsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "test_proxy_recorder",
		Name:      "sessions_persisted_total",
		Help:      "Recording sessions written to disk.",
	})

	upstreamErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "test_proxy_recorder",
		Name:      "upstream_errors_total",
		Help:      "Upstream connection or I/O failures.",
	})

	websocketBridges = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "test_proxy_recorder",
		Name:      "websocket_bridges_active",
		Help:      "Open WebSocket bridges (relay, record or replay).",
	})
)

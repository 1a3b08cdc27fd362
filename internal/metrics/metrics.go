// Package metrics exposes the prometheus counters and histograms the
// server emits as it establishes tunnels, pools connections and
// proxies traffic. Counters are registered once at package init, the
// way the teacher's internal/proxy/server_proxy.go registers its own.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TunnelsActive is a gauge of currently live tunnels.
	TunnelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portwarden_tunnels_active",
		Help: "Number of tunnels currently registered.",
	})

	// PoolEntries tracks the pool queue length per public port.
	PoolEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portwarden_pool_entries",
		Help: "Number of pre-warmed data connections queued per public port.",
	}, []string{"port"})

	// ProxyBytesTotal counts bytes moved by completed pairings, by port and direction.
	ProxyBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portwarden_proxy_bytes_total",
		Help: "Total bytes proxied, by public port and direction.",
	}, []string{"port", "direction"})

	// ProxyPairingsTotal counts completed external<->pool pairings by result.
	ProxyPairingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portwarden_proxy_pairings_total",
		Help: "Total external-client pairings, by public port and result.",
	}, []string{"port", "result"})

	// ProxyPairingLatency measures time from external accept to pool entry pairing.
	ProxyPairingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "portwarden_proxy_pairing_latency_seconds",
		Help:    "Latency between accepting an external client and pairing it with a pool entry.",
		Buckets: prometheus.DefBuckets,
	})
)

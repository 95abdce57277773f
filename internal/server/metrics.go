package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the relay server's counters and gauges. Unlike
// runZeroInc-conniver's pkg/exporter.TCPInfoCollector, which polls kernel
// socket state on every scrape, the relay has no OS-level counters to poll:
// every value here is updated by the main loop as events happen, so plain
// registered Counters/Gauges fit better than a custom prometheus.Collector.
type Metrics struct {
	ClientsConnected prometheus.Gauge
	Admissions       prometheus.Counter
	AdmissionsFailed *prometheus.CounterVec
	Disconnections   *prometheus.CounterVec
	PacketsRouted    *prometheus.CounterVec
	BytesRelayed     prometheus.Counter
	MulticastFanout  prometheus.Counter
	Sleeping         prometheus.Gauge
}

// NewMetrics creates and registers the relay's metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "serp",
			Subsystem: "server",
			Name:      "clients_connected",
			Help:      "Number of clients currently registered with the relay.",
		}),
		Admissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "serp",
			Subsystem: "server",
			Name:      "admissions_total",
			Help:      "Number of clients successfully admitted.",
		}),
		AdmissionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "serp",
			Subsystem: "server",
			Name:      "admissions_failed_total",
			Help:      "Number of admission attempts rejected, by reason.",
		}, []string{"reason"}),
		Disconnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "serp",
			Subsystem: "server",
			Name:      "disconnections_total",
			Help:      "Number of clients removed from the table, by reason.",
		}, []string{"reason"}),
		PacketsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "serp",
			Subsystem: "server",
			Name:      "packets_routed_total",
			Help:      "Number of packets routed, by outcome.",
		}, []string{"outcome"}),
		BytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "serp",
			Subsystem: "server",
			Name:      "bytes_relayed_total",
			Help:      "Total bytes forwarded to clients (singlecast and multicast fan-out combined).",
		}),
		MulticastFanout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "serp",
			Subsystem: "server",
			Name:      "multicast_fanout_total",
			Help:      "Total per-destination sends generated by multicast relaying.",
		}),
		Sleeping: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "serp",
			Subsystem: "server",
			Name:      "sleeping",
			Help:      "1 if the relay is currently in sleep mode, else 0.",
		}),
	}
	reg.MustRegister(
		m.ClientsConnected,
		m.Admissions,
		m.AdmissionsFailed,
		m.Disconnections,
		m.PacketsRouted,
		m.BytesRelayed,
		m.MulticastFanout,
		m.Sleeping,
	)
	return m
}

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency for the daemon's small
// HTTP surface (healthz/readyz/metrics/status/ws upgrade).
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "dnsctld",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// DeploysTotal counts BIND9 config deploys by outcome (C3).
var DeploysTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dnsctld",
		Subsystem: "bindctl",
		Name:      "deploys_total",
		Help:      "Total number of config deploys attempted, by outcome.",
	},
	[]string{"outcome"},
)

// DeployDuration tracks the full validate→swap→reload pipeline latency.
var DeployDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "dnsctld",
		Subsystem: "bindctl",
		Name:      "deploy_duration_seconds",
		Help:      "Duration of a full config deploy, in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
)

// ProbesTotal counts forwarder health probes by result.
var ProbesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dnsctld",
		Subsystem: "health",
		Name:      "probes_total",
		Help:      "Total number of forwarder health probes, by result.",
	},
	[]string{"result"},
)

// HealthAlertsTotal counts health alerts raised, deduplicated by the Redis TTL key.
var HealthAlertsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dnsctld",
		Subsystem: "health",
		Name:      "alerts_total",
		Help:      "Total number of health alerts raised (post-dedup).",
	},
	[]string{"kind"},
)

// FeedUpdatesTotal counts threat feed ingest cycles by outcome.
var FeedUpdatesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dnsctld",
		Subsystem: "threatfeed",
		Name:      "updates_total",
		Help:      "Total number of threat feed ingest cycles, by outcome.",
	},
	[]string{"feed", "outcome"},
)

// RPZRulesActive tracks the current number of active RPZ rules per feed.
var RPZRulesActive = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "dnsctld",
		Subsystem: "threatfeed",
		Name:      "rpz_rules_active",
		Help:      "Current number of active RPZ rules, by originating feed.",
	},
	[]string{"feed"},
)

// SchedulerTasksTotal counts scheduled task runs by outcome.
var SchedulerTasksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dnsctld",
		Subsystem: "scheduler",
		Name:      "tasks_total",
		Help:      "Total number of scheduler task runs, by task kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

// EventBusDroppedTotal counts events dropped because a subscriber's channel was full.
var EventBusDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dnsctld",
		Subsystem: "eventbus",
		Name:      "dropped_total",
		Help:      "Total number of events dropped due to a full subscriber buffer.",
	},
	[]string{"topic"},
)

// WSConnectionsActive tracks the current number of authenticated WebSocket sessions.
var WSConnectionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "dnsctld",
		Subsystem: "eventbus",
		Name:      "ws_connections_active",
		Help:      "Current number of active, authenticated WebSocket sessions.",
	},
)

// All returns the domain-specific collectors to register alongside the
// shared HTTPRequestDuration metric.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		DeploysTotal,
		DeployDuration,
		ProbesTotal,
		HealthAlertsTotal,
		FeedUpdatesTotal,
		RPZRulesActive,
		SchedulerTasksTotal,
		EventBusDroppedTotal,
		WSConnectionsActive,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}

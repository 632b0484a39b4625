// Package metrics holds the fleetd process's Prometheus collectors. Ambient
// metrics only: connection counts, job throughput, CVE sync state. No
// per-machine or per-job cardinality — labels stay fixed-size so the
// /metrics endpoint can't be grown into a cardinality bomb by fleet size.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_connected_agents",
		Help: "Number of agent WebSocket connections currently registered.",
	})
	ConnectedWebClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_connected_web_clients",
		Help: "Number of browser WebSocket connections currently registered.",
	})
	JobExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_job_executions_total",
		Help: "Total number of bulk-job command executions by terminal status.",
	}, []string{"status"})
	JobsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_jobs_created_total",
		Help: "Total number of bulk jobs created.",
	})
	JobsAbortedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_jobs_aborted_total",
		Help: "Total number of bulk jobs aborted by an operator.",
	})
	CVESyncState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_cve_sync_state",
		Help: "CVE mirror sync state: 0=idle, 1=running, 2=error.",
	})
	CVESyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_cve_sync_runs_total",
		Help: "Total number of CVE mirror sync runs by outcome.",
	}, []string{"outcome"})
	HeartbeatSweepOfflineTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_heartbeat_sweep_offline_total",
		Help: "Total number of machines flipped to offline by the heartbeat sweep.",
	})
)

// SyncStateValue maps a cvemirror.Matcher.State() string onto the fixed
// gauge values CVESyncState expects.
func SyncStateValue(state string) float64 {
	switch state {
	case "running":
		return 1
	case "error":
		return 2
	default:
		return 0
	}
}

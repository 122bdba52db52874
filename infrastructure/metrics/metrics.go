// Package metrics provides Prometheus metrics collection for the kernel runtime.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentecology/kernel/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics exposed by a running kernel.
type Metrics struct {
	// Execution engine metrics
	InvocationsTotal    *prometheus.CounterVec
	InvocationDuration  *prometheus.HistogramVec
	InvocationsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Ledger metrics
	TransfersTotal    *prometheus.CounterVec
	MintTotal         *prometheus.CounterVec
	BurnTotal         *prometheus.CounterVec
	ScripSupply       prometheus.Gauge

	// Token bucket metrics
	BucketBalance    *prometheus.GaugeVec
	BucketRejections *prometheus.CounterVec

	// Artifact store metrics
	ArtifactsTotal    prometheus.Gauge
	ArtifactsCreated  *prometheus.CounterVec
	ArtifactsDeleted  *prometheus.CounterVec
	DiskUsageBytes    *prometheus.GaugeVec

	// Contract evaluator metrics
	ContractEvalTotal    *prometheus.CounterVec
	ContractEvalDuration *prometheus.HistogramVec
	ContractCacheHits    prometheus.Counter
	ContractCacheMisses  prometheus.Counter

	// Agent supervisor metrics
	AgentsRunning    prometheus.Gauge
	AgentsQuarantined prometheus.Gauge
	AgentCrashesTotal *prometheus.CounterVec

	// Service health
	KernelUptime prometheus.Gauge
	KernelInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered against
// the default Prometheus registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry, so
// tests can avoid colliding with the global default registerer.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		InvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_invocations_total",
				Help: "Total number of dispatched primitive actions",
			},
			[]string{"action", "outcome"},
		),
		InvocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_invocation_duration_seconds",
				Help:    "Primitive action dispatch duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"action"},
		),
		InvocationsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_invocations_in_flight",
				Help: "Current number of actions being dispatched",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_errors_total",
				Help: "Total number of errors by taxonomy code",
			},
			[]string{"code"},
		),

		TransfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_ledger_transfers_total",
				Help: "Total number of ledger transfers",
			},
			[]string{"resource", "status"},
		),
		MintTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_ledger_mint_total",
				Help: "Total scrip minted, by reason",
			},
			[]string{"reason"},
		),
		BurnTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_ledger_burn_total",
				Help: "Total scrip burned, by reason",
			},
			[]string{"reason"},
		),
		ScripSupply: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_ledger_scrip_supply",
				Help: "Sum of scrip balances across all principals",
			},
		),

		BucketBalance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_tokenbucket_balance",
				Help: "Current token-bucket balance",
			},
			[]string{"bucket", "resource"},
		),
		BucketRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_tokenbucket_rejections_total",
				Help: "Total rejections due to bucket exhaustion",
			},
			[]string{"bucket", "resource"},
		),

		ArtifactsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_artifacts_live_total",
				Help: "Current number of live (non-tombstoned) artifacts",
			},
		),
		ArtifactsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_artifacts_created_total",
				Help: "Total artifacts created, by kind",
			},
			[]string{"kind"},
		),
		ArtifactsDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_artifacts_deleted_total",
				Help: "Total artifacts tombstoned, by kind",
			},
			[]string{"kind"},
		),
		DiskUsageBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_disk_usage_bytes",
				Help: "Current disk usage per principal",
			},
			[]string{"principal_id"},
		),

		ContractEvalTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_contract_evaluations_total",
				Help: "Total contract permission evaluations",
			},
			[]string{"action", "result"},
		),
		ContractEvalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_contract_evaluation_duration_seconds",
				Help:    "Contract permission evaluation duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .5},
			},
			[]string{"action"},
		),
		ContractCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_contract_cache_hits_total",
				Help: "Total contract evaluation cache hits",
			},
		),
		ContractCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_contract_cache_misses_total",
				Help: "Total contract evaluation cache misses",
			},
		),

		AgentsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_agents_running",
				Help: "Current number of non-quarantined agent loops",
			},
		),
		AgentsQuarantined: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_agents_quarantined",
				Help: "Current number of quarantined agent loops",
			},
		),
		AgentCrashesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_agent_crashes_total",
				Help: "Total agent loop crashes, by agent",
			},
			[]string{"agent_id"},
		),

		KernelUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_uptime_seconds",
				Help: "Kernel process uptime in seconds",
			},
		),
		KernelInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_info",
				Help: "Kernel build/runtime information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.InvocationsTotal,
			m.InvocationDuration,
			m.InvocationsInFlight,
			m.ErrorsTotal,
			m.TransfersTotal,
			m.MintTotal,
			m.BurnTotal,
			m.ScripSupply,
			m.BucketBalance,
			m.BucketRejections,
			m.ArtifactsTotal,
			m.ArtifactsCreated,
			m.ArtifactsDeleted,
			m.DiskUsageBytes,
			m.ContractEvalTotal,
			m.ContractEvalDuration,
			m.ContractCacheHits,
			m.ContractCacheMisses,
			m.AgentsRunning,
			m.AgentsQuarantined,
			m.AgentCrashesTotal,
			m.KernelUptime,
			m.KernelInfo,
		)
	}

	m.KernelInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordInvocation records a dispatched primitive action.
func (m *Metrics) RecordInvocation(action, outcome string, duration time.Duration) {
	m.InvocationsTotal.WithLabelValues(action, outcome).Inc()
	m.InvocationDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordError records an error by taxonomy code.
func (m *Metrics) RecordError(code string) {
	m.ErrorsTotal.WithLabelValues(code).Inc()
}

// RecordTransfer records a ledger transfer attempt.
func (m *Metrics) RecordTransfer(resource, status string) {
	m.TransfersTotal.WithLabelValues(resource, status).Inc()
}

// RecordMint records a mint event.
func (m *Metrics) RecordMint(reason string, amount float64) {
	m.MintTotal.WithLabelValues(reason).Add(amount)
}

// RecordBurn records a burn event.
func (m *Metrics) RecordBurn(reason string, amount float64) {
	m.BurnTotal.WithLabelValues(reason).Add(amount)
}

// SetScripSupply sets the current total scrip supply.
func (m *Metrics) SetScripSupply(total float64) {
	m.ScripSupply.Set(total)
}

// SetBucketBalance records the current balance of a token bucket.
func (m *Metrics) SetBucketBalance(bucket, resource string, balance float64) {
	m.BucketBalance.WithLabelValues(bucket, resource).Set(balance)
}

// RecordBucketRejection records an action rejected for bucket exhaustion.
func (m *Metrics) RecordBucketRejection(bucket, resource string) {
	m.BucketRejections.WithLabelValues(bucket, resource).Inc()
}

// RecordArtifactCreated records a new artifact, by derived kind.
func (m *Metrics) RecordArtifactCreated(kind string) {
	m.ArtifactsCreated.WithLabelValues(kind).Inc()
	m.ArtifactsTotal.Inc()
}

// RecordArtifactDeleted records an artifact tombstoned, by derived kind.
func (m *Metrics) RecordArtifactDeleted(kind string) {
	m.ArtifactsDeleted.WithLabelValues(kind).Inc()
	m.ArtifactsTotal.Dec()
}

// SetDiskUsage sets the current disk usage for a principal.
func (m *Metrics) SetDiskUsage(principalID string, bytes float64) {
	m.DiskUsageBytes.WithLabelValues(principalID).Set(bytes)
}

// RecordContractEval records a contract permission evaluation.
func (m *Metrics) RecordContractEval(action, result string, duration time.Duration, cacheHit bool) {
	m.ContractEvalTotal.WithLabelValues(action, result).Inc()
	m.ContractEvalDuration.WithLabelValues(action).Observe(duration.Seconds())
	if cacheHit {
		m.ContractCacheHits.Inc()
	} else {
		m.ContractCacheMisses.Inc()
	}
}

// SetAgentCounts sets the running/quarantined agent gauges.
func (m *Metrics) SetAgentCounts(running, quarantined int) {
	m.AgentsRunning.Set(float64(running))
	m.AgentsQuarantined.Set(float64(quarantined))
}

// RecordAgentCrash records a crash-loop failure for an agent.
func (m *Metrics) RecordAgentCrash(agentID string) {
	m.AgentCrashesTotal.WithLabelValues(agentID).Inc()
}

// UpdateUptime updates the kernel uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.KernelUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight invocation counter.
func (m *Metrics) IncrementInFlight() {
	m.InvocationsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight invocation counter.
func (m *Metrics) DecrementInFlight() {
	m.InvocationsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("kernel")
	}
	return globalMetrics
}

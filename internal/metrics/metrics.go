package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every staychain collector. A nil *Registry is a valid no-op.
type Registry struct {
	registry           *prometheus.Registry
	transactionsTotal  *prometheus.CounterVec
	coalescedTotal     *prometheus.CounterVec
	registryReadsTotal *prometheus.CounterVec
	localPaymentsTotal *prometheus.CounterVec
	rpcCallsTotal      *prometheus.CounterVec
	retryAttemptsTotal *prometheus.CounterVec
	rateLimitWaits     prometheus.Counter
	eventsDropped      prometheus.Counter
}

func New() *Registry {
	transactions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "staychain_transactions_total",
		Help: "Write-path outcomes by transaction kind",
	}, []string{"kind", "status"})

	coalesced := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "staychain_coalesced_requests_total",
		Help: "Write requests that joined an in-flight submission instead of sending a new one",
	}, []string{"kind"})

	reads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "staychain_registry_reads_total",
		Help: "Registry read calls by method and result",
	}, []string{"method", "result"})

	localPayments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "staychain_local_payments_total",
		Help: "Local payment state transitions",
	}, []string{"status"})

	rpcCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "staychain_rpc_calls_total",
		Help: "JSON-RPC calls by method and classified status",
	}, []string{"method", "status"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "staychain_retry_attempts_total",
		Help: "Retry attempts for idempotent chain reads",
	}, []string{"result"})

	waits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "staychain_rpc_rate_limit_waits_total",
		Help: "RPC calls delayed by the client-side rate limiter",
	})

	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "staychain_events_dropped_total",
		Help: "Registry events dropped because the consumer was slow",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(transactions, coalesced, reads, localPayments, rpcCalls, retries, waits, dropped)

	return &Registry{
		registry:           r,
		transactionsTotal:  transactions,
		coalescedTotal:     coalesced,
		registryReadsTotal: reads,
		localPaymentsTotal: localPayments,
		rpcCallsTotal:      rpcCalls,
		retryAttemptsTotal: retries,
		rateLimitWaits:     waits,
		eventsDropped:      dropped,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Registry) IncTransaction(kind, status string) {
	if m == nil {
		return
	}
	m.transactionsTotal.WithLabelValues(kind, status).Inc()
}

func (m *Registry) IncCoalesced(kind string) {
	if m == nil {
		return
	}
	m.coalescedTotal.WithLabelValues(kind).Inc()
}

func (m *Registry) IncRegistryRead(method, result string) {
	if m == nil {
		return
	}
	m.registryReadsTotal.WithLabelValues(method, result).Inc()
}

func (m *Registry) IncLocalPayment(status string) {
	if m == nil {
		return
	}
	m.localPaymentsTotal.WithLabelValues(status).Inc()
}

func (m *Registry) IncRPCCall(method, status string) {
	if m == nil {
		return
	}
	m.rpcCallsTotal.WithLabelValues(method, status).Inc()
}

func (m *Registry) IncRetry(result string) {
	if m == nil {
		return
	}
	m.retryAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncRateLimitWait() {
	if m == nil {
		return
	}
	m.rateLimitWaits.Inc()
}

func (m *Registry) IncEventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine-level Prometheus counters.
type Metrics struct {
	ExecutionsStarted   prometheus.Counter
	ExecutionsCompleted prometheus.Counter
	ExecutionsFailed    prometheus.Counter
	NodesCached         prometheus.Counter
	NodesFailed         prometheus.Counter
	TokensTotal         prometheus.Counter
}

// New registers the counters on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ExecutionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "praxis_executions_started_total",
			Help: "Number of workflow executions started.",
		}),
		ExecutionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "praxis_executions_completed_total",
			Help: "Number of workflow executions completed successfully.",
		}),
		ExecutionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "praxis_executions_failed_total",
			Help: "Number of workflow executions that failed or were canceled.",
		}),
		NodesCached: factory.NewCounter(prometheus.CounterOpts{
			Name: "praxis_nodes_cached_total",
			Help: "Number of node executions served from cache.",
		}),
		NodesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "praxis_nodes_failed_total",
			Help: "Number of node executions that failed.",
		}),
		TokensTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "praxis_tokens_total",
			Help: "Total LLM tokens consumed across executions.",
		}),
	}
}

// NewNop returns metrics backed by a throwaway registry. Used in tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

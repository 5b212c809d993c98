package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/remitgate/internal/adapter"
	"github.com/punchamoorthee/remitgate/internal/domain"
)

// Metrics
var (
	schedulerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remit_scheduler_outcomes_total",
		Help: "Scheduler attempts by outcome",
	}, []string{"outcome"})

	adapterLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "remit_adapter_call_duration_seconds",
		Help:    "Settlement rail call latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "op"})

	adapterRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remit_adapter_retries_total",
		Help: "In-place retries of settlement rail calls",
	}, []string{"method", "op"})

	receiptsMinted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remit_receipts_minted_total",
		Help: "Receipt Proof Tokens minted",
	}, []string{"kind"})

	gateState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "remit_gate_state",
		Help: "Last observed gate state per scope (1 = OPEN)",
	}, []string{"scope"})
)

func observeAdapter(method domain.Method, op string, start time.Time) {
	adapterLatency.WithLabelValues(string(method), op).Observe(time.Since(start).Seconds())
}

// ObserveGate records a gate state change.
func ObserveGate(scope string, state domain.GateState) {
	v := 0.0
	if state == domain.GateOpen {
		v = 1
	}
	gateState.WithLabelValues(scope).Set(v)
}

// RetryPolicy builds the rail retry policy and counts each retry.
func RetryPolicy(maxAttempts int, initialBackoff time.Duration) adapter.RetryPolicy {
	return adapter.RetryPolicy{
		MaxAttempts:    maxAttempts,
		InitialBackoff: initialBackoff,
		OnRetry: func(method domain.Method, op string, _ error) {
			adapterRetries.WithLabelValues(string(method), op).Inc()
		},
	}
}

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChargeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recurring_charge_outcomes_total",
		Help: "Recurring charge cycles by terminal state and failure reason.",
	}, []string{"state", "reason"})

	ChargeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recurring_charge_transitions_total",
		Help: "Charge cycle state transitions.",
	}, []string{"state"})

	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Gateway API calls by operation, environment and result.",
	}, []string{"operation", "environment", "result"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Gateway API call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliations_total",
		Help: "Reconciliation attempts by kind and result.",
	}, []string{"kind", "result"})

	BatchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_runs_total",
		Help: "Scheduler batch runs by result.",
	}, []string{"result"})

	ReceiptsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receipts_total",
		Help: "Receipt dispatch attempts by result.",
	}, []string{"result"})
)

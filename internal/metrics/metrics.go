package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_events_ingested_total",
			Help: "Total number of webhook events accepted by ingress.",
		},
		[]string{"provider"},
	)

	EventsLeasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookline_events_leased_total",
			Help: "Total number of events handed to workers by the lease engine.",
		},
	)

	ReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_reports_total",
			Help: "Total number of delivery reports by final outcome.",
		},
		[]string{"outcome"}, // delivered, retry, dead
	)

	ReportConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_report_conflicts_total",
			Help: "Total number of rejected reports by conflict reason.",
		},
		[]string{"reason"}, // lease_missing, lease_not_owned, lease_expired
	)

	CircuitOpensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookline_circuit_opens_total",
			Help: "Total number of circuit-breaker open transitions.",
		},
	)

	ReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookline_replays_total",
			Help: "Total number of events cloned via replay.",
		},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookline_delivery_latency_seconds",
			Help:    "Outbound delivery latency by result.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"}, // delivered, failed
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsIngestedTotal,
		EventsLeasedTotal,
		ReportsTotal,
		ReportConflictsTotal,
		CircuitOpensTotal,
		ReplaysTotal,
		DeliveryLatency,
	)
}

// RecordLease counts n events handed out by one lease call.
func RecordLease(n int) {
	EventsLeasedTotal.Add(float64(n))
}

// RecordReport counts a report by its final outcome.
func RecordReport(outcome string) {
	ReportsTotal.WithLabelValues(outcome).Inc()
}

// RecordConflict counts a rejected report.
func RecordConflict(reason string) {
	ReportConflictsTotal.WithLabelValues(reason).Inc()
}

package secret

import "github.com/prometheus/client_golang/prometheus"

const (
	opCreate = "create"
	opFetch  = "fetch"
	opVerify = "verify"

	outcomeOK               = "ok"
	outcomePasswordRequired = "password_required"
	outcomeValidation       = "validation"
	outcomeNotFound         = "not_found"
	outcomeGone             = "gone"
	outcomeAuth             = "auth"
	outcomeStorage          = "storage_error"
)

// Metrics counts lifecycle outcomes. A nil *Metrics records nothing.
type Metrics struct {
	operations  *prometheus.CounterVec
	cacheErrors *prometheus.CounterVec
	auditErrors prometheus.Counter
	lostBurns   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "onetime_secret",
				Subsystem: "lifecycle",
				Name:      "operations_total",
				Help:      "Lifecycle operations by outcome.",
			},
			[]string{"operation", "outcome"},
		),
		cacheErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "onetime_secret",
				Subsystem: "cache",
				Name:      "errors_total",
				Help:      "Cache calls that failed and were treated as a miss.",
			},
			[]string{"op"},
		),
		auditErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "onetime_secret",
				Subsystem: "audit",
				Name:      "errors_total",
				Help:      "Audit events that could not be written.",
			},
		),
		lostBurns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "onetime_secret",
				Subsystem: "lifecycle",
				Name:      "lost_burns_total",
				Help:      "Fetches that passed the availability check but lost the burn to a concurrent fetch.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.cacheErrors, m.auditErrors, m.lostBurns)
	}
	return m
}

func (m *Metrics) observe(op, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) cacheError(op string) {
	if m == nil {
		return
	}
	m.cacheErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) auditError() {
	if m == nil {
		return
	}
	m.auditErrors.Inc()
}

func (m *Metrics) lostBurn() {
	if m == nil {
		return
	}
	m.lostBurns.Inc()
}

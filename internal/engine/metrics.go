package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/snowmirror/internal/ir"
)

// Payload outcomes.
const (
	outcomeApplied  = "applied"
	outcomePartial  = "partial"
	outcomeRemoved  = "removed"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

// Metrics holds the mirror's prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	Payloads *prometheus.CounterVec
	Entities prometheus.Gauge
}

// NewMetrics registers the mirror collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Payloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snowmirror_payloads_total",
			Help: "Inbound payloads, by entity kind and outcome",
		}, []string{"kind", "outcome"}),
		Entities: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snowmirror_entities",
			Help: "Entities currently cached",
		}),
	}
}

func (m *Metrics) payload(kind ir.Kind, outcome string) {
	if m == nil {
		return
	}
	m.Payloads.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) entities(n int) {
	if m == nil {
		return
	}
	m.Entities.Set(float64(n))
}

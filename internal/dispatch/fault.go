package dispatch

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FaultReporter receives subscriber failures. Implementations must not
// block for long; they run on the delivery goroutine.
type FaultReporter interface {
	SubscriberFault(subscriber string, env Envelope, err error)
}

// LogReporter logs subscriber faults.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) SubscriberFault(subscriber string, env Envelope, err error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("subscriber failed",
		"subscriber", subscriber,
		"seq", env.Seq,
		"ref", env.Ref.String(),
		"field", env.Identifier(),
		"error", err)
}

// Reporters fans a fault out to several reporters.
type Reporters []FaultReporter

func (rs Reporters) SubscriberFault(subscriber string, env Envelope, err error) {
	for _, r := range rs {
		r.SubscriberFault(subscriber, env, err)
	}
}

// Metrics holds the dispatcher's prometheus collectors.
type Metrics struct {
	Published *prometheus.CounterVec
	Faults    *prometheus.CounterVec
	Duration  prometheus.Histogram
}

// NewMetrics registers the dispatcher collectors with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snowmirror_envelopes_published_total",
			Help: "Envelopes published, by entity kind",
		}, []string{"kind"}),
		Faults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snowmirror_subscriber_faults_total",
			Help: "Subscriber deliveries that returned an error or panicked",
		}, []string{"subscriber"}),
		Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "snowmirror_publish_duration_seconds",
			Help:    "Time from publish until a batch of envelopes reached every subscriber",
			Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
	}
}

// SubscriberFault counts the fault per subscriber.
func (m *Metrics) SubscriberFault(subscriber string, _ Envelope, _ error) {
	m.Faults.WithLabelValues(subscriber).Inc()
}

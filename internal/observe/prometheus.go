package observe

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "timeweave"

type PrometheusSink struct {
	events      *prometheus.CounterVec
	transitions *prometheus.CounterVec
	unjustified prometheus.Counter
	durations   *prometheus.HistogramVec
}

// NewPrometheusSink registers its collectors on reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	factory := promauto.With(reg)
	return &PrometheusSink{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Simulation events by kind",
		}, []string{"kind"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolution",
			Name:      "transitions_total",
			Help:      "Resolution tier transitions",
		}, []string{"from", "to"}),
		unjustified: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "unjustified_knowledge_total",
			Help:      "Knowledge items omitted for lack of an exposure event",
		}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of timed operations by kind",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
	}
}

func (p *PrometheusSink) Record(_ context.Context, ev Event) {
	p.events.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case KindElevation, KindDemotion:
		p.transitions.WithLabelValues(ev.From.String(), ev.To.String()).Inc()
	case KindUnjustifiedKnowledge:
		p.unjustified.Inc()
	}
	if ev.Duration > 0 {
		p.durations.WithLabelValues(string(ev.Kind)).Observe(ev.Duration.Seconds())
	}
}

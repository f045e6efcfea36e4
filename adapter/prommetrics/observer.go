package prommetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/trickstertwo/xstream"
)

// Observer exports container events as Prometheus metrics.
type Observer struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ xstream.Observer = (*Observer)(nil)

// NewObserver registers the collectors on reg; a nil reg selects
// prometheus.DefaultRegisterer.
func NewObserver(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Observer{
		events: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xstream_events_total",
				Help: "Total number of consumption lifecycle events",
			},
			[]string{"type", "stream", "group"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xstream_handler_duration_seconds",
				Help:    "Handler processing time in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stream", "group"},
		),
	}
}

func (o *Observer) OnEvent(e xstream.Event) {
	o.events.WithLabelValues(string(e.Type), e.Stream, e.Group).Inc()
	switch e.Type {
	case xstream.EventSuccess, xstream.EventRetry, xstream.EventFailure:
		o.duration.WithLabelValues(e.Stream, e.Group).Observe(e.Duration.Seconds())
	}
}

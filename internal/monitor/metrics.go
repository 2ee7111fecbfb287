package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "slips_monitor"

// Drop reasons used as the "reason" label of RecordsDropped.
const (
	reasonDecode = "decode"
	reasonStatus = "status"
	reasonPanic  = "panic"
	reasonOther  = "error"
)

// Metrics are the per-monitor counters. They are registered only when a
// Registerer is supplied.
type Metrics struct {
	LinesRead        prometheus.Counter
	AlertsEmitted    prometheus.Counter
	RecordsDropped   *prometheus.CounterVec
	NoteDecodeErrors prometheus.Counter
	Passes           prometheus.Counter
	PassDuration     prometheus.Histogram
}

// NewMetrics creates the collectors labelled with target and registers them
// on reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer, target string) *Metrics {
	labels := prometheus.Labels{"target": target}

	m := &Metrics{
		LinesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "lines_read_total",
			Help:        "Complete lines handed to the normalizer",
			ConstLabels: labels,
		}),
		AlertsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "alerts_emitted_total",
			Help:        "Alerts delivered to the handler",
			ConstLabels: labels,
		}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "records_dropped_total",
			Help:        "Lines that did not produce an alert, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		NoteDecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "note_decode_errors_total",
			Help:        "Note fields kept as strings because they were not valid JSON",
			ConstLabels: labels,
		}),
		Passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "passes_total",
			Help:        "Read passes triggered by change notifications",
			ConstLabels: labels,
		}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "pass_duration_seconds",
			Help:        "Time spent in one read pass including handler calls",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.LinesRead,
			m.AlertsEmitted,
			m.RecordsDropped,
			m.NoteDecodeErrors,
			m.Passes,
			m.PassDuration,
		)
	}
	return m
}

package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by every stream registered
// against the same registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	transfers      *prometheus.CounterVec
	samples        *prometheus.CounterVec
	shortTransfers *prometheus.CounterVec
	pending        *prometheus.GaugeVec
	runs           *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transfers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bladestream",
				Name:      "transfers_total",
				Help:      "Completed bulk transfers by outcome",
			},
			[]string{"direction", "status"},
		),
		samples: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bladestream",
				Name:      "samples_total",
				Help:      "Samples moved by completed transfers",
			},
			[]string{"direction"},
		),
		shortTransfers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bladestream",
				Name:      "short_transfers_total",
				Help:      "Transfers that moved fewer bytes than requested",
			},
			[]string{"direction"},
		),
		pending: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "bladestream",
				Name:      "pending_transfers",
				Help:      "Transfers currently outstanding with the transport",
			},
			[]string{"direction"},
		),
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bladestream",
				Name:      "stream_runs_total",
				Help:      "Finished stream runs by result",
			},
			[]string{"direction", "result"},
		),
	}
}

func (m *Metrics) transfer(d Direction, status TransferStatus, samples int, short bool) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(d.String(), status.String()).Inc()
	if samples > 0 {
		m.samples.WithLabelValues(d.String()).Add(float64(samples))
	}
	if short {
		m.shortTransfers.WithLabelValues(d.String()).Inc()
	}
}

func (m *Metrics) setPending(d Direction, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(d.String()).Set(float64(n))
}

func (m *Metrics) run(d Direction, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.runs.WithLabelValues(d.String(), result).Inc()
}

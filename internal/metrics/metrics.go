package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Key lifecycle Prometheus metrics. Defined in a standalone package so
// both the HTTP handlers and the queue consumer can record without
// import cycles.

var (
	Reservations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "popkeyd_reservations_total",
		Help: "Key reservation attempts by outcome",
	}, []string{"outcome"})

	Activations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "popkeyd_activations_total",
		Help: "Key activation attempts by outcome",
	}, []string{"outcome"})

	Revocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "popkeyd_revocations_total",
		Help: "Revocation sweeps by outcome",
	}, []string{"outcome"})

	QueueFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "popkeyd_queue_failures_total",
		Help: "Revocation queue failures by kind (transient or permanent)",
	}, []string{"kind"})
)

// Outcome label values.
const (
	OutcomeOK       = "ok"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Register registers the lifecycle metrics on the given registry (or
// default if nil).
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{Reservations, Activations, Revocations, QueueFailures} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

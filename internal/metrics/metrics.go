// Package metrics holds the Prometheus collectors exported by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "licensekeeper"

// Verification outcomes used as the "outcome" label.
const (
	OutcomeValid        = "valid"
	OutcomeNotFound     = "not_found"
	OutcomeExpired      = "expired"
	OutcomeIPNotAllowed = "ip_not_allowed"
	OutcomeInvalid      = "invalid_request"
	OutcomeError        = "error"
)

type Metrics struct {
	Verifications      *prometheus.CounterVec
	VerifyDuration     prometheus.Histogram
	ActivationsCreated prometheus.Counter
	LicensesCreated    prometheus.Counter
	KeyCollisions      prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "License verification requests by outcome.",
		}, []string{"outcome"}),
		VerifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verify_duration_seconds",
			Help:      "Time spent verifying a license, store round trips included.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActivationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_created_total",
			Help:      "First-time activations of a license on a machine.",
		}),
		LicensesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "licenses_created_total",
			Help:      "Licenses issued.",
		}),
		KeyCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_key_collisions_total",
			Help:      "Generated license keys rejected because they already existed.",
		}),
	}
	reg.MustRegister(m.Verifications, m.VerifyDuration, m.ActivationsCreated, m.LicensesCreated, m.KeyCollisions)
	return m
}

// Package metrics holds the prometheus collectors for the session engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the engine's counters. Construct one per process with
// New and share it by reference.
type Metrics struct {
	SessionsCreated prometheus.Counter
	SessionsRevoked prometheus.Counter
	Refreshes       *prometheus.CounterVec
	TokenThefts     prometheus.Counter
	KeyRotations    prometheus.Counter
}

// Refresh outcome label values.
const (
	RefreshOutcomeRotated  = "rotated"
	RefreshOutcomePromoted = "promoted"
	RefreshOutcomeDenied   = "denied"
	RefreshOutcomeTheft    = "theft"
)

// New registers the engine's collectors against reg and returns them.
// Pass prometheus.NewRegistry() in tests to avoid global registration
// conflicts.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_sessions_created_total",
			Help: "Sessions created.",
		}),
		SessionsRevoked: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_sessions_revoked_total",
			Help: "Sessions revoked, including revoke-all fanout.",
		}),
		Refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_refreshes_total",
			Help: "Refresh attempts by outcome.",
		}, []string{"outcome"}),
		TokenThefts: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_token_thefts_total",
			Help: "Refresh attempts flagged as token theft.",
		}),
		KeyRotations: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_key_rotations_total",
			Help: "Signing key generations, both first provisioning and rotation.",
		}),
	}
}

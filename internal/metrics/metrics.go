package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DropsSpawned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coindrop_drops_spawned_total",
		Help: "Drops armed, by trigger (natural, forced, placed).",
	}, []string{"trigger"})

	DropsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coindrop_drops_finished_total",
		Help: "Drop sessions that reached a terminal state, by outcome (claimed, expired).",
	}, []string{"outcome"})

	Claims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coindrop_claims_total",
		Help: "Accepted claims, by kind (winner, bonus).",
	}, []string{"kind"})

	Credits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coindrop_ledger_credits_total",
		Help: "Committed ledger credits.",
	})

	LedgerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coindrop_ledger_errors_total",
		Help: "Failed ledger operations, by operation.",
	}, []string{"op"})

	RoleGrantFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coindrop_role_grant_failures_total",
		Help: "Reward role grants rejected by the chat platform.",
	})

	SessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coindrop_session_active",
		Help: "1 while a drop session holds the global lock.",
	})
)

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	moneyEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_money_events_total",
		Help: "Money state machine events by type and outcome.",
	}, []string{"event", "outcome"})

	moneyEventReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_money_event_replays_total",
		Help: "Events answered idempotently from the processed log.",
	})

	xpAwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_xp_awarded_total",
		Help: "Total XP granted across all awards.",
	})

	killSwitchActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_kill_switch_active",
		Help: "1 while the kill switch blocks new financial operations.",
	})

	reaperResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_reaper_resolutions_total",
		Help: "Stuck transactions resolved by the reaper, by action.",
	}, []string{"action"})

	escrowTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_timeouts_total",
		Help: "Escrows resolved by the timeout sweeper, by resolution.",
	}, []string{"resolution"})

	reconcilerDriftCents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_reconciler_drift_cents",
		Help: "Absolute cash drift observed by the last reconciler pass.",
	})

	reconcilerGapsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_reconciler_gaps_total",
		Help: "Mirror rows found on the processor side but absent locally.",
	})
)

// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal counts decisions by trader and type.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rl_trader_decisions_total",
		Help: "Trading decisions by trader and decision type.",
	}, []string{"trader", "decision_type"})

	// TradesExecutedTotal counts executed trades by trader and action.
	TradesExecutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rl_trader_trades_executed_total",
		Help: "Executed trades by trader and action.",
	}, []string{"trader", "action"})

	// TradeExecutionFailures counts execution requests the backend rejected.
	TradeExecutionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rl_trader_trade_execution_failures_total",
		Help: "Failed trade execution requests by trader.",
	}, []string{"trader"})

	// SLTPTriggersTotal counts stop-loss/take-profit sweep closes.
	SLTPTriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rl_trader_sltp_triggers_total",
		Help: "Positions closed by the SL/TP sweep, by trigger.",
	}, []string{"trader", "trigger"})

	// TrainingSessionsTotal counts training sessions by outcome.
	TrainingSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rl_trader_training_sessions_total",
		Help: "Training sessions by agent and outcome.",
	}, []string{"agent", "outcome"})

	// LoopErrorsTotal counts recovered per-symbol loop errors.
	LoopErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rl_trader_loop_errors_total",
		Help: "Recovered trader-loop errors by trader.",
	}, []string{"trader"})

	// ActiveTraders gauges currently running trader loops.
	ActiveTraders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rl_trader_active_traders",
		Help: "Number of running trader loops.",
	})

	// TrainingActive gauges currently running training sessions.
	TrainingActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rl_trader_training_active",
		Help: "Number of in-flight training sessions.",
	})
)

// Package types provides shared type definitions for the trader fleet service.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide represents long or short position. The backend reports
// quantity as a non-negative number, so Side is the authoritative
// direction indicator everywhere.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// DecisionType is the outcome of one engine evaluation.
type DecisionType string

const (
	DecisionBuy   DecisionType = "buy"
	DecisionSell  DecisionType = "sell"
	DecisionHold  DecisionType = "hold"
	DecisionClose DecisionType = "close"
	DecisionSkip  DecisionType = "skip"
	DecisionShort DecisionType = "short"
)

// Opens reports whether the decision opens a new position.
func (d DecisionType) Opens() bool { return d == DecisionBuy || d == DecisionShort }

// Executable reports whether the decision results in an execute request.
func (d DecisionType) Executable() bool {
	switch d {
	case DecisionBuy, DecisionSell, DecisionShort, DecisionClose:
		return true
	}
	return false
}

// Agreement categorises directional consensus across signal sources.
type Agreement string

const (
	AgreementStrong   Agreement = "strong"
	AgreementModerate Agreement = "moderate"
	AgreementWeak     Agreement = "weak"
	AgreementMixed    Agreement = "mixed"
)

// Level maps agreement to an ordinal used for minimum-agreement gating.
func (a Agreement) Level() int {
	switch a {
	case AgreementStrong:
		return 2
	case AgreementModerate:
		return 1
	default:
		return 0
	}
}

// TradingHorizon steers decision thresholds and minimum holding floors.
type TradingHorizon string

const (
	HorizonScalping TradingHorizon = "scalping"
	HorizonDay      TradingHorizon = "day"
	HorizonSwing    TradingHorizon = "swing"
	HorizonPosition TradingHorizon = "position"
)

// MinHolding returns the floor before an engine-driven close is allowed.
// SL/TP sweeps bypass this.
func (h TradingHorizon) MinHolding() time.Duration {
	switch h {
	case HorizonScalping:
		return 15 * time.Minute
	case HorizonDay:
		return 30 * time.Minute
	case HorizonSwing:
		return 60 * time.Minute
	case HorizonPosition:
		return 120 * time.Minute
	}
	return 30 * time.Minute
}

// SignalStrength grades an RL action into a qualitative bucket.
type SignalStrength string

const (
	StrengthWeak     SignalStrength = "weak"
	StrengthModerate SignalStrength = "moderate"
	StrengthStrong   SignalStrength = "strong"
	StrengthNeutral  SignalStrength = "neutral"
)

// Bar is a single OHLCV record in the numeric pipeline.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Position is a per-symbol snapshot consumed from the backend portfolio.
// Quantity is always non-negative; Side carries the direction.
type Position struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	Side         PositionSide    `json:"side"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	StopLoss     decimal.Decimal `json:"stop_loss"`
	TakeProfit   decimal.Decimal `json:"take_profit"`
	OpenedAt     string          `json:"opened_at"`
	MarketValue  decimal.Decimal `json:"market_value"`
	Value        decimal.Decimal `json:"value"`
}

// IsShort reports whether the position is a short. Side is authoritative.
func (p *Position) IsShort() bool { return p.Side == PositionSideShort }

// OpenedAtTime parses opened_at into naive UTC. Returns zero time when the
// field is absent or malformed.
func (p *Position) OpenedAtTime() time.Time {
	if p.OpenedAt == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, p.OpenedAt); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Portfolio is the backend's view of a trader's account.
type Portfolio struct {
	Cash           decimal.Decimal      `json:"cash"`
	TotalValue     decimal.Decimal      `json:"total_value"`
	TotalInvested  decimal.Decimal      `json:"total_invested"`
	PositionsCount int                  `json:"positions_count"`
	Positions      map[string]*Position `json:"positions"`
	DailyPnL       decimal.Decimal      `json:"daily_pnl"`
	DailyPnLPct    decimal.Decimal      `json:"daily_pnl_pct"`
	MaxValue       decimal.Decimal      `json:"max_value"`
}

// DefaultPortfolio returns the fallback snapshot used when the backend is
// unreachable.
func DefaultPortfolio(initialBudget float64) *Portfolio {
	b := decimal.NewFromFloat(initialBudget)
	return &Portfolio{
		Cash:       b,
		TotalValue: b,
		MaxValue:   b,
		Positions:  make(map[string]*Position),
	}
}

// ShortCount counts open short positions by side.
func (p *Portfolio) ShortCount() int {
	n := 0
	for _, pos := range p.Positions {
		if pos.IsShort() {
			n++
		}
	}
	return n
}

// ShortExposure sums the absolute market value of short positions.
func (p *Portfolio) ShortExposure() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		if pos.IsShort() {
			total = total.Add(pos.MarketValue.Abs())
		}
	}
	return total
}

// SourceScore is one signal source's contribution to a decision.
type SourceScore struct {
	Score      float64        `json:"score"`
	Confidence float64        `json:"confidence"`
	Details    map[string]any `json:"details,omitempty"`
}

// Decision records one engine evaluation, including the full reasoning tree
// that is logged to the backend.
type Decision struct {
	ID             string       `json:"id"`
	Symbol         string       `json:"symbol"`
	DecisionType   DecisionType `json:"decision_type"`
	Confidence     float64      `json:"confidence"`
	WeightedScore  float64      `json:"weighted_score"`
	MLScore        *float64     `json:"ml_score"`
	RLScore        *float64     `json:"rl_score"`
	SentimentScore *float64     `json:"sentiment_score"`
	TechnicalScore *float64     `json:"technical_score"`
	Agreement      Agreement    `json:"signal_agreement"`

	Reasoning map[string]any `json:"reasoning"`
	Summary   string         `json:"summary"`

	// Trade parameters; Quantity is negative for shorts.
	Quantity   int64    `json:"quantity,omitempty"`
	Price      *float64 `json:"price,omitempty"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`

	RiskChecksPassed bool     `json:"risk_checks_passed"`
	RiskWarnings     []string `json:"risk_warnings"`
	RiskBlockers     []string `json:"risk_blockers"`

	Timestamp time.Time `json:"timestamp"`
}

// AgentMetadata is persisted as metadata.json beside each policy artifact.
// The embedded config is authoritative for architecture across
// continue-training sessions.
type AgentMetadata struct {
	AgentName               string             `json:"agent_name"`
	Config                  AgentConfig        `json:"config"`
	TrainedAt               string             `json:"trained_at"`
	TrainingDurationSeconds float64            `json:"training_duration_seconds"`
	TotalTimesteps          int64              `json:"total_timesteps"`
	TotalEpisodes           int64              `json:"total_episodes"`
	CumulativeTimesteps     int64              `json:"cumulative_timesteps"`
	CumulativeEpisodes      int64              `json:"cumulative_episodes"`
	TrainingSessions        int                `json:"training_sessions"`
	ContinuedFromPrevious   bool               `json:"continued_from_previous"`
	BestReward              *float64           `json:"best_reward"`
	Device                  string             `json:"device"`
	PerformanceMetrics      map[string]float64 `json:"performance_metrics"`
	OOSPerformanceMetrics   map[string]float64 `json:"oos_performance_metrics,omitempty"`
	WalkForwardSplit        map[string]int     `json:"walk_forward_split"`
	SymbolsTrained          []string           `json:"symbols_trained"`
}

// MarketData is the fetched market context for one symbol: the daily bars
// plus the latest price and volume.
type MarketData struct {
	Symbol       string  `json:"symbol"`
	Bars         []Bar   `json:"bars"`
	CurrentPrice float64 `json:"current_price"`
	Volume       float64 `json:"volume"`
}

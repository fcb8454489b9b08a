// Package types provides configuration types for the trader fleet service.
package types

// HoldingPeriod is the target holding duration an agent is trained for.
type HoldingPeriod string

const (
	HoldingScalping       HoldingPeriod = "scalping"
	HoldingIntraday       HoldingPeriod = "intraday"
	HoldingSwingShort     HoldingPeriod = "swing_short"
	HoldingSwingMedium    HoldingPeriod = "swing_medium"
	HoldingPositionShort  HoldingPeriod = "position_short"
	HoldingPositionMedium HoldingPeriod = "position_medium"
	HoldingPositionLong   HoldingPeriod = "position_long"
	HoldingInvestor       HoldingPeriod = "investor"
)

// TargetSteps maps the holding period to a target number of environment steps.
func (h HoldingPeriod) TargetSteps() int {
	switch h {
	case HoldingScalping:
		return 4
	case HoldingIntraday:
		return 8
	case HoldingSwingShort:
		return 3
	case HoldingSwingMedium:
		return 5
	case HoldingPositionShort:
		return 10
	case HoldingPositionMedium:
		return 20
	case HoldingPositionLong:
		return 60
	case HoldingInvestor:
		return 120
	}
	return 5
}

// RiskProfile is the agent's risk appetite tier.
type RiskProfile string

const (
	RiskConservative   RiskProfile = "conservative"
	RiskModerate       RiskProfile = "moderate"
	RiskAggressive     RiskProfile = "aggressive"
	RiskVeryAggressive RiskProfile = "very_aggressive"
)

// Multiplier keys the buy-fraction multiplier off the risk tier.
func (r RiskProfile) Multiplier() float64 {
	switch r {
	case RiskConservative:
		return 0.5
	case RiskAggressive:
		return 1.5
	case RiskVeryAggressive:
		return 2.0
	}
	return 1.0
}

// TradingStyle is the strategic flavour of an agent profile.
type TradingStyle string

const (
	StyleTrendFollowing TradingStyle = "trend_following"
	StyleMeanReversion  TradingStyle = "mean_reversion"
	StyleMomentum       TradingStyle = "momentum"
	StyleBreakout       TradingStyle = "breakout"
	StyleContrarian     TradingStyle = "contrarian"
	StyleMixed          TradingStyle = "mixed"
)

// BrokerProfile selects a fee table for the trading environment.
type BrokerProfile string

const (
	BrokerDiscount    BrokerProfile = "discount"
	BrokerStandard    BrokerProfile = "standard"
	BrokerPremium     BrokerProfile = "premium"
	BrokerMarketMaker BrokerProfile = "marketMaker"
	BrokerFlatex      BrokerProfile = "flatex"
	BrokerIngDiba     BrokerProfile = "ingdiba"
)

// AgentConfig is persisted alongside a trained policy. Architectural fields
// (transformer dims, policy class) are preserved across continue-training;
// trading fields may be updated per session.
type AgentConfig struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	HoldingPeriod HoldingPeriod `json:"holding_period"`
	RiskProfile   RiskProfile   `json:"risk_profile"`
	TradingStyle  TradingStyle  `json:"trading_style"`
	BrokerProfile BrokerProfile `json:"broker_profile"`

	InitialBalance  float64 `json:"initial_balance"`
	MaxPositionSize float64 `json:"max_position_size"`
	MaxPositions    int     `json:"max_positions"`

	StopLossPct          float64 `json:"stop_loss_pct"`
	TakeProfitPct        float64 `json:"take_profit_pct"`
	TrailingStop         bool    `json:"trailing_stop"`
	TrailingStopDistance float64 `json:"trailing_stop_distance"`

	LearningRate float64 `json:"learning_rate"`
	Gamma        float64 `json:"gamma"`
	EntCoef      float64 `json:"ent_coef"`

	UseTransformerPolicy bool    `json:"use_transformer_policy"`
	TransformerDModel    int     `json:"transformer_d_model"`
	TransformerNHeads    int     `json:"transformer_n_heads"`
	TransformerNLayers   int     `json:"transformer_n_layers"`
	TransformerDFF       int     `json:"transformer_d_ff"`
	TransformerDropout   float64 `json:"transformer_dropout"`

	EnableShortSelling bool    `json:"enable_short_selling"`
	SlippageModel      string  `json:"slippage_model"`
	SlippageBps        float64 `json:"slippage_bps"`
	LookbackWindow     int     `json:"lookback_window"`

	Symbols []string `json:"symbols,omitempty"`
}

// DefaultAgentConfig returns an agent profile with the standard defaults.
func DefaultAgentConfig(name string) AgentConfig {
	return AgentConfig{
		Name:                 name,
		HoldingPeriod:        HoldingSwingShort,
		RiskProfile:          RiskModerate,
		TradingStyle:         StyleMixed,
		BrokerProfile:        BrokerStandard,
		InitialBalance:       100000,
		MaxPositionSize:      0.25,
		MaxPositions:         5,
		StopLossPct:          0.05,
		TakeProfitPct:        0.10,
		TrailingStopDistance: 0.03,
		LearningRate:         0.0003,
		Gamma:                0.99,
		EntCoef:              0.01,
		TransformerDModel:    256,
		TransformerNHeads:    8,
		TransformerNLayers:   4,
		TransformerDFF:       512,
		TransformerDropout:   0.1,
		SlippageModel:        "proportional",
		SlippageBps:          5.0,
		LookbackWindow:       60,
	}
}

// MergeForContinue applies the incoming config's trading fields onto the
// persisted one, keeping architecture and RL hyperparameters from the saved
// model.
func MergeForContinue(saved, incoming AgentConfig) AgentConfig {
	merged := saved
	merged.InitialBalance = incoming.InitialBalance
	merged.MaxPositionSize = incoming.MaxPositionSize
	merged.StopLossPct = incoming.StopLossPct
	merged.TakeProfitPct = incoming.TakeProfitPct
	return merged
}

// TraderConfig is the runtime configuration of one live trader. It extends
// the agent profile with watchlist, schedule, signal weights and cadences.
type TraderConfig struct {
	TraderID int    `json:"trader_id"`
	Name     string `json:"name"`

	// Capital management
	InitialBudget    float64 `json:"initial_budget"`
	MaxPositionSize  float64 `json:"max_position_size"`
	MaxTotalExposure float64 `json:"max_total_exposure"`
	MaxPositions     int     `json:"max_positions"`
	ReserveCash      float64 `json:"reserve_cash"`

	// Risk management
	RiskTolerance        RiskProfile `json:"risk_tolerance"`
	MaxDailyLoss         float64     `json:"max_daily_loss"`
	MaxDrawdown          float64     `json:"max_drawdown"`
	MaxConsecutiveLosses int         `json:"max_consecutive_losses"`
	CooldownMinutes      int         `json:"cooldown_minutes"`

	// Signal weights; by convention they sum to 1, not enforced.
	MLWeight        float64 `json:"ml_weight"`
	RLWeight        float64 `json:"rl_weight"`
	SentimentWeight float64 `json:"sentiment_weight"`
	TechnicalWeight float64 `json:"technical_weight"`
	RLAgentName     string  `json:"rl_agent_name,omitempty"`

	// Decision thresholds
	MinConfidence               float64   `json:"min_confidence"`
	AdaptiveThreshold           bool      `json:"adaptive_threshold"`
	RequireMultipleConfirmation bool      `json:"require_multiple_confirmation"`
	MinSignalAgreement          Agreement `json:"min_signal_agreement"`

	// Position sizing
	PositionSizing       string  `json:"position_sizing"` // "fixed", "kelly", "volatility"
	FixedPositionPercent float64 `json:"fixed_position_percent"`
	KellyFraction        float64 `json:"kelly_fraction"`

	// Stop-loss / take-profit
	UseStopLoss      bool    `json:"use_stop_loss"`
	StopLossPct      float64 `json:"stop_loss_pct"`
	UseTakeProfit    bool    `json:"use_take_profit"`
	TakeProfitPct    float64 `json:"take_profit_pct"`
	TradingHorizon   TradingHorizon `json:"trading_horizon"`

	// Short selling
	AllowShortSelling bool    `json:"allow_short_selling"`
	MaxShortPositions int     `json:"max_short_positions"`
	MaxShortExposure  float64 `json:"max_short_exposure"`

	// Self-training during idle
	SelfTrainingEnabled         bool  `json:"self_training_enabled"`
	SelfTrainingIntervalMinutes int   `json:"self_training_interval_minutes"`
	SelfTrainingTimesteps       int64 `json:"self_training_timesteps"`

	// Schedule
	ScheduleEnabled      bool     `json:"schedule_enabled"`
	TradingDays          []string `json:"trading_days"`
	TradingStart         string   `json:"trading_start"`
	TradingEnd           string   `json:"trading_end"`
	Timezone             string   `json:"timezone"`
	CheckIntervalSeconds int      `json:"check_interval_seconds"`
	AvoidMarketOpen      int      `json:"avoid_market_open"`
	AvoidMarketClose     int      `json:"avoid_market_close"`

	// Market conditions
	PauseOnHighVIX float64 `json:"pause_on_high_vix"`

	Symbols []string `json:"symbols"`
}

// DefaultTraderConfig returns a trader config with the standard defaults.
func DefaultTraderConfig(traderID int, name string) TraderConfig {
	return TraderConfig{
		TraderID:                    traderID,
		Name:                        name,
		InitialBudget:               100000,
		MaxPositionSize:             0.25,
		MaxTotalExposure:            0.80,
		MaxPositions:                10,
		ReserveCash:                 0.10,
		RiskTolerance:               RiskModerate,
		MaxDailyLoss:                0.05,
		MaxDrawdown:                 0.15,
		MaxConsecutiveLosses:        5,
		CooldownMinutes:             30,
		MLWeight:                    0.30,
		RLWeight:                    0.30,
		SentimentWeight:             0.20,
		TechnicalWeight:             0.20,
		MinConfidence:               0.65,
		AdaptiveThreshold:           true,
		RequireMultipleConfirmation: true,
		MinSignalAgreement:          AgreementModerate,
		PositionSizing:              "fixed",
		FixedPositionPercent:        0.10,
		KellyFraction:               0.25,
		UseStopLoss:                 true,
		StopLossPct:                 0.05,
		UseTakeProfit:               true,
		TakeProfitPct:               0.10,
		TradingHorizon:              HorizonDay,
		MaxShortPositions:           3,
		MaxShortExposure:            0.30,
		SelfTrainingEnabled:         true,
		SelfTrainingIntervalMinutes: 60,
		SelfTrainingTimesteps:       10000,
		ScheduleEnabled:             true,
		TradingDays:                 []string{"mon", "tue", "wed", "thu", "fri"},
		TradingStart:                "09:00",
		TradingEnd:                  "17:30",
		Timezone:                    "Europe/Berlin",
		CheckIntervalSeconds:        60,
		AvoidMarketOpen:             15,
		AvoidMarketClose:            15,
		PauseOnHighVIX:              30,
		Symbols:                     []string{"AAPL", "MSFT", "GOOGL", "AMZN", "TSLA"},
	}
}

// AgentProfile derives the agent config used when the scheduler kicks off a
// self-training session for this trader. The trainer merges it with the
// persisted architecture.
func (c *TraderConfig) AgentProfile(agentName string) AgentConfig {
	profile := DefaultAgentConfig(agentName)
	profile.InitialBalance = c.InitialBudget
	profile.MaxPositionSize = c.MaxPositionSize
	profile.StopLossPct = c.StopLossPct
	profile.TakeProfitPct = c.TakeProfitPct
	return profile
}

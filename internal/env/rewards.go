package env

// RewardWeights parameterises the risk-adjusted reward function. The
// curriculum callback scales a subset of these across training phases.
type RewardWeights struct {
	PortfolioReturnScale float64 `json:"portfolio_return_scale"`

	HoldingInRangeBonus    float64 `json:"holding_in_range_bonus"`
	HoldingTooLongPenalty  float64 `json:"holding_too_long_penalty"`
	DrawdownPenaltyThreshold float64 `json:"drawdown_penalty_threshold"`
	DrawdownPenaltyScale   float64 `json:"drawdown_penalty_scale"`

	StopLossPenalty     float64 `json:"stop_loss_penalty"`
	TakeProfitBonus     float64 `json:"take_profit_bonus"`
	TrailingStopPenalty float64 `json:"trailing_stop_penalty"`

	EpisodeReturnScale       float64 `json:"episode_return_scale"`
	FeeRatioPenaltyThreshold float64 `json:"fee_ratio_penalty_threshold"`
	FeeRatioPenaltyScale     float64 `json:"fee_ratio_penalty_scale"`
	ChurningPenalty          float64 `json:"churning_penalty"`
	RiskAdjustedScale        float64 `json:"risk_adjusted_scale"`
	WinRateBonusScale        float64 `json:"win_rate_bonus_scale"`

	UseSharpeReward bool    `json:"use_sharpe_reward"`
	SharpeScale     float64 `json:"sharpe_scale"`
	SortinoScale    float64 `json:"sortino_scale"`

	ConsistencyBonusScale float64 `json:"consistency_bonus_scale"`

	// Curriculum-driven shaping, zero until a phase enables them.
	StepFeePenaltyScale  float64 `json:"step_fee_penalty_scale"`
	OpportunityCostScale float64 `json:"opportunity_cost_scale"`
}

// DefaultRewardWeights returns the standard reward parameterisation.
func DefaultRewardWeights() RewardWeights {
	return RewardWeights{
		PortfolioReturnScale:     100.0,
		HoldingInRangeBonus:      0.1,
		HoldingTooLongPenalty:    0.2,
		DrawdownPenaltyThreshold: 0.10,
		DrawdownPenaltyScale:     2.0,
		StopLossPenalty:          1.0,
		TakeProfitBonus:          2.0,
		TrailingStopPenalty:      0.5,
		EpisodeReturnScale:       50.0,
		FeeRatioPenaltyThreshold: 0.5,
		FeeRatioPenaltyScale:     10.0,
		ChurningPenalty:          2.0,
		RiskAdjustedScale:        10.0,
		WinRateBonusScale:        20.0,
		UseSharpeReward:          true,
		SharpeScale:              5.0,
		SortinoScale:             3.0,
		ConsistencyBonusScale:    5.0,
	}
}

// Reference scales for curriculum-only penalties whose base weight is zero.
const (
	stepFeeReferenceScale     = 5.0
	opportunityReferenceScale = 2.0
)

// scaled multiplies a base weight by the phase multiplier, substituting the
// reference scale when the base weight is disabled.
func scaled(base, multiplier, reference float64) float64 {
	if base > 0 {
		return base * multiplier
	}
	return reference * multiplier
}

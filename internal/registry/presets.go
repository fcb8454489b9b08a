package registry

import "github.com/atlas-desktop/rl-trader/pkg/types"

// Presets returns the predefined agent profiles for common trading styles.
func Presets() map[string]types.AgentConfig {
	conservativeSwing := types.DefaultAgentConfig("conservative_swing")
	conservativeSwing.Description = "Conservative swing trader - low risk, medium holding period"
	conservativeSwing.HoldingPeriod = types.HoldingSwingMedium
	conservativeSwing.RiskProfile = types.RiskConservative
	conservativeSwing.TradingStyle = types.StyleTrendFollowing
	conservativeSwing.MaxPositionSize = 0.15
	conservativeSwing.MaxPositions = 3
	conservativeSwing.StopLossPct = 0.03
	conservativeSwing.TakeProfitPct = 0.08
	conservativeSwing.BrokerProfile = types.BrokerDiscount

	aggressiveMomentum := types.DefaultAgentConfig("aggressive_momentum")
	aggressiveMomentum.Description = "Aggressive momentum trader - high risk, short holding period"
	aggressiveMomentum.HoldingPeriod = types.HoldingSwingShort
	aggressiveMomentum.RiskProfile = types.RiskAggressive
	aggressiveMomentum.TradingStyle = types.StyleMomentum
	aggressiveMomentum.MaxPositionSize = 0.35
	aggressiveMomentum.MaxPositions = 5
	aggressiveMomentum.StopLossPct = 0.07
	aggressiveMomentum.TakeProfitPct = 0.15
	aggressiveMomentum.BrokerProfile = types.BrokerDiscount
	aggressiveMomentum.EntCoef = 0.02

	dayTrader := types.DefaultAgentConfig("day_trader")
	dayTrader.Description = "Intraday trader - quick trades, mean reversion"
	dayTrader.HoldingPeriod = types.HoldingIntraday
	dayTrader.TradingStyle = types.StyleMeanReversion
	dayTrader.MaxPositionSize = 0.20
	dayTrader.MaxPositions = 10
	dayTrader.StopLossPct = 0.02
	dayTrader.TakeProfitPct = 0.04
	dayTrader.BrokerProfile = types.BrokerMarketMaker

	positionInvestor := types.DefaultAgentConfig("position_investor")
	positionInvestor.Description = "Long-term position trader - low turnover, trend following"
	positionInvestor.HoldingPeriod = types.HoldingPositionLong
	positionInvestor.RiskProfile = types.RiskConservative
	positionInvestor.TradingStyle = types.StyleTrendFollowing
	positionInvestor.MaxPositionSize = 0.30
	positionInvestor.MaxPositions = 4
	positionInvestor.StopLossPct = 0.10
	positionInvestor.TakeProfitPct = 0.25
	positionInvestor.TrailingStop = true
	positionInvestor.TrailingStopDistance = 0.05
	positionInvestor.BrokerProfile = types.BrokerPremium
	positionInvestor.Gamma = 0.995

	balancedTrader := types.DefaultAgentConfig("balanced_trader")
	balancedTrader.Description = "Balanced approach - moderate risk and holding period"
	balancedTrader.MaxPositionSize = 0.20

	return map[string]types.AgentConfig{
		"conservative_swing":  conservativeSwing,
		"aggressive_momentum": aggressiveMomentum,
		"day_trader":          dayTrader,
		"position_investor":   positionInvestor,
		"balanced_trader":     balancedTrader,
	}
}

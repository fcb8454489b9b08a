// Package engine turns a fused signal into a trading decision: adaptive
// thresholding, horizon-aware triggers, position sizing, SL/TP derivation
// and the final risk gating.
package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/internal/risk"
	"github.com/atlas-desktop/rl-trader/internal/signals"
	"github.com/atlas-desktop/rl-trader/pkg/types"
	"github.com/atlas-desktop/rl-trader/pkg/utils"
)

// maxOutcomeHistory caps the streak-tracking trade history.
const maxOutcomeHistory = 100

// horizonThresholds are the score triggers for one trading horizon.
type horizonThresholds struct {
	sellStrong   float64
	sellWeak     float64
	buyStrong    float64
	shortTrigger float64
}

// thresholdTable keys the trigger set by trading horizon.
var thresholdTable = map[types.TradingHorizon]horizonThresholds{
	types.HorizonScalping: {sellStrong: -0.10, sellWeak: 0.05, buyStrong: 0.15, shortTrigger: -0.12},
	types.HorizonDay:      {sellStrong: -0.20, sellWeak: 0.00, buyStrong: 0.25, shortTrigger: -0.20},
	types.HorizonSwing:    {sellStrong: -0.35, sellWeak: -0.10, buyStrong: 0.30, shortTrigger: -0.28},
	types.HorizonPosition: {sellStrong: -0.45, sellWeak: -0.20, buyStrong: 0.35, shortTrigger: -0.35},
}

// SignalAggregator is the slice of the signal layer the engine consumes.
type SignalAggregator interface {
	Aggregate(ctx context.Context, symbol string, market *types.MarketData) *signals.Aggregated
}

// Engine makes trading decisions for one trader. Each trader loop owns its
// engine instance; streak counters are engine-local.
type Engine struct {
	logger     *zap.Logger
	cfg        *types.TraderConfig
	aggregator SignalAggregator
	risk       *risk.Manager

	// now is injectable for minimum-holding tests.
	now func() time.Time

	consecutiveWins   int
	consecutiveLosses int
	outcomes          []float64
}

// New creates a decision engine over the trader's aggregator and risk
// manager.
func New(logger *zap.Logger, cfg *types.TraderConfig, aggregator SignalAggregator, riskManager *risk.Manager) *Engine {
	return &Engine{
		logger:     logger.Named("decision-engine"),
		cfg:        cfg,
		aggregator: aggregator,
		risk:       riskManager,
		now:        time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// ConsecutiveWins returns the current win streak.
func (e *Engine) ConsecutiveWins() int { return e.consecutiveWins }

// ConsecutiveLosses returns the current loss streak.
func (e *Engine) ConsecutiveLosses() int { return e.consecutiveLosses }

// RecordTradeOutcome feeds a realised P&L into the streak counters. History
// is capped so long-running traders stay bounded.
func (e *Engine) RecordTradeOutcome(pnl float64) {
	if pnl > 0 {
		e.consecutiveWins++
		e.consecutiveLosses = 0
	} else if pnl < 0 {
		e.consecutiveLosses++
		e.consecutiveWins = 0
	}
	e.outcomes = append(e.outcomes, pnl)
	if len(e.outcomes) > maxOutcomeHistory {
		e.outcomes = e.outcomes[len(e.outcomes)-maxOutcomeHistory:]
	}
}

// AnalyzeSymbol aggregates signals, decides, sizes the trade and gates it
// through the risk pipeline.
func (e *Engine) AnalyzeSymbol(ctx context.Context, symbol string, market *types.MarketData, portfolio *types.Portfolio) (*types.Decision, error) {
	if portfolio == nil {
		portfolio = types.DefaultPortfolio(e.cfg.InitialBudget)
	}

	aggregated := e.aggregator.Aggregate(ctx, symbol, market)
	threshold := e.adaptiveThreshold(aggregated, portfolio)
	decisionType := e.determineDecisionType(aggregated, threshold, portfolio, symbol)

	currentPrice := 0.0
	if market != nil {
		currentPrice = market.CurrentPrice
	}

	positionSize, quantity := e.positionSize(decisionType, currentPrice, aggregated.Confidence, portfolio, market)
	stopLoss, takeProfit := e.stopLossTakeProfit(decisionType, currentPrice)

	riskResult := e.risk.CheckAll(ctx, symbol, decisionType, positionSize, portfolio, e.consecutiveLosses)

	// The graduated drawdown factor shrinks the trade before rounding to
	// whole shares; streak shrinkage is already inside positionSize.
	if riskResult.PositionScaleFactor < 1.0 && quantity != 0 && currentPrice > 0 {
		positionSize *= riskResult.PositionScaleFactor
		sign := int64(1)
		if quantity < 0 {
			sign = -1
		}
		quantity = sign * int64(positionSize/currentPrice)
		positionSize = math.Abs(float64(quantity)) * currentPrice
	}

	decision := &types.Decision{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		DecisionType:   decisionType,
		Confidence:     aggregated.Confidence,
		WeightedScore:  aggregated.WeightedScore,
		MLScore:        utils.FloatPtr(aggregated.ML.Score),
		RLScore:        utils.FloatPtr(aggregated.RL.Score),
		SentimentScore: utils.FloatPtr(aggregated.Sentiment.Score),
		TechnicalScore: utils.FloatPtr(aggregated.Technical.Score),
		Agreement:      aggregated.Agreement,
		Reasoning:      e.buildReasoning(aggregated, threshold, riskResult, portfolio),
		Summary:        e.summary(symbol, decisionType, aggregated, riskResult),
		RiskChecksPassed: riskResult.AllPassed,
		RiskWarnings:     riskResult.Warnings,
		RiskBlockers:     riskResult.Blockers,
		Timestamp:        e.now(),
	}
	if decisionType == types.DecisionBuy || decisionType == types.DecisionSell || decisionType == types.DecisionShort {
		decision.Quantity = quantity
		decision.Price = utils.FloatPtr(currentPrice)
	}
	decision.StopLoss = stopLoss
	decision.TakeProfit = takeProfit

	return decision, nil
}

// adaptiveThreshold raises the confidence bar in adverse conditions: weak or
// mixed consensus, a losing day, a loss streak, and slightly after a long
// win streak. Capped at 0.90.
func (e *Engine) adaptiveThreshold(aggregated *signals.Aggregated, portfolio *types.Portfolio) float64 {
	threshold := e.cfg.MinConfidence
	if threshold == 0 {
		threshold = 0.65
	}
	if !e.cfg.AdaptiveThreshold {
		return threshold
	}

	switch aggregated.Agreement {
	case types.AgreementWeak:
		threshold += 0.05
	case types.AgreementMixed:
		threshold += 0.10
	}

	if portfolio.DailyPnLPct.InexactFloat64() < -2 {
		threshold += 0.10
	}
	if e.consecutiveLosses >= 3 {
		threshold += 0.05 * float64(e.consecutiveLosses-2)
	}
	if e.consecutiveWins >= 5 {
		threshold += 0.02
	}

	return math.Min(threshold, 0.90)
}

// determineDecisionType applies the horizon-aware decision rule.
func (e *Engine) determineDecisionType(aggregated *signals.Aggregated, threshold float64, portfolio *types.Portfolio, symbol string) types.DecisionType {
	score := aggregated.WeightedScore
	confidence := aggregated.Confidence
	ht := e.thresholds()

	position := portfolio.Positions[symbol]
	hasQuantity := position != nil && position.Quantity.IsPositive()
	hasLong := hasQuantity && !position.IsShort()
	hasShort := hasQuantity && position.IsShort()

	// Engine-driven closes respect the minimum holding floor; SL/TP sweeps
	// bypass the engine entirely.
	if (hasLong || hasShort) && position.OpenedAt != "" {
		openedAt := position.OpenedAtTime()
		if !openedAt.IsZero() {
			held := e.now().UTC().Sub(openedAt)
			if held < e.cfg.TradingHorizon.MinHolding() {
				return types.DecisionHold
			}
		}
	}

	if confidence < threshold {
		return types.DecisionSkip
	}

	if e.cfg.RequireMultipleConfirmation {
		if aggregated.Agreement.Level() < e.cfg.MinSignalAgreement.Level() {
			return types.DecisionSkip
		}
	}

	switch {
	case hasLong:
		if score < ht.sellStrong {
			return types.DecisionSell
		}
		if score < ht.sellWeak {
			return types.DecisionClose
		}
		return types.DecisionHold

	case hasShort:
		// Inverse thresholds: a rising score is bad for a short.
		if score > -ht.sellStrong {
			return types.DecisionClose
		}
		if score > -ht.sellWeak {
			return types.DecisionClose
		}
		return types.DecisionHold

	default:
		if score > ht.buyStrong {
			return types.DecisionBuy
		}
		if score > 0 {
			if confidence > threshold+0.10 {
				return types.DecisionBuy
			}
			return types.DecisionHold
		}
		if score < ht.shortTrigger {
			if e.cfg.AllowShortSelling && e.canOpenShort(portfolio) {
				return types.DecisionShort
			}
			return types.DecisionHold
		}
		if score < ht.shortTrigger+0.10 {
			if e.cfg.AllowShortSelling && confidence > threshold+0.15 && e.canOpenShort(portfolio) {
				return types.DecisionShort
			}
			return types.DecisionHold
		}
		return types.DecisionHold
	}
}

func (e *Engine) thresholds() horizonThresholds {
	if ht, ok := thresholdTable[e.cfg.TradingHorizon]; ok {
		return ht
	}
	return thresholdTable[types.HorizonDay]
}

// canOpenShort enforces the short quota: position count and exposure share,
// both derived from the side field rather than the quantity sign.
func (e *Engine) canOpenShort(portfolio *types.Portfolio) bool {
	maxShorts := e.cfg.MaxShortPositions
	if maxShorts == 0 {
		maxShorts = 3
	}
	if portfolio.ShortCount() >= maxShorts {
		return false
	}

	totalValue := portfolio.TotalValue.InexactFloat64()
	if totalValue <= 0 {
		totalValue = e.cfg.InitialBudget
	}
	maxExposure := e.cfg.MaxShortExposure
	if maxExposure == 0 {
		maxExposure = 0.30
	}
	return portfolio.ShortExposure().InexactFloat64()/totalValue <= maxExposure
}

// positionSize computes the dollar size and whole-share quantity for an
// opening or reversing decision. Shorts are 30% smaller and return negative
// quantity.
func (e *Engine) positionSize(decisionType types.DecisionType, currentPrice, confidence float64, portfolio *types.Portfolio, market *types.MarketData) (float64, int64) {
	switch decisionType {
	case types.DecisionBuy, types.DecisionSell, types.DecisionShort:
	default:
		return 0, 0
	}
	if currentPrice <= 0 {
		return 0, 0
	}

	budget := e.cfg.InitialBudget
	fixedPct := e.cfg.FixedPositionPercent
	if fixedPct == 0 {
		fixedPct = 0.10
	}
	cash := portfolio.Cash.InexactFloat64()
	if cash == 0 && len(portfolio.Positions) == 0 {
		cash = budget
	}

	var size float64
	switch e.cfg.PositionSizing {
	case "kelly":
		winProb := (confidence + 1) / 2
		lossProb := 1 - winProb
		const winLossRatio = 2.0
		kelly := (winProb*winLossRatio - lossProb) / winLossRatio
		kellyFraction := e.cfg.KellyFraction
		if kellyFraction == 0 {
			kellyFraction = 0.25
		}
		size = budget * math.Max(0, kelly) * kellyFraction

	case "volatility":
		size = e.volatilitySize(budget, fixedPct, confidence, currentPrice, market)

	default: // fixed
		size = budget * fixedPct
	}

	// Loss streaks shrink the trade before any drawdown scaling.
	if e.consecutiveLosses >= 3 {
		shrink := 1 - 0.15*float64(e.consecutiveLosses-2)
		size *= math.Max(0.4, shrink)
	}

	if decisionType == types.DecisionShort {
		size *= 0.7
	}

	size = math.Min(size, cash*0.95)
	size = math.Min(size, budget*e.cfg.MaxPositionSize)

	quantity := int64(size / currentPrice)
	if decisionType == types.DecisionShort {
		quantity = -quantity
	}
	return math.Abs(float64(quantity)) * currentPrice, quantity
}

// volatilitySize sizes inversely to ATR: calm markets carry larger
// positions. Without market data it falls back to confidence-scaled fixed
// sizing.
func (e *Engine) volatilitySize(budget, fixedPct, confidence, currentPrice float64, market *types.MarketData) float64 {
	base := budget * fixedPct
	if market == nil || len(market.Bars) < 15 || currentPrice <= 0 {
		return base * confidence
	}

	highs := make([]float64, len(market.Bars))
	lows := make([]float64, len(market.Bars))
	closes := make([]float64, len(market.Bars))
	for i, b := range market.Bars {
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
	}
	atr := utils.Last(talib.Atr(highs, lows, closes, 14), 0)
	if atr <= 0 {
		return base * confidence
	}

	// 2% ATR is the neutral point; factor bounded to keep sizes sane.
	atrFrac := atr / currentPrice
	factor := utils.Clamp(0.02/atrFrac, 0.25, 2.0)
	return base * factor
}

// stopLossTakeProfit derives protective levels for opening decisions; the
// sides invert for shorts.
func (e *Engine) stopLossTakeProfit(decisionType types.DecisionType, currentPrice float64) (*float64, *float64) {
	if !decisionType.Opens() || currentPrice <= 0 {
		return nil, nil
	}

	var stopLoss, takeProfit *float64
	switch decisionType {
	case types.DecisionBuy:
		if e.cfg.UseStopLoss {
			stopLoss = utils.FloatPtr(currentPrice * (1 - e.cfg.StopLossPct))
		}
		if e.cfg.UseTakeProfit {
			takeProfit = utils.FloatPtr(currentPrice * (1 + e.cfg.TakeProfitPct))
		}
	case types.DecisionShort:
		if e.cfg.UseStopLoss {
			stopLoss = utils.FloatPtr(currentPrice * (1 + e.cfg.StopLossPct))
		}
		if e.cfg.UseTakeProfit {
			takeProfit = utils.FloatPtr(currentPrice * (1 - e.cfg.TakeProfitPct))
		}
	}
	return stopLoss, takeProfit
}

// buildReasoning assembles the full decision tree logged to the backend.
func (e *Engine) buildReasoning(aggregated *signals.Aggregated, threshold float64, riskResult *risk.Result, portfolio *types.Portfolio) map[string]any {
	return map[string]any{
		"weighted_score": aggregated.WeightedScore,
		"threshold":      threshold,
		"confidence":     aggregated.Confidence,
		"agreement":      string(aggregated.Agreement),
		"signals": map[string]any{
			"ml": map[string]any{
				"score": aggregated.ML.Score, "weight": e.cfg.MLWeight, "details": aggregated.ML.Details,
			},
			"rl": map[string]any{
				"score": aggregated.RL.Score, "weight": e.cfg.RLWeight, "details": aggregated.RL.Details,
			},
			"sentiment": map[string]any{
				"score": aggregated.Sentiment.Score, "weight": e.cfg.SentimentWeight, "details": aggregated.Sentiment.Details,
			},
			"technical": map[string]any{
				"score": aggregated.Technical.Score, "weight": e.cfg.TechnicalWeight, "details": aggregated.Technical.Details,
			},
		},
		"risk_checks": map[string]any{
			"passed":       riskResult.AllPassed,
			"passed_count": riskResult.PassedCount,
			"total_count":  riskResult.TotalCount,
			"checks":       riskResult.Checks,
		},
		"portfolio": map[string]any{
			"cash":            portfolio.Cash.InexactFloat64(),
			"total_value":     portfolio.TotalValue.InexactFloat64(),
			"positions_count": portfolio.PositionsCount,
			"daily_pnl_pct":   portfolio.DailyPnLPct.InexactFloat64(),
		},
	}
}

func (e *Engine) summary(symbol string, decisionType types.DecisionType, aggregated *signals.Aggregated, riskResult *risk.Result) string {
	switch decisionType {
	case types.DecisionSkip:
		reason := "weak agreement"
		if aggregated.Confidence < e.cfg.MinConfidence {
			reason = "low confidence"
		}
		return fmt.Sprintf("%s: Skip - %s", symbol, reason)
	case types.DecisionBuy:
		if riskResult.AllPassed {
			return fmt.Sprintf("%s: BUY - Strong bullish signals (%s agreement, %.0f%% confidence)",
				symbol, aggregated.Agreement, aggregated.Confidence*100)
		}
		return fmt.Sprintf("%s: BUY blocked - Risk checks failed", symbol)
	case types.DecisionShort:
		if riskResult.AllPassed {
			return fmt.Sprintf("%s: SHORT - Strong bearish signals (%s agreement, %.0f%% confidence)",
				symbol, aggregated.Agreement, aggregated.Confidence*100)
		}
		return fmt.Sprintf("%s: SHORT blocked - Risk checks failed", symbol)
	case types.DecisionSell:
		return fmt.Sprintf("%s: SELL - Closing long position due to bearish signals (%s agreement)", symbol, aggregated.Agreement)
	case types.DecisionClose:
		return fmt.Sprintf("%s: CLOSE position - Weak opposing signal", symbol)
	}
	return fmt.Sprintf("%s: HOLD - No strong signal", symbol)
}

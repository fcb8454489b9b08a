package policy

import (
	"fmt"
	"math/rand"
	"sort"

	tradeenv "github.com/atlas-desktop/rl-trader/internal/env"
	"github.com/atlas-desktop/rl-trader/internal/indicators"
	"github.com/atlas-desktop/rl-trader/pkg/types"
)

// Signal is a single inference result from a trained agent.
type Signal struct {
	Signal              string              `json:"signal"` // buy, sell, hold
	Action              string              `json:"action"`
	Strength            types.SignalStrength `json:"strength"`
	Confidence          float64             `json:"confidence"`
	ActionProbabilities map[string]float64  `json:"action_probabilities"`
	AgentName           string              `json:"agent_name"`
	AgentStyle          types.TradingStyle  `json:"agent_style"`
	HoldingPeriod       types.HoldingPeriod `json:"holding_period"`
}

// FeatureImpact is one entry of the perturbation-based explanation.
type FeatureImpact struct {
	Feature string  `json:"feature"`
	Impact  float64 `json:"impact"` // |Δ probability of chosen action| in percent
}

// BacktestResult is a sequential run of a trained agent over a full frame.
type BacktestResult struct {
	AgentName           string                 `json:"agent_name"`
	TotalSteps          int                    `json:"total_steps"`
	TotalReward         float64                `json:"total_reward"`
	FinalPortfolioValue float64                `json:"final_portfolio_value"`
	ReturnPct           float64                `json:"return_pct"`
	TotalTrades         int                    `json:"total_trades"`
	WinRate             float64                `json:"win_rate"`
	MaxDrawdown         float64                `json:"max_drawdown"`
	SharpeRatio         float64                `json:"sharpe_ratio"`
	SortinoRatio        float64                `json:"sortino_ratio"`
	CalmarRatio         float64                `json:"calmar_ratio"`
	ProfitFactor        float64                `json:"profit_factor"`
	TotalFeesPaid       float64                `json:"total_fees_paid"`
	BenchmarkReturnPct  float64                `json:"benchmark_return_pct"`
	AlphaPct            float64                `json:"alpha_pct"`
	EquityCurve         []EquityPoint          `json:"equity_curve"`
	TradeHistory        []tradeenv.TradeRecord `json:"trade_history"`
}

// EquityPoint is one sample of the backtest equity curve.
type EquityPoint struct {
	Step           int     `json:"step"`
	PortfolioValue float64 `json:"portfolio_value"`
	Cash           float64 `json:"cash"`
	ReturnPct      float64 `json:"return_pct"`
}

// portfolioFeatureNames label the trailing observation scalars for the
// feature-importance report.
var portfolioFeatureNames = []string{
	"cash_ratio", "long_position_ratio", "short_position_ratio",
	"unrealized_pnl_ratio", "holding_time_ratio", "current_drawdown", "is_short",
}

// resolveConfig picks the caller's config, the persisted one, or defaults.
func (t *Trainer) resolveConfig(agentName string, override *types.AgentConfig) types.AgentConfig {
	if override != nil {
		return *override
	}
	if meta := t.registry.Metadata(agentName); meta != nil {
		return meta.Config
	}
	cfg := types.DefaultAgentConfig(agentName)
	cfg.LookbackWindow = t.settings.DefaultLookbackWindow
	return cfg
}

// inferenceSetup builds the inference environment and the frozen normaliser
// for an agent over recent bars.
func (t *Trainer) inferenceSetup(agentName string, bars []types.Bar, cfg types.AgentConfig) (Network, *tradeenv.Env, *Normalizer, error) {
	net, err := t.loadNetwork(agentName)
	if err != nil {
		return nil, nil, nil, err
	}

	frame, err := indicators.Compute(bars)
	if err != nil {
		return nil, nil, nil, err
	}
	e, err := tradeenv.New(frame, cfg, tradeenv.Options{
		InferenceMode: true,
		Rand:          rand.New(rand.NewSource(1)),
	})
	if err != nil {
		return nil, nil, nil, err
	}

	var norm *Normalizer
	if fileExists(t.registry.NormalizerPath(agentName)) {
		norm, err = LoadNormalizer(t.registry.NormalizerPath(agentName))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load normaliser for %s: %w", agentName, err)
		}
	} else {
		norm = NewNormalizer(e.ObservationDim(), 1, cfg.Gamma)
		norm.Training = false
		norm.NormReward = false
	}
	return net, e, norm, nil
}

// GetTradingSignal runs deterministic inference at the latest bar and maps
// the chosen action to a directional signal with its probability as
// confidence.
func (t *Trainer) GetTradingSignal(agentName string, bars []types.Bar, override *types.AgentConfig) (*Signal, error) {
	cfg := t.resolveConfig(agentName, override)
	net, e, norm, err := t.inferenceSetup(agentName, bars, cfg)
	if err != nil {
		return nil, err
	}

	obs, _ := e.Reset(false)
	action, probs := predictNet(net, norm.NormalizeObs(obs))

	probMap := make(map[string]float64, len(probs))
	for i, p := range probs {
		probMap[tradeenv.Action(i).String()] = p
	}

	signal, strength := signalFor(tradeenv.Action(action))
	return &Signal{
		Signal:              signal,
		Action:              tradeenv.Action(action).String(),
		Strength:            strength,
		Confidence:          probs[action],
		ActionProbabilities: probMap,
		AgentName:           agentName,
		AgentStyle:          cfg.TradingStyle,
		HoldingPeriod:       cfg.HoldingPeriod,
	}, nil
}

// signalFor maps an environment action onto the signal vocabulary. Short
// actions read as sells and covers as buys so the aggregator sees a
// direction either way.
func signalFor(action tradeenv.Action) (string, types.SignalStrength) {
	switch action {
	case tradeenv.ActionBuySmall, tradeenv.ActionCoverSmall:
		return "buy", types.StrengthWeak
	case tradeenv.ActionBuyMedium, tradeenv.ActionCoverMedium:
		return "buy", types.StrengthModerate
	case tradeenv.ActionBuyLarge, tradeenv.ActionCoverAll:
		return "buy", types.StrengthStrong
	case tradeenv.ActionSellSmall, tradeenv.ActionShortSmall:
		return "sell", types.StrengthWeak
	case tradeenv.ActionSellMedium, tradeenv.ActionShortMedium:
		return "sell", types.StrengthModerate
	case tradeenv.ActionSellAll, tradeenv.ActionShortLarge:
		return "sell", types.StrengthStrong
	}
	return "hold", types.StrengthNeutral
}

// FeatureImportance perturbs each input feature of the latest observation
// and reports the topN features by change in the chosen action's
// probability.
func (t *Trainer) FeatureImportance(agentName string, bars []types.Bar, topN int) ([]FeatureImpact, error) {
	cfg := t.resolveConfig(agentName, nil)
	net, e, norm, err := t.inferenceSetup(agentName, bars, cfg)
	if err != nil {
		return nil, err
	}

	rawObs, _ := e.Reset(false)
	action, probs := predictNet(net, norm.NormalizeObs(rawObs))
	baseProb := probs[action]

	window := e.WindowSize()
	numFeatures := e.NumFeatures()
	temporalSize := window * numFeatures

	perturb := func(idx int, fallback float64) float64 {
		perturbed := append([]float64(nil), rawObs...)
		if absFloat(perturbed[idx]) > 0.001 {
			perturbed[idx] *= 2.0
		} else {
			perturbed[idx] = fallback
		}
		_, newProbs := predictNet(net, norm.NormalizeObs(perturbed))
		return absFloat(newProbs[action]-baseProb) * 100
	}

	impacts := make([]FeatureImpact, 0, numFeatures+tradeenv.NumPortfolioFeatures)

	// Market features: perturb the latest timestep of each column.
	featureNames := indicators.FeatureColumns
	for i := 0; i < numFeatures && i < len(featureNames); i++ {
		idx := (window-1)*numFeatures + i
		if idx >= temporalSize {
			break
		}
		impacts = append(impacts, FeatureImpact{
			Feature: featureNames[i],
			Impact:  perturb(idx, 0.1),
		})
	}

	// Portfolio features follow the temporal block.
	for i, name := range portfolioFeatureNames {
		idx := temporalSize + i
		if idx >= len(rawObs) {
			break
		}
		impacts = append(impacts, FeatureImpact{
			Feature: name,
			Impact:  perturb(idx, 0.5),
		})
	}

	sort.Slice(impacts, func(i, j int) bool { return impacts[i].Impact > impacts[j].Impact })
	if topN > 0 && len(impacts) > topN {
		impacts = impacts[:topN]
	}
	return impacts, nil
}

// Backtest runs the agent sequentially from the start of the frame and
// returns the final metrics with the last 100 equity-curve points and the
// last 50 trades.
func (t *Trainer) Backtest(agentName string, bars []types.Bar, overrideCfg *types.AgentConfig) (*BacktestResult, error) {
	cfg := t.resolveConfig(agentName, overrideCfg)

	net, err := t.loadNetwork(agentName)
	if err != nil {
		return nil, err
	}
	frame, err := indicators.Compute(bars)
	if err != nil {
		return nil, err
	}
	e, err := tradeenv.New(frame, cfg, tradeenv.Options{
		Rand: rand.New(rand.NewSource(7)),
	})
	if err != nil {
		return nil, err
	}

	var norm *Normalizer
	if fileExists(t.registry.NormalizerPath(agentName)) {
		norm, err = LoadNormalizer(t.registry.NormalizerPath(agentName))
		if err != nil {
			return nil, err
		}
	} else {
		norm = NewNormalizer(e.ObservationDim(), 1, cfg.Gamma)
		norm.Training = false
		norm.NormReward = false
	}

	obs, _ := e.Reset(false)
	total := 0.0
	step := 0
	var curve []EquityPoint
	var last tradeenv.Info
	for {
		action, _ := predictNet(net, norm.NormalizeObs(obs))
		next, reward, done, info := e.Step(tradeenv.Action(action))
		total += reward
		step++
		curve = append(curve, EquityPoint{
			Step:           step,
			PortfolioValue: info.PortfolioValue,
			Cash:           info.Cash,
			ReturnPct:      info.ReturnPct,
		})
		obs = next
		last = info
		if done {
			break
		}
	}

	if len(curve) > 100 {
		curve = curve[len(curve)-100:]
	}
	history := e.TradeHistory()
	if len(history) > 50 {
		history = history[len(history)-50:]
	}

	return &BacktestResult{
		AgentName:           agentName,
		TotalSteps:          step,
		TotalReward:         total,
		FinalPortfolioValue: last.PortfolioValue,
		ReturnPct:           last.ReturnPct,
		TotalTrades:         last.TotalTrades,
		WinRate:             last.WinRate,
		MaxDrawdown:         last.MaxDrawdown,
		SharpeRatio:         last.SharpeRatio,
		SortinoRatio:        last.SortinoRatio,
		CalmarRatio:         last.CalmarRatio,
		ProfitFactor:        last.ProfitFactor,
		TotalFeesPaid:       last.TotalFeesPaid,
		BenchmarkReturnPct:  last.BenchmarkReturnPct,
		AlphaPct:            last.AlphaPct,
		EquityCurve:         curve,
		TradeHistory:        history,
	}, nil
}

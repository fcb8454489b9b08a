package env

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat"

	"github.com/atlas-desktop/rl-trader/internal/indicators"
	"github.com/atlas-desktop/rl-trader/pkg/types"
	"github.com/atlas-desktop/rl-trader/pkg/utils"
)

// NumPortfolioFeatures is the count of portfolio state features appended to
// every observation: cash_ratio, long_position_ratio, short_position_ratio,
// unrealized_pnl_ratio, holding_time_ratio, current_drawdown, is_short.
const NumPortfolioFeatures = 7

// minTradeValue is the smallest cash amount an open action will commit.
const minTradeValue = 100.0

// Options tune a single environment instance beyond the agent config.
type Options struct {
	// InferenceMode starts episodes at the last bar for signal extraction.
	InferenceMode bool
	// RewardWeights overrides the default reward parameterisation.
	RewardWeights *RewardWeights
	// Rand is the random source for slippage jitter and episode starts.
	// A shared default source is used when nil.
	Rand *rand.Rand
}

// TradeRecord is one executed round-trip leg in the simulator.
type TradeRecord struct {
	Step        int     `json:"step"`
	Action      string  `json:"action"`
	Shares      int64   `json:"shares"`
	Price       float64 `json:"price"`
	Profit      float64 `json:"profit"`
	HoldingTime int     `json:"holding_time"`
}

// Info is the diagnostic snapshot returned by Reset and Step.
type Info struct {
	Step           int     `json:"step"`
	Cash           float64 `json:"cash"`
	SharesHeld     int64   `json:"shares_held"`
	SharesShorted  int64   `json:"shares_shorted"`
	PortfolioValue float64 `json:"portfolio_value"`
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	WinRate        float64 `json:"win_rate"`
	TotalProfit    float64 `json:"total_profit"`
	TotalFeesPaid  float64 `json:"total_fees_paid"`
	FeeImpactPct   float64 `json:"fee_impact_pct"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	ReturnPct      float64 `json:"return_pct"`

	SharpeRatio        float64 `json:"sharpe_ratio"`
	SortinoRatio       float64 `json:"sortino_ratio"`
	CalmarRatio        float64 `json:"calmar_ratio"`
	ProfitFactor       float64 `json:"profit_factor"`
	AvgWin             float64 `json:"avg_win"`
	AvgLoss            float64 `json:"avg_loss"`
	BenchmarkReturnPct float64 `json:"benchmark_return_pct"`
	AlphaPct           float64 `json:"alpha_pct"`
}

// Env simulates trading a single symbol over a feature frame with long and
// short positions, transaction costs, slippage and a risk-adjusted reward.
type Env struct {
	frame  *indicators.Frame
	config types.AgentConfig
	rw     RewardWeights
	rng    *rand.Rand

	inferenceMode      bool
	enableShortSelling bool
	slippageModel      string
	slippageBps        float64

	initialBalance  float64
	maxPositionSize float64
	stopLossPct     float64
	takeProfitPct   float64
	trailingStop    bool
	trailingDist    float64

	flatFee       float64
	percentageFee float64
	minFee        float64
	maxFee        float64
	exchangeFee   float64
	spreadPct     float64

	targetHolding  int
	riskMultiplier float64
	windowSize     int
	numFeatures    int
	numActions     int

	// Episode state
	currentStep int
	startStep   int

	cash              float64
	sharesHeld        int64
	entryPrice        float64
	highestSinceEntry float64
	holdingTime       int

	sharesShorted    int64
	shortEntryPrice  float64
	lowestSinceShort float64
	shortHoldingTime int
	shortCollateral  float64

	totalTrades   int
	winningTrades int
	losingTrades  int
	totalProfit   float64
	totalFeesPaid float64
	maxDrawdown   float64
	peakValue     float64

	dailyReturns    []float64
	portfolioValues []float64
	tradeProfits    []float64
	tradeHistory    []TradeRecord

	benchmarkStartPrice float64
}

// New creates an environment over a prepared feature frame.
func New(frame *indicators.Frame, cfg types.AgentConfig, opts Options) (*Env, error) {
	for _, col := range []string{"open", "high", "low", "close", "volume"} {
		if !frame.Has(col) {
			return nil, fmt.Errorf("frame missing required column: %s", col)
		}
	}
	if frame.Len() < 100 {
		return nil, fmt.Errorf("frame must have at least 100 rows, got %d", frame.Len())
	}

	rw := DefaultRewardWeights()
	if opts.RewardWeights != nil {
		rw = *opts.RewardWeights
	}

	window := cfg.LookbackWindow
	if window <= 0 {
		window = 60
	}

	fees := FeesFor(cfg.BrokerProfile)

	stopLoss := cfg.StopLossPct
	if stopLoss <= 0 {
		stopLoss = 0.05
	}
	takeProfit := cfg.TakeProfitPct
	if takeProfit <= 0 {
		takeProfit = 0.10
	}

	slippageModel := cfg.SlippageModel
	if slippageModel == "" {
		slippageModel = "proportional"
	}
	slippageBps := cfg.SlippageBps
	if slippageBps == 0 {
		slippageBps = 5.0
	}

	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	numActions := NumActionsLong
	if cfg.EnableShortSelling {
		numActions = NumActionsShort
	}

	e := &Env{
		frame:              frame,
		config:             cfg,
		rw:                 rw,
		rng:                rng,
		inferenceMode:      opts.InferenceMode,
		enableShortSelling: cfg.EnableShortSelling,
		slippageModel:      slippageModel,
		slippageBps:        slippageBps,
		initialBalance:     cfg.InitialBalance,
		maxPositionSize:    cfg.MaxPositionSize,
		stopLossPct:        stopLoss,
		takeProfitPct:      takeProfit,
		trailingStop:       cfg.TrailingStop,
		trailingDist:       cfg.TrailingStopDistance,
		flatFee:            fees.FlatFee,
		percentageFee:      fees.PercentageFee / 100,
		minFee:             fees.MinFee,
		maxFee:             fees.MaxFee,
		exchangeFee:        fees.ExchangeFee,
		spreadPct:          fees.SpreadPercent / 100,
		targetHolding:      cfg.HoldingPeriod.TargetSteps(),
		riskMultiplier:     cfg.RiskProfile.Multiplier(),
		windowSize:         window,
		numFeatures:        frame.NumFeatures(),
		numActions:         numActions,
	}
	e.Reset(true)
	return e, nil
}

// NumActions returns the size of the discrete action space.
func (e *Env) NumActions() int { return e.numActions }

// ObservationDim returns the flattened observation width.
func (e *Env) ObservationDim() int { return e.windowSize*e.numFeatures + NumPortfolioFeatures }

// WindowSize returns the lookback window length.
func (e *Env) WindowSize() int { return e.windowSize }

// NumFeatures returns the per-bar feature count.
func (e *Env) NumFeatures() int { return e.numFeatures }

// TradeHistory returns the episode's executed trades.
func (e *Env) TradeHistory() []TradeRecord { return e.tradeHistory }

// SetRewardWeights replaces the reward parameterisation. Used by the
// curriculum callback between phases.
func (e *Env) SetRewardWeights(rw RewardWeights) { e.rw = rw }

// RewardWeightsSnapshot returns a copy of the current weights.
func (e *Env) RewardWeightsSnapshot() RewardWeights { return e.rw }

// Reset starts a new episode. Inference mode starts at the last bar; training
// mode picks a random start when randomStart is set and the frame allows it.
func (e *Env) Reset(randomStart bool) ([]float64, Info) {
	minStart := e.windowSize
	maxStart := e.frame.Len() - e.windowSize - 100

	switch {
	case e.inferenceMode:
		e.currentStep = e.frame.Len() - 1
	case randomStart && maxStart > minStart:
		e.currentStep = minStart + e.rng.Intn(maxStart-minStart)
	default:
		e.currentStep = minStart
	}

	e.cash = e.initialBalance
	e.sharesHeld = 0
	e.entryPrice = 0
	e.highestSinceEntry = 0
	e.holdingTime = 0

	e.sharesShorted = 0
	e.shortEntryPrice = 0
	e.lowestSinceShort = 0
	e.shortHoldingTime = 0
	e.shortCollateral = 0

	e.totalTrades = 0
	e.winningTrades = 0
	e.losingTrades = 0
	e.totalProfit = 0
	e.totalFeesPaid = 0
	e.maxDrawdown = 0
	e.peakValue = e.initialBalance

	e.dailyReturns = e.dailyReturns[:0]
	e.portfolioValues = append(e.portfolioValues[:0], e.initialBalance)
	e.tradeProfits = e.tradeProfits[:0]
	e.tradeHistory = e.tradeHistory[:0]

	e.benchmarkStartPrice = e.closeAt(e.currentStep)
	e.startStep = e.currentStep

	return e.observation(), e.info()
}

// Step executes one action and advances the simulation by one bar.
func (e *Env) Step(action Action) ([]float64, float64, bool, Info) {
	price := e.closeAt(e.currentStep)
	prevValue := e.portfolioValue(price)
	reward := 0.0
	feesBefore := e.totalFeesPaid

	e.execute(action, price)

	if e.sharesHeld > 0 {
		e.holdingTime++
		if price > e.highestSinceEntry {
			e.highestSinceEntry = price
		}
	}
	if e.sharesShorted > 0 {
		e.shortHoldingTime++
		if price < e.lowestSinceShort {
			e.lowestSinceShort = price
		}
	}

	reward += e.checkLongExits(price)
	reward += e.checkShortExits(price)

	e.currentStep++
	nextIdx := e.currentStep
	if nextIdx > e.frame.Len()-1 {
		nextIdx = e.frame.Len() - 1
	}
	newPrice := e.closeAt(nextIdx)
	value := e.portfolioValue(newPrice)

	stepReturn := 0.0
	if prevValue > 0 {
		stepReturn = (value - prevValue) / prevValue
	}
	e.dailyReturns = append(e.dailyReturns, stepReturn)
	e.portfolioValues = append(e.portfolioValues, value)

	if value > e.peakValue {
		e.peakValue = value
	}
	drawdown := 0.0
	if e.peakValue > 0 {
		drawdown = (e.peakValue - value) / e.peakValue
	}
	if drawdown > e.maxDrawdown {
		e.maxDrawdown = drawdown
	}

	reward += e.stepReward(stepReturn, drawdown, e.totalFeesPaid-feesBefore)

	done := e.currentStep >= e.frame.Len()-1
	if done {
		reward += e.episodeEndReward(newPrice)
	}

	return e.observation(), reward, done, e.info()
}

// execute applies the trading action at the given price.
func (e *Env) execute(action Action, price float64) {
	switch {
	case action == ActionHold:

	case action >= ActionBuySmall && action <= ActionBuyLarge:
		frac := math.Min(buyFraction(action)*e.riskMultiplier, e.maxPositionSize)
		amount := e.cash * frac
		if amount <= minTradeValue {
			return
		}
		execPrice := e.executionPrice(price, amount, true)
		shares := int64(amount / execPrice)
		if shares <= 0 {
			return
		}
		cost := float64(shares) * execPrice
		fee := e.transactionCost(cost)
		if cost+fee > e.cash {
			return
		}
		e.cash -= cost + fee
		if e.sharesHeld == 0 {
			e.entryPrice = execPrice
			e.highestSinceEntry = price
		} else {
			total := e.sharesHeld + shares
			e.entryPrice = (e.entryPrice*float64(e.sharesHeld) + execPrice*float64(shares)) / float64(total)
		}
		e.sharesHeld += shares
		e.holdingTime = 0

	case action >= ActionSellSmall && action <= ActionSellAll:
		if e.sharesHeld <= 0 {
			return
		}
		frac := sellFraction(action)
		shares := int64(float64(e.sharesHeld) * frac)
		if frac == 1.0 {
			shares = e.sharesHeld
		}
		e.closeLong(shares, price)

	case e.enableShortSelling && action >= ActionShortSmall && action <= ActionShortLarge:
		frac := math.Min(buyFraction(action)*e.riskMultiplier, e.maxPositionSize)
		amount := e.cash * frac
		if amount <= minTradeValue {
			return
		}
		execPrice := e.executionPrice(price, amount, false)
		shares := int64(amount / execPrice)
		if shares <= 0 {
			return
		}
		collateral := float64(shares) * execPrice
		fee := e.transactionCost(collateral)
		if collateral+fee > e.cash {
			return
		}
		e.cash -= collateral + fee
		e.shortCollateral += collateral
		if e.sharesShorted == 0 {
			e.shortEntryPrice = execPrice
			e.lowestSinceShort = price
		} else {
			total := e.sharesShorted + shares
			e.shortEntryPrice = (e.shortEntryPrice*float64(e.sharesShorted) + execPrice*float64(shares)) / float64(total)
		}
		e.sharesShorted += shares
		e.shortHoldingTime = 0

	case e.enableShortSelling && action >= ActionCoverSmall && action <= ActionCoverAll:
		if e.sharesShorted <= 0 {
			return
		}
		frac := sellFraction(action)
		shares := int64(float64(e.sharesShorted) * frac)
		if frac == 1.0 {
			shares = e.sharesShorted
		}
		e.closeShort(shares, price)
	}
}

// closeLong sells shares of the long position at the current price.
func (e *Env) closeLong(shares int64, price float64) {
	if shares <= 0 || e.sharesHeld <= 0 {
		return
	}
	if shares > e.sharesHeld {
		shares = e.sharesHeld
	}
	tradeValue := float64(shares) * price
	execPrice := e.executionPrice(price, tradeValue, false)
	revenue := float64(shares) * execPrice
	fee := e.transactionCost(revenue)
	profit := revenue - fee - float64(shares)*e.entryPrice
	e.recordTrade("sell", shares, execPrice, profit, e.holdingTime)
	e.cash += revenue - fee
	e.sharesHeld -= shares
	if e.sharesHeld == 0 {
		e.holdingTime = 0
		e.entryPrice = 0
	}
}

// closeShort covers shares of the short position at the current price.
func (e *Env) closeShort(shares int64, price float64) {
	if shares <= 0 || e.sharesShorted <= 0 {
		return
	}
	if shares > e.sharesShorted {
		shares = e.sharesShorted
	}
	tradeValue := float64(shares) * price
	execPrice := e.executionPrice(price, tradeValue, true)
	fee := e.transactionCost(float64(shares) * execPrice)
	profit := (e.shortEntryPrice-execPrice)*float64(shares) - fee
	e.recordTrade("cover", shares, execPrice, profit, e.shortHoldingTime)

	collateralReturn := e.shortCollateral
	if e.sharesShorted > 0 {
		collateralReturn = e.shortCollateral * (float64(shares) / float64(e.sharesShorted))
	}
	e.cash += collateralReturn + profit
	e.shortCollateral -= collateralReturn
	e.sharesShorted -= shares
	if e.sharesShorted == 0 {
		e.shortHoldingTime = 0
		e.shortEntryPrice = 0
		e.shortCollateral = 0
	}
}

// checkLongExits closes the long position on stop-loss, take-profit or
// trailing-stop breach and returns the shaping reward.
func (e *Env) checkLongExits(price float64) float64 {
	if e.sharesHeld <= 0 || e.entryPrice <= 0 {
		return 0
	}
	unrealized := (price - e.entryPrice) / e.entryPrice
	if e.trailingStop {
		if e.highestSinceEntry > 0 {
			trail := (price - e.highestSinceEntry) / e.highestSinceEntry
			if trail < -e.trailingDist {
				e.closeLong(e.sharesHeld, price)
				return -e.rw.TrailingStopPenalty
			}
		}
	}
	if unrealized <= -e.stopLossPct {
		e.closeLong(e.sharesHeld, price)
		return -e.rw.StopLossPenalty
	}
	if unrealized >= e.takeProfitPct {
		e.closeLong(e.sharesHeld, price)
		return e.rw.TakeProfitBonus
	}
	return 0
}

// checkShortExits mirrors checkLongExits for the short side.
func (e *Env) checkShortExits(price float64) float64 {
	if e.sharesShorted <= 0 || e.shortEntryPrice <= 0 {
		return 0
	}
	shortReturn := (e.shortEntryPrice - price) / e.shortEntryPrice
	if shortReturn <= -e.stopLossPct {
		e.closeShort(e.sharesShorted, price)
		return -e.rw.StopLossPenalty
	}
	if shortReturn >= e.takeProfitPct {
		e.closeShort(e.sharesShorted, price)
		return e.rw.TakeProfitBonus
	}
	return 0
}

// stepReward computes the per-step shaping reward.
func (e *Env) stepReward(stepReturn, drawdown, feesThisStep float64) float64 {
	reward := 0.0

	if e.rw.UseSharpeReward && len(e.dailyReturns) > 10 {
		recent := e.dailyReturns
		if len(recent) > 20 {
			recent = recent[len(recent)-20:]
		}
		sd := utils.Std(recent)
		if sd > 1e-8 {
			reward += (stepReturn / sd) * e.rw.SharpeScale
		} else {
			reward += stepReturn * e.rw.PortfolioReturnScale * e.riskMultiplier
		}
	} else {
		reward += stepReturn * e.rw.PortfolioReturnScale * e.riskMultiplier
	}

	holding := e.holdingTime
	if e.shortHoldingTime > holding {
		holding = e.shortHoldingTime
	}
	if holding > 0 && e.targetHolding > 0 {
		ratio := float64(holding) / float64(e.targetHolding)
		if ratio >= 0.5 && ratio <= 2.0 {
			reward += e.rw.HoldingInRangeBonus
		} else if ratio > 3.0 {
			reward -= e.rw.HoldingTooLongPenalty
		}
	}

	if drawdown > e.rw.DrawdownPenaltyThreshold {
		reward -= drawdown * e.rw.DrawdownPenaltyScale
	}

	if e.rw.ConsistencyBonusScale > 0 && len(e.dailyReturns) >= 10 {
		recent := e.dailyReturns[len(e.dailyReturns)-10:]
		positive := 0
		for _, r := range recent {
			if r > 0 {
				positive++
			}
		}
		ratio := float64(positive) / float64(len(recent))
		if ratio >= 0.6 && utils.Std(recent) < 0.02 {
			reward += (ratio - 0.5) * e.rw.ConsistencyBonusScale
		}
	}

	if e.rw.StepFeePenaltyScale > 0 && feesThisStep > 0 && e.initialBalance > 0 {
		reward -= (feesThisStep / e.initialBalance) * e.rw.StepFeePenaltyScale
	}
	if e.rw.OpportunityCostScale > 0 && e.sharesHeld == 0 && e.sharesShorted == 0 && stepReturn == 0 {
		idx := e.currentStep
		if idx > 0 && idx < e.frame.Len() {
			barReturn := e.frame.At(idx, "returns")
			if barReturn > 0 {
				reward -= barReturn * e.rw.OpportunityCostScale
			}
		}
	}

	return reward
}

// episodeEndReward liquidates remaining positions and scores the episode.
func (e *Env) episodeEndReward(finalPrice float64) float64 {
	reward := 0.0

	if e.sharesHeld > 0 {
		e.closeLong(e.sharesHeld, finalPrice)
	}
	if e.sharesShorted > 0 {
		e.closeShort(e.sharesShorted, finalPrice)
	}

	finalValue := e.cash
	totalReturn := 0.0
	if e.initialBalance > 0 {
		totalReturn = (finalValue - e.initialBalance) / e.initialBalance
	}

	reward += totalReturn * e.rw.EpisodeReturnScale

	grossProfit := e.totalProfit + e.totalFeesPaid
	if grossProfit > 0 {
		feeRatio := e.totalFeesPaid / grossProfit
		if feeRatio > e.rw.FeeRatioPenaltyThreshold {
			reward -= (feeRatio - e.rw.FeeRatioPenaltyThreshold) * e.rw.FeeRatioPenaltyScale
		}
	} else if e.totalTrades > 0 {
		if e.totalFeesPaid/float64(e.totalTrades) > e.initialBalance*0.001 {
			reward -= e.rw.ChurningPenalty
		}
	}

	if len(e.dailyReturns) > 10 {
		mean := stat.Mean(e.dailyReturns, nil)
		sd := utils.Std(e.dailyReturns)
		if sd > 1e-8 {
			sharpe := (mean / sd) * math.Sqrt(252)
			reward += sharpe * e.rw.RiskAdjustedScale
			var downside []float64
			for _, r := range e.dailyReturns {
				if r < 0 {
					downside = append(downside, r)
				}
			}
			if len(downside) > 0 {
				ds := utils.Std(downside)
				if ds > 1e-8 {
					sortino := (mean / ds) * math.Sqrt(252)
					if sortino > sharpe {
						reward += (sortino - sharpe) * e.rw.SortinoScale
					}
				}
			}
		} else if e.maxDrawdown > 0 {
			reward += (totalReturn / (e.maxDrawdown + 0.01)) * e.rw.RiskAdjustedScale
		}
	} else if e.maxDrawdown > 0 {
		reward += (totalReturn / (e.maxDrawdown + 0.01)) * e.rw.RiskAdjustedScale
	}

	if e.totalTrades > 0 {
		winRate := float64(e.winningTrades) / float64(e.totalTrades)
		if winRate > 0.5 {
			reward += (winRate - 0.5) * e.rw.WinRateBonusScale
		}
	}

	if e.benchmarkStartPrice > 0 {
		benchmarkReturn := (finalPrice - e.benchmarkStartPrice) / e.benchmarkStartPrice
		alpha := totalReturn - benchmarkReturn
		if alpha > 0 {
			reward += alpha * 20
		} else {
			reward += alpha * 10
		}
	}

	return reward
}

// observation builds the flattened window + portfolio feature vector. Window
// columns are min-max normalised within the window.
func (e *Env) observation() []float64 {
	start := e.currentStep - e.windowSize
	end := e.currentStep
	if start < 0 {
		start = 0
		end = e.windowSize
	}
	if end > e.frame.Len() {
		end = e.frame.Len()
		start = end - e.windowSize
	}

	rows, nf, err := e.frame.FeatureMatrix(start, end)
	if err != nil {
		return make([]float64, e.ObservationDim())
	}

	obs := make([]float64, 0, e.windowSize*nf+NumPortfolioFeatures)
	// Per-column min-max inside the window.
	for j := 0; j < nf; j++ {
		cmin, cmax := math.Inf(1), math.Inf(-1)
		for i := range rows {
			v := rows[i][j]
			if v < cmin {
				cmin = v
			}
			if v > cmax {
				cmax = v
			}
		}
		span := cmax - cmin
		for i := range rows {
			if span > 1e-8 {
				rows[i][j] = (rows[i][j] - cmin) / span
			} else {
				rows[i][j] = 0.5
			}
		}
	}
	for i := range rows {
		obs = append(obs, rows[i]...)
	}

	priceIdx := e.currentStep
	if priceIdx > e.frame.Len()-1 {
		priceIdx = e.frame.Len() - 1
	}
	price := e.closeAt(priceIdx)
	value := e.portfolioValue(price)

	cashRatio := 0.0
	if e.initialBalance > 0 {
		cashRatio = e.cash / e.initialBalance
	}
	longRatio, shortRatio := 0.0, 0.0
	if value > 0 {
		longRatio = float64(e.sharesHeld) * price / value
		shortRatio = float64(e.sharesShorted) * price / value
	}

	unrealized := 0.0
	if e.sharesHeld > 0 && e.entryPrice > 0 {
		unrealized += (price - e.entryPrice) / e.entryPrice
	}
	if e.sharesShorted > 0 && e.shortEntryPrice > 0 {
		unrealized += (e.shortEntryPrice - price) / e.shortEntryPrice
	}

	holding := e.holdingTime
	if e.shortHoldingTime > holding {
		holding = e.shortHoldingTime
	}
	holdingRatio := 0.0
	if (e.sharesHeld > 0 || e.sharesShorted > 0) && e.targetHolding > 0 {
		holdingRatio = math.Min(float64(holding)/float64(e.targetHolding), 2.0)
	}

	drawdown := 0.0
	if e.peakValue > 0 {
		drawdown = (e.peakValue - value) / e.peakValue
	}
	isShort := 0.0
	if e.sharesShorted > 0 {
		isShort = 1.0
	}

	obs = append(obs, cashRatio, longRatio, shortRatio, unrealized, holdingRatio, drawdown, isShort)
	return obs
}

// portfolioValue is cash + long value + short collateral + short P&L.
func (e *Env) portfolioValue(price float64) float64 {
	value := e.cash + float64(e.sharesHeld)*price + e.shortCollateral
	if e.sharesShorted > 0 {
		value += (e.shortEntryPrice - price) * float64(e.sharesShorted)
	}
	return value
}

// transactionCost is the clamped commission plus spread for a trade value.
func (e *Env) transactionCost(tradeValue float64) float64 {
	commission := utils.Clamp(e.flatFee+tradeValue*e.percentageFee, e.minFee, e.maxFee)
	commission += e.exchangeFee
	total := commission + tradeValue*e.spreadPct
	e.totalFeesPaid += total
	return total
}

// slippageCost models execution slippage for the configured scheme.
func (e *Env) slippageCost(tradeValue float64) float64 {
	switch e.slippageModel {
	case "none":
		return 0
	case "fixed":
		return tradeValue * (e.slippageBps / 10000)
	case "proportional":
		jitter := 1.0 + (e.rng.Float64()-0.5)*0.6
		return tradeValue * (e.slippageBps / 10000) * jitter
	case "volume":
		idx := e.currentStep
		if idx > e.frame.Len()-1 {
			idx = e.frame.Len() - 1
		}
		volume := e.frame.At(idx, "volume")
		price := e.closeAt(idx)
		impact := e.slippageBps * 2
		if volume > 0 && price > 0 {
			shares := tradeValue / price
			impact = e.slippageBps * (1 + 10*math.Sqrt(shares/volume))
		}
		return tradeValue * (impact / 10000)
	}
	return 0
}

// executionPrice shifts the base price by per-share slippage against the
// trade direction.
func (e *Env) executionPrice(basePrice, tradeValue float64, isBuy bool) float64 {
	slip := e.slippageCost(tradeValue)
	shares := math.Max(tradeValue/basePrice, 1)
	perShare := slip / shares
	if isBuy {
		return basePrice + perShare
	}
	return basePrice - perShare
}

func (e *Env) recordTrade(action string, shares int64, price, profit float64, holdingTime int) {
	e.tradeHistory = append(e.tradeHistory, TradeRecord{
		Step: e.currentStep, Action: action, Shares: shares,
		Price: price, Profit: profit, HoldingTime: holdingTime,
	})
	e.tradeProfits = append(e.tradeProfits, profit)
	e.totalProfit += profit
	e.totalTrades++
	if profit > 0 {
		e.winningTrades++
	} else if profit < 0 {
		e.losingTrades++
	}
}

func (e *Env) closeAt(idx int) float64 {
	return e.frame.At(idx, "close")
}

// info assembles the diagnostic snapshot with extended metrics.
func (e *Env) info() Info {
	idx := e.currentStep
	if idx > e.frame.Len()-1 {
		idx = e.frame.Len() - 1
	}
	price := e.closeAt(idx)
	value := e.portfolioValue(price)

	inf := Info{
		Step:           e.currentStep,
		Cash:           e.cash,
		SharesHeld:     e.sharesHeld,
		SharesShorted:  e.sharesShorted,
		PortfolioValue: value,
		TotalTrades:    e.totalTrades,
		WinningTrades:  e.winningTrades,
		LosingTrades:   e.losingTrades,
		TotalProfit:    e.totalProfit,
		TotalFeesPaid:  e.totalFeesPaid,
		MaxDrawdown:    e.maxDrawdown,
	}
	if e.totalTrades > 0 {
		inf.WinRate = float64(e.winningTrades) / float64(e.totalTrades)
	}
	if e.initialBalance > 0 {
		inf.FeeImpactPct = e.totalFeesPaid / e.initialBalance * 100
		inf.ReturnPct = (value - e.initialBalance) / e.initialBalance * 100
	}

	e.extendedMetrics(&inf, value, price)
	return inf
}

// extendedMetrics fills Sharpe, Sortino, Calmar, profit factor and the
// benchmark comparison.
func (e *Env) extendedMetrics(inf *Info, value, price float64) {
	if len(e.dailyReturns) > 5 {
		mean := stat.Mean(e.dailyReturns, nil)
		sd := utils.Std(e.dailyReturns)
		if sd > 1e-8 {
			inf.SharpeRatio = (mean / sd) * math.Sqrt(252)
		}
		var downside []float64
		for _, r := range e.dailyReturns {
			if r < 0 {
				downside = append(downside, r)
			}
		}
		if len(downside) > 0 {
			ds := utils.Std(downside)
			if ds > 1e-8 {
				inf.SortinoRatio = (mean / ds) * math.Sqrt(252)
			} else {
				inf.SortinoRatio = inf.SharpeRatio * 1.5
			}
		} else {
			inf.SortinoRatio = inf.SharpeRatio * 2.0
		}
	}

	totalReturn := 0.0
	if e.initialBalance > 0 {
		totalReturn = (value - e.initialBalance) / e.initialBalance
	}
	steps := len(e.dailyReturns)
	if steps == 0 {
		steps = 1
	}
	annualised := totalReturn * (252 / float64(steps))
	if e.maxDrawdown > 1e-8 {
		inf.CalmarRatio = annualised / e.maxDrawdown
	}

	wins, losses := 0.0, 0.0
	var winList, lossList []float64
	for _, p := range e.tradeProfits {
		if p > 0 {
			wins += p
			winList = append(winList, p)
		} else if p < 0 {
			losses += -p
			lossList = append(lossList, p)
		}
	}
	switch {
	case losses > 0:
		inf.ProfitFactor = wins / losses
	case wins > 0:
		inf.ProfitFactor = 999.0
	}
	inf.AvgWin = utils.Mean(winList)
	inf.AvgLoss = utils.Mean(lossList)

	if e.benchmarkStartPrice > 0 {
		inf.BenchmarkReturnPct = (price - e.benchmarkStartPrice) / e.benchmarkStartPrice * 100
		inf.AlphaPct = totalReturn*100 - inf.BenchmarkReturnPct
	}
}

// ApplyRewardMultipliers rescales the reward weights for a curriculum phase.
// Unknown keys are ignored; penalties disabled by default use reference
// scales so the curriculum can introduce them.
func (e *Env) ApplyRewardMultipliers(multipliers map[string]float64) {
	rw := DefaultRewardWeights()
	for key, m := range multipliers {
		switch key {
		case "drawdown_penalty_scale":
			rw.DrawdownPenaltyScale = DefaultRewardWeights().DrawdownPenaltyScale * m
		case "churning_penalty":
			rw.ChurningPenalty = DefaultRewardWeights().ChurningPenalty * m
		case "holding_in_range_bonus":
			rw.HoldingInRangeBonus = DefaultRewardWeights().HoldingInRangeBonus * m
		case "holding_too_long_penalty":
			rw.HoldingTooLongPenalty = DefaultRewardWeights().HoldingTooLongPenalty * m
		case "step_fee_penalty_scale":
			rw.StepFeePenaltyScale = scaled(rw.StepFeePenaltyScale, m, stepFeeReferenceScale)
		case "opportunity_cost_scale":
			rw.OpportunityCostScale = scaled(rw.OpportunityCostScale, m, opportunityReferenceScale)
		}
	}
	e.rw = rw
}

// Seed re-seeds the environment's random source. Evaluation uses fixed seeds
// per episode so repeated runs over the same artifact match exactly.
func (e *Env) Seed(seed int64) {
	e.rng = rand.New(rand.NewSource(seed))
}

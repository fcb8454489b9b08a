// Package signals fuses the four predictive sources into a single weighted
// score with an agreement grade and a calibrated confidence.
package signals

import (
	"context"
	"math"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/internal/backend"
	"github.com/atlas-desktop/rl-trader/internal/mlservice"
	"github.com/atlas-desktop/rl-trader/internal/policy"
	"github.com/atlas-desktop/rl-trader/pkg/types"
	"github.com/atlas-desktop/rl-trader/pkg/utils"
)

// minSignalBars is the fewest bars any source will evaluate on.
const minSignalBars = 60

// Result is one source's contribution: a score in [-1, 1], a confidence in
// [0, 1] and source-specific details for the reasoning tree. A source that
// cannot answer contributes zeros.
type Result struct {
	Score      float64
	Confidence float64
	Details    map[string]any
}

// unavailable is the degraded result for a source that failed.
func unavailable(reason string) Result {
	return Result{Details: map[string]any{"error": reason}}
}

// Source is one of the four closed-set signal providers.
type Source interface {
	Name() string
	Evaluate(ctx context.Context, symbol string, market *types.MarketData) Result
}

// MLSource scores the external price forecast: the predicted relative change
// maps onto [-1, 1] with ±10% as a full-strength signal.
type MLSource struct {
	logger *zap.Logger
	client *mlservice.Client
}

// NewMLSource wraps the forecast client.
func NewMLSource(logger *zap.Logger, client *mlservice.Client) *MLSource {
	return &MLSource{logger: logger.Named("ml-signal"), client: client}
}

func (s *MLSource) Name() string { return "ml" }

func (s *MLSource) Evaluate(ctx context.Context, symbol string, market *types.MarketData) Result {
	if market == nil || len(market.Bars) < minSignalBars {
		return unavailable("insufficient data (need 60+ points)")
	}

	prediction, err := s.client.Predict(ctx, symbol, market.Bars)
	if err != nil {
		s.logger.Debug("Forecast unavailable", zap.String("symbol", symbol), zap.Error(err))
		return unavailable(err.Error())
	}

	currentPrice := market.CurrentPrice
	if currentPrice <= 0 {
		return unavailable("no current price")
	}
	predictedChange := (prediction.Prediction - currentPrice) / currentPrice
	score := utils.Clamp(predictedChange/0.10, -1, 1)

	return Result{
		Score:      score,
		Confidence: prediction.Confidence,
		Details: map[string]any{
			"prediction":       prediction.Prediction,
			"current_price":    currentPrice,
			"predicted_change": predictedChange,
			"model":            prediction.Model,
		},
	}
}

// RLSource consults the in-process policy for the configured agent. The
// signal strength maps to a base score of 0.5, 0.75 or 1.0 signed by
// direction.
type RLSource struct {
	logger    *zap.Logger
	trainer   *policy.Trainer
	agentName string
}

// NewRLSource binds the trainer and the agent the trader consults.
func NewRLSource(logger *zap.Logger, trainer *policy.Trainer, agentName string) *RLSource {
	return &RLSource{logger: logger.Named("rl-signal"), trainer: trainer, agentName: agentName}
}

func (s *RLSource) Name() string { return "rl" }

func (s *RLSource) Evaluate(ctx context.Context, symbol string, market *types.MarketData) Result {
	if s.agentName == "" {
		return unavailable("no RL agent configured")
	}
	if !s.trainer.Registry().IsTrained(s.agentName) {
		return unavailable("agent " + s.agentName + " not found or not trained")
	}
	if market == nil || len(market.Bars) < minSignalBars {
		return unavailable("insufficient data (need 60+ points)")
	}

	signal, err := s.trainer.GetTradingSignal(s.agentName, market.Bars, nil)
	if err != nil {
		s.logger.Debug("RL inference failed", zap.String("symbol", symbol), zap.Error(err))
		return unavailable(err.Error())
	}

	base := 0.0
	switch signal.Strength {
	case types.StrengthWeak:
		base = 0.5
	case types.StrengthModerate:
		base = 0.75
	case types.StrengthStrong:
		base = 1.0
	}
	score := 0.0
	switch signal.Signal {
	case "buy":
		score = base
	case "sell":
		score = -base
	}

	return Result{
		Score:      score,
		Confidence: signal.Confidence,
		Details: map[string]any{
			"signal":       signal.Signal,
			"strength":     string(signal.Strength),
			"action":       signal.Action,
			"agent_name":   s.agentName,
			"action_probs": signal.ActionProbabilities,
		},
	}
}

// SentimentSource maps the backend's combined news sentiment onto a signed
// score.
type SentimentSource struct {
	logger *zap.Logger
	client *backend.Client
}

// NewSentimentSource wraps the backend sentiment endpoint.
func NewSentimentSource(logger *zap.Logger, client *backend.Client) *SentimentSource {
	return &SentimentSource{logger: logger.Named("sentiment-signal"), client: client}
}

func (s *SentimentSource) Name() string { return "sentiment" }

func (s *SentimentSource) Evaluate(ctx context.Context, symbol string, market *types.MarketData) Result {
	sentiment, err := s.client.GetSentiment(ctx, symbol)
	if err != nil {
		s.logger.Debug("Sentiment unavailable", zap.String("symbol", symbol), zap.Error(err))
		return unavailable(err.Error())
	}

	score := 0.0
	switch sentiment.Sentiment {
	case "positive":
		score = math.Abs(sentiment.Score)
	case "negative":
		score = -math.Abs(sentiment.Score)
	}

	return Result{
		Score:      score,
		Confidence: sentiment.Confidence,
		Details: map[string]any{
			"sentiment":       sentiment.Sentiment,
			"sentiment_score": sentiment.Score,
			"news_count":      sentiment.NewsCount,
			"sources":         sentiment.Sources,
		},
	}
}

// TechnicalSource scores the bars locally from three indicator families:
// an RSI band, the MACD histogram sign, and the moving-average stack.
type TechnicalSource struct {
	logger *zap.Logger
}

// NewTechnicalSource creates the local technical scorer.
func NewTechnicalSource(logger *zap.Logger) *TechnicalSource {
	return &TechnicalSource{logger: logger.Named("technical-signal")}
}

func (s *TechnicalSource) Name() string { return "technical" }

func (s *TechnicalSource) Evaluate(ctx context.Context, symbol string, market *types.MarketData) Result {
	if market == nil || len(market.Bars) < minSignalBars {
		return unavailable("insufficient data (need 60+ points)")
	}

	closes := make([]float64, len(market.Bars))
	for i, b := range market.Bars {
		closes[i] = b.Close
	}
	currentPrice := closes[len(closes)-1]

	rsi := utils.Last(talib.Rsi(closes, 14), 50)
	_, _, hist := talib.Macd(closes, 12, 26, 9)
	macdHist := utils.Last(hist, 0)
	sma20 := utils.Last(talib.Sma(closes, 20), currentPrice)
	sma50 := utils.Last(talib.Sma(closes, 50), currentPrice)

	var rsiScore float64
	switch {
	case rsi < 30:
		rsiScore = 0.8
	case rsi < 40:
		rsiScore = 0.4
	case rsi > 70:
		rsiScore = -0.8
	case rsi > 60:
		rsiScore = -0.4
	}

	var macdScore float64
	if macdHist > 0 {
		macdScore = 0.5
	} else if macdHist < 0 {
		macdScore = -0.5
	}

	var maScore float64
	switch {
	case currentPrice > sma20 && sma20 > sma50:
		maScore = 0.7
	case currentPrice > sma20:
		maScore = 0.3
	case currentPrice < sma20 && sma20 < sma50:
		maScore = -0.7
	case currentPrice < sma20:
		maScore = -0.3
	}

	scores := []float64{rsiScore, macdScore, maScore}
	score := utils.Mean(scores)
	confidence := math.Max(0.3, 1-utils.Std(scores))

	trend := "neutral"
	if maScore > 0.3 {
		trend = "bullish"
	} else if maScore < -0.3 {
		trend = "bearish"
	}
	rsiLabel := "neutral"
	if rsi < 30 {
		rsiLabel = "oversold"
	} else if rsi > 70 {
		rsiLabel = "overbought"
	}

	return Result{
		Score:      score,
		Confidence: confidence,
		Details: map[string]any{
			"rsi":           rsi,
			"rsi_signal":    rsiLabel,
			"macd_hist":     macdHist,
			"sma_20":        sma20,
			"sma_50":        sma50,
			"current_price": currentPrice,
			"trend":         trend,
		},
	}
}

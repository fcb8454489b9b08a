package signals

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/pkg/types"
	"github.com/atlas-desktop/rl-trader/pkg/utils"
)

// neutralBand is the score magnitude below which a source counts as neutral
// for agreement purposes.
const neutralBand = 0.1

// Aggregated is the fused signal for one symbol.
type Aggregated struct {
	WeightedScore float64
	Confidence    float64
	Agreement     types.Agreement

	ML        Result
	RL        Result
	Sentiment Result
	Technical Result

	MarketContext map[string]any
}

// Aggregator evaluates the four sources and fuses their scores with the
// trader's weights. By convention the weights sum to 1; this is not
// enforced.
type Aggregator struct {
	logger *zap.Logger

	ml        Source
	rl        Source
	sentiment Source
	technical Source

	mlWeight        float64
	rlWeight        float64
	sentimentWeight float64
	technicalWeight float64
}

// NewAggregator wires the four sources with the trader's signal weights.
func NewAggregator(logger *zap.Logger, cfg *types.TraderConfig, ml, rl, sentiment, technical Source) *Aggregator {
	return &Aggregator{
		logger:          logger.Named("signal-aggregator"),
		ml:              ml,
		rl:              rl,
		sentiment:       sentiment,
		technical:       technical,
		mlWeight:        cfg.MLWeight,
		rlWeight:        cfg.RLWeight,
		sentimentWeight: cfg.SentimentWeight,
		technicalWeight: cfg.TechnicalWeight,
	}
}

// Aggregate fuses all sources for one symbol. Failed sources degrade to
// zero score and zero confidence; the fused signal is always produced.
func (a *Aggregator) Aggregate(ctx context.Context, symbol string, market *types.MarketData) *Aggregated {
	ml := a.ml.Evaluate(ctx, symbol, market)
	rl := a.rl.Evaluate(ctx, symbol, market)
	sentiment := a.sentiment.Evaluate(ctx, symbol, market)
	technical := a.technical.Evaluate(ctx, symbol, market)

	weightedScore := ml.Score*a.mlWeight +
		rl.Score*a.rlWeight +
		sentiment.Score*a.sentimentWeight +
		technical.Score*a.technicalWeight

	scores := []float64{ml.Score, rl.Score, sentiment.Score, technical.Score}
	agreement := calculateAgreement(scores)

	avgConfidence := utils.Mean([]float64{
		ml.Confidence, rl.Confidence, sentiment.Confidence, technical.Confidence,
	})
	confidence := math.Min(1, avgConfidence*agreementMultiplier(agreement))

	currentPrice, volume := 0.0, 0.0
	if market != nil {
		currentPrice = market.CurrentPrice
		volume = market.Volume
	}

	return &Aggregated{
		WeightedScore: weightedScore,
		Confidence:    confidence,
		Agreement:     agreement,
		ML:            ml,
		RL:            rl,
		Sentiment:     sentiment,
		Technical:     technical,
		MarketContext: map[string]any{
			"symbol":        symbol,
			"current_price": currentPrice,
			"volume":        volume,
			"timestamp":     time.Now().Format(time.RFC3339),
		},
	}
}

// agreementMultiplier scales the averaged confidence by consensus strength.
func agreementMultiplier(agreement types.Agreement) float64 {
	switch agreement {
	case types.AgreementStrong:
		return 1.2
	case types.AgreementModerate:
		return 1.0
	case types.AgreementWeak:
		return 0.8
	}
	return 0.6
}

// calculateAgreement grades directional consensus over the non-neutral
// sources: the majority ratio against the spread of all scores.
func calculateAgreement(scores []float64) types.Agreement {
	var nonNeutral []float64
	for _, s := range scores {
		if math.Abs(s) > neutralBand {
			nonNeutral = append(nonNeutral, s)
		}
	}
	if len(nonNeutral) < 2 {
		return types.AgreementWeak
	}

	positive, negative := 0, 0
	for _, s := range nonNeutral {
		if s > 0 {
			positive++
		} else {
			negative++
		}
	}
	majority := positive
	if negative > majority {
		majority = negative
	}
	ratio := float64(majority) / float64(len(nonNeutral))
	spread := utils.Std(scores)

	switch {
	case ratio >= 0.75 && spread < 0.3:
		return types.AgreementStrong
	case ratio >= 0.6 && spread < 0.5:
		return types.AgreementModerate
	case ratio >= 0.5:
		return types.AgreementWeak
	}
	return types.AgreementMixed
}

package signals

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/pkg/types"
)

// stubSource returns a fixed result.
type stubSource struct {
	name   string
	result Result
}

func (s *stubSource) Name() string { return s.name }
func (s *stubSource) Evaluate(ctx context.Context, symbol string, market *types.MarketData) Result {
	return s.result
}

func stub(name string, score, confidence float64) Source {
	return &stubSource{name: name, result: Result{Score: score, Confidence: confidence}}
}

func testTraderConfig() *types.TraderConfig {
	cfg := types.DefaultTraderConfig(1, "test")
	return &cfg
}

func aggregatorWith(cfg *types.TraderConfig, ml, rl, sentiment, technical Source) *Aggregator {
	return NewAggregator(zap.NewNop(), cfg, ml, rl, sentiment, technical)
}

func TestWeightedScore(t *testing.T) {
	cfg := testTraderConfig() // weights 0.30/0.30/0.20/0.20
	agg := aggregatorWith(cfg,
		stub("ml", 1.0, 0.8),
		stub("rl", 0.5, 0.8),
		stub("sentiment", -0.5, 0.8),
		stub("technical", 0.0, 0.8),
	)

	result := agg.Aggregate(context.Background(), "AAPL", nil)
	want := 1.0*0.30 + 0.5*0.30 + -0.5*0.20 + 0.0*0.20
	if math.Abs(result.WeightedScore-want) > 1e-9 {
		t.Errorf("WeightedScore = %v, want %v", result.WeightedScore, want)
	}
}

func TestAgreementStrong(t *testing.T) {
	agg := aggregatorWith(testTraderConfig(),
		stub("ml", 0.6, 0.8),
		stub("rl", 0.5, 0.8),
		stub("sentiment", 0.55, 0.8),
		stub("technical", 0.45, 0.8),
	)
	result := agg.Aggregate(context.Background(), "AAPL", nil)
	if result.Agreement != types.AgreementStrong {
		t.Errorf("Agreement = %v, want strong", result.Agreement)
	}
	// Strong agreement boosts confidence by 1.2, clamped at 1.
	if result.Confidence < 0.8 {
		t.Errorf("Confidence = %v, expected boost above the raw mean", result.Confidence)
	}
}

func TestAgreementSplitGradesWeak(t *testing.T) {
	// An even 2-2 split still has a majority ratio of 0.5, which the
	// grading treats as weak; the high spread rules out stronger grades.
	agg := aggregatorWith(testTraderConfig(),
		stub("ml", 0.9, 0.8),
		stub("rl", -0.9, 0.8),
		stub("sentiment", 0.8, 0.8),
		stub("technical", -0.8, 0.8),
	)
	result := agg.Aggregate(context.Background(), "AAPL", nil)
	if result.Agreement != types.AgreementWeak {
		t.Errorf("Agreement = %v, want weak", result.Agreement)
	}
	if math.Abs(result.Confidence-0.8*0.8) > 1e-9 {
		t.Errorf("Weak confidence = %v, want %v", result.Confidence, 0.8*0.8)
	}
}

func TestAgreementWeakWithNeutralSources(t *testing.T) {
	// Only one non-neutral source: agreement defaults to weak.
	agg := aggregatorWith(testTraderConfig(),
		stub("ml", 0.9, 0.8),
		stub("rl", 0.05, 0.8),
		stub("sentiment", 0.0, 0.8),
		stub("technical", -0.02, 0.8),
	)
	result := agg.Aggregate(context.Background(), "AAPL", nil)
	if result.Agreement != types.AgreementWeak {
		t.Errorf("Agreement = %v, want weak", result.Agreement)
	}
}

func TestConfidenceClampedToOne(t *testing.T) {
	agg := aggregatorWith(testTraderConfig(),
		stub("ml", 0.5, 1.0),
		stub("rl", 0.5, 1.0),
		stub("sentiment", 0.5, 1.0),
		stub("technical", 0.5, 1.0),
	)
	result := agg.Aggregate(context.Background(), "AAPL", nil)
	if result.Confidence > 1.0 {
		t.Errorf("Confidence = %v, must clamp to 1", result.Confidence)
	}
}

func makeTrendBars(n int, perBar float64) []types.Bar {
	bars := make([]types.Bar, n)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := 0; i < n; i++ {
		open := price
		price += perBar
		bars[i] = types.Bar{
			Timestamp: base.AddDate(0, 0, i),
			Open:      open,
			High:      math.Max(open, price) + 0.5,
			Low:       math.Min(open, price) - 0.5,
			Close:     price,
			Volume:    5_000_000,
		}
	}
	return bars
}

func TestTechnicalSourceUptrend(t *testing.T) {
	source := NewTechnicalSource(zap.NewNop())
	bars := makeTrendBars(80, 0.5)
	market := &types.MarketData{
		Symbol:       "AAPL",
		Bars:         bars,
		CurrentPrice: bars[len(bars)-1].Close,
	}

	result := source.Evaluate(context.Background(), "AAPL", market)
	// Sustained uptrend: bullish MA stack and positive MACD histogram
	// outweigh an overbought RSI.
	if result.Details["trend"] != "bullish" {
		t.Errorf("Trend = %v, want bullish", result.Details["trend"])
	}
	if result.Confidence < 0.3 {
		t.Errorf("Confidence = %v, floor is 0.3", result.Confidence)
	}
}

func TestTechnicalSourceInsufficientData(t *testing.T) {
	source := NewTechnicalSource(zap.NewNop())
	market := &types.MarketData{Symbol: "AAPL", Bars: makeTrendBars(30, 0.1)}
	result := source.Evaluate(context.Background(), "AAPL", market)
	if result.Score != 0 || result.Confidence != 0 {
		t.Errorf("Insufficient data must degrade to zeros, got %+v", result)
	}
}

func TestFailedSourceDegradesToZero(t *testing.T) {
	agg := aggregatorWith(testTraderConfig(),
		&stubSource{name: "ml", result: unavailable("service down")},
		stub("rl", 0.4, 0.7),
		stub("sentiment", 0.4, 0.7),
		stub("technical", 0.4, 0.7),
	)
	result := agg.Aggregate(context.Background(), "AAPL", nil)
	if result.ML.Score != 0 || result.ML.Confidence != 0 {
		t.Errorf("Failed source must contribute zeros: %+v", result.ML)
	}
	want := 0.4*0.30 + 0.4*0.20 + 0.4*0.20
	if math.Abs(result.WeightedScore-want) > 1e-9 {
		t.Errorf("WeightedScore = %v, want %v", result.WeightedScore, want)
	}
}

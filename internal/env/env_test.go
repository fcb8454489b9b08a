package env_test

import (
	"math"
	"math/rand"
	"testing"
	"time"

	tradeenv "github.com/atlas-desktop/rl-trader/internal/env"
	"github.com/atlas-desktop/rl-trader/internal/indicators"
	"github.com/atlas-desktop/rl-trader/pkg/types"
)

func makeBars(n int, prices func(i int) float64) []types.Bar {
	bars := make([]types.Bar, n)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		p := prices(i)
		bars[i] = types.Bar{
			Timestamp: base.AddDate(0, 0, i),
			Open:      p * 0.999,
			High:      p * 1.005,
			Low:       p * 0.995,
			Close:     p,
			Volume:    2_000_000,
		}
	}
	return bars
}

func flatBars(n int, price float64) []types.Bar {
	return makeBars(n, func(i int) float64 { return price + 0.2*math.Sin(float64(i)/5) })
}

func newEnv(t *testing.T, bars []types.Bar, cfg types.AgentConfig, opts tradeenv.Options) *tradeenv.Env {
	t.Helper()
	frame, err := indicators.Compute(bars)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	e, err := tradeenv.New(frame, cfg, opts)
	if err != nil {
		t.Fatalf("New env failed: %v", err)
	}
	return e
}

func testConfig() types.AgentConfig {
	cfg := types.DefaultAgentConfig("test")
	cfg.SlippageModel = "none"
	return cfg
}

func TestObservationDimensions(t *testing.T) {
	e := newEnv(t, flatBars(300, 100), testConfig(), tradeenv.Options{})
	obs, _ := e.Reset(false)

	want := e.WindowSize()*e.NumFeatures() + tradeenv.NumPortfolioFeatures
	if len(obs) != want {
		t.Fatalf("Observation length = %d, want %d", len(obs), want)
	}
	if e.ObservationDim() != want {
		t.Fatalf("ObservationDim = %d, want %d", e.ObservationDim(), want)
	}

	// Window columns are min-max normalised; portfolio features bounded.
	for i, v := range obs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("Observation element %d is not finite: %v", i, v)
		}
	}
}

func TestActionSpaceSize(t *testing.T) {
	cfg := testConfig()
	e := newEnv(t, flatBars(300, 100), cfg, tradeenv.Options{})
	if e.NumActions() != tradeenv.NumActionsLong {
		t.Errorf("NumActions = %d, want %d", e.NumActions(), tradeenv.NumActionsLong)
	}

	cfg.EnableShortSelling = true
	e = newEnv(t, flatBars(300, 100), cfg, tradeenv.Options{})
	if e.NumActions() != tradeenv.NumActionsShort {
		t.Errorf("NumActions with shorts = %d, want %d", e.NumActions(), tradeenv.NumActionsShort)
	}
}

func TestPortfolioValueNonNegative(t *testing.T) {
	cfg := testConfig()
	cfg.EnableShortSelling = true
	e := newEnv(t, makeBars(400, func(i int) float64 {
		return 100 * (1 + 0.002*math.Sin(float64(i)/3) + 0.0005*float64(i%7))
	}), cfg, tradeenv.Options{Rand: rand.New(rand.NewSource(11))})

	rng := rand.New(rand.NewSource(5))
	e.Seed(5)
	e.Reset(true)
	for {
		action := tradeenv.Action(rng.Intn(e.NumActions()))
		_, _, done, info := e.Step(action)
		if info.PortfolioValue < 0 {
			t.Fatalf("Portfolio value went negative: %v at step %d", info.PortfolioValue, info.Step)
		}
		if done {
			break
		}
	}
}

func TestInferenceModeStartsAtLastBar(t *testing.T) {
	e := newEnv(t, flatBars(300, 100), testConfig(), tradeenv.Options{InferenceMode: true})
	_, info := e.Reset(false)
	if info.Step != 299 {
		t.Errorf("Inference start step = %d, want 299", info.Step)
	}
}

func TestStopLossClosesLong(t *testing.T) {
	// Flat until bar 100, then a steady decline far past the 5% stop.
	bars := makeBars(300, func(i int) float64 {
		if i < 100 {
			return 100
		}
		return 100 * (1 - 0.005*float64(i-100))
	})
	e := newEnv(t, bars, testConfig(), tradeenv.Options{})

	e.Reset(false) // starts at the window boundary, price still ~100
	_, _, _, info := e.Step(tradeenv.ActionBuyLarge)
	if info.SharesHeld == 0 {
		t.Fatal("Buy did not open a position")
	}

	for i := 0; i < 200; i++ {
		_, _, done, stepInfo := e.Step(tradeenv.ActionHold)
		info = stepInfo
		if info.SharesHeld == 0 || done {
			break
		}
	}
	if info.SharesHeld != 0 {
		t.Fatal("Stop-loss did not close the long position")
	}
	if info.TotalTrades < 1 {
		t.Errorf("Expected a recorded stop-loss sell, got %d trades", info.TotalTrades)
	}
	if info.LosingTrades == 0 {
		t.Error("Stop-loss close should record a losing trade")
	}
}

func TestTakeProfitClosesLong(t *testing.T) {
	bars := makeBars(300, func(i int) float64 {
		if i < 100 {
			return 100
		}
		return 100 * (1 + 0.004*float64(i-100))
	})
	e := newEnv(t, bars, testConfig(), tradeenv.Options{})

	e.Reset(false)
	e.Step(tradeenv.ActionBuyLarge)

	var info tradeenv.Info
	for i := 0; i < 200; i++ {
		_, _, done, stepInfo := e.Step(tradeenv.ActionHold)
		info = stepInfo
		if info.SharesHeld == 0 || done {
			break
		}
	}
	if info.SharesHeld != 0 {
		t.Fatal("Take-profit did not close the long position")
	}
	if info.WinningTrades == 0 {
		t.Error("Take-profit close should record a winning trade")
	}
}

func TestShortPositionProfitsFromDecline(t *testing.T) {
	cfg := testConfig()
	cfg.EnableShortSelling = true
	cfg.BrokerProfile = types.BrokerMarketMaker // no commission, spread only
	bars := makeBars(300, func(i int) float64 {
		if i < 100 {
			return 100
		}
		return 100 * (1 - 0.002*float64(i-100))
	})
	e := newEnv(t, bars, cfg, tradeenv.Options{})

	e.Reset(false)
	_, _, _, info := e.Step(tradeenv.ActionShortLarge)
	if info.SharesShorted == 0 {
		t.Fatal("Short did not open")
	}

	for i := 0; i < 150; i++ {
		_, _, done, stepInfo := e.Step(tradeenv.ActionHold)
		info = stepInfo
		if info.SharesShorted == 0 || done {
			break
		}
	}
	// The decline trips the short's take-profit with a gain.
	if info.SharesShorted != 0 {
		t.Fatal("Short position never closed")
	}
	if info.TotalProfit <= 0 {
		t.Errorf("Short into decline should profit, got %v", info.TotalProfit)
	}
}

func TestTransactionCostClamp(t *testing.T) {
	fees := tradeenv.FeesFor(types.BrokerStandard)
	if fees.MinFee != 4.95 || fees.MaxFee != 59.00 {
		t.Fatalf("Unexpected standard fee table: %+v", fees)
	}
	if tradeenv.FeesFor("unknown") != tradeenv.FeesFor(types.BrokerStandard) {
		t.Error("Unknown broker should fall back to standard")
	}
}

func TestRejectsShortFrames(t *testing.T) {
	frame, err := indicators.Compute(flatBars(90, 100))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if _, err := tradeenv.New(frame, testConfig(), tradeenv.Options{}); err == nil {
		t.Error("Expected error for frame under 100 rows")
	}
}

func TestEpisodeTerminatesAtLastBar(t *testing.T) {
	e := newEnv(t, flatBars(200, 100), testConfig(), tradeenv.Options{})
	e.Reset(false)

	steps := 0
	for {
		_, _, done, _ := e.Step(tradeenv.ActionHold)
		steps++
		if done {
			break
		}
		if steps > 500 {
			t.Fatal("Episode did not terminate")
		}
	}
	// Starting at the window boundary leaves len-1-window steps.
	if steps != 200-1-e.WindowSize() {
		t.Errorf("Episode length = %d, want %d", steps, 200-1-e.WindowSize())
	}
}

func TestCurriculumMultipliersAdjustWeights(t *testing.T) {
	e := newEnv(t, flatBars(200, 100), testConfig(), tradeenv.Options{})

	e.ApplyRewardMultipliers(map[string]float64{
		"drawdown_penalty_scale": 0.3,
		"churning_penalty":       0.5,
	})
	rw := e.RewardWeightsSnapshot()
	base := tradeenv.DefaultRewardWeights()
	if math.Abs(rw.DrawdownPenaltyScale-base.DrawdownPenaltyScale*0.3) > 1e-9 {
		t.Errorf("Drawdown scale = %v, want %v", rw.DrawdownPenaltyScale, base.DrawdownPenaltyScale*0.3)
	}
	if math.Abs(rw.ChurningPenalty-base.ChurningPenalty*0.5) > 1e-9 {
		t.Errorf("Churning penalty = %v, want %v", rw.ChurningPenalty, base.ChurningPenalty*0.5)
	}
}

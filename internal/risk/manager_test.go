package risk_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/internal/backend"
	"github.com/atlas-desktop/rl-trader/internal/risk"
	"github.com/atlas-desktop/rl-trader/pkg/types"
)

// vixServer fakes the backend chart endpoint for the VIX gate.
func vixServer(t *testing.T, level float64, fail bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"chart":{"result":[{"meta":{"regularMarketPrice":` +
			decimal.NewFromFloat(level).String() + `}}]}}`))
	}))
}

func newManager(t *testing.T, server *httptest.Server, mutate func(cfg *types.TraderConfig)) (*risk.Manager, *types.TraderConfig) {
	t.Helper()
	cfg := types.DefaultTraderConfig(1, "test")
	cfg.ScheduleEnabled = false
	if mutate != nil {
		mutate(&cfg)
	}
	client := backend.NewClient(zap.NewNop(), server.URL)
	t.Cleanup(client.Close)
	return risk.NewManager(zap.NewNop(), &cfg, client), &cfg
}

func portfolioWith(totalValue, maxValue float64) *types.Portfolio {
	p := types.DefaultPortfolio(100000)
	p.TotalValue = decimal.NewFromFloat(totalValue)
	p.MaxValue = decimal.NewFromFloat(maxValue)
	return p
}

func TestAllPassedImpliesNoBlockers(t *testing.T) {
	server := vixServer(t, 15, false)
	defer server.Close()
	manager, _ := newManager(t, server, nil)

	result := manager.CheckAll(context.Background(), "AAPL", types.DecisionBuy, 10000,
		types.DefaultPortfolio(100000), 0)
	if !result.AllPassed {
		t.Fatalf("Expected pass, got blockers: %v", result.Blockers)
	}
	if len(result.Blockers) != 0 {
		t.Errorf("AllPassed with non-empty blockers: %v", result.Blockers)
	}
	if result.TotalCount != 11 {
		t.Errorf("TotalCount = %d, want 11 checks", result.TotalCount)
	}
	if result.PositionScaleFactor != 1.0 {
		t.Errorf("Scale factor = %v, want 1.0", result.PositionScaleFactor)
	}
}

func TestGraduatedDrawdownScaling(t *testing.T) {
	server := vixServer(t, 15, false)
	defer server.Close()
	manager, _ := newManager(t, server, func(cfg *types.TraderConfig) {
		cfg.MaxDrawdown = 0.15
	})

	cases := []struct {
		totalValue float64
		wantScale  float64
	}{
		{100000, 1.0},  // no drawdown
		{95000, 0.75},  // 5% of 15% max -> 33%
		{90000, 0.50},  // 10% -> 67%
		{87000, 0.30},  // 13% -> 87%
	}
	for _, tc := range cases {
		result := manager.CheckAll(context.Background(), "AAPL", types.DecisionBuy, 5000,
			portfolioWith(tc.totalValue, 100000), 0)
		if result.PositionScaleFactor != tc.wantScale {
			t.Errorf("Total value %v: scale = %v, want %v",
				tc.totalValue, result.PositionScaleFactor, tc.wantScale)
		}
		// Graduated scaling is never a blocker: 13% is still under the
		// 15% hard stop.
		if !result.AllPassed {
			t.Errorf("Total value %v: blockers %v", tc.totalValue, result.Blockers)
		}
	}
}

func TestMaxDrawdownBlocks(t *testing.T) {
	server := vixServer(t, 15, false)
	defer server.Close()
	manager, _ := newManager(t, server, func(cfg *types.TraderConfig) {
		cfg.MaxDrawdown = 0.15
	})

	result := manager.CheckAll(context.Background(), "AAPL", types.DecisionBuy, 5000,
		portfolioWith(80000, 100000), 0) // 20% drawdown
	if result.AllPassed {
		t.Error("20% drawdown must block against a 15% limit")
	}
}

func TestDailyLossBlocks(t *testing.T) {
	server := vixServer(t, 15, false)
	defer server.Close()
	manager, _ := newManager(t, server, nil) // max daily loss 5%

	portfolio := types.DefaultPortfolio(100000)
	portfolio.DailyPnLPct = decimal.NewFromFloat(-6)
	result := manager.CheckAll(context.Background(), "AAPL", types.DecisionBuy, 5000, portfolio, 0)
	if result.AllPassed {
		t.Error("6% daily loss must block against a 5% limit")
	}
}

func TestMaxPositionsOnlyGatesOpens(t *testing.T) {
	server := vixServer(t, 15, false)
	defer server.Close()
	manager, _ := newManager(t, server, func(cfg *types.TraderConfig) {
		cfg.MaxPositions = 2
	})

	portfolio := types.DefaultPortfolio(100000)
	portfolio.PositionsCount = 2

	if result := manager.CheckAll(context.Background(), "AAPL", types.DecisionBuy, 5000, portfolio, 0); result.AllPassed {
		t.Error("Opening past the position cap must block")
	}
	if result := manager.CheckAll(context.Background(), "AAPL", types.DecisionClose, 5000, portfolio, 0); !result.AllPassed {
		t.Errorf("Closing must pass the position cap, blockers: %v", result.Blockers)
	}
}

func TestLossCooldownBlocks(t *testing.T) {
	server := vixServer(t, 15, false)
	defer server.Close()
	manager, _ := newManager(t, server, nil) // max consecutive losses 5

	result := manager.CheckAll(context.Background(), "AAPL", types.DecisionBuy, 5000,
		types.DefaultPortfolio(100000), 5)
	if result.AllPassed {
		t.Error("Reaching the consecutive-loss cap must block")
	}
}

func TestVIXWarningNotBlocker(t *testing.T) {
	server := vixServer(t, 45, false) // above the default 30 gate
	defer server.Close()
	manager, _ := newManager(t, server, nil)

	result := manager.CheckAll(context.Background(), "AAPL", types.DecisionBuy, 5000,
		types.DefaultPortfolio(100000), 0)
	if !result.AllPassed {
		t.Errorf("Elevated VIX must warn, not block: %v", result.Blockers)
	}
	found := false
	for _, w := range result.Warnings {
		if w != "" {
			found = true
		}
	}
	if !found {
		t.Error("Elevated VIX should produce a warning")
	}
}

func TestVIXFetchFailureDegradesToInfo(t *testing.T) {
	server := vixServer(t, 0, true)
	defer server.Close()
	manager, _ := newManager(t, server, nil)

	result := manager.CheckAll(context.Background(), "AAPL", types.DecisionBuy, 5000,
		types.DefaultPortfolio(100000), 0)
	if !result.AllPassed {
		t.Errorf("VIX fetch failure must not block: %v", result.Blockers)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("VIX fetch failure must not warn: %v", result.Warnings)
	}
}

func TestTradingHoursWindow(t *testing.T) {
	server := vixServer(t, 15, false)
	defer server.Close()
	manager, cfg := newManager(t, server, func(cfg *types.TraderConfig) {
		cfg.ScheduleEnabled = true
		cfg.Timezone = "UTC"
		cfg.TradingStart = "09:00"
		cfg.TradingEnd = "17:30"
		cfg.AvoidMarketOpen = 15
		cfg.AvoidMarketClose = 15
	})
	_ = cfg

	// Wednesday 12:00 UTC: inside the buffered window.
	manager.SetClock(func() time.Time {
		return time.Date(2024, 7, 3, 12, 0, 0, 0, time.UTC)
	})
	if result := manager.CheckAll(context.Background(), "AAPL", types.DecisionBuy, 5000,
		types.DefaultPortfolio(100000), 0); !result.AllPassed {
		t.Errorf("Midday Wednesday should pass: %v", result.Blockers)
	}

	// Wednesday 09:05 UTC: inside hours but within the open buffer.
	manager.SetClock(func() time.Time {
		return time.Date(2024, 7, 3, 9, 5, 0, 0, time.UTC)
	})
	if result := manager.CheckAll(context.Background(), "AAPL", types.DecisionBuy, 5000,
		types.DefaultPortfolio(100000), 0); result.AllPassed {
		t.Error("Open buffer should block")
	}

	// Saturday: not a trading day.
	manager.SetClock(func() time.Time {
		return time.Date(2024, 7, 6, 12, 0, 0, 0, time.UTC)
	})
	if result := manager.CheckAll(context.Background(), "AAPL", types.DecisionBuy, 5000,
		types.DefaultPortfolio(100000), 0); result.AllPassed {
		t.Error("Saturday should block")
	}
}

func TestPositionSizeCapBlocks(t *testing.T) {
	server := vixServer(t, 15, false)
	defer server.Close()
	manager, _ := newManager(t, server, nil) // 25% cap on 100k budget

	result := manager.CheckAll(context.Background(), "AAPL", types.DecisionBuy, 30000,
		types.DefaultPortfolio(100000), 0)
	if result.AllPassed {
		t.Error("Position above the 25% cap must block")
	}
}

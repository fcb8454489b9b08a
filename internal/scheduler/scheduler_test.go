package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/internal/backend"
	"github.com/atlas-desktop/rl-trader/internal/config"
	"github.com/atlas-desktop/rl-trader/internal/policy"
	"github.com/atlas-desktop/rl-trader/internal/registry"
	"github.com/atlas-desktop/rl-trader/internal/workers"
	"github.com/atlas-desktop/rl-trader/pkg/types"
)

// fakeBackend records execute and decision calls and serves a portfolio.
type fakeBackend struct {
	mu        sync.Mutex
	portfolio string
	executes  []backend.ExecuteRequest
	decisions int
	marked    int
	server    *httptest.Server
}

func newFakeBackend(t *testing.T, portfolio string) *fakeBackend {
	t.Helper()
	f := &fakeBackend{portfolio: portfolio}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/ai-traders/1/portfolio":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(f.portfolio))
		case r.Method == http.MethodPost && r.URL.Path == "/api/ai-traders/1/decisions":
			f.decisions++
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPost && r.URL.Path == "/api/ai-traders/1/execute":
			var req backend.ExecuteRequest
			json.NewDecoder(r.Body).Decode(&req)
			f.executes = append(f.executes, req)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPatch && r.URL.Path == "/api/ai-traders/1/decisions/mark-executed":
			f.marked++
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeBackend) executedActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	actions := make([]string, len(f.executes))
	for i, e := range f.executes {
		actions[i] = e.Action
	}
	return actions
}

func newTestScheduler(t *testing.T, backendURL string) *Scheduler {
	t.Helper()
	settings := &config.Settings{
		ModelDir:              t.TempDir(),
		CheckpointDir:         t.TempDir(),
		DefaultTimesteps:      256,
		DefaultLearningRate:   0.0003,
		DefaultBatchSize:      32,
		DefaultNSteps:         64,
		DefaultLookbackWindow: 20,
		BackendURL:            backendURL,
		MLServiceURL:          backendURL,
	}
	reg, err := registry.New(zap.NewNop(), settings.ModelDir, settings.CheckpointDir)
	if err != nil {
		t.Fatalf("Registry init failed: %v", err)
	}
	trainer := policy.NewTrainer(zap.NewNop(), settings, reg)
	pool := workers.NewPool(zap.NewNop(), workers.PoolConfig{Name: "test", NumWorkers: 1, QueueSize: 4})
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	sched := New(zap.NewNop(), settings, trainer, pool)
	sched.Bind(context.Background())
	return sched
}

// idleConfig never enters the trading window, so the loop only sleeps.
func idleConfig(traderID int) types.TraderConfig {
	cfg := types.DefaultTraderConfig(traderID, "idle")
	cfg.TradingDays = []string{}
	cfg.SelfTrainingEnabled = false
	cfg.CheckIntervalSeconds = 1
	return cfg
}

func TestStartTraderIdempotent(t *testing.T) {
	f := newFakeBackend(t, `{"cash":100000,"total_value":100000,"positions":{},"max_value":100000}`)
	sched := newTestScheduler(t, f.server.URL)

	if err := sched.StartTrader(idleConfig(1)); err != nil {
		t.Fatalf("StartTrader failed: %v", err)
	}
	defer sched.StopAll()

	// A second start on the same id is a no-op and keeps the single entry.
	if err := sched.StartTrader(idleConfig(1)); err != nil {
		t.Fatalf("Second StartTrader failed: %v", err)
	}
	if n := len(sched.Traders()); n != 1 {
		t.Errorf("Trader table has %d entries, want 1", n)
	}
	if !sched.IsRunning(1) {
		t.Error("Trader 1 should be running")
	}
}

func TestStopTraderRemovesEntry(t *testing.T) {
	f := newFakeBackend(t, `{"cash":100000,"total_value":100000,"positions":{},"max_value":100000}`)
	sched := newTestScheduler(t, f.server.URL)

	if err := sched.StartTrader(idleConfig(1)); err != nil {
		t.Fatalf("StartTrader failed: %v", err)
	}
	if err := sched.StopTrader(1); err != nil {
		t.Fatalf("StopTrader failed: %v", err)
	}
	if sched.IsRunning(1) {
		t.Error("Trader 1 should be stopped")
	}
	if err := sched.StopTrader(1); err == nil {
		t.Error("Stopping a stopped trader should error")
	}
}

func TestCooldownExpires(t *testing.T) {
	f := newFakeBackend(t, `{}`)
	sched := newTestScheduler(t, f.server.URL)

	current := time.Date(2024, 7, 3, 12, 0, 0, 0, time.UTC)
	sched.SetClock(func() time.Time { return current })

	sched.setCooldown(1, "SYM")
	if !sched.onCooldown(1, "SYM") {
		t.Fatal("Symbol should be on cooldown immediately after close")
	}

	// 10 minutes later: still inside the default 30-minute window.
	current = current.Add(10 * time.Minute)
	if !sched.onCooldown(1, "SYM") {
		t.Error("Symbol should still be on cooldown after 10 minutes")
	}

	// 31 minutes later: expired and pruned.
	current = current.Add(21 * time.Minute)
	if sched.onCooldown(1, "SYM") {
		t.Error("Cooldown should expire after 30 minutes")
	}
}

const sweepPortfolio = `{
  "cash": 50000,
  "total_value": 97000,
  "total_invested": 47000,
  "positions_count": 1,
  "positions": {
    "SYM": {
      "symbol": "SYM",
      "quantity": 100,
      "side": "long",
      "entry_price": 100,
      "current_price": 94,
      "stop_loss": 95,
      "take_profit": 110,
      "opened_at": "2024-07-03T11:57:00Z",
      "market_value": 9400,
      "value": 9400
    }
  },
  "daily_pnl": 0,
  "daily_pnl_pct": 0,
  "max_value": 100000
}`

func TestSweepClosesStopLossBypassingMinHolding(t *testing.T) {
	f := newFakeBackend(t, sweepPortfolio)
	sched := newTestScheduler(t, f.server.URL)

	// Three minutes after the position opened; the day-horizon floor would
	// block an engine close but not the sweep.
	sched.SetClock(func() time.Time {
		return time.Date(2024, 7, 3, 12, 0, 0, 0, time.UTC)
	})

	cfg := idleConfig(1)
	if err := sched.StartTrader(cfg); err != nil {
		t.Fatalf("StartTrader failed: %v", err)
	}
	defer sched.StopAll()

	handle := sched.traders[1]
	portfolio, err := handle.backendClient.GetPortfolio(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetPortfolio failed: %v", err)
	}

	closed := sched.sweepStopLevels(context.Background(), handle, portfolio, zap.NewNop())
	if _, ok := closed["SYM"]; !ok {
		t.Fatal("Sweep should close SYM at price 94 with SL 95")
	}

	actions := f.executedActions()
	if len(actions) != 1 || actions[0] != "close" {
		t.Fatalf("Executed actions = %v, want [close]", actions)
	}
	f.mu.Lock()
	execute := f.executes[0]
	marked := f.marked
	f.mu.Unlock()
	if execute.Quantity != 100 {
		t.Errorf("Close quantity = %d, want 100", execute.Quantity)
	}
	if marked != 1 {
		t.Errorf("Mark-executed calls = %d, want 1", marked)
	}
	if !sched.onCooldown(1, "SYM") {
		t.Error("Sweep close must start the cooldown")
	}
}

func TestSweepIgnoresUntriggeredPositions(t *testing.T) {
	portfolio := `{
	  "cash": 50000, "total_value": 100000, "positions_count": 1,
	  "positions": {
	    "SYM": {"symbol":"SYM","quantity":100,"side":"long","entry_price":100,
	      "current_price":100,"stop_loss":95,"take_profit":110,
	      "opened_at":"2024-07-03T10:00:00Z","market_value":10000,"value":10000}
	  },
	  "max_value": 100000
	}`
	f := newFakeBackend(t, portfolio)
	sched := newTestScheduler(t, f.server.URL)

	if err := sched.StartTrader(idleConfig(1)); err != nil {
		t.Fatalf("StartTrader failed: %v", err)
	}
	defer sched.StopAll()

	handle := sched.traders[1]
	snapshot, err := handle.backendClient.GetPortfolio(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetPortfolio failed: %v", err)
	}
	closed := sched.sweepStopLevels(context.Background(), handle, snapshot, zap.NewNop())
	if len(closed) != 0 {
		t.Errorf("Sweep closed %v with no trigger hit", closed)
	}
	if len(f.executedActions()) != 0 {
		t.Error("No execution expected without a trigger")
	}
}

func TestShortSweepTriggersInverted(t *testing.T) {
	portfolio := `{
	  "cash": 50000, "total_value": 100000, "positions_count": 1,
	  "positions": {
	    "SYM": {"symbol":"SYM","quantity":50,"side":"short","entry_price":100,
	      "current_price":106,"stop_loss":105,"take_profit":90,
	      "opened_at":"2024-07-03T10:00:00Z","market_value":5300,"value":5300}
	  },
	  "max_value": 100000
	}`
	f := newFakeBackend(t, portfolio)
	sched := newTestScheduler(t, f.server.URL)

	if err := sched.StartTrader(idleConfig(1)); err != nil {
		t.Fatalf("StartTrader failed: %v", err)
	}
	defer sched.StopAll()

	handle := sched.traders[1]
	snapshot, err := handle.backendClient.GetPortfolio(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetPortfolio failed: %v", err)
	}
	closed := sched.sweepStopLevels(context.Background(), handle, snapshot, zap.NewNop())
	if _, ok := closed["SYM"]; !ok {
		t.Fatal("Short above its stop must close")
	}
}

func TestConfigFromPersonality(t *testing.T) {
	raw := json.RawMessage(`{
	  "watchlist": {"symbols": ["AAPL", "MSFT"]},
	  "schedule": {"enabled": true, "checkIntervalSeconds": 120, "tradingStart": "08:00",
	    "tradingEnd": "16:00", "timezone": "America/New_York",
	    "tradingDays": ["mon", "wed"], "avoidMarketOpenMinutes": 10, "avoidMarketCloseMinutes": 5},
	  "signals": {"weights": {"ml": 0.4, "rl": 0.3, "sentiment": 0.1, "technical": 0.2},
	    "requireMultipleConfirmation": true, "minSignalAgreement": "strong"},
	  "trading": {"minConfidence": 0.7, "maxOpenPositions": 4, "horizon": "swing"},
	  "capital": {"initialBudget": 250000, "maxPositionSize": 20, "reserveCashPercent": 15},
	  "risk": {"tolerance": "aggressive", "maxDrawdown": 12, "stopLossPercent": 4,
	    "takeProfitPercent": 8, "allowShortSelling": true, "maxShortPositions": 2,
	    "maxShortExposure": 0.25},
	  "rl": {"selfTrainingEnabled": false, "selfTrainingIntervalMinutes": 90,
	    "selfTrainingTimesteps": 20000},
	  "rlAgentName": "custom_agent",
	  "unknownSection": {"foo": 1}
	}`)

	cfg, err := ConfigFromPersonality(zap.NewNop(), 9, "Swing Trader", raw)
	if err != nil {
		t.Fatalf("ConfigFromPersonality failed: %v", err)
	}

	if cfg.TraderID != 9 || cfg.Name != "Swing Trader" {
		t.Errorf("Identity mismatch: %+v", cfg)
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "AAPL" {
		t.Errorf("Symbols = %v", cfg.Symbols)
	}
	if cfg.CheckIntervalSeconds != 120 || cfg.Timezone != "America/New_York" {
		t.Errorf("Schedule mismatch: %+v", cfg)
	}
	if cfg.MLWeight != 0.4 || cfg.TechnicalWeight != 0.2 {
		t.Errorf("Weights mismatch: %+v", cfg)
	}
	if cfg.MinConfidence != 0.7 || cfg.MaxPositions != 4 {
		t.Errorf("Trading mismatch: %+v", cfg)
	}
	if cfg.TradingHorizon != types.HorizonSwing {
		t.Errorf("Horizon = %v, want swing", cfg.TradingHorizon)
	}
	if cfg.InitialBudget != 250000 || cfg.MaxPositionSize != 0.20 || cfg.ReserveCash != 0.15 {
		t.Errorf("Capital mismatch: %+v", cfg)
	}
	if cfg.MaxDrawdown != 0.12 || cfg.StopLossPct != 0.04 || cfg.TakeProfitPct != 0.08 {
		t.Errorf("Risk mismatch: %+v", cfg)
	}
	if !cfg.AllowShortSelling || cfg.MaxShortPositions != 2 || cfg.MaxShortExposure != 0.25 {
		t.Errorf("Short config mismatch: %+v", cfg)
	}
	if cfg.SelfTrainingEnabled || cfg.SelfTrainingTimesteps != 20000 {
		t.Errorf("Self-training mismatch: %+v", cfg)
	}
	if cfg.RLAgentName != "custom_agent" {
		t.Errorf("Agent name = %q", cfg.RLAgentName)
	}
}

func TestConfigFromPersonalityDefaults(t *testing.T) {
	cfg, err := ConfigFromPersonality(zap.NewNop(), 2, "Plain", nil)
	if err != nil {
		t.Fatalf("ConfigFromPersonality failed: %v", err)
	}
	defaults := types.DefaultTraderConfig(2, "Plain")
	if cfg.MinConfidence != defaults.MinConfidence || cfg.CooldownMinutes != defaults.CooldownMinutes {
		t.Errorf("Empty personality should keep defaults: %+v", cfg)
	}
}

// Package scheduler runs the per-trader control loops: scheduled symbol
// evaluation, stop-loss/take-profit sweeps, cooldowns, idle-time
// self-training and resume-on-boot.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/internal/backend"
	"github.com/atlas-desktop/rl-trader/internal/config"
	"github.com/atlas-desktop/rl-trader/internal/engine"
	"github.com/atlas-desktop/rl-trader/internal/metrics"
	"github.com/atlas-desktop/rl-trader/internal/mlservice"
	"github.com/atlas-desktop/rl-trader/internal/policy"
	"github.com/atlas-desktop/rl-trader/internal/risk"
	"github.com/atlas-desktop/rl-trader/internal/signals"
	"github.com/atlas-desktop/rl-trader/internal/workers"
	"github.com/atlas-desktop/rl-trader/pkg/types"
	"github.com/atlas-desktop/rl-trader/pkg/utils"
)

// TraderState is the lifecycle state of one trader task.
type TraderState string

const (
	StateStarting TraderState = "starting"
	StateRunning  TraderState = "running"
	StateStopping TraderState = "stopping"
)

// offHoursSleep is the idle re-check interval outside the trading window.
const offHoursSleep = 60 * time.Second

// traderHandle owns one trader loop and its resources.
type traderHandle struct {
	cfg    *types.TraderConfig
	engine *engine.Engine

	backendClient *backend.Client
	mlClient      *mlservice.Client

	cancel context.CancelFunc
	done   chan struct{}
	state  TraderState
}

// TraderStatus is the externally visible state of one trader.
type TraderStatus struct {
	TraderID int         `json:"trader_id"`
	Name     string      `json:"name"`
	State    TraderState `json:"state"`
	Symbols  []string    `json:"symbols"`
}

// Scheduler owns the trader table. All mutations happen from the
// scheduler's own methods; the table itself is the only cross-trader state.
type Scheduler struct {
	logger   *zap.Logger
	settings *config.Settings
	trainer  *policy.Trainer
	pool     *workers.Pool

	mu           sync.Mutex
	traders      map[int]*traderHandle
	cooldowns    map[int]map[string]time.Time
	lastTraining map[int]time.Time
	trainingBusy map[int]bool
	selfTraining map[int]*SelfTrainingStatus

	onDecision func(traderID int, decision *types.Decision)

	// rootCtx is what trader loops derive from; Bind sets it at boot.
	rootCtx context.Context

	// now is injectable for cooldown and schedule tests.
	now func() time.Time
}

// New creates the scheduler over the shared trainer and training pool.
func New(logger *zap.Logger, settings *config.Settings, trainer *policy.Trainer, pool *workers.Pool) *Scheduler {
	return &Scheduler{
		logger:       logger.Named("scheduler"),
		settings:     settings,
		trainer:      trainer,
		pool:         pool,
		traders:      make(map[int]*traderHandle),
		cooldowns:    make(map[int]map[string]time.Time),
		lastTraining: make(map[int]time.Time),
		trainingBusy: make(map[int]bool),
		selfTraining: make(map[int]*SelfTrainingStatus),
		rootCtx:      context.Background(),
		now:          time.Now,
	}
}

// Bind sets the root context every trader loop derives from. Call once at
// boot before starting traders.
func (s *Scheduler) Bind(ctx context.Context) { s.rootCtx = ctx }

// SetClock overrides the time source. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// OnDecision registers a hook invoked for every logged decision.
func (s *Scheduler) OnDecision(hook func(traderID int, decision *types.Decision)) {
	s.onDecision = hook
}

// StartTrader spawns the control loop for a trader. Starting an
// already-running trader is a no-op that preserves the existing task.
func (s *Scheduler) StartTrader(cfg types.TraderConfig) error {
	s.mu.Lock()
	if _, exists := s.traders[cfg.TraderID]; exists {
		s.mu.Unlock()
		s.logger.Info("Trader already running", zap.Int("trader", cfg.TraderID))
		return nil
	}

	handle := &traderHandle{
		cfg:   &cfg,
		state: StateStarting,
		done:  make(chan struct{}),
	}
	s.traders[cfg.TraderID] = handle
	s.mu.Unlock()

	handle.backendClient = backend.NewClient(s.logger, s.settings.BackendURL)
	handle.mlClient = mlservice.NewClient(s.logger, s.settings.MLServiceURL)

	agentName := s.agentName(&cfg)
	aggregator := signals.NewAggregator(s.logger, &cfg,
		signals.NewMLSource(s.logger, handle.mlClient),
		signals.NewRLSource(s.logger, s.trainer, agentName),
		signals.NewSentimentSource(s.logger, handle.backendClient),
		signals.NewTechnicalSource(s.logger),
	)
	riskManager := risk.NewManager(s.logger, &cfg, handle.backendClient)
	handle.engine = engine.New(s.logger, &cfg, aggregator, riskManager)

	loopCtx, cancel := context.WithCancel(s.rootCtx)
	handle.cancel = cancel

	s.mu.Lock()
	handle.state = StateRunning
	s.mu.Unlock()

	go s.runLoop(loopCtx, handle)
	metrics.ActiveTraders.Inc()
	s.logger.Info("Started trader",
		zap.Int("trader", cfg.TraderID),
		zap.String("name", cfg.Name),
		zap.Strings("symbols", cfg.Symbols))
	return nil
}

// StopTrader cancels a trader's loop, waits for it to drain and releases
// its clients. A pending self-training task is left to finish on the pool.
func (s *Scheduler) StopTrader(traderID int) error {
	s.mu.Lock()
	handle, exists := s.traders[traderID]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("trader %d is not running", traderID)
	}
	handle.state = StateStopping
	s.mu.Unlock()

	handle.cancel()
	<-handle.done

	handle.backendClient.Close()
	handle.mlClient.Close()

	s.mu.Lock()
	delete(s.traders, traderID)
	s.mu.Unlock()

	metrics.ActiveTraders.Dec()
	s.logger.Info("Stopped trader", zap.Int("trader", traderID))
	return nil
}

// StopAll stops every running trader.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	ids := make([]int, 0, len(s.traders))
	for id := range s.traders {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.StopTrader(id); err != nil {
			s.logger.Warn("Stop failed", zap.Int("trader", id), zap.Error(err))
		}
	}
}

// Traders returns the current trader table.
func (s *Scheduler) Traders() []TraderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TraderStatus, 0, len(s.traders))
	for id, h := range s.traders {
		out = append(out, TraderStatus{
			TraderID: id,
			Name:     h.cfg.Name,
			State:    h.state,
			Symbols:  h.cfg.Symbols,
		})
	}
	return out
}

// IsRunning reports whether a trader loop exists.
func (s *Scheduler) IsRunning(traderID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.traders[traderID]
	return ok
}

// agentName resolves the RL agent a trader consults and trains.
func (s *Scheduler) agentName(cfg *types.TraderConfig) string {
	if cfg.RLAgentName != "" {
		return cfg.RLAgentName
	}
	return fmt.Sprintf("trader_%d_agent", cfg.TraderID)
}

// runLoop is one trader's control loop. Per-symbol failures are recovered
// and the loop continues at the next tick; only cancellation exits.
func (s *Scheduler) runLoop(ctx context.Context, h *traderHandle) {
	defer close(h.done)
	log := s.logger.With(zap.Int("trader", h.cfg.TraderID))
	log.Info("Trader loop started")

	for {
		if ctx.Err() != nil {
			log.Info("Trader loop cancelled")
			return
		}

		if !s.isTradingTime(h.cfg) {
			if h.cfg.SelfTrainingEnabled {
				s.maybeSelfTrain(ctx, h)
			}
			if !sleepCtx(ctx, offHoursSleep) {
				return
			}
			continue
		}

		s.tick(ctx, h, log)

		interval := time.Duration(h.cfg.CheckIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		if !sleepCtx(ctx, interval) {
			return
		}
	}
}

// tick is one full evaluation cycle: portfolio fetch, SL/TP sweep, then
// per-symbol analysis with cooldown gating.
func (s *Scheduler) tick(ctx context.Context, h *traderHandle, log *zap.Logger) {
	portfolio := s.fetchPortfolio(ctx, h)

	closed := s.sweepStopLevels(ctx, h, portfolio, log)

	for _, symbol := range h.cfg.Symbols {
		if ctx.Err() != nil {
			return
		}
		if _, justClosed := closed[symbol]; justClosed {
			log.Debug("Skipping symbol closed by SL/TP sweep", zap.String("symbol", symbol))
			continue
		}
		if s.onCooldown(h.cfg.TraderID, symbol) {
			continue
		}

		if err := s.evaluateSymbol(ctx, h, portfolio, symbol, log); err != nil {
			metrics.LoopErrorsTotal.WithLabelValues(h.cfg.Name).Inc()
			log.Error("Symbol evaluation failed",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

// evaluateSymbol runs the engine for one symbol and executes the decision
// when actionable and risk-approved.
func (s *Scheduler) evaluateSymbol(ctx context.Context, h *traderHandle, portfolio *types.Portfolio, symbol string, log *zap.Logger) error {
	market, err := h.backendClient.GetMarketData(ctx, symbol)
	if err != nil {
		log.Warn("No market data", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	if market == nil {
		return nil
	}

	decision, err := h.engine.AnalyzeSymbol(ctx, symbol, market, portfolio)
	if err != nil {
		return err
	}

	s.logDecision(ctx, h, decision)

	if decision.DecisionType.Executable() && decision.RiskChecksPassed {
		if s.executeDecision(ctx, h, decision) {
			if decision.DecisionType == types.DecisionSell || decision.DecisionType == types.DecisionClose {
				s.setCooldown(h.cfg.TraderID, symbol)
			}
		}
	}
	return nil
}

// sweepStopLevels closes every open position whose SL or TP has triggered.
// These closes bypass the engine, risk checks and minimum-holding floors.
// Returns the set of symbols closed this cycle.
func (s *Scheduler) sweepStopLevels(ctx context.Context, h *traderHandle, portfolio *types.Portfolio, log *zap.Logger) map[string]struct{} {
	closed := make(map[string]struct{})

	for symbol, pos := range portfolio.Positions {
		if ctx.Err() != nil {
			return closed
		}
		currentPrice := pos.CurrentPrice.InexactFloat64()
		quantity := pos.Quantity.InexactFloat64()
		if currentPrice <= 0 || quantity == 0 {
			continue
		}

		stopLoss := pos.StopLoss.InexactFloat64()
		takeProfit := pos.TakeProfit.InexactFloat64()
		short := pos.IsShort()

		trigger := ""
		triggerPrice := 0.0
		switch {
		case stopLoss > 0 && !short && currentPrice <= stopLoss:
			trigger, triggerPrice = "stop_loss", stopLoss
		case stopLoss > 0 && short && currentPrice >= stopLoss:
			trigger, triggerPrice = "stop_loss", stopLoss
		case takeProfit > 0 && !short && currentPrice >= takeProfit:
			trigger, triggerPrice = "take_profit", takeProfit
		case takeProfit > 0 && short && currentPrice <= takeProfit:
			trigger, triggerPrice = "take_profit", takeProfit
		}
		if trigger == "" {
			continue
		}

		side := string(types.PositionSideLong)
		if short {
			side = string(types.PositionSideShort)
		}
		log.Info("Stop level hit",
			zap.String("symbol", symbol),
			zap.String("trigger", trigger),
			zap.String("side", side),
			zap.Float64("price", currentPrice))

		decision := &types.Decision{
			ID:           uuid.NewString(),
			Symbol:       symbol,
			DecisionType: types.DecisionClose,
			Confidence:   1.0,
			Agreement:    types.AgreementStrong,
			Reasoning: map[string]any{
				"trigger":       trigger,
				"trigger_price": triggerPrice,
				"current_price": currentPrice,
				"side":          side,
			},
			Summary: fmt.Sprintf("%s: Closing %s @ $%.2f (%s)",
				strings.ToUpper(trigger), side, currentPrice, symbol),
			Quantity:         int64(pos.Quantity.Abs().IntPart()),
			Price:            utils.FloatPtr(currentPrice),
			StopLoss:         utils.FloatPtr(stopLoss),
			TakeProfit:       utils.FloatPtr(takeProfit),
			RiskChecksPassed: true, // sweep closes bypass risk checks
			Timestamp:        s.now(),
		}

		s.logDecision(ctx, h, decision)
		if s.executeDecision(ctx, h, decision) {
			closed[symbol] = struct{}{}
			s.setCooldown(h.cfg.TraderID, symbol)
			metrics.SLTPTriggersTotal.WithLabelValues(h.cfg.Name, trigger).Inc()
		}
	}
	return closed
}

// fetchPortfolio returns the backend snapshot, or the default when the
// backend is unavailable.
func (s *Scheduler) fetchPortfolio(ctx context.Context, h *traderHandle) *types.Portfolio {
	portfolio, err := h.backendClient.GetPortfolio(ctx, h.cfg.TraderID)
	if err != nil {
		s.logger.Warn("Portfolio unavailable, using defaults",
			zap.Int("trader", h.cfg.TraderID), zap.Error(err))
		return types.DefaultPortfolio(h.cfg.InitialBudget)
	}
	return portfolio
}

// logDecision records the decision with the backend and the live hook.
func (s *Scheduler) logDecision(ctx context.Context, h *traderHandle, decision *types.Decision) {
	metrics.DecisionsTotal.WithLabelValues(h.cfg.Name, string(decision.DecisionType)).Inc()
	if err := h.backendClient.LogDecision(ctx, h.cfg.TraderID, decision); err != nil {
		s.logger.Warn("Failed to log decision",
			zap.Int("trader", h.cfg.TraderID), zap.Error(err))
	}
	if s.onDecision != nil {
		s.onDecision(h.cfg.TraderID, decision)
	}
}

// executeDecision posts the execute request and marks the decision executed
// on success. An execution failure is logged and the decision stays
// unmarked.
func (s *Scheduler) executeDecision(ctx context.Context, h *traderHandle, decision *types.Decision) bool {
	req := backend.ExecuteRequest{
		Symbol:     decision.Symbol,
		Action:     string(decision.DecisionType),
		Quantity:   decision.Quantity,
		Price:      decision.Price,
		StopLoss:   decision.StopLoss,
		TakeProfit: decision.TakeProfit,
		Reasoning:  decision.Summary,
	}
	if err := h.backendClient.Execute(ctx, h.cfg.TraderID, req); err != nil {
		metrics.TradeExecutionFailures.WithLabelValues(h.cfg.Name).Inc()
		s.logger.Warn("Trade execution failed",
			zap.Int("trader", h.cfg.TraderID),
			zap.String("symbol", decision.Symbol), zap.Error(err))
		return false
	}

	metrics.TradesExecutedTotal.WithLabelValues(h.cfg.Name, string(decision.DecisionType)).Inc()
	s.logger.Info("Trade executed",
		zap.Int("trader", h.cfg.TraderID),
		zap.String("symbol", decision.Symbol),
		zap.String("action", string(decision.DecisionType)),
		zap.Int64("quantity", decision.Quantity))

	if err := h.backendClient.MarkDecisionExecuted(ctx, h.cfg.TraderID, decision); err != nil {
		s.logger.Warn("Failed to mark decision executed",
			zap.Int("trader", h.cfg.TraderID), zap.Error(err))
	}
	return true
}

// onCooldown reports whether a symbol was closed recently. Expired entries
// are pruned on consultation.
func (s *Scheduler) onCooldown(traderID int, symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cooldowns, ok := s.cooldowns[traderID]
	if !ok {
		return false
	}
	lastClose, ok := cooldowns[symbol]
	if !ok {
		return false
	}

	minutes := 30
	if h, exists := s.traders[traderID]; exists && h.cfg.CooldownMinutes > 0 {
		minutes = h.cfg.CooldownMinutes
	}
	if s.now().Sub(lastClose) < time.Duration(minutes)*time.Minute {
		return true
	}
	delete(cooldowns, symbol)
	return false
}

// setCooldown stamps a symbol after a close to suppress immediate re-entry.
func (s *Scheduler) setCooldown(traderID int, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cooldowns[traderID] == nil {
		s.cooldowns[traderID] = make(map[string]time.Time)
	}
	s.cooldowns[traderID][symbol] = s.now()
}

// isTradingTime checks the trader's schedule window with open/close
// buffers. Schedule errors read as closed.
func (s *Scheduler) isTradingTime(cfg *types.TraderConfig) bool {
	if !cfg.ScheduleEnabled {
		return true
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		s.logger.Warn("Unknown trader timezone", zap.String("timezone", cfg.Timezone))
		return false
	}
	now := s.now().In(loc)

	weekday := strings.ToLower(now.Format("Mon"))
	dayAllowed := false
	for _, d := range cfg.TradingDays {
		if d == weekday {
			dayAllowed = true
			break
		}
	}
	if !dayAllowed {
		return false
	}

	start, err1 := parseClock(cfg.TradingStart)
	end, err2 := parseClock(cfg.TradingEnd)
	if err1 != nil || err2 != nil {
		return false
	}
	current := now.Hour()*60 + now.Minute()
	return current >= start+cfg.AvoidMarketOpen && current <= end-cfg.AvoidMarketClose
}

func parseClock(value string) (int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// sleepCtx sleeps unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

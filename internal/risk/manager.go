// Package risk runs the layered pre-trade checks for the decision engine.
// The check list is a fixed ordered sequence; a single blocker fails the
// batch, warnings pass through, and the graduated drawdown check yields a
// position-scale factor.
package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/internal/backend"
	"github.com/atlas-desktop/rl-trader/pkg/types"
)

// Severity grades a failed check.
type Severity string

const (
	SeverityBlocker Severity = "blocker"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Check is one risk check outcome.
type Check struct {
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Passed      bool     `json:"passed"`
	Value       string   `json:"value"`
	Limit       string   `json:"limit"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// Result aggregates one batch of checks.
type Result struct {
	AllPassed           bool     `json:"all_passed"`
	PassedCount         int      `json:"passed_count"`
	TotalCount          int      `json:"total_count"`
	Checks              []Check  `json:"checks"`
	Warnings            []string `json:"warnings"`
	Blockers            []string `json:"blockers"`
	PositionScaleFactor float64  `json:"position_scale_factor"`
}

// Manager evaluates all risk checks for one trader.
type Manager struct {
	logger  *zap.Logger
	cfg     *types.TraderConfig
	backend *backend.Client

	// now is injectable for trading-hours tests.
	now func() time.Time
}

// NewManager creates a risk manager bound to a trader config and its
// backend client (used for the VIX gate).
func NewManager(logger *zap.Logger, cfg *types.TraderConfig, client *backend.Client) *Manager {
	return &Manager{
		logger:  logger.Named("risk-manager"),
		cfg:     cfg,
		backend: client,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// CheckAll runs the full ordered check list.
func (m *Manager) CheckAll(
	ctx context.Context,
	symbol string,
	decisionType types.DecisionType,
	positionSize float64,
	portfolio *types.Portfolio,
	consecutiveLosses int,
) *Result {
	dd, scale := m.checkDrawdownGraduated(portfolio)

	checks := []Check{
		m.checkPositionSize(positionSize),
		m.checkMaxPositions(portfolio, decisionType),
		m.checkSymbolExposure(symbol, positionSize, portfolio),
		m.checkTotalExposure(positionSize, portfolio, decisionType),
		m.checkCashReserve(positionSize, portfolio),
		m.checkDailyLoss(portfolio),
		m.checkMaxDrawdown(portfolio),
		m.checkTradingHours(),
		m.checkLossCooldown(consecutiveLosses),
		m.checkVIX(ctx),
		dd,
	}

	result := &Result{
		Checks:              checks,
		TotalCount:          len(checks),
		PositionScaleFactor: scale,
	}
	for _, c := range checks {
		if c.Passed {
			result.PassedCount++
			continue
		}
		switch c.Severity {
		case SeverityBlocker:
			result.Blockers = append(result.Blockers, fmt.Sprintf("%s: %s", c.Name, c.Description))
		case SeverityWarning:
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Description))
		}
	}
	result.AllPassed = len(result.Blockers) == 0
	return result
}

func severityFor(passed bool) Severity {
	if passed {
		return SeverityInfo
	}
	return SeverityBlocker
}

func (m *Manager) checkPositionSize(positionSize float64) Check {
	maxPosition := m.cfg.InitialBudget * m.cfg.MaxPositionSize
	passed := positionSize <= maxPosition
	return Check{
		Name:        "Position Size",
		Category:    "position",
		Passed:      passed,
		Value:       fmt.Sprintf("$%.0f", positionSize),
		Limit:       fmt.Sprintf("$%.0f", maxPosition),
		Description: fmt.Sprintf("Position size must not exceed %.0f%% of budget", m.cfg.MaxPositionSize*100),
		Severity:    severityFor(passed),
	}
}

// checkMaxPositions only gates opening decisions; closes always pass.
func (m *Manager) checkMaxPositions(portfolio *types.Portfolio, decisionType types.DecisionType) Check {
	current := portfolio.PositionsCount
	passed := true
	if decisionType.Opens() {
		passed = current < m.cfg.MaxPositions
	}
	return Check{
		Name:        "Max Positions",
		Category:    "position",
		Passed:      passed,
		Value:       fmt.Sprintf("%d", current),
		Limit:       fmt.Sprintf("%d", m.cfg.MaxPositions),
		Description: fmt.Sprintf("Cannot exceed %d open positions", m.cfg.MaxPositions),
		Severity:    severityFor(passed),
	}
}

func (m *Manager) checkSymbolExposure(symbol string, positionSize float64, portfolio *types.Portfolio) Check {
	currentExposure := 0.0
	if pos, ok := portfolio.Positions[symbol]; ok {
		currentExposure = pos.Value.InexactFloat64()
	}
	total := currentExposure + positionSize
	maxExposure := m.cfg.InitialBudget * m.cfg.MaxPositionSize
	passed := total <= maxExposure
	return Check{
		Name:        "Symbol Exposure",
		Category:    "exposure",
		Passed:      passed,
		Value:       fmt.Sprintf("$%.0f", total),
		Limit:       fmt.Sprintf("$%.0f", maxExposure),
		Description: fmt.Sprintf("Total exposure to %s must not exceed the per-symbol cap", symbol),
		Severity:    severityFor(passed),
	}
}

func (m *Manager) checkTotalExposure(positionSize float64, portfolio *types.Portfolio, decisionType types.DecisionType) Check {
	totalInvested := portfolio.TotalInvested.InexactFloat64()
	if decisionType.Opens() {
		totalInvested += positionSize
	}
	maxExposure := m.cfg.InitialBudget * m.cfg.MaxTotalExposure
	passed := totalInvested <= maxExposure
	return Check{
		Name:        "Total Exposure",
		Category:    "exposure",
		Passed:      passed,
		Value:       fmt.Sprintf("$%.0f", totalInvested),
		Limit:       fmt.Sprintf("$%.0f", maxExposure),
		Description: fmt.Sprintf("Total exposure must not exceed %.0f%% of budget", m.cfg.MaxTotalExposure*100),
		Severity:    severityFor(passed),
	}
}

func (m *Manager) checkCashReserve(positionSize float64, portfolio *types.Portfolio) Check {
	cash := portfolio.Cash.InexactFloat64()
	if cash == 0 && portfolio.Positions == nil {
		cash = m.cfg.InitialBudget
	}
	minReserve := m.cfg.InitialBudget * m.cfg.ReserveCash
	remaining := cash - positionSize
	passed := remaining >= minReserve
	return Check{
		Name:        "Cash Reserve",
		Category:    "liquidity",
		Passed:      passed,
		Value:       fmt.Sprintf("$%.0f", remaining),
		Limit:       fmt.Sprintf("$%.0f", minReserve),
		Description: fmt.Sprintf("Must maintain %.0f%% cash reserve", m.cfg.ReserveCash*100),
		Severity:    severityFor(passed),
	}
}

func (m *Manager) checkDailyLoss(portfolio *types.Portfolio) Check {
	dailyPnLPct := portfolio.DailyPnLPct.InexactFloat64()
	maxLossPct := m.cfg.MaxDailyLoss * 100
	passed := dailyPnLPct > -maxLossPct
	severity := SeverityWarning
	if !passed {
		severity = SeverityBlocker
	}
	return Check{
		Name:        "Daily Loss",
		Category:    "loss_limit",
		Passed:      passed,
		Value:       fmt.Sprintf("%.2f%%", dailyPnLPct),
		Limit:       fmt.Sprintf("-%.1f%%", maxLossPct),
		Description: fmt.Sprintf("Daily loss must not exceed %.1f%%", maxLossPct),
		Severity:    severity,
	}
}

// drawdown derives the fraction lost from the portfolio's peak value.
func (m *Manager) drawdown(portfolio *types.Portfolio) float64 {
	maxValue := portfolio.MaxValue.InexactFloat64()
	if maxValue <= 0 {
		maxValue = m.cfg.InitialBudget
	}
	current := portfolio.TotalValue.InexactFloat64()
	if current == 0 {
		current = m.cfg.InitialBudget
	}
	if maxValue <= 0 {
		return 0
	}
	return (maxValue - current) / maxValue
}

func (m *Manager) checkMaxDrawdown(portfolio *types.Portfolio) Check {
	dd := m.drawdown(portfolio)
	passed := dd < m.cfg.MaxDrawdown
	severity := SeverityWarning
	if !passed {
		severity = SeverityBlocker
	}
	return Check{
		Name:        "Max Drawdown",
		Category:    "loss_limit",
		Passed:      passed,
		Value:       fmt.Sprintf("%.2f%%", dd*100),
		Limit:       fmt.Sprintf("%.1f%%", m.cfg.MaxDrawdown*100),
		Description: fmt.Sprintf("Drawdown must not exceed %.1f%%", m.cfg.MaxDrawdown*100),
		Severity:    severity,
	}
}

func (m *Manager) checkTradingHours() Check {
	if !m.cfg.ScheduleEnabled {
		return Check{
			Name: "Trading Hours", Category: "schedule", Passed: true,
			Value: "Disabled", Limit: "N/A",
			Description: "Schedule checks disabled", Severity: SeverityInfo,
		}
	}

	loc, err := time.LoadLocation(m.cfg.Timezone)
	if err != nil {
		return Check{
			Name: "Trading Hours", Category: "schedule", Passed: false,
			Value: "Error", Limit: "N/A",
			Description: fmt.Sprintf("Unknown timezone %q", m.cfg.Timezone),
			Severity:    SeverityWarning,
		}
	}
	now := m.now().In(loc)

	weekday := strings.ToLower(now.Format("Mon"))
	dayAllowed := false
	for _, d := range m.cfg.TradingDays {
		if d == weekday {
			dayAllowed = true
			break
		}
	}
	if !dayAllowed {
		return Check{
			Name: "Trading Hours", Category: "schedule", Passed: false,
			Value: weekday, Limit: strings.Join(m.cfg.TradingDays, ", "),
			Description: "Today is not a trading day", Severity: SeverityBlocker,
		}
	}

	start, err1 := minutesOfDay(m.cfg.TradingStart)
	end, err2 := minutesOfDay(m.cfg.TradingEnd)
	if err1 != nil || err2 != nil {
		return Check{
			Name: "Trading Hours", Category: "schedule", Passed: false,
			Value: "Error", Limit: "N/A",
			Description: "Malformed trading window", Severity: SeverityWarning,
		}
	}
	startBuffer := start + m.cfg.AvoidMarketOpen
	endBuffer := end - m.cfg.AvoidMarketClose
	current := now.Hour()*60 + now.Minute()
	passed := current >= startBuffer && current <= endBuffer

	return Check{
		Name:     "Trading Hours",
		Category: "schedule",
		Passed:   passed,
		Value:    now.Format("15:04"),
		Limit: fmt.Sprintf("%02d:%02d-%02d:%02d",
			startBuffer/60, startBuffer%60, endBuffer/60, endBuffer%60),
		Description: "Must trade within allowed hours (with buffers)",
		Severity:    severityFor(passed),
	}
}

func (m *Manager) checkLossCooldown(consecutiveLosses int) Check {
	passed := consecutiveLosses < m.cfg.MaxConsecutiveLosses
	description := fmt.Sprintf("%d/%d consecutive losses", consecutiveLosses, m.cfg.MaxConsecutiveLosses)
	if !passed {
		description = fmt.Sprintf("Cooldown active after %d consecutive losses", consecutiveLosses)
	}
	return Check{
		Name:        "Loss Cooldown",
		Category:    "protection",
		Passed:      passed,
		Value:       fmt.Sprintf("%d", consecutiveLosses),
		Limit:       fmt.Sprintf("%d", m.cfg.MaxConsecutiveLosses),
		Description: description,
		Severity:    severityFor(passed),
	}
}

// checkVIX gates on market volatility. Elevated VIX is a warning, never a
// blocker, and a failed fetch degrades to an info-level pass.
func (m *Manager) checkVIX(ctx context.Context) Check {
	limit := fmt.Sprintf("<%.0f", m.cfg.PauseOnHighVIX)

	vix, err := m.backend.GetVIXLevel(ctx)
	if err != nil {
		m.logger.Debug("VIX fetch failed", zap.Error(err))
		return Check{
			Name: "VIX Level", Category: "market", Passed: true,
			Value: "N/A", Limit: limit,
			Description: "Could not fetch VIX level", Severity: SeverityInfo,
		}
	}

	passed := vix < m.cfg.PauseOnHighVIX
	severity := SeverityInfo
	if !passed {
		severity = SeverityWarning
	}
	return Check{
		Name:        "VIX Level",
		Category:    "market",
		Passed:      passed,
		Value:       fmt.Sprintf("%.2f", vix),
		Limit:       limit,
		Description: "High VIX indicates elevated market volatility",
		Severity:    severity,
	}
}

// checkDrawdownGraduated scales position sizing down as drawdown approaches
// the configured maximum. Never a blocker; the hard stop is checkMaxDrawdown.
func (m *Manager) checkDrawdownGraduated(portfolio *types.Portfolio) (Check, float64) {
	dd := m.drawdown(portfolio)
	ratio := 0.0
	if m.cfg.MaxDrawdown > 0 {
		ratio = dd / m.cfg.MaxDrawdown
	}

	var (
		scale       float64
		severity    Severity
		description string
	)
	switch {
	case ratio < 0.25:
		scale = 1.0
		severity = SeverityInfo
		description = fmt.Sprintf("Drawdown %.1f%%: minimal, full position sizing", dd*100)
	case ratio < 0.50:
		scale = 0.75
		severity = SeverityWarning
		description = fmt.Sprintf("Drawdown %.1f%%: moderate, reducing positions to 75%%", dd*100)
	case ratio < 0.75:
		scale = 0.50
		severity = SeverityWarning
		description = fmt.Sprintf("Drawdown %.1f%%: elevated, reducing positions to 50%%", dd*100)
	default:
		scale = 0.30
		severity = SeverityWarning
		description = fmt.Sprintf("Drawdown %.1f%%: severe, reducing positions to 30%%", dd*100)
	}

	return Check{
		Name:        "Drawdown Scaling",
		Category:    "risk_scaling",
		Passed:      true,
		Value:       fmt.Sprintf("%.1f%% (%.0f%% of limit)", dd*100, ratio*100),
		Limit:       fmt.Sprintf("%.1f%%", m.cfg.MaxDrawdown*100),
		Description: description,
		Severity:    severity,
	}, scale
}

// minutesOfDay parses "HH:MM" into minutes since midnight.
func minutesOfDay(value string) (int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

package scheduler

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/pkg/types"
)

// personality mirrors the backend's nested trader configuration tree. This
// adapter is the single translation point from backend shape to the runtime
// TraderConfig; unknown fields are ignored with a warning.
type personality struct {
	Watchlist struct {
		Symbols []string `json:"symbols"`
	} `json:"watchlist"`
	Schedule struct {
		Enabled                 *bool    `json:"enabled"`
		CheckIntervalSeconds    *int     `json:"checkIntervalSeconds"`
		TradingStart            string   `json:"tradingStart"`
		TradingEnd              string   `json:"tradingEnd"`
		Timezone                string   `json:"timezone"`
		TradingDays             []string `json:"tradingDays"`
		AvoidMarketOpenMinutes  *int     `json:"avoidMarketOpenMinutes"`
		AvoidMarketCloseMinutes *int     `json:"avoidMarketCloseMinutes"`
	} `json:"schedule"`
	Signals struct {
		Weights struct {
			ML        *float64 `json:"ml"`
			RL        *float64 `json:"rl"`
			Sentiment *float64 `json:"sentiment"`
			Technical *float64 `json:"technical"`
		} `json:"weights"`
		RequireMultipleConfirmation *bool  `json:"requireMultipleConfirmation"`
		MinSignalAgreement          string `json:"minSignalAgreement"`
	} `json:"signals"`
	Trading struct {
		MinConfidence    *float64 `json:"minConfidence"`
		MaxOpenPositions *int     `json:"maxOpenPositions"`
		Horizon          string   `json:"horizon"`
	} `json:"trading"`
	Capital struct {
		InitialBudget      *float64 `json:"initialBudget"`
		MaxPositionSize    *float64 `json:"maxPositionSize"`    // percent
		ReserveCashPercent *float64 `json:"reserveCashPercent"` // percent
	} `json:"capital"`
	Risk struct {
		Tolerance         string   `json:"tolerance"`
		MaxDrawdown       *float64 `json:"maxDrawdown"`       // percent
		StopLossPercent   *float64 `json:"stopLossPercent"`   // percent
		TakeProfitPercent *float64 `json:"takeProfitPercent"` // percent
		AllowShortSelling *bool    `json:"allowShortSelling"`
		MaxShortPositions *int     `json:"maxShortPositions"`
		MaxShortExposure  *float64 `json:"maxShortExposure"` // fraction
	} `json:"risk"`
	RL struct {
		SelfTrainingEnabled         *bool  `json:"selfTrainingEnabled"`
		SelfTrainingIntervalMinutes *int   `json:"selfTrainingIntervalMinutes"`
		SelfTrainingTimesteps       *int64 `json:"selfTrainingTimesteps"`
	} `json:"rl"`
	RLAgentName string `json:"rlAgentName"`
}

// ConfigFromPersonality translates a backend personality tree into a
// TraderConfig, starting from defaults so omitted knobs keep their standard
// values.
func ConfigFromPersonality(logger *zap.Logger, traderID int, name string, raw json.RawMessage) (types.TraderConfig, error) {
	cfg := types.DefaultTraderConfig(traderID, name)
	if len(raw) == 0 {
		return cfg, nil
	}

	var tree personality
	if err := json.Unmarshal(raw, &tree); err != nil {
		return cfg, fmt.Errorf("parse personality: %w", err)
	}
	strict := json.NewDecoder(bytes.NewReader(raw))
	strict.DisallowUnknownFields()
	if err := strict.Decode(&personality{}); err != nil {
		logger.Warn("Ignoring unknown fields in personality",
			zap.Int("trader", traderID), zap.Error(err))
	}

	if len(tree.Watchlist.Symbols) > 0 {
		cfg.Symbols = tree.Watchlist.Symbols
	}

	schedule := tree.Schedule
	if schedule.Enabled != nil {
		cfg.ScheduleEnabled = *schedule.Enabled
	}
	if schedule.CheckIntervalSeconds != nil {
		cfg.CheckIntervalSeconds = *schedule.CheckIntervalSeconds
	}
	if schedule.TradingStart != "" {
		cfg.TradingStart = schedule.TradingStart
	}
	if schedule.TradingEnd != "" {
		cfg.TradingEnd = schedule.TradingEnd
	}
	if schedule.Timezone != "" {
		cfg.Timezone = schedule.Timezone
	}
	if len(schedule.TradingDays) > 0 {
		cfg.TradingDays = schedule.TradingDays
	}
	if schedule.AvoidMarketOpenMinutes != nil {
		cfg.AvoidMarketOpen = *schedule.AvoidMarketOpenMinutes
	}
	if schedule.AvoidMarketCloseMinutes != nil {
		cfg.AvoidMarketClose = *schedule.AvoidMarketCloseMinutes
	}

	weights := tree.Signals.Weights
	if weights.ML != nil {
		cfg.MLWeight = *weights.ML
	}
	if weights.RL != nil {
		cfg.RLWeight = *weights.RL
	}
	if weights.Sentiment != nil {
		cfg.SentimentWeight = *weights.Sentiment
	}
	if weights.Technical != nil {
		cfg.TechnicalWeight = *weights.Technical
	}
	if tree.Signals.RequireMultipleConfirmation != nil {
		cfg.RequireMultipleConfirmation = *tree.Signals.RequireMultipleConfirmation
	}
	if tree.Signals.MinSignalAgreement != "" {
		cfg.MinSignalAgreement = types.Agreement(tree.Signals.MinSignalAgreement)
	}

	if tree.Trading.MinConfidence != nil {
		cfg.MinConfidence = *tree.Trading.MinConfidence
	}
	if tree.Trading.MaxOpenPositions != nil {
		cfg.MaxPositions = *tree.Trading.MaxOpenPositions
	}
	if tree.Trading.Horizon != "" {
		switch horizon := types.TradingHorizon(tree.Trading.Horizon); horizon {
		case types.HorizonScalping, types.HorizonDay, types.HorizonSwing, types.HorizonPosition:
			cfg.TradingHorizon = horizon
		default:
			logger.Warn("Unknown trading horizon in personality",
				zap.Int("trader", traderID), zap.String("horizon", tree.Trading.Horizon))
		}
	}

	capital := tree.Capital
	if capital.InitialBudget != nil {
		cfg.InitialBudget = *capital.InitialBudget
	}
	if capital.MaxPositionSize != nil {
		cfg.MaxPositionSize = *capital.MaxPositionSize / 100
	}
	if capital.ReserveCashPercent != nil {
		cfg.ReserveCash = *capital.ReserveCashPercent / 100
	}

	riskTree := tree.Risk
	if riskTree.Tolerance != "" {
		cfg.RiskTolerance = types.RiskProfile(riskTree.Tolerance)
	}
	if riskTree.MaxDrawdown != nil {
		cfg.MaxDrawdown = *riskTree.MaxDrawdown / 100
	}
	if riskTree.StopLossPercent != nil {
		cfg.StopLossPct = *riskTree.StopLossPercent / 100
	}
	if riskTree.TakeProfitPercent != nil {
		cfg.TakeProfitPct = *riskTree.TakeProfitPercent / 100
	}
	if riskTree.AllowShortSelling != nil {
		cfg.AllowShortSelling = *riskTree.AllowShortSelling
	}
	if riskTree.MaxShortPositions != nil {
		cfg.MaxShortPositions = *riskTree.MaxShortPositions
	}
	if riskTree.MaxShortExposure != nil {
		cfg.MaxShortExposure = *riskTree.MaxShortExposure
	}

	rlTree := tree.RL
	if rlTree.SelfTrainingEnabled != nil {
		cfg.SelfTrainingEnabled = *rlTree.SelfTrainingEnabled
	}
	if rlTree.SelfTrainingIntervalMinutes != nil {
		cfg.SelfTrainingIntervalMinutes = *rlTree.SelfTrainingIntervalMinutes
	}
	if rlTree.SelfTrainingTimesteps != nil {
		cfg.SelfTrainingTimesteps = *rlTree.SelfTrainingTimesteps
	}
	cfg.RLAgentName = tree.RLAgentName

	return cfg, nil
}

package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/internal/backend"
	"github.com/atlas-desktop/rl-trader/internal/metrics"
	"github.com/atlas-desktop/rl-trader/internal/policy"
	"github.com/atlas-desktop/rl-trader/internal/workers"
	"github.com/atlas-desktop/rl-trader/pkg/types"
)

// Self-training data collection limits.
const (
	selfTrainSymbols     = 3
	selfTrainMaxAttempts = 10
	selfTrainMinBars     = 200
)

// selfTrainPeriods are tried in order until a symbol yields enough bars.
var selfTrainPeriods = []string{"5y", "2y", "1y"}

// SelfTrainingStatus is the published state of one trader's idle training.
type SelfTrainingStatus struct {
	IsTraining          bool     `json:"is_training"`
	Status              string   `json:"status"` // starting, training, complete, failed
	AgentName           string   `json:"agent_name"`
	Progress            float64  `json:"progress"`
	Timesteps           int64    `json:"timesteps"`
	TotalTimesteps      int64    `json:"total_timesteps"`
	CurrentReward       float64  `json:"current_reward,omitempty"`
	Message             string   `json:"message"`
	StartedAt           string   `json:"started_at,omitempty"`
	CompletedAt         string   `json:"completed_at,omitempty"`
	Symbols             []string `json:"symbols,omitempty"`
	CumulativeTimesteps int64    `json:"cumulative_timesteps,omitempty"`
	TrainingSessions    int      `json:"training_sessions,omitempty"`
	ContinuedTraining   bool     `json:"continued_training,omitempty"`
	MeanReturnPct       float64  `json:"mean_return_pct,omitempty"`
}

// SelfTrainingStatusFor returns the latest self-training status for a
// trader, nil when none has run.
func (s *Scheduler) SelfTrainingStatusFor(traderID int) *SelfTrainingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status, ok := s.selfTraining[traderID]; ok {
		copied := *status
		return &copied
	}
	return nil
}

func (s *Scheduler) setSelfTraining(traderID int, status SelfTrainingStatus) {
	s.mu.Lock()
	s.selfTraining[traderID] = &status
	s.mu.Unlock()
}

func (s *Scheduler) updateSelfTraining(traderID int, update func(st *SelfTrainingStatus)) {
	s.mu.Lock()
	if status, ok := s.selfTraining[traderID]; ok {
		update(status)
	}
	s.mu.Unlock()
}

// maybeSelfTrain fires an idle-time continue-training session when the
// cadence has elapsed and no training is already running for this trader.
// The session itself runs on the worker pool so the loop keeps ticking.
func (s *Scheduler) maybeSelfTrain(ctx context.Context, h *traderHandle) {
	traderID := h.cfg.TraderID

	s.mu.Lock()
	if s.trainingBusy[traderID] {
		s.mu.Unlock()
		return
	}
	interval := time.Duration(h.cfg.SelfTrainingIntervalMinutes) * time.Minute
	if last, ok := s.lastTraining[traderID]; ok && s.now().Sub(last) < interval {
		s.mu.Unlock()
		return
	}
	s.lastTraining[traderID] = s.now()
	s.trainingBusy[traderID] = true
	s.mu.Unlock()

	agentName := s.agentName(h.cfg)
	s.logger.Info("Starting self-training",
		zap.Int("trader", traderID), zap.String("agent", agentName))

	s.setSelfTraining(traderID, SelfTrainingStatus{
		IsTraining:     true,
		Status:         "starting",
		AgentName:      agentName,
		TotalTimesteps: h.cfg.SelfTrainingTimesteps,
		StartedAt:      s.now().Format(time.RFC3339),
		Message:        "Preparing training data...",
	})

	task := workers.TaskFunc(func(taskCtx context.Context) error {
		s.runSelfTraining(taskCtx, h, agentName)
		return nil
	})
	if err := s.pool.Submit(task); err != nil {
		s.logger.Warn("Could not queue self-training", zap.Int("trader", traderID), zap.Error(err))
		s.setSelfTraining(traderID, SelfTrainingStatus{
			Status:    "failed",
			AgentName: agentName,
			Message:   err.Error(),
		})
		s.mu.Lock()
		s.trainingBusy[traderID] = false
		s.mu.Unlock()
	}
}

// runSelfTraining executes the full idle-training procedure on a worker.
func (s *Scheduler) runSelfTraining(ctx context.Context, h *traderHandle, agentName string) {
	traderID := h.cfg.TraderID
	log := s.logger.With(zap.Int("trader", traderID), zap.String("agent", agentName))
	metrics.TrainingActive.Inc()
	defer func() {
		metrics.TrainingActive.Dec()
		s.mu.Lock()
		s.trainingBusy[traderID] = false
		s.mu.Unlock()
	}()

	startedAt := s.now()

	trainingData := s.collectTrainingData(ctx, h, log)
	if len(trainingData) == 0 {
		log.Warn("No training data available")
		metrics.TrainingSessionsTotal.WithLabelValues(agentName, "failed").Inc()
		s.setSelfTraining(traderID, SelfTrainingStatus{
			Status:    "failed",
			AgentName: agentName,
			Message:   "No training data available",
		})
		return
	}

	symbols := make([]string, 0, len(trainingData))
	for symbol := range trainingData {
		symbols = append(symbols, symbol)
	}

	s.updateSelfTraining(traderID, func(st *SelfTrainingStatus) {
		st.Status = "training"
		st.Progress = 20
		st.Symbols = symbols
		st.Message = fmt.Sprintf("Training on %d symbols...", len(trainingData))
	})

	agentCfg := h.cfg.AgentProfile(agentName)
	progress := func(u policy.ProgressUpdate) {
		s.updateSelfTraining(traderID, func(st *SelfTrainingStatus) {
			display := 20 + u.Progress*75
			if display > 95 {
				display = 95
			}
			st.Progress = display
			st.Timesteps = u.Timesteps
			st.TotalTimesteps = u.TotalTimesteps
			st.CurrentReward = u.MeanReward
			st.Message = fmt.Sprintf("Training... %d/%d steps", u.Timesteps, u.TotalTimesteps)
		})
	}

	meta, err := s.trainer.Train(ctx, agentName, agentCfg, trainingData, h.cfg.SelfTrainingTimesteps, policy.TrainOptions{
		ContinueTraining: true,
		Progress:         progress,
	})
	if err != nil {
		log.Error("Self-training failed", zap.Error(err))
		metrics.TrainingSessionsTotal.WithLabelValues(agentName, "failed").Inc()
		s.setSelfTraining(traderID, SelfTrainingStatus{
			Status:    "failed",
			AgentName: agentName,
			Symbols:   symbols,
			Message:   err.Error(),
		})
		return
	}

	meanReturn := meta.PerformanceMetrics["mean_return_pct"]
	log.Info("Self-training complete",
		zap.Bool("continued", meta.ContinuedFromPrevious),
		zap.Int64("cumulativeTimesteps", meta.CumulativeTimesteps),
		zap.Float64("meanReturnPct", meanReturn))
	metrics.TrainingSessionsTotal.WithLabelValues(agentName, "complete").Inc()

	s.setSelfTraining(traderID, SelfTrainingStatus{
		Status:              "complete",
		AgentName:           agentName,
		Progress:            100,
		Timesteps:           meta.TotalTimesteps,
		TotalTimesteps:      h.cfg.SelfTrainingTimesteps,
		CumulativeTimesteps: meta.CumulativeTimesteps,
		TrainingSessions:    meta.TrainingSessions,
		ContinuedTraining:   meta.ContinuedFromPrevious,
		MeanReturnPct:       meanReturn,
		CompletedAt:         s.now().Format(time.RFC3339),
		Symbols:             symbols,
		Message: fmt.Sprintf("Training complete! Return: %.2f%% (Total: %d steps)",
			meanReturn, meta.CumulativeTimesteps),
	})

	s.persistTrainingResult(ctx, h, agentName, meta, symbols, startedAt)
}

// collectTrainingData shuffles the watchlist and loads history symbol by
// symbol, longest period first, until enough symbols qualify or the attempt
// budget runs out.
func (s *Scheduler) collectTrainingData(ctx context.Context, h *traderHandle, log *zap.Logger) map[string][]types.Bar {
	available := append([]string(nil), h.cfg.Symbols...)
	rand.Shuffle(len(available), func(i, j int) {
		available[i], available[j] = available[j], available[i]
	})

	maxAttempts := len(available)
	if maxAttempts > selfTrainMaxAttempts {
		maxAttempts = selfTrainMaxAttempts
	}

	trainingData := make(map[string][]types.Bar)
	for attempt := 0; attempt < maxAttempts && len(trainingData) < selfTrainSymbols; attempt++ {
		if ctx.Err() != nil {
			return trainingData
		}
		symbol := available[attempt]

		for _, period := range selfTrainPeriods {
			bars, err := h.backendClient.GetChart(ctx, symbol, period)
			if err != nil {
				log.Debug("Chart fetch failed",
					zap.String("symbol", symbol), zap.String("period", period), zap.Error(err))
				continue
			}
			if len(bars) < selfTrainMinBars {
				log.Debug("Not enough history",
					zap.String("symbol", symbol), zap.String("period", period), zap.Int("bars", len(bars)))
				continue
			}
			trainingData[symbol] = bars
			log.Info("Loaded training history",
				zap.String("symbol", symbol), zap.String("period", period), zap.Int("bars", len(bars)))

			s.updateSelfTraining(h.cfg.TraderID, func(st *SelfTrainingStatus) {
				st.Progress = 10 + float64(len(trainingData))/selfTrainSymbols*10
				st.Symbols = append(st.Symbols[:0], sortedKeys(trainingData)...)
				st.Message = "Searching for training data..."
			})
			break
		}
	}
	return trainingData
}

// persistTrainingResult posts the training-history record and the event
// notification. Both are best-effort; notification errors are swallowed.
func (s *Scheduler) persistTrainingResult(ctx context.Context, h *traderHandle, agentName string, meta *types.AgentMetadata, symbols []string, startedAt time.Time) {
	trainingType := "self_training"
	if meta.ContinuedFromPrevious {
		trainingType = "continue_training"
	}
	record := backend.TrainingHistoryRecord{
		AgentName:             agentName,
		TrainingType:          trainingType,
		Status:                "completed",
		StartedAt:             startedAt.Format(time.RFC3339),
		CompletedAt:           s.now().Format(time.RFC3339),
		DurationSeconds:       meta.TrainingDurationSeconds,
		TotalTimesteps:        meta.TotalTimesteps,
		CumulativeTimesteps:   meta.CumulativeTimesteps,
		TrainingSessions:      meta.TrainingSessions,
		ContinuedFromPrevious: meta.ContinuedFromPrevious,
		BestReward:            meta.BestReward,
		MeanReturnPct:         meta.PerformanceMetrics["mean_return_pct"],
		MaxReturnPct:          meta.PerformanceMetrics["max_return_pct"],
		MinReturnPct:          meta.PerformanceMetrics["min_return_pct"],
		EpisodesCompleted:     meta.TotalEpisodes,
		CumulativeEpisodes:    meta.CumulativeEpisodes,
		SymbolsTrained:        symbols,
		Metadata: map[string]any{
			"performance_metrics":  meta.PerformanceMetrics,
			"continued_training":   meta.ContinuedFromPrevious,
			"cumulative_timesteps": meta.CumulativeTimesteps,
			"training_sessions":    meta.TrainingSessions,
		},
	}
	if err := h.backendClient.PostTrainingHistory(ctx, h.cfg.TraderID, record); err != nil {
		s.logger.Warn("Failed to persist training history",
			zap.Int("trader", h.cfg.TraderID), zap.Error(err))
	}

	message := fmt.Sprintf("Self-training complete. Return: %.2f%%", record.MeanReturnPct)
	if meta.ContinuedFromPrevious {
		message = fmt.Sprintf("Continue training complete. Return: %.2f%% (Total: %d steps)",
			record.MeanReturnPct, meta.CumulativeTimesteps)
	}
	// Event notification is informational only.
	_ = h.backendClient.PostEvent(ctx, h.cfg.TraderID, backend.EventNotification{
		EventType: "self_training_complete",
		Message:   message,
		Data: map[string]any{
			"agent_name":           agentName,
			"timesteps":            meta.TotalTimesteps,
			"cumulative_timesteps": meta.CumulativeTimesteps,
			"training_sessions":    meta.TrainingSessions,
			"continued_training":   meta.ContinuedFromPrevious,
			"mean_return_pct":      record.MeanReturnPct,
		},
	})
}

func sortedKeys(m map[string][]types.Bar) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

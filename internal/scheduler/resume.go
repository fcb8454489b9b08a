package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/internal/backend"
)

// resumeStartupDelay gives the backend time to come up before the resume
// query fires.
const resumeStartupDelay = 5 * time.Second

// ResumeRunningTraders queries the backend for traders marked running and
// restarts their loops. Called once on boot in its own goroutine; individual
// failures are logged and skipped.
func (s *Scheduler) ResumeRunningTraders(ctx context.Context) {
	if !sleepCtx(ctx, resumeStartupDelay) {
		return
	}

	client := backend.NewClient(s.logger, s.settings.BackendURL)
	defer client.Close()

	traders, err := client.ListTraders(ctx)
	if err != nil {
		s.logger.Warn("Could not fetch traders for resume", zap.Error(err))
		return
	}

	resumed := 0
	for _, trader := range traders {
		if trader.Status != "running" {
			continue
		}
		cfg, err := ConfigFromPersonality(s.logger, trader.ID, trader.Name, trader.Personality)
		if err != nil {
			s.logger.Error("Failed to translate trader personality",
				zap.Int("trader", trader.ID), zap.Error(err))
			continue
		}
		if err := s.StartTrader(cfg); err != nil {
			s.logger.Error("Failed to resume trader",
				zap.Int("trader", trader.ID), zap.Error(err))
			continue
		}
		resumed++
		s.logger.Info("Resumed trader",
			zap.Int("trader", trader.ID), zap.String("name", trader.Name))
	}

	if resumed == 0 {
		s.logger.Info("No running traders to resume")
	}
}

package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/pkg/utils"
)

// ProgressUpdate is emitted to the training progress function at regular
// intervals. All float fields are finite: a non-finite mean reward is
// reported as 0 and a non-finite best reward as nil.
type ProgressUpdate struct {
	AgentName        string   `json:"agent_name"`
	Progress         float64  `json:"progress"`
	Timesteps        int64    `json:"timesteps"`
	TotalTimesteps   int64    `json:"total_timesteps"`
	Episodes         int      `json:"episodes"`
	MeanReward       float64  `json:"mean_reward"`
	BestReward       *float64 `json:"best_reward"`
}

// ProgressFunc receives training progress updates.
type ProgressFunc func(ProgressUpdate)

// progressCallback tracks session-relative progress and the best episode
// reward, emitting updates through the configured function.
type progressCallback struct {
	logger         *zap.Logger
	agentName      string
	totalTimesteps int64
	emit           ProgressFunc

	startTimesteps int64
	lastLogStep    int64
	logInterval    int64
	bestReward     *float64
}

func newProgressCallback(logger *zap.Logger, agentName string, totalTimesteps int64, emit ProgressFunc) *progressCallback {
	interval := totalTimesteps / 100
	if interval < 1000 {
		interval = 1000
	}
	return &progressCallback{
		logger:         logger,
		agentName:      agentName,
		totalTimesteps: totalTimesteps,
		emit:           emit,
		logInterval:    interval,
	}
}

func (c *progressCallback) OnTrainingStart(p *PPO) {
	c.startTimesteps = p.NumTimesteps()
	c.lastLogStep = c.startTimesteps
	c.logger.Info("Training started",
		zap.String("agent", c.agentName),
		zap.Int64("totalTimesteps", c.totalTimesteps),
		zap.Int64("continuingFrom", c.startTimesteps))
}

func (c *progressCallback) OnStep(p *PPO, stats StepStats) bool {
	if rewards := p.EpisodeRewards(); len(rewards) > 0 {
		last := rewards[len(rewards)-1]
		if c.bestReward == nil || last > *c.bestReward {
			c.bestReward = utils.SanitizeFloat(last)
		}
	}

	session := stats.SessionTimesteps
	progress := float64(session) / float64(c.totalTimesteps)
	if progress > 1 {
		progress = 1
	}

	if stats.NumTimesteps-c.lastLogStep >= c.logInterval {
		c.lastLogStep = stats.NumTimesteps
		c.logger.Info("Training progress",
			zap.String("agent", c.agentName),
			zap.Float64("progress", progress),
			zap.Int64("sessionTimesteps", session),
			zap.Float64("meanReward", p.MeanRecentReward(100)))
	}

	if c.emit != nil {
		meanReward := p.MeanRecentReward(100)
		if sanitized := utils.SanitizeFloat(meanReward); sanitized == nil {
			meanReward = 0
		}
		c.emit(ProgressUpdate{
			AgentName:      c.agentName,
			Progress:       progress,
			Timesteps:      session,
			TotalTimesteps: c.totalTimesteps,
			Episodes:       stats.Episodes,
			MeanReward:     meanReward,
			BestReward:     c.bestReward,
		})
	}
	return true
}

func (c *progressCallback) OnRolloutEnd(p *PPO) {}

func (c *progressCallback) OnTrainingEnd(p *PPO) {
	c.logger.Info("Training completed",
		zap.String("agent", c.agentName),
		zap.Int("episodes", len(p.EpisodeRewards())))
}

// checkpointCallback saves policy snapshots at a fixed timestep cadence.
type checkpointCallback struct {
	logger   *zap.Logger
	dir      string
	saveFreq int64
	lastSave int64
}

func newCheckpointCallback(logger *zap.Logger, dir string, totalTimesteps int64) *checkpointCallback {
	freq := totalTimesteps / 10
	if freq < 1 {
		freq = 1
	}
	return &checkpointCallback{logger: logger, dir: dir, saveFreq: freq}
}

func (c *checkpointCallback) OnTrainingStart(p *PPO) {
	c.lastSave = p.NumTimesteps()
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		c.logger.Warn("Failed to create checkpoint dir", zap.Error(err))
	}
}

func (c *checkpointCallback) OnStep(p *PPO, stats StepStats) bool {
	if stats.NumTimesteps-c.lastSave < c.saveFreq {
		return true
	}
	c.lastSave = stats.NumTimesteps
	path := filepath.Join(c.dir, fmt.Sprintf("checkpoint_%d.bin", stats.NumTimesteps))
	if err := SaveArtifact(path, p.Net, p.NumTimesteps()); err != nil {
		c.logger.Warn("Checkpoint save failed", zap.Error(err))
	}
	return true
}

func (c *checkpointCallback) OnRolloutEnd(p *PPO)  {}
func (c *checkpointCallback) OnTrainingEnd(p *PPO) {}

// curriculumPhase is one stage of reward shaping.
type curriculumPhase struct {
	name        string
	boundary    float64 // session progress at which the phase ends
	multipliers map[string]float64
}

// CurriculumCallback ramps penalty weights over three phases so early
// exploration is not crushed by risk shaping. Penalty multipliers are
// non-decreasing across phases.
type CurriculumCallback struct {
	logger         *zap.Logger
	shapers        []RewardShaper
	totalTimesteps int64
	startTimesteps int64

	CurrentPhase int
	phases       []curriculumPhase
}

// RewardShaper is the slice of the environment the curriculum adjusts:
// the multiplier table scales the base reward weights for the phase.
type RewardShaper interface {
	ApplyRewardMultipliers(multipliers map[string]float64)
}

// NewCurriculumCallback builds the standard three-phase curriculum.
func NewCurriculumCallback(logger *zap.Logger) *CurriculumCallback {
	return &CurriculumCallback{
		logger: logger,
		phases: []curriculumPhase{
			{
				name:     "Easy (exploration)",
				boundary: 0.3,
				multipliers: map[string]float64{
					"drawdown_penalty_scale":    0.3,
					"step_fee_penalty_scale":    0.2,
					"opportunity_cost_scale":    0.0,
					"churning_penalty":          0.5,
					"holding_in_range_bonus":    1.5,
					"holding_too_long_penalty":  0.5,
				},
			},
			{
				name:     "Medium (risk aware)",
				boundary: 0.7,
				multipliers: map[string]float64{
					"drawdown_penalty_scale":    0.7,
					"step_fee_penalty_scale":    0.6,
					"opportunity_cost_scale":    0.5,
					"churning_penalty":          0.8,
					"holding_in_range_bonus":    1.2,
					"holding_too_long_penalty":  0.8,
				},
			},
			{
				name:     "Full (production shaping)",
				boundary: 1.0,
				multipliers: map[string]float64{
					"drawdown_penalty_scale":    1.0,
					"step_fee_penalty_scale":    1.0,
					"opportunity_cost_scale":    1.0,
					"churning_penalty":          1.0,
					"holding_in_range_bonus":    1.0,
					"holding_too_long_penalty":  1.0,
				},
			},
		},
	}
}

// PhaseNames returns the phase labels in order.
func (c *CurriculumCallback) PhaseNames() []string {
	names := make([]string, len(c.phases))
	for i, p := range c.phases {
		names[i] = p.name
	}
	return names
}

// PhaseBoundaries returns the session-progress boundaries in order.
func (c *CurriculumCallback) PhaseBoundaries() []float64 {
	bounds := make([]float64, len(c.phases))
	for i, p := range c.phases {
		bounds[i] = p.boundary
	}
	return bounds
}

// PhaseMultipliers returns the multiplier tables in order.
func (c *CurriculumCallback) PhaseMultipliers() []map[string]float64 {
	tables := make([]map[string]float64, len(c.phases))
	for i, p := range c.phases {
		tables[i] = p.multipliers
	}
	return tables
}

// AttachShapers registers the reward shapers the callback adjusts.
func (c *CurriculumCallback) AttachShapers(shapers []RewardShaper) {
	c.shapers = shapers
}

func (c *CurriculumCallback) OnTrainingStart(p *PPO) {
	c.startTimesteps = p.NumTimesteps()
	c.CurrentPhase = 0
	c.applyPhase(0)
}

func (c *CurriculumCallback) OnStep(p *PPO, stats StepStats) bool {
	progress := float64(stats.SessionTimesteps) / float64(stats.TotalTimesteps)
	for phase := len(c.phases) - 1; phase > c.CurrentPhase; phase-- {
		if progress >= c.phases[phase-1].boundary {
			c.CurrentPhase = phase
			c.applyPhase(phase)
			break
		}
	}
	return true
}

func (c *CurriculumCallback) OnRolloutEnd(p *PPO)  {}
func (c *CurriculumCallback) OnTrainingEnd(p *PPO) {}

func (c *CurriculumCallback) applyPhase(phase int) {
	if c.logger != nil {
		c.logger.Info("Curriculum phase",
			zap.Int("phase", phase+1),
			zap.String("name", c.phases[phase].name))
	}
	for _, s := range c.shapers {
		s.ApplyRewardMultipliers(c.phases[phase].multipliers)
	}
}

// Package registry tracks trained agents: their on-disk artifacts, metadata
// and live training status. It is a process-wide singleton initialised at
// boot and injected into the trainer and the API layer.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/pkg/types"
)

// Artifact file names inside <model_dir>/<agent_name>/.
const (
	ModelFile      = "model.bin"
	NormalizerFile = "vec_normalize.bin"
	MetadataFile   = "metadata.json"
)

// AgentState is the lifecycle state of an agent.
type AgentState string

const (
	StateIdle     AgentState = "idle"
	StateTraining AgentState = "training"
	StateTrained  AgentState = "trained"
	StateFailed   AgentState = "failed"
)

// AgentStatus is the in-memory status row for one agent.
type AgentStatus struct {
	Name               string             `json:"name"`
	Status             AgentState         `json:"status"`
	IsTrained          bool               `json:"is_trained"`
	TrainingProgress   float64            `json:"training_progress"`
	LastTrained        string             `json:"last_trained,omitempty"`
	TotalEpisodes      int64              `json:"total_episodes"`
	BestReward         *float64           `json:"best_reward,omitempty"`
	Config             *types.AgentConfig `json:"config,omitempty"`
	PerformanceMetrics map[string]float64 `json:"performance_metrics,omitempty"`
}

// Registry is the agent status table backed by the model directory.
type Registry struct {
	logger        *zap.Logger
	modelDir      string
	checkpointDir string

	mu       sync.RWMutex
	statuses map[string]*AgentStatus
	metadata map[string]*types.AgentMetadata
}

// New scans the model directory and builds the status table.
func New(logger *zap.Logger, modelDir, checkpointDir string) (*Registry, error) {
	r := &Registry{
		logger:        logger.Named("agent-registry"),
		modelDir:      modelDir,
		checkpointDir: checkpointDir,
		statuses:      make(map[string]*AgentStatus),
		metadata:      make(map[string]*types.AgentMetadata),
	}
	if err := r.scan(); err != nil {
		return nil, err
	}
	return r, nil
}

// scan loads metadata for every agent directory holding a policy artifact.
func (r *Registry) scan() error {
	entries, err := os.ReadDir(r.modelDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan model dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if _, err := os.Stat(r.ModelPath(name)); err != nil {
			continue
		}
		meta, err := r.readMetadata(name)
		if err != nil {
			r.logger.Warn("Could not load agent metadata",
				zap.String("agent", name), zap.Error(err))
			continue
		}
		cfg := meta.Config
		r.metadata[name] = meta
		r.statuses[name] = &AgentStatus{
			Name:               name,
			Status:             StateTrained,
			IsTrained:          true,
			LastTrained:        meta.TrainedAt,
			TotalEpisodes:      meta.CumulativeEpisodes,
			BestReward:         meta.BestReward,
			Config:             &cfg,
			PerformanceMetrics: meta.PerformanceMetrics,
		}
		r.logger.Info("Found existing agent", zap.String("agent", name))
	}
	return nil
}

func (r *Registry) readMetadata(name string) (*types.AgentMetadata, error) {
	data, err := os.ReadFile(r.MetadataPath(name))
	if err != nil {
		return nil, err
	}
	var meta types.AgentMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

// ModelPath returns the policy artifact path for an agent.
func (r *Registry) ModelPath(name string) string {
	return filepath.Join(r.modelDir, name, ModelFile)
}

// NormalizerPath returns the normaliser artifact path for an agent.
func (r *Registry) NormalizerPath(name string) string {
	return filepath.Join(r.modelDir, name, NormalizerFile)
}

// MetadataPath returns the metadata path for an agent.
func (r *Registry) MetadataPath(name string) string {
	return filepath.Join(r.modelDir, name, MetadataFile)
}

// AgentDir returns the artifact directory for an agent.
func (r *Registry) AgentDir(name string) string {
	return filepath.Join(r.modelDir, name)
}

// CheckpointDir returns the checkpoint directory for an agent.
func (r *Registry) CheckpointDir(name string) string {
	return filepath.Join(r.checkpointDir, name)
}

// Get returns the status for an agent, nil when unknown.
func (r *Registry) Get(name string) *AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.statuses[name]; ok {
		copied := *s
		return &copied
	}
	return nil
}

// List returns all agent statuses.
func (r *Registry) List() []*AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentStatus, 0, len(r.statuses))
	for _, s := range r.statuses {
		copied := *s
		out = append(out, &copied)
	}
	return out
}

// Metadata returns the persisted metadata for an agent, nil when unknown.
func (r *Registry) Metadata(name string) *types.AgentMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.metadata[name]; ok {
		copied := *m
		return &copied
	}
	return nil
}

// IsTrained reports whether the agent has a usable artifact.
func (r *Registry) IsTrained(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.statuses[name]
	return ok && s.IsTrained
}

// MarkTraining flips the agent into the training state.
func (r *Registry) MarkTraining(name string, cfg types.AgentConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[name] = &AgentStatus{
		Name:   name,
		Status: StateTraining,
		Config: &cfg,
	}
}

// MarkProgress updates the live training progress fraction.
func (r *Registry) MarkProgress(name string, progress float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.statuses[name]; ok {
		s.TrainingProgress = progress
	}
}

// MarkTrained records a completed session from its metadata.
func (r *Registry) MarkTrained(meta *types.AgentMetadata, perf map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg := meta.Config
	r.metadata[meta.AgentName] = meta
	r.statuses[meta.AgentName] = &AgentStatus{
		Name:               meta.AgentName,
		Status:             StateTrained,
		IsTrained:          true,
		TrainingProgress:   1,
		LastTrained:        meta.TrainedAt,
		TotalEpisodes:      meta.CumulativeEpisodes,
		BestReward:         meta.BestReward,
		Config:             &cfg,
		PerformanceMetrics: perf,
	}
}

// MarkFailed records a failed session.
func (r *Registry) MarkFailed(name string, cfg types.AgentConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[name] = &AgentStatus{
		Name:   name,
		Status: StateFailed,
		Config: &cfg,
	}
}

// Delete purges an agent's artifacts, checkpoints and status.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.statuses[name]; !ok {
		return fmt.Errorf("agent not found: %s", name)
	}
	if err := os.RemoveAll(r.AgentDir(name)); err != nil {
		return fmt.Errorf("remove agent dir: %w", err)
	}
	if err := os.RemoveAll(r.CheckpointDir(name)); err != nil {
		return fmt.Errorf("remove checkpoint dir: %w", err)
	}
	delete(r.statuses, name)
	delete(r.metadata, name)
	r.logger.Info("Deleted agent", zap.String("agent", name))
	return nil
}

package registry_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/internal/registry"
	"github.com/atlas-desktop/rl-trader/pkg/types"
)

func seedAgent(t *testing.T, modelDir, name string, sessions int, cumulative int64) {
	t.Helper()
	dir := filepath.Join(modelDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, registry.ModelFile), []byte("artifact"), 0o644); err != nil {
		t.Fatal(err)
	}
	meta := types.AgentMetadata{
		AgentName:           name,
		Config:              types.DefaultAgentConfig(name),
		TrainedAt:           "2024-07-01T12:00:00Z",
		TrainingSessions:    sessions,
		CumulativeTimesteps: cumulative,
		CumulativeEpisodes:  42,
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, registry.MetadataFile), encoded, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScanLoadsExistingAgents(t *testing.T) {
	modelDir := t.TempDir()
	checkpointDir := t.TempDir()
	seedAgent(t, modelDir, "alpha", 3, 30000)
	seedAgent(t, modelDir, "beta", 1, 10000)

	// A directory without a policy artifact is ignored.
	if err := os.MkdirAll(filepath.Join(modelDir, "incomplete"), 0o755); err != nil {
		t.Fatal(err)
	}

	reg, err := registry.New(zap.NewNop(), modelDir, checkpointDir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if len(reg.List()) != 2 {
		t.Fatalf("Loaded %d agents, want 2", len(reg.List()))
	}
	alpha := reg.Get("alpha")
	if alpha == nil || !alpha.IsTrained || alpha.Status != registry.StateTrained {
		t.Fatalf("Alpha status: %+v", alpha)
	}
	if alpha.TotalEpisodes != 42 {
		t.Errorf("TotalEpisodes = %d, want 42", alpha.TotalEpisodes)
	}
	if meta := reg.Metadata("alpha"); meta == nil || meta.CumulativeTimesteps != 30000 {
		t.Errorf("Metadata mismatch: %+v", meta)
	}
	if reg.Get("incomplete") != nil {
		t.Error("Directory without artifact must not register")
	}
}

func TestMarkLifecycle(t *testing.T) {
	reg, err := registry.New(zap.NewNop(), t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	cfg := types.DefaultAgentConfig("gamma")
	reg.MarkTraining("gamma", cfg)
	if status := reg.Get("gamma"); status.Status != registry.StateTraining || status.IsTrained {
		t.Errorf("After MarkTraining: %+v", status)
	}
	if reg.IsTrained("gamma") {
		t.Error("Training agent must not report trained")
	}

	reg.MarkFailed("gamma", cfg)
	if status := reg.Get("gamma"); status.Status != registry.StateFailed {
		t.Errorf("After MarkFailed: %+v", status)
	}

	meta := &types.AgentMetadata{
		AgentName:           "gamma",
		Config:              cfg,
		TrainedAt:           "2024-07-01T12:00:00Z",
		CumulativeTimesteps: 5000,
		TrainingSessions:    1,
	}
	reg.MarkTrained(meta, map[string]float64{"mean_reward": 1.5})
	if !reg.IsTrained("gamma") {
		t.Error("MarkTrained should flip IsTrained")
	}
}

func TestDeletePurges(t *testing.T) {
	modelDir := t.TempDir()
	checkpointDir := t.TempDir()
	seedAgent(t, modelDir, "delta", 1, 100)
	if err := os.MkdirAll(filepath.Join(checkpointDir, "delta"), 0o755); err != nil {
		t.Fatal(err)
	}

	reg, err := registry.New(zap.NewNop(), modelDir, checkpointDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Delete("delta"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(modelDir, "delta")); !os.IsNotExist(err) {
		t.Error("Agent dir should be removed")
	}
	if _, err := os.Stat(filepath.Join(checkpointDir, "delta")); !os.IsNotExist(err) {
		t.Error("Checkpoint dir should be removed")
	}
	if err := reg.Delete("delta"); err == nil {
		t.Error("Deleting an unknown agent should error")
	}
}

func TestPresetsCoverCommonStyles(t *testing.T) {
	presets := registry.Presets()
	for _, name := range []string{"conservative_swing", "aggressive_momentum", "day_trader", "position_investor", "balanced_trader"} {
		preset, ok := presets[name]
		if !ok {
			t.Errorf("Missing preset %s", name)
			continue
		}
		if preset.Name != name {
			t.Errorf("Preset %s has name %s", name, preset.Name)
		}
	}
	if presets["position_investor"].TrailingStop != true {
		t.Error("Position investor should use a trailing stop")
	}
}

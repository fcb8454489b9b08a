package policy_test

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/internal/config"
	"github.com/atlas-desktop/rl-trader/internal/policy"
	"github.com/atlas-desktop/rl-trader/internal/registry"
	"github.com/atlas-desktop/rl-trader/pkg/types"
)

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	return &config.Settings{
		ModelDir:              t.TempDir(),
		CheckpointDir:         t.TempDir(),
		DefaultTimesteps:      256,
		DefaultLearningRate:   0.0003,
		DefaultBatchSize:      32,
		DefaultNSteps:         64,
		DefaultLookbackWindow: 20,
		DefaultInitialBalance: 100000,
	}
}

func newTestTrainer(t *testing.T) (*policy.Trainer, *registry.Registry, *config.Settings) {
	t.Helper()
	settings := testSettings(t)
	reg, err := registry.New(zap.NewNop(), settings.ModelDir, settings.CheckpointDir)
	if err != nil {
		t.Fatalf("Registry init failed: %v", err)
	}
	return policy.NewTrainer(zap.NewNop(), settings, reg), reg, settings
}

func trainingBars(n int, seedShift float64) []types.Bar {
	bars := make([]types.Bar, n)
	base := time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := 0; i < n; i++ {
		change := 0.0008 + 0.01*math.Sin(float64(i)/9+seedShift)
		open := price
		price *= 1 + change
		bars[i] = types.Bar{
			Timestamp: base.AddDate(0, 0, i),
			Open:      open,
			High:      math.Max(open, price) * 1.004,
			Low:       math.Min(open, price) * 0.996,
			Close:     price,
			Volume:    3_000_000,
		}
	}
	return bars
}

func smallAgentConfig(name string) types.AgentConfig {
	cfg := types.DefaultAgentConfig(name)
	cfg.LookbackWindow = 20
	cfg.SlippageModel = "none"
	return cfg
}

func TestTrainPersistsArtifactsAndMetadata(t *testing.T) {
	trainer, reg, _ := newTestTrainer(t)

	data := map[string][]types.Bar{"AAPL": trainingBars(400, 0)}
	meta, err := trainer.Train(context.Background(), "agent_a", smallAgentConfig("agent_a"),
		data, 128, policy.TrainOptions{Seed: 42})
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if meta.TrainingSessions != 1 {
		t.Errorf("TrainingSessions = %d, want 1", meta.TrainingSessions)
	}
	if meta.ContinuedFromPrevious {
		t.Error("Fresh training must not report continuation")
	}
	if meta.CumulativeTimesteps < 128 {
		t.Errorf("CumulativeTimesteps = %d, want >= 128", meta.CumulativeTimesteps)
	}
	if meta.TotalTimesteps != meta.CumulativeTimesteps {
		t.Errorf("First session: total %d != cumulative %d", meta.TotalTimesteps, meta.CumulativeTimesteps)
	}
	if meta.WalkForwardSplit["train_pct"] != 80 {
		t.Errorf("Walk-forward split = %v", meta.WalkForwardSplit)
	}

	status := reg.Get("agent_a")
	if status == nil || !status.IsTrained || status.Status != registry.StateTrained {
		t.Fatalf("Registry status after training: %+v", status)
	}
}

func TestContinueTrainingAccumulatesAndPreservesArchitecture(t *testing.T) {
	trainer, _, _ := newTestTrainer(t)
	data := map[string][]types.Bar{"MSFT": trainingBars(400, 1)}

	first := smallAgentConfig("agent_b")
	firstMeta, err := trainer.Train(context.Background(), "agent_b", first, data, 128,
		policy.TrainOptions{Seed: 1})
	if err != nil {
		t.Fatalf("First session failed: %v", err)
	}

	// The second config flips the architecture selector and changes the
	// balance; only the trading fields may take effect.
	second := smallAgentConfig("agent_b")
	second.UseTransformerPolicy = true
	second.TransformerDModel = 128
	second.InitialBalance = 200000
	secondMeta, err := trainer.Train(context.Background(), "agent_b", second, data, 128,
		policy.TrainOptions{Seed: 2, ContinueTraining: true})
	if err != nil {
		t.Fatalf("Continue session failed: %v", err)
	}

	if !secondMeta.ContinuedFromPrevious {
		t.Error("Second session should report continuation")
	}
	if secondMeta.TrainingSessions != firstMeta.TrainingSessions+1 {
		t.Errorf("TrainingSessions = %d, want %d", secondMeta.TrainingSessions, firstMeta.TrainingSessions+1)
	}
	if secondMeta.CumulativeTimesteps < firstMeta.CumulativeTimesteps+secondMeta.TotalTimesteps {
		t.Errorf("Cumulative timesteps did not accumulate: %d after %d",
			secondMeta.CumulativeTimesteps, firstMeta.CumulativeTimesteps)
	}
	if secondMeta.Config.UseTransformerPolicy {
		t.Error("Architecture selector must come from the persisted config")
	}
	if secondMeta.Config.InitialBalance != 200000 {
		t.Errorf("Trading field initial_balance = %v, want 200000", secondMeta.Config.InitialBalance)
	}
}

func TestTrainRejectsInsufficientData(t *testing.T) {
	trainer, _, _ := newTestTrainer(t)
	data := map[string][]types.Bar{"TINY": trainingBars(150, 0)}
	if _, err := trainer.Train(context.Background(), "agent_c", smallAgentConfig("agent_c"),
		data, 64, policy.TrainOptions{Seed: 3}); err == nil {
		t.Error("Expected error for symbols under the minimum row count")
	}
}

func TestGetTradingSignalShape(t *testing.T) {
	trainer, _, _ := newTestTrainer(t)
	data := map[string][]types.Bar{"GOOG": trainingBars(400, 2)}
	if _, err := trainer.Train(context.Background(), "agent_d", smallAgentConfig("agent_d"),
		data, 128, policy.TrainOptions{Seed: 4}); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	signal, err := trainer.GetTradingSignal("agent_d", trainingBars(200, 2), nil)
	if err != nil {
		t.Fatalf("GetTradingSignal failed: %v", err)
	}

	switch signal.Signal {
	case "buy", "sell", "hold":
	default:
		t.Errorf("Unexpected signal %q", signal.Signal)
	}

	sum := 0.0
	maxProb := 0.0
	for _, p := range signal.ActionProbabilities {
		sum += p
		if p > maxProb {
			maxProb = p
		}
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("Action probabilities sum to %v", sum)
	}
	if math.Abs(signal.Confidence-maxProb) > 1e-9 {
		t.Errorf("Confidence %v must equal the chosen action's probability %v", signal.Confidence, maxProb)
	}
}

func TestGetTradingSignalUnknownAgent(t *testing.T) {
	trainer, _, _ := newTestTrainer(t)
	if _, err := trainer.GetTradingSignal("missing", trainingBars(200, 0), nil); err == nil {
		t.Error("Expected error for unknown agent")
	}
}

func TestFeatureImportanceTopN(t *testing.T) {
	trainer, _, _ := newTestTrainer(t)
	data := map[string][]types.Bar{"AMZN": trainingBars(400, 3)}
	if _, err := trainer.Train(context.Background(), "agent_e", smallAgentConfig("agent_e"),
		data, 128, policy.TrainOptions{Seed: 5}); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	impacts, err := trainer.FeatureImportance("agent_e", trainingBars(200, 3), 10)
	if err != nil {
		t.Fatalf("FeatureImportance failed: %v", err)
	}
	if len(impacts) != 10 {
		t.Fatalf("Got %d impacts, want 10", len(impacts))
	}
	for i := 1; i < len(impacts); i++ {
		if impacts[i].Impact > impacts[i-1].Impact {
			t.Error("Impacts are not sorted descending")
			break
		}
	}
}

func TestDeleteAgentPurgesArtifacts(t *testing.T) {
	trainer, reg, _ := newTestTrainer(t)
	data := map[string][]types.Bar{"TSLA": trainingBars(400, 4)}
	if _, err := trainer.Train(context.Background(), "agent_f", smallAgentConfig("agent_f"),
		data, 128, policy.TrainOptions{Seed: 6}); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if err := trainer.DeleteAgent("agent_f"); err != nil {
		t.Fatalf("DeleteAgent failed: %v", err)
	}
	if reg.Get("agent_f") != nil {
		t.Error("Agent still present after delete")
	}
	if err := trainer.DeleteAgent("agent_f"); err == nil {
		t.Error("Second delete should fail")
	}
}

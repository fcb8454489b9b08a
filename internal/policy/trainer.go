package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/rl-trader/internal/config"
	tradeenv "github.com/atlas-desktop/rl-trader/internal/env"
	"github.com/atlas-desktop/rl-trader/internal/indicators"
	"github.com/atlas-desktop/rl-trader/internal/registry"
	"github.com/atlas-desktop/rl-trader/pkg/types"
	"github.com/atlas-desktop/rl-trader/pkg/utils"
)

// Minimum data requirements for the walk-forward split.
const (
	minSymbolRows = 200
	minTrainRows  = 150
	minTestRows   = 100
)

// ErrTrainingInProgress signals a duplicate training request for one agent.
var ErrTrainingInProgress = fmt.Errorf("training already in progress")

// TrainOptions tune one training session.
type TrainOptions struct {
	// ContinueTraining loads the prior artifact and extends it; a missing
	// artifact silently falls back to fresh training.
	ContinueTraining bool
	// Progress receives periodic updates; may be nil.
	Progress ProgressFunc
	// Curriculum enables the three-phase reward shaping schedule.
	Curriculum bool
	// Seed pins the session RNG; 0 draws a random seed.
	Seed int64
}

// cachedAgent is a loaded network shared read-only for inference.
type cachedAgent struct {
	net Network
}

// Trainer manages PPO training sessions, artifact persistence and signal
// inference for all agents.
type Trainer struct {
	logger   *zap.Logger
	settings *config.Settings
	registry *registry.Registry

	mu     sync.Mutex
	active map[string]bool
	cache  map[string]*cachedAgent

	logsMu sync.Mutex
	logs   map[string][]TrainingLogEntry
}

// TrainingLogEntry is one line in an agent's training log ring.
type TrainingLogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// maxLogLines bounds the per-agent training log ring.
const maxLogLines = 500

// NewTrainer creates the trainer over the shared registry.
func NewTrainer(logger *zap.Logger, settings *config.Settings, reg *registry.Registry) *Trainer {
	return &Trainer{
		logger:   logger.Named("trainer"),
		settings: settings,
		registry: reg,
		active:   make(map[string]bool),
		cache:    make(map[string]*cachedAgent),
		logs:     make(map[string][]TrainingLogEntry),
	}
}

// Registry exposes the backing registry.
func (t *Trainer) Registry() *registry.Registry { return t.registry }

// TrainingLogs returns the recent training log lines for an agent.
func (t *Trainer) TrainingLogs(agentName string) []TrainingLogEntry {
	t.logsMu.Lock()
	defer t.logsMu.Unlock()
	return append([]TrainingLogEntry(nil), t.logs[agentName]...)
}

func (t *Trainer) addLog(agentName, level, message string) {
	t.logsMu.Lock()
	defer t.logsMu.Unlock()
	lines := append(t.logs[agentName], TrainingLogEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     level,
		Message:   message,
	})
	if len(lines) > maxLogLines {
		lines = lines[len(lines)-maxLogLines:]
	}
	t.logs[agentName] = lines
}

// DeleteAgent purges artifacts and evicts the cached network.
func (t *Trainer) DeleteAgent(name string) error {
	t.mu.Lock()
	delete(t.cache, name)
	t.mu.Unlock()
	return t.registry.Delete(name)
}

// acquire marks an agent as training; a second concurrent session for the
// same name fails fast.
func (t *Trainer) acquire(agentName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[agentName] {
		return fmt.Errorf("%w for agent %s", ErrTrainingInProgress, agentName)
	}
	t.active[agentName] = true
	return nil
}

func (t *Trainer) release(agentName string) {
	t.mu.Lock()
	delete(t.active, agentName)
	t.mu.Unlock()
}

// IsTraining reports whether an agent has an active session.
func (t *Trainer) IsTraining(agentName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[agentName]
}

// Train runs one PPO session over the given per-symbol bars and persists the
// resulting artifact with cumulative metadata. Safe for concurrent use
// across distinct agent names; per-name sessions are exclusive.
func (t *Trainer) Train(
	ctx context.Context,
	agentName string,
	cfg types.AgentConfig,
	trainingData map[string][]types.Bar,
	totalTimesteps int64,
	opts TrainOptions,
) (*types.AgentMetadata, error) {
	if err := t.acquire(agentName); err != nil {
		return nil, err
	}
	defer t.release(agentName)

	if totalTimesteps <= 0 {
		totalTimesteps = t.settings.DefaultTimesteps
	}
	if cfg.LookbackWindow <= 0 {
		cfg.LookbackWindow = t.settings.DefaultLookbackWindow
	}

	t.registry.MarkTraining(agentName, cfg)
	t.addLog(agentName, "info", fmt.Sprintf("Training started (continue=%v, timesteps=%d)", opts.ContinueTraining, totalTimesteps))

	meta, err := t.train(ctx, agentName, cfg, trainingData, totalTimesteps, opts)
	if err != nil {
		t.registry.MarkFailed(agentName, cfg)
		t.addLog(agentName, "error", fmt.Sprintf("Training failed: %v", err))
		return nil, err
	}
	t.addLog(agentName, "info", "Training completed")
	return meta, nil
}

func (t *Trainer) train(
	ctx context.Context,
	agentName string,
	cfg types.AgentConfig,
	trainingData map[string][]types.Bar,
	totalTimesteps int64,
	opts TrainOptions,
) (*types.AgentMetadata, error) {
	log := t.logger.With(zap.String("agent", agentName))

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	// Prior state for cumulative tracking and architecture preservation.
	var (
		cumulativeTimesteps int64
		cumulativeEpisodes  int64
		trainingSessions    int
		savedConfig         *types.AgentConfig
	)
	hasModel := fileExists(t.registry.ModelPath(agentName))
	willContinue := opts.ContinueTraining && hasModel

	if willContinue {
		if prior := t.registry.Metadata(agentName); prior != nil {
			cumulativeTimesteps = prior.CumulativeTimesteps
			cumulativeEpisodes = prior.CumulativeEpisodes
			trainingSessions = prior.TrainingSessions
			saved := prior.Config
			savedConfig = &saved
			log.Info("Continuing from existing model",
				zap.Int64("cumulativeTimesteps", cumulativeTimesteps),
				zap.Bool("transformer", saved.UseTransformerPolicy))
		} else {
			log.Warn("Existing model has no metadata, treating as fresh")
		}
	}

	// The persisted config is authoritative for architecture; only trading
	// fields follow the incoming config.
	effective := cfg
	if willContinue && savedConfig != nil {
		effective = types.MergeForContinue(*savedConfig, cfg)
	}

	trainFrames, testFrames, err := t.walkForwardSplit(log, trainingData)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(trainFrames))
	for symbol := range trainFrames {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	envs := make([]*tradeenv.Env, 0, len(symbols))
	for _, symbol := range symbols {
		e, err := tradeenv.New(trainFrames[symbol], effective, tradeenv.Options{
			Rand: rand.New(rand.NewSource(rng.Int63())),
		})
		if err != nil {
			return nil, fmt.Errorf("environment for %s: %w", symbol, err)
		}
		envs = append(envs, e)
	}
	if len(envs) == 0 {
		return nil, fmt.Errorf("no valid training data provided")
	}
	log.Info("Vectorised training environments", zap.Int("envs", len(envs)), zap.Strings("symbols", symbols))

	obsDim := envs[0].ObservationDim()
	numActions := envs[0].NumActions()

	// Observation and reward normalisation, resumable across sessions.
	var norm *Normalizer
	if willContinue && fileExists(t.registry.NormalizerPath(agentName)) {
		loaded, err := LoadNormalizer(t.registry.NormalizerPath(agentName))
		if err != nil {
			log.Warn("Could not load normalisation statistics", zap.Error(err))
		} else {
			norm = loaded
			norm.Training = true
			norm.NormReward = true
			norm.ResetReturns(len(envs))
			log.Info("Loaded normalisation statistics")
		}
	}
	if norm == nil {
		norm = NewNormalizer(obsDim, len(envs), effective.Gamma)
	}

	// Policy network: the artifact's own spec wins when continuing.
	var net Network
	var loadedTimesteps int64
	if willContinue {
		loadedNet, steps, err := LoadArtifact(t.registry.ModelPath(agentName), rng)
		if err != nil {
			log.Warn("Failed to load existing model, training from scratch", zap.Error(err))
			willContinue = false
			cumulativeTimesteps, cumulativeEpisodes, trainingSessions = 0, 0, 0
			effective = cfg
		} else {
			net = loadedNet
			loadedTimesteps = steps
		}
	}
	if net == nil {
		spec := ArchFromConfig(effective, obsDim, numActions,
			envs[0].WindowSize(), envs[0].NumFeatures(), tradeenv.NumPortfolioFeatures)
		built, err := NewNetwork(spec, rng)
		if err != nil {
			return nil, err
		}
		net = built
		log.Info("Created policy network",
			zap.String("type", spec.Type),
			zap.Int("parameters", net.Params().Count()))
	}

	ppoCfg := DefaultPPOConfig()
	ppoCfg.LearningRate = effective.LearningRate
	ppoCfg.Gamma = effective.Gamma
	ppoCfg.EntCoef = effective.EntCoef
	ppoCfg.NSteps = t.settings.DefaultNSteps
	ppoCfg.BatchSize = t.settings.DefaultBatchSize

	ppo := NewPPO(net, ppoCfg, rng)
	ppo.SetNumTimesteps(loadedTimesteps)
	startTimesteps := ppo.NumTimesteps()

	progress := newProgressCallback(log, agentName, totalTimesteps, func(u ProgressUpdate) {
		t.registry.MarkProgress(agentName, u.Progress)
		if opts.Progress != nil {
			opts.Progress(u)
		}
	})
	checkpoints := newCheckpointCallback(log, t.registry.CheckpointDir(agentName), totalTimesteps)
	callbacks := []Callback{progress, checkpoints}
	if opts.Curriculum {
		curriculum := NewCurriculumCallback(log)
		shapers := make([]RewardShaper, len(envs))
		for i, e := range envs {
			shapers[i] = e
		}
		curriculum.AttachShapers(shapers)
		callbacks = append(callbacks, curriculum)
	}

	started := time.Now()
	if err := ppo.Learn(ctx, envs, norm, totalTimesteps, callbacks); err != nil {
		return nil, fmt.Errorf("training interrupted: %w", err)
	}
	duration := time.Since(started)
	sessionTimesteps := ppo.NumTimesteps() - startTimesteps
	sessionEpisodes := int64(len(ppo.EpisodeRewards()))

	// Persist only after the session finished; a failed session leaves the
	// previous artifact authoritative.
	if err := os.MkdirAll(t.registry.AgentDir(agentName), 0o755); err != nil {
		return nil, err
	}
	if err := SaveArtifact(t.registry.ModelPath(agentName), net, ppo.NumTimesteps()); err != nil {
		return nil, err
	}
	if err := norm.Save(t.registry.NormalizerPath(agentName)); err != nil {
		return nil, err
	}

	log.Info("Evaluating model performance (in-sample)")
	isResults := t.evaluate(net, envs, norm, 10)

	var oosResults map[string]float64
	if len(testFrames) > 0 {
		oosResults = t.evaluateOOS(log, agentName, effective, testFrames, net)
		if oosResults != nil {
			isReturn := isResults["mean_return_pct"]
			oosReturn := oosResults["mean_return_pct"]
			if isReturn > 0 && oosReturn < -0.5*absFloat(isReturn) {
				log.Warn("Overfitting warning: out-of-sample returns diverge from in-sample",
					zap.Float64("inSampleReturnPct", isReturn),
					zap.Float64("oosReturnPct", oosReturn))
			}
		}
	}

	var best *float64
	if rewards := ppo.EpisodeRewards(); len(rewards) > 0 {
		maxReward := rewards[0]
		for _, r := range rewards[1:] {
			if r > maxReward {
				maxReward = r
			}
		}
		best = utils.SanitizeFloat(maxReward)
	}

	trainedSymbols := make([]string, 0, len(trainingData))
	for symbol := range trainingData {
		trainedSymbols = append(trainedSymbols, symbol)
	}
	sort.Strings(trainedSymbols)

	meta := &types.AgentMetadata{
		AgentName:               agentName,
		Config:                  effective,
		TrainedAt:               time.Now().Format(time.RFC3339),
		TrainingDurationSeconds: duration.Seconds(),
		TotalTimesteps:          sessionTimesteps,
		TotalEpisodes:           sessionEpisodes,
		CumulativeTimesteps:     cumulativeTimesteps + sessionTimesteps,
		CumulativeEpisodes:      cumulativeEpisodes + sessionEpisodes,
		TrainingSessions:        trainingSessions + 1,
		ContinuedFromPrevious:   willContinue,
		BestReward:              best,
		Device:                  t.settings.Device(),
		PerformanceMetrics:      isResults,
		OOSPerformanceMetrics:   oosResults,
		WalkForwardSplit:        map[string]int{"train_pct": 80, "test_pct": 20},
		SymbolsTrained:          trainedSymbols,
	}

	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(t.registry.MetadataPath(agentName), encoded, 0o644); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.cache[agentName] = &cachedAgent{net: net}
	t.mu.Unlock()
	t.registry.MarkTrained(meta, isResults)

	log.Info("Training session persisted",
		zap.Int64("sessionTimesteps", sessionTimesteps),
		zap.Int64("cumulativeTimesteps", meta.CumulativeTimesteps),
		zap.Int("trainingSessions", meta.TrainingSessions),
		zap.Duration("duration", duration))

	return meta, nil
}

// walkForwardSplit partitions each symbol chronologically 80/20. Symbols
// with too little data are dropped; symbols whose test slice is too small
// train on the full frame instead.
func (t *Trainer) walkForwardSplit(log *zap.Logger, trainingData map[string][]types.Bar) (map[string]*indicators.Frame, map[string]*indicators.Frame, error) {
	trainFrames := make(map[string]*indicators.Frame)
	testFrames := make(map[string]*indicators.Frame)

	for symbol, bars := range trainingData {
		frame, err := indicators.Compute(bars)
		if err != nil {
			log.Warn("Skipping symbol, indicator computation failed",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if frame.Len() < minSymbolRows {
			log.Warn("Skipping symbol, insufficient data",
				zap.String("symbol", symbol), zap.Int("rows", frame.Len()))
			continue
		}
		splitIdx := frame.Len() * 80 / 100
		if splitIdx < minTrainRows {
			log.Warn("Skipping symbol, train split too small",
				zap.String("symbol", symbol), zap.Int("rows", splitIdx))
			continue
		}
		if frame.Len()-splitIdx < minTestRows {
			log.Warn("Test split too small, using full data for training",
				zap.String("symbol", symbol))
			trainFrames[symbol] = frame
			continue
		}
		trainFrames[symbol] = frame.Slice(0, splitIdx)
		testFrames[symbol] = frame.Slice(splitIdx, frame.Len())
		log.Info("Walk-forward split",
			zap.String("symbol", symbol),
			zap.Int("total", frame.Len()),
			zap.Int("train", splitIdx),
			zap.Int("test", frame.Len()-splitIdx))
	}

	if len(trainFrames) == 0 {
		return nil, nil, fmt.Errorf("no valid training data provided")
	}
	return trainFrames, testFrames, nil
}

// evaluate runs deterministic episodes across the environments and averages
// the end-of-episode metrics. Episode seeds are fixed so evaluation over the
// same artifact is reproducible.
func (t *Trainer) evaluate(net Network, envs []*tradeenv.Env, norm *Normalizer, episodes int) map[string]float64 {
	var (
		rewards, returns, sharpes, sortinos []float64
		drawdowns, winRates, profitFactors  []float64
		alphas, lengths                     []float64
	)

	for i := 0; i < episodes; i++ {
		e := envs[i%len(envs)]
		e.Seed(int64(42 + i))
		obs, _ := e.Reset(true)

		total := 0.0
		steps := 0
		var last tradeenv.Info
		for {
			action, _ := predictNet(net, norm.NormalizeObs(obs))
			next, reward, done, info := e.Step(tradeenv.Action(action))
			total += norm.NormalizeReward(i%len(envs), reward, done)
			steps++
			obs = next
			last = info
			if done {
				break
			}
		}

		rewards = append(rewards, total)
		lengths = append(lengths, float64(steps))
		returns = append(returns, last.ReturnPct)
		sharpes = append(sharpes, last.SharpeRatio)
		sortinos = append(sortinos, last.SortinoRatio)
		drawdowns = append(drawdowns, last.MaxDrawdown)
		winRates = append(winRates, last.WinRate)
		if last.ProfitFactor < 900 {
			profitFactors = append(profitFactors, last.ProfitFactor)
		}
		alphas = append(alphas, last.AlphaPct)
	}

	result := map[string]float64{
		"mean_reward":     utils.Mean(rewards),
		"std_reward":      utils.Std(rewards),
		"mean_length":     utils.Mean(lengths),
		"mean_return_pct": utils.Mean(returns),
		"max_return_pct":  maxOf(returns),
		"min_return_pct":  minOf(returns),
	}
	if len(sharpes) > 0 {
		result["mean_sharpe_ratio"] = utils.Mean(sharpes)
	}
	if len(sortinos) > 0 {
		result["mean_sortino_ratio"] = utils.Mean(sortinos)
	}
	if len(drawdowns) > 0 {
		result["mean_max_drawdown"] = utils.Mean(drawdowns)
		result["worst_max_drawdown"] = maxOf(drawdowns)
	}
	if len(winRates) > 0 {
		result["mean_win_rate"] = utils.Mean(winRates)
	}
	if len(profitFactors) > 0 {
		result["mean_profit_factor"] = utils.Mean(profitFactors)
	}
	if len(alphas) > 0 {
		result["mean_alpha_pct"] = utils.Mean(alphas)
	}
	return result
}

// evaluateOOS scores the model on the held-out slice of the first test
// symbol with the statistics frozen to what was just saved.
func (t *Trainer) evaluateOOS(log *zap.Logger, agentName string, cfg types.AgentConfig, testFrames map[string]*indicators.Frame, net Network) map[string]float64 {
	symbols := make([]string, 0, len(testFrames))
	for symbol := range testFrames {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	testSymbol := symbols[0]

	testEnv, err := tradeenv.New(testFrames[testSymbol], cfg, tradeenv.Options{
		Rand: rand.New(rand.NewSource(7)),
	})
	if err != nil {
		log.Warn("Out-of-sample evaluation failed", zap.Error(err))
		return nil
	}

	frozen, err := LoadNormalizer(t.registry.NormalizerPath(agentName))
	if err != nil {
		log.Warn("Out-of-sample evaluation failed to load normaliser", zap.Error(err))
		return nil
	}

	results := t.evaluate(net, []*tradeenv.Env{testEnv}, frozen, 5)
	log.Info("Out-of-sample evaluation",
		zap.String("symbol", testSymbol),
		zap.Float64("meanReturnPct", results["mean_return_pct"]))
	return results
}

// loadNetwork returns a cached network or loads it from disk.
func (t *Trainer) loadNetwork(agentName string) (Network, error) {
	t.mu.Lock()
	if cached, ok := t.cache[agentName]; ok {
		t.mu.Unlock()
		return cached.net, nil
	}
	t.mu.Unlock()

	path := t.registry.ModelPath(agentName)
	if !fileExists(path) {
		return nil, fmt.Errorf("agent not found: %s", agentName)
	}
	net, _, err := LoadArtifact(path, rand.New(rand.NewSource(1)))
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", agentName, err)
	}

	t.mu.Lock()
	t.cache[agentName] = &cachedAgent{net: net}
	t.mu.Unlock()
	return net, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func minOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

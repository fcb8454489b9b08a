package policy

import (
	"context"
	"math"
	"math/rand"

	tradeenv "github.com/atlas-desktop/rl-trader/internal/env"
)

// PPOConfig is the outer training recipe. Epochs and clip range are fixed
// by convention; steps and batch size come from the service defaults.
type PPOConfig struct {
	LearningRate float64
	NSteps       int
	BatchSize    int
	NEpochs      int
	Gamma        float64
	GAELambda    float64
	ClipRange    float64
	EntCoef      float64
	ValueCoef    float64
	MaxGradNorm  float64
}

// DefaultPPOConfig returns the fixed recipe with service defaults filled in.
func DefaultPPOConfig() PPOConfig {
	return PPOConfig{
		LearningRate: 0.0003,
		NSteps:       2048,
		BatchSize:    64,
		NEpochs:      10,
		Gamma:        0.99,
		GAELambda:    0.95,
		ClipRange:    0.2,
		EntCoef:      0.01,
		ValueCoef:    0.5,
		MaxGradNorm:  0.5,
	}
}

// StepStats is passed to callbacks after every vectorised environment step.
type StepStats struct {
	NumTimesteps     int64
	SessionTimesteps int64
	TotalTimesteps   int64
	Episodes         int
	LastReward       float64
}

// Callback observes training progress. OnStep returning false stops the
// session cooperatively.
type Callback interface {
	OnTrainingStart(p *PPO)
	OnStep(p *PPO, stats StepStats) bool
	OnRolloutEnd(p *PPO)
	OnTrainingEnd(p *PPO)
}

// PPO runs proximal policy optimisation over a set of environments.
type PPO struct {
	Net  Network
	Cfg  PPOConfig
	rng  *rand.Rand
	optim *Adam

	// numTimesteps persists across sessions; continue-training never
	// resets it.
	numTimesteps int64

	lrSchedule func(progressRemaining float64) float64

	episodeRewards []float64
	episodeLengths []int
}

// NewPPO wraps a network with the optimiser and the cosine LR schedule.
func NewPPO(net Network, cfg PPOConfig, rng *rand.Rand) *PPO {
	return &PPO{
		Net:        net,
		Cfg:        cfg,
		rng:        rng,
		optim:      NewAdam(net.Params(), cfg.LearningRate, cfg.MaxGradNorm),
		lrSchedule: CosineLRSchedule(cfg.LearningRate),
	}
}

// NumTimesteps returns the cumulative environment steps across sessions.
func (p *PPO) NumTimesteps() int64 { return p.numTimesteps }

// SetNumTimesteps restores the persisted step counter when continuing.
func (p *PPO) SetNumTimesteps(n int64) { p.numTimesteps = n }

// EpisodeRewards returns the per-episode raw rewards seen this session.
func (p *PPO) EpisodeRewards() []float64 { return p.episodeRewards }

// MeanRecentReward averages the last n episode rewards.
func (p *PPO) MeanRecentReward(n int) float64 {
	rewards := p.episodeRewards
	if len(rewards) == 0 {
		return 0
	}
	if len(rewards) > n {
		rewards = rewards[len(rewards)-n:]
	}
	sum := 0.0
	for _, r := range rewards {
		sum += r
	}
	return sum / float64(len(rewards))
}

type rolloutBuffer struct {
	obs        [][]float64
	actions    []int
	logProbs   []float64
	rewards    []float64
	dones      []bool
	values     []float64
	advantages []float64
	returns    []float64
}

// Learn runs sessionTimesteps of training across the environments. The
// context is checked between rollout steps and between epochs so a stop
// request drains cooperatively.
func (p *PPO) Learn(ctx context.Context, envs []*tradeenv.Env, norm *Normalizer, sessionTimesteps int64, callbacks []Callback) error {
	numEnvs := len(envs)
	startTimesteps := p.numTimesteps
	p.episodeRewards = p.episodeRewards[:0]
	p.episodeLengths = p.episodeLengths[:0]

	for _, cb := range callbacks {
		cb.OnTrainingStart(p)
	}

	rawObs := make([][]float64, numEnvs)
	for i, e := range envs {
		obs, _ := e.Reset(true)
		rawObs[i] = obs
	}
	normObs := norm.ObserveBatch(rawObs)

	episodeReward := make([]float64, numEnvs)
	episodeLength := make([]int, numEnvs)
	stopped := false

	for p.numTimesteps-startTimesteps < sessionTimesteps && !stopped {
		buf := &rolloutBuffer{}

		for step := 0; step < p.Cfg.NSteps && !stopped; step++ {
			if ctx.Err() != nil {
				stopped = true
				break
			}

			logits, values := p.forwardBatch(normObs, false)
			for i := 0; i < numEnvs; i++ {
				probs := softmaxRow(logits[i])
				action := sampleCategorical(p.rng, probs)
				logProb := math.Log(math.Max(probs[action], 1e-12))

				nextObs, reward, done, _ := envs[i].Step(tradeenv.Action(action))
				episodeReward[i] += reward
				episodeLength[i]++

				normReward := norm.NormalizeReward(i, reward, done)

				buf.obs = append(buf.obs, normObs[i])
				buf.actions = append(buf.actions, action)
				buf.logProbs = append(buf.logProbs, logProb)
				buf.rewards = append(buf.rewards, normReward)
				buf.dones = append(buf.dones, done)
				buf.values = append(buf.values, values[i])

				if done {
					p.episodeRewards = append(p.episodeRewards, episodeReward[i])
					p.episodeLengths = append(p.episodeLengths, episodeLength[i])
					episodeReward[i] = 0
					episodeLength[i] = 0
					nextObs, _ = envs[i].Reset(true)
				}
				rawObs[i] = nextObs
			}
			normObs = norm.ObserveBatch(rawObs)

			p.numTimesteps += int64(numEnvs)
			stats := StepStats{
				NumTimesteps:     p.numTimesteps,
				SessionTimesteps: p.numTimesteps - startTimesteps,
				TotalTimesteps:   sessionTimesteps,
				Episodes:         len(p.episodeRewards),
			}
			if len(p.episodeRewards) > 0 {
				stats.LastReward = p.episodeRewards[len(p.episodeRewards)-1]
			}
			for _, cb := range callbacks {
				if !cb.OnStep(p, stats) {
					stopped = true
				}
			}
		}

		if len(buf.obs) == 0 {
			break
		}

		// Bootstrap with the value of the observation after the rollout.
		_, lastValues := p.forwardBatch(normObs, false)
		p.computeGAE(buf, lastValues, numEnvs)

		for _, cb := range callbacks {
			cb.OnRolloutEnd(p)
		}

		progressRemaining := 1 - float64(p.numTimesteps-startTimesteps)/float64(sessionTimesteps)
		if progressRemaining < 0 {
			progressRemaining = 0
		}
		p.optim.SetLR(p.lrSchedule(progressRemaining))

		if err := p.update(ctx, buf); err != nil {
			return err
		}
	}

	for _, cb := range callbacks {
		cb.OnTrainingEnd(p)
	}
	return ctx.Err()
}

// forwardBatch evaluates the network without keeping the tape alive.
func (p *PPO) forwardBatch(obs [][]float64, train bool) ([][]float64, []float64) {
	batch := len(obs)
	dim := len(obs[0])
	data := make([]float64, 0, batch*dim)
	for _, row := range obs {
		data = append(data, row...)
	}
	g := NewGraph(train, p.rng)
	logits, values := p.Net.Forward(g, NewTensorFrom(batch, dim, data))

	_, numActions := logits.Dims()
	outLogits := make([][]float64, batch)
	outValues := make([]float64, batch)
	for i := 0; i < batch; i++ {
		row := make([]float64, numActions)
		for j := 0; j < numActions; j++ {
			row[j] = logits.W.At(i, j)
		}
		outLogits[i] = row
		outValues[i] = values.W.At(i, 0)
	}
	return outLogits, outValues
}

// computeGAE fills advantages and returns with generalised advantage
// estimation over the interleaved env streams.
func (p *PPO) computeGAE(buf *rolloutBuffer, lastValues []float64, numEnvs int) {
	n := len(buf.rewards)
	buf.advantages = make([]float64, n)
	buf.returns = make([]float64, n)
	steps := n / numEnvs

	for envIdx := 0; envIdx < numEnvs; envIdx++ {
		lastGAE := 0.0
		for step := steps - 1; step >= 0; step-- {
			idx := step*numEnvs + envIdx
			var nextValue float64
			var nextNonTerminal float64
			if step == steps-1 {
				nextValue = lastValues[envIdx]
			} else {
				nextValue = buf.values[(step+1)*numEnvs+envIdx]
			}
			if buf.dones[idx] {
				nextNonTerminal = 0
			} else {
				nextNonTerminal = 1
			}
			delta := buf.rewards[idx] + p.Cfg.Gamma*nextValue*nextNonTerminal - buf.values[idx]
			lastGAE = delta + p.Cfg.Gamma*p.Cfg.GAELambda*nextNonTerminal*lastGAE
			buf.advantages[idx] = lastGAE
			buf.returns[idx] = lastGAE + buf.values[idx]
		}
	}
}

// update runs the clipped-surrogate epochs over shuffled minibatches.
func (p *PPO) update(ctx context.Context, buf *rolloutBuffer) error {
	n := len(buf.obs)
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}

	for epoch := 0; epoch < p.Cfg.NEpochs; epoch++ {
		if ctx.Err() != nil {
			return nil
		}
		p.rng.Shuffle(n, func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })

		for start := 0; start < n; start += p.Cfg.BatchSize {
			end := start + p.Cfg.BatchSize
			if end > n {
				end = n
			}
			batchIdx := indices[start:end]
			p.trainMinibatch(buf, batchIdx)
		}
	}
	return nil
}

func (p *PPO) trainMinibatch(buf *rolloutBuffer, idx []int) {
	batch := len(idx)
	dim := len(buf.obs[0])

	data := make([]float64, 0, batch*dim)
	actions := make([]int, batch)
	oldLogProbs := make([]float64, batch)
	advantages := make([]float64, batch)
	returns := make([]float64, batch)
	for i, j := range idx {
		data = append(data, buf.obs[j]...)
		actions[i] = buf.actions[j]
		oldLogProbs[i] = buf.logProbs[j]
		advantages[i] = buf.advantages[j]
		returns[i] = buf.returns[j]
	}

	// Normalise advantages within the minibatch.
	mean, sd := meanStd(advantages)
	if sd > 1e-8 {
		for i := range advantages {
			advantages[i] = (advantages[i] - mean) / sd
		}
	}

	g := NewGraph(true, p.rng)
	obs := NewTensorFrom(batch, dim, data)
	logits, values := p.Net.Forward(g, obs)
	result := g.PPOLoss(logits, values, actions, oldLogProbs, advantages, returns,
		p.Cfg.ClipRange, p.Cfg.EntCoef, p.Cfg.ValueCoef)
	g.Backward(result.Loss)
	p.optim.Step()
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	ss := 0.0
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}

func sampleCategorical(rng *rand.Rand, probs []float64) int {
	u := rng.Float64()
	cum := 0.0
	for i, p := range probs {
		cum += p
		if u <= cum {
			return i
		}
	}
	return len(probs) - 1
}

// Predict returns the deterministic action and the full probability vector
// for one observation.
func (p *PPO) Predict(obs []float64) (int, []float64) {
	return predictNet(p.Net, obs)
}

// predictNet evaluates a network on a single normalised observation.
func predictNet(net Network, obs []float64) (int, []float64) {
	g := NewGraph(false, nil)
	logits, _ := net.Forward(g, NewTensorFrom(1, len(obs), append([]float64(nil), obs...)))
	_, numActions := logits.Dims()
	row := make([]float64, numActions)
	for j := 0; j < numActions; j++ {
		row[j] = logits.W.At(0, j)
	}
	probs := softmaxRow(row)
	best := 0
	for i, v := range probs {
		if v > probs[best] {
			best = i
		}
	}
	return best, probs
}

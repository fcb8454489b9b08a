package policy

import (
	"fmt"
	"math"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// RunningMeanStd tracks streaming first and second moments.
type RunningMeanStd struct {
	Mean  []float64 `msgpack:"mean"`
	Var   []float64 `msgpack:"var"`
	Count float64   `msgpack:"count"`
}

// NewRunningMeanStd creates a tracker over dim features.
func NewRunningMeanStd(dim int) *RunningMeanStd {
	v := make([]float64, dim)
	for i := range v {
		v[i] = 1
	}
	return &RunningMeanStd{Mean: make([]float64, dim), Var: v, Count: 1e-4}
}

// Update folds a batch of rows into the running statistics.
func (r *RunningMeanStd) Update(batch [][]float64) {
	if len(batch) == 0 {
		return
	}
	dim := len(r.Mean)
	batchMean := make([]float64, dim)
	for _, row := range batch {
		for i := 0; i < dim; i++ {
			batchMean[i] += row[i]
		}
	}
	n := float64(len(batch))
	for i := range batchMean {
		batchMean[i] /= n
	}
	batchVar := make([]float64, dim)
	for _, row := range batch {
		for i := 0; i < dim; i++ {
			d := row[i] - batchMean[i]
			batchVar[i] += d * d
		}
	}
	for i := range batchVar {
		batchVar[i] /= n
	}

	for i := 0; i < dim; i++ {
		delta := batchMean[i] - r.Mean[i]
		total := r.Count + n
		newMean := r.Mean[i] + delta*n/total
		mA := r.Var[i] * r.Count
		mB := batchVar[i] * n
		m2 := mA + mB + delta*delta*r.Count*n/total
		r.Mean[i] = newMean
		r.Var[i] = m2 / total
	}
	r.Count += n
}

// Normalizer is the resumable observation and reward normaliser saved with
// every policy artifact. Statistics update only while Training is set;
// inference and OOS evaluation load it frozen.
type Normalizer struct {
	Obs     *RunningMeanStd `msgpack:"obs"`
	Ret     *RunningMeanStd `msgpack:"ret"`
	ClipObs float64         `msgpack:"clip_obs"`
	Gamma   float64         `msgpack:"gamma"`

	Training   bool      `msgpack:"-"`
	NormReward bool      `msgpack:"-"`
	returns    []float64 `msgpack:"-"`
}

// NewNormalizer creates a training-mode normaliser for obsDim features
// across numEnvs parallel environments.
func NewNormalizer(obsDim, numEnvs int, gamma float64) *Normalizer {
	return &Normalizer{
		Obs:        NewRunningMeanStd(obsDim),
		Ret:        NewRunningMeanStd(1),
		ClipObs:    10.0,
		Gamma:      gamma,
		Training:   true,
		NormReward: true,
		returns:    make([]float64, numEnvs),
	}
}

// ResetReturns resizes the discounted-return accumulators, used after load
// when the env count changes.
func (n *Normalizer) ResetReturns(numEnvs int) {
	n.returns = make([]float64, numEnvs)
}

// NormalizeObs standardises one observation in place-safe copy.
func (n *Normalizer) NormalizeObs(obs []float64) []float64 {
	out := make([]float64, len(obs))
	for i, v := range obs {
		std := math.Sqrt(n.Obs.Var[i] + 1e-8)
		norm := (v - n.Obs.Mean[i]) / std
		if norm > n.ClipObs {
			norm = n.ClipObs
		} else if norm < -n.ClipObs {
			norm = -n.ClipObs
		}
		out[i] = norm
	}
	return out
}

// ObserveBatch updates observation statistics with raw observations when
// training, then returns their normalised form.
func (n *Normalizer) ObserveBatch(batch [][]float64) [][]float64 {
	if n.Training {
		n.Obs.Update(batch)
	}
	out := make([][]float64, len(batch))
	for i, row := range batch {
		out[i] = n.NormalizeObs(row)
	}
	return out
}

// NormalizeReward scales rewards by the running std of discounted returns.
func (n *Normalizer) NormalizeReward(envIdx int, reward float64, done bool) float64 {
	if !n.NormReward {
		return reward
	}
	if n.Training && envIdx < len(n.returns) {
		n.returns[envIdx] = n.returns[envIdx]*n.Gamma + reward
		n.Ret.Update([][]float64{{n.returns[envIdx]}})
		if done {
			n.returns[envIdx] = 0
		}
	}
	std := math.Sqrt(n.Ret.Var[0] + 1e-8)
	scaled := reward / std
	if scaled > 10 {
		scaled = 10
	} else if scaled < -10 {
		scaled = -10
	}
	return scaled
}

// Save writes the normaliser state to path.
func (n *Normalizer) Save(path string) error {
	data, err := msgpack.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode normalizer: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadNormalizer reads normaliser state from path in frozen (evaluation)
// mode; callers re-enable Training to continue updating statistics.
func LoadNormalizer(path string) (*Normalizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var n Normalizer
	if err := msgpack.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decode normalizer: %w", err)
	}
	n.Training = false
	n.NormReward = false
	n.returns = make([]float64, 1)
	return &n, nil
}

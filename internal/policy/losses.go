package policy

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// softmaxRow computes a stable softmax of one logit row.
func softmaxRow(logits []float64) []float64 {
	maxV := math.Inf(-1)
	for _, v := range logits {
		if v > maxV {
			maxV = v
		}
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		out[i] = math.Exp(v - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// PPOLossResult carries the scalar loss and diagnostics for one minibatch.
type PPOLossResult struct {
	Loss        *Tensor
	PolicyLoss  float64
	ValueLoss   float64
	Entropy     float64
	ClipFraction float64
}

// PPOLoss builds the clipped-surrogate PPO objective with value and entropy
// terms as a single tape node. Gradients wrt logits and values are derived
// in closed form.
func (g *Graph) PPOLoss(
	logits, values *Tensor,
	actions []int,
	oldLogProbs, advantages, returns []float64,
	clipRange, entCoef, valueCoef float64,
) PPOLossResult {
	batch, numActions := logits.Dims()
	invB := 1 / float64(batch)

	probs := make([][]float64, batch)
	logProbA := make([]float64, batch)
	ratios := make([]float64, batch)
	entropies := make([]float64, batch)

	policyLoss, entropy, valueLoss := 0.0, 0.0, 0.0
	clipped := 0

	for i := 0; i < batch; i++ {
		row := make([]float64, numActions)
		for j := 0; j < numActions; j++ {
			row[j] = logits.W.At(i, j)
		}
		probs[i] = softmaxRow(row)
		p := probs[i][actions[i]]
		logProbA[i] = math.Log(math.Max(p, 1e-12))
		ratios[i] = math.Exp(logProbA[i] - oldLogProbs[i])

		surr1 := ratios[i] * advantages[i]
		clippedRatio := math.Min(math.Max(ratios[i], 1-clipRange), 1+clipRange)
		surr2 := clippedRatio * advantages[i]
		policyLoss += -math.Min(surr1, surr2)
		if surr2 < surr1 {
			clipped++
		}

		h := 0.0
		for j := 0; j < numActions; j++ {
			pj := probs[i][j]
			if pj > 1e-12 {
				h -= pj * math.Log(pj)
			}
		}
		entropies[i] = h
		entropy += h

		diff := values.W.At(i, 0) - returns[i]
		valueLoss += diff * diff
	}

	policyLoss *= invB
	entropy *= invB
	valueLoss *= invB

	total := policyLoss + valueCoef*valueLoss - entCoef*entropy
	loss := NewTensor(mat.NewDense(1, 1, []float64{total}))

	g.push(func() {
		seed := loss.G.At(0, 0)
		for i := 0; i < batch; i++ {
			// Policy gradient flows only through the unclipped branch.
			surr1 := ratios[i] * advantages[i]
			clippedRatio := math.Min(math.Max(ratios[i], 1-clipRange), 1+clipRange)
			surr2 := clippedRatio * advantages[i]
			coeff := 0.0
			if surr1 <= surr2 {
				coeff = -advantages[i] * ratios[i] * invB
			}
			for j := 0; j < numActions; j++ {
				indicator := 0.0
				if j == actions[i] {
					indicator = 1.0
				}
				dLogit := coeff * (indicator - probs[i][j])
				// Entropy bonus: d(-H)/dz_j = p_j * (log p_j + H).
				pj := probs[i][j]
				logpj := math.Log(math.Max(pj, 1e-12))
				dLogit += entCoef * pj * (logpj + entropies[i]) * invB
				logits.G.Set(i, j, logits.G.At(i, j)+seed*dLogit)
			}
			dv := valueCoef * 2 * (values.W.At(i, 0) - returns[i]) * invB
			values.G.Set(i, 0, values.G.At(i, 0)+seed*dv)
		}
	})

	return PPOLossResult{
		Loss:         loss,
		PolicyLoss:   policyLoss,
		ValueLoss:    valueLoss,
		Entropy:      entropy,
		ClipFraction: float64(clipped) / float64(batch),
	}
}

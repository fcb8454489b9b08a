package policy

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/atlas-desktop/rl-trader/pkg/types"
)

// ArchSpec pins down everything needed to rebuild a policy network. It is
// serialised into the artifact so continue-training can restore the exact
// architecture regardless of the incoming config.
type ArchSpec struct {
	Type       string `msgpack:"type" json:"type"` // "mlp" or "transformer"
	ObsDim     int    `msgpack:"obs_dim" json:"obs_dim"`
	NumActions int    `msgpack:"num_actions" json:"num_actions"`

	// Transformer-only fields.
	SeqLen            int     `msgpack:"seq_len" json:"seq_len"`
	NumFeatures       int     `msgpack:"num_features" json:"num_features"`
	PortfolioFeatures int     `msgpack:"portfolio_features" json:"portfolio_features"`
	DModel            int     `msgpack:"d_model" json:"d_model"`
	NHeads            int     `msgpack:"n_heads" json:"n_heads"`
	NLayers           int     `msgpack:"n_layers" json:"n_layers"`
	DFF               int     `msgpack:"d_ff" json:"d_ff"`
	Dropout           float64 `msgpack:"dropout" json:"dropout"`
}

// Network is an actor-critic policy over a discrete action space.
type Network interface {
	// Forward maps a batch of observations [b, obsDim] to action logits
	// [b, A] and state values [b, 1].
	Forward(g *Graph, obs *Tensor) (logits, values *Tensor)
	Params() *ParamSet
	Arch() ArchSpec
}

// NewNetwork builds a network from its spec.
func NewNetwork(spec ArchSpec, rng *rand.Rand) (Network, error) {
	switch spec.Type {
	case "mlp":
		return newMLPNetwork(spec, rng), nil
	case "transformer":
		return newTransformerNetwork(spec, rng), nil
	}
	return nil, fmt.Errorf("unknown policy type: %q", spec.Type)
}

// mlpNetwork is the standard [256, 256] actor-critic pair over the raw
// observation.
type mlpNetwork struct {
	spec   ArchSpec
	params *ParamSet

	pi1, pi2, piOut *Dense
	vf1, vf2, vfOut *Dense
}

func newMLPNetwork(spec ArchSpec, rng *rand.Rand) *mlpNetwork {
	params := NewParamSet()
	n := &mlpNetwork{spec: spec, params: params}
	n.pi1 = NewDense(params, rng, "pi.l1", spec.ObsDim, 256)
	n.pi2 = NewDense(params, rng, "pi.l2", 256, 256)
	n.piOut = NewDense(params, rng, "pi.out", 256, spec.NumActions)
	n.vf1 = NewDense(params, rng, "vf.l1", spec.ObsDim, 256)
	n.vf2 = NewDense(params, rng, "vf.l2", 256, 256)
	n.vfOut = NewDense(params, rng, "vf.out", 256, 1)
	return n
}

func (n *mlpNetwork) Forward(g *Graph, obs *Tensor) (*Tensor, *Tensor) {
	pi := g.ReLU(n.pi1.Apply(g, obs))
	pi = g.ReLU(n.pi2.Apply(g, pi))
	logits := n.piOut.Apply(g, pi)

	vf := g.ReLU(n.vf1.Apply(g, obs))
	vf = g.ReLU(n.vf2.Apply(g, vf))
	values := n.vfOut.Apply(g, vf)
	return logits, values
}

func (n *mlpNetwork) Params() *ParamSet { return n.params }
func (n *mlpNetwork) Arch() ArchSpec    { return n.spec }

// transformerNetwork runs the shared feature extractor followed by smaller
// [256, 128] heads, the features being rich already.
type transformerNetwork struct {
	spec      ArchSpec
	params    *ParamSet
	extractor *transformerExtractor

	pi1, pi2, piOut *Dense
	vf1, vf2, vfOut *Dense
}

func newTransformerNetwork(spec ArchSpec, rng *rand.Rand) *transformerNetwork {
	params := NewParamSet()
	n := &transformerNetwork{spec: spec, params: params}
	n.extractor = newTransformerExtractor(params, rng, spec)

	featDim := n.extractor.featuresDim()
	n.pi1 = NewDense(params, rng, "pi.l1", featDim, 256)
	n.pi2 = NewDense(params, rng, "pi.l2", 256, 128)
	n.piOut = NewDense(params, rng, "pi.out", 128, spec.NumActions)
	n.vf1 = NewDense(params, rng, "vf.l1", featDim, 256)
	n.vf2 = NewDense(params, rng, "vf.l2", 256, 128)
	n.vfOut = NewDense(params, rng, "vf.out", 128, 1)
	return n
}

func (n *transformerNetwork) Forward(g *Graph, obs *Tensor) (*Tensor, *Tensor) {
	batch, _ := obs.Dims()
	features := make([]*Tensor, batch)
	for i := 0; i < batch; i++ {
		row := g.SliceCols(sliceRow(g, obs, i), 0, n.spec.ObsDim)
		features[i] = n.extractor.extract(g, row)
	}
	feat := features[0]
	if batch > 1 {
		feat = g.ConcatRows(features...)
	}

	pi := g.ReLU(n.pi1.Apply(g, feat))
	pi = g.ReLU(n.pi2.Apply(g, pi))
	logits := n.piOut.Apply(g, pi)

	vf := g.ReLU(n.vf1.Apply(g, feat))
	vf = g.ReLU(n.vf2.Apply(g, vf))
	values := n.vfOut.Apply(g, vf)
	return logits, values
}

func (n *transformerNetwork) Params() *ParamSet { return n.params }
func (n *transformerNetwork) Arch() ArchSpec    { return n.spec }

// RegimeProbs exposes the auxiliary regime distribution for one observation.
func (n *transformerNetwork) RegimeProbs(obs []float64) []float64 {
	g := NewGraph(false, nil)
	row := NewTensorFrom(1, len(obs), append([]float64(nil), obs...))
	probs := n.extractor.regimeProbs(g, row)
	_, c := probs.Dims()
	out := make([]float64, c)
	for j := 0; j < c; j++ {
		out[j] = probs.W.At(0, j)
	}
	return out
}

// sliceRow copies row i of x as a [1, cols] tensor on the tape.
func sliceRow(g *Graph, x *Tensor, i int) *Tensor {
	_, c := x.Dims()
	out := NewTensor(mat.NewDense(1, c, nil))
	for j := 0; j < c; j++ {
		out.W.Set(0, j, x.W.At(i, j))
	}
	g.push(func() {
		for j := 0; j < c; j++ {
			x.G.Set(i, j, x.G.At(i, j)+out.G.At(0, j))
		}
	})
	return out
}

// ArchFromConfig derives the network spec from an agent config and the
// environment dimensions.
func ArchFromConfig(cfg types.AgentConfig, obsDim, numActions, seqLen, numFeatures, portfolioFeatures int) ArchSpec {
	spec := ArchSpec{
		Type:              "mlp",
		ObsDim:            obsDim,
		NumActions:        numActions,
		SeqLen:            seqLen,
		NumFeatures:       numFeatures,
		PortfolioFeatures: portfolioFeatures,
	}
	if cfg.UseTransformerPolicy {
		spec.Type = "transformer"
		spec.DModel = cfg.TransformerDModel
		spec.NHeads = cfg.TransformerNHeads
		spec.NLayers = cfg.TransformerNLayers
		spec.DFF = cfg.TransformerDFF
		spec.Dropout = cfg.TransformerDropout
	}
	return spec
}

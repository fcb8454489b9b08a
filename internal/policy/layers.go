package policy

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// ParamSet is an ordered registry of named trainable tensors.
type ParamSet struct {
	names  []string
	byName map[string]*Tensor
}

// NewParamSet creates an empty registry.
func NewParamSet() *ParamSet {
	return &ParamSet{byName: make(map[string]*Tensor)}
}

// Add registers a tensor under a unique name.
func (p *ParamSet) Add(name string, t *Tensor) *Tensor {
	if _, exists := p.byName[name]; exists {
		panic(fmt.Sprintf("duplicate parameter: %s", name))
	}
	p.names = append(p.names, name)
	p.byName[name] = t
	return t
}

// Names returns parameter names in registration order.
func (p *ParamSet) Names() []string { return p.names }

// Get returns a parameter by name, nil when absent.
func (p *ParamSet) Get(name string) *Tensor { return p.byName[name] }

// ZeroGrads clears every parameter gradient.
func (p *ParamSet) ZeroGrads() {
	for _, name := range p.names {
		p.byName[name].ZeroGrad()
	}
}

// Count returns the total number of scalar parameters.
func (p *ParamSet) Count() int {
	total := 0
	for _, name := range p.names {
		r, c := p.byName[name].Dims()
		total += r * c
	}
	return total
}

// kaiming initialises a weight matrix with He-normal values for fanIn.
func kaiming(rng *rand.Rand, rows, cols, fanIn int) *Tensor {
	std := math.Sqrt(2 / float64(fanIn))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
	return NewTensorFrom(rows, cols, data)
}

func zeros(rows, cols int) *Tensor {
	return NewTensor(mat.NewDense(rows, cols, nil))
}

func ones(rows, cols int) *Tensor {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = 1
	}
	return NewTensorFrom(rows, cols, data)
}

// Dense is a fully connected layer.
type Dense struct {
	W *Tensor
	B *Tensor
}

// NewDense creates a dense layer and registers its parameters.
func NewDense(params *ParamSet, rng *rand.Rand, name string, in, out int) *Dense {
	return &Dense{
		W: params.Add(name+".w", kaiming(rng, in, out, in)),
		B: params.Add(name+".b", zeros(1, out)),
	}
}

// Apply computes x @ W + b.
func (d *Dense) Apply(g *Graph, x *Tensor) *Tensor {
	return g.AddRow(g.MatMul(x, d.W), d.B)
}

// NormLayer holds the gain/shift pair for Normalize.
type NormLayer struct {
	Gamma *Tensor
	Beta  *Tensor
}

// NewNormLayer creates gain/shift parameters for width features.
func NewNormLayer(params *ParamSet, name string, width int) *NormLayer {
	return &NormLayer{
		Gamma: params.Add(name+".gamma", ones(1, width)),
		Beta:  params.Add(name+".beta", zeros(1, width)),
	}
}

// LayerNorm normalises each row of x.
func (n *NormLayer) LayerNorm(g *Graph, x *Tensor) *Tensor {
	return g.Normalize(x, n.Gamma, n.Beta, true)
}

// ChannelNorm normalises each column of x across rows, the per-sequence
// stand-in for batch normalisation after the convolutions.
func (n *NormLayer) ChannelNorm(g *Graph, x *Tensor) *Tensor {
	return g.Normalize(x, n.Gamma, n.Beta, false)
}

// positionalEncoding builds the sinusoidal position matrix [maxLen, dModel].
func positionalEncoding(maxLen, dModel int) *mat.Dense {
	pe := mat.NewDense(maxLen, dModel, nil)
	for pos := 0; pos < maxLen; pos++ {
		for i := 0; i < dModel; i += 2 {
			div := math.Exp(float64(i) * -math.Log(10000) / float64(dModel))
			pe.Set(pos, i, math.Sin(float64(pos)*div))
			if i+1 < dModel {
				pe.Set(pos, i+1, math.Cos(float64(pos)*div))
			}
		}
	}
	return pe
}

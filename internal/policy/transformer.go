package policy

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// cnnChannels is the per-kernel channel count of the multi-scale encoder.
const cnnChannels = 64

// cnnKernels are the parallel temporal scales.
var cnnKernels = []int{3, 5, 7, 14}

// numRegimes is the size of the auxiliary market-regime head:
// trend, range, volatile, crash.
const numRegimes = 4

// RegimeNames label the regime head outputs in order.
var RegimeNames = []string{"trend", "range", "volatile", "crash"}

// multiScaleCNN runs parallel 1-D convolutions at several kernel sizes and
// projects the concatenated channels.
type multiScaleCNN struct {
	convW []*Tensor
	convB []*Tensor
	norms []*NormLayer

	projection *Dense
	outputNorm *NormLayer
}

func newMultiScaleCNN(params *ParamSet, rng *rand.Rand, name string, inCh int) *multiScaleCNN {
	c := &multiScaleCNN{}
	for _, k := range cnnKernels {
		prefix := fmt.Sprintf("%s.conv%d", name, k)
		c.convW = append(c.convW, params.Add(prefix+".w", kaiming(rng, k*inCh, cnnChannels, k*inCh)))
		c.convB = append(c.convB, params.Add(prefix+".b", zeros(1, cnnChannels)))
		c.norms = append(c.norms, NewNormLayer(params, prefix+".norm", cnnChannels))
	}
	width := cnnChannels * len(cnnKernels)
	c.projection = NewDense(params, rng, name+".projection", width, width)
	c.outputNorm = NewNormLayer(params, name+".output_norm", width)
	return c
}

// apply maps [seq, inCh] to [seq, 4*cnnChannels].
func (c *multiScaleCNN) apply(g *Graph, x *Tensor) *Tensor {
	outs := make([]*Tensor, len(cnnKernels))
	for i, k := range cnnKernels {
		conv := g.Conv1D(x, c.convW[i], c.convB[i], k)
		outs[i] = g.ReLU(c.norms[i].ChannelNorm(g, conv))
	}
	combined := g.ConcatCols(outs...)
	return c.outputNorm.LayerNorm(g, c.projection.Apply(g, combined))
}

// transformerBlock is a post-norm encoder block: attention, residual,
// layer-norm, feed-forward, residual, layer-norm.
type transformerBlock struct {
	wq, wk, wv, wo *Dense
	norm1, norm2   *NormLayer
	ff1, ff2       *Dense

	dModel  int
	nHeads  int
	dropout float64
}

func newTransformerBlock(params *ParamSet, rng *rand.Rand, name string, dModel, nHeads, dFF int, dropout float64) *transformerBlock {
	return &transformerBlock{
		wq:      NewDense(params, rng, name+".wq", dModel, dModel),
		wk:      NewDense(params, rng, name+".wk", dModel, dModel),
		wv:      NewDense(params, rng, name+".wv", dModel, dModel),
		wo:      NewDense(params, rng, name+".wo", dModel, dModel),
		norm1:   NewNormLayer(params, name+".norm1", dModel),
		norm2:   NewNormLayer(params, name+".norm2", dModel),
		ff1:     NewDense(params, rng, name+".ff1", dModel, dFF),
		ff2:     NewDense(params, rng, name+".ff2", dFF, dModel),
		dModel:  dModel,
		nHeads:  nHeads,
		dropout: dropout,
	}
}

// apply runs one encoder block over [seq, dModel].
func (b *transformerBlock) apply(g *Graph, x *Tensor) *Tensor {
	q := b.wq.Apply(g, x)
	k := b.wk.Apply(g, x)
	v := b.wv.Apply(g, x)

	headDim := b.dModel / b.nHeads
	scale := 1 / math.Sqrt(float64(headDim))
	heads := make([]*Tensor, b.nHeads)
	for h := 0; h < b.nHeads; h++ {
		from, to := h*headDim, (h+1)*headDim
		qh := g.SliceCols(q, from, to)
		kh := g.SliceCols(k, from, to)
		vh := g.SliceCols(v, from, to)

		scores := g.Scale(g.MatMul(qh, g.Transpose(kh)), scale)
		attn := g.Dropout(g.SoftmaxRows(scores), b.dropout)
		heads[h] = g.MatMul(attn, vh)
	}
	attnOut := g.Dropout(b.wo.Apply(g, g.ConcatCols(heads...)), b.dropout)
	x = b.norm1.LayerNorm(g, g.Add(x, attnOut))

	ff := b.ff2.Apply(g, g.Dropout(g.ReLU(b.ff1.Apply(g, x)), b.dropout))
	ff = g.Dropout(ff, b.dropout)
	return b.norm2.LayerNorm(g, g.Add(x, ff))
}

// regimeHead classifies the final timestep into four market regimes. The
// head is auxiliary: it never feeds the action path and is queried only for
// monitoring.
type regimeHead struct {
	l1, l2, l3 *Dense
}

func newRegimeHead(params *ParamSet, rng *rand.Rand, name string, dModel int) *regimeHead {
	return &regimeHead{
		l1: NewDense(params, rng, name+".l1", dModel, 128),
		l2: NewDense(params, rng, name+".l2", 128, 64),
		l3: NewDense(params, rng, name+".l3", 64, numRegimes),
	}
}

// apply maps the last timestep [1, dModel] to regime probabilities [1, 4].
func (r *regimeHead) apply(g *Graph, lastStep *Tensor) *Tensor {
	h := g.ReLU(r.l1.Apply(g, lastStep))
	h = g.ReLU(r.l2.Apply(g, h))
	return g.SoftmaxRows(r.l3.Apply(g, h))
}

// multiScaleAggregation pools the encoded sequence over short, medium and
// full windows and projects the concatenation.
type multiScaleAggregation struct {
	projection *Dense
	norm       *NormLayer
}

func newMultiScaleAggregation(params *ParamSet, rng *rand.Rand, name string, dModel int) *multiScaleAggregation {
	width := dModel * 3
	return &multiScaleAggregation{
		projection: NewDense(params, rng, name+".projection", width, width),
		norm:       NewNormLayer(params, name+".norm", width),
	}
}

// apply maps [seq, dModel] to [1, 3*dModel].
func (a *multiScaleAggregation) apply(g *Graph, x *Tensor) *Tensor {
	seq, _ := x.Dims()
	short := seq
	if short > 5 {
		short = 5
	}
	medium := seq
	if medium > 20 {
		medium = 20
	}
	shortFeat := g.MeanRowsRange(x, seq-short, seq)
	mediumFeat := g.MeanRowsRange(x, seq-medium, seq)
	longFeat := g.MeanRowsRange(x, 0, seq)

	combined := g.ConcatCols(shortFeat, mediumFeat, longFeat)
	return g.ReLU(a.norm.LayerNorm(g, a.projection.Apply(g, combined)))
}

// transformerExtractor is the full feature extractor: multi-scale CNN,
// positional encoding, encoder stack, multi-scale aggregation and the
// portfolio projection. Output width is 4*dModel.
type transformerExtractor struct {
	cnn            *multiScaleCNN
	inputProj      *Dense // nil when the CNN width already equals dModel
	blocks         []*transformerBlock
	regime         *regimeHead
	aggregation    *multiScaleAggregation
	portfolioProj  *Dense
	posEnc         *mat.Dense
	dModel         int
	seqLen         int
	inputDim       int
	portfolioWidth int
	dropout        float64
}

func newTransformerExtractor(params *ParamSet, rng *rand.Rand, spec ArchSpec) *transformerExtractor {
	e := &transformerExtractor{
		cnn:            newMultiScaleCNN(params, rng, "extractor.cnn", spec.NumFeatures),
		dModel:         spec.DModel,
		seqLen:         spec.SeqLen,
		inputDim:       spec.NumFeatures,
		portfolioWidth: spec.PortfolioFeatures,
		dropout:        spec.Dropout,
	}
	cnnWidth := cnnChannels * len(cnnKernels)
	if cnnWidth != spec.DModel {
		e.inputProj = NewDense(params, rng, "extractor.input_proj", cnnWidth, spec.DModel)
	}
	for i := 0; i < spec.NLayers; i++ {
		e.blocks = append(e.blocks, newTransformerBlock(
			params, rng, fmt.Sprintf("extractor.block%d", i), spec.DModel, spec.NHeads, spec.DFF, spec.Dropout))
	}
	e.regime = newRegimeHead(params, rng, "extractor.regime", spec.DModel)
	e.aggregation = newMultiScaleAggregation(params, rng, "extractor.aggregation", spec.DModel)
	e.portfolioProj = NewDense(params, rng, "extractor.portfolio_proj", spec.PortfolioFeatures, spec.DModel)
	e.posEnc = positionalEncoding(spec.SeqLen, spec.DModel)
	return e
}

// featuresDim is the extractor output width.
func (e *transformerExtractor) featuresDim() int { return e.dModel * 4 }

// encode runs the temporal stack for one sample [seq, features].
func (e *transformerExtractor) encode(g *Graph, sample *Tensor) *Tensor {
	x := e.cnn.apply(g, sample)
	if e.inputProj != nil {
		x = e.inputProj.Apply(g, x)
	}
	x = g.Dropout(g.AddConst(x, e.posEnc), e.dropout)
	for _, block := range e.blocks {
		x = block.apply(g, x)
	}
	return x
}

// extract maps one observation row to extractor features [1, 4*dModel].
func (e *transformerExtractor) extract(g *Graph, obsRow *Tensor) *Tensor {
	temporalSize := e.seqLen * e.inputDim
	temporal := g.SliceCols(obsRow, 0, temporalSize)
	portfolio := g.SliceCols(obsRow, temporalSize, temporalSize+e.portfolioWidth)

	sample := reshapeRow(g, temporal, e.seqLen, e.inputDim)
	encoded := e.encode(g, sample)

	temporalFeat := e.aggregation.apply(g, encoded)
	portfolioFeat := e.portfolioProj.Apply(g, portfolio)
	return g.ConcatCols(temporalFeat, portfolioFeat)
}

// regimeProbs runs the auxiliary regime head for one observation row.
func (e *transformerExtractor) regimeProbs(g *Graph, obsRow *Tensor) *Tensor {
	temporalSize := e.seqLen * e.inputDim
	temporal := g.SliceCols(obsRow, 0, temporalSize)
	sample := reshapeRow(g, temporal, e.seqLen, e.inputDim)
	encoded := e.encode(g, sample)
	seq, _ := encoded.Dims()
	last := g.MeanRowsRange(encoded, seq-1, seq)
	return e.regime.apply(g, last)
}

// reshapeRow views a [1, rows*cols] tensor as [rows, cols] on the tape.
func reshapeRow(g *Graph, x *Tensor, rows, cols int) *Tensor {
	out := NewTensor(mat.NewDense(rows, cols, nil))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.W.Set(i, j, x.W.At(0, i*cols+j))
		}
	}
	g.push(func() {
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				x.G.Set(0, i*cols+j, x.G.At(0, i*cols+j)+out.G.At(i, j))
			}
		}
	})
	return out
}

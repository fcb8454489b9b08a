// Package policy implements PPO training, the policy networks and the
// resumable observation normaliser for the trading agents.
//
// Networks are built on gonum matrices with a small reverse-mode tape: every
// operation appends a backward closure, and Backward replays the tape in
// reverse. Batches are rows for dense layers; sequence modules (CNN,
// attention) run per sample with rows as timesteps.
package policy

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Tensor is a value matrix with an accumulated gradient of the same shape.
type Tensor struct {
	W *mat.Dense
	G *mat.Dense
}

// NewTensor wraps a value matrix with a zero gradient.
func NewTensor(w *mat.Dense) *Tensor {
	r, c := w.Dims()
	return &Tensor{W: w, G: mat.NewDense(r, c, nil)}
}

// NewTensorFrom builds a tensor from a raw row-major slice.
func NewTensorFrom(rows, cols int, data []float64) *Tensor {
	return NewTensor(mat.NewDense(rows, cols, data))
}

// Dims returns the tensor shape.
func (t *Tensor) Dims() (int, int) { return t.W.Dims() }

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() { t.G.Zero() }

// Clone returns a detached copy of the values.
func (t *Tensor) Clone() *mat.Dense {
	return mat.DenseCopyOf(t.W)
}

// Graph is a single forward/backward tape. Graphs are cheap; build one per
// minibatch.
type Graph struct {
	tape  []func()
	train bool
	rng   *rand.Rand
}

// NewGraph creates a tape. train enables dropout; rng drives dropout masks
// and may be nil for inference graphs.
func NewGraph(train bool, rng *rand.Rand) *Graph {
	return &Graph{train: train, rng: rng}
}

func (g *Graph) push(backward func()) {
	if backward != nil {
		g.tape = append(g.tape, backward)
	}
}

// Backward seeds the scalar loss gradient with 1 and replays the tape.
func (g *Graph) Backward(loss *Tensor) {
	loss.G.Set(0, 0, 1)
	for i := len(g.tape) - 1; i >= 0; i-- {
		g.tape[i]()
	}
}

// MatMul returns a @ b.
func (g *Graph) MatMul(a, b *Tensor) *Tensor {
	ar, _ := a.Dims()
	_, bc := b.Dims()
	out := NewTensor(mat.NewDense(ar, bc, nil))
	out.W.Mul(a.W, b.W)
	g.push(func() {
		var da, db mat.Dense
		da.Mul(out.G, b.W.T())
		a.G.Add(a.G, &da)
		db.Mul(a.W.T(), out.G)
		b.G.Add(b.G, &db)
	})
	return out
}

// Add returns a + b, same shapes.
func (g *Graph) Add(a, b *Tensor) *Tensor {
	r, c := a.Dims()
	out := NewTensor(mat.NewDense(r, c, nil))
	out.W.Add(a.W, b.W)
	g.push(func() {
		a.G.Add(a.G, out.G)
		b.G.Add(b.G, out.G)
	})
	return out
}

// AddRow broadcasts a [1,c] bias over the rows of x.
func (g *Graph) AddRow(x, bias *Tensor) *Tensor {
	r, c := x.Dims()
	out := NewTensor(mat.NewDense(r, c, nil))
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.W.Set(i, j, x.W.At(i, j)+bias.W.At(0, j))
		}
	}
	g.push(func() {
		x.G.Add(x.G, out.G)
		for j := 0; j < c; j++ {
			sum := bias.G.At(0, j)
			for i := 0; i < r; i++ {
				sum += out.G.At(i, j)
			}
			bias.G.Set(0, j, sum)
		}
	})
	return out
}

// AddConst adds a constant matrix (no gradient) to x.
func (g *Graph) AddConst(x *Tensor, constant *mat.Dense) *Tensor {
	r, c := x.Dims()
	out := NewTensor(mat.NewDense(r, c, nil))
	out.W.Add(x.W, constant)
	g.push(func() {
		x.G.Add(x.G, out.G)
	})
	return out
}

// Scale multiplies x by a scalar.
func (g *Graph) Scale(x *Tensor, s float64) *Tensor {
	r, c := x.Dims()
	out := NewTensor(mat.NewDense(r, c, nil))
	out.W.Scale(s, x.W)
	g.push(func() {
		var dx mat.Dense
		dx.Scale(s, out.G)
		x.G.Add(x.G, &dx)
	})
	return out
}

// ReLU applies max(0, x).
func (g *Graph) ReLU(x *Tensor) *Tensor {
	r, c := x.Dims()
	out := NewTensor(mat.NewDense(r, c, nil))
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := x.W.At(i, j); v > 0 {
				out.W.Set(i, j, v)
			}
		}
	}
	g.push(func() {
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				if x.W.At(i, j) > 0 {
					x.G.Set(i, j, x.G.At(i, j)+out.G.At(i, j))
				}
			}
		}
	})
	return out
}

// Dropout zeroes elements with probability p at train time, scaling the rest
// by 1/(1-p). Identity at inference.
func (g *Graph) Dropout(x *Tensor, p float64) *Tensor {
	if !g.train || p <= 0 || g.rng == nil {
		return x
	}
	r, c := x.Dims()
	mask := mat.NewDense(r, c, nil)
	scale := 1 / (1 - p)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if g.rng.Float64() >= p {
				mask.Set(i, j, scale)
			}
		}
	}
	out := NewTensor(mat.NewDense(r, c, nil))
	out.W.MulElem(x.W, mask)
	g.push(func() {
		var dx mat.Dense
		dx.MulElem(out.G, mask)
		x.G.Add(x.G, &dx)
	})
	return out
}

// SoftmaxRows applies a numerically stable softmax to each row.
func (g *Graph) SoftmaxRows(x *Tensor) *Tensor {
	r, c := x.Dims()
	out := NewTensor(mat.NewDense(r, c, nil))
	for i := 0; i < r; i++ {
		maxV := math.Inf(-1)
		for j := 0; j < c; j++ {
			if v := x.W.At(i, j); v > maxV {
				maxV = v
			}
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			e := math.Exp(x.W.At(i, j) - maxV)
			out.W.Set(i, j, e)
			sum += e
		}
		for j := 0; j < c; j++ {
			out.W.Set(i, j, out.W.At(i, j)/sum)
		}
	}
	g.push(func() {
		for i := 0; i < r; i++ {
			dot := 0.0
			for j := 0; j < c; j++ {
				dot += out.G.At(i, j) * out.W.At(i, j)
			}
			for j := 0; j < c; j++ {
				y := out.W.At(i, j)
				x.G.Set(i, j, x.G.At(i, j)+y*(out.G.At(i, j)-dot))
			}
		}
	})
	return out
}

// Normalize standardises groups of x with learned gain and shift, both
// [1, cols]. perRow selects layer-norm semantics (stats per row); otherwise
// stats run per column across rows, the batch-norm stand-in used after the
// convolutions.
func (g *Graph) Normalize(x, gamma, beta *Tensor, perRow bool) *Tensor {
	const eps = 1e-5
	r, c := x.Dims()
	out := NewTensor(mat.NewDense(r, c, nil))

	groupOf := func(i, j int) int {
		if perRow {
			return i
		}
		return j
	}
	nGroups := c
	groupSize := r
	if perRow {
		nGroups = r
		groupSize = c
	}

	means := make([]float64, nGroups)
	invStds := make([]float64, nGroups)
	norm := mat.NewDense(r, c, nil)

	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			means[groupOf(i, j)] += x.W.At(i, j)
		}
	}
	for k := range means {
		means[k] /= float64(groupSize)
	}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			d := x.W.At(i, j) - means[groupOf(i, j)]
			invStds[groupOf(i, j)] += d * d
		}
	}
	for k := range invStds {
		invStds[k] = 1 / math.Sqrt(invStds[k]/float64(groupSize)+eps)
	}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			n := (x.W.At(i, j) - means[groupOf(i, j)]) * invStds[groupOf(i, j)]
			norm.Set(i, j, n)
			out.W.Set(i, j, gamma.W.At(0, j)*n+beta.W.At(0, j))
		}
	}

	g.push(func() {
		// Gradients wrt gain and shift.
		for j := 0; j < c; j++ {
			dg, db := gamma.G.At(0, j), beta.G.At(0, j)
			for i := 0; i < r; i++ {
				dg += out.G.At(i, j) * norm.At(i, j)
				db += out.G.At(i, j)
			}
			gamma.G.Set(0, j, dg)
			beta.G.Set(0, j, db)
		}
		// Per-group input gradient.
		sumDy := make([]float64, nGroups)
		sumDyN := make([]float64, nGroups)
		dNorm := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				dn := out.G.At(i, j) * gamma.W.At(0, j)
				dNorm.Set(i, j, dn)
				k := groupOf(i, j)
				sumDy[k] += dn
				sumDyN[k] += dn * norm.At(i, j)
			}
		}
		inv := 1 / float64(groupSize)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				k := groupOf(i, j)
				dx := invStds[k] * (dNorm.At(i, j) - inv*sumDy[k] - norm.At(i, j)*inv*sumDyN[k])
				x.G.Set(i, j, x.G.At(i, j)+dx)
			}
		}
	})
	return out
}

// Transpose returns x transposed.
func (g *Graph) Transpose(x *Tensor) *Tensor {
	r, c := x.Dims()
	out := NewTensor(mat.NewDense(c, r, nil))
	out.W.Copy(x.W.T())
	g.push(func() {
		var dx mat.Dense
		dx.CloneFrom(out.G.T())
		x.G.Add(x.G, &dx)
	})
	return out
}

// SliceCols copies columns [from, to) of x.
func (g *Graph) SliceCols(x *Tensor, from, to int) *Tensor {
	r, _ := x.Dims()
	out := NewTensor(mat.NewDense(r, to-from, nil))
	for i := 0; i < r; i++ {
		for j := from; j < to; j++ {
			out.W.Set(i, j-from, x.W.At(i, j))
		}
	}
	g.push(func() {
		for i := 0; i < r; i++ {
			for j := from; j < to; j++ {
				x.G.Set(i, j, x.G.At(i, j)+out.G.At(i, j-from))
			}
		}
	})
	return out
}

// ConcatCols joins tensors with equal row counts side by side.
func (g *Graph) ConcatCols(parts ...*Tensor) *Tensor {
	r, _ := parts[0].Dims()
	total := 0
	for _, p := range parts {
		_, c := p.Dims()
		total += c
	}
	out := NewTensor(mat.NewDense(r, total, nil))
	offset := 0
	for _, p := range parts {
		_, c := p.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				out.W.Set(i, offset+j, p.W.At(i, j))
			}
		}
		offset += c
	}
	g.push(func() {
		offset := 0
		for _, p := range parts {
			_, c := p.Dims()
			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					p.G.Set(i, j, p.G.At(i, j)+out.G.At(i, offset+j))
				}
			}
			offset += c
		}
	})
	return out
}

// ConcatRows stacks tensors with equal column counts vertically.
func (g *Graph) ConcatRows(parts ...*Tensor) *Tensor {
	_, c := parts[0].Dims()
	total := 0
	for _, p := range parts {
		r, _ := p.Dims()
		total += r
	}
	out := NewTensor(mat.NewDense(total, c, nil))
	offset := 0
	for _, p := range parts {
		r, _ := p.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				out.W.Set(offset+i, j, p.W.At(i, j))
			}
		}
		offset += r
	}
	g.push(func() {
		offset := 0
		for _, p := range parts {
			r, _ := p.Dims()
			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					p.G.Set(i, j, p.G.At(i, j)+out.G.At(offset+i, j))
				}
			}
			offset += r
		}
	})
	return out
}

// MeanRowsRange averages rows [from, to) into a [1, cols] tensor.
func (g *Graph) MeanRowsRange(x *Tensor, from, to int) *Tensor {
	_, c := x.Dims()
	out := NewTensor(mat.NewDense(1, c, nil))
	n := float64(to - from)
	for j := 0; j < c; j++ {
		sum := 0.0
		for i := from; i < to; i++ {
			sum += x.W.At(i, j)
		}
		out.W.Set(0, j, sum/n)
	}
	g.push(func() {
		for j := 0; j < c; j++ {
			d := out.G.At(0, j) / n
			for i := from; i < to; i++ {
				x.G.Set(i, j, x.G.At(i, j)+d)
			}
		}
	})
	return out
}

// Conv1D applies a same-length 1-D convolution over rows of x [seq, inCh]
// with kernel w [k*inCh, outCh] and bias [1, outCh]. Even kernels pad one
// extra row on the left so the output length matches the input.
func (g *Graph) Conv1D(x, w, bias *Tensor, kernel int) *Tensor {
	seq, inCh := x.Dims()
	_, outCh := w.Dims()
	padLeft := kernel / 2

	// im2col patches: row s holds the kernel window centred on s.
	patches := mat.NewDense(seq, kernel*inCh, nil)
	for s := 0; s < seq; s++ {
		for kk := 0; kk < kernel; kk++ {
			src := s - padLeft + kk
			if src < 0 || src >= seq {
				continue
			}
			for ch := 0; ch < inCh; ch++ {
				patches.Set(s, kk*inCh+ch, x.W.At(src, ch))
			}
		}
	}

	out := NewTensor(mat.NewDense(seq, outCh, nil))
	out.W.Mul(patches, w.W)
	for s := 0; s < seq; s++ {
		for o := 0; o < outCh; o++ {
			out.W.Set(s, o, out.W.At(s, o)+bias.W.At(0, o))
		}
	}

	g.push(func() {
		// Bias gradient.
		for o := 0; o < outCh; o++ {
			sum := bias.G.At(0, o)
			for s := 0; s < seq; s++ {
				sum += out.G.At(s, o)
			}
			bias.G.Set(0, o, sum)
		}
		// Kernel gradient: patches^T @ dOut.
		var dw mat.Dense
		dw.Mul(patches.T(), out.G)
		w.G.Add(w.G, &dw)
		// Input gradient: scatter dPatches = dOut @ w^T back into x.
		var dPatches mat.Dense
		dPatches.Mul(out.G, w.W.T())
		for s := 0; s < seq; s++ {
			for kk := 0; kk < kernel; kk++ {
				src := s - padLeft + kk
				if src < 0 || src >= seq {
					continue
				}
				for ch := 0; ch < inCh; ch++ {
					x.G.Set(src, ch, x.G.At(src, ch)+dPatches.At(s, kk*inCh+ch))
				}
			}
		}
	})
	return out
}

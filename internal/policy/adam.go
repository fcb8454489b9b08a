package policy

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Adam is a standard Adam optimiser over a ParamSet with global-norm
// gradient clipping.
type Adam struct {
	params      *ParamSet
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	maxGradNorm float64

	step int
	m    map[string]*mat.Dense
	v    map[string]*mat.Dense
}

// NewAdam creates an optimiser with the usual moment coefficients.
func NewAdam(params *ParamSet, lr, maxGradNorm float64) *Adam {
	return &Adam{
		params:      params,
		lr:          lr,
		beta1:       0.9,
		beta2:       0.999,
		eps:         1e-8,
		maxGradNorm: maxGradNorm,
		m:           make(map[string]*mat.Dense),
		v:           make(map[string]*mat.Dense),
	}
}

// SetLR updates the learning rate, driven by the schedule between updates.
func (a *Adam) SetLR(lr float64) { a.lr = lr }

// LR returns the current learning rate.
func (a *Adam) LR() float64 { return a.lr }

// Step applies one update from the accumulated gradients and zeroes them.
func (a *Adam) Step() {
	a.clipGradients()
	a.step++
	bc1 := 1 - math.Pow(a.beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.beta2, float64(a.step))

	for _, name := range a.params.Names() {
		p := a.params.Get(name)
		r, c := p.Dims()
		m, ok := a.m[name]
		if !ok {
			m = mat.NewDense(r, c, nil)
			a.m[name] = m
			a.v[name] = mat.NewDense(r, c, nil)
		}
		v := a.v[name]

		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				grad := p.G.At(i, j)
				mv := a.beta1*m.At(i, j) + (1-a.beta1)*grad
				vv := a.beta2*v.At(i, j) + (1-a.beta2)*grad*grad
				m.Set(i, j, mv)
				v.Set(i, j, vv)
				mHat := mv / bc1
				vHat := vv / bc2
				p.W.Set(i, j, p.W.At(i, j)-a.lr*mHat/(math.Sqrt(vHat)+a.eps))
			}
		}
	}
	a.params.ZeroGrads()
}

// clipGradients rescales all gradients so their global L2 norm stays within
// maxGradNorm.
func (a *Adam) clipGradients() {
	if a.maxGradNorm <= 0 {
		return
	}
	total := 0.0
	for _, name := range a.params.Names() {
		g := a.params.Get(name).G
		r, c := g.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				v := g.At(i, j)
				total += v * v
			}
		}
	}
	norm := math.Sqrt(total)
	if norm <= a.maxGradNorm || norm == 0 {
		return
	}
	scale := a.maxGradNorm / norm
	for _, name := range a.params.Names() {
		g := a.params.Get(name).G
		g.Scale(scale, g)
	}
}

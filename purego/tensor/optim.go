package tensor

import (
	"math"
	"strings"
)

// AdamW implements Adam with decoupled weight decay. Biases and layer norm
// parameters are exempt from decay.
type AdamW struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	step int
	m    map[*Var][]float32
	v    map[*Var][]float32
}

// NewAdamW creates an optimizer with the usual transformer defaults
func NewAdamW(weightDecay float64) *AdamW {
	return &AdamW{
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		m:           make(map[*Var][]float32),
		v:           make(map[*Var][]float32),
	}
}

// Step applies one update with learning rate lr
func (o *AdamW) Step(params []NamedParam, lr float64) {
	o.step++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.step))

	for _, p := range params {
		if p.Var.Grad == nil {
			continue
		}
		data := p.Var.Value.Data
		grad := p.Var.Grad.Data
		m, ok := o.m[p.Var]
		if !ok {
			m = make([]float32, len(data))
			o.m[p.Var] = m
			o.v[p.Var] = make([]float32, len(data))
		}
		v := o.v[p.Var]
		decay := o.WeightDecay > 0 && decays(p.Name)

		for i, g := range grad {
			if decay {
				data[i] -= float32(lr * o.WeightDecay * float64(data[i]))
			}
			m[i] = float32(o.Beta1)*m[i] + float32(1-o.Beta1)*g
			v[i] = float32(o.Beta2)*v[i] + float32(1-o.Beta2)*g*g
			mHat := float64(m[i]) / bc1
			vHat := float64(v[i]) / bc2
			data[i] -= float32(lr * mHat / (math.Sqrt(vHat) + o.Eps))
		}
	}
}

func decays(name string) bool {
	return !strings.HasSuffix(name, ".bias") && !strings.Contains(name, "ln_")
}

// ZeroGrad clears every parameter gradient
func ZeroGrad(params []NamedParam) {
	for _, p := range params {
		p.Var.ZeroGrad()
	}
}

// ClipGradNorm rescales gradients so their global L2 norm is at most
// maxNorm and returns the norm before clipping
func ClipGradNorm(params []NamedParam, maxNorm float64) float64 {
	total := float64(0)
	for _, p := range params {
		if p.Var.Grad == nil {
			continue
		}
		for _, g := range p.Var.Grad.Data {
			total += float64(g) * float64(g)
		}
	}
	norm := math.Sqrt(total)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := float32(maxNorm / (norm + 1e-6))
	for _, p := range params {
		if p.Var.Grad == nil {
			continue
		}
		for i := range p.Var.Grad.Data {
			p.Var.Grad.Data[i] *= scale
		}
	}
	return norm
}

// LinearSchedule ramps the learning rate up over warmup steps and decays it
// linearly to zero at total steps
func LinearSchedule(base float64, warmup, total, step int) float64 {
	if step < warmup {
		return base * float64(step+1) / float64(warmup)
	}
	if total <= warmup {
		return base
	}
	remaining := float64(total-step) / float64(total-warmup)
	if remaining < 0 {
		remaining = 0
	}
	return base * remaining
}

package tensor

import (
	"fmt"
	"math"
)

// IgnoreIndex marks label positions that do not contribute to the loss
const IgnoreIndex = -100

// Var is a node in the autograd graph. Leaves hold model parameters and
// keep their gradient across Backward calls until ZeroGrad.
type Var struct {
	Value *Tensor
	Grad  *Tensor

	requiresGrad bool
	parents      []*Var
	backward     func()
}

// Param wraps a tensor as a trainable leaf
func Param(t *Tensor) *Var {
	return &Var{Value: t, requiresGrad: true}
}

// Const wraps a tensor as a leaf that receives no gradient
func Const(t *Tensor) *Var {
	return &Var{Value: t}
}

// RequiresGrad reports whether gradients flow into v
func (v *Var) RequiresGrad() bool {
	return v.requiresGrad
}

// ZeroGrad clears an accumulated gradient
func (v *Var) ZeroGrad() {
	if v.Grad != nil {
		v.Grad.Zero()
	}
}

func (v *Var) grad() []float32 {
	if v.Grad == nil {
		v.Grad = NewTensor(v.Value.Shape...)
	}
	return v.Grad.Data
}

func newNode(value *Tensor, backward func(out *Var), parents ...*Var) *Var {
	out := &Var{Value: value, parents: parents}
	for _, p := range parents {
		if p.requiresGrad {
			out.requiresGrad = true
			break
		}
	}
	if out.requiresGrad {
		out.backward = func() { backward(out) }
	}
	return out
}

// Backward propagates d(loss)/d(node) from a scalar loss, seeding the loss
// gradient with seed. Leaf gradients accumulate.
func Backward(loss *Var, seed float32) {
	if loss.Value.Size() != 1 {
		panic(fmt.Sprintf("backward requires a scalar, got shape %v", loss.Value.Shape))
	}
	if !loss.requiresGrad {
		return
	}

	topo := make([]*Var, 0)
	visited := make(map[*Var]bool)
	var build func(*Var)
	build = func(v *Var) {
		if visited[v] {
			return
		}
		visited[v] = true
		for _, p := range v.parents {
			if p.requiresGrad {
				build(p)
			}
		}
		topo = append(topo, v)
	}
	build(loss)

	loss.grad()[0] += seed
	for i := len(topo) - 1; i >= 0; i-- {
		if topo[i].backward != nil {
			topo[i].backward()
		}
	}
}

// AddVar returns a + b for tensors of equal size
func AddVar(a, b *Var) *Var {
	return newNode(Add(a.Value, b.Value), func(out *Var) {
		g := out.grad()
		if a.requiresGrad {
			ag := a.grad()
			for i, v := range g {
				ag[i] += v
			}
		}
		if b.requiresGrad {
			bg := b.grad()
			for i, v := range g {
				bg[i] += v
			}
		}
	}, a, b)
}

// Embedding gathers rows of wte by token id and adds the positional rows of
// wpe for positions 0..len(ids)-1. Output is [T, hidden].
func Embedding(wte, wpe *Var, ids []int) *Var {
	hidden := wte.Value.Shape[1]
	T := len(ids)
	out := NewTensor(T, hidden)
	for t, id := range ids {
		row := out.Data[t*hidden : (t+1)*hidden]
		tok := wte.Value.Row(id)
		pos := wpe.Value.Row(t)
		for j := range row {
			row[j] = tok[j] + pos[j]
		}
	}
	return newNode(out, func(o *Var) {
		g := o.grad()
		if wte.requiresGrad {
			wg := wte.grad()
			for t, id := range ids {
				dst := wg[id*hidden : (id+1)*hidden]
				for j, v := range g[t*hidden : (t+1)*hidden] {
					dst[j] += v
				}
			}
		}
		if wpe.requiresGrad {
			pg := wpe.grad()
			for j, v := range g[:T*hidden] {
				pg[j] += v
			}
		}
	}, wte, wpe)
}

// LinearVar computes x[T,in] x w[in,out] + b[out]
func LinearVar(x, w, b *Var) *Var {
	T, in := x.Value.Shape[0], x.Value.Shape[1]
	outDim := w.Value.Shape[1]
	if w.Value.Shape[0] != in {
		panic(fmt.Sprintf("linear: input %d does not match weight %v", in, w.Value.Shape))
	}

	y := NewTensor(T, outDim)
	matmulAcc(y.Data, x.Value.Data, w.Value.Data, T, in, outDim)
	parents := []*Var{x, w}
	if b != nil {
		addBiasRows(y.Data, b.Value.Data, T, outDim)
		parents = append(parents, b)
	}

	return newNode(y, func(out *Var) {
		g := out.grad()
		if x.requiresGrad {
			matmulTransBAcc(x.grad(), g, w.Value.Data, T, outDim, in)
		}
		if w.requiresGrad {
			matmulTransAAcc(w.grad(), x.Value.Data, g, T, in, outDim)
		}
		if b != nil && b.requiresGrad {
			bg := b.grad()
			for t := 0; t < T; t++ {
				for j, v := range g[t*outDim : (t+1)*outDim] {
					bg[j] += v
				}
			}
		}
	}, parents...)
}

// LayerNormVar normalizes each row of x with affine parameters w and b
func LayerNormVar(x, w, b *Var, eps float32) *Var {
	hidden := x.Value.Shape[len(x.Value.Shape)-1]
	rows := len(x.Value.Data) / hidden
	y := NewTensor(x.Value.Shape...)
	mean := make([]float32, rows)
	rstd := make([]float32, rows)
	layerNormRows(y.Data, mean, rstd, x.Value.Data, w.Value.Data, b.Value.Data, rows, hidden, eps)

	return newNode(y, func(out *Var) {
		g := out.grad()
		var xg, wg, bg []float32
		if x.requiresGrad {
			xg = x.grad()
		}
		if w.requiresGrad {
			wg = w.grad()
		}
		if b.requiresGrad {
			bg = b.grad()
		}
		xhat := make([]float32, hidden)
		dxhat := make([]float32, hidden)
		for i := 0; i < rows; i++ {
			off := i * hidden
			dmean := float32(0)
			dmeanXhat := float32(0)
			for j := 0; j < hidden; j++ {
				xhat[j] = (x.Value.Data[off+j] - mean[i]) * rstd[i]
				dy := g[off+j]
				if wg != nil {
					wg[j] += dy * xhat[j]
				}
				if bg != nil {
					bg[j] += dy
				}
				dxhat[j] = dy * w.Value.Data[j]
				dmean += dxhat[j]
				dmeanXhat += dxhat[j] * xhat[j]
			}
			if xg == nil {
				continue
			}
			dmean /= float32(hidden)
			dmeanXhat /= float32(hidden)
			for j := 0; j < hidden; j++ {
				xg[off+j] += rstd[i] * (dxhat[j] - dmean - xhat[j]*dmeanXhat)
			}
		}
	}, x, w, b)
}

// GELUVar applies the tanh-approximated GELU element-wise
func GELUVar(x *Var) *Var {
	return newNode(GELU(x.Value), func(out *Var) {
		g := out.grad()
		xg := x.grad()
		for i, v := range x.Value.Data {
			xg[i] += g[i] * geluGrad(v)
		}
	}, x)
}

// CausalSelfAttentionVar splits a fused [T, 3*hidden] projection into
// queries, keys and values and applies masked multi-head attention.
func CausalSelfAttentionVar(qkv *Var, numHeads int) *Var {
	T := qkv.Value.Shape[0]
	hidden := qkv.Value.Shape[1] / 3
	headDim := hidden / numHeads

	q := make([]float32, T*hidden)
	k := make([]float32, T*hidden)
	v := make([]float32, T*hidden)
	splitQKV(qkv.Value.Data, q, k, v, T, hidden)

	y := NewTensor(T, hidden)
	probs := make([]float32, numHeads*T*T)
	causalAttention(y.Data, probs, q, k, v, T, T, 0, numHeads, headDim)

	return newNode(y, func(out *Var) {
		g := out.grad()
		scale := float32(1 / math.Sqrt(float64(headDim)))
		dq := make([]float32, T*hidden)
		dk := make([]float32, T*hidden)
		dv := make([]float32, T*hidden)
		dp := make([]float32, T)

		for h := 0; h < numHeads; h++ {
			ho := h * headDim
			for t := 0; t < T; t++ {
				p := probs[(h*T+t)*T : (h*T+t)*T+t+1]
				gRow := g[t*hidden+ho : t*hidden+ho+headDim]

				dot := float32(0)
				for j := 0; j <= t; j++ {
					vRow := v[j*hidden+ho : j*hidden+ho+headDim]
					dvRow := dv[j*hidden+ho : j*hidden+ho+headDim]
					s := float32(0)
					for d, gv := range gRow {
						s += gv * vRow[d]
						dvRow[d] += p[j] * gv
					}
					dp[j] = s
					dot += p[j] * s
				}

				qRow := q[t*hidden+ho : t*hidden+ho+headDim]
				dqRow := dq[t*hidden+ho : t*hidden+ho+headDim]
				for j := 0; j <= t; j++ {
					ds := p[j] * (dp[j] - dot) * scale
					if ds == 0 {
						continue
					}
					kRow := k[j*hidden+ho : j*hidden+ho+headDim]
					dkRow := dk[j*hidden+ho : j*hidden+ho+headDim]
					for d := 0; d < headDim; d++ {
						dqRow[d] += ds * kRow[d]
						dkRow[d] += ds * qRow[d]
					}
				}
			}
		}

		qg := qkv.grad()
		for t := 0; t < T; t++ {
			row := qg[t*3*hidden : (t+1)*3*hidden]
			for j := 0; j < hidden; j++ {
				row[j] += dq[t*hidden+j]
				row[hidden+j] += dk[t*hidden+j]
				row[2*hidden+j] += dv[t*hidden+j]
			}
		}
	}, qkv)
}

// MatMulTransposedVar computes x[T,hidden] x e[V,hidden]^T, the tied LM head
func MatMulTransposedVar(x, e *Var) *Var {
	T, hidden := x.Value.Shape[0], x.Value.Shape[1]
	V := e.Value.Shape[0]
	y := NewTensor(T, V)
	matmulTransBAcc(y.Data, x.Value.Data, e.Value.Data, T, hidden, V)

	return newNode(y, func(out *Var) {
		g := out.grad()
		if x.requiresGrad {
			matmulAcc(x.grad(), g, e.Value.Data, T, V, hidden)
		}
		if e.requiresGrad {
			matmulTransAAcc(e.grad(), g, x.Value.Data, T, V, hidden)
		}
	}, x, e)
}

// CrossEntropyVar returns the summed negative log-likelihood of targets
// under softmax(logits) and the number of counted positions. Targets equal
// to IgnoreIndex are skipped.
func CrossEntropyVar(logits *Var, targets []int) (*Var, int) {
	T, V := logits.Value.Shape[0], logits.Value.Shape[1]
	if len(targets) != T {
		panic(fmt.Sprintf("cross entropy: %d targets for %d rows", len(targets), T))
	}

	probs := make([]float32, T*V)
	loss := float64(0)
	count := 0
	for t, target := range targets {
		if target == IgnoreIndex {
			continue
		}
		row := probs[t*V : (t+1)*V]
		softmaxRow(row, logits.Value.Data[t*V:(t+1)*V])
		loss -= math.Log(math.Max(float64(row[target]), 1e-30))
		count++
	}

	out := NewTensor(1)
	out.Data[0] = float32(loss)
	return newNode(out, func(o *Var) {
		seed := o.grad()[0]
		lg := logits.grad()
		for t, target := range targets {
			if target == IgnoreIndex {
				continue
			}
			row := probs[t*V : (t+1)*V]
			dst := lg[t*V : (t+1)*V]
			for j, p := range row {
				dst[j] += p * seed
			}
			dst[target] -= seed
		}
	}, logits), count
}

func splitQKV(qkv, q, k, v []float32, T, hidden int) {
	for t := 0; t < T; t++ {
		row := qkv[t*3*hidden : (t+1)*3*hidden]
		copy(q[t*hidden:(t+1)*hidden], row[:hidden])
		copy(k[t*hidden:(t+1)*hidden], row[hidden:2*hidden])
		copy(v[t*hidden:(t+1)*hidden], row[2*hidden:])
	}
}

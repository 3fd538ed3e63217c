package tensor

import "math"

const (
	geluCoeff   = 0.044715
	sqrt2OverPi = 0.7978845608028654
)

// matmulAcc computes out[m,n] += a[m,k] x b[k,n]
func matmulAcc(out, a, b []float32, m, k, n int) {
	for i := 0; i < m; i++ {
		row := out[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			bRow := b[p*n : (p+1)*n]
			for j, bv := range bRow {
				row[j] += av * bv
			}
		}
	}
}

// matmulTransBAcc computes out[m,n] += a[m,k] x b[n,k]^T
func matmulTransBAcc(out, a, b []float32, m, k, n int) {
	for i := 0; i < m; i++ {
		aRow := a[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			bRow := b[j*k : (j+1)*k]
			sum := float32(0)
			for p, av := range aRow {
				sum += av * bRow[p]
			}
			out[i*n+j] += sum
		}
	}
}

// matmulTransAAcc computes out[k,n] += a[m,k]^T x b[m,n]
func matmulTransAAcc(out, a, b []float32, m, k, n int) {
	for i := 0; i < m; i++ {
		bRow := b[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			row := out[p*n : (p+1)*n]
			for j, bv := range bRow {
				row[j] += av * bv
			}
		}
	}
}

func addBiasRows(out, bias []float32, rows, cols int) {
	if bias == nil {
		return
	}
	for i := 0; i < rows; i++ {
		row := out[i*cols : (i+1)*cols]
		for j, b := range bias {
			row[j] += b
		}
	}
}

func softmaxRow(dst, src []float32) {
	maxVal := src[0]
	for _, v := range src[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := float32(0)
	for i, v := range src {
		e := float32(math.Exp(float64(v - maxVal)))
		dst[i] = e
		sum += e
	}
	for i := range dst {
		dst[i] /= sum
	}
}

func gelu(x float32) float32 {
	inner := sqrt2OverPi * (float64(x) + geluCoeff*float64(x)*float64(x)*float64(x))
	return float32(0.5 * float64(x) * (1 + math.Tanh(inner)))
}

func geluGrad(x float32) float32 {
	xf := float64(x)
	inner := sqrt2OverPi * (xf + geluCoeff*xf*xf*xf)
	th := math.Tanh(inner)
	dInner := sqrt2OverPi * (1 + 3*geluCoeff*xf*xf)
	return float32(0.5*(1+th) + 0.5*xf*(1-th*th)*dInner)
}

// layerNormRows normalizes each row of x into out. mean and rstd, when not
// nil, receive per-row statistics for the backward pass.
func layerNormRows(out, mean, rstd, x, w, b []float32, rows, hidden int, eps float32) {
	for i := 0; i < rows; i++ {
		row := x[i*hidden : (i+1)*hidden]
		m := float32(0)
		for _, v := range row {
			m += v
		}
		m /= float32(hidden)

		variance := float32(0)
		for _, v := range row {
			d := v - m
			variance += d * d
		}
		variance /= float32(hidden)
		rs := float32(1 / math.Sqrt(float64(variance+eps)))

		o := out[i*hidden : (i+1)*hidden]
		for j, v := range row {
			o[j] = (v-m)*rs*w[j] + b[j]
		}
		if mean != nil {
			mean[i] = m
			rstd[i] = rs
		}
	}
}

// causalAttention runs scaled dot-product attention for query rows q[t]
// against keys/values 0..pos(t). q is [T, hidden]; k and v are
// [S, hidden]; query row t sits at absolute position start+t. probs, when
// not nil, receives the [heads, T, S] attention weights.
func causalAttention(out, probs, q, k, v []float32, T, S, start, numHeads, headDim int) {
	hidden := numHeads * headDim
	scale := float32(1 / math.Sqrt(float64(headDim)))
	scores := make([]float32, S)

	for h := 0; h < numHeads; h++ {
		ho := h * headDim
		for t := 0; t < T; t++ {
			limit := start + t + 1
			qRow := q[t*hidden+ho : t*hidden+ho+headDim]
			for j := 0; j < limit; j++ {
				kRow := k[j*hidden+ho : j*hidden+ho+headDim]
				s := float32(0)
				for d, qv := range qRow {
					s += qv * kRow[d]
				}
				scores[j] = s * scale
			}
			softmaxRow(scores[:limit], scores[:limit])

			oRow := out[t*hidden+ho : t*hidden+ho+headDim]
			for j := 0; j < limit; j++ {
				p := scores[j]
				vRow := v[j*hidden+ho : j*hidden+ho+headDim]
				for d, vv := range vRow {
					oRow[d] += p * vv
				}
			}
			if probs != nil {
				copy(probs[(h*T+t)*S:(h*T+t)*S+limit], scores[:limit])
			}
		}
	}
}

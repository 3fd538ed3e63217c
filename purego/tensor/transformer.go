package tensor

// TransformerBlock implements a single pre-norm GPT-2 layer
type TransformerBlock struct {
	Attention *MultiHeadAttention
	FFN       *FeedForward
	LN1       *LayerNormLayer
	LN2       *LayerNormLayer
}

// Forward applies the block to hidden states x [T, hidden] during
// generation. Keys and values for the new positions are appended to cache
// layer layerIdx; start is the absolute position of the first row.
func (block *TransformerBlock) Forward(x *Tensor, cache *KVCache, layerIdx, start int) *Tensor {
	h := block.LN1.Forward(x)
	h = block.Attention.Forward(h, cache, layerIdx, start)
	x = Add(x, h)

	h = block.LN2.Forward(x)
	h = block.FFN.Forward(h)
	return Add(x, h)
}

// Graph builds the training graph for the block
func (block *TransformerBlock) Graph(x *Var) *Var {
	h := block.LN1.Graph(x)
	h = block.Attention.Graph(h)
	x = AddVar(x, h)

	h = block.LN2.Graph(x)
	h = block.FFN.Graph(h)
	return AddVar(x, h)
}

// MultiHeadAttention implements causal self-attention with a fused QKV
// projection (GPT-2 c_attn layout)
type MultiHeadAttention struct {
	NumHeads int
	HeadDim  int
	Hidden   int

	QKVWeight *Var // [hidden, 3*hidden]
	QKVBias   *Var // [3*hidden]
	OutWeight *Var // [hidden, hidden]
	OutBias   *Var // [hidden]
}

// Forward runs attention for new rows x against the cache
func (mha *MultiHeadAttention) Forward(x *Tensor, cache *KVCache, layerIdx, start int) *Tensor {
	T := x.Shape[0]
	qkv := linear(x, mha.QKVWeight, mha.QKVBias)

	q := make([]float32, T*mha.Hidden)
	k := make([]float32, T*mha.Hidden)
	v := make([]float32, T*mha.Hidden)
	splitQKV(qkv.Data, q, k, v, T, mha.Hidden)

	cache.AppendLayer(layerIdx, k, v)
	keys, values := cache.GetLayer(layerIdx)
	S := len(keys) / mha.Hidden

	out := NewTensor(T, mha.Hidden)
	causalAttention(out.Data, nil, q, keys, values, T, S, start, mha.NumHeads, mha.HeadDim)

	return linear(out, mha.OutWeight, mha.OutBias)
}

// Graph builds the training graph for full-sequence attention
func (mha *MultiHeadAttention) Graph(x *Var) *Var {
	qkv := LinearVar(x, mha.QKVWeight, mha.QKVBias)
	attn := CausalSelfAttentionVar(qkv, mha.NumHeads)
	return LinearVar(attn, mha.OutWeight, mha.OutBias)
}

// FeedForward implements the GELU MLP
type FeedForward struct {
	W1     *Var // [hidden, ffn_dim]
	B1     *Var // [ffn_dim]
	W2     *Var // [ffn_dim, hidden]
	B2     *Var // [hidden]
	Hidden int
	FFNDim int
}

// Forward applies the feed-forward network
func (ffn *FeedForward) Forward(x *Tensor) *Tensor {
	return linear(GELU(linear(x, ffn.W1, ffn.B1)), ffn.W2, ffn.B2)
}

// Graph builds the training graph for the feed-forward network
func (ffn *FeedForward) Graph(x *Var) *Var {
	return LinearVar(GELUVar(LinearVar(x, ffn.W1, ffn.B1)), ffn.W2, ffn.B2)
}

// LayerNormLayer wraps layer normalization with parameters
type LayerNormLayer struct {
	Weight *Var
	Bias   *Var
	Eps    float32
}

// Forward applies layer normalization
func (ln *LayerNormLayer) Forward(x *Tensor) *Tensor {
	return LayerNorm(x, ln.Weight.Value, ln.Bias.Value, ln.Eps)
}

// Graph builds the training graph for layer normalization
func (ln *LayerNormLayer) Graph(x *Var) *Var {
	return LayerNormVar(x, ln.Weight, ln.Bias, ln.Eps)
}

func linear(x *Tensor, w, b *Var) *Tensor {
	T, in := x.Shape[0], x.Shape[1]
	outDim := w.Value.Shape[1]
	y := NewTensor(T, outDim)
	matmulAcc(y.Data, x.Data, w.Value.Data, T, in, outDim)
	if b != nil {
		addBiasRows(y.Data, b.Value.Data, T, outDim)
	}
	return y
}

package tensor

import (
	"fmt"
	"math/rand"
)

// GPT2Config holds model configuration using the HuggingFace config.json keys
type GPT2Config struct {
	ModelType    string  `json:"model_type"`
	VocabSize    int     `json:"vocab_size"`
	MaxSeqLen    int     `json:"n_positions"`
	Hidden       int     `json:"n_embd"`
	NumLayers    int     `json:"n_layer"`
	NumHeads     int     `json:"n_head"`
	FFNDim       int     `json:"n_inner,omitempty"`
	LayerNormEps float64 `json:"layer_norm_epsilon"`
	BOSTokenID   int     `json:"bos_token_id"`
	EOSTokenID   int     `json:"eos_token_id"`
}

// Validate checks that the dimensions describe a buildable model
func (c *GPT2Config) Validate() error {
	if c.VocabSize < 1 || c.MaxSeqLen < 2 || c.Hidden < 1 || c.NumLayers < 1 || c.NumHeads < 1 {
		return fmt.Errorf("invalid model config: vocab=%d positions=%d hidden=%d layers=%d heads=%d",
			c.VocabSize, c.MaxSeqLen, c.Hidden, c.NumLayers, c.NumHeads)
	}
	if c.Hidden%c.NumHeads != 0 {
		return fmt.Errorf("invalid model config: n_embd %d must be divisible by n_head %d", c.Hidden, c.NumHeads)
	}
	if c.EOSTokenID < 0 || c.EOSTokenID >= c.VocabSize {
		return fmt.Errorf("invalid model config: eos_token_id %d outside vocab %d", c.EOSTokenID, c.VocabSize)
	}
	return nil
}

func (c *GPT2Config) ffnDim() int {
	if c.FFNDim > 0 {
		return c.FFNDim
	}
	return 4 * c.Hidden
}

func (c *GPT2Config) eps() float32 {
	if c.LayerNormEps > 0 {
		return float32(c.LayerNormEps)
	}
	return 1e-5
}

// NamedParam pairs a trainable tensor with its safetensors name
type NamedParam struct {
	Name string
	Var  *Var
}

// GPT2Model implements a GPT-2 style transformer
type GPT2Model struct {
	Config *GPT2Config

	TokenEmbedding *Var // [vocab_size, hidden], tied with the LM head
	PosEmbedding   *Var // [max_seq_len, hidden]

	Blocks []*TransformerBlock

	LNFinal *LayerNormLayer
}

// NewGPT2Model creates a GPT-2 model with weights drawn from N(0, 0.02²),
// biases zeroed and layer norms set to identity
func NewGPT2Model(config *GPT2Config, seed int64) (*GPT2Model, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	hidden := config.Hidden
	ffn := config.ffnDim()

	model := newGPT2Skeleton(config)
	model.TokenEmbedding = Param(RandomTensor(rng, 0.02, config.VocabSize, hidden))
	model.PosEmbedding = Param(RandomTensor(rng, 0.01, config.MaxSeqLen, hidden))
	for _, block := range model.Blocks {
		block.LN1.Weight, block.LN1.Bias = Param(Filled(1, hidden)), Param(NewTensor(hidden))
		block.LN2.Weight, block.LN2.Bias = Param(Filled(1, hidden)), Param(NewTensor(hidden))
		block.Attention.QKVWeight = Param(RandomTensor(rng, 0.02, hidden, 3*hidden))
		block.Attention.QKVBias = Param(NewTensor(3 * hidden))
		block.Attention.OutWeight = Param(RandomTensor(rng, 0.02, hidden, hidden))
		block.Attention.OutBias = Param(NewTensor(hidden))
		block.FFN.W1 = Param(RandomTensor(rng, 0.02, hidden, ffn))
		block.FFN.B1 = Param(NewTensor(ffn))
		block.FFN.W2 = Param(RandomTensor(rng, 0.02, ffn, hidden))
		block.FFN.B2 = Param(NewTensor(hidden))
	}
	model.LNFinal.Weight, model.LNFinal.Bias = Param(Filled(1, hidden)), Param(NewTensor(hidden))
	return model, nil
}

func newGPT2Skeleton(config *GPT2Config) *GPT2Model {
	model := &GPT2Model{
		Config:  config,
		Blocks:  make([]*TransformerBlock, config.NumLayers),
		LNFinal: &LayerNormLayer{Eps: config.eps()},
	}
	for i := range model.Blocks {
		model.Blocks[i] = &TransformerBlock{
			Attention: &MultiHeadAttention{
				NumHeads: config.NumHeads,
				HeadDim:  config.Hidden / config.NumHeads,
				Hidden:   config.Hidden,
			},
			FFN: &FeedForward{
				Hidden: config.Hidden,
				FFNDim: config.ffnDim(),
			},
			LN1: &LayerNormLayer{Eps: config.eps()},
			LN2: &LayerNormLayer{Eps: config.eps()},
		}
	}
	return model
}

// NamedParameters lists every parameter in a stable order under the
// HuggingFace GPT-2 tensor names
func (m *GPT2Model) NamedParameters() []NamedParam {
	params := []NamedParam{
		{"wte.weight", m.TokenEmbedding},
		{"wpe.weight", m.PosEmbedding},
	}
	for i, b := range m.Blocks {
		prefix := fmt.Sprintf("h.%d.", i)
		params = append(params,
			NamedParam{prefix + "ln_1.weight", b.LN1.Weight},
			NamedParam{prefix + "ln_1.bias", b.LN1.Bias},
			NamedParam{prefix + "attn.c_attn.weight", b.Attention.QKVWeight},
			NamedParam{prefix + "attn.c_attn.bias", b.Attention.QKVBias},
			NamedParam{prefix + "attn.c_proj.weight", b.Attention.OutWeight},
			NamedParam{prefix + "attn.c_proj.bias", b.Attention.OutBias},
			NamedParam{prefix + "ln_2.weight", b.LN2.Weight},
			NamedParam{prefix + "ln_2.bias", b.LN2.Bias},
			NamedParam{prefix + "mlp.c_fc.weight", b.FFN.W1},
			NamedParam{prefix + "mlp.c_fc.bias", b.FFN.B1},
			NamedParam{prefix + "mlp.c_proj.weight", b.FFN.W2},
			NamedParam{prefix + "mlp.c_proj.bias", b.FFN.B2},
		)
	}
	return append(params,
		NamedParam{"ln_f.weight", m.LNFinal.Weight},
		NamedParam{"ln_f.bias", m.LNFinal.Bias},
	)
}

// NumParameters counts trainable scalars
func (m *GPT2Model) NumParameters() int {
	n := 0
	for _, p := range m.NamedParameters() {
		n += p.Var.Value.Size()
	}
	return n
}

// NewCache allocates a KV cache sized for this model
func (m *GPT2Model) NewCache() *KVCache {
	return NewKVCache(m.Config.NumLayers, m.Config.Hidden)
}

// Forward runs the new tokens through the model, extending cache. start is
// the absolute position of tokenIDs[0] and must equal cache.Len().
// Returns logits [len(tokenIDs), vocab_size].
func (m *GPT2Model) Forward(tokenIDs []int, cache *KVCache, start int) (*Tensor, error) {
	if len(tokenIDs) == 0 {
		return nil, fmt.Errorf("forward: no tokens")
	}
	if start != cache.Len() {
		return nil, fmt.Errorf("forward: start %d does not match cache length %d", start, cache.Len())
	}
	if start+len(tokenIDs) > m.Config.MaxSeqLen {
		return nil, fmt.Errorf("forward: %d positions exceed context %d", start+len(tokenIDs), m.Config.MaxSeqLen)
	}

	x, err := m.embed(tokenIDs, start)
	if err != nil {
		return nil, err
	}
	for i, block := range m.Blocks {
		x = block.Forward(x, cache, i, start)
	}
	x = m.LNFinal.Forward(x)

	T := len(tokenIDs)
	logits := NewTensor(T, m.Config.VocabSize)
	matmulTransBAcc(logits.Data, x.Data, m.TokenEmbedding.Value.Data, T, m.Config.Hidden, m.Config.VocabSize)
	return logits, nil
}

// embed creates embeddings for tokens
func (m *GPT2Model) embed(tokenIDs []int, start int) (*Tensor, error) {
	hidden := m.Config.Hidden
	result := NewTensor(len(tokenIDs), hidden)

	for i, tokenID := range tokenIDs {
		if tokenID < 0 || tokenID >= m.Config.VocabSize {
			return nil, fmt.Errorf("token id %d outside vocab %d", tokenID, m.Config.VocabSize)
		}
		tok := m.TokenEmbedding.Value.Row(tokenID)
		pos := m.PosEmbedding.Value.Row(start + i)
		row := result.Row(i)
		for j := range row {
			row[j] = tok[j] + pos[j]
		}
	}

	return result, nil
}

// GetLogitsForLastToken returns logits for the last token
func (m *GPT2Model) GetLogitsForLastToken(logits *Tensor) []float32 {
	out := make([]float32, m.Config.VocabSize)
	copy(out, logits.Row(logits.Shape[0]-1))
	return out
}

// Loss builds the training graph for one sequence. labels align with
// inputIDs; position t is trained to predict labels[t+1] and IgnoreIndex
// labels are skipped. Returns the summed loss and the number of counted
// targets.
func (m *GPT2Model) Loss(inputIDs, labels []int) (*Var, int, error) {
	T := len(inputIDs)
	if T < 2 {
		return nil, 0, fmt.Errorf("loss: need at least 2 tokens, got %d", T)
	}
	if len(labels) != T {
		return nil, 0, fmt.Errorf("loss: %d labels for %d inputs", len(labels), T)
	}
	if T > m.Config.MaxSeqLen {
		return nil, 0, fmt.Errorf("loss: sequence %d exceeds context %d", T, m.Config.MaxSeqLen)
	}
	for _, id := range inputIDs {
		if id < 0 || id >= m.Config.VocabSize {
			return nil, 0, fmt.Errorf("token id %d outside vocab %d", id, m.Config.VocabSize)
		}
	}

	x := Embedding(m.TokenEmbedding, m.PosEmbedding, inputIDs)
	for _, block := range m.Blocks {
		x = block.Graph(x)
	}
	x = m.LNFinal.Graph(x)
	logits := MatMulTransposedVar(x, m.TokenEmbedding)

	targets := make([]int, T)
	copy(targets, labels[1:])
	targets[T-1] = IgnoreIndex
	loss, count := CrossEntropyVar(logits, targets)
	return loss, count, nil
}

// Describe summarises the configuration
func (m *GPT2Model) Describe() string {
	c := m.Config
	return fmt.Sprintf("gpt2 vocab=%d hidden=%d layers=%d heads=%d ffn=%d ctx=%d params=%.2fM",
		c.VocabSize, c.Hidden, c.NumLayers, c.NumHeads, c.ffnDim(), c.MaxSeqLen,
		float64(m.NumParameters())/1e6)
}

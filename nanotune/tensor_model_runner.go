package nanotune

import (
	"context"
	"fmt"

	"nano-tune-go/purego/tensor"
)

// TensorModelRunner implements ModelRunner using the purego tensor model.
// Each running sequence owns a KV cache; decode steps feed only the newest
// token.
type TensorModelRunner struct {
	model  *tensor.GPT2Model
	eos    int
	caches map[int64]*tensor.KVCache
}

// NewTensorModelRunner creates a runner around a loaded model
func NewTensorModelRunner(model *tensor.GPT2Model, eos int) *TensorModelRunner {
	return &TensorModelRunner{
		model:  model,
		eos:    eos,
		caches: make(map[int64]*tensor.KVCache),
	}
}

// Run executes model inference on the given sequences
func (m *TensorModelRunner) Run(ctx context.Context, seqs []*Sequence, isPrefill bool) ([]int, error) {
	tokenIDs := make([]int, len(seqs))

	for i, seq := range seqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cache, ok := m.caches[seq.SeqID]
		if isPrefill || !ok || cache.Len() != seq.Len()-1 {
			// Preempted or new: rebuild the cache from the whole sequence
			cache = m.model.NewCache()
			m.caches[seq.SeqID] = cache
		}

		start := cache.Len()
		logits, err := m.model.Forward(seq.TokenIDs[start:], cache, start)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", seq.SeqID, err)
		}
		last := m.model.GetLogitsForLastToken(logits)

		tokenIDs[i] = tensor.Sample(last, seq.Params.tensorParams(), seq.TokenIDs, bannedTokens(seq, m.eos), seq.Rand())
	}

	return tokenIDs, nil
}

// Free drops the sequence's KV cache
func (m *TensorModelRunner) Free(seq *Sequence) {
	delete(m.caches, seq.SeqID)
}

// Close cleans up resources
func (m *TensorModelRunner) Close() error {
	m.caches = make(map[int64]*tensor.KVCache)
	return nil
}

package nanotune

import (
	"fmt"

	"nano-tune-go/purego"
	"nano-tune-go/purego/tensor"
)

// ModelSpec sizes a freshly initialised GPT-2 model
type ModelSpec struct {
	VocabSize int
	Context   int
	Hidden    int
	Layers    int
	Heads     int
	Seed      int64
}

// DefaultModelSpec is small enough to fine-tune on a laptop CPU
func DefaultModelSpec() ModelSpec {
	return ModelSpec{
		VocabSize: 512,
		Context:   128,
		Hidden:    64,
		Layers:    2,
		Heads:     4,
		Seed:      42,
	}
}

// InitModel trains a BPE tokenizer on corpus, creates a randomly
// initialised GPT-2 sized to it and saves both to dir. The result loads
// like any downloaded model.
func InitModel(dir string, corpus []string, spec ModelSpec) (*tensor.GPT2Model, *purego.BPETokenizer, error) {
	tok, err := purego.TrainBPE(corpus, spec.VocabSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to train tokenizer: %w", err)
	}

	config := &tensor.GPT2Config{
		ModelType:    "gpt2",
		VocabSize:    tok.VocabSize(),
		MaxSeqLen:    spec.Context,
		Hidden:       spec.Hidden,
		NumLayers:    spec.Layers,
		NumHeads:     spec.Heads,
		LayerNormEps: 1e-5,
		BOSTokenID:   tok.EOSTokenID(),
		EOSTokenID:   tok.EOSTokenID(),
	}
	model, err := tensor.NewGPT2Model(config, spec.Seed)
	if err != nil {
		return nil, nil, err
	}

	if err := tensor.SaveGPT2(model, dir); err != nil {
		return nil, nil, err
	}
	if err := tok.Save(dir); err != nil {
		return nil, nil, err
	}
	return model, tok, nil
}

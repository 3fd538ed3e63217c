package nanotune

import "context"

// ModelRunner is an interface for running model inference.
// Implementations: TensorModelRunner (pure Go) and ONNXModelRunner
// (onnx build tag).
type ModelRunner interface {
	// Run executes model inference on the given sequences and returns the
	// next token ID for each sequence
	Run(ctx context.Context, seqs []*Sequence, isPrefill bool) ([]int, error)

	// Free drops any per-sequence state once a sequence has finished
	Free(seq *Sequence)

	// Close cleans up resources
	Close() error
}

// Tokenizer is an interface for tokenizing text
type Tokenizer interface {
	// Encode converts text to token IDs
	Encode(text string) ([]int, error)

	// Decode converts token IDs to text
	Decode(tokenIDs []int) (string, error)

	// EOSTokenID returns the EOS token ID
	EOSTokenID() int
}

// bannedTokens returns the tokens a sequence may not produce next. EOS is
// held back until the sequence has MinTokens completion tokens.
func bannedTokens(seq *Sequence, eos int) []int {
	if eos >= 0 && seq.NumCompletionTokens() < seq.Params.MinTokens {
		return []int{eos}
	}
	return nil
}

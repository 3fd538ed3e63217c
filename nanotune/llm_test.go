package nanotune

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nano-tune-go/purego"
	"nano-tune-go/purego/tensor"
)

func loadTiny(t *testing.T, opts ...ConfigOption) *LLM {
	t.Helper()
	dir := tinyModelDir(t)
	cfg, err := NewConfig(dir, append([]ConfigOption{WithAllowDownload(false)}, opts...)...)
	require.NoError(t, err)
	cfg.Temperature = 0
	cfg.MaxLength = 6

	logger, _ := test.NewNullLogger()
	llm, err := LoadLLM(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { llm.Close() })
	return llm
}

func TestLoadLLMAndComplete(t *testing.T) {
	llm := loadTiny(t)
	assert.Equal(t, 48, llm.ModelConfig.MaxSeqLen)

	a, err := llm.Complete(context.Background(), "Question: Where is my order?\nAnswer:")
	require.NoError(t, err)
	b, err := llm.Complete(context.Background(), "Question: Where is my order?\nAnswer:")
	require.NoError(t, err)
	assert.Equal(t, a, b, "greedy decoding is deterministic")
}

func TestBatchGenerationMatchesSingle(t *testing.T) {
	llm := loadTiny(t)
	prompts := []string{
		"Question: How do I reset my password?\nAnswer:",
		"Document: The room was booked.\nSummary:",
		"Where",
	}

	outputs, err := llm.GenerateSimple(context.Background(), prompts, false)
	require.NoError(t, err)
	require.Len(t, outputs, len(prompts))

	for i, p := range prompts {
		single, err := llm.Complete(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, single, outputs[i].Text, "prompt %d", i)
		assert.LessOrEqual(t, len(outputs[i].TokenIDs), 6)
	}
}

func TestMinLengthIsRespected(t *testing.T) {
	llm := loadTiny(t)
	llm.Params = NewSamplingParams(WithTemperature(0), WithMaxTokens(8), WithMinTokens(8))

	outputs, err := llm.GenerateSimple(context.Background(), []string{"Question:"}, false)
	require.NoError(t, err)
	assert.Len(t, outputs[0].TokenIDs, 8)
	assert.Equal(t, FinishLength, outputs[0].FinishReason)
}

func TestLoadLLMUnknownBackend(t *testing.T) {
	dir := tinyModelDir(t)
	cfg, err := NewConfig(dir, WithBackend("cuda"))
	require.NoError(t, err)

	_, err = LoadLLM(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestVocabMismatchIsRejected(t *testing.T) {
	tok, err := purego.TrainBPE(testCorpus, 300)
	require.NoError(t, err)
	model, err := tensor.NewGPT2Model(&tensor.GPT2Config{
		ModelType: "gpt2", VocabSize: 100, MaxSeqLen: 8, Hidden: 8, NumLayers: 1, NumHeads: 2, EOSTokenID: 0,
	}, 1)
	require.NoError(t, err)
	cfg, err := NewConfig("m")
	require.NoError(t, err)

	_, err = NewLLMWithComponents(cfg, NewTensorModelRunner(model, 0), tok, model.Config, nil)
	assert.ErrorContains(t, err, "model vocab")
}

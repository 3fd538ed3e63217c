package finetune

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nano-tune-go/nanotune"
	"nano-tune-go/purego"
	"nano-tune-go/purego/tensor"
)

var corpus = []string{
	"Question: How do I reset my password?\nAnswer: Use the reset link on the login page.",
	"Question: Where is my order?\nAnswer: Check the orders page for tracking.",
	"Document: The meeting moved to Friday because the room was booked.\nSummary: Meeting moved to Friday.",
}

func testTokenizer(t *testing.T) *purego.BPETokenizer {
	t.Helper()
	tok, err := purego.TrainBPE(corpus, 300)
	require.NoError(t, err)
	return tok
}

func TestBuildExamplesMasksPrompt(t *testing.T) {
	tok := testTokenizer(t)
	rec := Record{Input: "Where is my order?", Target: "Check the orders page."}

	examples, err := BuildExamples([]Record{rec}, tok, nanotune.TaskQA, 256)
	require.NoError(t, err)
	require.Len(t, examples, 1)
	ex := examples[0]

	prompt, err := tok.Encode(nanotune.FormatPrompt(nanotune.TaskQA, rec.Input))
	require.NoError(t, err)
	target, err := tok.Encode(nanotune.FormatTarget(nanotune.TaskQA, rec.Target))
	require.NoError(t, err)

	require.Len(t, ex.InputIDs, len(prompt)+len(target)+1)
	require.Len(t, ex.Labels, len(ex.InputIDs))
	assert.Equal(t, prompt, ex.InputIDs[:len(prompt)])
	for _, l := range ex.Labels[:len(prompt)] {
		assert.Equal(t, tensor.IgnoreIndex, l)
	}
	assert.Equal(t, ex.InputIDs[len(prompt):], ex.Labels[len(prompt):])
	assert.Equal(t, tok.EOSTokenID(), ex.InputIDs[len(ex.InputIDs)-1])
	assert.Equal(t, len(target)+1, ex.NumTargets())
}

func TestBuildExamplesTruncatesPromptFromLeft(t *testing.T) {
	tok := testTokenizer(t)
	rec := Record{Input: "The meeting moved to Friday because the room was booked.", Target: "Moved."}

	full, err := BuildExamples([]Record{rec}, tok, nanotune.TaskSummarization, 512)
	require.NoError(t, err)
	examples, err := BuildExamples([]Record{rec}, tok, nanotune.TaskSummarization, 10)
	require.NoError(t, err)

	ex := examples[0]
	require.Len(t, ex.InputIDs, 10)
	assert.Equal(t, full[0].InputIDs[len(full[0].InputIDs)-10:], ex.InputIDs)
	assert.Equal(t, full[0].NumTargets(), ex.NumTargets(), "target survives prompt truncation")
}

func TestBuildExamplesTargetLongerThanContext(t *testing.T) {
	tok := testTokenizer(t)
	rec := Record{Input: "q", Target: "Use the reset link on the login page and check the orders page."}

	examples, err := BuildExamples([]Record{rec}, tok, nanotune.TaskQA, 6)
	require.NoError(t, err)
	ex := examples[0]
	assert.Len(t, ex.InputIDs, 6)
	assert.Equal(t, tensor.IgnoreIndex, ex.Labels[0])
	assert.Equal(t, 5, ex.NumTargets())
}

func TestBuildExamplesText(t *testing.T) {
	tok := testTokenizer(t)

	examples, err := BuildExamples([]Record{{Input: "the room was booked"}}, tok, nanotune.TaskText, 64)
	require.NoError(t, err)
	ex := examples[0]
	assert.Equal(t, ex.InputIDs, ex.Labels)
	assert.Equal(t, tok.EOSTokenID(), ex.InputIDs[len(ex.InputIDs)-1])

	text, err := tok.Decode(ex.InputIDs)
	require.NoError(t, err)
	assert.Equal(t, "the room was booked", text)
}

func TestBuildExamplesErrors(t *testing.T) {
	tok := testTokenizer(t)

	_, err := BuildExamples([]Record{{Input: "a", Target: "b"}}, tok, nanotune.TaskQA, 1)
	assert.ErrorContains(t, err, "too short")

	_, err = BuildExamples(nil, tok, nanotune.TaskQA, 32)
	assert.ErrorIs(t, err, ErrEmptyDataset)
}

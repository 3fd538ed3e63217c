package assistant

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nano-tune-go/nanotune"
)

// fakeLLM records prompts and answers from a fixed table
type fakeLLM struct {
	prompts []string
	answers map[string]string
	err     error
}

func (f *fakeLLM) Complete(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.answers[prompt], nil
}

func (f *fakeLLM) GenerateSimple(ctx context.Context, prompts []string, _ bool) ([]nanotune.Output, error) {
	outputs := make([]nanotune.Output, len(prompts))
	for i, p := range prompts {
		text, err := f.Complete(ctx, p)
		if err != nil {
			return nil, err
		}
		outputs[i] = nanotune.Output{Text: text}
	}
	return outputs, nil
}

func echoREPL(in string, out *bytes.Buffer) *REPL {
	return &REPL{
		In:     strings.NewReader(in),
		Out:    out,
		Banner: "Customer Support Assistant. Type 'exit' to quit.",
		Prompt: "Customer: ",
		Label:  "Assistant:",
		Respond: func(_ context.Context, input string) (string, error) {
			return strings.ToUpper(input), nil
		},
	}
}

func TestREPLStopsOnExit(t *testing.T) {
	var out bytes.Buffer
	err := echoREPL("hello\n\n  EXIT  \nnever\n", &out).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t,
		"Customer Support Assistant. Type 'exit' to quit.\n"+
			"Customer: Assistant: HELLO\n"+
			"Customer: "+
			"Customer: ",
		out.String())
}

func TestREPLStopsOnEOF(t *testing.T) {
	var out bytes.Buffer
	err := echoREPL("one\ntwo", &out).Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Assistant: ONE\n")
	assert.Contains(t, out.String(), "Assistant: TWO\n")
	assert.True(t, strings.HasSuffix(out.String(), "Customer: \n"))
}

func TestREPLReportsErrorsAndContinues(t *testing.T) {
	var out bytes.Buffer
	logger, hook := test.NewNullLogger()
	calls := 0
	r := echoREPL("first\nsecond\nexit\n", &out)
	r.Logger = logger
	r.Respond = func(_ context.Context, input string) (string, error) {
		calls++
		if input == "first" {
			return "", errors.New("model unavailable")
		}
		return "ok", nil
	}

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 2, calls)
	assert.Contains(t, out.String(), "error: model unavailable\n")
	assert.Contains(t, out.String(), "Assistant: ok\n")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "response failed", hook.LastEntry().Message)
}

func TestREPLHonoursCancellation(t *testing.T) {
	var out bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := echoREPL("hello\n", &out).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsExit(t *testing.T) {
	assert.True(t, IsExit("exit"))
	assert.True(t, IsExit(" Exit\r"))
	assert.False(t, IsExit("exit now"))
	assert.False(t, IsExit(""))
}

func TestSupportAssistantAnswers(t *testing.T) {
	llm := &fakeLLM{answers: map[string]string{
		"Question: Where is my order?\nAnswer:": " Check the orders page.\nQuestion: And then?",
	}}
	logger, _ := test.NewNullLogger()
	a := NewSupportAssistant(llm, nil, logger)

	reply, err := a.Respond(context.Background(), "Where is my order?")
	require.NoError(t, err)
	assert.Equal(t, "Check the orders page.", reply)
}

func TestSupportAssistantHandsOff(t *testing.T) {
	llm := &fakeLLM{answers: map[string]string{}}
	logger, hook := test.NewNullLogger()
	a := NewSupportAssistant(llm, nil, logger)

	reply, err := a.Respond(context.Background(), "Can I talk to a HUMAN, please?")
	require.NoError(t, err)
	assert.Equal(t, HandoffMessage, reply)
	assert.Empty(t, llm.prompts, "keyword hand-off skips the model")
	assert.Equal(t, "human", hook.LastEntry().Data["keyword"])

	// Substrings do not match
	reply, err = a.Respond(context.Background(), "Is this humane?")
	require.NoError(t, err)
	assert.Equal(t, HandoffMessage, reply, "empty answer hands off")
	assert.Len(t, llm.prompts, 1)

	a.Keywords = []string{"speak to someone"}
	reply, err = a.Respond(context.Background(), "I want to speak to someone now")
	require.NoError(t, err)
	assert.Equal(t, HandoffMessage, reply)
	assert.Len(t, llm.prompts, 1)
}

func TestSupportAssistantPropagatesErrors(t *testing.T) {
	llm := &fakeLLM{err: context.Canceled}
	_, err := NewSupportAssistant(llm, []string{}, nil).Respond(context.Background(), "hi")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSummarizer(t *testing.T) {
	llm := &fakeLLM{answers: map[string]string{
		"Document: The meeting moved to Friday.\nSummary:": " Meeting moved.\nDocument: next",
		"Document: Rooms are booked.\nSummary:":            " Rooms booked.",
	}}
	s := NewSummarizer(llm)

	summary, err := s.Summarize(context.Background(), "The meeting moved to Friday.")
	require.NoError(t, err)
	assert.Equal(t, "Meeting moved.", summary)

	summary, err = s.Summarize(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, summary)

	docs := []string{"The meeting moved to Friday.", "Rooms are booked."}
	summaries, err := s.SummarizeAll(context.Background(), docs, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Meeting moved.", "Rooms booked."}, summaries)

	var buf bytes.Buffer
	require.NoError(t, WriteSummaries(&buf, docs, summaries))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"document", "summary"},
		{"The meeting moved to Friday.", "Meeting moved."},
		{"Rooms are booked.", "Rooms booked."},
	}, rows)

	assert.Error(t, WriteSummaries(&buf, docs, nil))
}

func TestLowercasePromptsMatchTraining(t *testing.T) {
	llm := &fakeLLM{answers: map[string]string{
		"Question: where is my order?\nAnswer:": " Check the orders page.",
		"Document: rooms are booked.\nSummary:": " Rooms booked.",
	}}
	logger, _ := test.NewNullLogger()
	a := NewSupportAssistant(llm, nil, logger)
	a.Lowercase = true

	reply, err := a.Respond(context.Background(), "Where is my ORDER?")
	require.NoError(t, err)
	assert.Equal(t, "Check the orders page.", reply)

	s := NewSummarizer(llm)
	s.Lowercase = true
	summaries, err := s.SummarizeAll(context.Background(), []string{"Rooms are Booked."}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Rooms booked."}, summaries)
	assert.Equal(t, []string{
		"Question: where is my order?\nAnswer:",
		"Document: rooms are booked.\nSummary:",
	}, llm.prompts)
}

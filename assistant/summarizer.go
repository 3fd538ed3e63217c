package assistant

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"nano-tune-go/nanotune"
)

// BatchGenerator completes many prompts in one scheduled run
type BatchGenerator interface {
	Completer
	GenerateSimple(ctx context.Context, prompts []string, showProgress bool) ([]nanotune.Output, error)
}

// Summarizer condenses documents with a model fine-tuned on the
// summarization template
type Summarizer struct {
	LLM       BatchGenerator
	Lowercase bool
}

// NewSummarizer creates a summarizer over llm
func NewSummarizer(llm BatchGenerator) *Summarizer {
	return &Summarizer{LLM: llm}
}

// Summarize returns the summary of one document
func (s *Summarizer) Summarize(ctx context.Context, document string) (string, error) {
	if strings.TrimSpace(document) == "" {
		return "", nil
	}
	text, err := s.LLM.Complete(ctx, s.prompt(document))
	if err != nil {
		return "", err
	}
	return firstTurn(text, "Document:"), nil
}

// SummarizeAll summarizes documents in a single batch, keeping their order
func (s *Summarizer) SummarizeAll(ctx context.Context, documents []string, showProgress bool) ([]string, error) {
	prompts := make([]string, len(documents))
	for i, d := range documents {
		prompts[i] = s.prompt(d)
	}

	outputs, err := s.LLM.GenerateSimple(ctx, prompts, showProgress)
	if err != nil {
		return nil, err
	}
	summaries := make([]string, len(outputs))
	for i, out := range outputs {
		summaries[i] = firstTurn(out.Text, "Document:")
	}
	return summaries, nil
}

func (s *Summarizer) prompt(document string) string {
	if s.Lowercase {
		document = strings.ToLower(document)
	}
	return nanotune.FormatPrompt(nanotune.TaskSummarization, document)
}

// WriteSummaries writes document,summary rows with a header
func WriteSummaries(w io.Writer, documents, summaries []string) error {
	if len(documents) != len(summaries) {
		return fmt.Errorf("%d documents but %d summaries", len(documents), len(summaries))
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"document", "summary"}); err != nil {
		return err
	}
	for i := range documents {
		if err := cw.Write([]string{documents[i], summaries[i]}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

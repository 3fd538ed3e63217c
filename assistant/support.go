package assistant

import (
	"context"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"

	"nano-tune-go/nanotune"
)

// HandoffMessage is returned instead of a generated answer when a query
// needs a person
const HandoffMessage = "This query requires human intervention."

// DefaultHandoffKeywords route a query straight to a person
var DefaultHandoffKeywords = []string{
	"human",
	"agent",
	"representative",
	"speak to someone",
	"complaint",
	"lawyer",
}

// Completer generates a completion for a single prompt
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// SupportAssistant answers customer queries with a fine-tuned model
type SupportAssistant struct {
	LLM      Completer
	Task     nanotune.Task
	Keywords []string
	Logger   logrus.FieldLogger

	// Lowercase matches prompts to a model trained on lower-cased data
	Lowercase bool
}

// NewSupportAssistant creates an assistant; nil keywords select the defaults
func NewSupportAssistant(llm Completer, keywords []string, logger logrus.FieldLogger) *SupportAssistant {
	if keywords == nil {
		keywords = DefaultHandoffKeywords
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SupportAssistant{LLM: llm, Task: nanotune.TaskQA, Keywords: keywords, Logger: logger}
}

// Respond answers query, or hands it off when a keyword matches or the
// model has nothing to say
func (a *SupportAssistant) Respond(ctx context.Context, query string) (string, error) {
	if kw, ok := a.handoffKeyword(query); ok {
		a.Logger.WithField("keyword", kw).Info("handing off to human")
		return HandoffMessage, nil
	}

	if a.Lowercase {
		query = strings.ToLower(query)
	}
	text, err := a.LLM.Complete(ctx, nanotune.FormatPrompt(a.Task, query))
	if err != nil {
		return "", err
	}
	answer := firstTurn(text, "Question:")
	if answer == "" {
		a.Logger.Debug("empty answer, handing off to human")
		return HandoffMessage, nil
	}
	return answer, nil
}

// handoffKeyword matches whole words, case-insensitively
func (a *SupportAssistant) handoffKeyword(query string) (string, bool) {
	words := " " + normalize(query) + " "
	for _, kw := range a.Keywords {
		k := normalize(kw)
		if k != "" && strings.Contains(words, " "+k+" ") {
			return kw, true
		}
	}
	return "", false
}

func normalize(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

// firstTurn trims a completion and cuts it where the model starts a new
// template turn
func firstTurn(text, marker string) string {
	if i := strings.Index(text, "\n"+marker); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

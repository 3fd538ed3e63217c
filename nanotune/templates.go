package nanotune

import "strings"

// FormatPrompt renders the model input for a task
func FormatPrompt(task Task, input string) string {
	input = strings.TrimSpace(input)
	switch task {
	case TaskQA:
		return "Question: " + input + "\nAnswer:"
	case TaskSummarization:
		return "Document: " + input + "\nSummary:"
	default:
		return input
	}
}

// FormatTarget renders the text the model is trained to produce after a
// prompt. The leading space matches how BPE tokenizes a word following
// the prompt's trailing colon.
func FormatTarget(task Task, target string) string {
	target = strings.TrimSpace(target)
	if task == TaskText {
		return target
	}
	return " " + target
}

package finetune

import (
	"fmt"

	"nano-tune-go/nanotune"
	"nano-tune-go/purego/tensor"
)

// Example is one tokenized training sequence. Labels align with InputIDs;
// prompt positions carry tensor.IgnoreIndex so only the target is learned.
type Example struct {
	InputIDs []int
	Labels   []int
}

// NumTargets counts the labels that contribute to the loss
func (e Example) NumTargets() int {
	if len(e.Labels) < 2 {
		return 0
	}
	n := 0
	// Position 0 is never predicted
	for _, l := range e.Labels[1:] {
		if l != tensor.IgnoreIndex {
			n++
		}
	}
	return n
}

// BuildExamples tokenizes records with the task template. Each target ends
// with EOS so the model learns to stop. Sequences longer than maxLen lose
// prompt tokens from the left first, then target tokens from the right.
// Records that leave nothing to learn are skipped.
func BuildExamples(records []Record, tok nanotune.Tokenizer, task nanotune.Task, maxLen int) ([]Example, error) {
	if maxLen < 2 {
		return nil, fmt.Errorf("max sequence length %d too short", maxLen)
	}
	eos := tok.EOSTokenID()

	examples := make([]Example, 0, len(records))
	for i, rec := range records {
		var ex Example
		var err error
		if task == nanotune.TaskText {
			ex, err = textExample(rec, tok, eos, maxLen)
		} else {
			ex, err = promptedExample(rec, tok, task, eos, maxLen)
		}
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if len(ex.InputIDs) < 2 || ex.NumTargets() == 0 {
			continue
		}
		examples = append(examples, ex)
	}

	if len(examples) == 0 {
		return nil, ErrEmptyDataset
	}
	return examples, nil
}

func textExample(rec Record, tok nanotune.Tokenizer, eos, maxLen int) (Example, error) {
	ids, err := tok.Encode(nanotune.FormatTarget(nanotune.TaskText, rec.Input))
	if err != nil {
		return Example{}, err
	}
	ids = append(ids, eos)
	if len(ids) > maxLen {
		ids = ids[:maxLen]
	}
	return Example{InputIDs: ids, Labels: append([]int(nil), ids...)}, nil
}

func promptedExample(rec Record, tok nanotune.Tokenizer, task nanotune.Task, eos, maxLen int) (Example, error) {
	prompt, err := tok.Encode(nanotune.FormatPrompt(task, rec.Input))
	if err != nil {
		return Example{}, err
	}
	target, err := tok.Encode(nanotune.FormatTarget(task, rec.Target))
	if err != nil {
		return Example{}, err
	}
	target = append(target, eos)

	if len(prompt) == 0 {
		prompt = []int{eos}
	}
	// Keep at least one prompt token to predict the first target token from
	if len(target) > maxLen-1 {
		target = target[:maxLen-1]
	}
	if over := len(prompt) + len(target) - maxLen; over > 0 {
		prompt = prompt[over:]
	}

	ex := Example{
		InputIDs: make([]int, 0, len(prompt)+len(target)),
		Labels:   make([]int, 0, len(prompt)+len(target)),
	}
	for _, id := range prompt {
		ex.InputIDs = append(ex.InputIDs, id)
		ex.Labels = append(ex.Labels, tensor.IgnoreIndex)
	}
	for _, id := range target {
		ex.InputIDs = append(ex.InputIDs, id)
		ex.Labels = append(ex.Labels, id)
	}
	return ex, nil
}

package nanotune

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// Output represents the output of a generation request
type Output struct {
	Text         string
	TokenIDs     []int
	FinishReason FinishReason
}

// LLMEngine is the main inference engine
type LLMEngine struct {
	config      *Config
	modelRunner ModelRunner
	tokenizer   Tokenizer
	scheduler   *Scheduler
	maxModelLen int
	logger      logrus.FieldLogger
}

// NewLLMEngine creates a new LLM engine for a model with context length
// maxModelLen
func NewLLMEngine(config *Config, modelRunner ModelRunner, tokenizer Tokenizer, maxModelLen int, logger logrus.FieldLogger) *LLMEngine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LLMEngine{
		config:      config,
		modelRunner: modelRunner,
		tokenizer:   tokenizer,
		scheduler:   NewScheduler(config, maxModelLen, tokenizer.EOSTokenID()),
		maxModelLen: maxModelLen,
		logger:      logger,
	}
}

// Close cleans up resources
func (e *LLMEngine) Close() error {
	return e.modelRunner.Close()
}

// AddRequest queues a prompt for generation. Prompts longer than the
// context allows are truncated from the left so the newest text is kept.
func (e *LLMEngine) AddRequest(prompt string, samplingParams *SamplingParams) (*Sequence, error) {
	tokenIDs, err := e.tokenizer.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode prompt: %w", err)
	}
	return e.AddTokens(tokenIDs, samplingParams)
}

// AddTokens queues an already tokenized prompt
func (e *LLMEngine) AddTokens(tokenIDs []int, samplingParams *SamplingParams) (*Sequence, error) {
	if len(tokenIDs) == 0 {
		// An empty prompt starts from EOS, the GPT-2 document boundary
		tokenIDs = []int{e.tokenizer.EOSTokenID()}
	}

	budget := e.maxModelLen - samplingParams.MaxTokens
	if budget < 1 {
		budget = 1
	}
	if len(tokenIDs) > budget {
		e.logger.WithFields(logrus.Fields{
			"prompt_tokens": len(tokenIDs),
			"kept":          budget,
		}).Debug("truncating prompt")
		tokenIDs = tokenIDs[len(tokenIDs)-budget:]
	}

	seq := NewSequence(tokenIDs, samplingParams)
	e.scheduler.Add(seq)
	return seq, nil
}

// Step performs one inference step and returns the sequences that finished
// during it. The token count is positive for prefill steps and negative for
// decode steps.
func (e *LLMEngine) Step(ctx context.Context) ([]*Sequence, int, error) {
	seqs, isPrefill, err := e.scheduler.Schedule()
	if err != nil {
		return nil, 0, err
	}

	tokenIDs, err := e.modelRunner.Run(ctx, seqs, isPrefill)
	if err != nil {
		return nil, 0, fmt.Errorf("model inference failed: %w", err)
	}

	e.scheduler.Postprocess(seqs, tokenIDs)

	var finished []*Sequence
	for _, seq := range seqs {
		if seq.IsFinished() {
			e.modelRunner.Free(seq)
			finished = append(finished, seq)
		}
	}

	numTokens := -len(seqs)
	if isPrefill {
		numTokens = 0
		for _, seq := range seqs {
			numTokens += seq.Len() - 1
		}
	}
	return finished, numTokens, nil
}

// IsFinished returns true if all requests have been processed
func (e *LLMEngine) IsFinished() bool {
	return e.scheduler.IsFinished()
}

// Output decodes a finished sequence, dropping a trailing EOS
func (e *LLMEngine) Output(seq *Sequence) (Output, error) {
	ids := seq.CompletionTokenIDs()
	if seq.Finish == FinishStop && len(ids) > 0 {
		ids = ids[:len(ids)-1]
	}
	text, err := e.tokenizer.Decode(ids)
	if err != nil {
		return Output{}, fmt.Errorf("failed to decode tokens: %w", err)
	}
	return Output{
		Text:         text,
		TokenIDs:     append([]int(nil), ids...),
		FinishReason: seq.Finish,
	}, nil
}

// Abort cancels all pending requests
func (e *LLMEngine) Abort() {
	for _, seq := range e.scheduler.Abort() {
		e.modelRunner.Free(seq)
	}
}

// Generate generates completions for the given prompts. Outputs are
// returned in prompt order. On error every pending request is aborted.
func (e *LLMEngine) Generate(ctx context.Context, prompts []string, samplingParams *SamplingParams, showProgress bool) (outputs []Output, err error) {
	defer func() {
		if err != nil {
			e.Abort()
		}
	}()

	index := make(map[int64]int, len(prompts))
	for i, prompt := range prompts {
		seq, err := e.AddRequest(prompt, samplingParams)
		if err != nil {
			return nil, err
		}
		index[seq.SeqID] = i
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	outputs = make([]Output, len(prompts))
	var prefillThroughput, decodeThroughput float64

	for !e.IsFinished() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		finished, numTokens, err := e.Step(ctx)
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(start).Seconds()

		if showProgress && elapsed > 0 {
			if numTokens > 0 {
				prefillThroughput = float64(numTokens) / elapsed
			} else {
				decodeThroughput = float64(-numTokens) / elapsed
			}
			bar.Describe(fmt.Sprintf("Generating [Prefill: %dtok/s, Decode: %dtok/s]",
				int(prefillThroughput), int(decodeThroughput)))
		}

		for _, seq := range finished {
			out, err := e.Output(seq)
			if err != nil {
				return nil, err
			}
			i, ok := index[seq.SeqID]
			if !ok {
				continue
			}
			outputs[i] = out
			e.logger.WithFields(logrus.Fields{
				"seq":    seq.SeqID,
				"tokens": len(out.TokenIDs),
				"finish": out.FinishReason,
			}).Debug("sequence finished")
			if showProgress {
				bar.Add(1)
			}
		}
	}

	if showProgress {
		bar.Finish()
	}

	return outputs, nil
}

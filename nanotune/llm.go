package nanotune

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"nano-tune-go/purego"
	"nano-tune-go/purego/tensor"
)

// LLM is the user-facing API: a resolved model directory, its tokenizer,
// and an engine to generate with them
type LLM struct {
	*LLMEngine
	Dir         string
	ModelConfig *tensor.GPT2Config
	Tokenizer   purego.Tokenizer
	Params      *SamplingParams
	Config      *Config
}

// RunnerFactory builds a model runner for the model stored in dir
type RunnerFactory func(dir string, config *tensor.GPT2Config, eos int) (ModelRunner, error)

var backends = map[string]RunnerFactory{
	"tensor": func(dir string, _ *tensor.GPT2Config, eos int) (ModelRunner, error) {
		model, err := tensor.LoadGPT2(dir)
		if err != nil {
			return nil, err
		}
		return NewTensorModelRunner(model, eos), nil
	},
}

// RegisterBackend makes a model runner available under name
func RegisterBackend(name string, factory RunnerFactory) {
	backends[name] = factory
}

// LoadLLM resolves cfg.ModelName through the hub and loads the model and
// tokenizer found there
func LoadLLM(ctx context.Context, cfg *Config, logger logrus.FieldLogger) (*LLM, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dir, err := NewHub(cfg, logger).Resolve(ctx, cfg.ModelName)
	if err != nil {
		return nil, err
	}

	factory, ok := backends[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("%w: backend %q is not built in", ErrInvalidConfig, cfg.Backend)
	}

	modelConfig, err := tensor.LoadGPT2Config(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load model config from %s: %w", dir, err)
	}
	tok, err := purego.LoadTokenizer(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer from %s: %w", dir, err)
	}
	eos := EOSFor(tok, modelConfig)

	runner, err := factory(dir, modelConfig, eos)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s model from %s: %w", cfg.Backend, dir, err)
	}

	llm, err := NewLLMWithComponents(cfg, runner, tok, modelConfig, logger)
	if err != nil {
		runner.Close()
		return nil, err
	}
	llm.Dir = dir

	logger.WithFields(logrus.Fields{
		"model":   cfg.ModelName,
		"dir":     dir,
		"backend": cfg.Backend,
		"vocab":   tok.VocabSize(),
		"context": modelConfig.MaxSeqLen,
	}).Info("model loaded")
	return llm, nil
}

// EOSFor picks the stop token: the tokenizer's when it has one, else the
// model config's
func EOSFor(tok purego.Tokenizer, config *tensor.GPT2Config) int {
	if eos := tok.EOSTokenID(); eos >= 0 {
		return eos
	}
	return config.EOSTokenID
}

// NewLLMWithComponents wires an already built runner and tokenizer
func NewLLMWithComponents(cfg *Config, runner ModelRunner, tok purego.Tokenizer, modelConfig *tensor.GPT2Config, logger logrus.FieldLogger) (*LLM, error) {
	if tok.VocabSize() > modelConfig.VocabSize {
		return nil, fmt.Errorf("tokenizer has %d tokens but model vocab is %d", tok.VocabSize(), modelConfig.VocabSize)
	}

	eos := EOSFor(tok, modelConfig)
	engine := NewLLMEngine(cfg, runner, eosTokenizer{tok, eos}, modelConfig.MaxSeqLen, logger)
	return &LLM{
		LLMEngine:   engine,
		ModelConfig: modelConfig,
		Tokenizer:   tok,
		Params:      SamplingParamsFromConfig(cfg),
		Config:      cfg,
	}, nil
}

// eosTokenizer pins the EOS ID used for stopping
type eosTokenizer struct {
	purego.Tokenizer
	eos int
}

func (t eosTokenizer) EOSTokenID() int { return t.eos }

// PinEOS returns tok reporting eos as its stop token
func PinEOS(tok purego.Tokenizer, eos int) purego.Tokenizer {
	return eosTokenizer{tok, eos}
}

// Complete generates a single completion for prompt with the configured
// sampling parameters. The prompt itself is not echoed.
func (l *LLM) Complete(ctx context.Context, prompt string) (string, error) {
	outputs, err := l.Generate(ctx, []string{prompt}, l.Params, false)
	if err != nil {
		return "", err
	}
	return outputs[0].Text, nil
}

// GenerateSimple generates completions for several prompts with the
// configured sampling parameters
func (l *LLM) GenerateSimple(ctx context.Context, prompts []string, showProgress bool) ([]Output, error) {
	return l.Generate(ctx, prompts, l.Params, showProgress)
}

// Close releases the engine and any native tokenizer resources
func (l *LLM) Close() error {
	err := l.LLMEngine.Close()
	if c, ok := l.Tokenizer.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

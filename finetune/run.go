package finetune

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"nano-tune-go/nanotune"
	"nano-tune-go/purego"
	"nano-tune-go/purego/tensor"
)

// Result describes a finished fine-tuning run
type Result struct {
	ModelDir string
	SaveDir  string
	Records  int
	Examples int
	State    *TrainerState
}

// Run fine-tunes cfg.ModelName on cfg.DataPath and saves the result to
// cfg.SaveDir
func Run(ctx context.Context, cfg *nanotune.Config, logger logrus.FieldLogger, showProgress bool) (*Result, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.DataPath == "" {
		return nil, fmt.Errorf("%w: data_path is required for fine-tuning", nanotune.ErrInvalidConfig)
	}

	dir, err := nanotune.NewHub(cfg, logger).Resolve(ctx, cfg.ModelName)
	if err != nil {
		return nil, err
	}
	model, err := tensor.LoadGPT2(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load model from %s: %w", dir, err)
	}
	tok, err := purego.LoadTokenizer(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer from %s: %w", dir, err)
	}
	if c, ok := tok.(io.Closer); ok {
		defer c.Close()
	}
	if tok.VocabSize() > model.Config.VocabSize {
		return nil, fmt.Errorf("tokenizer has %d tokens but model vocab is %d", tok.VocabSize(), model.Config.VocabSize)
	}
	logger.WithField("model", model.Describe()).Info("model loaded")

	records, err := ReadCSV(cfg.DataPath, cfg.Task, cfg.Columns, cfg.Lowercase)
	if err != nil {
		return nil, err
	}

	maxLen := model.Config.MaxSeqLen
	if cfg.MaxSeqLen > 0 && cfg.MaxSeqLen < maxLen {
		maxLen = cfg.MaxSeqLen
	}
	examples, err := BuildExamples(records, nanotune.PinEOS(tok, nanotune.EOSFor(tok, model.Config)), cfg.Task, maxLen)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"path":     cfg.DataPath,
		"task":     cfg.Task,
		"records":  len(records),
		"examples": len(examples),
	}).Info("dataset loaded")

	trainer := NewTrainer(model, ArgsFromConfig(cfg), logger)
	trainer.TokenizerDir = dir
	trainer.ShowProgress = showProgress

	state, err := trainer.Train(ctx, examples)
	if err != nil {
		return nil, fmt.Errorf("training stopped at step %d: %w", stepOf(state), err)
	}

	if err := SavePretrained(cfg.SaveDir, model, dir); err != nil {
		return nil, fmt.Errorf("failed to save fine-tuned model: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"dir":  cfg.SaveDir,
		"loss": fmt.Sprintf("%.4f", state.TrainLoss),
	}).Info("fine-tuned model saved")

	return &Result{
		ModelDir: dir,
		SaveDir:  cfg.SaveDir,
		Records:  len(records),
		Examples: len(examples),
		State:    state,
	}, nil
}

func stepOf(state *TrainerState) int {
	if state == nil {
		return 0
	}
	return state.GlobalStep
}

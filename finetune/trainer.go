package finetune

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"nano-tune-go/nanotune"
	"nano-tune-go/purego/tensor"
)

// TrainerStateFile is written next to every checkpoint
const TrainerStateFile = "trainer_state.json"

// TrainingArgs controls the optimisation loop
type TrainingArgs struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	WeightDecay  float64
	MaxGradNorm  float64
	WarmupSteps  int
	Seed         int64
	LoggingSteps int

	// OutputDir receives checkpoint-<step> directories after each epoch.
	// Empty disables checkpointing.
	OutputDir string
}

// ArgsFromConfig maps config keys onto training arguments
func ArgsFromConfig(cfg *nanotune.Config) TrainingArgs {
	return TrainingArgs{
		Epochs:       cfg.FineTuneEpochs,
		BatchSize:    cfg.BatchSize,
		LearningRate: cfg.LearningRate,
		WeightDecay:  cfg.WeightDecay,
		MaxGradNorm:  cfg.MaxGradNorm,
		WarmupSteps:  cfg.WarmupSteps,
		Seed:         cfg.Seed,
		LoggingSteps: cfg.LoggingSteps,
		OutputDir:    cfg.OutputDir,
	}
}

// LogEntry is one logged point of the loss curve
type LogEntry struct {
	Step         int     `json:"step"`
	Epoch        float64 `json:"epoch"`
	Loss         float64 `json:"loss"`
	LearningRate float64 `json:"learning_rate"`
	GradNorm     float64 `json:"grad_norm"`
}

// TrainerState records training progress
type TrainerState struct {
	GlobalStep     int        `json:"global_step"`
	Epoch          float64    `json:"epoch"`
	MaxSteps       int        `json:"max_steps"`
	NumTrainEpochs int        `json:"num_train_epochs"`
	TrainLoss      float64    `json:"train_loss"`
	LogHistory     []LogEntry `json:"log_history"`
	Checkpoints    []string   `json:"-"`
}

// Trainer fine-tunes a model in place
type Trainer struct {
	Model  *tensor.GPT2Model
	Args   TrainingArgs
	Logger logrus.FieldLogger

	// TokenizerDir is copied into every checkpoint when set
	TokenizerDir string
	ShowProgress bool
}

// NewTrainer creates a trainer for model
func NewTrainer(model *tensor.GPT2Model, args TrainingArgs, logger logrus.FieldLogger) *Trainer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Trainer{Model: model, Args: args, Logger: logger}
}

// Train runs Args.Epochs passes over examples in seeded shuffled batches.
// Each optimizer step averages the loss over every target token in the
// batch. Cancellation is checked between steps; the returned state is valid
// even when an error is returned.
func (t *Trainer) Train(ctx context.Context, examples []Example) (*TrainerState, error) {
	if len(examples) == 0 {
		return nil, ErrEmptyDataset
	}
	args := t.Args
	if args.Epochs < 1 || args.BatchSize < 1 {
		return nil, fmt.Errorf("%w: epochs and batch size must be >= 1", nanotune.ErrInvalidConfig)
	}
	for i, ex := range examples {
		if len(ex.InputIDs) > t.Model.Config.MaxSeqLen {
			return nil, fmt.Errorf("example %d has %d tokens, model context is %d", i, len(ex.InputIDs), t.Model.Config.MaxSeqLen)
		}
	}

	params := t.Model.NamedParameters()
	opt := tensor.NewAdamW(args.WeightDecay)
	rng := rand.New(rand.NewSource(args.Seed))

	stepsPerEpoch := (len(examples) + args.BatchSize - 1) / args.BatchSize
	state := &TrainerState{
		MaxSteps:       stepsPerEpoch * args.Epochs,
		NumTrainEpochs: args.Epochs,
	}

	t.Logger.WithFields(logrus.Fields{
		"examples": len(examples),
		"epochs":   args.Epochs,
		"batch":    args.BatchSize,
		"steps":    state.MaxSteps,
		"params":   t.Model.NumParameters(),
	}).Info("starting training")

	bar := t.newBar(state.MaxSteps)
	defer bar.Close()

	var totalLoss, windowLoss float64
	windowSteps := 0

	for epoch := 0; epoch < args.Epochs; epoch++ {
		order := rng.Perm(len(examples))
		var epochLoss float64

		for b := 0; b < len(order); b += args.BatchSize {
			if err := ctx.Err(); err != nil {
				return state, err
			}

			batch := order[b:min(b+args.BatchSize, len(order))]
			loss, err := t.accumulate(params, examples, batch)
			if err != nil {
				return state, err
			}

			lr := tensor.LinearSchedule(args.LearningRate, args.WarmupSteps, state.MaxSteps, state.GlobalStep)
			norm := tensor.ClipGradNorm(params, args.MaxGradNorm)
			opt.Step(params, lr)

			state.GlobalStep++
			state.Epoch = float64(epoch) + float64(b/args.BatchSize+1)/float64(stepsPerEpoch)
			totalLoss += loss
			epochLoss += loss
			windowLoss += loss
			windowSteps++
			bar.Add(1)

			if args.LoggingSteps > 0 && state.GlobalStep%args.LoggingSteps == 0 {
				entry := LogEntry{
					Step:         state.GlobalStep,
					Epoch:        state.Epoch,
					Loss:         windowLoss / float64(windowSteps),
					LearningRate: lr,
					GradNorm:     norm,
				}
				state.LogHistory = append(state.LogHistory, entry)
				t.Logger.WithFields(logrus.Fields{
					"step":      entry.Step,
					"epoch":     fmt.Sprintf("%.2f", entry.Epoch),
					"loss":      fmt.Sprintf("%.4f", entry.Loss),
					"lr":        entry.LearningRate,
					"grad_norm": fmt.Sprintf("%.3f", entry.GradNorm),
				}).Info("training")
				windowLoss, windowSteps = 0, 0
			}
		}

		state.TrainLoss = totalLoss / float64(state.GlobalStep)
		t.Logger.WithFields(logrus.Fields{
			"epoch": epoch + 1,
			"loss":  fmt.Sprintf("%.4f", epochLoss/float64(stepsPerEpoch)),
		}).Info("epoch complete")

		if args.OutputDir != "" {
			dir, err := t.checkpoint(state)
			if err != nil {
				return state, err
			}
			state.Checkpoints = append(state.Checkpoints, dir)
		}
	}

	return state, nil
}

// accumulate runs forward and backward for every example of a batch and
// returns the mean loss per target token
func (t *Trainer) accumulate(params []tensor.NamedParam, examples []Example, batch []int) (float64, error) {
	tensor.ZeroGrad(params)

	targets := 0
	for _, i := range batch {
		targets += examples[i].NumTargets()
	}
	if targets == 0 {
		return 0, nil
	}

	var sum float64
	scale := 1 / float32(targets)
	for _, i := range batch {
		ex := examples[i]
		loss, _, err := t.Model.Loss(ex.InputIDs, ex.Labels)
		if err != nil {
			return 0, fmt.Errorf("example %d: %w", i, err)
		}
		tensor.Backward(loss, scale)
		sum += float64(loss.Value.Data[0])
	}
	return sum / float64(targets), nil
}

func (t *Trainer) checkpoint(state *TrainerState) (string, error) {
	dir := filepath.Join(t.Args.OutputDir, fmt.Sprintf("checkpoint-%d", state.GlobalStep))
	if err := SavePretrained(dir, t.Model, t.TokenizerDir); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if err := state.Save(filepath.Join(dir, TrainerStateFile)); err != nil {
		return "", err
	}
	t.Logger.WithField("dir", dir).Debug("checkpoint saved")
	return dir, nil
}

func (t *Trainer) newBar(total int) *progressbar.ProgressBar {
	w := io.Discard
	if t.ShowProgress {
		w = os.Stderr
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Training"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
	)
}

// Save writes the state as indented JSON
func (s *TrainerState) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write trainer state: %w", err)
	}
	return nil
}

// LoadTrainerState reads a trainer_state.json file
func LoadTrainerState(path string) (*TrainerState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s TrainerState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse trainer state: %w", err)
	}
	return &s, nil
}

package finetune

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nano-tune-go/nanotune"
	"nano-tune-go/purego"
	"nano-tune-go/purego/tensor"
)

func tinySpec() nanotune.ModelSpec {
	return nanotune.ModelSpec{VocabSize: 300, Context: 48, Hidden: 16, Layers: 2, Heads: 2, Seed: 3}
}

// tinyModel writes a freshly initialised model to a temp dir
func tinyModel(t *testing.T) (string, *tensor.GPT2Model, *purego.BPETokenizer) {
	t.Helper()
	dir := t.TempDir()
	model, tok, err := nanotune.InitModel(dir, corpus, tinySpec())
	require.NoError(t, err)
	return dir, model, tok
}

func supportExamples(t *testing.T, tok *purego.BPETokenizer) []Example {
	t.Helper()
	records := []Record{
		{Input: "How do I reset my password?", Target: "Use the reset link."},
		{Input: "Where is my order?", Target: "Check the orders page."},
		{Input: "Can I change my email?", Target: "Yes, in settings."},
	}
	examples, err := BuildExamples(records, tok, nanotune.TaskQA, 48)
	require.NoError(t, err)
	return examples
}

func meanLoss(t *testing.T, model *tensor.GPT2Model, examples []Example) float64 {
	t.Helper()
	var sum float64
	var n int
	for _, ex := range examples {
		loss, count, err := model.Loss(ex.InputIDs, ex.Labels)
		require.NoError(t, err)
		sum += float64(loss.Value.Data[0])
		n += count
	}
	return sum / float64(n)
}

func testArgs() TrainingArgs {
	return TrainingArgs{
		Epochs:       20,
		BatchSize:    2,
		LearningRate: 1e-2,
		MaxGradNorm:  1.0,
		Seed:         7,
		LoggingSteps: 5,
	}
}

func TestTrainReducesLoss(t *testing.T) {
	_, model, tok := tinyModel(t)
	examples := supportExamples(t, tok)
	before := meanLoss(t, model, examples)

	logger, hook := test.NewNullLogger()
	state, err := NewTrainer(model, testArgs(), logger).Train(context.Background(), examples)
	require.NoError(t, err)

	after := meanLoss(t, model, examples)
	assert.Less(t, after, before)
	assert.Equal(t, 40, state.GlobalStep)
	assert.Equal(t, 40, state.MaxSteps)
	assert.InDelta(t, 20.0, state.Epoch, 1e-9)
	assert.Len(t, state.LogHistory, 8)
	assert.Equal(t, 5, state.LogHistory[0].Step)
	assert.Empty(t, state.Checkpoints)

	var epochs int
	for _, e := range hook.AllEntries() {
		if e.Message == "epoch complete" {
			epochs++
		}
	}
	assert.Equal(t, 20, epochs)
}

func TestTrainIsDeterministic(t *testing.T) {
	run := func() float64 {
		_, model, tok := tinyModel(t)
		args := testArgs()
		args.Epochs = 3
		logger, _ := test.NewNullLogger()
		state, err := NewTrainer(model, args, logger).Train(context.Background(), supportExamples(t, tok))
		require.NoError(t, err)
		return state.TrainLoss
	}
	assert.Equal(t, run(), run())
}

func TestTrainWritesCheckpoints(t *testing.T) {
	dir, model, tok := tinyModel(t)
	args := testArgs()
	args.Epochs = 2
	args.OutputDir = filepath.Join(t.TempDir(), "results")

	logger, _ := test.NewNullLogger()
	trainer := NewTrainer(model, args, logger)
	trainer.TokenizerDir = dir

	state, err := trainer.Train(context.Background(), supportExamples(t, tok))
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(args.OutputDir, "checkpoint-2"),
		filepath.Join(args.OutputDir, "checkpoint-4"),
	}, state.Checkpoints)

	last := state.Checkpoints[1]
	saved, err := LoadTrainerState(filepath.Join(last, TrainerStateFile))
	require.NoError(t, err)
	assert.Equal(t, 4, saved.GlobalStep)
	assert.Equal(t, 2, saved.NumTrainEpochs)

	reloaded, err := tensor.LoadGPT2(last)
	require.NoError(t, err)
	assert.Equal(t, model.NamedParameters()[0].Var.Value.Data, reloaded.NamedParameters()[0].Var.Value.Data)

	_, err = purego.LoadTokenizer(last)
	assert.NoError(t, err)
}

func TestTrainHonoursCancellation(t *testing.T) {
	_, model, tok := tinyModel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	logger, _ := test.NewNullLogger()
	state, err := NewTrainer(model, testArgs(), logger).Train(ctx, supportExamples(t, tok))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, state.GlobalStep)
}

func TestTrainRejectsBadInput(t *testing.T) {
	_, model, tok := tinyModel(t)
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	_, err := NewTrainer(model, testArgs(), logger).Train(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyDataset)

	args := testArgs()
	args.BatchSize = 0
	_, err = NewTrainer(model, args, logger).Train(context.Background(), supportExamples(t, tok))
	assert.ErrorIs(t, err, nanotune.ErrInvalidConfig)

	long := Example{InputIDs: make([]int, 49), Labels: make([]int, 49)}
	_, err = NewTrainer(model, testArgs(), logger).Train(context.Background(), []Example{long})
	assert.ErrorContains(t, err, "model context")
}

func TestSavePretrainedSkipsMissingCompanions(t *testing.T) {
	dir, model, _ := tinyModel(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "generation_config.json"), []byte(`{}`), 0o644))

	out := filepath.Join(t.TempDir(), "saved")
	require.NoError(t, SavePretrained(out, model, dir))
	assert.FileExists(t, filepath.Join(out, "generation_config.json"))
	assert.NoFileExists(t, filepath.Join(out, "tokenizer_config.json"))
	assert.FileExists(t, filepath.Join(out, purego.VocabFile))

	// Saving over the source directory leaves the tokenizer in place
	require.NoError(t, SavePretrained(dir, model, dir))
	assert.FileExists(t, filepath.Join(dir, purego.MergesFile))
}

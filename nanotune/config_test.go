package nanotune

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigJSONDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"model_name": "EleutherAI/gpt-neo-125M",
		"max_length": 120,
		"temperature": 0.7,
		"fine_tune_epochs": 5
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "EleutherAI/gpt-neo-125M", cfg.ModelName)
	assert.Equal(t, 120, cfg.MaxLength)
	assert.Equal(t, 0.7, cfg.Temperature)
	assert.Equal(t, 5, cfg.FineTuneEpochs)

	// Unset keys keep their defaults
	assert.Equal(t, 0, cfg.MinLength)
	assert.Equal(t, 2, cfg.BatchSize)
	assert.Equal(t, "./fine_tuned_model", cfg.SaveDir)
	assert.True(t, cfg.AllowDownload)
	assert.Equal(t, Columns{Input: "question", Target: "answer"}, cfg.Columns)
}

func TestLoadConfigYAMLWithEnv(t *testing.T) {
	t.Setenv("TEST_MODEL_DIR", "/models/tiny")
	path := writeFile(t, "config.yaml", `
model_name: ${TEST_MODEL_DIR}
task: summarization
min_length: 5
max_length: 30
allow_download: false
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/models/tiny", cfg.ModelName)
	assert.Equal(t, TaskSummarization, cfg.Task)
	assert.Equal(t, Columns{Input: "document", Target: "summary"}, cfg.Columns)
	assert.Equal(t, 5, cfg.MinLength)
	assert.False(t, cfg.AllowDownload)
}

func TestLoadConfigExplicitGreedy(t *testing.T) {
	path := writeFile(t, "config.json", `{"model_name": "m", "temperature": 0}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.Temperature)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to read config")

	_, err = LoadConfig(writeFile(t, "bad.json", `{"model_name": `))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{"missing model", `{}`, "model_name is required"},
		{"min above max", `{"model_name": "m", "max_length": 5, "min_length": 6}`, "min_length"},
		{"negative temperature", `{"model_name": "m", "temperature": -1}`, "temperature"},
		{"zero epochs", `{"model_name": "m", "fine_tune_epochs": 0}`, "fine_tune_epochs"},
		{"bad top_p", `{"model_name": "m", "top_p": 0}`, "top_p"},
		{"unknown task", `{"model_name": "m", "task": "translate"}`, "unknown task"},
		{"qa without target", `{"model_name": "m", "columns": {"input": "q"}}`, "columns.target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "config.json", tt.json))
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewConfigOptions(t *testing.T) {
	cfg, err := NewConfig("m",
		WithTask(TaskText),
		WithEpochs(7),
		WithBatchSize(4),
		WithLearningRate(1e-3),
		WithSeed(9),
		WithKVBlockSize(8),
	)
	require.NoError(t, err)
	assert.Equal(t, TaskText, cfg.Task)
	assert.Equal(t, Columns{Input: "text"}, cfg.Columns)
	assert.Equal(t, 7, cfg.FineTuneEpochs)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, 1e-3, cfg.LearningRate)
	assert.Equal(t, int64(9), cfg.Seed)
	assert.Equal(t, 8, cfg.KVBlockSize)

	_, err = NewConfig("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSamplingParamsFromConfig(t *testing.T) {
	cfg, err := NewConfig("m")
	require.NoError(t, err)
	cfg.MaxLength = 12
	cfg.MinLength = 3
	cfg.Temperature = 0

	sp := SamplingParamsFromConfig(cfg)
	assert.Equal(t, 12, sp.MaxTokens)
	assert.Equal(t, 3, sp.MinTokens)
	assert.Equal(t, 0.0, sp.Temperature)
	assert.Equal(t, int64(42), sp.Seed)
}

func TestFormatPrompt(t *testing.T) {
	assert.Equal(t, "Question: How do I log in?\nAnswer:", FormatPrompt(TaskQA, " How do I log in? "))
	assert.Equal(t, "Document: Long text.\nSummary:", FormatPrompt(TaskSummarization, "Long text."))
	assert.Equal(t, "raw", FormatPrompt(TaskText, "raw"))
	assert.Equal(t, " Use the link.", FormatTarget(TaskQA, "Use the link."))
	assert.Equal(t, "plain", FormatTarget(TaskText, "plain"))
}

func TestParseTask(t *testing.T) {
	for _, name := range []string{"qa", "summarization", "text"} {
		task, err := ParseTask(name)
		require.NoError(t, err)
		assert.Equal(t, Task(name), task)
	}
	_, err := ParseTask("summary")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

package nanotune

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig wraps every configuration validation failure
	ErrInvalidConfig = errors.New("invalid config")

	// ErrModelNotFound is returned when a model name resolves to nothing
	ErrModelNotFound = errors.New("model not found")
)

// Task selects the dataset columns and prompt template
type Task string

const (
	TaskQA            Task = "qa"
	TaskSummarization Task = "summarization"
	TaskText          Task = "text"
)

// ParseTask accepts the name of a known task
func ParseTask(s string) (Task, error) {
	switch t := Task(s); t {
	case TaskQA, TaskSummarization, TaskText:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown task %q (want qa, summarization or text)", ErrInvalidConfig, s)
}

// Columns names the CSV columns used for a task
type Columns struct {
	Input  string `json:"input" yaml:"input"`
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
}

// Config holds the configuration for loading, fine-tuning and generation
type Config struct {
	ModelName      string  `json:"model_name" yaml:"model_name"`
	MaxLength      int     `json:"max_length" yaml:"max_length"`
	MinLength      int     `json:"min_length" yaml:"min_length"`
	Temperature    float64 `json:"temperature" yaml:"temperature"`
	FineTuneEpochs int     `json:"fine_tune_epochs" yaml:"fine_tune_epochs"`

	TopK              int     `json:"top_k" yaml:"top_k"`
	TopP              float64 `json:"top_p" yaml:"top_p"`
	RepetitionPenalty float64 `json:"repetition_penalty" yaml:"repetition_penalty"`

	BatchSize    int     `json:"batch_size" yaml:"batch_size"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
	WeightDecay  float64 `json:"weight_decay" yaml:"weight_decay"`
	MaxGradNorm  float64 `json:"max_grad_norm" yaml:"max_grad_norm"`
	WarmupSteps  int     `json:"warmup_steps" yaml:"warmup_steps"`
	MaxSeqLen    int     `json:"max_seq_len" yaml:"max_seq_len"`
	Seed         int64   `json:"seed" yaml:"seed"`
	LoggingSteps int     `json:"logging_steps" yaml:"logging_steps"`
	OutputDir    string  `json:"output_dir" yaml:"output_dir"`
	SaveDir      string  `json:"save_dir" yaml:"save_dir"`

	DataPath        string   `json:"data_path" yaml:"data_path"`
	Task            Task     `json:"task" yaml:"task"`
	Columns         Columns  `json:"columns" yaml:"columns"`
	Lowercase       bool     `json:"lowercase" yaml:"lowercase"`
	HandoffKeywords []string `json:"handoff_keywords" yaml:"handoff_keywords"`

	CacheDir      string `json:"cache_dir" yaml:"cache_dir"`
	AllowDownload bool   `json:"allow_download" yaml:"allow_download"`
	Revision      string `json:"revision" yaml:"revision"`

	Backend     string `json:"backend" yaml:"backend"`
	MaxNumSeqs  int    `json:"max_num_seqs" yaml:"max_num_seqs"`
	KVBlockSize int    `json:"kv_block_size" yaml:"kv_block_size"`
	NumKVBlocks int    `json:"num_kv_blocks" yaml:"num_kv_blocks"`

	LogLevel string `json:"log_level" yaml:"log_level"`
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

func defaultConfig() *Config {
	return &Config{
		MaxLength:         50,
		Temperature:       1.0,
		FineTuneEpochs:    3,
		TopP:              1.0,
		RepetitionPenalty: 1.0,
		BatchSize:         2,
		LearningRate:      5e-5,
		MaxGradNorm:       1.0,
		Seed:              42,
		LoggingSteps:      10,
		OutputDir:         "./results",
		SaveDir:           "./fine_tuned_model",
		Task:              TaskQA,
		AllowDownload:     true,
		Revision:          "main",
		Backend:           "tensor",
		MaxNumSeqs:        8,
		KVBlockSize:       16,
		NumKVBlocks:       1024,
		LogLevel:          "info",
	}
}

// NewConfig creates a validated Config with default values
func NewConfig(modelName string, opts ...ConfigOption) (*Config, error) {
	c := defaultConfig()
	c.ModelName = modelName
	return c.finish(opts)
}

// LoadConfig reads a JSON or YAML (by extension) config file. ${VAR}
// references are expanded from the environment before parsing.
func LoadConfig(path string, opts ...ConfigOption) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	c := defaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal([]byte(expanded), c)
	default:
		err = json.Unmarshal([]byte(expanded), c)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return c.finish(opts)
}

func (c *Config) finish(opts []ConfigOption) (*Config, error) {
	for _, opt := range opts {
		opt(c)
	}
	c.applyTaskDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyTaskDefaults() {
	if c.Columns.Input != "" {
		return
	}
	switch c.Task {
	case TaskQA:
		c.Columns = Columns{Input: "question", Target: "answer"}
	case TaskSummarization:
		c.Columns = Columns{Input: "document", Target: "summary"}
	case TaskText:
		c.Columns = Columns{Input: "text"}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(strings.TrimSpace(c.ModelName) != "", "model_name is required")
	check(c.MaxLength >= 1, "max_length must be >= 1")
	check(c.MinLength >= 0 && c.MinLength <= c.MaxLength, "min_length must be between 0 and max_length")
	check(c.Temperature >= 0, "temperature must be >= 0")
	check(c.FineTuneEpochs >= 1, "fine_tune_epochs must be >= 1")
	check(c.BatchSize >= 1, "batch_size must be >= 1")
	check(c.TopK >= 0, "top_k must be >= 0")
	check(c.TopP > 0 && c.TopP <= 1, "top_p must be in (0, 1]")
	check(c.RepetitionPenalty > 0, "repetition_penalty must be > 0")
	check(c.LearningRate > 0, "learning_rate must be > 0")
	check(c.WeightDecay >= 0, "weight_decay must be >= 0")
	check(c.MaxGradNorm >= 0, "max_grad_norm must be >= 0")
	check(c.WarmupSteps >= 0, "warmup_steps must be >= 0")
	check(c.MaxSeqLen >= 0, "max_seq_len must be >= 0")
	check(c.LoggingSteps >= 0, "logging_steps must be >= 0")
	check(c.MaxNumSeqs >= 1, "max_num_seqs must be >= 1")
	check(c.KVBlockSize >= 2, "kv_block_size must be >= 2")
	check(c.NumKVBlocks >= 1, "num_kv_blocks must be >= 1")

	switch c.Task {
	case TaskQA, TaskSummarization:
		check(c.Columns.Target != "", "columns.target is required for task "+string(c.Task))
	case TaskText:
	default:
		problems = append(problems, fmt.Sprintf("unknown task %q", c.Task))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// WithTask sets the dataset task
func WithTask(t Task) ConfigOption {
	return func(c *Config) {
		if t != c.Task {
			c.Columns = Columns{}
		}
		c.Task = t
	}
}

// WithDataPath sets the training CSV path
func WithDataPath(path string) ConfigOption {
	return func(c *Config) {
		c.DataPath = path
	}
}

// WithEpochs sets the number of fine-tuning epochs
func WithEpochs(n int) ConfigOption {
	return func(c *Config) {
		c.FineTuneEpochs = n
	}
}

// WithBatchSize sets the training batch size
func WithBatchSize(n int) ConfigOption {
	return func(c *Config) {
		c.BatchSize = n
	}
}

// WithLearningRate sets the peak learning rate
func WithLearningRate(lr float64) ConfigOption {
	return func(c *Config) {
		c.LearningRate = lr
	}
}

// WithSeed sets the seed used for shuffling and sampling
func WithSeed(seed int64) ConfigOption {
	return func(c *Config) {
		c.Seed = seed
	}
}

// WithSaveDir sets where the fine-tuned model is written
func WithSaveDir(dir string) ConfigOption {
	return func(c *Config) {
		c.SaveDir = dir
	}
}

// WithOutputDir sets where checkpoints are written
func WithOutputDir(dir string) ConfigOption {
	return func(c *Config) {
		c.OutputDir = dir
	}
}

// WithCacheDir sets the model download cache directory
func WithCacheDir(dir string) ConfigOption {
	return func(c *Config) {
		c.CacheDir = dir
	}
}

// WithAllowDownload toggles fetching models from the hub
func WithAllowDownload(b bool) ConfigOption {
	return func(c *Config) {
		c.AllowDownload = b
	}
}

// WithBackend selects the model runner ("tensor", or "onnx" when built
// with the onnx tag)
func WithBackend(name string) ConfigOption {
	return func(c *Config) {
		c.Backend = name
	}
}

// WithMaxNumSeqs sets the maximum number of sequences per step
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumSeqs = n
	}
}

// WithKVBlockSize sets the KV cache block size
func WithKVBlockSize(n int) ConfigOption {
	return func(c *Config) {
		c.KVBlockSize = n
	}
}

// WithNumKVBlocks sets the number of KV cache blocks
func WithNumKVBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.NumKVBlocks = n
	}
}

// WithLogLevel sets the log level name
func WithLogLevel(level string) ConfigOption {
	return func(c *Config) {
		c.LogLevel = level
	}
}

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nano-tune-go/nanotune"
)

// app holds the persistent flags and the shared logger
type app struct {
	configPath string
	envFile    string
	verbose    bool
	noProgress bool
	logger     *logrus.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{logger: newLogger(os.Stderr)}

	root := &cobra.Command{
		Use:           "nanotune",
		Short:         "fine-tune small language models and chat with them",
		Long:          `Fine-tune a pretrained GPT-2 style model on a CSV dataset and run a support assistant or summariser on top of it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.logger.SetOutput(cmd.ErrOrStderr())
			if a.verbose {
				a.logger.SetLevel(logrus.DebugLevel)
			}
			return loadDotEnv(a.envFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "config.json", "path to JSON or YAML config file")
	flags.StringVar(&a.envFile, "env", ".env", "path to .env file (ignored if missing)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&a.noProgress, "no-progress", false, "hide progress bars")

	root.AddCommand(
		newFinetuneCmd(a),
		newChatCmd(a),
		newSummarizeCmd(a),
		newGenerateCmd(a),
		newDownloadCmd(a),
		newInitCmd(a),
		newBenchCmd(a),
	)
	return root
}

// loadDotEnv loads environment variables from path. Missing files are ignored.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// loadConfig reads the config file and applies the configured log level
// unless --verbose already raised it
func (a *app) loadConfig(opts ...nanotune.ConfigOption) (*nanotune.Config, error) {
	cfg, err := nanotune.LoadConfig(a.configPath, opts...)
	if err != nil {
		return nil, err
	}
	if !a.verbose {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("%w: log_level: %v", nanotune.ErrInvalidConfig, err)
		}
		a.logger.SetLevel(level)
	}
	a.logger.WithField("path", a.configPath).Debug("config loaded")
	return cfg, nil
}

func (a *app) showProgress() bool {
	return !a.noProgress
}

type customFormatter struct{}

func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var levelText string
	switch entry.Level {
	case logrus.InfoLevel:
		levelText = "[INF]"
	case logrus.WarnLevel:
		levelText = "[WARN]"
	case logrus.ErrorLevel:
		levelText = "[ERR]"
	case logrus.DebugLevel:
		levelText = "[DBG]"
	default:
		levelText = "[???]"
	}

	msg := levelText + " " + entry.Message
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		msg += fmt.Sprintf(" %s=%v", k, entry.Data[k])
	}
	return []byte(msg + "\n"), nil
}

func newLogger(w io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&customFormatter{})
	return logger
}

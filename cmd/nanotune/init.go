package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nano-tune-go/finetune"
	"nano-tune-go/nanotune"
)

func newInitCmd(a *app) *cobra.Command {
	var (
		corpusPath string
		out        string
		task       string
	)
	spec := nanotune.DefaultModelSpec()

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a small randomly initialised model with a tokenizer trained on a corpus",
		Long: `Create a GPT-2 model directory that works fully offline. The tokenizer is
trained on the corpus; a CSV corpus is rendered with the task's prompt
template so the vocabulary matches what fine-tuning will see.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := nanotune.ParseTask(task)
			if err != nil {
				return err
			}
			corpus, err := readCorpus(corpusPath, t)
			if err != nil {
				return err
			}

			model, tok, err := nanotune.InitModel(out, corpus, spec)
			if err != nil {
				return err
			}
			a.logger.WithFields(logrus.Fields{
				"dir":   out,
				"vocab": tok.VocabSize(),
				"lines": len(corpus),
			}).Info("model initialised")
			fmt.Fprintln(cmd.OutOrStdout(), model.Describe())
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&corpusPath, "corpus", "", "text file (one example per line) or CSV dataset")
	flags.StringVarP(&out, "out", "o", "./models/tiny", "output model directory")
	flags.StringVarP(&task, "task", "t", string(nanotune.TaskQA), "task used to render a CSV corpus")
	flags.IntVar(&spec.VocabSize, "vocab", spec.VocabSize, "tokenizer vocabulary size (>= 257)")
	flags.IntVar(&spec.Context, "context", spec.Context, "maximum sequence length")
	flags.IntVar(&spec.Hidden, "hidden", spec.Hidden, "embedding width")
	flags.IntVar(&spec.Layers, "layers", spec.Layers, "number of transformer blocks")
	flags.IntVar(&spec.Heads, "heads", spec.Heads, "attention heads")
	flags.Int64Var(&spec.Seed, "seed", spec.Seed, "initialisation seed")
	cmd.MarkFlagRequired("corpus")
	return cmd
}

// readCorpus loads training text for the tokenizer
func readCorpus(path string, task nanotune.Task) ([]string, error) {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		cfg, err := nanotune.NewConfig("corpus", nanotune.WithTask(task))
		if err != nil {
			return nil, err
		}
		records, err := finetune.ReadCSV(path, task, cfg.Columns, cfg.Lowercase)
		if err != nil {
			return nil, err
		}
		corpus := make([]string, len(records))
		for i, rec := range records {
			if task == nanotune.TaskText {
				corpus[i] = nanotune.FormatTarget(task, rec.Input)
				continue
			}
			corpus[i] = nanotune.FormatPrompt(task, rec.Input) + nanotune.FormatTarget(task, rec.Target)
		}
		return corpus, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus: %w", err)
	}
	defer f.Close()

	var corpus []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			corpus = append(corpus, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read corpus: %w", err)
	}
	if len(corpus) == 0 {
		return nil, fmt.Errorf("corpus %s: %w", path, finetune.ErrEmptyDataset)
	}
	return corpus, nil
}

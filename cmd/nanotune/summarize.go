package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"nano-tune-go/assistant"
	"nano-tune-go/finetune"
	"nano-tune-go/nanotune"
)

func newSummarizeCmd(a *app) *cobra.Command {
	var (
		input  string
		output string
		column string
	)

	cmd := &cobra.Command{
		Use:     "summarize",
		Aliases: []string{"summarise"},
		Short:   "Summarise documents interactively or from a CSV file",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			llm, err := nanotune.LoadLLM(cmd.Context(), cfg, a.logger)
			if err != nil {
				return err
			}
			defer llm.Close()

			summarizer := assistant.NewSummarizer(llm)
			summarizer.Lowercase = cfg.Lowercase
			if input != "" {
				return a.summarizeFile(cmd, summarizer, input, output, column)
			}

			repl := &assistant.REPL{
				In:         cmd.InOrStdin(),
				Out:        cmd.OutOrStdout(),
				Banner:     "Text Summarisation Tool. Type 'exit' to quit.",
				Prompt:     "Document: ",
				Label:      "Summary:",
				Respond:    summarizer.Summarize,
				LabelColor: color.New(color.FgCyan, color.Bold),
				Logger:     a.logger,
			}
			return repl.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "CSV file of documents to summarise in one batch")
	cmd.Flags().StringVarP(&output, "output", "o", "", "CSV file for document,summary rows (default stdout)")
	cmd.Flags().StringVar(&column, "column", "document", "input column holding the documents")
	return cmd
}

func (a *app) summarizeFile(cmd *cobra.Command, s *assistant.Summarizer, input, output, column string) error {
	docs, err := finetune.ReadColumn(input, column)
	if err != nil {
		return err
	}
	a.logger.WithField("documents", len(docs)).Info("summarising")

	summaries, err := s.SummarizeAll(cmd.Context(), docs, a.showProgress())
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := assistant.WriteSummaries(w, docs, summaries); err != nil {
		return fmt.Errorf("failed to write summaries: %w", err)
	}
	if output != "" {
		a.logger.WithField("path", output).Info("summaries written")
	}
	return nil
}

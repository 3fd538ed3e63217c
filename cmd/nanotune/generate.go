package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nano-tune-go/nanotune"
)

func newGenerateCmd(a *app) *cobra.Command {
	var (
		template    string
		maxTokens   int
		temperature float64
	)

	cmd := &cobra.Command{
		Use:   "generate [prompt...]",
		Short: "Complete one or more prompts in a single batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := nanotune.ParseTask(template)
			if err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-tokens") {
				cfg.MaxLength = maxTokens
			}
			if cmd.Flags().Changed("temperature") {
				cfg.Temperature = temperature
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			llm, err := nanotune.LoadLLM(cmd.Context(), cfg, a.logger)
			if err != nil {
				return err
			}
			defer llm.Close()

			prompts := make([]string, len(args))
			for i, p := range args {
				prompts[i] = nanotune.FormatPrompt(task, p)
			}

			outputs, err := llm.GenerateSimple(cmd.Context(), prompts, a.showProgress())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, o := range outputs {
				fmt.Fprintf(out, "%s %s\n", color.CyanString("Prompt:"), args[i])
				fmt.Fprintf(out, "%s %s\n", color.GreenString("Output:"), o.Text)
				a.logger.WithFields(logrus.Fields{
					"tokens": len(o.TokenIDs),
					"finish": o.FinishReason,
				}).Debug("generated")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&template, "template", string(nanotune.TaskText), "prompt template: qa, summarization or text")
	cmd.Flags().IntVarP(&maxTokens, "max-tokens", "n", 50, "maximum new tokens (overrides max_length)")
	cmd.Flags().Float64VarP(&temperature, "temperature", "T", 1.0, "sampling temperature, 0 for greedy")
	return cmd
}

package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"nano-tune-go/assistant"
	"nano-tune-go/nanotune"
)

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Run the customer support assistant",
		Args:  cobra.NoArgs,
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

			support := assistant.NewSupportAssistant(llm, cfg.HandoffKeywords, a.logger)
			support.Lowercase = cfg.Lowercase
			repl := &assistant.REPL{
				In:         cmd.InOrStdin(),
				Out:        cmd.OutOrStdout(),
				Banner:     "Customer Support Assistant. Type 'exit' to quit.",
				Prompt:     "Customer: ",
				Label:      "Assistant:",
				Respond:    support.Respond,
				LabelColor: color.New(color.FgGreen, color.Bold),
				Logger:     a.logger,
			}
			return repl.Run(cmd.Context())
		},
	}
}

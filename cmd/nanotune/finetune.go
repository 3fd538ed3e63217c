package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"nano-tune-go/finetune"
	"nano-tune-go/nanotune"
)

func newFinetuneCmd(a *app) *cobra.Command {
	var (
		data      string
		task      string
		epochs    int
		saveDir   string
		outputDir string
	)

	cmd := &cobra.Command{
		Use:   "finetune",
		Short: "Fine-tune the configured model on a CSV dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []nanotune.ConfigOption
			flags := cmd.Flags()
			if flags.Changed("data") {
				opts = append(opts, nanotune.WithDataPath(data))
			}
			if flags.Changed("task") {
				opts = append(opts, nanotune.WithTask(nanotune.Task(task)))
			}
			if flags.Changed("epochs") {
				opts = append(opts, nanotune.WithEpochs(epochs))
			}
			if flags.Changed("save-dir") {
				opts = append(opts, nanotune.WithSaveDir(saveDir))
			}
			if flags.Changed("output-dir") {
				opts = append(opts, nanotune.WithOutputDir(outputDir))
			}

			cfg, err := a.loadConfig(opts...)
			if err != nil {
				return err
			}

			res, err := finetune.Run(cmd.Context(), cfg, a.logger, a.showProgress())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("Fine-tuned model saved to %s (%d steps, loss %.4f)",
				res.SaveDir, res.State.GlobalStep, res.State.TrainLoss))
			return nil
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "training CSV (overrides data_path)")
	cmd.Flags().StringVarP(&task, "task", "t", "qa", "dataset task: qa, summarization or text")
	cmd.Flags().IntVarP(&epochs, "epochs", "e", 3, "number of epochs (overrides fine_tune_epochs)")
	cmd.Flags().StringVar(&saveDir, "save-dir", "", "where to save the fine-tuned model")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "where to write epoch checkpoints")
	return cmd
}

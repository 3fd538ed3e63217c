package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"nano-tune-go/nanotune"
)

func newDownloadCmd(a *app) *cobra.Command {
	var (
		cacheDir string
		revision string
	)

	cmd := &cobra.Command{
		Use:   "download <org/model>",
		Short: "Download a model from the Hugging Face hub into the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := nanotune.NewConfig(args[0], nanotune.WithCacheDir(cacheDir))
			if err != nil {
				return err
			}
			cfg.Revision = revision

			hub := nanotune.NewHub(cfg, a.logger)
			hub.ShowProgress = a.showProgress()
			dir, err := hub.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "model cache directory (default $NANOTUNE_CACHE or the user cache dir)")
	cmd.Flags().StringVar(&revision, "revision", "main", "branch, tag or commit to download")
	return cmd
}

package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"nano-tune-go/nanotune"
)

type benchOptions struct {
	requests     int
	minInputLen  int
	maxInputLen  int
	minOutputLen int
	maxOutputLen int
	seed         int64
}

func newBenchCmd(a *app) *cobra.Command {
	var o benchOptions

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure generation throughput with random prompts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.requests < 1 || o.minInputLen < 1 || o.maxInputLen < o.minInputLen ||
				o.minOutputLen < 1 || o.maxOutputLen < o.minOutputLen {
				return fmt.Errorf("invalid benchmark lengths")
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			llm, err := nanotune.LoadLLM(cmd.Context(), cfg, a.logger)
			if err != nil {
				return err
			}
			defer llm.Close()

			rng := rand.New(rand.NewSource(o.seed))
			vocab := llm.ModelConfig.VocabSize
			for i := 0; i < o.requests; i++ {
				outputLen := o.minOutputLen + rng.Intn(o.maxOutputLen-o.minOutputLen+1)
				inputLen := o.minInputLen + rng.Intn(o.maxInputLen-o.minInputLen+1)
				tokens := make([]int, inputLen)
				for j := range tokens {
					tokens[j] = rng.Intn(vocab)
				}
				sp := nanotune.NewSamplingParams(
					nanotune.WithTemperature(0.6),
					nanotune.WithMaxTokens(outputLen),
					nanotune.WithIgnoreEOS(true),
					nanotune.WithSamplingSeed(o.seed+int64(i)),
				)
				if _, err := llm.AddTokens(tokens, sp); err != nil {
					return err
				}
			}

			var prefillTokens, decodeTokens, outputTokens int
			var prefillTime, decodeTime time.Duration
			start := time.Now()
			for !llm.IsFinished() {
				stepStart := time.Now()
				finished, n, err := llm.Step(cmd.Context())
				if err != nil {
					llm.Abort()
					return err
				}
				if n > 0 {
					prefillTokens += n
					prefillTime += time.Since(stepStart)
				} else {
					decodeTokens += -n
					decodeTime += time.Since(stepStart)
				}
				for _, seq := range finished {
					outputTokens += seq.NumCompletionTokens()
				}
			}
			elapsed := time.Since(start).Seconds()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Benchmark Results:")
			fmt.Fprintf(out, "  Total requests:      %d\n", o.requests)
			fmt.Fprintf(out, "  Total output tokens: %d\n", outputTokens)
			fmt.Fprintf(out, "  Time elapsed:        %.2f s\n", elapsed)
			fmt.Fprintf(out, "  Throughput:          %.2f tokens/s\n", float64(outputTokens)/elapsed)
			fmt.Fprintf(out, "  Prefill:             %s\n", rate(prefillTokens, prefillTime))
			fmt.Fprintf(out, "  Decode:              %s\n", rate(decodeTokens, decodeTime))
			fmt.Fprintf(out, "  Average latency:     %.2f ms/request\n", elapsed*1000/float64(o.requests))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&o.requests, "requests", 16, "number of requests")
	flags.IntVar(&o.minInputLen, "min-input", 8, "minimum prompt tokens")
	flags.IntVar(&o.maxInputLen, "max-input", 32, "maximum prompt tokens")
	flags.IntVar(&o.minOutputLen, "min-output", 8, "minimum generated tokens")
	flags.IntVar(&o.maxOutputLen, "max-output", 32, "maximum generated tokens")
	flags.Int64Var(&o.seed, "seed", 0, "seed for prompts and sampling")
	return cmd
}

func rate(tokens int, d time.Duration) string {
	if d <= 0 {
		return fmt.Sprintf("%d tokens", tokens)
	}
	return fmt.Sprintf("%d tokens, %.2f tokens/s", tokens, float64(tokens)/d.Seconds())
}

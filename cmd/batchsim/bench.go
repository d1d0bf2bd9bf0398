package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/inferloop/batchcore/internal/admission"
	"github.com/inferloop/batchcore/internal/executor/mock"
	"github.com/inferloop/batchcore/internal/logging"
	"github.com/inferloop/batchcore/internal/request"
	"github.com/inferloop/batchcore/internal/sequence"
)

func benchCmd() *cli.Command {
	var (
		configPath           string
		blockSize, numBlocks int64
		maxTokens, maxSeqs   int64
		numRequests          int64
		promptLen            int64
		maxNewTokens         int64
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Throughput microbenchmark against the mock deterministic executor",
		Flags: append(commonSchedulerFlags(&configPath, &blockSize, &numBlocks, &maxTokens, &maxSeqs),
			&cli.IntFlag{
				Name:        "requests",
				Usage:       "number of synthetic requests to admit",
				Value:       256,
				Destination: &numRequests,
			},
			&cli.IntFlag{
				Name:        "prompt-len",
				Usage:       "synthetic prompt length in tokens",
				Value:       128,
				Destination: &promptLen,
			},
			&cli.IntFlag{
				Name:        "max-new-tokens",
				Usage:       "completion length per request",
				Value:       64,
				Destination: &maxNewTokens,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logging.Discard()
			exec := mock.NewDeterministic(32000)
			sched, surface, err := buildCore(configPath, int(blockSize), int(numBlocks), int(maxTokens), int(maxSeqs), exec, log)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			pending := int(numRequests)
			totalTokens := 0

			bar := progressbar.NewOptions(pending,
				progressbar.OptionSetDescription("benchmarking"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "=",
					SaucerHead:    ">",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
			)

			rng := rand.New(rand.NewSource(42))
			for i := 0; i < int(numRequests); i++ {
				prompt := make([]int32, promptLen)
				for j := range prompt {
					prompt[j] = int32(rng.Intn(32000))
				}
				_, err := surface.Admit(admission.NewRequestParams{
					N:        1,
					Prompt:   prompt,
					Capacity: int(promptLen + maxNewTokens + 1),
					Sampling: sequence.SamplingParams{Temperature: 1, TopP: 1},
					Stop:     sequence.StoppingCriteria{MaxNewTokens: int(maxNewTokens), EOSTokenID: -1},
					OnToken: func(seqIndex int, delta []int32, reason sequence.FinishReason, usage *request.Usage) bool {
						totalTokens += len(delta)
						if reason != sequence.FinishNone {
							pending--
							_ = bar.Add(1)
						}
						return true
					},
				})
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
			}

			start := time.Now()
			for pending > 0 {
				if _, err := sched.Step(ctx, 10*time.Millisecond); err != nil {
					return cli.Exit(err.Error(), 1)
				}
			}
			elapsed := time.Since(start)

			fmt.Println()
			fmt.Printf("requests:      %d\n", numRequests)
			fmt.Printf("tokens:        %d\n", totalTokens)
			fmt.Printf("duration:      %s\n", elapsed.Round(time.Millisecond))
			fmt.Printf("throughput:    %.1f tokens/sec\n", float64(totalTokens)/elapsed.Seconds())
			return nil
		},
	}
}

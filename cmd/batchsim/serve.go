package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/inferloop/batchcore/internal/logging"
	"github.com/inferloop/batchcore/internal/request"
	"github.com/inferloop/batchcore/internal/sequence"
)

func serveCmd() *cli.Command {
	var (
		configPath           string
		blockSize, numBlocks int64
		maxTokens, maxSeqs   int64
		tracePath            string
		steps                int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Admit every request in a trace file and run the scheduler loop to completion",
		Flags: append(commonSchedulerFlags(&configPath, &blockSize, &numBlocks, &maxTokens, &maxSeqs),
			&cli.StringFlag{
				Name:        "trace",
				Usage:       "path to a YAML trace file of requests",
				Required:    true,
				Destination: &tracePath,
			},
			&cli.IntFlag{
				Name:        "max-steps",
				Usage:       "safety cap on scheduler steps, 0 disables it",
				Value:       100000,
				Destination: &steps,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logging.Default()

			trace, err := loadTrace(tracePath)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			sched, surface, err := buildCore(configPath, int(blockSize), int(numBlocks), int(maxTokens), int(maxSeqs), nil, log)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			var mu sync.Mutex
			pending := int64(len(trace))

			for _, tr := range trace {
				params := tr.toParams()
				params.OnToken = makeOnToken(log, params.ID, &mu, &pending)
				if _, err := surface.Admit(params); err != nil {
					return cli.Exit(fmt.Sprintf("admit %q: %v", tr.ID, err), 1)
				}
			}

			log.Info("admitted trace", "requests", len(trace))

			for i := int64(0); steps == 0 || i < steps; i++ {
				if atomic.LoadInt64(&pending) <= 0 {
					break
				}
				res, err := sched.Step(ctx, 50*time.Millisecond)
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				if len(res.Failed) > 0 {
					for _, f := range res.Failed {
						log.Error("request failed", "request_id", f.Request.ID, "err", f.Err)
					}
				}
			}

			log.Info("serve finished", "remaining_pending", atomic.LoadInt64(&pending))
			return nil
		},
	}
}

func makeOnToken(log logging.Logger, id string, mu *sync.Mutex, pending *int64) request.OnToken {
	return func(seqIndex int, delta []int32, reason sequence.FinishReason, usage *request.Usage) bool {
		mu.Lock()
		defer mu.Unlock()
		if reason != sequence.FinishNone {
			log.Info("sequence finished", "request_id", id, "seq_index", seqIndex, "reason", reason.String())
			if usage != nil {
				log.Info("usage", "request_id", id, "prompt_tokens", usage.PromptTokens, "completion_tokens", usage.CompletionTokens)
			}
			atomic.AddInt64(pending, -1)
		}
		return true
	}
}

// Command batchsim drives the scheduler core against a mock executor,
// either replaying a trace file of requests or running a throughput
// microbenchmark.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "batchsim",
		Usage: "Continuous-batching scheduler core simulator",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			serveCmd(),
			benchCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func commonSchedulerFlags(configPath *string, blockSize, numBlocks, maxTokens, maxSeqs *int64) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to a YAML config file (see config.Load)",
			Destination: configPath,
		},
		&cli.IntFlag{
			Name:        "block-size",
			Usage:       "tokens per KV-cache block",
			Value:       16,
			Destination: blockSize,
		},
		&cli.IntFlag{
			Name:        "num-blocks",
			Usage:       "fixed KV-cache block pool size",
			Value:       256,
			Destination: numBlocks,
		},
		&cli.IntFlag{
			Name:        "max-tokens-per-batch",
			Usage:       "per-step token budget",
			Value:       2048,
			Destination: maxTokens,
		},
		&cli.IntFlag{
			Name:        "max-seqs-per-batch",
			Usage:       "per-step sequence-slot budget",
			Value:       64,
			Destination: maxSeqs,
		},
	}
}

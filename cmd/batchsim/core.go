package main

import (
	"github.com/inferloop/batchcore/internal/admission"
	"github.com/inferloop/batchcore/internal/block"
	"github.com/inferloop/batchcore/internal/blockmanager"
	"github.com/inferloop/batchcore/internal/config"
	"github.com/inferloop/batchcore/internal/executor"
	"github.com/inferloop/batchcore/internal/executor/mock"
	"github.com/inferloop/batchcore/internal/logging"
	"github.com/inferloop/batchcore/internal/prefixcache"
	"github.com/inferloop/batchcore/internal/scheduler"
)

// buildCore wires a Scheduler and its admission.Surface from either a
// loaded config file or the flag-derived overrides, the way mantle's
// cmd resolves a model path before building its inference.Loader.
func buildCore(cfgPath string, blockSize, numBlocks, maxTokens, maxSeqs int, exec executor.Executor, logger logging.Logger) (*scheduler.Scheduler, *admission.Surface, error) {
	var cfg *config.Config
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	} else {
		cfg = config.New(
			config.WithBlockSize(blockSize),
			config.WithNumBlocks(numBlocks),
			config.WithMaxTokensPerBatch(maxTokens),
			config.WithMaxSeqsPerBatch(maxSeqs),
		)
	}

	if exec == nil {
		exec = mock.NewGreedyEcho(cfg.EOSTokenID, 64)
	}

	alloc := block.New(cfg.NumBlocks, cfg.BlockSize)
	cache := prefixcache.New(cfg.BlockSize, logger)
	bm := blockmanager.New(alloc, cache, cfg.BlockSize, cfg.EnablePrefixCache, logger)

	sched := scheduler.New(bm, exec, scheduler.Params{
		BlockSize:         cfg.BlockSize,
		MaxTokensPerBatch: cfg.MaxTokensPerBatch,
		MaxSeqsPerBatch:   cfg.MaxSeqsPerBatch,
		IntakeCapacity:    cfg.IntakeCapacity,
	}, logger)

	var gate *admission.Gate
	if cfg.AdmitRatePerSec > 0 {
		gate = admission.NewGate(cfg.AdmitRatePerSec, cfg.AdmitBurst)
	}
	surface := admission.NewSurface(sched.Intake(), gate, cfg.BlockSize, cfg.MaxContextLen, sched.NextSeqID)

	return sched, surface, nil
}

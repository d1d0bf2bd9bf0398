// Package scheduler implements the single-threaded continuous-batching
// loop: draining admitted requests, filling a per-step batch under
// token/sequence budgets with preemption on memory exhaustion, driving
// the executor, and streaming results back to callers.
package scheduler

import (
	"container/heap"
	"container/list"
	"context"
	"sync/atomic"
	"time"

	"github.com/inferloop/batchcore/internal/batcherr"
	"github.com/inferloop/batchcore/internal/blockmanager"
	"github.com/inferloop/batchcore/internal/executor"
	"github.com/inferloop/batchcore/internal/logging"
	"github.com/inferloop/batchcore/internal/modelinput"
	"github.com/inferloop/batchcore/internal/request"
	"github.com/inferloop/batchcore/internal/sequence"
)

// Params holds the per-step budgets and block geometry the scheduler
// needs; everything else (allocator size, prefix-cache toggle) is
// configured on the blockmanager.Manager it's handed.
type Params struct {
	BlockSize         int
	MaxTokensPerBatch int
	MaxSeqsPerBatch   int
	IntakeCapacity    int
}

// FailedRequest reports a request the fill phase could never place in
// a batch even after exhausting preemption.
type FailedRequest struct {
	Request *request.Request
	Err     error
}

// StepResult summarizes one call to Step.
type StepResult struct {
	Scheduled []*sequence.Sequence
	Failed    []FailedRequest
	Executed  bool
}

// Scheduler is the continuous-batching loop. Step must be called from a
// single goroutine; see the package comment. Intake and NextSeqID are
// the only parts used from admitting goroutines.
type Scheduler struct {
	bm     *blockmanager.Manager
	exec   executor.Executor
	logger logging.Logger

	intake chan *request.Request
	ready  readyHeap

	preemptable *list.List // of *request.Request, front = highest priority in-flight

	avgBudget         int
	maxTokensPerBatch int
	maxSeqsPerBatch   int
	blockSize         int

	prevBatchReqs []*request.Request
	seqID         int64
}

// New constructs a Scheduler over bm and exec with the given budgets.
// An IntakeCapacity <= 0 gives an intake channel of 256 slots.
func New(bm *blockmanager.Manager, exec executor.Executor, params Params, logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Discard()
	}
	avg := params.MaxTokensPerBatch / params.MaxSeqsPerBatch
	if avg < 1 {
		avg = 1
	}
	intakeCap := params.IntakeCapacity
	if intakeCap <= 0 {
		intakeCap = 256
	}
	return &Scheduler{
		bm:                bm,
		exec:              exec,
		logger:            logger,
		intake:            make(chan *request.Request, intakeCap),
		preemptable:       list.New(),
		avgBudget:         avg,
		maxTokensPerBatch: params.MaxTokensPerBatch,
		maxSeqsPerBatch:   params.MaxSeqsPerBatch,
		blockSize:         params.BlockSize,
	}
}

// Intake exposes the bounded admission channel for admission.Surface.
func (s *Scheduler) Intake() chan *request.Request { return s.intake }

// NextSeqID hands out a monotonic sequence id; safe for concurrent use
// by admitting goroutines since it's the only cross-thread counter
// this package owns.
func (s *Scheduler) NextSeqID() int64 {
	return atomic.AddInt64(&s.seqID, 1)
}

type provisionalEntry struct {
	req      *request.Request
	seq      *sequence.Sequence
	seqIndex int
	actual   int
}

// Step runs one iteration of the scheduling loop: drain intake,
// process carry-over from the previous step, fill a new batch under
// budget with preemption, top up any remaining budget, execute, stream
// results, and expand lazily-created siblings. If no batch could be
// built it blocks on the intake channel up to timeout waiting for new
// arrivals.
func (s *Scheduler) Step(ctx context.Context, timeout time.Duration) (*StepResult, error) {
	s.drainIntake()

	result := &StepResult{}
	s.carryOver(result)

	remainingTokens := s.maxTokensPerBatch
	remainingSeqs := s.maxSeqsPerBatch
	batch, seqBudgetBlocked := s.fillPhase(&remainingTokens, &remainingSeqs)
	batch = s.topUp(batch, remainingTokens)

	if len(batch) == 0 && s.ready.Len() > 0 && !seqBudgetBlocked {
		s.failHeadOfReady(result)
	}

	s.prevBatchReqs = batchRequestsInOrder(batch)

	if len(batch) == 0 {
		s.waitForArrival(ctx, timeout)
		return result, nil
	}

	if err := s.execute(ctx, batch, result); err != nil {
		return result, err
	}

	s.expandSiblings(batch)

	return result, nil
}

func (s *Scheduler) drainIntake() {
	for {
		select {
		case r := <-s.intake:
			heap.Push(&s.ready, r)
		default:
			return
		}
	}
}

func (s *Scheduler) carryOver(result *StepResult) {
	for i := len(s.prevBatchReqs) - 1; i >= 0; i-- {
		r := s.prevBatchReqs[i]

		for _, seq := range r.Sequences {
			if seq.PendingCancellation() {
				seq.MarkCancelled()
			}
		}
		if r.IsLive != nil && !r.IsLive() {
			r.MarkAllCancelled()
		}

		if r.IsFinished() {
			s.finishRequest(r)
			continue
		}
		s.preemptable.PushFront(r)
		heap.Push(&s.ready, r)
	}
}

func (s *Scheduler) finishRequest(r *request.Request) {
	for _, seq := range r.Sequences {
		s.bm.Release(seq)
	}
	s.removeFromPreemptable(r)
}

func (s *Scheduler) removeFromPreemptable(r *request.Request) {
	for e := s.preemptable.Front(); e != nil; e = e.Next() {
		if e.Value.(*request.Request) == r {
			s.preemptable.Remove(e)
			return
		}
	}
}

// fillPhase builds a provisional batch under budget, preempting the
// lowest-priority in-flight request whenever the head of ready cannot
// be placed. The second result reports that the pass ended because the
// head of ready needs more sequence slots than remain this step.
func (s *Scheduler) fillPhase(remainingTokens, remainingSeqs *int) ([]provisionalEntry, bool) {
	var batch []provisionalEntry

	for s.ready.Len() > 0 && *remainingTokens > 0 && *remainingSeqs > 0 {
		r := s.ready[0]

		entries, status := s.tryAllocate(r, *remainingTokens, *remainingSeqs)
		switch status {
		case allocOK:
			if len(entries) == 0 {
				return batch, false
			}
			heap.Pop(&s.ready)
			batch = append(batch, entries...)
			for _, e := range entries {
				*remainingTokens -= e.actual
				*remainingSeqs--
			}
			s.removeFromPreemptable(r)
			continue

		case allocSeqBudgetExhausted:
			// r itself needs more sequence slots than remain this step;
			// freeing blocks elsewhere can't fix a seq-count shortfall, so
			// leave r in ready (untouched) for a future step instead of
			// preempting another request on its behalf.
			return batch, true

		default: // allocFailed
			victim := s.popPreemptionVictim(r)
			if victim == nil {
				return batch, false
			}
			for _, vs := range victim.Sequences {
				if !vs.IsFinished() {
					s.bm.Release(vs)
				}
			}
			heap.Push(&s.ready, victim)
		}
	}
	return batch, false
}

// popPreemptionVictim removes and returns the lowest-priority in-flight
// request other than r, or nil if none is available.
func (s *Scheduler) popPreemptionVictim(r *request.Request) *request.Request {
	back := s.preemptable.Back()
	if back == nil {
		return nil
	}
	victim := back.Value.(*request.Request)
	if victim == r {
		return nil
	}
	s.preemptable.Remove(back)
	return victim
}

type snapshot struct {
	seq       *sequence.Sequence
	blocksLen int
	kvCached  int
}

// allocStatus distinguishes why tryAllocate didn't return a usable
// batch of entries, since fillPhase must react to each differently:
// running out of r's own seq-count budget is not something preempting
// another request can fix, unlike a real allocator exhaustion.
type allocStatus int

const (
	allocOK allocStatus = iota
	allocSeqBudgetExhausted
	allocFailed
)

// tryAllocate attempts to grant every unfinished sequence of r enough
// blocks to process its share of the remaining budget. On any
// BlockManager failure, or if r has more live sequences than
// seqBudget allows, it rolls every sequence of r back to its
// pre-attempt state and reports the specific reason, per the
// all-or-nothing rule for a single request's fill attempt.
func (s *Scheduler) tryAllocate(r *request.Request, tokenBudget, seqBudget int) ([]provisionalEntry, allocStatus) {
	var entries []provisionalEntry
	var snaps []snapshot
	remainingTokens := tokenBudget
	remainingSeqs := seqBudget

	rollback := func() {
		for _, sn := range snaps {
			for i := sn.blocksLen; i < len(sn.seq.Blocks); i++ {
				sn.seq.Blocks[i].Release()
			}
			sn.seq.Blocks = sn.seq.Blocks[:sn.blocksLen]
			sn.seq.KVCached = sn.kvCached
		}
	}

	for idx, seq := range r.Sequences {
		if seq.IsFinished() {
			continue
		}
		if remainingSeqs <= 0 {
			rollback()
			return nil, allocSeqBudgetExhausted
		}
		if remainingTokens <= 0 {
			continue
		}

		perSeqBudget := s.avgBudget
		if remainingTokens < perSeqBudget {
			perSeqBudget = remainingTokens
		}
		toProcess := seq.NumTokensToProcess()
		actual := perSeqBudget
		if toProcess < actual {
			actual = toProcess
		}
		if actual <= 0 {
			continue
		}

		snaps = append(snaps, snapshot{seq: seq, blocksLen: len(seq.Blocks), kvCached: seq.KVCached})
		target := seq.KVCached + actual
		if err := s.bm.AllocateFor(seq, target); err != nil {
			rollback()
			return nil, allocFailed
		}

		entries = append(entries, provisionalEntry{req: r, seq: seq, seqIndex: idx, actual: actual})
		remainingTokens -= actual
		remainingSeqs--
	}
	return entries, allocOK
}

// topUp returns each entry's tentatively granted tokens to the budget
// and re-allocates greedily in batch order, squeezing any leftover
// token budget into additional prefill progress for the same step.
func (s *Scheduler) topUp(batch []provisionalEntry, remainingTokens int) []provisionalEntry {
	for i := range batch {
		e := &batch[i]
		available := remainingTokens + e.actual

		toProcess := e.seq.NumTokensToProcess()
		newActual := available
		if toProcess < newActual {
			newActual = toProcess
		}
		if newActual <= e.actual {
			remainingTokens = available - e.actual
			continue
		}

		target := e.seq.KVCached + newActual
		if err := s.bm.AllocateFor(e.seq, target); err != nil {
			remainingTokens = available - e.actual
			continue
		}
		remainingTokens = available - newActual
		e.actual = newActual
	}
	return batch
}

func (s *Scheduler) failHeadOfReady(result *StepResult) {
	r := heap.Pop(&s.ready).(*request.Request)
	s.removeFromPreemptable(r)
	err := batcherr.New(batcherr.OutOfMemory, "scheduler: request cannot be placed even after preemption")
	result.Failed = append(result.Failed, FailedRequest{Request: r, Err: err})
	s.logger.Warn("request failed with out-of-memory", "request_id", r.ID)
}

func batchRequestsInOrder(batch []provisionalEntry) []*request.Request {
	var reqs []*request.Request
	seen := make(map[*request.Request]struct{})
	for _, e := range batch {
		if _, ok := seen[e.req]; ok {
			continue
		}
		seen[e.req] = struct{}{}
		reqs = append(reqs, e.req)
	}
	return reqs
}

func (s *Scheduler) execute(ctx context.Context, batch []provisionalEntry, result *StepResult) error {
	in := buildModelInput(batch, s.blockSize)
	out, err := s.exec.Execute(ctx, in)
	if err != nil {
		return err
	}
	if len(out.TokenIDs) != len(batch) {
		return batcherr.New(batcherr.OutOfMemory, "scheduler: executor returned mismatched token count")
	}

	for i, e := range batch {
		tok := out.TokenIDs[i]
		e.seq.MarkScheduled()
		e.seq.KVCached += e.actual
		result.Scheduled = append(result.Scheduled, e.seq)

		// A chunk that only advances prefill (kv_cached still < P after
		// this step) produces no usable token: the next "real" token is
		// already known, it's the following prompt token. Only the chunk
		// that completes the prompt yields a sampled completion token.
		if e.seq.IsPrefill() {
			continue
		}

		wasFirstCompletion := e.seq.NumCompletionTokens() == 0
		e.seq.AppendToken(tok)

		if e.req.OnToken == nil {
			continue
		}
		if e.seq.Echo && wasFirstCompletion {
			e.req.OnToken(e.seqIndex, e.seq.PromptTokenIDs(), sequence.FinishNone, nil)
		}

		var usage *request.Usage
		if e.seq.IsFinished() {
			p, c, t := e.seq.Usage()
			usage = &request.Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: t}
		}
		if !e.req.OnToken(e.seqIndex, []int32{tok}, e.seq.FinishReason, usage) {
			e.seq.FlagCancelled()
		}
	}
	result.Executed = true
	return nil
}

func (s *Scheduler) expandSiblings(batch []provisionalEntry) {
	seen := make(map[*request.Request]struct{})
	for _, e := range batch {
		if _, ok := seen[e.req]; ok {
			continue
		}
		seen[e.req] = struct{}{}
		if e.req.NeedsSiblingExpansion() {
			e.req.ExpandSiblings()
		}
	}
}

func (s *Scheduler) waitForArrival(ctx context.Context, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-s.intake:
		heap.Push(&s.ready, r)
	case <-timer.C:
	case <-ctx.Done():
	}
}

func buildModelInput(batch []provisionalEntry, blockSize int) *modelinput.ModelInput {
	in := &modelinput.ModelInput{
		QCuLens:  make([]int32, 1, len(batch)+1),
		KVCuLens: make([]int32, 1, len(batch)+1),
	}

	maxBlocks := 0
	for _, e := range batch {
		if n := len(e.seq.Blocks); n > maxBlocks {
			maxBlocks = n
		}
	}

	for _, e := range batch {
		seq := e.seq
		start := seq.KVCached
		for p := start; p < start+e.actual; p++ {
			in.TokenIDs = append(in.TokenIDs, seq.Tokens[p])
			in.Positions = append(in.Positions, int32(p))

			blk := seq.Blocks[p/blockSize]
			offset := p % blockSize
			in.NewCacheSlots = append(in.NewCacheSlots, int32(blk.PhysicalID*blockSize+offset))
		}

		in.QCuLens = append(in.QCuLens, in.QCuLens[len(in.QCuLens)-1]+int32(e.actual))
		in.KVCuLens = append(in.KVCuLens, in.KVCuLens[len(in.KVCuLens)-1]+int32(start+e.actual))

		row := make([]int32, maxBlocks)
		for i, b := range seq.Blocks {
			row[i] = int32(b.PhysicalID)
		}
		in.BlockTables = append(in.BlockTables, row)

		in.Sampling = append(in.Sampling, modelinput.SamplingEntry{
			Temperature:      seq.Sampling.Temperature,
			TopP:             seq.Sampling.TopP,
			TopK:             seq.Sampling.TopK,
			PresencePenalty:  seq.Sampling.PresencePenalty,
			FrequencyPenalty: seq.Sampling.FrequencyPenalty,
			LastTokenIdx:     int32(len(in.TokenIDs) - 1),
		})
	}
	return in
}

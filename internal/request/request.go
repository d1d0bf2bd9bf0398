// Package request implements Request, the admitted unit that owns one
// or more sibling Sequences for n-sampling, expanded lazily once the
// prompt's KV is cached.
package request

import (
	"time"

	"github.com/inferloop/batchcore/internal/sequence"
)

// Priority is the admission-time priority class; the wire-level
// DEFAULT value maps to the internal Normal class.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// PriorityFromWire maps wire values (DEFAULT=0, HIGH=1, NORMAL=2,
// LOW=3) onto the internal priority classes.
func PriorityFromWire(v int) Priority {
	switch v {
	case 1:
		return PriorityHigh
	case 3:
		return PriorityLow
	default: // 0 (DEFAULT) and 2 (NORMAL) both land on Normal
		return PriorityNormal
	}
}

// Usage reports token accounting for a finished sequence. Only
// attached to the final OnToken call of a sequence, never to
// intermediate deltas.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// OnToken is the streaming callback invoked as new tokens are
// produced; its boolean return doubles as the cancellation channel.
// delta carries the newly produced token ids for seqIndex; text
// detokenization is an external collaborator's job. usage is non-nil
// only on the call that carries a terminal reason.
type OnToken func(seqIndex int, delta []int32, reason sequence.FinishReason, usage *Usage) bool

// IsLive is the optional liveness predicate polled from the scheduler
// thread; implementations must be cheap, since it is called every step.
type IsLive func() bool

// Request is the admitted unit of work.
type Request struct {
	ID        string
	Arrival   time.Time
	Priority  Priority
	N         int // target fan-out, number of sibling sequences
	Prompt    []int32
	Capacity  int
	Sampling  sequence.SamplingParams
	Stop      sequence.StoppingCriteria
	Echo      bool
	OnToken   OnToken
	IsLive    IsLive

	Sequences []*sequence.Sequence

	blockSize int
	nextSeqID func() int64
}

// New constructs a Request with its first sequence already created;
// remaining siblings (when N > 1) are expanded lazily once the first
// sequence's prompt KV is fully cached.
func New(id string, arrival time.Time, priority Priority, n int, prompt []int32, capacity int,
	sampling sequence.SamplingParams, stop sequence.StoppingCriteria, echo bool,
	onToken OnToken, isLive IsLive, blockSize int, nextSeqID func() int64) *Request {

	r := &Request{
		ID:        id,
		Arrival:   arrival,
		Priority:  priority,
		N:         n,
		Prompt:    prompt,
		Capacity:  capacity,
		Sampling:  sampling,
		Stop:      stop,
		Echo:      echo,
		OnToken:   onToken,
		IsLive:    isLive,
		blockSize: blockSize,
		nextSeqID: nextSeqID,
	}
	r.Sequences = append(r.Sequences, r.newSequence())
	return r
}

func (r *Request) newSequence() *sequence.Sequence {
	seq := sequence.New(r.nextSeqID(), r.Prompt, r.Capacity, r.Sampling, r.Stop, r.blockSize)
	seq.Echo = r.Echo
	return seq
}

// IsFinished reports whether every sibling sequence has finished.
func (r *Request) IsFinished() bool {
	for _, s := range r.Sequences {
		if !s.IsFinished() {
			return false
		}
	}
	return true
}

// IsCancelled reports whether the liveness predicate has failed or any
// sibling was cancelled.
func (r *Request) IsCancelled() bool {
	if r.IsLive != nil && !r.IsLive() {
		return true
	}
	for _, s := range r.Sequences {
		if s.FinishReason == sequence.FinishCancelled {
			return true
		}
	}
	return false
}

// NeedsSiblingExpansion reports whether fewer than N sequences exist
// yet and the first sequence's prompt is already fully cached.
func (r *Request) NeedsSiblingExpansion() bool {
	return len(r.Sequences) < r.N && len(r.Sequences) > 0 && r.Sequences[0].KVCached >= r.Sequences[0].P()
}

// ExpandSiblings clones the first sequence's prompt into the remaining
// N-1 sequences so they can share the prompt's cached blocks via the
// prefix cache on their next scheduling.
func (r *Request) ExpandSiblings() []*sequence.Sequence {
	var added []*sequence.Sequence
	for len(r.Sequences) < r.N {
		seq := r.newSequence()
		r.Sequences = append(r.Sequences, seq)
		added = append(added, seq)
	}
	return added
}

// MarkAllCancelled finishes every non-finished sibling as Cancelled.
func (r *Request) MarkAllCancelled() {
	for _, s := range r.Sequences {
		if !s.IsFinished() {
			s.MarkCancelled()
		}
	}
}

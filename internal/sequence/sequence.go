// Package sequence implements the per-generation state machine: prompt
// tokens, generated tokens, owned blocks, the kv_cached cursor,
// sampling/stopping parameters and the finish flag. A Sequence is
// mutated only by the scheduler goroutine between steps.
package sequence

import "github.com/inferloop/batchcore/internal/block"

// FinishReason is the terminal reason a sequence stopped generating.
type FinishReason int

const (
	FinishNone FinishReason = iota
	FinishStop
	FinishLength
	FinishCancelled
	// FinishFunctionCall marks a stop-sequence tagged as a tool-call
	// marker, evaluated in the same priority slot as ordinary
	// stop-sequence matching.
	FinishFunctionCall
)

func (r FinishReason) String() string {
	switch r {
	case FinishNone:
		return "none"
	case FinishStop:
		return "stop"
	case FinishLength:
		return "length"
	case FinishCancelled:
		return "cancelled"
	case FinishFunctionCall:
		return "function_call"
	default:
		return "unknown"
	}
}

// State is the observable lifecycle stage of a Sequence.
type State int

const (
	StatePending State = iota
	StatePrefill
	StateDecode
	StateFinished
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePrefill:
		return "prefill"
	case StateDecode:
		return "decode"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// StopSequence is one configured stop string, expressed in token ids
// since detokenization is an external collaborator's concern.
type StopSequence struct {
	Tokens []int32
	// IsFunctionCall marks this stop-sequence as a tool-call marker
	// rather than a plain stop string.
	IsFunctionCall bool
}

// StoppingCriteria holds the per-request stop configuration.
type StoppingCriteria struct {
	MaxNewTokens int
	// MaxContextLen enforces a decode-time cap on total sequence length
	// in addition to MaxNewTokens. Zero disables the check.
	MaxContextLen int
	EOSTokenID    int32
	IgnoreEOS     bool
	StopTokenIDs  map[int32]struct{}
	StopSequences []StopSequence
}

// SamplingParams holds per-sequence sampling parameters.
type SamplingParams struct {
	Temperature      float64
	TopP             float64
	TopK             int
	PresencePenalty  float64
	FrequencyPenalty float64
}

// Sequence is one generation stream belonging to a Request.
type Sequence struct {
	ID int64

	Prompt []int32 // immutable, length P
	Tokens []int32 // length T >= P, capacity pre-reserved
	Blocks []block.Block

	// KVCached counts tokens whose KV state is resident in Blocks.
	KVCached int
	// KVCachedDraft is a second, speculative-decoding draft cursor.
	// -1 means untracked: this core runs a single cursor.
	KVCachedDraft int

	Sampling SamplingParams
	Stop     StoppingCriteria

	FinishReason FinishReason
	// Echo includes the prompt text ahead of the first streamed delta.
	// Presentation only.
	Echo bool

	scheduled           bool
	cancelledByCallback bool
	blockSize           int
}

// New constructs a Sequence over prompt with room for capacity tokens
// total; callers should size capacity >= P + max_new_tokens + 1.
func New(id int64, prompt []int32, capacity int, sampling SamplingParams, stop StoppingCriteria, blockSize int) *Sequence {
	tokens := make([]int32, len(prompt), capacity)
	copy(tokens, prompt)
	promptCopy := make([]int32, len(prompt))
	copy(promptCopy, prompt)

	return &Sequence{
		ID:            id,
		Prompt:        promptCopy,
		Tokens:        tokens,
		KVCachedDraft: -1,
		Sampling:      sampling,
		Stop:          stop,
		blockSize:     blockSize,
	}
}

// P is the prompt length.
func (s *Sequence) P() int { return len(s.Prompt) }

// T is the total token count (prompt + generated so far).
func (s *Sequence) T() int { return len(s.Tokens) }

// Capacity is the pre-reserved buffer capacity.
func (s *Sequence) Capacity() int { return cap(s.Tokens) }

// NumCompletionTokens is T - P.
func (s *Sequence) NumCompletionTokens() int { return s.T() - s.P() }

// PromptTokenIDs returns the immutable prompt prefix.
func (s *Sequence) PromptTokenIDs() []int32 { return s.Prompt }

// CompletionTokenIDs returns the generated suffix.
func (s *Sequence) CompletionTokenIDs() []int32 { return s.Tokens[s.P():] }

// NumTokensToProcess is T - kv_cached; must be >= 1 to be scheduled.
func (s *Sequence) NumTokensToProcess() int { return s.T() - s.KVCached }

// TokensInKVCache returns the single-cursor kv_cached, or the minimum
// of the main/draft cursors when speculative decoding is in play.
func (s *Sequence) TokensInKVCache() int {
	if s.KVCachedDraft < 0 {
		return s.KVCached
	}
	if s.KVCachedDraft < s.KVCached {
		return s.KVCachedDraft
	}
	return s.KVCached
}

// IsPrefill reports whether kv_cached < P.
func (s *Sequence) IsPrefill() bool { return s.KVCached < s.P() }

// IsFinished reports whether a terminal finish reason has fired.
func (s *Sequence) IsFinished() bool { return s.FinishReason != FinishNone }

// State derives the observable lifecycle stage from KVCached,
// scheduling history and FinishReason.
func (s *Sequence) State() State {
	switch {
	case s.IsFinished():
		return StateFinished
	case !s.scheduled:
		return StatePending
	case s.IsPrefill():
		return StatePrefill
	default:
		return StateDecode
	}
}

// MarkScheduled records that this sequence has been placed in a batch
// at least once, exiting the Pending state.
func (s *Sequence) MarkScheduled() { s.scheduled = true }

// NumOwnedBlocks is len(Blocks).
func (s *Sequence) NumOwnedBlocks() int { return len(s.Blocks) }

// NumBlocksNeeded returns ceil(targetTokens / B).
func (s *Sequence) NumBlocksNeeded(targetTokens int) int {
	return (targetTokens + s.blockSize - 1) / s.blockSize
}

// BlockTokens returns the tokens covered by the i-th block's span over
// the sequence's full token buffer.
func (s *Sequence) BlockTokens(i int) []int32 {
	start := i * s.blockSize
	end := start + s.blockSize
	if end > len(s.Tokens) {
		end = len(s.Tokens)
	}
	if start > len(s.Tokens) {
		start = len(s.Tokens)
	}
	return s.Tokens[start:end]
}

// AppendToken records a sampled token, advances T, and re-evaluates
// the finish condition in a fixed predicate order: eos, then
// stop-token, then stop-sequence, then max_new_tokens, then
// max_context_len, then cancellation.
// Precondition: not finished, not in prefill.
func (s *Sequence) AppendToken(tok int32) {
	s.Tokens = append(s.Tokens, tok)
	s.evaluateFinish(tok)
}

// MarkCancelled sets FinishCancelled immediately; used by the
// scheduler when a streaming callback or liveness predicate reports
// cancellation at a step boundary.
func (s *Sequence) MarkCancelled() {
	if s.IsFinished() {
		return
	}
	s.cancelledByCallback = true
	s.FinishReason = FinishCancelled
}

// FlagCancelled records that a streaming callback asked to cancel
// without finishing the sequence immediately; the scheduler finalizes
// it at the next step boundary via MarkCancelled, matching the
// "returned false previously" wording of the stop-predicate order.
func (s *Sequence) FlagCancelled() {
	if !s.IsFinished() {
		s.cancelledByCallback = true
	}
}

// PendingCancellation reports whether FlagCancelled fired on a prior
// step and the sequence has not yet been finalized into Finished.
func (s *Sequence) PendingCancellation() bool {
	return s.cancelledByCallback && !s.IsFinished()
}

// Usage returns (prompt_tokens, completion_tokens, total_tokens).
// Meant to be read by callers only once a sequence has finished.
func (s *Sequence) Usage() (prompt, completion, total int) {
	return s.P(), s.NumCompletionTokens(), s.T()
}

func (s *Sequence) evaluateFinish(tok int32) {
	if s.IsFinished() {
		return
	}
	if !s.Stop.IgnoreEOS && tok == s.Stop.EOSTokenID {
		s.FinishReason = FinishStop
		return
	}
	if _, stop := s.Stop.StopTokenIDs[tok]; stop {
		s.FinishReason = FinishStop
		return
	}
	if ss, matched := s.matchStopSequence(); matched {
		if ss.IsFunctionCall {
			s.FinishReason = FinishFunctionCall
		} else {
			s.FinishReason = FinishStop
		}
		return
	}
	if s.NumCompletionTokens() >= s.Stop.MaxNewTokens {
		s.FinishReason = FinishLength
		return
	}
	if s.Stop.MaxContextLen > 0 && s.T() >= s.Stop.MaxContextLen {
		s.FinishReason = FinishLength
		return
	}
	if s.cancelledByCallback {
		s.FinishReason = FinishCancelled
	}
}

func (s *Sequence) matchStopSequence() (StopSequence, bool) {
	gen := s.CompletionTokenIDs()
	for _, ss := range s.Stop.StopSequences {
		if len(ss.Tokens) == 0 || len(ss.Tokens) > len(gen) {
			continue
		}
		if equalInt32(gen[len(gen)-len(ss.Tokens):], ss.Tokens) {
			return ss, true
		}
	}
	return StopSequence{}, false
}

func equalInt32(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package sequence

import "testing"

func newTestSequence(prompt []int32, maxNew int) *Sequence {
	stop := StoppingCriteria{MaxNewTokens: maxNew, EOSTokenID: 2}
	return New(1, prompt, len(prompt)+maxNew+1, SamplingParams{Temperature: 1}, stop, 4)
}

func TestNewSequenceInvariants(t *testing.T) {
	s := newTestSequence([]int32{1, 2, 3, 4, 5}, 10)
	if s.P() != 5 || s.T() != 5 {
		t.Fatalf("expected P=T=5, got P=%d T=%d", s.P(), s.T())
	}
	if s.NumCompletionTokens() != 0 {
		t.Fatalf("expected 0 completion tokens, got %d", s.NumCompletionTokens())
	}
	if s.State() != StatePending {
		t.Fatalf("expected Pending state, got %v", s.State())
	}
}

func TestAppendTokenAdvancesStateMachine(t *testing.T) {
	s := newTestSequence([]int32{1, 2, 3}, 3)
	s.MarkScheduled()
	s.KVCached = s.P()
	if s.State() != StateDecode {
		t.Fatalf("expected Decode once kv_cached==P, got %v", s.State())
	}

	s.AppendToken(5)
	if s.T() != 4 || s.NumCompletionTokens() != 1 {
		t.Fatalf("expected T=4, completion=1, got T=%d completion=%d", s.T(), s.NumCompletionTokens())
	}
	if s.IsFinished() {
		t.Fatalf("should not finish before eos/length/stop")
	}
}

// max_new_tokens=3: three appended tokens finish Length.
func TestLengthFinish(t *testing.T) {
	s := newTestSequence([]int32{1, 2, 3, 4, 5}, 3)
	s.KVCached = s.P()
	s.AppendToken(6)
	s.AppendToken(7)
	if s.IsFinished() {
		t.Fatalf("should not finish after 2 of 3 tokens")
	}
	s.AppendToken(8)
	if s.FinishReason != FinishLength {
		t.Fatalf("expected FinishLength after 3 tokens, got %v", s.FinishReason)
	}
}

func TestEOSFinish(t *testing.T) {
	s := newTestSequence([]int32{1, 2, 3}, 10)
	s.KVCached = s.P()
	s.AppendToken(2) // EOSTokenID
	if s.FinishReason != FinishStop {
		t.Fatalf("expected FinishStop on eos, got %v", s.FinishReason)
	}
}

func TestIgnoreEOS(t *testing.T) {
	stop := StoppingCriteria{MaxNewTokens: 10, EOSTokenID: 2, IgnoreEOS: true}
	s := New(1, []int32{1, 2, 3}, 16, SamplingParams{Temperature: 1}, stop, 4)
	s.KVCached = s.P()
	s.AppendToken(2)
	if s.IsFinished() {
		t.Fatalf("expected eos to be ignored")
	}
}

func TestStopSequenceFinish(t *testing.T) {
	stop := StoppingCriteria{
		MaxNewTokens: 10,
		EOSTokenID:   -1,
		StopSequences: []StopSequence{
			{Tokens: []int32{9, 9}},
		},
	}
	s := New(1, []int32{1, 2, 3}, 16, SamplingParams{Temperature: 1}, stop, 4)
	s.KVCached = s.P()
	s.AppendToken(5)
	s.AppendToken(9)
	s.AppendToken(9)
	if s.FinishReason != FinishStop {
		t.Fatalf("expected FinishStop on stop-sequence suffix match, got %v", s.FinishReason)
	}
}

func TestFunctionCallStopSequence(t *testing.T) {
	stop := StoppingCriteria{
		MaxNewTokens: 10,
		EOSTokenID:   -1,
		StopSequences: []StopSequence{
			{Tokens: []int32{42}, IsFunctionCall: true},
		},
	}
	s := New(1, []int32{1, 2, 3}, 16, SamplingParams{Temperature: 1}, stop, 4)
	s.KVCached = s.P()
	s.AppendToken(42)
	if s.FinishReason != FinishFunctionCall {
		t.Fatalf("expected FinishFunctionCall, got %v", s.FinishReason)
	}
}

func TestFinishPredicateOrderEOSBeforeLength(t *testing.T) {
	s := newTestSequence([]int32{1, 2, 3}, 1)
	s.KVCached = s.P()
	s.AppendToken(2) // both eos and would satisfy max_new_tokens=1
	if s.FinishReason != FinishStop {
		t.Fatalf("eos must win over length per the fixed predicate order, got %v", s.FinishReason)
	}
}

func TestMaxContextLenFinish(t *testing.T) {
	stop := StoppingCriteria{MaxNewTokens: 100, EOSTokenID: -1, MaxContextLen: 5}
	s := New(1, []int32{1, 2, 3}, 16, SamplingParams{Temperature: 1}, stop, 4)
	s.KVCached = s.P()
	s.AppendToken(10)
	if s.FinishReason != FinishNone {
		t.Fatalf("expected not finished at T=4 < MaxContextLen=5")
	}
	s.AppendToken(11)
	if s.FinishReason != FinishLength {
		t.Fatalf("expected FinishLength at T=MaxContextLen, got %v", s.FinishReason)
	}
}

func TestMarkCancelled(t *testing.T) {
	s := newTestSequence([]int32{1, 2, 3}, 10)
	s.MarkCancelled()
	if s.FinishReason != FinishCancelled {
		t.Fatalf("expected FinishCancelled, got %v", s.FinishReason)
	}
	// Idempotent / doesn't override an already-finished reason.
	s2 := newTestSequence([]int32{1, 2, 3}, 10)
	s2.KVCached = s2.P()
	s2.AppendToken(2)
	s2.MarkCancelled()
	if s2.FinishReason != FinishStop {
		t.Fatalf("MarkCancelled must not override an existing finish reason")
	}
}

func TestNumBlocksNeededAndBlockTokens(t *testing.T) {
	s := newTestSequence([]int32{0, 1, 2, 3, 4, 5, 6, 7, 8}, 10)
	if got := s.NumBlocksNeeded(s.T()); got != 3 {
		t.Fatalf("expected 3 blocks for 9 tokens at B=4, got %d", got)
	}
	if got := s.BlockTokens(0); len(got) != 4 {
		t.Fatalf("expected block 0 to have 4 tokens, got %d", len(got))
	}
	if got := s.BlockTokens(2); len(got) != 1 {
		t.Fatalf("expected last partial block to have 1 token, got %d", len(got))
	}
}

func TestTokensInKVCacheSingleCursor(t *testing.T) {
	s := newTestSequence([]int32{1, 2, 3}, 10)
	s.KVCached = 2
	if got := s.TokensInKVCache(); got != 2 {
		t.Fatalf("expected single-cursor passthrough, got %d", got)
	}
}

func TestTokensInKVCacheDualCursorMinimum(t *testing.T) {
	s := newTestSequence([]int32{1, 2, 3}, 10)
	s.KVCached = 3
	s.KVCachedDraft = 2
	if got := s.TokensInKVCache(); got != 2 {
		t.Fatalf("expected minimum of main/draft cursors, got %d", got)
	}
}

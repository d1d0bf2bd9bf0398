// Package mock provides Executor implementations with no real model
// backing them, for tests and the batchsim demo binary.
package mock

import (
	"context"

	"github.com/inferloop/batchcore/internal/modelinput"
)

// Deterministic returns a token derived only from the sampled logits
// position and the entry's index, so repeated runs over the same
// batch produce identical output without any hidden state.
type Deterministic struct {
	Vocab int64
}

// NewDeterministic builds a Deterministic executor with the given
// vocabulary size, used to keep generated ids in a plausible range.
func NewDeterministic(vocab int64) *Deterministic {
	if vocab <= 0 {
		vocab = 32000
	}
	return &Deterministic{Vocab: vocab}
}

func (d *Deterministic) Execute(_ context.Context, in *modelinput.ModelInput) (*modelinput.BatchOutput, error) {
	out := &modelinput.BatchOutput{TokenIDs: make([]int32, len(in.Sampling))}
	for i, entry := range in.Sampling {
		tok := (int64(entry.LastTokenIdx) + int64(i) + 1) % d.Vocab
		out.TokenIDs[i] = int32(tok)
	}
	return out, nil
}

func (d *Deterministic) ProfileMemory() (free, total uint64) {
	return 8 << 30, 16 << 30
}

// GreedyEcho replays the token immediately preceding the sampled
// position, shifted by one, so a sequence's output visibly tracks its
// own growing context instead of looking random; useful for
// demonstrating prefix-cache reuse and preemption without a real model.
type GreedyEcho struct {
	EOSTokenID int32
	EOSEvery   int // emit EOSTokenID once every EOSEvery calls per sequence slot, 0 disables
	calls      map[int]int
}

// NewGreedyEcho constructs a GreedyEcho executor. eosEvery == 0 never
// emits EOSTokenID on its own.
func NewGreedyEcho(eosTokenID int32, eosEvery int) *GreedyEcho {
	return &GreedyEcho{EOSTokenID: eosTokenID, EOSEvery: eosEvery, calls: make(map[int]int)}
}

func (g *GreedyEcho) Execute(_ context.Context, in *modelinput.ModelInput) (*modelinput.BatchOutput, error) {
	out := &modelinput.BatchOutput{TokenIDs: make([]int32, len(in.Sampling))}
	for i, entry := range in.Sampling {
		g.calls[i]++
		if g.EOSEvery > 0 && g.calls[i]%g.EOSEvery == 0 {
			out.TokenIDs[i] = g.EOSTokenID
			continue
		}
		last := in.TokenIDs[entry.LastTokenIdx]
		out.TokenIDs[i] = last + 1
	}
	return out, nil
}

func (g *GreedyEcho) ProfileMemory() (free, total uint64) {
	return 8 << 30, 16 << 30
}

package blockmanager

import (
	"testing"

	"github.com/inferloop/batchcore/internal/block"
	"github.com/inferloop/batchcore/internal/prefixcache"
	"github.com/inferloop/batchcore/internal/sequence"
)

const blockSize = 4

func newManager(n int) (*Manager, *block.Allocator, *prefixcache.Cache) {
	alloc := block.New(n, blockSize)
	cache := prefixcache.New(blockSize, nil)
	return New(alloc, cache, blockSize, true, nil), alloc, cache
}

func newSeq(id int64, prompt []int32) *sequence.Sequence {
	stop := sequence.StoppingCriteria{MaxNewTokens: 10, EOSTokenID: -1}
	return sequence.New(id, prompt, len(prompt)+16, sequence.SamplingParams{Temperature: 1}, stop, blockSize)
}

// B=4, fresh sequence with a 5-token prompt needs 2 blocks with no
// prior cache hit.
func TestAllocateForFreshSequence(t *testing.T) {
	m, alloc, _ := newManager(8)
	seq := newSeq(1, []int32{1, 2, 3, 4, 5})

	if err := m.AllocateFor(seq, seq.P()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq.NumOwnedBlocks() != 2 {
		t.Fatalf("expected 2 blocks owned, got %d", seq.NumOwnedBlocks())
	}
	if seq.KVCached != 0 {
		t.Fatalf("expected kv_cached 0 with no prior cache, got %d", seq.KVCached)
	}
	if alloc.FreeCount() != 6 {
		t.Fatalf("expected 6 free blocks remaining, got %d", alloc.FreeCount())
	}
}

// Release a finished sequence, then admit one sharing its first block;
// kv_cached should seed from the match.
func TestAllocateForReusesReleasedPrefix(t *testing.T) {
	m, _, _ := newManager(8)

	a := newSeq(1, []int32{1, 2, 3, 4, 5})
	if err := m.AllocateFor(a, a.P()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.AppendToken(6)
	a.KVCached = a.P() // pretend prefill completed up to P
	m.Release(a)

	b := newSeq(2, []int32{1, 2, 3, 4, 9, 10})
	if err := m.AllocateFor(b, b.P()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.KVCached != 4 {
		t.Fatalf("expected kv_cached seeded to 4 from the matched block, got %d", b.KVCached)
	}
	if b.NumOwnedBlocks() != 2 {
		t.Fatalf("expected 2 owned blocks (1 shared + 1 fresh), got %d", b.NumOwnedBlocks())
	}
}

// A prompt that fully matches a cached prefix gets kv_cached = P-1,
// not P.
func TestAllocateForEntirePromptMatchCornerCase(t *testing.T) {
	m, _, _ := newManager(8)

	a := newSeq(1, []int32{1, 2, 3, 4})
	if err := m.AllocateFor(a, a.P()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.KVCached = a.P()
	m.Release(a)

	b := newSeq(2, []int32{1, 2, 3, 4})
	if err := m.AllocateFor(b, b.P()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.KVCached != b.P()-1 {
		t.Fatalf("expected kv_cached = P-1 = %d, got %d", b.P()-1, b.KVCached)
	}
}

func TestAllocateForOutOfMemoryLeavesSequenceUntouched(t *testing.T) {
	m, _, _ := newManager(1)
	seq := newSeq(1, []int32{1, 2, 3, 4, 5, 6, 7, 8, 9})

	before := seq.NumOwnedBlocks()
	beforeKV := seq.KVCached
	err := m.AllocateFor(seq, seq.P())
	if err == nil {
		t.Fatalf("expected OutOfMemory error")
	}
	if seq.NumOwnedBlocks() != before || seq.KVCached != beforeKV {
		t.Fatalf("sequence must be untouched on failure (atomicity rule)")
	}
}

func TestReleaseReturnsBlocksAndCachesPrefix(t *testing.T) {
	m, alloc, cache := newManager(8)
	seq := newSeq(1, []int32{1, 2, 3, 4, 5, 6, 7, 8})
	if err := m.AllocateFor(seq, seq.P()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seq.KVCached = seq.P()

	m.Release(seq)
	if alloc.FreeCount() != 6 {
		t.Fatalf("expected only the 2 cached blocks to stay allocated (free=6), got free=%d", alloc.FreeCount())
	}
	if cache.NumCachedBlocks() != 2 {
		t.Fatalf("expected 2 blocks retained in prefix cache, got %d", cache.NumCachedBlocks())
	}
	if seq.NumOwnedBlocks() != 0 || seq.KVCached != 0 {
		t.Fatalf("expected sequence's own block/kv_cached state cleared")
	}
}

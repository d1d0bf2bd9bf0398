package prefixcache

import (
	"testing"

	"github.com/inferloop/batchcore/internal/block"
)

func makeBlocks(t *testing.T, alloc *block.Allocator, n int) []block.Block {
	t.Helper()
	blocks, err := alloc.Allocate(n)
	if err != nil {
		t.Fatalf("unexpected error allocating %d blocks: %v", n, err)
	}
	return blocks
}

func tokens(ids ...int32) []int32 { return ids }

func TestMatchEmptyCache(t *testing.T) {
	c := New(4, nil)
	if got := c.Match(tokens(1, 2, 3, 4)); len(got) != 0 {
		t.Fatalf("expected no match on empty cache, got %d blocks", len(got))
	}
}

func TestInsertThenMatch(t *testing.T) {
	alloc := block.New(8, 4)
	c := New(4, nil)

	blocks := makeBlocks(t, alloc, 2)
	inserted := c.Insert(tokens(1, 2, 3, 4, 5, 6, 7, 8), blocks)
	if inserted != 8 {
		t.Fatalf("expected 8 newly cached tokens, got %d", inserted)
	}
	if c.NumCachedBlocks() != 2 {
		t.Fatalf("expected 2 cached blocks, got %d", c.NumCachedBlocks())
	}

	matched := c.Match(tokens(1, 2, 3, 4, 5, 6, 7, 8))
	if len(matched) != 2 {
		t.Fatalf("expected 2 matched blocks, got %d", len(matched))
	}
	for _, b := range matched {
		b.Release()
	}
}

func TestMatchPartialBlockNotReused(t *testing.T) {
	alloc := block.New(8, 4)
	c := New(4, nil)
	blocks := makeBlocks(t, alloc, 2)
	c.Insert(tokens(1, 2, 3, 4, 5, 6, 7, 8), blocks)

	// Diverges inside the second block at a non-block-aligned offset.
	matched := c.Match(tokens(1, 2, 3, 4, 5, 6, 9, 9))
	if len(matched) != 1 {
		t.Fatalf("expected exactly 1 matched block (the first, unchanged), got %d", len(matched))
	}
	matched[0].Release()
}

// Scenario 6: insert X=[1,2,3,4,5,6,7,8], then Y=[1,2,3,4,9,10,11,12]
// (B=4): root gains one child [1,2,3,4] which itself gains two
// children [5,6,7,8] and [9,10,11,12]; total cached blocks = 3.
func TestInsertSplitScenario6(t *testing.T) {
	alloc := block.New(8, 4)
	c := New(4, nil)

	xBlocks := makeBlocks(t, alloc, 2)
	insertedX := c.Insert(tokens(1, 2, 3, 4, 5, 6, 7, 8), xBlocks)
	if insertedX != 8 {
		t.Fatalf("expected 8 tokens newly cached for X, got %d", insertedX)
	}

	yBlocks := makeBlocks(t, alloc, 2)
	insertedY := c.Insert(tokens(1, 2, 3, 4, 9, 10, 11, 12), yBlocks)
	if insertedY != 4 {
		t.Fatalf("expected 4 newly cached tokens for Y (only its second block is new), got %d", insertedY)
	}

	if got := c.NumCachedBlocks(); got != 3 {
		t.Fatalf("expected 3 total cached blocks after split, got %d", got)
	}
	// 3 nodes: [1,2,3,4], [5,6,7,8], [9,10,11,12]
	if got := c.NumNodes(); got != 3 {
		t.Fatalf("expected 3 live nodes, got %d", got)
	}

	m1 := c.Match(tokens(1, 2, 3, 4, 5, 6, 7, 8))
	if len(m1) != 2 {
		t.Fatalf("expected X still fully cached, got %d blocks", len(m1))
	}
	for _, b := range m1 {
		b.Release()
	}

	m2 := c.Match(tokens(1, 2, 3, 4, 9, 10, 11, 12))
	if len(m2) != 2 {
		t.Fatalf("expected Y still fully cached, got %d blocks", len(m2))
	}
	for _, b := range m2 {
		b.Release()
	}
}

func TestEvictSkipsSharedBlocks(t *testing.T) {
	alloc := block.New(8, 4)
	c := New(4, nil)
	blocks := makeBlocks(t, alloc, 1)
	pinned := blocks[0].Clone() // keep a live handle outside the cache
	c.Insert(tokens(1, 2, 3, 4), blocks)

	if got := c.Evict(1); got != 0 {
		t.Fatalf("expected 0 blocks evicted while shared, got %d", got)
	}
	if c.NumCachedBlocks() != 1 {
		t.Fatalf("shared block must remain cached, got %d cached blocks", c.NumCachedBlocks())
	}
	pinned.Release()

	if got := c.Evict(1); got != 1 {
		t.Fatalf("expected 1 block evicted once unshared, got %d", got)
	}
	if c.NumCachedBlocks() != 0 {
		t.Fatalf("expected 0 cached blocks after eviction, got %d", c.NumCachedBlocks())
	}
	if alloc.FreeCount() != 8 {
		t.Fatalf("expected evicted block returned to allocator, free=%d", alloc.FreeCount())
	}
}

func TestEvictLRUOrder(t *testing.T) {
	alloc := block.New(8, 4)
	c := New(4, nil)

	aBlocks := makeBlocks(t, alloc, 1)
	c.Insert(tokens(1, 2, 3, 4), aBlocks)
	bBlocks := makeBlocks(t, alloc, 1)
	c.Insert(tokens(5, 6, 7, 8), bBlocks)

	// Touch A to make it more recently used than B.
	m := c.Match(tokens(1, 2, 3, 4))
	for _, b := range m {
		b.Release()
	}

	c.Evict(1)
	if got := c.Match(tokens(5, 6, 7, 8)); len(got) != 0 {
		t.Fatalf("expected B (least recently used) to be evicted first")
	}
	if got := c.Match(tokens(1, 2, 3, 4)); len(got) != 1 {
		t.Fatalf("expected A (recently touched) to survive eviction")
	} else {
		got[0].Release()
	}
}

func TestEvictReinsertsParentAsLeaf(t *testing.T) {
	alloc := block.New(12, 4)
	c := New(4, nil)

	xBlocks := makeBlocks(t, alloc, 2)
	c.Insert(tokens(1, 2, 3, 4, 5, 6, 7, 8), xBlocks)
	yBlocks := makeBlocks(t, alloc, 2)
	c.Insert(tokens(1, 2, 3, 4, 9, 10, 11, 12), yBlocks)

	if got := c.NumNodes(); got != 3 {
		t.Fatalf("expected 3 nodes before eviction, got %d", got)
	}

	// Evict both leaves; the shared [1,2,3,4] parent should become a
	// leaf itself and then be evictable too. Only 3 blocks are cached
	// (Y's copy of the common block was released at insert), so asking
	// for 4 evicts all 3.
	evicted := c.Evict(4)
	if evicted != 3 {
		t.Fatalf("expected all 3 cached blocks evicted, got %d", evicted)
	}
	if got := c.NumCachedBlocks(); got != 0 {
		t.Fatalf("expected 0 cached blocks remaining, got %d", got)
	}
}

// Package blockmanager coordinates the prefix cache and the block
// allocator to satisfy a single sequence's block needs.
package blockmanager

import (
	"github.com/inferloop/batchcore/internal/batcherr"
	"github.com/inferloop/batchcore/internal/block"
	"github.com/inferloop/batchcore/internal/logging"
	"github.com/inferloop/batchcore/internal/prefixcache"
	"github.com/inferloop/batchcore/internal/sequence"
)

// Manager coordinates block.Allocator and prefixcache.Cache for the
// scheduler. All methods assume single-threaded, scheduler-only
// mutation.
type Manager struct {
	alloc             *block.Allocator
	cache             *prefixcache.Cache
	blockSize         int
	enablePrefixCache bool
	logger            logging.Logger
}

// New constructs a Manager over an existing allocator and cache.
func New(alloc *block.Allocator, cache *prefixcache.Cache, blockSize int, enablePrefixCache bool, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{alloc: alloc, cache: cache, blockSize: blockSize, enablePrefixCache: enablePrefixCache, logger: logger}
}

// Cache exposes the underlying prefix cache for metrics/testing.
func (m *Manager) Cache() *prefixcache.Cache { return m.cache }

// Allocator exposes the underlying allocator for metrics/testing.
func (m *Manager) Allocator() *block.Allocator { return m.alloc }

// AllocateFor grows seq's owned blocks to cover targetTokenCount,
// first consulting the prefix cache if seq owns no blocks yet, then
// allocating fresh blocks, evicting from the cache and retrying once
// on exhaustion. All-or-nothing: on error seq is left exactly as it
// was.
func (m *Manager) AllocateFor(seq *sequence.Sequence, targetTokenCount int) error {
	needed := seq.NumBlocksNeeded(targetTokenCount)
	owned := seq.NumOwnedBlocks()
	if owned >= needed {
		return nil
	}

	var matched []block.Block
	matchedKVCached := seq.KVCached
	firstAllocation := owned == 0

	if firstAllocation && m.enablePrefixCache {
		matched = m.cache.Match(seq.PromptTokenIDs())
		if len(matched) > 0 {
			matchedTokens := len(matched) * m.blockSize
			matchedKVCached = matchedTokens
			// Entire-prompt match corner case: the executor still needs
			// one token's worth of fresh logits, so rerun the last
			// prompt block.
			if matchedTokens == seq.P() {
				matchedKVCached = seq.P() - 1
			}
		}
	}

	additional := needed - (owned + len(matched))
	if additional < 0 {
		additional = 0
	}

	fresh, err := m.alloc.Allocate(additional)
	if err != nil {
		toEvict := additional - m.alloc.FreeCount()
		if toEvict > 0 && m.enablePrefixCache {
			evicted := m.cache.Evict(toEvict)
			m.logger.Debug("evicted blocks to satisfy allocation", "requested", toEvict, "evicted", evicted)
		}
		fresh, err = m.alloc.Allocate(additional)
		if err != nil {
			for _, b := range matched {
				b.Release()
			}
			return batcherr.Wrap(batcherr.OutOfMemory, "allocate_for: insufficient blocks after eviction", err)
		}
	}

	seq.Blocks = append(seq.Blocks, matched...)
	seq.Blocks = append(seq.Blocks, fresh...)
	if len(matched) > 0 {
		seq.KVCached = matchedKVCached
	}
	return nil
}

// HasSharedPrefixFullyCovering reports whether seq's matched shared
// blocks already span its entire prompt, the signal the scheduler uses
// to decide when to expand sibling sequences.
func (m *Manager) HasSharedPrefixFullyCovering(seq *sequence.Sequence) bool {
	shared := 0
	for _, b := range seq.Blocks {
		if !b.IsShared() {
			break
		}
		shared++
	}
	return seq.P() > 0 && shared*m.blockSize >= seq.P()
}

// Release inserts seq's currently cached prefix into the prefix cache
// and drops seq's block handles, returning unshared blocks to the
// free list.
func (m *Manager) Release(seq *sequence.Sequence) {
	cachedTokens := roundDown(seq.KVCached, m.blockSize)
	numCacheableBlocks := cachedTokens / m.blockSize

	if m.enablePrefixCache && numCacheableBlocks > 0 {
		tokens := append([]int32(nil), seq.Tokens[:cachedTokens]...)
		cloned := make([]block.Block, numCacheableBlocks)
		for i := 0; i < numCacheableBlocks; i++ {
			cloned[i] = seq.Blocks[i].Clone()
		}
		inserted := m.cache.Insert(tokens, cloned)
		m.logger.Debug("released sequence into prefix cache", "seq_id", seq.ID, "cached_tokens", cachedTokens, "newly_cached", inserted)
	}

	for _, b := range seq.Blocks {
		b.Release()
	}
	seq.Blocks = nil
	seq.KVCached = 0
}

func roundDown(n, b int) int {
	return (n / b) * b
}

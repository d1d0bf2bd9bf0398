// Package block implements the reference-counted KV-cache block and
// the free-list allocator that hands out physical block ids.
//
// A Block is a value type wrapping a shared ref count: cloning a Block
// bumps the count, releasing it drops the count, and the count
// reaching zero returns the physical id to the allocator's free list.
// Go has no destructor, so every acquisition site must pair with
// exactly one Release; blockmanager's AllocateFor releases staged
// handles explicitly on its error paths.
package block

import "github.com/cespare/xxhash/v2"

// Block is a handle to one physical KV-cache slab.
type Block struct {
	PhysicalID int
	Capacity   int // B, tokens per block
	// ContentHash fingerprints the block's token content once it is
	// full and immutable. Zero means "not yet sealed". Diagnostic
	// only: the prefix cache matches on token slices, not on this hash.
	ContentHash uint64

	refCount *int32
	free     func(physicalID int)
}

func newBlock(id, capacity int, free func(int)) Block {
	rc := int32(1)
	return Block{PhysicalID: id, Capacity: capacity, refCount: &rc, free: free}
}

// Clone returns a new handle to the same physical block with the
// shared ref count incremented.
func (b Block) Clone() Block {
	*b.refCount++
	return b
}

// Release decrements the shared ref count. When it reaches zero the
// physical id is returned to the allocator's free list. Calling
// Release on an already-released (zero-value) Block is a no-op.
func (b Block) Release() {
	if b.refCount == nil {
		return
	}
	*b.refCount--
	if *b.refCount == 0 && b.free != nil {
		b.free(b.PhysicalID)
	}
}

// RefCount returns the current shared reference count.
func (b Block) RefCount() int32 {
	if b.refCount == nil {
		return 0
	}
	return *b.refCount
}

// IsShared reports whether more than one handle currently references
// this physical block.
func (b Block) IsShared() bool {
	return b.RefCount() > 1
}

// Seal stamps the content hash for a full block's tokens. Nothing in
// this module calls it, so ContentHash stays zero unless a caller
// seals the block.
func (b *Block) Seal(tokens []int32, prefixHash uint64) uint64 {
	h := xxhash.New()
	if prefixHash != 0 {
		var buf [8]byte
		putUint64(buf[:], prefixHash)
		h.Write(buf[:])
	}
	for _, t := range tokens {
		var buf [4]byte
		putUint32(buf[:], uint32(t))
		h.Write(buf[:])
	}
	b.ContentHash = h.Sum64()
	return b.ContentHash
}

func putUint64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

func putUint32(buf []byte, v uint32) {
	for i := 0; i < 4; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

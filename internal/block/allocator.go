package block

import "fmt"

// ErrOutOfBlocks is returned by Allocate when fewer than the requested
// number of blocks are free. The allocator never partially allocates.
var ErrOutOfBlocks = fmt.Errorf("block: out of blocks")

// Allocator is a free-list over a fixed set of N physical blocks of
// capacity B tokens each.
type Allocator struct {
	capacity int // B
	total    int // N
	free     []int
	occupied []bool
}

// New constructs an allocator with n blocks of capacity blockSize,
// free list initialized to {0..n}.
func New(n, blockSize int) *Allocator {
	free := make([]int, n)
	for i := range free {
		free[i] = n - 1 - i // pop from the back, so ids come out ascending
	}
	return &Allocator{
		capacity: blockSize,
		total:    n,
		free:     free,
		occupied: make([]bool, n),
	}
}

// Total returns N, the fixed pool size.
func (a *Allocator) Total() int { return a.total }

// FreeCount returns the number of physical blocks currently available.
func (a *Allocator) FreeCount() int { return len(a.free) }

// Allocate returns k fresh blocks with RefCount 1, or ErrOutOfBlocks if
// FreeCount() < k. All-or-nothing: on failure no blocks are consumed.
func (a *Allocator) Allocate(k int) ([]Block, error) {
	if k < 0 {
		return nil, fmt.Errorf("block: negative allocation count %d", k)
	}
	if a.FreeCount() < k {
		return nil, ErrOutOfBlocks
	}
	out := make([]Block, k)
	for i := 0; i < k; i++ {
		id := a.pop()
		a.occupied[id] = true
		out[i] = newBlock(id, a.capacity, a.release)
	}
	return out, nil
}

func (a *Allocator) pop() int {
	n := len(a.free)
	id := a.free[n-1]
	a.free = a.free[:n-1]
	return id
}

func (a *Allocator) release(id int) {
	if !a.occupied[id] {
		panic(fmt.Sprintf("block: double free of physical id %d", id))
	}
	a.occupied[id] = false
	a.free = append(a.free, id)
}

// BlockSize returns B.
func (a *Allocator) BlockSize() int { return a.capacity }

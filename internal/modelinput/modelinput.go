// Package modelinput defines the packed, transient bundle the
// scheduler hands to an executor once per step, and the tokens that
// come back.
package modelinput

// SamplingEntry pairs one sequence's sampling parameters with the
// index into ModelInput.TokenIDs whose logits should be sampled.
type SamplingEntry struct {
	Temperature      float64
	TopP             float64
	TopK             int
	PresencePenalty  float64
	FrequencyPenalty float64
	LastTokenIdx     int32
}

// ModelInput is the packed representation consumed by the model
// executor for a single step. All slices are flattened across every
// sequence in the batch, laid out in the order sequences were added.
type ModelInput struct {
	// TokenIDs is the flattened set of tokens to process this step,
	// length Σ num_tokens_to_process(seq_i).
	TokenIDs []int32
	// Positions holds positions[k], the sequence-local index (0-based,
	// including the prompt) of TokenIDs[k] within its own sequence.
	Positions []int32
	// QCuLens is the cumulative per-sequence query length, length S+1,
	// starting at 0.
	QCuLens []int32
	// KVCuLens is the cumulative per-sequence full KV length (prompt +
	// generated so far), length S+1, starting at 0.
	KVCuLens []int32
	// NewCacheSlots holds, for each entry in TokenIDs, the flat KV slot
	// id (physical_id*B + offset_within_block) where its newly computed
	// KV state must be written.
	NewCacheSlots []int32
	// BlockTables is S x max_blocks, zero-padded; row i lists the
	// physical-ids of sequence i's owned blocks in order.
	BlockTables [][]int32
	// Sampling holds one entry per sequence in the batch, in the same
	// order as BlockTables' rows.
	Sampling []SamplingEntry
}

// NumSequences reports how many sequences this input packs.
func (m *ModelInput) NumSequences() int {
	if len(m.QCuLens) == 0 {
		return 0
	}
	return len(m.QCuLens) - 1
}

// BatchOutput is the executor's response: exactly one sampled token id
// per sequence slot in the corresponding ModelInput.
type BatchOutput struct {
	TokenIDs []int32
}

// Package executor defines the contract the scheduler drives once per
// step to turn a packed ModelInput into sampled tokens. Real
// implementations bind to a model runtime; this repository only
// consumes the interface (see the mock subpackage for test/demo
// implementations).
package executor

import (
	"context"

	"github.com/inferloop/batchcore/internal/modelinput"
)

// Executor runs one step of model inference over a packed batch.
// Implementations either return successfully or fail the process
// outright; the scheduler does not attempt in-process recovery from an
// executor error beyond surfacing it to the caller of Step.
type Executor interface {
	Execute(ctx context.Context, in *modelinput.ModelInput) (*modelinput.BatchOutput, error)

	// ProfileMemory reports free and total device memory, in bytes,
	// used only for tunable derivation (e.g. max_cache_size_bytes -> N)
	// outside the scheduler's hot path.
	ProfileMemory() (free, total uint64)
}

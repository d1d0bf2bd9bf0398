// Package admission validates and ingests requests on behalf of any
// number of concurrent producer goroutines, the only point where
// cross-thread interaction with the scheduler happens.
package admission

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/inferloop/batchcore/internal/batcherr"
	"github.com/inferloop/batchcore/internal/request"
	"github.com/inferloop/batchcore/internal/sequence"
)

// NewRequestParams is the external shape of an incoming request,
// before it has been assigned an id or validated.
type NewRequestParams struct {
	ID       string // optional; a uuid is generated when empty
	Priority request.Priority
	N        int
	Prompt   []int32
	Capacity int

	Sampling sequence.SamplingParams
	Stop     sequence.StoppingCriteria
	Echo     bool

	OnToken request.OnToken
	IsLive  request.IsLive
}

// Gate is a token-bucket limiter checked before the intake channel
// send, so a caller gets an AdmissionFull error immediately instead of
// only when the channel itself happens to be full.
type Gate struct {
	limiter *rate.Limiter
}

// NewGate builds a Gate allowing burst admissions immediately and then
// ratePerSecond sustained admissions thereafter. ratePerSecond <= 0
// disables the gate (always allows).
func NewGate(ratePerSecond float64, burst int) *Gate {
	if ratePerSecond <= 0 {
		return &Gate{limiter: rate.NewLimiter(rate.Inf, burst)}
	}
	return &Gate{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow reports whether a new admission may proceed right now.
func (g *Gate) Allow() bool { return g.limiter.Allow() }

// Surface is the in-process admission entry point: validate, assign an
// id, gate, and hand the resulting Request to the scheduler's intake
// channel.
type Surface struct {
	intake        chan *request.Request
	gate          *Gate
	blockSize     int
	maxContextLen int
	nextSeqID     func() int64
}

// NewSurface builds a Surface writing onto intake, an existing bounded
// channel owned by the scheduler. nextSeqID must be safe to call from
// any admitting goroutine (e.g. an atomic counter).
func NewSurface(intake chan *request.Request, gate *Gate, blockSize, maxContextLen int, nextSeqID func() int64) *Surface {
	return &Surface{intake: intake, gate: gate, blockSize: blockSize, maxContextLen: maxContextLen, nextSeqID: nextSeqID}
}

// Admit validates p, assigns defaults, and attempts to enqueue the
// resulting Request. Returns InvalidArgument for a malformed request,
// AdmissionFull if the gate or the intake channel rejects it.
func (s *Surface) Admit(p NewRequestParams) (*request.Request, error) {
	if err := validate(p, s.maxContextLen); err != nil {
		return nil, err
	}
	if s.gate != nil && !s.gate.Allow() {
		return nil, batcherr.New(batcherr.AdmissionFull, "admission: rate limit exceeded")
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	if p.N < 1 {
		p.N = 1
	}
	if p.Stop.MaxContextLen == 0 {
		p.Stop.MaxContextLen = s.maxContextLen
	}

	r := request.New(id, time.Now(), p.Priority, p.N, p.Prompt, p.Capacity,
		p.Sampling, p.Stop, p.Echo, p.OnToken, p.IsLive, s.blockSize, s.nextSeqID)

	select {
	case s.intake <- r:
		return r, nil
	default:
		return nil, batcherr.New(batcherr.AdmissionFull, "admission: intake channel full")
	}
}

func validate(p NewRequestParams, maxContextLen int) error {
	if len(p.Prompt) == 0 {
		return batcherr.New(batcherr.InvalidArgument, "admission: prompt must not be empty")
	}
	if maxContextLen > 0 && len(p.Prompt) > maxContextLen {
		return batcherr.New(batcherr.InvalidArgument, "admission: prompt exceeds max_context_len")
	}
	if p.Capacity < len(p.Prompt) {
		return batcherr.New(batcherr.InvalidArgument, "admission: capacity must be >= prompt length")
	}
	if p.N < 0 {
		return batcherr.New(batcherr.InvalidArgument, "admission: n must be >= 0")
	}
	if p.Sampling.Temperature < 0 {
		return batcherr.New(batcherr.InvalidArgument, "admission: temperature must be >= 0")
	}
	if p.Sampling.TopP < 0 || p.Sampling.TopP > 1 {
		return batcherr.New(batcherr.InvalidArgument, "admission: top_p must be in [0,1]")
	}
	if p.Sampling.TopK < 0 {
		return batcherr.New(batcherr.InvalidArgument, "admission: top_k must be >= 0")
	}
	return nil
}

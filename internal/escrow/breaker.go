package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// breakerState is the classic three-state circuit: closed passes calls
// through, open fails fast, half-open lets a few probes decide recovery.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrRuntimeUnavailable is returned without touching the network while the
// breaker is open. The orchestrator maps it to a transport-level refusal,
// so a dead runtime degrades to fast aborts instead of queued timeouts.
var ErrRuntimeUnavailable = errors.New("escrow runtime unavailable")

const (
	breakerTripAfter    = 5                // consecutive transport failures
	breakerOpenFor      = 20 * time.Second // open duration before probing
	breakerProbeAllowed = 2                // concurrent probes in half-open
)

// breaker guards the four runtime calls. Only transport errors count as
// failures; a reachable runtime refusing a wager (result.OK=false) is a
// healthy response.
type breaker struct {
	mu         sync.Mutex
	state      breakerState
	failures   int
	probes     int
	openedAt   time.Time
	generation uint64
	now        func() time.Time
}

func newBreaker() *breaker {
	return &breaker{now: time.Now}
}

// allow reports whether a call may proceed and returns the generation the
// outcome must be reported against.
func (b *breaker) allow() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return b.generation, true
	case breakerOpen:
		if b.now().Sub(b.openedAt) < breakerOpenFor {
			return b.generation, false
		}
		b.transition(breakerHalfOpen)
		b.probes = 1
		return b.generation, true
	default: // half-open
		if b.probes >= breakerProbeAllowed {
			return b.generation, false
		}
		b.probes++
		return b.generation, true
	}
}

// report records a call outcome. Outcomes from before the last state
// transition are ignored.
func (b *breaker) report(generation uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if generation != b.generation {
		return
	}

	if ok {
		b.failures = 0
		if b.state == breakerHalfOpen {
			b.transition(breakerClosed)
		}
		return
	}

	switch b.state {
	case breakerHalfOpen:
		b.transition(breakerOpen)
		b.openedAt = b.now()
	case breakerClosed:
		b.failures++
		if b.failures >= breakerTripAfter {
			b.transition(breakerOpen)
			b.openedAt = b.now()
		}
	}
}

func (b *breaker) transition(to breakerState) {
	if b.state == to {
		return
	}
	slog.Warn("escrow runtime breaker state change", "from", b.state.String(), "to", to.String())
	b.state = to
	b.generation++
	b.failures = 0
	b.probes = 0
}

// GuardedRuntime wraps a Runtime with the breaker. It satisfies Runtime
// itself, so the orchestrator stays oblivious.
type GuardedRuntime struct {
	inner   Runtime
	breaker *breaker
}

func NewGuardedRuntime(inner Runtime) *GuardedRuntime {
	return &GuardedRuntime{inner: inner, breaker: newBreaker()}
}

func (g *GuardedRuntime) call(fn func() (*RuntimeResult, error)) (*RuntimeResult, error) {
	gen, ok := g.breaker.allow()
	if !ok {
		return nil, ErrRuntimeUnavailable
	}
	result, err := fn()
	g.breaker.report(gen, err == nil)
	return result, err
}

func (g *GuardedRuntime) Preflight(ctx context.Context, walletIDs []string, amount int) (*RuntimeResult, error) {
	return g.call(func() (*RuntimeResult, error) { return g.inner.Preflight(ctx, walletIDs, amount) })
}

func (g *GuardedRuntime) LockStake(ctx context.Context, challengeID string, walletIDs []string, amount int) (*RuntimeResult, error) {
	return g.call(func() (*RuntimeResult, error) { return g.inner.LockStake(ctx, challengeID, walletIDs, amount) })
}

func (g *GuardedRuntime) Resolve(ctx context.Context, challengeID, winnerWalletID string, feeBps int) (*RuntimeResult, error) {
	return g.call(func() (*RuntimeResult, error) { return g.inner.Resolve(ctx, challengeID, winnerWalletID, feeBps) })
}

func (g *GuardedRuntime) Refund(ctx context.Context, challengeID string) (*RuntimeResult, error) {
	return g.call(func() (*RuntimeResult, error) { return g.inner.Refund(ctx, challengeID) })
}

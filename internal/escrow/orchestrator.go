package escrow

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wagerarena/gameserver/internal/challenge"
)

// Event is the challenge_escrow frame broadcast to clients and appended to
// the escrow event log.
type Event struct {
	Phase       string   `json:"phase"` // lock | resolve | refund
	ChallengeID string   `json:"challengeId"`
	OK          bool     `json:"ok"`
	Reason      string   `json:"reason,omitempty"`
	ReasonText  string   `json:"reasonText,omitempty"`
	TxHash      string   `json:"txHash,omitempty"`
	Fee         float64  `json:"fee,omitempty"`
	Payout      float64  `json:"payout,omitempty"`
	PlayerIDs   []string `json:"-"`
}

const (
	PhaseLock    = "lock"
	PhaseResolve = "resolve"
	PhaseRefund  = "refund"
)

// Hooks decouple the orchestrator from the gateway, the wallet directory,
// and persistence. Only the owner node of a challenge runs these.
type Hooks struct {
	// WalletOf resolves a player's wallet id; ok=false when none is bound.
	WalletOf func(playerID string) (string, bool)
	// HouseWallet resolves the configured house wallet. The virtual house
	// is never looked up as a player.
	HouseWallet func() string
	// DispatchChallenge forwards a (possibly gated) challenge event into
	// the normal dispatch pipeline.
	DispatchChallenge func(challenge.Event)
	// DispatchEscrow broadcasts a challenge_escrow frame.
	DispatchEscrow func(Event)
	// Abort force-declines the challenge and returns the resulting event.
	Abort func(challengeID, reason string) challenge.Event
	// Persist appends the event to the escrow_events table. Optional.
	Persist func(Event)
}

// Orchestrator serializes all escrow side effects on a single worker so
// per-challenge ordering holds, and the tick loop never blocks on the
// runtime.
type Orchestrator struct {
	runtime Runtime
	hooks   Hooks
	enabled bool
	feeBps  int

	mu     sync.Mutex
	locked map[string]bool

	pf preflightCache

	queue chan challenge.Event
	stop  chan struct{}
	wg    sync.WaitGroup
}

const (
	queueDepth       = 512
	preflightFresh   = 2500 * time.Millisecond
	defaultFeeBps    = 250
	workflowDeadline = 30 * time.Second
)

func NewOrchestrator(runtime Runtime, enabled bool, hooks Hooks) *Orchestrator {
	return &Orchestrator{
		runtime: runtime,
		hooks:   hooks,
		enabled: enabled,
		feeBps:  defaultFeeBps,
		locked:  make(map[string]bool),
		pf:      preflightCache{entries: make(map[string]*pfEntry)},
		queue:   make(chan challenge.Event, queueDepth),
		stop:    make(chan struct{}),
	}
}

// Start launches the worker loop.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case ev := <-o.queue:
				o.handle(ev)
			case <-o.stop:
				return
			}
		}
	}()
}

// Close drains nothing: in-flight escrow calls are idempotent by
// challenge id, so a restart re-settles cleanly.
func (o *Orchestrator) Close() {
	close(o.stop)
	o.wg.Wait()
}

// Submit enqueues a challenge event for escrow interposition. Overflow is
// logged and the event dispatched ungated so clients are never starved.
func (o *Orchestrator) Submit(ev challenge.Event) {
	select {
	case o.queue <- ev:
	default:
		slog.Warn("escrow queue full, dispatching ungated", "event", ev.Event)
		o.hooks.DispatchChallenge(ev)
	}
}

// handle applies the workflow for one state event. Synchronous; called
// only from the worker goroutine (or directly from tests).
func (o *Orchestrator) handle(ev challenge.Event) {
	c := ev.Challenge
	if c == nil || c.Wager <= 0 || !o.enabled {
		o.hooks.DispatchChallenge(ev)
		return
	}

	switch ev.Event {
	case challenge.EventAccepted:
		o.handleAccepted(ev)
	case challenge.EventResolved:
		o.handleResolved(ev)
	case challenge.EventDeclined, challenge.EventExpired:
		o.hooks.DispatchChallenge(ev)
		o.refundIfLocked(c.ID, ev.Challenge.Participants())
	default:
		o.hooks.DispatchChallenge(ev)
	}
}

func (o *Orchestrator) handleAccepted(ev challenge.Event) {
	c := ev.Challenge
	wallets, ok := o.participantWallets(c.ChallengerID, c.OpponentID)
	if !ok {
		abortEv := o.hooks.Abort(c.ID, challenge.ReasonWalletRequired)
		o.hooks.DispatchChallenge(abortEv)
		o.emit(Event{Phase: PhaseLock, ChallengeID: c.ID, OK: false, Reason: challenge.ReasonWalletRequired, PlayerIDs: c.Participants()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), workflowDeadline)
	defer cancel()

	result, err := o.CachedPreflight(ctx, wallets, c.Wager)
	if err != nil {
		o.failLock(ev, classifyTransport(err))
		return
	}
	if !result.OK {
		if result.Reason == ReasonWalletPolicyDisabled {
			// policy says no escrow for these wallets: play on without stakes
			o.hooks.DispatchChallenge(ev)
			return
		}
		o.failLock(ev, orReason(result.Reason, ReasonUnknownPrecheck))
		return
	}

	lock, err := o.runtime.LockStake(ctx, c.ID, wallets, c.Wager)
	if err != nil {
		o.failLock(ev, classifyTransport(err))
		return
	}
	if !lock.OK {
		o.failLock(ev, orReason(lock.Reason, ReasonOnchainExecutionError))
		return
	}

	o.mu.Lock()
	o.locked[c.ID] = true
	o.mu.Unlock()

	o.hooks.DispatchChallenge(ev)
	o.emit(Event{Phase: PhaseLock, ChallengeID: c.ID, OK: true, TxHash: lock.TxHash, PlayerIDs: c.Participants()})
}

func (o *Orchestrator) failLock(ev challenge.Event, reason string) {
	c := ev.Challenge
	abortEv := o.hooks.Abort(c.ID, reason)
	o.hooks.DispatchChallenge(abortEv)
	o.emit(Event{Phase: PhaseLock, ChallengeID: c.ID, OK: false, Reason: reason, ReasonText: ReasonText(reason), PlayerIDs: c.Participants()})
}

func (o *Orchestrator) handleResolved(ev challenge.Event) {
	c := ev.Challenge
	o.hooks.DispatchChallenge(ev)

	o.mu.Lock()
	wasLocked := o.locked[c.ID]
	o.mu.Unlock()

	if !wasLocked {
		o.emit(Event{Phase: PhaseResolve, ChallengeID: c.ID, OK: false, Reason: ReasonEscrowNotLocked, PlayerIDs: c.Participants()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), workflowDeadline)
	defer cancel()

	if c.WinnerID == nil {
		// draw: stakes go back
		o.refundIfLocked(c.ID, c.Participants())
		return
	}

	winnerWallet, ok := o.walletOf(*c.WinnerID)
	if !ok {
		o.emit(Event{Phase: PhaseResolve, ChallengeID: c.ID, OK: false, Reason: challenge.ReasonWalletRequired, PlayerIDs: c.Participants()})
		o.refundIfLocked(c.ID, c.Participants())
		return
	}

	result, err := o.runtime.Resolve(ctx, c.ID, winnerWallet, o.feeBps)
	if err != nil || !result.OK {
		reason := classifyTransport(err)
		if err == nil {
			reason = orReason(result.Reason, ReasonOnchainExecutionError)
		}
		o.emit(Event{Phase: PhaseResolve, ChallengeID: c.ID, OK: false, Reason: reason, PlayerIDs: c.Participants()})
		o.refundIfLocked(c.ID, c.Participants())
		return
	}

	o.mu.Lock()
	delete(o.locked, c.ID)
	o.mu.Unlock()

	o.emit(Event{Phase: PhaseResolve, ChallengeID: c.ID, OK: true, TxHash: result.TxHash, Fee: result.Fee, Payout: result.Payout, PlayerIDs: c.Participants()})
}

// refundIfLocked issues at most one refund per challenge id: consuming
// the lock entry makes replays no-ops and keeps the table bounded.
func (o *Orchestrator) refundIfLocked(id string, players []string) {
	o.mu.Lock()
	if !o.locked[id] {
		o.mu.Unlock()
		return
	}
	delete(o.locked, id)
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), workflowDeadline)
	defer cancel()

	result, err := o.runtime.Refund(ctx, id)
	switch {
	case err != nil:
		o.emit(Event{Phase: PhaseRefund, ChallengeID: id, OK: false, Reason: classifyTransport(err), PlayerIDs: players})
	case !result.OK:
		o.emit(Event{Phase: PhaseRefund, ChallengeID: id, OK: false, Reason: orReason(result.Reason, ReasonOnchainExecutionError), PlayerIDs: players})
	default:
		o.emit(Event{Phase: PhaseRefund, ChallengeID: id, OK: true, TxHash: result.TxHash, PlayerIDs: players})
	}
}

// Locked reports whether the challenge has an acknowledged stake lock.
func (o *Orchestrator) Locked(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.locked[id]
}

func (o *Orchestrator) emit(ev Event) {
	if o.hooks.Persist != nil {
		o.hooks.Persist(ev)
	}
	o.hooks.DispatchEscrow(ev)
}

func (o *Orchestrator) walletOf(playerID string) (string, bool) {
	if playerID == challenge.SystemHouse {
		w := o.hooks.HouseWallet()
		return w, w != ""
	}
	return o.hooks.WalletOf(playerID)
}

func (o *Orchestrator) participantWallets(ids ...string) ([]string, bool) {
	wallets := make([]string, 0, len(ids))
	for _, id := range ids {
		w, ok := o.walletOf(id)
		if !ok || w == "" {
			return nil, false
		}
		wallets = append(wallets, w)
	}
	return wallets, true
}

func orReason(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

// =============================================================================
// Preflight cache
// =============================================================================

type pfEntry struct {
	result *RuntimeResult
	err    error
	at     time.Time
	done   chan struct{}
}

type preflightCache struct {
	mu      sync.Mutex
	entries map[string]*pfEntry
}

// CachedPreflight coalesces concurrent preflights for the same wallet set
// and amount, and serves results for up to 2.5 s.
func (o *Orchestrator) CachedPreflight(ctx context.Context, walletIDs []string, amount int) (*RuntimeResult, error) {
	sorted := append([]string(nil), walletIDs...)
	sort.Strings(sorted)
	key := strings.Join(sorted, ",") + ":" + strconv.Itoa(amount)

	o.pf.mu.Lock()
	if entry, ok := o.pf.entries[key]; ok {
		o.pf.mu.Unlock()
		select {
		case <-entry.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if time.Since(entry.at) <= preflightFresh {
			return entry.result, entry.err
		}
		// stale: fall through and refresh
		o.pf.mu.Lock()
		if o.pf.entries[key] == entry {
			delete(o.pf.entries, key)
		}
	}

	entry := &pfEntry{done: make(chan struct{})}
	o.pf.entries[key] = entry
	o.pf.mu.Unlock()

	entry.result, entry.err = o.runtime.Preflight(ctx, walletIDs, amount)
	entry.at = time.Now()
	close(entry.done)

	if entry.err != nil {
		o.pf.mu.Lock()
		if o.pf.entries[key] == entry {
			delete(o.pf.entries, key)
		}
		o.pf.mu.Unlock()
	}
	return entry.result, entry.err
}

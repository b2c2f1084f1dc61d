package game

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wagerarena/gameserver/internal/challenge"
	"github.com/wagerarena/gameserver/internal/cluster"
	"github.com/wagerarena/gameserver/internal/config"
	"github.com/wagerarena/gameserver/internal/escrow"
	"github.com/wagerarena/gameserver/internal/metrics"
	"github.com/wagerarena/gameserver/internal/sim"
	"github.com/wagerarena/gameserver/internal/station"
)

// Client is one live session as the hub sees it. The gateway owns the
// socket; the hub only enqueues outbound frames and asks for kicks.
type Client interface {
	PlayerID() string
	Role() string
	DisplayName() string
	WalletID() string
	Enqueue(frame []byte) bool
	Kick(code int, reason string)
}

// Persister receives the durable side of the event stream. All methods are
// fire-and-forget from the hub's point of view.
type Persister interface {
	ChallengeEvent(ev challenge.Event)
	EscrowEvent(ev escrow.Event)
	ChallengeResult(c *challenge.Challenge)
}

// Hub is the composition root of one node: it owns the sim world, the
// local session table, the staged-input slots, and the dispatch pipeline.
// The tick loop is the sole writer of the world; session and bus tasks
// stage work through the hub's queues.
type Hub struct {
	cfg      *config.Config
	serverID string

	world      *sim.World
	prox       *sim.ProximityDetector
	challenges *challenge.Service
	stations   *station.Router
	registry   *station.Registry
	orch       *escrow.Orchestrator
	presence   *cluster.PresenceStore
	store      *cluster.ChallengeStore
	bus        *cluster.Bus
	metrics    *metrics.Metrics
	persist    Persister

	mu        sync.Mutex
	sessions  map[string]Client
	positions map[string][2]float64 // last tick's positions, readable off-loop
	cooldowns map[string]time.Time  // agent->human pair key -> last send
	remote    []cluster.PresenceEntry

	inputMu sync.Mutex
	inputs  map[string][2]float64
	ops     []func(*sim.World) // staged joins/leaves/teleports, applied on-tick

	lastPresence map[string]time.Time

	jobs chan func(context.Context)
	stop chan struct{}
	wg   sync.WaitGroup
}

// Deps carries everything the hub composes. All fields are required except
// Persist.
type Deps struct {
	Config     *config.Config
	World      *sim.World
	Proximity  *sim.ProximityDetector
	Challenges *challenge.Service
	Stations   *station.Router
	Registry   *station.Registry
	Orch       *escrow.Orchestrator
	Presence   *cluster.PresenceStore
	Store      *cluster.ChallengeStore
	Bus        *cluster.Bus
	Metrics    *metrics.Metrics
	Persist    Persister
}

func NewHub(d Deps) *Hub {
	h := &Hub{
		cfg:          d.Config,
		serverID:     d.Config.ServerInstanceID,
		world:        d.World,
		prox:         d.Proximity,
		challenges:   d.Challenges,
		stations:     d.Stations,
		registry:     d.Registry,
		orch:         d.Orch,
		presence:     d.Presence,
		store:        d.Store,
		bus:          d.Bus,
		metrics:      d.Metrics,
		persist:      d.Persist,
		sessions:     make(map[string]Client),
		positions:    make(map[string][2]float64),
		cooldowns:    make(map[string]time.Time),
		inputs:       make(map[string][2]float64),
		lastPresence: make(map[string]time.Time),
		jobs:         make(chan func(context.Context), 1024),
		stop:         make(chan struct{}),
	}
	return h
}

// Start wires the bus consumers, the store worker and the escrow worker.
// The tick loop and sweeper run via Run/RunSweeper.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.bus.SubscribePlayerDirect(ctx, h.onPlayerMessage); err != nil {
		return err
	}
	if err := h.bus.SubscribeChallengeCommands(ctx, h.onChallengeCommand); err != nil {
		return err
	}
	if err := h.bus.SubscribeAdminCommands(ctx, h.onAdminCommand); err != nil {
		return err
	}
	h.orch.Start()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case job := <-h.jobs:
				jctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				job(jctx)
				cancel()
			case <-h.stop:
				return
			}
		}
	}()
	return nil
}

// Close stops the workers. Sessions are closed by the gateway.
func (h *Hub) Close() {
	close(h.stop)
	h.orch.Close()
	h.bus.Close()
	h.wg.Wait()
}

// enqueueJob hands external I/O to the store worker so the tick loop never
// waits on the KV or the bus.
func (h *Hub) enqueueJob(job func(context.Context)) {
	select {
	case h.jobs <- job:
	default:
		slog.Warn("store job queue full, dropping job")
	}
}

// =============================================================================
// Session lifecycle
// =============================================================================

// AddSession registers the client and stages its sim join. A live session
// with the same id is kicked first, so one stable id maps to at most one
// session.
func (h *Hub) AddSession(c Client, preferred *[2]float64, spawnSection int) {
	h.mu.Lock()
	old, replaced := h.sessions[c.PlayerID()]
	h.sessions[c.PlayerID()] = c
	h.mu.Unlock()

	if replaced {
		old.Kick(4000, "replaced_by_reconnect")
	}

	h.metrics.SessionOpened()
	h.stageOp(func(w *sim.World) {
		w.Join(c.PlayerID(), preferred, spawnSection)
	})

	welcome := marshalFrame(welcomeFrame{
		Type:        FrameWelcome,
		PlayerID:    c.PlayerID(),
		Role:        c.Role(),
		DisplayName: c.DisplayName(),
		ServerID:    h.serverID,
	})
	c.Enqueue(welcome)
}

// RemoveSession drops the session, stages the sim leave, expires its
// pending challenges and removes its presence entry. The proximity exit
// toward survivors falls out of the next tick's diff.
func (h *Hub) RemoveSession(c Client) {
	id := c.PlayerID()

	h.mu.Lock()
	current, ok := h.sessions[id]
	if !ok || current != c {
		h.mu.Unlock()
		return // an older socket of a replaced session
	}
	delete(h.sessions, id)
	delete(h.positions, id)
	h.mu.Unlock()

	h.metrics.SessionClosed()
	h.stageOp(func(w *sim.World) { w.Leave(id) })

	h.inputMu.Lock()
	delete(h.inputs, id)
	h.inputMu.Unlock()

	for _, ev := range h.challenges.ClearDisconnected(id) {
		h.routeEvents([]challenge.Event{ev})
	}

	h.enqueueJob(func(ctx context.Context) {
		if err := h.presence.Remove(ctx, id); err != nil {
			slog.Warn("presence remove failed", "player", id, "error", err)
		}
	})

	h.mu.Lock()
	delete(h.lastPresence, id)
	h.mu.Unlock()
}

func (h *Hub) session(id string) (Client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.sessions[id]
	return c, ok
}

// Sessions returns the current session count.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// RecentChallenges serves history reads: the distributed ring when it has
// entries, the local bounded log otherwise.
func (h *Hub) RecentChallenges(ctx context.Context, limit int) []cluster.HistoryEntry {
	entries, err := h.store.RecentHistory(ctx, limit)
	if err == nil && len(entries) > 0 {
		return entries
	}
	local := h.challenges.RecentHistory(limit)
	out := make([]cluster.HistoryEntry, 0, len(local))
	for _, e := range local {
		out = append(out, cluster.HistoryEntry{
			At:        e.At,
			Event:     e.Event,
			Reason:    e.Reason,
			Challenge: marshalFrame(e.Challenge),
		})
	}
	return out
}

func (h *Hub) stageOp(op func(*sim.World)) {
	h.inputMu.Lock()
	h.ops = append(h.ops, op)
	h.inputMu.Unlock()
}

// =============================================================================
// Dispatch pipeline
// =============================================================================

// routeEvents feeds challenge events into escrow interposition where money
// is at stake, or straight to dispatch otherwise.
func (h *Hub) routeEvents(events []challenge.Event) {
	for _, ev := range events {
		if h.needsEscrow(ev) {
			h.orch.Submit(ev)
			continue
		}
		h.DispatchChallengeEvent(ev)
	}
}

func (h *Hub) needsEscrow(ev challenge.Event) bool {
	if ev.Challenge == nil || ev.Challenge.Wager <= 0 {
		return false
	}
	switch ev.Event {
	case challenge.EventAccepted, challenge.EventResolved, challenge.EventDeclined, challenge.EventExpired:
		return true
	}
	return false
}

// DispatchChallengeEvent delivers a challenge event to its recipients
// (local send or bus), broadcasts the feed frame to every local session,
// and mirrors the transition into the distributed store. Also the
// orchestrator's DispatchChallenge hook.
func (h *Hub) DispatchChallengeEvent(ev challenge.Event) {
	h.metrics.RecordChallengeEvent(ev.Event)
	if h.persist != nil {
		h.persist.ChallengeEvent(ev)
		if ev.Event == challenge.EventResolved && ev.Challenge != nil {
			h.persist.ChallengeResult(ev.Challenge)
		}
	}

	direct := marshalFrame(challengeFrame{Type: FrameChallenge, Event: ev.Event, Reason: ev.Reason, Challenge: ev.Challenge})
	for _, pid := range ev.To {
		h.sendToPlayer(pid, direct)
	}

	// guard failures are addressed to the actor only, not fed
	if ev.Challenge == nil {
		return
	}

	feed := marshalFrame(challengeFrame{Type: FrameFeed, Event: ev.Event, Reason: ev.Reason, Challenge: ev.Challenge.Redacted()})
	h.broadcast(feed)

	h.mirrorToStore(ev)
}

// DispatchEscrowEvent is the orchestrator's DispatchEscrow hook.
func (h *Hub) DispatchEscrowEvent(ev escrow.Event) {
	h.metrics.RecordEscrowPhase(ev.Phase, ev.OK)
	frame := marshalFrame(escrowFrame{Type: FrameEscrow, Event: ev})
	for _, pid := range ev.PlayerIDs {
		h.sendToPlayer(pid, frame)
	}
}

// AbortChallenge is the orchestrator's Abort hook.
func (h *Hub) AbortChallenge(id, reason string) challenge.Event {
	return h.challenges.Abort(id, reason)
}

// WalletFor resolves a player's wallet: local session first, then the
// cross-node presence entry. The orchestrator's WalletOf hook.
func (h *Hub) WalletFor(playerID string) (string, bool) {
	if c, ok := h.session(playerID); ok {
		w := c.WalletID()
		return w, w != ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	entry, err := h.presence.Get(ctx, playerID)
	if err != nil || entry.WalletID == "" {
		return "", false
	}
	return entry.WalletID, true
}

// mirrorToStore pushes the transition into the distributed meta, history
// ring and lock table, off the hot path.
func (h *Hub) mirrorToStore(ev challenge.Event) {
	c := ev.Challenge
	event := ev.Event
	reason := ev.Reason
	h.enqueueJob(func(ctx context.Context) {
		snapshot := string(marshalFrame(c))
		switch event {
		case challenge.EventCreated:
			err := h.store.RegisterChallenge(ctx, cluster.ChallengeMeta{
				ID:           c.ID,
				ChallengerID: c.ChallengerID,
				OpponentID:   c.OpponentID,
				Status:       string(c.Status),
				JSON:         snapshot,
			})
			if err != nil {
				slog.Warn("register challenge meta failed", "id", c.ID, "error", err)
			}
		default:
			if err := h.store.UpdateStatus(ctx, c.ID, string(c.Status), snapshot); err != nil {
				slog.Warn("update challenge meta failed", "id", c.ID, "error", err)
			}
		}

		if c.Status.Terminal() {
			h.store.ReleasePlayers(ctx, c.ID, c.Participants())
			entry := cluster.HistoryEntry{At: time.Now(), Event: event, Reason: reason, Challenge: marshalFrame(c)}
			if err := h.store.AppendHistory(ctx, entry); err != nil {
				slog.Warn("append history failed", "id", c.ID, "error", err)
			}
		}
	})
}

// sendToPlayer delivers to the local session if present, otherwise routes
// over the player-direct bus channel.
func (h *Hub) sendToPlayer(playerID string, frame []byte) {
	if frame == nil || playerID == challenge.SystemHouse {
		return
	}
	if c, ok := h.session(playerID); ok {
		c.Enqueue(frame)
		return
	}
	h.enqueueJob(func(ctx context.Context) {
		if err := h.bus.PublishToPlayer(ctx, playerID, frame); err != nil {
			slog.Warn("bus publish to player failed", "player", playerID, "error", err)
		}
		h.metrics.RecordBusMessage("player", "out")
	})
}

func (h *Hub) broadcast(frame []byte) {
	if frame == nil {
		return
	}
	h.mu.Lock()
	clients := make([]Client, 0, len(h.sessions))
	for _, c := range h.sessions {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.Enqueue(frame)
	}
}

// =============================================================================
// Bus consumers
// =============================================================================

func (h *Hub) onPlayerMessage(msg cluster.PlayerMessage) {
	h.metrics.RecordBusMessage("player", "in")
	if c, ok := h.session(msg.PlayerID); ok {
		c.Enqueue([]byte(msg.Payload))
	}
}

// onChallengeCommand applies a forwarded command; this node is the owner.
// The state machine's guards make replays and stale commands no-ops.
func (h *Hub) onChallengeCommand(cmd cluster.ChallengeCommand) {
	h.metrics.RecordBusMessage("challenge", "in")
	switch cmd.Type {
	case "challenge_response":
		h.routeEvents([]challenge.Event{h.challenges.Respond(cmd.ChallengeID, cmd.ActorID, cmd.Accept)})
	case "challenge_move":
		h.routeEvents([]challenge.Event{h.challenges.SubmitMove(cmd.ChallengeID, cmd.ActorID, cmd.Move)})
	case "challenge_counter":
		h.counterChallenge(cmd.ActorID, cmd.ChallengeID, cmd.Wager)
	default:
		slog.Warn("unknown forwarded challenge command", "type", cmd.Type)
	}
}

func (h *Hub) onAdminCommand(cmd cluster.AdminCommand) {
	h.metrics.RecordBusMessage("admin", "in")
	if cmd.Type != "admin_teleport" {
		return
	}
	h.stageOp(func(w *sim.World) { w.Teleport(cmd.PlayerID, cmd.X, cmd.Z) })
}

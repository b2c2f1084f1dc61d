package game

import (
	"context"
	"log/slog"
	"time"

	"github.com/wagerarena/gameserver/internal/challenge"
	"github.com/wagerarena/gameserver/internal/cluster"
	"github.com/wagerarena/gameserver/internal/sim"
	"github.com/wagerarena/gameserver/internal/station"
)

// Session-facing command handlers. Each runs on the calling session's
// goroutine; shared state is reached only through the challenge service's
// lock, the staged-input slots, and the hub's own mutex.

const lookupTimeout = 3 * time.Second

// Rejection reasons local to the gateway-side guards.
const (
	ReasonTargetNotFound  = "target_not_found"
	ReasonTargetNotNearby = "target_not_nearby"
	ReasonCooldownActive  = "cooldown_active"
)

// HandleInput stages a movement input. The tick loop applies it. With
// agent locomotion disabled by policy, agent inputs are forced to zero.
func (h *Hub) HandleInput(playerID string, moveX, moveZ float64) {
	if !h.cfg.AgentLocomotion {
		if c, ok := h.session(playerID); ok && c.Role() == "agent" {
			moveX, moveZ = 0, 0
		}
	}
	h.inputMu.Lock()
	h.inputs[playerID] = [2]float64{moveX, moveZ}
	h.inputMu.Unlock()
}

// Position returns the player's last ticked position.
func (h *Hub) Position(playerID string) (x, z float64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pos, ok := h.positions[playerID]
	return pos[0], pos[1], ok
}

// HandleChallengeSend validates proximity, presence and the agent->human
// cooldown, then mints the challenge and takes the distributed locks.
func (h *Hub) HandleChallengeSend(actor Client, targetID string, gt challenge.GameType, wager int) {
	actorID := actor.PlayerID()

	targetRole, targetKnown := h.roleOf(targetID)
	if !targetKnown {
		h.sendToPlayer(actorID, marshalFrame(challengeFrame{Type: FrameChallenge, Event: challenge.EventInvalid, Reason: ReasonTargetNotFound}))
		return
	}
	if !h.prox.Near(actorID, targetID) {
		h.sendToPlayer(actorID, marshalFrame(challengeFrame{Type: FrameChallenge, Event: challenge.EventInvalid, Reason: ReasonTargetNotNearby}))
		return
	}
	if actor.Role() == "agent" && targetRole == "human" && !h.cooldownReady(actorID, targetID) {
		h.sendToPlayer(actorID, marshalFrame(challengeFrame{Type: FrameChallenge, Event: challenge.EventInvalid, Reason: ReasonCooldownActive}))
		return
	}

	created := h.challenges.Create(actorID, targetID, gt, wager)
	if created.Challenge == nil {
		h.DispatchChallengeEvent(created)
		return
	}

	if !h.takeDistributedLocks(created.Challenge) {
		// roll back the local mint; nobody ever saw the created event
		h.challenges.Abort(created.Challenge.ID, challenge.ReasonPlayerBusy)
		h.sendToPlayer(actorID, marshalFrame(challengeFrame{Type: FrameChallenge, Event: challenge.EventBusy, Reason: challenge.ReasonPlayerBusy}))
		return
	}

	if actor.Role() == "agent" && targetRole == "human" {
		h.markCooldown(actorID, targetID)
	}
	h.routeEvents([]challenge.Event{created})
}

// takeDistributedLocks acquires cross-node player locks for a freshly
// minted challenge. Lock TTL rides the active-resolve window with margin.
func (h *Hub) takeDistributedLocks(c *challenge.Challenge) bool {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	ttl := h.cfg.PendingTimeout + h.cfg.ActiveResolve + 30*time.Second
	res, err := h.store.TryLockPlayers(ctx, c.ID, c.Participants(), ttl)
	if err != nil {
		// KV down: single-node semantics still hold via the local lock
		slog.Warn("distributed lock unavailable", "id", c.ID, "error", err)
		return true
	}
	return res.OK
}

// HandleChallengeResponse accepts or declines; commands for challenges
// owned elsewhere are forwarded over the bus.
func (h *Hub) HandleChallengeResponse(actorID, challengeID string, accept bool) {
	if _, ok := h.challenges.Get(challengeID); ok {
		h.routeEvents([]challenge.Event{h.challenges.Respond(challengeID, actorID, accept)})
		return
	}
	h.forwardOrReject(actorID, cluster.ChallengeCommand{
		Type:        "challenge_response",
		ChallengeID: challengeID,
		ActorID:     actorID,
		Accept:      accept,
	})
}

// HandleChallengeMove submits a move with the same forwarding behavior.
func (h *Hub) HandleChallengeMove(actorID, challengeID, move string) {
	if _, ok := h.challenges.Get(challengeID); ok {
		h.routeEvents([]challenge.Event{h.challenges.SubmitMove(challengeID, actorID, move)})
		return
	}
	h.forwardOrReject(actorID, cluster.ChallengeCommand{
		Type:        "challenge_move",
		ChallengeID: challengeID,
		ActorID:     actorID,
		Move:        move,
	})
}

// HandleChallengeCounter declines the original and mints a reversed
// challenge at the countered wager.
func (h *Hub) HandleChallengeCounter(actorID, challengeID string, wager int) {
	if _, ok := h.challenges.Get(challengeID); ok {
		h.counterChallenge(actorID, challengeID, wager)
		return
	}
	h.forwardOrReject(actorID, cluster.ChallengeCommand{
		Type:        "challenge_counter",
		ChallengeID: challengeID,
		ActorID:     actorID,
		Wager:       wager,
	})
}

func (h *Hub) counterChallenge(actorID, challengeID string, wager int) {
	original, ok := h.challenges.Get(challengeID)
	if !ok {
		h.sendToPlayer(actorID, marshalFrame(challengeFrame{Type: FrameChallenge, Event: challenge.EventInvalid, Reason: challenge.ReasonNotFound}))
		return
	}
	declined := h.challenges.Respond(challengeID, actorID, false)
	h.routeEvents([]challenge.Event{declined})
	if declined.Challenge == nil {
		return // guard failure; nothing was declined
	}

	// free the distributed locks before minting the reversed challenge, or
	// the new lock attempt races the async release
	rctx, rcancel := context.WithTimeout(context.Background(), lookupTimeout)
	h.store.ReleasePlayers(rctx, challengeID, declined.Challenge.Participants())
	rcancel()

	created := h.challenges.Create(actorID, original.ChallengerID, original.GameType, wager)
	if created.Challenge == nil {
		h.DispatchChallengeEvent(created)
		return
	}
	if !h.takeDistributedLocks(created.Challenge) {
		h.challenges.Abort(created.Challenge.ID, challenge.ReasonPlayerBusy)
		h.sendToPlayer(actorID, marshalFrame(challengeFrame{Type: FrameChallenge, Event: challenge.EventBusy, Reason: challenge.ReasonPlayerBusy}))
		return
	}
	h.routeEvents([]challenge.Event{created})
}

// forwardOrReject looks up the challenge owner and relays the command, or
// tells the actor the challenge does not exist.
func (h *Hub) forwardOrReject(actorID string, cmd cluster.ChallengeCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	owner, err := h.store.GetOwnerServerID(ctx, cmd.ChallengeID)
	if err != nil || owner == "" {
		h.sendToPlayer(actorID, marshalFrame(challengeFrame{Type: FrameChallenge, Event: challenge.EventInvalid, Reason: challenge.ReasonNotFound}))
		return
	}
	if owner == h.serverID {
		// meta says it is ours but local state disagrees: it already expired
		h.sendToPlayer(actorID, marshalFrame(challengeFrame{Type: FrameChallenge, Event: challenge.EventInvalid, Reason: challenge.ReasonNotFound}))
		return
	}
	if err := h.bus.ForwardChallengeCommand(ctx, owner, cmd); err != nil {
		slog.Warn("forward challenge command failed", "id", cmd.ChallengeID, "owner", owner, "error", err)
	}
	h.metrics.RecordBusMessage("challenge", "out")
}

// HandleStationInteract routes one station_interact message, returning the
// station_ui frame to the actor and feeding any minted challenge events
// through the pipeline.
func (h *Hub) HandleStationInteract(actor Client, stationID, action string, wager int, pick, playerSeed string) {
	if !h.cfg.StationPluginRouter {
		actor.Enqueue(marshalFrame(stationFrame{Type: FrameStationUI, StationID: stationID,
			View: station.View{State: station.StateDealerError, Reason: station.ReasonDisabled}}))
		return
	}
	actorID := actor.PlayerID()
	x, z, ok := h.Position(actorID)
	if !ok {
		actor.Enqueue(marshalFrame(stationFrame{Type: FrameStationUI, StationID: stationID,
			View: station.View{State: station.StateDealerError, Reason: station.ReasonNotNearStation}}))
		return
	}

	out := h.stations.Interact(station.Interaction{
		PlayerID:   actorID,
		X:          x,
		Z:          z,
		StationID:  stationID,
		Action:     action,
		Wager:      wager,
		Pick:       pick,
		PlayerSeed: playerSeed,
	})

	actor.Enqueue(marshalFrame(stationFrame{Type: FrameStationUI, StationID: stationID, View: out.View}))

	switch out.View.State {
	case station.StateDealerReady:
		actor.Enqueue(marshalFrame(fairFrame{
			Type:       FrameProvablyFair,
			Phase:      "commit",
			CommitHash: out.View.CommitHash,
			Method:     out.View.Method,
		}))
	case station.StateDealerReveal:
		actor.Enqueue(marshalFrame(fairFrame{
			Type:        FrameProvablyFair,
			Phase:       "reveal",
			ChallengeID: out.View.ChallengeID,
			CommitHash:  out.View.CommitHash,
			HouseSeed:   out.View.RevealSeed,
			Method:      out.View.Method,
		}))
	}

	h.routeEvents(out.Events)
}

// Teleport moves a local player or forwards the command to the node owning
// the session. Returns false when the player exists nowhere.
func (h *Hub) Teleport(playerID string, x, z float64) bool {
	if _, ok := h.session(playerID); ok {
		h.stageOp(func(w *sim.World) { w.Teleport(playerID, x, z) })
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	entry, err := h.presence.Get(ctx, playerID)
	if err != nil {
		return false
	}
	cmd := cluster.AdminCommand{Type: "admin_teleport", PlayerID: playerID, X: x, Z: z}
	if err := h.bus.ForwardAdminCommand(ctx, entry.OwnerServerID, cmd); err != nil {
		slog.Warn("forward teleport failed", "player", playerID, "error", err)
		return false
	}
	h.metrics.RecordBusMessage("admin", "out")
	return true
}

// roleOf resolves a player's role: local session, then remote presence.
func (h *Hub) roleOf(playerID string) (string, bool) {
	if c, ok := h.session(playerID); ok {
		return c.Role(), true
	}
	h.mu.Lock()
	for _, entry := range h.remote {
		if entry.PlayerID == playerID {
			h.mu.Unlock()
			return entry.Role, true
		}
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	entry, err := h.presence.Get(ctx, playerID)
	if err != nil {
		return "", false
	}
	return entry.Role, true
}

func (h *Hub) cooldownReady(actorID, targetID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	last, ok := h.cooldowns[actorID+"|"+targetID]
	return !ok || time.Since(last) >= h.cfg.AgentHumanCooldown
}

func (h *Hub) markCooldown(actorID, targetID string) {
	h.mu.Lock()
	h.cooldowns[actorID+"|"+targetID] = time.Now()
	h.mu.Unlock()
}

// applyStaged runs the queued joins/leaves/teleports and copies the input
// slots into the world. Called only from the tick loop.
func (h *Hub) applyStaged() {
	h.inputMu.Lock()
	ops := h.ops
	h.ops = nil
	inputs := make(map[string][2]float64, len(h.inputs))
	for id, in := range h.inputs {
		inputs[id] = in
	}
	h.inputMu.Unlock()

	for _, op := range ops {
		op(h.world)
	}
	for id, in := range inputs {
		h.world.SetInput(id, in[0], in[1])
	}
}

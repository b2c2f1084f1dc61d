package game

import (
	"context"
	"log/slog"
	"time"

	"github.com/wagerarena/gameserver/internal/cluster"
	"github.com/wagerarena/gameserver/internal/sim"
)

const (
	presenceWriteMin  = 500 * time.Millisecond
	remoteRefreshMin  = 500 * time.Millisecond
	remoteStaleCutoff = 10 * time.Second
)

// Run drives the 20 Hz tick loop until the context is cancelled. This
// goroutine is the only writer of the sim world; everything external is
// staged in or queued out.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second / sim.TickRate)
	defer ticker.Stop()

	var lastHeartbeat, lastRemote time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		started := time.Now()

		h.applyStaged()
		snap := h.world.Step(sim.TickDT)

		h.routeEvents(h.challenges.Tick(started))
		h.stations.Tick(started)

		local := h.localViews(snap)
		remote := h.remoteViews(local)

		h.updatePositions(local)
		h.emitProximity(local, remote)
		h.writePresence(started, local)

		if started.Sub(lastHeartbeat) >= presenceWriteMin {
			lastHeartbeat = started
			h.enqueueJob(func(jctx context.Context) {
				if err := h.presence.HeartbeatServer(jctx); err != nil {
					slog.Warn("server heartbeat failed", "error", err)
				}
			})
		}
		if started.Sub(lastRemote) >= remoteRefreshMin {
			lastRemote = started
			h.refreshRemote()
		}

		h.broadcast(marshalFrame(snapshotFrame{
			Type:     FrameSnapshot,
			Tick:     snap.Tick,
			Players:  append(local, remote...),
			Stations: h.registry.All(),
		}))

		h.metrics.ObserveTick(time.Since(started).Seconds())
	}
}

// localViews decorates sim entities with session metadata.
func (h *Hub) localViews(snap sim.Snapshot) []PlayerView {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]PlayerView, 0, len(snap.Players))
	for _, e := range snap.Players {
		view := PlayerView{
			ID:    e.ID,
			X:     e.X,
			Y:     sim.PresentY,
			Z:     e.Z,
			Yaw:   e.Yaw,
			Speed: e.Speed(),
		}
		if c, ok := h.sessions[e.ID]; ok {
			view.Role = c.Role()
			view.DisplayName = c.DisplayName()
			view.WalletID = c.WalletID()
		}
		out = append(out, view)
	}
	return out
}

// remoteViews converts the cached cross-node presence entries, skipping
// players simulated locally and entries past the staleness cutoff.
func (h *Hub) remoteViews(local []PlayerView) []PlayerView {
	localSet := make(map[string]bool, len(local))
	for _, v := range local {
		localSet[v.ID] = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]PlayerView, 0, len(h.remote))
	for _, e := range h.remote {
		if localSet[e.PlayerID] || e.OwnerServerID == h.serverID {
			continue
		}
		if time.Since(e.UpdatedAt) > remoteStaleCutoff {
			continue
		}
		out = append(out, PlayerView{
			ID:          e.PlayerID,
			X:           e.X,
			Y:           e.Y,
			Z:           e.Z,
			Yaw:         e.Yaw,
			Speed:       e.Speed,
			Role:        e.Role,
			DisplayName: e.DisplayName,
			WalletID:    e.WalletID,
		})
	}
	return out
}

func (h *Hub) updatePositions(local []PlayerView) {
	h.mu.Lock()
	for _, v := range local {
		h.positions[v.ID] = [2]float64{v.X, v.Z}
	}
	h.mu.Unlock()
}

// emitProximity diffs the merged participant set and delivers enter/exit
// frames to recipients with a local session.
func (h *Hub) emitProximity(local, remote []PlayerView) {
	points := make([]sim.Point, 0, len(local)+len(remote))
	for _, v := range local {
		points = append(points, sim.Point{ID: v.ID, Name: v.DisplayName, X: v.X, Z: v.Z})
	}
	for _, v := range remote {
		points = append(points, sim.Point{ID: v.ID, Name: v.DisplayName, X: v.X, Z: v.Z})
	}

	for _, ev := range h.prox.Update(points) {
		h.metrics.RecordProximity(ev.Event)
		if c, ok := h.session(ev.PlayerID); ok {
			c.Enqueue(marshalFrame(proximityFrame{
				Type:      FrameProximity,
				Event:     ev.Event,
				OtherID:   ev.OtherID,
				OtherName: ev.OtherName,
				Distance:  ev.Distance,
			}))
		}
	}
}

// writePresence upserts each local player's entry at most once per 500 ms.
func (h *Hub) writePresence(now time.Time, local []PlayerView) {
	h.mu.Lock()
	due := make([]PlayerView, 0, len(local))
	for _, v := range local {
		if now.Sub(h.lastPresence[v.ID]) >= presenceWriteMin {
			h.lastPresence[v.ID] = now
			due = append(due, v)
		}
	}
	h.mu.Unlock()

	for _, v := range due {
		entry := cluster.PresenceEntry{
			PlayerID:    v.ID,
			Role:        v.Role,
			DisplayName: v.DisplayName,
			WalletID:    v.WalletID,
			X:           v.X,
			Y:           v.Y,
			Z:           v.Z,
			Yaw:         v.Yaw,
			Speed:       v.Speed,
		}
		h.enqueueJob(func(jctx context.Context) {
			if err := h.presence.Upsert(jctx, entry); err != nil {
				slog.Warn("presence upsert failed", "player", entry.PlayerID, "error", err)
			}
		})
	}
}

// refreshRemote reloads the cross-node presence cache off the tick path.
func (h *Hub) refreshRemote() {
	h.enqueueJob(func(jctx context.Context) {
		entries, err := h.presence.List(jctx)
		if err != nil {
			slog.Warn("presence list failed", "error", err)
			return
		}
		h.mu.Lock()
		h.remote = entries
		h.mu.Unlock()
	})
}

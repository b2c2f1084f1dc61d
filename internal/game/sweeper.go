package game

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/wagerarena/gameserver/internal/challenge"
	"github.com/wagerarena/gameserver/internal/cluster"
)

const sweepInterval = 3 * time.Second

// RunSweeper expires challenges whose owner node died: a meta whose owner
// has no live heartbeat and has not been touched within the grace window
// is terminated cluster-wide so its players' locks free up.
func (h *Hub) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepOrphans(ctx)
		}
	}
}

func (h *Hub) sweepOrphans(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	live, err := h.presence.LiveServers(sctx)
	if err != nil {
		slog.Warn("sweeper: live servers unavailable", "error", err)
		return
	}
	liveSet := make(map[string]bool, len(live))
	for _, id := range live {
		liveSet[id] = true
	}

	metas, err := h.store.ListMetas(sctx)
	if err != nil {
		slog.Warn("sweeper: list metas failed", "error", err)
		return
	}

	now := time.Now()
	for _, meta := range metas {
		if terminalStatus(meta.Status) {
			continue
		}
		if liveSet[meta.OwnerServerID] {
			continue
		}
		if now.Sub(meta.UpdatedAt) < h.cfg.OrphanGrace {
			continue
		}
		h.expireOrphan(sctx, meta)
	}
}

// expireOrphan terminates one orphaned challenge: history, lock release,
// meta clear, and expired frames to both participants wherever they live.
func (h *Hub) expireOrphan(ctx context.Context, meta cluster.ChallengeMeta) {
	slog.Info("sweeper: expiring orphaned challenge",
		"id", meta.ID, "owner", meta.OwnerServerID, "status", meta.Status)

	expired := h.orphanSnapshot(meta)
	frame := marshalFrame(challengeFrame{
		Type:      FrameChallenge,
		Event:     challenge.EventExpired,
		Reason:    challenge.ReasonOwnerFailover,
		Challenge: expired,
	})

	entry := cluster.HistoryEntry{
		At:        time.Now(),
		Event:     challenge.EventExpired,
		Reason:    challenge.ReasonOwnerFailover,
		Challenge: marshalFrame(expired),
	}
	if err := h.store.AppendHistory(ctx, entry); err != nil {
		slog.Warn("sweeper: append history failed", "id", meta.ID, "error", err)
	}

	participants := []string{meta.ChallengerID, meta.OpponentID}
	h.store.ReleasePlayers(ctx, meta.ID, participants)
	if err := h.store.Clear(ctx, meta.ID); err != nil {
		slog.Warn("sweeper: clear meta failed", "id", meta.ID, "error", err)
	}

	for _, pid := range participants {
		if pid == "" || pid == challenge.SystemHouse {
			continue
		}
		if c, ok := h.session(pid); ok {
			c.Enqueue(frame)
			continue
		}
		if err := h.bus.PublishToPlayer(ctx, pid, frame); err != nil {
			slog.Warn("sweeper: publish expired failed", "player", pid, "error", err)
		}
	}
	h.metrics.RecordChallengeEvent(challenge.EventExpired)
}

// orphanSnapshot reconstructs the challenge from the stored snapshot, or a
// minimal record when the snapshot is unreadable, and marks it expired.
func (h *Hub) orphanSnapshot(meta cluster.ChallengeMeta) *challenge.Challenge {
	var c challenge.Challenge
	if meta.JSON == "" || json.Unmarshal([]byte(meta.JSON), &c) != nil {
		c = challenge.Challenge{
			ID:           meta.ID,
			ChallengerID: meta.ChallengerID,
			OpponentID:   meta.OpponentID,
		}
	}
	c.Status = challenge.StatusExpired
	return &c
}

func terminalStatus(status string) bool {
	return challenge.Status(status).Terminal()
}

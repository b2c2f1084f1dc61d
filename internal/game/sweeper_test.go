package game

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagerarena/gameserver/internal/challenge"
	"github.com/wagerarena/gameserver/internal/cluster"
)

func TestSweeperExpiresOrphanedChallenge(t *testing.T) {
	kv, ps := cluster.NewMemoryKV(), cluster.NewMemoryPubSub()
	h := newTestHub(t, "n1", kv, ps)
	h.cfg.OrphanGrace = 0
	ctx := context.Background()

	a := newFakeClient("u_a", "human")
	join(h, a, 0, 0)

	// a challenge registered by a node that will never heartbeat
	deadStore := cluster.NewChallengeStore(kv, "dead")
	require.NoError(t, deadStore.RegisterChallenge(ctx, cluster.ChallengeMeta{
		ID:           "c_dead_1",
		ChallengerID: "u_a",
		OpponentID:   "u_b",
		Status:       string(challenge.StatusPending),
	}))
	res, err := deadStore.TryLockPlayers(ctx, "c_dead_1", []string{"u_a", "u_b"}, time.Hour)
	require.NoError(t, err)
	require.True(t, res.OK)

	require.NoError(t, h.presence.HeartbeatServer(ctx))

	h.sweepOrphans(ctx)

	// meta is gone
	_, err = h.store.GetMeta(ctx, "c_dead_1")
	assert.ErrorIs(t, err, cluster.ErrNotFound)

	// locks are free again
	res, err = h.store.TryLockPlayers(ctx, "c_probe", []string{"u_a", "u_b"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.OK)

	// the local participant heard about it
	frame := a.waitForChallengeEvent(t, "expired")
	assert.Equal(t, challenge.ReasonOwnerFailover, frame["reason"])

	// and the ring recorded it
	entries, err := h.store.RecentHistory(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, challenge.ReasonOwnerFailover, entries[0].Reason)
}

func TestSweeperLeavesLiveOwnersAlone(t *testing.T) {
	kv, ps := cluster.NewMemoryKV(), cluster.NewMemoryPubSub()
	h := newTestHub(t, "n1", kv, ps)
	h.cfg.OrphanGrace = 0
	ctx := context.Background()

	require.NoError(t, h.store.RegisterChallenge(ctx, cluster.ChallengeMeta{
		ID:           "c_mine_1",
		ChallengerID: "u_a",
		OpponentID:   "u_b",
		Status:       string(challenge.StatusActive),
	}))
	require.NoError(t, h.presence.HeartbeatServer(ctx))

	h.sweepOrphans(ctx)

	meta, err := h.store.GetMeta(ctx, "c_mine_1")
	require.NoError(t, err)
	assert.Equal(t, string(challenge.StatusActive), meta.Status)
}

func TestSweeperSkipsTerminalMetas(t *testing.T) {
	kv, ps := cluster.NewMemoryKV(), cluster.NewMemoryPubSub()
	h := newTestHub(t, "n1", kv, ps)
	h.cfg.OrphanGrace = 0
	ctx := context.Background()

	deadStore := cluster.NewChallengeStore(kv, "dead")
	require.NoError(t, deadStore.RegisterChallenge(ctx, cluster.ChallengeMeta{
		ID:           "c_done_1",
		ChallengerID: "u_a",
		OpponentID:   "u_b",
		Status:       string(challenge.StatusResolved),
	}))
	require.NoError(t, h.presence.HeartbeatServer(ctx))

	h.sweepOrphans(ctx)

	// resolved metas are left for TTL cleanup, not force-expired
	meta, err := h.store.GetMeta(ctx, "c_done_1")
	require.NoError(t, err)
	assert.Equal(t, string(challenge.StatusResolved), meta.Status)

	entries, err := h.store.RecentHistory(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

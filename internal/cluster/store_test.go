package cluster

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndReadMeta(t *testing.T) {
	ctx := context.Background()
	s := NewChallengeStore(NewMemoryKV(), "n1")

	err := s.RegisterChallenge(ctx, ChallengeMeta{
		ID: "c_n1_1", ChallengerID: "a", OpponentID: "b", Status: "pending",
	})
	require.NoError(t, err)

	owner, err := s.GetOwnerServerID(ctx, "c_n1_1")
	require.NoError(t, err)
	assert.Equal(t, "n1", owner)

	require.NoError(t, s.UpdateStatus(ctx, "c_n1_1", "active", `{"id":"c_n1_1"}`))
	meta, err := s.GetMeta(ctx, "c_n1_1")
	require.NoError(t, err)
	assert.Equal(t, "active", meta.Status)
	assert.Equal(t, "n1", meta.OwnerServerID, "UpdateStatus must not change owner")

	metas, err := s.ListMetas(ctx)
	require.NoError(t, err)
	assert.Len(t, metas, 1)

	require.NoError(t, s.Clear(ctx, "c_n1_1"))
	_, err = s.GetMeta(ctx, "c_n1_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTryLockPlayersRollsBackOnConflict(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	s := NewChallengeStore(kv, "n1")

	res, err := s.TryLockPlayers(ctx, "c1", []string{"a", "b"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.OK)

	// b is taken; locking {b, c} must fail and must NOT leave c locked
	res, err = s.TryLockPlayers(ctx, "c2", []string{"c", "b"}, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "player_busy", res.Reason)

	res, err = s.TryLockPlayers(ctx, "c3", []string{"c"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.OK, "rolled-back lock must be reacquirable")
}

func TestReleasePlayersIsValueMatched(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	s := NewChallengeStore(kv, "n1")

	res, err := s.TryLockPlayers(ctx, "c1", []string{"a"}, time.Minute)
	require.NoError(t, err)
	require.True(t, res.OK)

	// releasing under the wrong challenge id leaves the lock in place
	s.ReleasePlayers(ctx, "c_other", []string{"a"})
	res, _ = s.TryLockPlayers(ctx, "c2", []string{"a"}, time.Minute)
	assert.False(t, res.OK)

	s.ReleasePlayers(ctx, "c1", []string{"a"})
	res, _ = s.TryLockPlayers(ctx, "c2", []string{"a"}, time.Minute)
	assert.True(t, res.OK)
}

func TestHouseIsNeverLockedDistributed(t *testing.T) {
	ctx := context.Background()
	s := NewChallengeStore(NewMemoryKV(), "n1")

	res, err := s.TryLockPlayers(ctx, "c1", []string{"a", "system_house"}, time.Minute)
	require.NoError(t, err)
	require.True(t, res.OK)

	res, err = s.TryLockPlayers(ctx, "c2", []string{"b", "system_house"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestLockTTLExpires(t *testing.T) {
	ctx := context.Background()
	s := NewChallengeStore(NewMemoryKV(), "n1")

	res, err := s.TryLockPlayers(ctx, "c1", []string{"a"}, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.OK)

	time.Sleep(25 * time.Millisecond)
	res, err = s.TryLockPlayers(ctx, "c2", []string{"a"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestHistoryRingBoundedNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewChallengeStore(NewMemoryKV(), "n1")

	for i := 0; i < HistoryRingMax+50; i++ {
		snap, _ := json.Marshal(map[string]int{"seq": i})
		require.NoError(t, s.AppendHistory(ctx, HistoryEntry{
			At: time.Now(), Event: "resolved", Challenge: snap,
		}))
	}

	entries, err := s.RecentHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 10)

	var first map[string]int
	require.NoError(t, json.Unmarshal(entries[0].Challenge, &first))
	assert.Equal(t, HistoryRingMax+49, first["seq"])

	all, err := s.RecentHistory(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, HistoryRingMax)
}

func TestPresenceUpsertListRemove(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	p := NewPresenceStore(kv, "n1", time.Minute)

	require.NoError(t, p.Upsert(ctx, PresenceEntry{PlayerID: "u_alice", Role: "human", DisplayName: "Alice", X: 1, Z: 2}))
	require.NoError(t, p.Upsert(ctx, PresenceEntry{PlayerID: "agent-1", Role: "agent", DisplayName: "Bot", X: 3, Z: 4}))

	entry, err := p.Get(ctx, "u_alice")
	require.NoError(t, err)
	assert.Equal(t, "n1", entry.OwnerServerID)
	assert.False(t, entry.UpdatedAt.IsZero())

	list, err := p.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, p.Remove(ctx, "u_alice"))
	_, err = p.Get(ctx, "u_alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPresenceTTLExpiry(t *testing.T) {
	ctx := context.Background()
	p := NewPresenceStore(NewMemoryKV(), "n1", 10*time.Millisecond)

	require.NoError(t, p.Upsert(ctx, PresenceEntry{PlayerID: "u_bob"}))
	time.Sleep(25 * time.Millisecond)

	list, err := p.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestServerHeartbeatAndLiveServers(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	p1 := NewPresenceStore(kv, "n1", 50*time.Millisecond)
	p2 := NewPresenceStore(kv, "n2", 50*time.Millisecond)

	require.NoError(t, p1.HeartbeatServer(ctx))
	require.NoError(t, p2.HeartbeatServer(ctx))

	live, err := p1.LiveServers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"n1", "n2"}, live)

	time.Sleep(70 * time.Millisecond)
	require.NoError(t, p1.HeartbeatServer(ctx))
	live, err = p1.LiveServers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, live)
}

package challenge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() (*Service, *time.Time) {
	s := NewService("n1", 30*time.Second, 60*time.Second)
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	return s, &now
}

func TestCreateLocksBothPlayers(t *testing.T) {
	s, _ := newTestService()

	ev := s.Create("a", "b", GameRPS, 2)
	require.Equal(t, EventCreated, ev.Event)
	require.NotNil(t, ev.Challenge)
	assert.Equal(t, StatusPending, ev.Challenge.Status)
	assert.ElementsMatch(t, []string{"a", "b"}, ev.To)

	_, locked := s.LockedInto("a")
	assert.True(t, locked)
	_, locked = s.LockedInto("b")
	assert.True(t, locked)

	busy := s.Create("a", "c", GameRPS, 0)
	assert.Equal(t, EventBusy, busy.Event)
	assert.Equal(t, ReasonPlayerBusy, busy.Reason)
	assert.Equal(t, []string{"a"}, busy.To)
}

func TestCreateGuards(t *testing.T) {
	s, _ := newTestService()

	self := s.Create("a", "a", GameRPS, 0)
	assert.Equal(t, EventInvalid, self.Event)
	assert.Equal(t, ReasonSelfChallenge, self.Reason)

	unknown := s.Create("a", "b", GameType("poker"), 0)
	assert.Equal(t, ReasonUnknownGame, unknown.Reason)

	clamped := s.Create("a", "b", GameRPS, 10001)
	require.Equal(t, EventCreated, clamped.Event)
	assert.Equal(t, WagerMax, clamped.Challenge.Wager)

	negative := s.Create("c", "d", GameRPS, -5)
	assert.Equal(t, 0, negative.Challenge.Wager)
}

func TestHouseIsNeverLocked(t *testing.T) {
	s, _ := newTestService()

	s.Create("a", SystemHouse, GameCoinflip, 3)
	ev := s.Create("b", SystemHouse, GameCoinflip, 3)
	assert.Equal(t, EventCreated, ev.Event, "house can be in many matches at once")
}

func TestChallengeIDsAreUniquePerPrefix(t *testing.T) {
	s, _ := newTestService()
	other := NewService("n2", time.Second, time.Second)

	ev1 := s.Create("a", "b", GameRPS, 0)
	ev2 := other.Create("a", "b", GameRPS, 0)
	assert.NotEqual(t, ev1.Challenge.ID, ev2.Challenge.ID)
	assert.Contains(t, ev1.Challenge.ID, "c_n1_")
	assert.Contains(t, ev2.Challenge.ID, "c_n2_")
}

func TestRespondOnlyOpponentWhilePending(t *testing.T) {
	s, _ := newTestService()
	id := s.Create("a", "b", GameRPS, 0).Challenge.ID

	notOpp := s.Respond(id, "a", true)
	assert.Equal(t, ReasonNotOpponent, notOpp.Reason)

	acc := s.Respond(id, "b", true)
	require.Equal(t, EventAccepted, acc.Event)
	assert.Equal(t, StatusActive, acc.Challenge.Status)
	require.NotNil(t, acc.Challenge.AcceptedAt)

	again := s.Respond(id, "b", true)
	assert.Equal(t, ReasonNotPending, again.Reason)
}

func TestDeclineUnlocksPlayers(t *testing.T) {
	s, _ := newTestService()
	id := s.Create("a", "b", GameRPS, 0).Challenge.ID

	dec := s.Respond(id, "b", false)
	require.Equal(t, EventDeclined, dec.Event)

	_, locked := s.LockedInto("a")
	assert.False(t, locked)
	ev := s.Create("a", "c", GameRPS, 0)
	assert.Equal(t, EventCreated, ev.Event)
}

func TestRPSResolution(t *testing.T) {
	cases := []struct {
		a, b   string
		winner string // "a", "b" or "" for draw
	}{
		{"rock", "scissors", "a"},
		{"scissors", "rock", "b"},
		{"paper", "rock", "a"},
		{"rock", "rock", ""},
	}
	for _, tc := range cases {
		s, _ := newTestService()
		id := s.Create("a", "b", GameRPS, 2).Challenge.ID
		s.Respond(id, "b", true)

		first := s.SubmitMove(id, "a", tc.a)
		assert.Equal(t, "move_submitted", first.Event)

		res := s.SubmitMove(id, "b", tc.b)
		require.Equal(t, EventResolved, res.Event, "%s vs %s", tc.a, tc.b)
		if tc.winner == "" {
			assert.Nil(t, res.Challenge.WinnerID)
		} else {
			require.NotNil(t, res.Challenge.WinnerID)
			assert.Equal(t, tc.winner, *res.Challenge.WinnerID)
		}
		// locks released on terminal state
		_, locked := s.LockedInto("a")
		assert.False(t, locked)
	}
}

func TestCoinflipUsesOverrideWhenInstalled(t *testing.T) {
	s, _ := newTestService()
	s.SetCoinSource(func() string { return "heads" })

	id := s.Create("a", "b", GameCoinflip, 1).Challenge.ID
	s.Respond(id, "b", true)
	s.SetCoinflipOverride(id, "tails")

	s.SubmitMove(id, "a", "heads")
	res := s.SubmitMove(id, "b", "tails")
	require.Equal(t, EventResolved, res.Event)
	assert.Equal(t, "tails", res.Challenge.CoinflipResult)
	require.NotNil(t, res.Challenge.WinnerID)
	assert.Equal(t, "b", *res.Challenge.WinnerID)
}

func TestCoinflipSameFaceIsDraw(t *testing.T) {
	s, _ := newTestService()
	s.SetCoinSource(func() string { return "heads" })

	id := s.Create("a", "b", GameCoinflip, 1).Challenge.ID
	s.Respond(id, "b", true)
	s.SubmitMove(id, "a", "heads")
	res := s.SubmitMove(id, "b", "heads")
	require.Equal(t, EventResolved, res.Event)
	assert.Nil(t, res.Challenge.WinnerID)
}

func TestDiceDuelDeterministicFromSeeds(t *testing.T) {
	s, _ := newTestService()
	id := s.Create("a", "b", GameDiceDuel, 1).Challenge.ID
	s.Respond(id, "b", true)
	s.AttachProvablyFair(id, ProvablyFair{CommitHash: CommitHash("houseseed"), PlayerSeed: "seed1", RevealSeed: "houseseed", Method: FairMethod})

	s.SubmitMove(id, "a", "3")
	res := s.SubmitMove(id, "b", "5")
	require.Equal(t, EventResolved, res.Event)

	want := ComputeDiceRoll("houseseed", "seed1", id)
	assert.Equal(t, want, res.Challenge.DiceResult)
	require.NotNil(t, res.Challenge.WinnerID)
	if DiceWinner(3, 5, want) {
		assert.Equal(t, "a", *res.Challenge.WinnerID)
	} else {
		assert.Equal(t, "b", *res.Challenge.WinnerID)
	}
}

func TestMoveOnNonActiveChallengeIsInvalid(t *testing.T) {
	s, _ := newTestService()
	id := s.Create("a", "b", GameRPS, 0).Challenge.ID

	ev := s.SubmitMove(id, "a", "rock")
	assert.Equal(t, EventInvalid, ev.Event)
	assert.Equal(t, ReasonNotActive, ev.Reason)
	assert.Equal(t, []string{"a"}, ev.To)

	missing := s.SubmitMove("c_n1_zzz", "a", "rock")
	assert.Equal(t, ReasonNotFound, missing.Reason)
}

func TestIllegalAndDuplicateMoves(t *testing.T) {
	s, _ := newTestService()
	id := s.Create("a", "b", GameRPS, 0).Challenge.ID
	s.Respond(id, "b", true)

	bad := s.SubmitMove(id, "a", "lizard")
	assert.Equal(t, ReasonIllegalMove, bad.Reason)

	s.SubmitMove(id, "a", "rock")
	dup := s.SubmitMove(id, "a", "paper")
	assert.Equal(t, ReasonMoveAlreadySet, dup.Reason)
}

func TestPendingExpiresExactlyAtDeadline(t *testing.T) {
	s, now := newTestService()
	created := s.Create("a", "b", GameRPS, 0)
	id := created.Challenge.ID

	events := s.Tick(created.Challenge.ExpiresAt.Add(-time.Millisecond))
	assert.Empty(t, events)

	events = s.Tick(created.Challenge.ExpiresAt)
	require.Len(t, events, 1)
	assert.Equal(t, EventExpired, events[0].Event)
	assert.Equal(t, ReasonTimeout, events[0].Reason)
	assert.Equal(t, id, events[0].Challenge.ID)

	_, locked := s.LockedInto("a")
	assert.False(t, locked)
	_ = now
}

func TestActiveTimeoutPicksTheMover(t *testing.T) {
	s, _ := newTestService()
	created := s.Create("a", "b", GameRPS, 1)
	id := created.Challenge.ID
	acc := s.Respond(id, "b", true)
	s.SubmitMove(id, "a", "rock")

	events := s.Tick(acc.Challenge.ExpiresAt)
	require.Len(t, events, 1)
	res := events[0]
	assert.Equal(t, EventResolved, res.Event)
	require.NotNil(t, res.Challenge.WinnerID)
	assert.Equal(t, "a", *res.Challenge.WinnerID)
}

func TestActiveTimeoutWithNoMovesIsDraw(t *testing.T) {
	s, _ := newTestService()
	id := s.Create("a", "b", GameRPS, 1).Challenge.ID
	acc := s.Respond(id, "b", true)

	events := s.Tick(acc.Challenge.ExpiresAt)
	require.Len(t, events, 1)
	assert.Equal(t, EventResolved, events[0].Event)
	assert.Equal(t, ReasonNoMoves, events[0].Reason)
	assert.Nil(t, events[0].Challenge.WinnerID)
}

func TestClearDisconnectedExpiresPendingOnly(t *testing.T) {
	s, _ := newTestService()
	id := s.Create("a", "b", GameRPS, 5).Challenge.ID

	events := s.ClearDisconnected("a")
	require.Len(t, events, 1)
	assert.Equal(t, EventExpired, events[0].Event)
	assert.Equal(t, ReasonPlayerDisconnected, events[0].Reason)
	assert.Equal(t, id, events[0].Challenge.ID)

	// active challenges are not cleared on disconnect
	id2 := s.Create("a", "b", GameRPS, 5).Challenge.ID
	s.Respond(id2, "b", true)
	assert.Empty(t, s.ClearDisconnected("a"))
}

func TestAbortDeclinesAndUnlocks(t *testing.T) {
	s, _ := newTestService()
	id := s.Create("a", "b", GameRPS, 5).Challenge.ID
	s.Respond(id, "b", true)

	ev := s.Abort(id, ReasonWalletRequired)
	require.Equal(t, EventDeclined, ev.Event)
	assert.Equal(t, ReasonWalletRequired, ev.Reason)
	_, locked := s.LockedInto("b")
	assert.False(t, locked)

	again := s.Abort(id, ReasonWalletRequired)
	assert.Equal(t, EventInvalid, again.Event)
}

func TestHistoryIsBoundedAndNewestFirst(t *testing.T) {
	s, _ := newTestService()
	for i := 0; i < 250; i++ {
		id := s.Create("a", "b", GameRPS, 0).Challenge.ID
		s.Respond(id, "b", false)
	}
	h := s.RecentHistory(10)
	require.Len(t, h, 10)
	assert.Equal(t, EventDeclined, h[0].Event)

	all := s.RecentHistory(0)
	assert.LessOrEqual(t, len(all), 400)
}

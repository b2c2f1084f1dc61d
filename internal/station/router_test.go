package station

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagerarena/gameserver/internal/challenge"
	"github.com/wagerarena/gameserver/internal/config"
)

const fixedSeed = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func testRouter(t *testing.T, preflight PreflightFunc, balance BalanceFunc) (*Router, *challenge.Service) {
	t.Helper()
	svc := challenge.NewService("n1", 30*time.Second, 60*time.Second)
	reg := NewRegistry(&config.WorldLayout{}, 6, true)
	r := NewRouter(reg, svc, preflight, balance)
	r.SetSeedSource(func() (string, error) { return fixedSeed, nil })
	return r, svc
}

func atStation(r *Router, t *testing.T, kind string) *Station {
	t.Helper()
	for _, s := range r.registry.All() {
		if s.Kind == kind {
			return s
		}
	}
	t.Fatalf("no station of kind %s", kind)
	return nil
}

func TestInteractRejectsUnknownStation(t *testing.T) {
	r, _ := testRouter(t, nil, nil)
	out := r.Interact(Interaction{PlayerID: "p1", StationID: "nope", Action: "start"})
	assert.Equal(t, StateDealerError, out.View.State)
	assert.Equal(t, ReasonUnknownStation, out.View.Reason)
}

func TestInteractRejectsWhenNotNearStation(t *testing.T) {
	r, _ := testRouter(t, nil, nil)
	st := atStation(r, t, KindDealerCoinflip)

	out := r.Interact(Interaction{PlayerID: "p1", X: st.X + 50, Z: st.Z, StationID: st.ID, Action: "start"})

	assert.Equal(t, StateDealerError, out.View.State)
	assert.Equal(t, ReasonNotNearStation, out.View.Reason)
}

func TestStartPublishesCommitment(t *testing.T) {
	r, _ := testRouter(t, nil, nil)
	st := atStation(r, t, KindDealerCoinflip)

	out := r.Interact(Interaction{PlayerID: "p1", X: st.X, Z: st.Z, StationID: st.ID, Action: "start", Wager: 3})

	assert.Equal(t, StateDealerReady, out.View.State)
	assert.Equal(t, challenge.CommitHash(fixedSeed), out.View.CommitHash)
	assert.Equal(t, challenge.FairMethod, out.View.Method)
	assert.Empty(t, out.View.RevealSeed)

	round, ok := r.PendingRound("p1")
	require.True(t, ok)
	assert.Equal(t, 3, round.Wager)
	assert.Equal(t, fixedSeed, round.HouseSeed)
}

func TestStartRunsPreflightForWageredRounds(t *testing.T) {
	calls := 0
	pf := func(playerID string, wager int) (bool, string, string) {
		calls++
		return false, "PLAYER_BALANCE_LOW", "Your balance does not cover this wager."
	}
	r, _ := testRouter(t, pf, nil)
	st := atStation(r, t, KindDealerCoinflip)

	out := r.Interact(Interaction{PlayerID: "p1", X: st.X, Z: st.Z, StationID: st.ID, Action: "start", Wager: 5})

	assert.Equal(t, StateDealerError, out.View.State)
	assert.Equal(t, "PLAYER_BALANCE_LOW", out.View.ReasonCode)
	assert.NotEmpty(t, out.View.ReasonText)
	assert.Equal(t, 1, calls)
	_, ok := r.PendingRound("p1")
	assert.False(t, ok)

	// zero-wager rounds skip preflight entirely
	out = r.Interact(Interaction{PlayerID: "p1", X: st.X, Z: st.Z, StationID: st.ID, Action: "start", Wager: 0})
	assert.Equal(t, StateDealerReady, out.View.State)
	assert.Equal(t, 1, calls)
}

func TestPickWithoutRoundFails(t *testing.T) {
	r, _ := testRouter(t, nil, nil)
	st := atStation(r, t, KindDealerCoinflip)

	out := r.Interact(Interaction{PlayerID: "p1", X: st.X, Z: st.Z, StationID: st.ID, Action: "pick", Pick: "heads"})

	assert.Equal(t, StateDealerError, out.View.State)
	assert.Equal(t, ReasonNoPendingRound, out.View.Reason)
}

func TestPickAfterTTLFails(t *testing.T) {
	r, svc := testRouter(t, nil, nil)
	st := atStation(r, t, KindDealerCoinflip)

	base := time.Now()
	clock := base
	r.SetClock(func() time.Time { return clock })
	svc.SetClock(func() time.Time { return clock })

	r.Interact(Interaction{PlayerID: "p1", X: st.X, Z: st.Z, StationID: st.ID, Action: "start"})
	clock = base.Add(roundTTL + time.Second)

	out := r.Interact(Interaction{PlayerID: "p1", X: st.X, Z: st.Z, StationID: st.ID, Action: "pick", Pick: "heads"})
	assert.Equal(t, ReasonRoundExpired, out.View.Reason)
}

func TestCoinflipPickIsDeterministicAndVerifiable(t *testing.T) {
	r, _ := testRouter(t, nil, nil)
	st := atStation(r, t, KindDealerCoinflip)
	at := Interaction{PlayerID: "p1", X: st.X, Z: st.Z, StationID: st.ID}

	start := at
	start.Action, start.Wager = "start", 3
	r.Interact(start)

	pick := at
	pick.Action, pick.Pick, pick.PlayerSeed = "pick", "heads", "seed1"
	out := r.Interact(pick)

	require.Equal(t, StateDealerReveal, out.View.State)
	require.NotEmpty(t, out.View.ChallengeID)

	// any observer can recompute the outcome from the revealed material
	assert.True(t, challenge.VerifyReveal(out.View.RevealSeed, out.View.CommitHash))
	expected := challenge.ComputeCoinflip(fixedSeed, "seed1", out.View.ChallengeID)
	assert.Equal(t, expected, out.View.Result)

	if expected == "heads" {
		assert.Equal(t, "p1", out.View.WinnerID)
		assert.Equal(t, 3, out.View.Delta)
	} else {
		assert.Equal(t, challenge.SystemHouse, out.View.WinnerID)
		assert.Equal(t, -3, out.View.Delta)
	}

	// the full event sequence went through the state machine
	names := make([]string, 0, len(out.Events))
	for _, ev := range out.Events {
		names = append(names, ev.Event)
	}
	assert.Contains(t, names, challenge.EventCreated)
	assert.Contains(t, names, challenge.EventAccepted)
	assert.Contains(t, names, challenge.EventResolved)
}

func TestCoinflipResolvedFrameCarriesFullFairBlock(t *testing.T) {
	r, svc := testRouter(t, nil, nil)
	st := atStation(r, t, KindDealerCoinflip)
	at := Interaction{PlayerID: "p1", X: st.X, Z: st.Z, StationID: st.ID}

	start := at
	start.Action = "start"
	r.Interact(start)
	pick := at
	pick.Action, pick.Pick, pick.PlayerSeed = "pick", "tails", "seed1"
	out := r.Interact(pick)

	c, ok := svc.Get(out.View.ChallengeID)
	require.True(t, ok)
	require.NotNil(t, c.ProvablyFair)
	assert.Equal(t, challenge.CommitHash(fixedSeed), c.ProvablyFair.CommitHash)
	assert.Equal(t, "seed1", c.ProvablyFair.PlayerSeed)
	assert.Equal(t, fixedSeed, c.ProvablyFair.RevealSeed)
	assert.Equal(t, challenge.StatusResolved, c.Status)
}

func TestRPSDealerDerivesHouseThrowFromSeed(t *testing.T) {
	r, _ := testRouter(t, nil, nil)
	st := atStation(r, t, KindDealerRPS)
	at := Interaction{PlayerID: "p1", X: st.X, Z: st.Z, StationID: st.ID}

	start := at
	start.Action = "start"
	r.Interact(start)
	pick := at
	pick.Action, pick.Pick, pick.PlayerSeed = "pick", "rock", "seed1"
	out := r.Interact(pick)

	require.Equal(t, StateDealerReveal, out.View.State)
	expected := houseRPSMove(fixedSeed, "seed1", out.View.ChallengeID)
	assert.Equal(t, expected, out.View.HousePick)
	assert.True(t, challenge.VerifyReveal(out.View.RevealSeed, out.View.CommitHash))
}

func TestDiceDealerRollMatchesDerivation(t *testing.T) {
	r, _ := testRouter(t, nil, nil)
	st := atStation(r, t, KindDealerDice)
	at := Interaction{PlayerID: "p1", X: st.X, Z: st.Z, StationID: st.ID}

	start := at
	start.Action, start.Wager = "start", 2
	r.Interact(start)
	pick := at
	pick.Action, pick.Pick, pick.PlayerSeed = "pick", "4", "seed1"
	out := r.Interact(pick)

	require.Equal(t, StateDealerReveal, out.View.State)
	assert.Equal(t, challenge.ComputeDiceRoll(fixedSeed, "seed1", out.View.ChallengeID), out.View.Roll)
	assert.Equal(t, strconv.Itoa(houseDiceFace(fixedSeed, "seed1", out.View.ChallengeID)), out.View.HousePick)
	assert.NotEmpty(t, out.View.WinnerID)
}

func TestPickRejectsIllegalFace(t *testing.T) {
	r, _ := testRouter(t, nil, nil)
	st := atStation(r, t, KindDealerCoinflip)
	at := Interaction{PlayerID: "p1", X: st.X, Z: st.Z, StationID: st.ID}

	start := at
	start.Action = "start"
	r.Interact(start)
	pick := at
	pick.Action, pick.Pick = "pick", "edge"
	out := r.Interact(pick)

	assert.Equal(t, ReasonBadPick, out.View.Reason)
}

func TestPickWhileLockedInPvPFails(t *testing.T) {
	r, svc := testRouter(t, nil, nil)
	svc.Create("p1", "p2", challenge.GameRPS, 0)

	st := atStation(r, t, KindDealerCoinflip)
	at := Interaction{PlayerID: "p1", X: st.X, Z: st.Z, StationID: st.ID}
	start := at
	start.Action = "start"
	r.Interact(start)
	pick := at
	pick.Action, pick.Pick = "pick", "heads"
	out := r.Interact(pick)

	assert.Equal(t, StateDealerError, out.View.State)
	assert.Equal(t, ReasonPlayerBusy, out.View.Reason)
}

func TestCashierBalance(t *testing.T) {
	bal := func(playerID string) (any, error) {
		return map[string]any{"walletId": "w_" + playerID, "balance": 120}, nil
	}
	r, _ := testRouter(t, nil, bal)
	st := atStation(r, t, KindCashierBank)

	out := r.Interact(Interaction{PlayerID: "p1", X: st.X, Z: st.Z, StationID: st.ID, Action: "balance"})
	assert.Equal(t, StateCashierBalance, out.View.State)
	assert.NotNil(t, out.View.Balance)

	r2, _ := testRouter(t, nil, func(string) (any, error) { return nil, errors.New("down") })
	st2 := atStation(r2, t, KindCashierBank)
	out = r2.Interact(Interaction{PlayerID: "p1", X: st2.X, Z: st2.Z, StationID: st2.ID, Action: "balance"})
	assert.Equal(t, "balance_unavailable", out.View.Reason)
}

func TestTickPurgesStaleRounds(t *testing.T) {
	r, _ := testRouter(t, nil, nil)
	st := atStation(r, t, KindDealerCoinflip)
	r.Interact(Interaction{PlayerID: "p1", X: st.X, Z: st.Z, StationID: st.ID, Action: "start"})

	r.Tick(time.Now().Add(roundTTL + time.Second))

	_, ok := r.PendingRound("p1")
	assert.False(t, ok)
}

func TestRegistryDefaultsAndLayoutOverride(t *testing.T) {
	reg := NewRegistry(&config.WorldLayout{}, 6, false)
	kinds := map[string]bool{}
	for _, s := range reg.All() {
		kinds[s.Kind] = true
		assert.Greater(t, s.Radius, 0.0)
		assert.NotEmpty(t, s.Actions)
	}
	assert.True(t, kinds[KindDealerCoinflip])
	assert.False(t, kinds[KindDealerDice], "dice dealer stays out when disabled")

	layout := &config.WorldLayout{Stations: []config.StationDef{
		{ID: "custom", Kind: KindDealerCoinflip, X: 1, Z: 2, Radius: 9},
	}}
	reg = NewRegistry(layout, 6, true)
	require.Equal(t, 1, len(reg.All()))
	s, ok := reg.Get("custom")
	require.True(t, ok)
	assert.Equal(t, 9.0, s.Radius)
}

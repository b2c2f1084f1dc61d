package station

import (
	"crypto/sha256"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/wagerarena/gameserver/internal/challenge"
)

// Round is a pending dealer round: the commitment is published at start,
// the outcome binds when the player picks.
type Round struct {
	PlayerID   string
	StationID  string
	Game       challenge.GameType
	Wager      int
	HouseSeed  string
	CommitHash string
	Method     string
	CreatedAt  time.Time
}

const roundTTL = 60 * time.Second

// View is the station_ui payload returned to the acting player.
type View struct {
	State       string `json:"state"`
	Reason      string `json:"reason,omitempty"`
	ReasonCode  string `json:"reasonCode,omitempty"`
	ReasonText  string `json:"reasonText,omitempty"`
	CommitHash  string `json:"commitHash,omitempty"`
	Method      string `json:"method,omitempty"`
	ChallengeID string `json:"challengeId,omitempty"`
	Result      string `json:"result,omitempty"` // coin face or house rps move
	Roll        int    `json:"roll,omitempty"`   // dice face
	PlayerPick  string `json:"playerPick,omitempty"`
	HousePick   string `json:"housePick,omitempty"`
	WinnerID    string `json:"winnerId,omitempty"`
	Delta       int    `json:"delta,omitempty"` // wager delta from the player's side
	RevealSeed  string `json:"revealSeed,omitempty"`
	Balance     any    `json:"balance,omitempty"`
}

// View states.
const (
	StateDealerReady    = "dealer_ready"
	StateDealerReveal   = "dealer_reveal"
	StateDealerError    = "dealer_error"
	StateCashierBalance = "cashier_balance"
	StateInteractAck    = "interact_ack"
)

// Error reasons carried in dealer_error views.
const (
	ReasonNotNearStation = "not_near_station"
	ReasonUnknownStation = "unknown_station"
	ReasonUnknownAction  = "unknown_action"
	ReasonNoPendingRound = "no_pending_round"
	ReasonRoundExpired   = "round_expired"
	ReasonBadPick        = "invalid_pick"
	ReasonSeedFailure    = "seed_generation_failed"
	ReasonPlayerBusy     = "player_busy"
	ReasonDisabled       = "stations_disabled"
)

// Interaction is one parsed station_interact message plus the actor's last
// known sim position.
type Interaction struct {
	PlayerID   string
	X, Z       float64
	StationID  string
	Action     string
	Wager      int
	Pick       string // coin face, rps move, or dice face
	PlayerSeed string
}

// Outcome bundles the station_ui view with any challenge events the
// interaction minted; the caller feeds those through the dispatch pipeline
// so escrow interposition and history behave exactly as for PvP.
type Outcome struct {
	View   View
	Events []challenge.Event
}

// PreflightFunc checks stakes before a wagered round starts. It returns
// ok=false with a structured reason code on refusal.
type PreflightFunc func(playerID string, wager int) (ok bool, reasonCode, reasonText string)

// BalanceFunc fetches the cashier view for a player.
type BalanceFunc func(playerID string) (any, error)

// Router validates station interactions and drives dealer rounds through
// the challenge service. All round state is node-local: a dealer round
// lives and dies on the session's owning node.
type Router struct {
	mu       sync.Mutex
	registry *Registry
	svc      *challenge.Service
	rounds   map[string]*Round

	preflight PreflightFunc
	balance   BalanceFunc
	now       func() time.Time
	seed      func() (string, error)
}

func NewRouter(registry *Registry, svc *challenge.Service, preflight PreflightFunc, balance BalanceFunc) *Router {
	return &Router{
		registry:  registry,
		svc:       svc,
		rounds:    make(map[string]*Round),
		preflight: preflight,
		balance:   balance,
		now:       time.Now,
		seed:      challenge.NewHouseSeed,
	}
}

// SetClock overrides the time source. Test hook.
func (r *Router) SetClock(now func() time.Time) { r.now = now }

// SetSeedSource overrides house-seed generation. Test hook.
func (r *Router) SetSeedSource(seed func() (string, error)) { r.seed = seed }

// Interact handles one station_interact message.
func (r *Router) Interact(in Interaction) Outcome {
	st, ok := r.registry.Get(in.StationID)
	if !ok {
		return errView(ReasonUnknownStation)
	}
	if !st.Near(in.X, in.Z) {
		return errView(ReasonNotNearStation)
	}

	switch st.Kind {
	case KindDealerCoinflip, KindDealerRPS, KindDealerDice:
		return r.dealer(st, in)
	case KindCashierBank:
		return r.cashier(in)
	default:
		return Outcome{View: View{State: StateInteractAck}}
	}
}

func (r *Router) dealer(st *Station, in Interaction) Outcome {
	switch in.Action {
	case "start":
		return r.startRound(st, in)
	case "pick":
		return r.pick(st, in)
	default:
		return errView(ReasonUnknownAction)
	}
}

// startRound publishes the commitment for a fresh dealer round. A second
// start replaces the player's previous round.
func (r *Router) startRound(st *Station, in Interaction) Outcome {
	wager := in.Wager
	if wager < 0 {
		wager = 0
	}
	if wager > challenge.WagerMax {
		wager = challenge.WagerMax
	}

	if wager > 0 && r.preflight != nil {
		ok, code, text := r.preflight(in.PlayerID, wager)
		if !ok {
			return Outcome{View: View{State: StateDealerError, ReasonCode: code, ReasonText: text}}
		}
	}

	houseSeed, err := r.seed()
	if err != nil {
		slog.Error("house seed generation failed", "error", err)
		return errView(ReasonSeedFailure)
	}

	round := &Round{
		PlayerID:   in.PlayerID,
		StationID:  st.ID,
		Game:       dealerGame(st.Kind),
		Wager:      wager,
		HouseSeed:  houseSeed,
		CommitHash: challenge.CommitHash(houseSeed),
		Method:     challenge.FairMethod,
		CreatedAt:  r.now(),
	}

	r.mu.Lock()
	r.rounds[in.PlayerID] = round
	r.mu.Unlock()

	return Outcome{View: View{
		State:      StateDealerReady,
		CommitHash: round.CommitHash,
		Method:     round.Method,
	}}
}

// pick binds the outcome: the committed house seed, the player's seed and
// the minted challenge id fully determine the result.
func (r *Router) pick(st *Station, in Interaction) Outcome {
	r.mu.Lock()
	round, ok := r.rounds[in.PlayerID]
	if ok && round.StationID != st.ID {
		ok = false
	}
	if ok && r.now().Sub(round.CreatedAt) > roundTTL {
		delete(r.rounds, in.PlayerID)
		r.mu.Unlock()
		return errView(ReasonRoundExpired)
	}
	if !ok {
		r.mu.Unlock()
		return errView(ReasonNoPendingRound)
	}
	delete(r.rounds, in.PlayerID)
	r.mu.Unlock()

	playerMove, valid := normalizePick(round.Game, in.Pick)
	if !valid {
		return errView(ReasonBadPick)
	}

	var events []challenge.Event

	created := r.svc.Create(in.PlayerID, challenge.SystemHouse, round.Game, round.Wager)
	if created.Challenge == nil {
		// player already locked into another challenge
		return Outcome{View: View{State: StateDealerError, Reason: ReasonPlayerBusy}, Events: []challenge.Event{created}}
	}
	id := created.Challenge.ID
	events = append(events, created)

	r.svc.AttachProvablyFair(id, challenge.ProvablyFair{
		CommitHash: round.CommitHash,
		PlayerSeed: in.PlayerSeed,
		Method:     round.Method,
	})

	accepted := r.svc.Respond(id, challenge.SystemHouse, true)
	events = append(events, accepted)

	// the reveal is published on the challenge before resolution so the
	// resolved frame carries the full commit/reveal block
	r.svc.RevealSeed(id, round.HouseSeed)

	houseMove := ""
	switch round.Game {
	case challenge.GameCoinflip:
		coin := challenge.ComputeCoinflip(round.HouseSeed, in.PlayerSeed, id)
		r.svc.SetCoinflipOverride(id, coin)
		houseMove = oppositeFace(playerMove)
	case challenge.GameRPS:
		houseMove = houseRPSMove(round.HouseSeed, in.PlayerSeed, id)
	case challenge.GameDiceDuel:
		houseMove = strconv.Itoa(houseDiceFace(round.HouseSeed, in.PlayerSeed, id))
	}

	events = append(events, r.svc.SubmitMove(id, in.PlayerID, playerMove))
	resolved := r.svc.SubmitMove(id, challenge.SystemHouse, houseMove)
	events = append(events, resolved)

	return Outcome{
		View:   r.revealView(id, in.PlayerID, round, playerMove, houseMove, resolved),
		Events: events,
	}
}

func (r *Router) revealView(id, playerID string, round *Round, playerMove, houseMove string, resolved challenge.Event) View {
	v := View{
		State:       StateDealerReveal,
		ChallengeID: id,
		CommitHash:  round.CommitHash,
		Method:      round.Method,
		RevealSeed:  round.HouseSeed,
		PlayerPick:  playerMove,
		HousePick:   houseMove,
	}
	c := resolved.Challenge
	if c == nil {
		v.State = StateDealerError
		v.Reason = resolved.Reason
		return v
	}
	v.Result = c.CoinflipResult
	v.Roll = c.DiceResult
	if c.WinnerID != nil {
		v.WinnerID = *c.WinnerID
		if *c.WinnerID == playerID {
			v.Delta = round.Wager
		} else {
			v.Delta = -round.Wager
		}
	}
	return v
}

func (r *Router) cashier(in Interaction) Outcome {
	if in.Action != "balance" {
		return errView(ReasonUnknownAction)
	}
	if r.balance == nil {
		return errView(ReasonUnknownAction)
	}
	bal, err := r.balance(in.PlayerID)
	if err != nil {
		slog.Warn("cashier balance lookup failed", "player", in.PlayerID, "error", err)
		return Outcome{View: View{State: StateDealerError, Reason: "balance_unavailable"}}
	}
	return Outcome{View: View{State: StateCashierBalance, Balance: bal}}
}

// Tick purges stale rounds. Called from the game loop.
func (r *Router) Tick(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for player, round := range r.rounds {
		if now.Sub(round.CreatedAt) > roundTTL {
			delete(r.rounds, player)
		}
	}
}

// PendingRound returns the player's live round, if any.
func (r *Router) PendingRound(playerID string) (*Round, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	round, ok := r.rounds[playerID]
	if !ok || r.now().Sub(round.CreatedAt) > roundTTL {
		return nil, false
	}
	cp := *round
	return &cp, true
}

func errView(reason string) Outcome {
	return Outcome{View: View{State: StateDealerError, Reason: reason}}
}

func dealerGame(kind string) challenge.GameType {
	switch kind {
	case KindDealerRPS:
		return challenge.GameRPS
	case KindDealerDice:
		return challenge.GameDiceDuel
	default:
		return challenge.GameCoinflip
	}
}

func normalizePick(gt challenge.GameType, pick string) (string, bool) {
	switch gt {
	case challenge.GameCoinflip:
		if pick == "heads" || pick == "tails" {
			return pick, true
		}
	case challenge.GameRPS:
		if pick == "rock" || pick == "paper" || pick == "scissors" {
			return pick, true
		}
	case challenge.GameDiceDuel:
		if len(pick) == 1 && pick[0] >= '1' && pick[0] <= '6' {
			return pick, true
		}
	}
	return "", false
}

func oppositeFace(face string) string {
	if face == "heads" {
		return "tails"
	}
	return "heads"
}

var rpsMoves = [3]string{"rock", "paper", "scissors"}

// houseRPSMove derives the house's throw from the committed seed so an
// observer can recompute it after reveal.
func houseRPSMove(houseSeed, playerSeed, challengeID string) string {
	sum := sha256.Sum256([]byte(houseSeed + "|" + playerSeed + "|" + challengeID + "|rps_house"))
	return rpsMoves[int(sum[0]%3)]
}

// houseDiceFace derives the house's declared face the same way.
func houseDiceFace(houseSeed, playerSeed, challengeID string) int {
	sum := sha256.Sum256([]byte(houseSeed + "|" + playerSeed + "|" + challengeID + "|dice_house"))
	return int(sum[0]%6) + 1
}

// Package challenge implements the local state machine for wagered
// micro-games between two players. It is purely in-memory and side-effect
// free: every operation returns events as values; escrow and persistence
// are layered on top by the consumers of those events.
package challenge

import "time"

// GameType enumerates the supported micro-games.
type GameType string

const (
	GameRPS      GameType = "rps"
	GameCoinflip GameType = "coinflip"
	GameDiceDuel GameType = "dice_duel"
)

// KnownGame reports whether gt is one of the three playable games.
func KnownGame(gt GameType) bool {
	switch gt {
	case GameRPS, GameCoinflip, GameDiceDuel:
		return true
	}
	return false
}

// Status is the lifecycle state of a challenge.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
	StatusDeclined Status = "declined"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusDeclined || s == StatusExpired
}

// SystemHouse is the virtual dealer opponent. It is never locked, never has
// a session, and its wallet is resolved through a hook, not a player lookup.
const SystemHouse = "system_house"

// WagerMax is the inclusive upper bound; requested wagers are clamped.
const WagerMax = 10000

// ProvablyFair carries the commit/reveal material attached to station-dealt
// challenges.
type ProvablyFair struct {
	CommitHash string `json:"commitHash"`
	PlayerSeed string `json:"playerSeed,omitempty"`
	RevealSeed string `json:"revealSeed,omitempty"`
	Method     string `json:"method"`
}

// Challenge is the full state of one wagered match.
type Challenge struct {
	ID             string        `json:"id"`
	ChallengerID   string        `json:"challengerId"`
	OpponentID     string        `json:"opponentId"`
	GameType       GameType      `json:"gameType"`
	Wager          int           `json:"wager"`
	Status         Status        `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	ExpiresAt      time.Time     `json:"expiresAt"`
	AcceptedAt     *time.Time    `json:"acceptedAt,omitempty"`
	ResolvedAt     *time.Time    `json:"resolvedAt,omitempty"`
	WinnerID       *string       `json:"winnerId,omitempty"`
	ChallengerMove string        `json:"challengerMove,omitempty"`
	OpponentMove   string        `json:"opponentMove,omitempty"`
	CoinflipResult string        `json:"coinflipResult,omitempty"`
	DiceResult     int           `json:"diceResult,omitempty"`
	ProvablyFair   *ProvablyFair `json:"provablyFair,omitempty"`
}

func (c *Challenge) clone() *Challenge {
	cp := *c
	if c.AcceptedAt != nil {
		t := *c.AcceptedAt
		cp.AcceptedAt = &t
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	if c.WinnerID != nil {
		w := *c.WinnerID
		cp.WinnerID = &w
	}
	if c.ProvablyFair != nil {
		pf := *c.ProvablyFair
		cp.ProvablyFair = &pf
	}
	return &cp
}

// Redacted returns a broadcast-safe copy: until the challenge is terminal,
// submitted moves, derived results and the reveal seed stay hidden.
func (c *Challenge) Redacted() *Challenge {
	if c.Status.Terminal() {
		return c
	}
	cp := c.clone()
	cp.ChallengerMove = ""
	cp.OpponentMove = ""
	cp.CoinflipResult = ""
	cp.DiceResult = 0
	if cp.ProvablyFair != nil {
		cp.ProvablyFair.RevealSeed = ""
	}
	return cp
}

// Participants returns both sides in declaration order.
func (c *Challenge) Participants() []string {
	return []string{c.ChallengerID, c.OpponentID}
}

// Reason codes returned on events. These are semantic outcomes, not errors.
const (
	ReasonSelfChallenge      = "self_challenge"
	ReasonPlayerBusy         = "player_busy"
	ReasonUnknownGame        = "unknown_game_type"
	ReasonNotOpponent        = "not_opponent"
	ReasonNotPending         = "challenge_not_pending"
	ReasonNotActive          = "challenge_not_active"
	ReasonNotFound           = "challenge_not_found"
	ReasonIllegalMove        = "illegal_move"
	ReasonMoveAlreadySet     = "move_already_submitted"
	ReasonTimeout            = "timeout"
	ReasonNoMoves            = "no_moves_submitted"
	ReasonPlayerDisconnected = "player_disconnected"
	ReasonWalletRequired     = "wallet_required"
	ReasonOwnerFailover      = "owner_failover_expired"
)

// Event names carried to clients on the `challenge` frame.
const (
	EventCreated  = "created"
	EventAccepted = "accepted"
	EventDeclined = "declined"
	EventExpired  = "expired"
	EventResolved = "resolved"
	EventInvalid  = "invalid"
	EventBusy     = "busy"
)

// Event is the value returned by every state transition. To lists the
// player ids the event should be dispatched to; Invalid-class events go to
// the acting player only.
type Event struct {
	Event     string     `json:"event"`
	Reason    string     `json:"reason,omitempty"`
	Challenge *Challenge `json:"challenge,omitempty"`
	To        []string   `json:"-"`
}

// HistoryEntry is one append-only record of a transition, kept in a bounded
// in-memory log as the single-node fallback for history reads.
type HistoryEntry struct {
	At        time.Time  `json:"at"`
	Event     string     `json:"event"`
	Reason    string     `json:"reason,omitempty"`
	Challenge *Challenge `json:"challenge,omitempty"`
}

// Legal moves per game.
func legalMove(gt GameType, move string) bool {
	switch gt {
	case GameRPS:
		return move == "rock" || move == "paper" || move == "scissors"
	case GameCoinflip:
		return move == "heads" || move == "tails"
	case GameDiceDuel:
		return len(move) == 1 && move[0] >= '1' && move[0] <= '6'
	}
	return false
}

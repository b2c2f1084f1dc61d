package challenge

import (
	"crypto/rand"
	"strconv"
	"sync"
	"time"
)

const (
	historyMax = 400

	// terminal challenges stay readable this long before being pruned
	terminalRetention = 5 * time.Minute
)

// Service is the owner of all local challenge state. A single coarse mutex
// serializes session-task calls with the tick loop's timeout sweep.
type Service struct {
	mu sync.Mutex

	serverPrefix   string
	pendingTimeout time.Duration
	activeResolve  time.Duration

	seq          uint64
	challenges   map[string]*Challenge
	activePlayer map[string]string // playerId -> challengeId holding the lock
	overrides    map[string]string // coinflip result installed by the station path

	history []HistoryEntry

	now  func() time.Time
	coin func() string
}

// NewService creates a challenge service minting ids with the given
// per-server prefix.
func NewService(serverPrefix string, pendingTimeout, activeResolve time.Duration) *Service {
	return &Service{
		serverPrefix:   serverPrefix,
		pendingTimeout: pendingTimeout,
		activeResolve:  activeResolve,
		challenges:     make(map[string]*Challenge),
		activePlayer:   make(map[string]string),
		overrides:      make(map[string]string),
		now:            time.Now,
		coin:           randomCoin,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetCoinSource overrides the server-RNG coin. Test hook.
func (s *Service) SetCoinSource(coin func() string) { s.coin = coin }

func randomCoin() string {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "heads"
	}
	if b[0]&1 == 0 {
		return "heads"
	}
	return "tails"
}

// Create mints a new pending challenge and locks both players. The virtual
// house opponent is never locked. Guard failures return invalid/busy events
// addressed to the challenger only and mutate nothing.
func (s *Service) Create(challenger, opponent string, gt GameType, wager int) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if challenger == opponent {
		return Event{Event: EventInvalid, Reason: ReasonSelfChallenge, To: []string{challenger}}
	}
	if !KnownGame(gt) {
		return Event{Event: EventInvalid, Reason: ReasonUnknownGame, To: []string{challenger}}
	}
	if s.locked(challenger) || s.locked(opponent) {
		return Event{Event: EventBusy, Reason: ReasonPlayerBusy, To: []string{challenger}}
	}
	if wager < 0 {
		wager = 0
	}
	if wager > WagerMax {
		wager = WagerMax
	}

	now := s.now()
	s.seq++
	c := &Challenge{
		ID:           "c_" + s.serverPrefix + "_" + strconv.FormatUint(s.seq, 36),
		ChallengerID: challenger,
		OpponentID:   opponent,
		GameType:     gt,
		Wager:        wager,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.pendingTimeout),
	}
	s.challenges[c.ID] = c
	s.lock(challenger, c.ID)
	s.lock(opponent, c.ID)

	return s.emit(Event{Event: EventCreated, Challenge: c.clone(), To: c.Participants()})
}

// Respond accepts or declines a pending challenge. Only the opponent may
// respond.
func (s *Service) Respond(id, responder string, accept bool) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return Event{Event: EventInvalid, Reason: ReasonNotFound, To: []string{responder}}
	}
	if c.Status != StatusPending {
		return Event{Event: EventInvalid, Reason: ReasonNotPending, To: []string{responder}}
	}
	if responder != c.OpponentID {
		return Event{Event: EventInvalid, Reason: ReasonNotOpponent, To: []string{responder}}
	}

	now := s.now()
	if accept {
		c.Status = StatusActive
		c.AcceptedAt = &now
		c.ExpiresAt = now.Add(s.activeResolve)
		return s.emit(Event{Event: EventAccepted, Challenge: c.clone(), To: c.Participants()})
	}

	c.Status = StatusDeclined
	s.unlockBoth(c)
	return s.emit(Event{Event: EventDeclined, Challenge: c.clone(), To: c.Participants()})
}

// SubmitMove records one side's move on an active challenge and resolves
// once both sides have moved.
func (s *Service) SubmitMove(id, actor, move string) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return Event{Event: EventInvalid, Reason: ReasonNotFound, To: []string{actor}}
	}
	if c.Status != StatusActive {
		return Event{Event: EventInvalid, Reason: ReasonNotActive, To: []string{actor}}
	}
	if actor != c.ChallengerID && actor != c.OpponentID {
		return Event{Event: EventInvalid, Reason: ReasonNotOpponent, To: []string{actor}}
	}
	if !legalMove(c.GameType, move) {
		return Event{Event: EventInvalid, Reason: ReasonIllegalMove, To: []string{actor}}
	}

	if actor == c.ChallengerID {
		if c.ChallengerMove != "" {
			return Event{Event: EventInvalid, Reason: ReasonMoveAlreadySet, To: []string{actor}}
		}
		c.ChallengerMove = move
	} else {
		if c.OpponentMove != "" {
			return Event{Event: EventInvalid, Reason: ReasonMoveAlreadySet, To: []string{actor}}
		}
		c.OpponentMove = move
	}

	if c.ChallengerMove == "" || c.OpponentMove == "" {
		// waiting for the other side; no broadcast yet
		return Event{Event: "move_submitted", Challenge: c.clone(), To: []string{actor}}
	}

	s.resolve(c)
	return s.emit(Event{Event: EventResolved, Challenge: c.clone(), To: c.Participants()})
}

// Abort force-declines a challenge (escrow failure, wallet missing). It is
// a no-op on terminal challenges.
func (s *Service) Abort(id, reason string) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok || c.Status.Terminal() {
		return Event{Event: EventInvalid, Reason: ReasonNotFound}
	}
	c.Status = StatusDeclined
	s.unlockBoth(c)
	return s.emit(Event{Event: EventDeclined, Reason: reason, Challenge: c.clone(), To: c.Participants()})
}

// Tick expires overdue pendings and force-resolves overdue actives. Called
// from the game loop once per tick.
func (s *Service) Tick(now time.Time) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []Event
	for id, c := range s.challenges {
		if c.Status.Terminal() {
			if c.ResolvedAt != nil && now.Sub(*c.ResolvedAt) > terminalRetention {
				delete(s.challenges, id)
			} else if c.ResolvedAt == nil && now.Sub(c.CreatedAt) > terminalRetention {
				delete(s.challenges, id)
			}
			continue
		}
		if c.Status == StatusPending && !now.Before(c.ExpiresAt) {
			c.Status = StatusExpired
			s.unlockBoth(c)
			events = append(events, s.emit(Event{Event: EventExpired, Reason: ReasonTimeout, Challenge: c.clone(), To: c.Participants()}))
			continue
		}
		if c.Status == StatusActive && !now.Before(c.ExpiresAt) {
			switch {
			case c.ChallengerMove != "" && c.OpponentMove == "":
				w := c.ChallengerID
				s.finish(c, &w)
			case c.OpponentMove != "" && c.ChallengerMove == "":
				w := c.OpponentID
				s.finish(c, &w)
			default:
				// neither moved: draw, refund path
				s.finish(c, nil)
			}
			reason := ReasonTimeout
			if c.ChallengerMove == "" && c.OpponentMove == "" {
				reason = ReasonNoMoves
			}
			events = append(events, s.emit(Event{Event: EventResolved, Reason: reason, Challenge: c.clone(), To: c.Participants()}))
		}
	}
	return events
}

// ClearDisconnected expires any pending challenge the player is locked
// into. Active challenges are left to the activity timeout so an in-flight
// escrow settlement can still complete.
func (s *Service) ClearDisconnected(playerID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.activePlayer[playerID]
	if !ok {
		return nil
	}
	c, ok := s.challenges[id]
	if !ok || c.Status != StatusPending {
		return nil
	}
	c.Status = StatusExpired
	s.unlockBoth(c)
	return []Event{s.emit(Event{Event: EventExpired, Reason: ReasonPlayerDisconnected, Challenge: c.clone(), To: c.Participants()})}
}

// SetCoinflipOverride installs the provably-fair coin outcome for a
// challenge before its moves are submitted.
func (s *Service) SetCoinflipOverride(id, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[id] = result
}

// AttachProvablyFair records commit/reveal material on the challenge.
func (s *Service) AttachProvablyFair(id string, pf ProvablyFair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.challenges[id]; ok {
		c.ProvablyFair = &pf
	}
}

// RevealSeed publishes the house seed on the challenge's provably-fair
// block after resolution.
func (s *Service) RevealSeed(id, houseSeed string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.challenges[id]; ok && c.ProvablyFair != nil {
		c.ProvablyFair.RevealSeed = houseSeed
	}
}

// Get returns a copy of the challenge.
func (s *Service) Get(id string) (*Challenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// LockedInto returns the challenge id holding the player's lock, if any.
func (s *Service) LockedInto(playerID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.activePlayer[playerID]
	return id, ok
}

// RecentHistory returns up to limit entries, newest first. Single-node
// fallback for the distributed ring.
func (s *Service) RecentHistory(limit int) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]HistoryEntry, 0, limit)
	for i := len(s.history) - 1; i >= len(s.history)-limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// resolve computes the winner from both submitted moves.
func (s *Service) resolve(c *Challenge) {
	switch c.GameType {
	case GameRPS:
		s.finish(c, rpsWinner(c))
	case GameCoinflip:
		result, ok := s.overrides[c.ID]
		if !ok {
			result = s.coin()
		}
		delete(s.overrides, c.ID)
		c.CoinflipResult = result
		s.finish(c, coinflipWinner(c, result))
	case GameDiceDuel:
		houseSeed, playerSeed := "", ""
		if c.ProvablyFair != nil {
			houseSeed = c.ProvablyFair.RevealSeed
			playerSeed = c.ProvablyFair.PlayerSeed
		}
		roll := ComputeDiceRoll(houseSeed, playerSeed, c.ID)
		c.DiceResult = roll
		cf, _ := strconv.Atoi(c.ChallengerMove)
		of, _ := strconv.Atoi(c.OpponentMove)
		var w *string
		if DiceWinner(cf, of, roll) {
			w = &c.ChallengerID
		} else {
			w = &c.OpponentID
		}
		s.finish(c, w)
	}
}

func rpsWinner(c *Challenge) *string {
	if c.ChallengerMove == c.OpponentMove {
		return nil
	}
	beats := map[string]string{"rock": "scissors", "paper": "rock", "scissors": "paper"}
	if beats[c.ChallengerMove] == c.OpponentMove {
		return &c.ChallengerID
	}
	return &c.OpponentID
}

func coinflipWinner(c *Challenge, result string) *string {
	cm := c.ChallengerMove == result
	om := c.OpponentMove == result
	switch {
	case cm && !om:
		return &c.ChallengerID
	case om && !cm:
		return &c.OpponentID
	default:
		// both or neither declared the landed face
		return nil
	}
}

func (s *Service) finish(c *Challenge, winner *string) {
	now := s.now()
	c.Status = StatusResolved
	c.ResolvedAt = &now
	c.WinnerID = winner
	delete(s.overrides, c.ID)
	s.unlockBoth(c)
}

func (s *Service) locked(playerID string) bool {
	if playerID == SystemHouse {
		return false
	}
	_, ok := s.activePlayer[playerID]
	return ok
}

func (s *Service) lock(playerID, challengeID string) {
	if playerID == SystemHouse {
		return
	}
	s.activePlayer[playerID] = challengeID
}

func (s *Service) unlockBoth(c *Challenge) {
	for _, p := range c.Participants() {
		if s.activePlayer[p] == c.ID {
			delete(s.activePlayer, p)
		}
	}
}

func (s *Service) emit(ev Event) Event {
	s.history = append(s.history, HistoryEntry{
		At:        s.now(),
		Event:     ev.Event,
		Reason:    ev.Reason,
		Challenge: ev.Challenge,
	})
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	return ev
}

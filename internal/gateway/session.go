package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wagerarena/gameserver/internal/challenge"
	"github.com/wagerarena/gameserver/internal/game"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Session is one authenticated WebSocket connection. It implements
// game.Client; the hub talks to it only through Enqueue and Kick.
type Session struct {
	playerID    string
	role        string
	displayName string
	walletID    string

	conn *websocket.Conn
	hub  *game.Hub

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, hub *game.Hub, playerID, role, displayName, walletID string) *Session {
	return &Session{
		playerID:    playerID,
		role:        role,
		displayName: displayName,
		walletID:    walletID,
		conn:        conn,
		hub:         hub,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
	}
}

func (s *Session) PlayerID() string    { return s.playerID }
func (s *Session) Role() string        { return s.role }
func (s *Session) DisplayName() string { return s.displayName }
func (s *Session) WalletID() string    { return s.walletID }

// Enqueue hands a frame to the write pump. A full buffer drops the frame:
// snapshots are regenerated every tick, and a client that cannot drain 256
// frames is about to be closed by the ping deadline anyway.
func (s *Session) Enqueue(frame []byte) bool {
	if frame == nil {
		return false
	}
	select {
	case s.send <- frame:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// Kick closes the connection with a close frame carrying code and reason.
func (s *Session) Kick(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	s.close()
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// run starts both pumps and blocks until the reader exits.
func (s *Session) run() {
	go s.writePump()
	s.readPump()
}

// readPump processes inbound messages serially, preserving per-session
// order. It unregisters from the hub on exit.
func (s *Session) readPump() {
	defer func() {
		s.hub.RemoveSession(s)
		s.close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("session read error", "player", s.playerID, "error", err)
			}
			return
		}
		s.dispatch(data)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// inboundMessage is the union of every client message shape. Parsing is
// defensive: unknown types and junk fields are ignored, never fatal.
type inboundMessage struct {
	Type string `json:"type"`

	// input
	MoveX float64 `json:"moveX"`
	MoveZ float64 `json:"moveZ"`

	// station_interact
	StationID  string `json:"stationId"`
	Action     string `json:"action"`
	Pick       string `json:"pick"`
	Side       string `json:"side"` // legacy alias for pick on coinflip
	PlayerSeed string `json:"playerSeed"`

	// challenge_*
	TargetID    string `json:"targetId"`
	GameType    string `json:"gameType"`
	Wager       int    `json:"wager"`
	ChallengeID string `json:"challengeId"`
	Accept      bool   `json:"accept"`
	Move        string `json:"move"`
}

func (s *Session) dispatch(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("dropping malformed message", "player", s.playerID, "error", err)
		return
	}

	switch msg.Type {
	case "input":
		s.hub.HandleInput(s.playerID, msg.MoveX, msg.MoveZ)
	case "station_interact":
		pick := msg.Pick
		if pick == "" {
			pick = msg.Side
		}
		s.hub.HandleStationInteract(s, msg.StationID, msg.Action, msg.Wager, pick, msg.PlayerSeed)
	case "challenge_send":
		s.hub.HandleChallengeSend(s, msg.TargetID, challenge.GameType(msg.GameType), msg.Wager)
	case "challenge_response":
		s.hub.HandleChallengeResponse(s.playerID, msg.ChallengeID, msg.Accept)
	case "challenge_counter":
		s.hub.HandleChallengeCounter(s.playerID, msg.ChallengeID, msg.Wager)
	case "challenge_move":
		s.hub.HandleChallengeMove(s.playerID, msg.ChallengeID, msg.Move)
	default:
		slog.Debug("unknown message type", "player", s.playerID, "type", msg.Type)
	}
}

package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
)

const (
	playerChannel   = "arena:bus:player"
	challengePrefix = "arena:bus:challenge:"
	adminPrefix     = "arena:bus:admin:"
)

// PlayerMessage is a payload addressed to one player, wherever their
// session lives. Every node subscribes; the node holding the live session
// delivers, everyone else drops.
type PlayerMessage struct {
	PlayerID string          `json:"playerId"`
	Payload  json.RawMessage `json:"payload"`
}

// ChallengeCommand is a forwarded challenge action delivered only to the
// owner node of the challenge.
type ChallengeCommand struct {
	Type        string `json:"type"` // challenge_response | challenge_counter | challenge_move
	ChallengeID string `json:"challengeId"`
	ActorID     string `json:"actorId"`
	Accept      bool   `json:"accept,omitempty"`
	Wager       int    `json:"wager,omitempty"`
	Move        string `json:"move,omitempty"`
}

// AdminCommand is an operator action forwarded to the node owning the
// target player's session.
type AdminCommand struct {
	Type     string  `json:"type"` // admin_teleport
	PlayerID string  `json:"playerId"`
	X        float64 `json:"x"`
	Z        float64 `json:"z"`
}

// Bus routes the three command channels over pub/sub. Message parsing is
// defensive: malformed payloads are logged and dropped, never fatal.
type Bus struct {
	ps       PubSubClient
	serverID string
	unsubs   []func()
}

func NewBus(ps PubSubClient, serverID string) *Bus {
	return &Bus{ps: ps, serverID: serverID}
}

// PublishToPlayer sends a payload toward whichever node owns the player.
func (b *Bus) PublishToPlayer(ctx context.Context, playerID string, payload []byte) error {
	data, err := json.Marshal(PlayerMessage{PlayerID: playerID, Payload: payload})
	if err != nil {
		return err
	}
	return b.ps.Publish(ctx, playerChannel, data)
}

// SubscribePlayerDirect registers the local delivery handler for
// player-addressed payloads.
func (b *Bus) SubscribePlayerDirect(ctx context.Context, handler func(PlayerMessage)) error {
	unsub, err := b.ps.Subscribe(ctx, playerChannel, func(data []byte) {
		var msg PlayerMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.PlayerID == "" {
			slog.Warn("bus: dropping malformed player message", "error", err)
			return
		}
		handler(msg)
	})
	if err != nil {
		return err
	}
	b.unsubs = append(b.unsubs, unsub)
	return nil
}

// ForwardChallengeCommand publishes a command to the named owner node.
func (b *Bus) ForwardChallengeCommand(ctx context.Context, ownerServerID string, cmd ChallengeCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return b.ps.Publish(ctx, challengePrefix+ownerServerID, data)
}

// SubscribeChallengeCommands receives commands for challenges this node
// owns. Consumers must tolerate replay and out-of-order delivery; the
// state machine guards make illegal transitions no-ops.
func (b *Bus) SubscribeChallengeCommands(ctx context.Context, handler func(ChallengeCommand)) error {
	unsub, err := b.ps.Subscribe(ctx, challengePrefix+b.serverID, func(data []byte) {
		var cmd ChallengeCommand
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.ChallengeID == "" {
			slog.Warn("bus: dropping malformed challenge command", "error", err)
			return
		}
		handler(cmd)
	})
	if err != nil {
		return err
	}
	b.unsubs = append(b.unsubs, unsub)
	return nil
}

// ForwardAdminCommand publishes an admin action to the named owner node.
func (b *Bus) ForwardAdminCommand(ctx context.Context, ownerServerID string, cmd AdminCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return b.ps.Publish(ctx, adminPrefix+ownerServerID, data)
}

// SubscribeAdminCommands receives admin actions targeted at this node.
func (b *Bus) SubscribeAdminCommands(ctx context.Context, handler func(AdminCommand)) error {
	unsub, err := b.ps.Subscribe(ctx, adminPrefix+b.serverID, func(data []byte) {
		var cmd AdminCommand
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.PlayerID == "" {
			slog.Warn("bus: dropping malformed admin command", "error", err)
			return
		}
		handler(cmd)
	})
	if err != nil {
		return err
	}
	b.unsubs = append(b.unsubs, unsub)
	return nil
}

// Close unsubscribes every channel.
func (b *Bus) Close() {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
}

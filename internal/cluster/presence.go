package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	presencePrefix = "arena:presence:"
	serverPrefix   = "arena:server:"
)

// PresenceEntry is the cross-node view of one player, written by the node
// that owns the session and read by every other node when building merged
// snapshots.
type PresenceEntry struct {
	PlayerID      string    `json:"playerId"`
	Role          string    `json:"role"`
	DisplayName   string    `json:"displayName"`
	WalletID      string    `json:"walletId,omitempty"`
	X             float64   `json:"x"`
	Y             float64   `json:"y"`
	Z             float64   `json:"z"`
	Yaw           float64   `json:"yaw"`
	Speed         float64   `json:"speed"`
	UpdatedAt     time.Time `json:"updatedAt"`
	OwnerServerID string    `json:"ownerServerId"`
}

// PresenceStore writes TTL'd presence entries and the live-server
// heartbeat key. All operations are best-effort: callers log failures and
// carry on, they never fail a session over them.
type PresenceStore struct {
	kv       KVClient
	ttl      time.Duration
	serverID string
}

func NewPresenceStore(kv KVClient, serverID string, ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &PresenceStore{kv: kv, ttl: ttl, serverID: serverID}
}

// Upsert writes the full entry under the player key with the store TTL.
func (p *PresenceStore) Upsert(ctx context.Context, entry PresenceEntry) error {
	entry.OwnerServerID = p.serverID
	entry.UpdatedAt = time.Now()
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	return p.kv.Set(ctx, presencePrefix+entry.PlayerID, data, p.ttl)
}

// Remove deletes the entry immediately on session close.
func (p *PresenceStore) Remove(ctx context.Context, playerID string) error {
	return p.kv.Del(ctx, presencePrefix+playerID)
}

// Get reads one entry.
func (p *PresenceStore) Get(ctx context.Context, playerID string) (*PresenceEntry, error) {
	data, err := p.kv.Get(ctx, presencePrefix+playerID)
	if err != nil {
		return nil, err
	}
	var entry PresenceEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal presence %s: %w", playerID, err)
	}
	return &entry, nil
}

// List returns every non-expired presence entry. Reader nodes refresh this
// on their own cadence; entries may be up to one refresh interval stale.
func (p *PresenceStore) List(ctx context.Context) ([]PresenceEntry, error) {
	keys, err := p.kv.Keys(ctx, presencePrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]PresenceEntry, 0, len(keys))
	for _, key := range keys {
		data, err := p.kv.Get(ctx, key)
		if err != nil {
			continue // expired between scan and read
		}
		var entry PresenceEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// HeartbeatServer refreshes this node's liveness key.
func (p *PresenceStore) HeartbeatServer(ctx context.Context) error {
	return p.kv.Set(ctx, serverPrefix+p.serverID, []byte(time.Now().Format(time.RFC3339)), p.ttl)
}

// LiveServers returns the ids of every node with a fresh heartbeat.
func (p *PresenceStore) LiveServers(ctx context.Context) ([]string, error) {
	keys, err := p.kv.Keys(ctx, serverPrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, strings.TrimPrefix(key, serverPrefix))
	}
	return out, nil
}

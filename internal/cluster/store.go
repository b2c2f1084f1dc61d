package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	challengeMetaPrefix = "arena:challenge:"
	playerLockPrefix    = "arena:lock:"
	historyKey          = "arena:challenges:history"

	// HistoryRingMax bounds the distributed history ring.
	HistoryRingMax = 300
)

// ChallengeMeta is the cross-node record of an in-flight challenge: who
// owns it, who plays it, where it is in its lifecycle, and a serialized
// snapshot for reads from non-owner nodes.
type ChallengeMeta struct {
	ID            string    `json:"id"`
	ChallengerID  string    `json:"challengerId"`
	OpponentID    string    `json:"opponentId"`
	Status        string    `json:"status"`
	OwnerServerID string    `json:"ownerServerId"`
	UpdatedAt     time.Time `json:"updatedAt"`
	JSON          string    `json:"json,omitempty"`
}

// LockResult reports a TryLockPlayers outcome.
type LockResult struct {
	OK     bool
	Reason string
}

// ChallengeStore is the distributed side of the challenge lifecycle:
// ownership metadata, per-player locks with TTL, and the bounded history
// ring. Transport failures are soft; callers log and continue.
type ChallengeStore struct {
	kv       KVClient
	serverID string
	metaTTL  time.Duration
}

func NewChallengeStore(kv KVClient, serverID string) *ChallengeStore {
	return &ChallengeStore{kv: kv, serverID: serverID, metaTTL: 24 * time.Hour}
}

// RegisterChallenge writes the meta record with this node as owner.
func (s *ChallengeStore) RegisterChallenge(ctx context.Context, meta ChallengeMeta) error {
	meta.OwnerServerID = s.serverID
	meta.UpdatedAt = time.Now()
	return s.writeMeta(ctx, meta)
}

// UpdateStatus bumps the status and snapshot without changing the owner.
func (s *ChallengeStore) UpdateStatus(ctx context.Context, id, status, snapshot string) error {
	meta, err := s.GetMeta(ctx, id)
	if err != nil {
		return err
	}
	meta.Status = status
	meta.UpdatedAt = time.Now()
	if snapshot != "" {
		meta.JSON = snapshot
	}
	return s.writeMeta(ctx, *meta)
}

func (s *ChallengeStore) writeMeta(ctx context.Context, meta ChallengeMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal challenge meta: %w", err)
	}
	return s.kv.Set(ctx, challengeMetaPrefix+meta.ID, data, s.metaTTL)
}

// GetMeta reads one meta record.
func (s *ChallengeStore) GetMeta(ctx context.Context, id string) (*ChallengeMeta, error) {
	data, err := s.kv.Get(ctx, challengeMetaPrefix+id)
	if err != nil {
		return nil, err
	}
	var meta ChallengeMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal challenge meta %s: %w", id, err)
	}
	return &meta, nil
}

// GetOwnerServerID resolves which node owns the challenge.
func (s *ChallengeStore) GetOwnerServerID(ctx context.Context, id string) (string, error) {
	meta, err := s.GetMeta(ctx, id)
	if err != nil {
		return "", err
	}
	return meta.OwnerServerID, nil
}

// ListMetas returns every registered challenge meta.
func (s *ChallengeStore) ListMetas(ctx context.Context) ([]ChallengeMeta, error) {
	keys, err := s.kv.Keys(ctx, challengeMetaPrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]ChallengeMeta, 0, len(keys))
	for _, key := range keys {
		data, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var meta ChallengeMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

// Clear removes the meta record.
func (s *ChallengeStore) Clear(ctx context.Context, id string) error {
	return s.kv.Del(ctx, challengeMetaPrefix+id)
}

// TryLockPlayers atomically locks every player for the challenge with a
// set-if-absent per player. On any miss the already-acquired locks are
// rolled back and the result is player_busy. The virtual house is skipped.
func (s *ChallengeStore) TryLockPlayers(ctx context.Context, challengeID string, playerIDs []string, ttl time.Duration) (LockResult, error) {
	value := []byte(challengeID + ":" + s.serverID)
	var acquired []string
	for _, pid := range playerIDs {
		if pid == "" || pid == "system_house" {
			continue
		}
		ok, err := s.kv.SetNX(ctx, playerLockPrefix+pid, value, ttl)
		if err != nil {
			s.releaseKeys(ctx, challengeID, acquired)
			return LockResult{}, fmt.Errorf("lock %s: %w", pid, err)
		}
		if !ok {
			s.releaseKeys(ctx, challengeID, acquired)
			return LockResult{OK: false, Reason: "player_busy"}, nil
		}
		acquired = append(acquired, pid)
	}
	return LockResult{OK: true}, nil
}

// ReleasePlayers deletes only locks whose value belongs to this challenge,
// so a node never releases a lock re-acquired by a newer challenge.
func (s *ChallengeStore) ReleasePlayers(ctx context.Context, challengeID string, playerIDs []string) {
	s.releaseKeys(ctx, challengeID, playerIDs)
}

func (s *ChallengeStore) releaseKeys(ctx context.Context, challengeID string, playerIDs []string) {
	for _, pid := range playerIDs {
		if pid == "" || pid == "system_house" {
			continue
		}
		key := playerLockPrefix + pid
		val, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		if strings.HasPrefix(string(val), challengeID+":") {
			if err := s.kv.Del(ctx, key); err != nil {
				slog.Warn("release player lock failed", "player", pid, "error", err)
			}
		}
	}
}

// HistoryEntry is one record in the distributed ring.
type HistoryEntry struct {
	At        time.Time       `json:"at"`
	Event     string          `json:"event"`
	Reason    string          `json:"reason,omitempty"`
	Challenge json.RawMessage `json:"challenge,omitempty"`
}

// AppendHistory pushes onto the ring and trims it. A type-mismatched key
// (for example a leftover string at the list key) is cleared and the push
// retried once.
func (s *ChallengeStore) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	if err := s.kv.LPush(ctx, historyKey, data); err != nil {
		if delErr := s.kv.Del(ctx, historyKey); delErr != nil {
			return err
		}
		if err := s.kv.LPush(ctx, historyKey, data); err != nil {
			return err
		}
	}
	return s.kv.LTrim(ctx, historyKey, 0, HistoryRingMax-1)
}

// RecentHistory reads up to limit entries, newest first.
func (s *ChallengeStore) RecentHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > HistoryRingMax {
		limit = HistoryRingMax
	}
	raws, err := s.kv.LRange(ctx, historyKey, 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(raws))
	for _, raw := range raws {
		var entry HistoryEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

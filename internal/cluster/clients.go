// Package cluster holds the cross-node layers: the presence store, the
// distributed challenge store with per-player locks and the history ring,
// and the pub/sub bus that routes player-direct and owner-addressed
// commands between nodes.
//
// All stores speak to a minimal KV/pub-sub interface so the concrete Redis
// driver stays in internal/infra; a single-node deployment runs the same
// code over the in-memory implementations in memory.go.
package cluster

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by KV Get for missing keys.
var ErrNotFound = errors.New("cluster: key not found")

// KVClient is the key-value surface the stores need: TTL'd strings,
// set-if-absent for locks, pattern scans for listing, and a capped list for
// the history ring.
type KVClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	LPush(ctx context.Context, key string, value []byte) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
}

// PubSubClient publishes and subscribes by channel name. Subscribe returns
// an unsubscribe function.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

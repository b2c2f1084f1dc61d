// Package config builds the server configuration from the process
// environment. All knobs have defaults that work for a single-node dev
// setup; production (onchain escrow) is validated in Validate and is the
// only place a misconfiguration is fatal.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// AuthMode selects how WebSocket upgrades are authenticated.
type AuthMode string

const (
	AuthCookie AuthMode = "cookie"
	AuthToken  AuthMode = "token"
	AuthOpen   AuthMode = "open"
)

// EscrowMode selects how stakes are locked and settled.
type EscrowMode string

const (
	EscrowOnchain  EscrowMode = "onchain"
	EscrowDisabled EscrowMode = "disabled"
)

type Config struct {
	Port             string
	ServerInstanceID string

	DatabaseURL string
	RedisURL    string

	PresenceTTL        time.Duration
	ProximityRadius    float64
	StationProximity   float64
	PendingTimeout     time.Duration
	ActiveResolve      time.Duration
	OrphanGrace        time.Duration
	AgentHumanCooldown time.Duration

	AgentRuntimeURL     string
	EscrowMode          EscrowMode
	ChainRPCURL         string
	EscrowContract      string
	EscrowResolverKey   string
	EscrowTokenDecimals int
	HouseWalletID       string

	WSAuthSecret  string
	WebAuthURL    string
	InternalToken string

	StationPluginRouter bool
	DiceDuelEnabled     bool
	AgentLocomotion     bool

	WorldFile string
}

// FromEnv reads every recognized environment variable, applying defaults.
func FromEnv() *Config {
	cfg := &Config{
		Port:               envOr("SERVER_PORT", envOr("PORT", "8080")),
		ServerInstanceID:   os.Getenv("SERVER_INSTANCE_ID"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		PresenceTTL:        time.Duration(envInt("PRESENCE_TTL_SECONDS", 15)) * time.Second,
		ProximityRadius:    envFloat("PROXIMITY_RADIUS", envFloat("PROXIMITY_THRESHOLD", 12)),
		StationProximity:   envFloat("STATION_PROXIMITY_THRESHOLD", 6),
		PendingTimeout:     time.Duration(envInt("CHALLENGE_PENDING_TIMEOUT_MS", 30000)) * time.Millisecond,
		ActiveResolve:      time.Duration(envInt("CHALLENGE_ACTIVE_RESOLVE_MS", 60000)) * time.Millisecond,
		OrphanGrace:        time.Duration(envInt("CHALLENGE_ORPHAN_GRACE_MS", 15000)) * time.Millisecond,
		AgentHumanCooldown: time.Duration(envInt("AGENT_TO_HUMAN_CHALLENGE_COOLDOWN_MS", 20000)) * time.Millisecond,

		AgentRuntimeURL:     os.Getenv("AGENT_RUNTIME_URL"),
		EscrowMode:          EscrowMode(envOr("ESCROW_EXECUTION_MODE", string(EscrowDisabled))),
		ChainRPCURL:         os.Getenv("CHAIN_RPC_URL"),
		EscrowContract:      os.Getenv("ESCROW_CONTRACT_ADDRESS"),
		EscrowResolverKey:   os.Getenv("ESCROW_RESOLVER_PRIVATE_KEY"),
		EscrowTokenDecimals: envInt("ESCROW_TOKEN_DECIMALS", 18),
		HouseWalletID:       os.Getenv("HOUSE_WALLET_ID"),

		WSAuthSecret:  os.Getenv("GAME_WS_AUTH_SECRET"),
		WebAuthURL:    os.Getenv("WEB_AUTH_URL"),
		InternalToken: os.Getenv("INTERNAL_SERVICE_TOKEN"),

		StationPluginRouter: envBool("STATION_PLUGIN_ROUTER_ENABLED", true),
		DiceDuelEnabled:     envBool("DICE_DUEL_ENABLED", true),
		AgentLocomotion:     envBool("AGENT_LOCOMOTION_ENABLED", true),

		WorldFile: os.Getenv("WORLD_FILE"),
	}
	if cfg.ServerInstanceID == "" {
		cfg.ServerInstanceID = "srv-" + uuid.NewString()[:8]
	}
	return cfg
}

// AuthModeResolved picks the session auth mode from what is configured:
// a signed-token secret wins, then a cookie-auth URL, else open (dev only).
func (c *Config) AuthModeResolved() AuthMode {
	switch {
	case c.WSAuthSecret != "":
		return AuthToken
	case c.WebAuthURL != "":
		return AuthCookie
	default:
		return AuthOpen
	}
}

// Validate is the single fatal-error site. A deployment running onchain
// escrow must have the runtime, contract, and internal token wired.
func (c *Config) Validate() error {
	if c.EscrowMode == EscrowOnchain {
		if c.AgentRuntimeURL == "" {
			return fmt.Errorf("ESCROW_EXECUTION_MODE=onchain requires AGENT_RUNTIME_URL")
		}
		if c.InternalToken == "" {
			return fmt.Errorf("ESCROW_EXECUTION_MODE=onchain requires INTERNAL_SERVICE_TOKEN")
		}
		if c.EscrowContract == "" {
			return fmt.Errorf("ESCROW_EXECUTION_MODE=onchain requires ESCROW_CONTRACT_ADDRESS")
		}
		if c.HouseWalletID == "" {
			return fmt.Errorf("ESCROW_EXECUTION_MODE=onchain requires HOUSE_WALLET_ID")
		}
	}
	if c.EscrowMode != EscrowOnchain && c.EscrowMode != EscrowDisabled {
		return fmt.Errorf("unknown ESCROW_EXECUTION_MODE %q", c.EscrowMode)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wagerarena/gameserver/internal/cluster"
	"github.com/wagerarena/gameserver/internal/config"
	"github.com/wagerarena/gameserver/internal/game"
	"github.com/wagerarena/gameserver/internal/metrics"
	"github.com/wagerarena/gameserver/internal/persist"
	"github.com/wagerarena/gameserver/internal/sim"
)

// Server is the node's HTTP and WebSocket front. It owns no game state:
// everything routes into the hub or the read-side stores.
type Server struct {
	cfg      *config.Config
	hub      *game.Hub
	presence *cluster.PresenceStore
	metrics  *metrics.Metrics
	store    *persist.Store
	cookie   *CookieAuthenticator
	upgrader websocket.Upgrader
	router   *mux.Router
}

// Deps wires the server. Store may be nil when the node runs without a
// database.
type Deps struct {
	Config   *config.Config
	Hub      *game.Hub
	Presence *cluster.PresenceStore
	Metrics  *metrics.Metrics
	Store    *persist.Store
}

func NewServer(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		hub:      d.Hub,
		presence: d.Presence,
		metrics:  d.Metrics,
		store:    d.Store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if d.Config.AuthModeResolved() == config.AuthCookie {
		s.cookie = NewCookieAuthenticator(d.Config.WebAuthURL)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/presence", s.handlePresence).Methods(http.MethodGet)
	r.HandleFunc("/challenges/recent", s.handleRecentChallenges).Methods(http.MethodGet)
	r.HandleFunc("/leaderboard", s.handleLeaderboard).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/metrics.json", s.handleMetricsJSON).Methods(http.MethodGet)

	internal := r.NewRoute().Subrouter()
	internal.Use(s.requireInternalToken)
	internal.HandleFunc("/escrow/events/recent", s.handleRecentEscrow).Methods(http.MethodGet)
	internal.HandleFunc("/migrations/status", s.handleMigrationsStatus).Methods(http.MethodGet)
	internal.HandleFunc("/admin/teleport", s.handleTeleport).Methods(http.MethodPost)
	internal.PathPrefix("/admin/markets").Handler(s.marketsProxy())
	return r
}

// =============================================================================
// WebSocket upgrade
// =============================================================================

// handleWS authenticates, derives the stable player id, upgrades, and runs
// the session pumps until the connection dies.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role := q.Get("role")
	if role == "" {
		role = "human"
	}
	if role != "human" && role != "agent" {
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}

	presentedID := q.Get("clientId")
	if role == "agent" {
		presentedID = q.Get("agentId")
	}
	if presentedID == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	displayName := q.Get("name")
	walletID := q.Get("walletId")

	switch s.cfg.AuthModeResolved() {
	case config.AuthToken:
		claims, err := VerifyToken(s.cfg.WSAuthSecret, q.Get("wsAuth"), role, presentedID, time.Now())
		if err != nil {
			slog.Warn("ws auth rejected", "role", role, "id", presentedID, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if claims.WalletID != "" {
			walletID = claims.WalletID
		}
	case config.AuthCookie:
		identity, err := s.cookie.Validate(r.Context(), r.Header.Get("Cookie"))
		if err != nil {
			slog.Warn("cookie auth rejected", "id", presentedID, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if identity.DisplayName != "" {
			displayName = identity.DisplayName
		}
		if identity.WalletID != "" {
			walletID = identity.WalletID
		}
	}

	playerID := presentedID
	if role == "human" {
		playerID = "u_" + sanitizeID(presentedID)
	} else {
		playerID = sanitizeID(playerID)
	}
	if displayName == "" {
		displayName = playerID
	}

	spawnSection, _ := strconv.Atoi(q.Get("spawnSection"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "error", err)
		return
	}

	sess := newSession(conn, s.hub, playerID, role, displayName, walletID)
	s.hub.AddSession(sess, s.lastPosition(playerID), spawnSection)
	sess.run()
}

// lastPosition looks up the player's persisted presence so a reconnect
// lands where the last tick left them. Out-of-bounds or missing entries
// fall back to the spawn section.
func (s *Server) lastPosition(playerID string) *[2]float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry, err := s.presence.Get(ctx, playerID)
	if err != nil {
		return nil
	}
	return &[2]float64{entry.X, entry.Z}
}

// sanitizeID keeps [A-Za-z0-9_-] and caps length so ids are safe as KV key
// components and stable across reconnects.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		if b.Len() >= 40 {
			break
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}

// =============================================================================
// HTTP surface
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"serverId": s.cfg.ServerInstanceID,
		"sessions": s.hub.Sessions(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if id := r.URL.Query().Get("id"); id != "" {
		entry, err := s.presence.Get(ctx, id)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
			return
		}
		writeJSON(w, http.StatusOK, entry)
		return
	}

	entries, err := s.presence.List(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "presence_unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"players": entries, "count": len(entries)})
}

func (s *Server) handleRecentChallenges(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.hub.RecentChallenges(ctx, limit)})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.store.Leaderboard(r.Context(), limit, r.URL.Query().Get("sortBy"))
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "leaderboard_unavailable"})
		return
	}
	if rows == nil {
		rows = []persist.LeaderboardRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"players": rows})
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleRecentEscrow(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("playerId")
	if playerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "playerId required"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.store.RecentEscrowEvents(r.Context(), playerID, limit)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "escrow_log_unavailable"})
		return
	}
	if records == nil {
		records = []persist.EscrowRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records})
}

func (s *Server) handleMigrationsStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.MigrationsStatus(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "database_unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"migrations": status})
}

type teleportRequest struct {
	PlayerID string   `json:"playerId"`
	X        *float64 `json:"x"`
	Z        *float64 `json:"z"`
	Section  *int     `json:"section"`
}

func (s *Server) handleTeleport(w http.ResponseWriter, r *http.Request) {
	var req teleportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}

	var x, z float64
	switch {
	case req.X != nil && req.Z != nil:
		x, z = *req.X, *req.Z
	case req.Section != nil:
		x, z = sim.SectionSpawn(*req.Section)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "x/z or section required"})
		return
	}

	if !s.hub.Teleport(req.PlayerID, x, z) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "player_not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "playerId": req.PlayerID, "x": x, "z": z})
}

// marketsProxy forwards the market activation surface to the agent
// runtime, which owns the prediction module.
func (s *Server) marketsProxy() http.Handler {
	target, err := url.Parse(s.cfg.AgentRuntimeURL)
	if err != nil || s.cfg.AgentRuntimeURL == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "runtime_not_configured"})
		})
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	inner := proxy.Director
	proxy.Director = func(r *http.Request) {
		inner(r)
		r.Header.Set("X-Internal-Token", s.cfg.InternalToken)
	}
	return proxy
}

// requireInternalToken guards operator endpoints. With no token configured
// the endpoints are disabled outright.
func (s *Server) requireInternalToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.InternalToken == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "internal_api_disabled"})
			return
		}
		token := r.Header.Get("X-Internal-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.cfg.InternalToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

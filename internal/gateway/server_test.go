package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagerarena/gameserver/internal/challenge"
	"github.com/wagerarena/gameserver/internal/cluster"
	"github.com/wagerarena/gameserver/internal/config"
	"github.com/wagerarena/gameserver/internal/escrow"
	"github.com/wagerarena/gameserver/internal/game"
	"github.com/wagerarena/gameserver/internal/metrics"
	"github.com/wagerarena/gameserver/internal/sim"
	"github.com/wagerarena/gameserver/internal/station"
)

type serverRuntime struct{}

func (serverRuntime) Preflight(context.Context, []string, int) (*escrow.RuntimeResult, error) {
	return &escrow.RuntimeResult{OK: true}, nil
}
func (serverRuntime) LockStake(context.Context, string, []string, int) (*escrow.RuntimeResult, error) {
	return &escrow.RuntimeResult{OK: true}, nil
}
func (serverRuntime) Resolve(context.Context, string, string, int) (*escrow.RuntimeResult, error) {
	return &escrow.RuntimeResult{OK: true}, nil
}
func (serverRuntime) Refund(context.Context, string) (*escrow.RuntimeResult, error) {
	return &escrow.RuntimeResult{OK: true}, nil
}

type testEnv struct {
	srv      *httptest.Server
	cfg      *config.Config
	hub      *game.Hub
	presence *cluster.PresenceStore
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := &config.Config{
		ServerInstanceID:    "gw1",
		PresenceTTL:         15 * time.Second,
		ProximityRadius:     12,
		StationProximity:    6,
		PendingTimeout:      30 * time.Second,
		ActiveResolve:       60 * time.Second,
		OrphanGrace:         15 * time.Second,
		AgentHumanCooldown:  20 * time.Second,
		EscrowMode:          config.EscrowDisabled,
		AgentLocomotion:     true,
		StationPluginRouter: true,
	}
	if mutate != nil {
		mutate(cfg)
	}

	kv := cluster.NewMemoryKV()
	ps := cluster.NewMemoryPubSub()
	svc := challenge.NewService(cfg.ServerInstanceID, cfg.PendingTimeout, cfg.ActiveResolve)
	registry := station.NewRegistry(&config.WorldLayout{}, cfg.StationProximity, true)
	router := station.NewRouter(registry, svc, nil, nil)
	presence := cluster.NewPresenceStore(kv, cfg.ServerInstanceID, cfg.PresenceTTL)
	m := metrics.NewWith(prometheus.NewRegistry())

	var hub *game.Hub
	orch := escrow.NewOrchestrator(serverRuntime{}, false, escrow.Hooks{
		WalletOf:          func(id string) (string, bool) { return hub.WalletFor(id) },
		HouseWallet:       func() string { return "w_house" },
		DispatchChallenge: func(ev challenge.Event) { hub.DispatchChallengeEvent(ev) },
		DispatchEscrow:    func(ev escrow.Event) { hub.DispatchEscrowEvent(ev) },
		Abort:             func(id, reason string) challenge.Event { return hub.AbortChallenge(id, reason) },
	})
	hub = game.NewHub(game.Deps{
		Config:     cfg,
		World:      sim.NewWorld(nil),
		Proximity:  sim.NewProximityDetector(cfg.ProximityRadius),
		Challenges: svc,
		Stations:   router,
		Registry:   registry,
		Orch:       orch,
		Presence:   presence,
		Store:      cluster.NewChallengeStore(kv, cfg.ServerInstanceID),
		Bus:        cluster.NewBus(ps, cfg.ServerInstanceID),
		Metrics:    m,
	})
	require.NoError(t, hub.Start(context.Background()))
	t.Cleanup(hub.Close)

	s := NewServer(Deps{Config: cfg, Hub: hub, Presence: presence, Metrics: m})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, cfg: cfg, hub: hub, presence: presence}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t, nil)
	var body map[string]any
	code := getJSON(t, env.srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "gw1", body["serverId"])
}

func TestPresenceUnknownPlayer(t *testing.T) {
	env := newTestServer(t, nil)
	code := getJSON(t, env.srv.URL+"/presence?id=u_nobody", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRecentChallengesEmpty(t *testing.T) {
	env := newTestServer(t, nil)
	var body map[string]any
	code := getJSON(t, env.srv.URL+"/challenges/recent", &body)
	assert.Equal(t, http.StatusOK, code)
}

func TestInternalEndpointsDisabledWithoutToken(t *testing.T) {
	env := newTestServer(t, nil)
	code := getJSON(t, env.srv.URL+"/migrations/status", nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestInternalEndpointsRejectWrongToken(t *testing.T) {
	env := newTestServer(t, func(c *config.Config) { c.InternalToken = "sekrit" })
	code := getJSON(t, env.srv.URL+"/migrations/status?token=wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestTeleportUnknownPlayer(t *testing.T) {
	env := newTestServer(t, func(c *config.Config) { c.InternalToken = "sekrit" })
	body, _ := json.Marshal(map[string]any{"playerId": "u_ghost", "section": 2})
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/admin/teleport", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Internal-Token", "sekrit")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWSOpenModeWelcome(t *testing.T) {
	env := newTestServer(t, nil)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.srv, "role=human&clientId=alice&name=Alice"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "welcome", frame["type"])
	assert.Equal(t, "u_alice", frame["playerId"])
}

func TestWSTokenModeRejectsMissingToken(t *testing.T) {
	env := newTestServer(t, func(c *config.Config) { c.WSAuthSecret = "s3cret" })
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env.srv, "role=human&clientId=alice"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSTokenModeAcceptsMintedToken(t *testing.T) {
	env := newTestServer(t, func(c *config.Config) { c.WSAuthSecret = "s3cret" })
	token, err := MintToken("s3cret", TokenClaims{
		V: 1, Role: "agent", AgentID: "agent_9", WalletID: "w_agent_9",
		Iat: time.Now().Unix(), Exp: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(env.srv, "role=agent&agentId=agent_9&spawnSection=3&wsAuth="+token), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "welcome", frame["type"])
	assert.Equal(t, "agent_9", frame["playerId"])
}

func TestWSRejectsUnknownRole(t *testing.T) {
	env := newTestServer(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env.srv, "role=robot&clientId=x"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRejoinRestoresPresencePosition(t *testing.T) {
	env := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go env.hub.Run(ctx)

	// a previous session left u_alice at (120, -60)
	require.NoError(t, env.presence.Upsert(context.Background(), cluster.PresenceEntry{
		PlayerID: "u_alice", Role: "human", DisplayName: "Alice", X: 120, Z: -60,
	}))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.srv, "role=human&clientId=alice"), nil)
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame struct {
			Type    string            `json:"type"`
			Players []game.PlayerView `json:"players"`
		}
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame.Type != game.FrameSnapshot {
			continue
		}
		for _, p := range frame.Players {
			if p.ID == "u_alice" {
				assert.InDelta(t, 120, p.X, 1)
				assert.InDelta(t, -60, p.Z, 1)
				return
			}
		}
	}
	t.Fatal("player never appeared in a snapshot")
}

func TestCookieModeRejectsWhenAuthServiceDenies(t *testing.T) {
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer auth.Close()

	env := newTestServer(t, func(c *config.Config) { c.WebAuthURL = auth.URL })
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env.srv, "role=human&clientId=alice"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCookieModeMapsIdentity(t *testing.T) {
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(CookieIdentity{OK: true, DisplayName: "Alice", WalletID: "w_alice"})
	}))
	defer auth.Close()

	env := newTestServer(t, func(c *config.Config) { c.WebAuthURL = auth.URL })
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.srv, "role=human&clientId=alice"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "welcome", frame["type"])
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wagerarena/gameserver/internal/challenge"
	"github.com/wagerarena/gameserver/internal/cluster"
	"github.com/wagerarena/gameserver/internal/config"
	"github.com/wagerarena/gameserver/internal/escrow"
	"github.com/wagerarena/gameserver/internal/game"
	"github.com/wagerarena/gameserver/internal/gateway"
	"github.com/wagerarena/gameserver/internal/infra"
	"github.com/wagerarena/gameserver/internal/metrics"
	"github.com/wagerarena/gameserver/internal/persist"
	"github.com/wagerarena/gameserver/internal/sim"
	"github.com/wagerarena/gameserver/internal/station"
)

func main() {
	_ = godotenv.Load()

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}
	setupLogging()

	slog.Info("starting game server",
		"serverId", cfg.ServerInstanceID,
		"port", cfg.Port,
		"escrowMode", cfg.EscrowMode,
		"authMode", cfg.AuthModeResolved())

	// Cluster backends: Redis when configured and reachable, else the
	// in-memory single-node stores.
	var kv cluster.KVClient
	var ps cluster.PubSubClient
	if cfg.RedisURL != "" {
		adapter, err := infra.NewGoRedisAdapter(cfg.RedisURL)
		if err != nil {
			slog.Warn("Redis unavailable, running single-node", "error", err)
		} else {
			defer adapter.Close()
			kv, ps = adapter, adapter
		}
	}
	if kv == nil {
		kv = cluster.NewMemoryKV()
		ps = cluster.NewMemoryPubSub()
	}

	// Persistence is optional: without a database the server still runs,
	// it just keeps no durable history.
	var store *persist.Store
	if cfg.DatabaseURL != "" {
		var err error
		store, err = persist.Open(cfg.DatabaseURL)
		if err != nil {
			slog.Warn("database unavailable, running without persistence", "error", err)
		} else {
			defer store.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := store.EnsureSchema(ctx); err != nil {
				slog.Error("schema migration failed", "error", err)
				cancel()
				os.Exit(1)
			}
			cancel()
		}
	}

	layout, err := config.LoadWorldLayout(cfg.WorldFile)
	if err != nil {
		slog.Error("world layout invalid", "file", cfg.WorldFile, "error", err)
		os.Exit(1)
	}
	obstacles := make([]sim.Obstacle, 0, len(layout.Obstacles))
	for _, o := range layout.Obstacles {
		obstacles = append(obstacles, sim.Obstacle{MinX: o.MinX, MinZ: o.MinZ, MaxX: o.MaxX, MaxZ: o.MaxZ})
	}

	runtime := escrow.NewRuntimeClient(cfg.AgentRuntimeURL, cfg.InternalToken)
	guarded := escrow.NewGuardedRuntime(runtime)
	svc := challenge.NewService(cfg.ServerInstanceID, cfg.PendingTimeout, cfg.ActiveResolve)
	registry := station.NewRegistry(layout, cfg.StationProximity, cfg.DiceDuelEnabled)
	presence := cluster.NewPresenceStore(kv, cfg.ServerInstanceID, cfg.PresenceTTL)
	m := metrics.New()

	escrowOn := cfg.EscrowMode == config.EscrowOnchain

	var hub *game.Hub
	orch := escrow.NewOrchestrator(guarded, escrowOn, escrow.Hooks{
		WalletOf:          func(id string) (string, bool) { return hub.WalletFor(id) },
		HouseWallet:       func() string { return cfg.HouseWalletID },
		DispatchChallenge: func(ev challenge.Event) { hub.DispatchChallengeEvent(ev) },
		DispatchEscrow:    func(ev escrow.Event) { hub.DispatchEscrowEvent(ev) },
		Abort:             func(id, reason string) challenge.Event { return hub.AbortChallenge(id, reason) },
		Persist:           store.EscrowEvent,
	})

	// Dealer rounds preflight through the same cached runtime check PvP
	// escrow uses; the cashier reads the runtime's wallet view.
	router := station.NewRouter(registry, svc, dealerPreflight(orch, escrowOn, func(id string) (string, bool) {
		return hub.WalletFor(id)
	}), cashierBalance(runtime))

	hub = game.NewHub(game.Deps{
		Config:     cfg,
		World:      sim.NewWorld(obstacles),
		Proximity:  sim.NewProximityDetector(cfg.ProximityRadius),
		Challenges: svc,
		Stations:   router,
		Registry:   registry,
		Orch:       orch,
		Presence:   presence,
		Store:      cluster.NewChallengeStore(kv, cfg.ServerInstanceID),
		Bus:        cluster.NewBus(ps, cfg.ServerInstanceID),
		Metrics:    m,
		Persist:    store,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := hub.Start(ctx); err != nil {
		slog.Error("hub start failed", "error", err)
		os.Exit(1)
	}
	go hub.Run(ctx)
	go hub.RunSweeper(ctx)

	gw := gateway.NewServer(gateway.Deps{
		Config:   cfg,
		Hub:      hub,
		Presence: presence,
		Metrics:  m,
		Store:    store,
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sig:
		slog.Info("shutting down", "signal", s.String())
	case err := <-errCh:
		slog.Error("http server failed", "error", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	hub.Close()
}

func setupLogging() {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

// dealerPreflight gates wagered dealer rounds on the player's wallet
// balance. With escrow disabled every round plays unstaked and the check
// always passes.
func dealerPreflight(orch *escrow.Orchestrator, enabled bool, walletOf func(string) (string, bool)) station.PreflightFunc {
	return func(playerID string, wager int) (bool, string, string) {
		if !enabled || wager == 0 {
			return true, "", ""
		}
		walletID, ok := walletOf(playerID)
		if !ok {
			return false, "wallet_required", "connect a wallet to play wagered rounds"
		}
		result, err := orch.CachedPreflight(context.Background(), []string{walletID}, wager)
		if err != nil {
			return false, escrow.ReasonInternalTransportError, escrow.ReasonText(escrow.ReasonInternalTransportError)
		}
		if !result.OK {
			return false, result.Reason, escrow.ReasonText(result.Reason)
		}
		return true, "", ""
	}
}

// cashierBalance surfaces the runtime's wallet view at the cashier desk.
func cashierBalance(runtime *escrow.RuntimeClient) station.BalanceFunc {
	return func(playerID string) (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		result, err := runtime.Wallets(ctx)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

// agentsim drives a swarm of simulated agents against a running game
// server: each agent connects over WebSocket, wanders the arena, and
// occasionally challenges whoever walks into proximity. Useful both as a
// smoke test and as a lightweight load generator.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wagerarena/gameserver/internal/gateway"
)

type simConfig struct {
	ServerURL      string
	Agents         int
	AuthSecret     string
	ChallengeRate  float64
	Wager          int
	ReportInterval time.Duration
}

type simStats struct {
	Connected      uint64
	Disconnects    uint64
	FramesReceived uint64
	ChallengesSent uint64
	ChallengesWon  uint64
	ChallengesLost uint64
}

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/ws", "Game server WebSocket URL")
	agents := flag.Int("agents", 5, "Number of simulated agents")
	secret := flag.String("secret", os.Getenv("GAME_WS_AUTH_SECRET"), "wsAuth signing secret (empty = open mode)")
	rate := flag.Float64("challenge-rate", 0.05, "Per-tick probability of challenging a nearby player")
	wager := flag.Int("wager", 0, "Wager attached to challenges")
	report := flag.Duration("report", 10*time.Second, "Stats reporting interval")
	flag.Parse()

	cfg := simConfig{
		ServerURL:      *serverURL,
		Agents:         *agents,
		AuthSecret:     *secret,
		ChallengeRate:  *rate,
		Wager:          *wager,
		ReportInterval: *report,
	}

	slog.Info("starting agent swarm", "server", cfg.ServerURL, "agents", cfg.Agents)

	stats := &simStats{}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < cfg.Agents; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			runAgent(cfg, idx, stats, stop)
		}(i)
	}

	go reportLoop(stats, cfg.ReportInterval, stop)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	close(stop)
	wg.Wait()
	printStats(stats)
}

// runAgent keeps one agent connected for the lifetime of the run,
// reconnecting with backoff when the socket drops.
func runAgent(cfg simConfig, idx int, stats *simStats, stop <-chan struct{}) {
	agentID := fmt.Sprintf("simagent_%d", idx)
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(idx)))
	backoff := time.Second

	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := runSession(cfg, agentID, idx, rng, stats, stop); err != nil {
			atomic.AddUint64(&stats.Disconnects, 1)
			slog.Debug("agent session ended", "agent", agentID, "error", err)
		}

		select {
		case <-stop:
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func runSession(cfg simConfig, agentID string, idx int, rng *rand.Rand, stats *simStats, stop <-chan struct{}) error {
	u, err := dialURL(cfg, agentID, idx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	atomic.AddUint64(&stats.Connected, 1)

	// nearby players seen in proximity frames, candidates for challenges
	var mu sync.Mutex
	nearby := make(map[string]bool)
	playerID := ""

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			atomic.AddUint64(&stats.FramesReceived, 1)

			var frame map[string]any
			if json.Unmarshal(data, &frame) != nil {
				continue
			}
			switch frame["type"] {
			case "welcome":
				if id, ok := frame["playerId"].(string); ok {
					playerID = id
				}
			case "proximity":
				other, _ := frame["otherId"].(string)
				mu.Lock()
				if frame["event"] == "enter" {
					nearby[other] = true
				} else {
					delete(nearby, other)
				}
				mu.Unlock()
			case "challenge":
				handleChallengeFrame(conn, frame, playerID, rng, stats)
			}
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	heading := rng.Float64() * 2 * math.Pi
	for {
		select {
		case <-stop:
			return nil
		case err := <-readErr:
			return err
		case <-ticker.C:
			// random walk with occasional heading changes
			if rng.Float64() < 0.15 {
				heading = rng.Float64() * 2 * math.Pi
			}
			send(conn, map[string]any{
				"type":  "input",
				"moveX": math.Sin(heading),
				"moveZ": math.Cos(heading),
			})

			if rng.Float64() < cfg.ChallengeRate {
				mu.Lock()
				target := pickTarget(nearby, rng)
				mu.Unlock()
				if target != "" {
					send(conn, map[string]any{
						"type":     "challenge_send",
						"targetId": target,
						"gameType": pickGame(rng),
						"wager":    cfg.Wager,
					})
					atomic.AddUint64(&stats.ChallengesSent, 1)
				}
			}
		}
	}
}

// handleChallengeFrame accepts incoming challenges and plays a random move
// when a game goes active.
func handleChallengeFrame(conn *websocket.Conn, frame map[string]any, playerID string, rng *rand.Rand, stats *simStats) {
	ch, _ := frame["challenge"].(map[string]any)
	if ch == nil {
		return
	}
	id, _ := ch["id"].(string)

	switch frame["event"] {
	case "created":
		if opp, _ := ch["opponentId"].(string); opp == playerID {
			send(conn, map[string]any{"type": "challenge_response", "challengeId": id, "accept": true})
		}
	case "accepted":
		game, _ := ch["gameType"].(string)
		send(conn, map[string]any{"type": "challenge_move", "challengeId": id, "move": randomMove(game, rng)})
	case "resolved":
		winner, _ := ch["winnerId"].(string)
		switch winner {
		case "":
		case playerID:
			atomic.AddUint64(&stats.ChallengesWon, 1)
		default:
			atomic.AddUint64(&stats.ChallengesLost, 1)
		}
	}
}

func dialURL(cfg simConfig, agentID string, idx int) (string, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("role", "agent")
	q.Set("agentId", agentID)
	q.Set("name", "Sim "+agentID)
	q.Set("spawnSection", fmt.Sprintf("%d", idx%8))
	if cfg.AuthSecret != "" {
		now := time.Now()
		token, err := gateway.MintToken(cfg.AuthSecret, gateway.TokenClaims{
			V: 1, Role: "agent", AgentID: agentID,
			Iat: now.Unix(), Exp: now.Add(24 * time.Hour).Unix(),
		})
		if err != nil {
			return "", err
		}
		q.Set("wsAuth", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func send(conn *websocket.Conn, msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func pickTarget(nearby map[string]bool, rng *rand.Rand) string {
	if len(nearby) == 0 {
		return ""
	}
	n := rng.Intn(len(nearby))
	for id := range nearby {
		if n == 0 {
			return id
		}
		n--
	}
	return ""
}

func pickGame(rng *rand.Rand) string {
	games := []string{"rps", "coinflip", "dice_duel"}
	return games[rng.Intn(len(games))]
}

func randomMove(game string, rng *rand.Rand) string {
	switch game {
	case "rps":
		moves := []string{"rock", "paper", "scissors"}
		return moves[rng.Intn(3)]
	case "coinflip":
		if rng.Intn(2) == 0 {
			return "heads"
		}
		return "tails"
	case "dice_duel":
		return fmt.Sprintf("%d", rng.Intn(6)+1)
	}
	return ""
}

func reportLoop(stats *simStats, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			slog.Info("swarm progress",
				"connected", atomic.LoadUint64(&stats.Connected),
				"disconnects", atomic.LoadUint64(&stats.Disconnects),
				"frames", atomic.LoadUint64(&stats.FramesReceived),
				"challengesSent", atomic.LoadUint64(&stats.ChallengesSent))
		case <-stop:
			return
		}
	}
}

func printStats(stats *simStats) {
	fmt.Printf("connected:       %d\n", atomic.LoadUint64(&stats.Connected))
	fmt.Printf("disconnects:     %d\n", atomic.LoadUint64(&stats.Disconnects))
	fmt.Printf("frames received: %d\n", atomic.LoadUint64(&stats.FramesReceived))
	fmt.Printf("challenges sent: %d\n", atomic.LoadUint64(&stats.ChallengesSent))
	fmt.Printf("won/lost:        %d/%d\n", atomic.LoadUint64(&stats.ChallengesWon), atomic.LoadUint64(&stats.ChallengesLost))
}

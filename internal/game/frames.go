// Package game composes the simulation, proximity, challenge, station,
// escrow and cluster layers under a single 20 Hz tick loop, and owns the
// dispatch pipeline that fans events out to sessions on this node and over
// the bus to everyone else.
package game

import (
	"encoding/json"
	"log/slog"

	"github.com/wagerarena/gameserver/internal/challenge"
	"github.com/wagerarena/gameserver/internal/escrow"
	"github.com/wagerarena/gameserver/internal/station"
)

// Server frame types.
const (
	FrameWelcome      = "welcome"
	FrameSnapshot     = "snapshot"
	FrameProximity    = "proximity"
	FrameChallenge    = "challenge"
	FrameFeed         = "challenge_feed"
	FrameEscrow       = "challenge_escrow"
	FrameStationUI    = "station_ui"
	FrameProvablyFair = "provably_fair"
)

type welcomeFrame struct {
	Type        string `json:"type"`
	PlayerID    string `json:"playerId"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
	ServerID    string `json:"serverId"`
}

// PlayerView is one row of the merged snapshot.
type PlayerView struct {
	ID          string  `json:"id"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Z           float64 `json:"z"`
	Yaw         float64 `json:"yaw"`
	Speed       float64 `json:"speed"`
	Role        string  `json:"role"`
	DisplayName string  `json:"displayName"`
	WalletID    string  `json:"walletId,omitempty"`
}

type snapshotFrame struct {
	Type     string             `json:"type"`
	Tick     uint64             `json:"tick"`
	Players  []PlayerView       `json:"players"`
	Stations []*station.Station `json:"stations"`
}

type proximityFrame struct {
	Type      string  `json:"type"`
	Event     string  `json:"event"`
	OtherID   string  `json:"otherId"`
	OtherName string  `json:"otherName,omitempty"`
	Distance  float64 `json:"distance,omitempty"`
}

type challengeFrame struct {
	Type      string               `json:"type"`
	Event     string               `json:"event"`
	Reason    string               `json:"reason,omitempty"`
	Challenge *challenge.Challenge `json:"challenge,omitempty"`
}

type escrowFrame struct {
	Type string `json:"type"`
	escrow.Event
}

type stationFrame struct {
	Type      string       `json:"type"`
	StationID string       `json:"stationId"`
	View      station.View `json:"view"`
}

type fairFrame struct {
	Type        string `json:"type"`
	Phase       string `json:"phase"` // commit | reveal
	ChallengeID string `json:"challengeId,omitempty"`
	CommitHash  string `json:"commitHash"`
	PlayerSeed  string `json:"playerSeed,omitempty"`
	HouseSeed   string `json:"houseSeed,omitempty"`
	Method      string `json:"method"`
}

func marshalFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("frame marshal failed", "error", err)
		return nil
	}
	return data
}

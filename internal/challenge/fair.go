package challenge

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// Provably-fair derivation. The server commits sha256(houseSeed) before the
// player's pick binds the outcome; after reveal anyone can recompute the
// result and check the commitment.

// FairMethod names the derivation so clients know what to recompute.
const FairMethod = "sha256-commit-reveal-v1"

// NewHouseSeed returns 24 random bytes hex-encoded.
func NewHouseSeed() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// CommitHash is the published commitment for a house seed.
func CommitHash(houseSeed string) string {
	sum := sha256.Sum256([]byte(houseSeed))
	return hex.EncodeToString(sum[:])
}

// VerifyReveal checks that a revealed seed matches its commitment.
func VerifyReveal(revealSeed, commitHash string) bool {
	return CommitHash(revealSeed) == commitHash
}

// ComputeCoinflip derives heads/tails from the LSB of the first byte of
// sha256(houseSeed|playerSeed|challengeId).
func ComputeCoinflip(houseSeed, playerSeed, challengeID string) string {
	sum := sha256.Sum256([]byte(houseSeed + "|" + playerSeed + "|" + challengeID))
	if sum[0]&1 == 0 {
		return "heads"
	}
	return "tails"
}

// ComputeDiceRoll derives a face 1..6 from the first byte of
// sha256(houseSeed|playerSeed|challengeId|"dice_duel").
func ComputeDiceRoll(houseSeed, playerSeed, challengeID string) int {
	sum := sha256.Sum256([]byte(houseSeed + "|" + playerSeed + "|" + challengeID + "|dice_duel"))
	return int(sum[0]%6) + 1
}

// diceDistance is the circular distance between two faces on a mod-6 wheel.
func diceDistance(declared, rolled int) int {
	d := declared - rolled
	if d < 0 {
		d = -d
	}
	if alt := 6 - d; alt < d {
		return alt
	}
	return d
}

// DiceWinner picks the side whose declared face is circularly closer to the
// roll. Equal distance goes to the challenger.
func DiceWinner(challengerFace, opponentFace, roll int) (winnerIsChallenger bool) {
	return diceDistance(challengerFace, roll) <= diceDistance(opponentFace, roll)
}

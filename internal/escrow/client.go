// Package escrow wraps every challenge state change with monetary
// consequence in a strictly ordered external workflow: preflight, stake
// lock, resolve, refund against the agent runtime. Failures roll the
// challenge state machine back coherently and are dual-logged to clients
// and the escrow event table.
package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Runtime is the external escrow backend surface the orchestrator needs.
// The production implementation is RuntimeClient; tests plug in fakes.
type Runtime interface {
	Preflight(ctx context.Context, walletIDs []string, amount int) (*RuntimeResult, error)
	LockStake(ctx context.Context, challengeID string, walletIDs []string, amount int) (*RuntimeResult, error)
	Resolve(ctx context.Context, challengeID, winnerWalletID string, feeBps int) (*RuntimeResult, error)
	Refund(ctx context.Context, challengeID string) (*RuntimeResult, error)
}

// RuntimeResult is the common JSON response shape of the runtime's escrow
// endpoints.
type RuntimeResult struct {
	OK      bool           `json:"ok"`
	Reason  string         `json:"reason,omitempty"`
	TxHash  string         `json:"txHash,omitempty"`
	Fee     float64        `json:"fee,omitempty"`
	Payout  float64        `json:"payout,omitempty"`
	Results []WalletStatus `json:"results,omitempty"`
}

// WalletStatus is one wallet's preflight verdict.
type WalletStatus struct {
	WalletID string `json:"walletId"`
	OK       bool   `json:"ok"`
	Reason   string `json:"reason,omitempty"`
}

// RuntimeClient talks HTTP to the agent runtime. Every call carries the
// shared internal token and a hard deadline so a stalled runtime can never
// stall the dispatch pipeline.
type RuntimeClient struct {
	baseURL       string
	internalToken string
	http          *http.Client
}

const runtimeTimeout = 10 * time.Second

func NewRuntimeClient(baseURL, internalToken string) *RuntimeClient {
	return &RuntimeClient{
		baseURL:       baseURL,
		internalToken: internalToken,
		http:          &http.Client{Timeout: runtimeTimeout},
	}
}

func (c *RuntimeClient) Preflight(ctx context.Context, walletIDs []string, amount int) (*RuntimeResult, error) {
	return c.post(ctx, "/wallets/onchain/prepare-escrow", map[string]any{
		"walletIds": walletIDs,
		"amount":    amount,
	})
}

func (c *RuntimeClient) LockStake(ctx context.Context, challengeID string, walletIDs []string, amount int) (*RuntimeResult, error) {
	return c.post(ctx, "/wallets/escrow/lock", map[string]any{
		"challengeId": challengeID,
		"walletIds":   walletIDs,
		"amount":      amount,
	})
}

func (c *RuntimeClient) Resolve(ctx context.Context, challengeID, winnerWalletID string, feeBps int) (*RuntimeResult, error) {
	return c.post(ctx, "/wallets/escrow/resolve", map[string]any{
		"challengeId":    challengeID,
		"winnerWalletId": winnerWalletID,
		"feeBps":         feeBps,
	})
}

func (c *RuntimeClient) Refund(ctx context.Context, challengeID string) (*RuntimeResult, error) {
	return c.post(ctx, "/wallets/escrow/refund", map[string]any{
		"challengeId": challengeID,
	})
}

// Wallets lists the runtime's known wallets (cashier bank view).
func (c *RuntimeClient) Wallets(ctx context.Context) (*RuntimeResult, error) {
	return c.get(ctx, "/wallets")
}

// HouseStatus reports the house signer's availability.
func (c *RuntimeClient) HouseStatus(ctx context.Context) (*RuntimeResult, error) {
	return c.get(ctx, "/house/status")
}

func (c *RuntimeClient) post(ctx context.Context, path string, body any) (*RuntimeResult, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *RuntimeClient) get(ctx context.Context, path string) (*RuntimeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *RuntimeClient) do(req *http.Request) (*RuntimeResult, error) {
	if c.internalToken != "" {
		req.Header.Set("X-Internal-Token", c.internalToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runtime %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &RuntimeResult{OK: false, Reason: ReasonInternalAuthFailed}, nil
	}

	var result RuntimeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("runtime %s: decode: %w", req.URL.Path, err)
	}
	return &result, nil
}

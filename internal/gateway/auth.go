// Package gateway terminates client sessions: WebSocket upgrade with
// authentication, inbound message parsing and dispatch into the hub, and
// the node's HTTP surface.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TokenClaims is the signed wsAuth payload.
type TokenClaims struct {
	V        int    `json:"v"`
	Role     string `json:"role"`
	ClientID string `json:"clientId,omitempty"`
	AgentID  string `json:"agentId,omitempty"`
	WalletID string `json:"walletId,omitempty"`
	Iat      int64  `json:"iat"`
	Exp      int64  `json:"exp"`
}

var (
	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenSignature = errors.New("token signature mismatch")
	ErrTokenVersion   = errors.New("token version unsupported")
	ErrTokenRole      = errors.New("token role mismatch")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenIdentity  = errors.New("token identity mismatch")
)

// MintToken signs claims into the wire form
// base64url(payload).base64url(hmacSha256(secret, payload)).
func MintToken(secret string, claims TokenClaims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifyToken checks signature, version, role, expiry and the identity
// claim against the presented client/agent id.
func VerifyToken(secret, token, role, presentedID string, now time.Time) (*TokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, ErrTokenMalformed
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrTokenMalformed
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrTokenSignature
	}

	var claims TokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrTokenMalformed
	}
	if claims.V != 1 {
		return nil, ErrTokenVersion
	}
	if claims.Role != role {
		return nil, ErrTokenRole
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return nil, ErrTokenExpired
	}
	switch role {
	case "human":
		if claims.ClientID == "" || claims.ClientID != presentedID {
			return nil, ErrTokenIdentity
		}
	case "agent":
		if claims.AgentID == "" || claims.AgentID != presentedID {
			return nil, ErrTokenIdentity
		}
	default:
		return nil, ErrTokenRole
	}
	return &claims, nil
}

// CookieAuthenticator validates a session cookie against the external auth
// service and maps it to a display identity.
type CookieAuthenticator struct {
	url  string
	http *http.Client
}

// CookieIdentity is the auth service's verdict.
type CookieIdentity struct {
	OK          bool   `json:"ok"`
	DisplayName string `json:"displayName"`
	WalletID    string `json:"walletId"`
	ProfileID   string `json:"profileId"`
}

func NewCookieAuthenticator(url string) *CookieAuthenticator {
	return &CookieAuthenticator{url: url, http: &http.Client{Timeout: 5 * time.Second}}
}

// Validate forwards the session cookie and returns the mapped identity.
func (a *CookieAuthenticator) Validate(ctx context.Context, cookieHeader string) (*CookieIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cookie", cookieHeader)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth service status %d", resp.StatusCode)
	}
	var identity CookieIdentity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fmt.Errorf("auth service decode: %w", err)
	}
	if !identity.OK {
		return nil, errors.New("session rejected")
	}
	return &identity, nil
}

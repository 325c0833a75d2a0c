// Package auth implements agent identity, capability scopes, rate limiting,
// and nonce tracking for the coordination kernel.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	kernelerrors "github.com/agentbridge/bridge/infrastructure/errors"
	"github.com/agentbridge/bridge/infrastructure/cache"
)

// tokenCacheTTL bounds how long a parsed token's claims are cached, short
// enough that a revoked-but-cached token only has a brief extra window
// before the cache simply forgets it and the next request re-verifies the
// signature from scratch.
const tokenCacheTTL = 30 * time.Second

// Claims is the payload of a session token issued to an agent.
type Claims struct {
	AgentID      string   `json:"sub"`
	SessionID    string   `json:"sid"`
	Capabilities []string `json:"caps"`
	jwt.RegisteredClaims
}

// TokenManager issues and validates HS256 session tokens. One TokenManager
// is shared by every gateway process that must accept the same tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	cache  *cache.TokenCache
}

// NewTokenManager builds a manager; secret must be non-empty. Every
// gateway request calls Validate, so successfully-parsed claims are kept
// in a short-lived TokenCache to skip the HMAC verify on repeat requests
// from the same session within the cache window.
func NewTokenManager(secret string, ttl time.Duration) (*TokenManager, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: token secret required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenManager{
		secret: []byte(secret),
		ttl:    ttl,
		cache:  cache.NewTokenCache(cache.CacheConfig{DefaultTTL: tokenCacheTTL, MaxSize: 10000}),
	}, nil
}

// Issue signs a session token for agentID with the given capability scopes.
func (m *TokenManager) Issue(agentID, sessionID string, capabilities []string) (string, time.Time, error) {
	exp := time.Now().Add(m.ttl)
	claims := Claims{
		AgentID:      agentID,
		SessionID:    sessionID,
		Capabilities: capabilities,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   agentID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// Validate parses and verifies a session token, returning its claims. A
// token that verified successfully within the last tokenCacheTTL is
// returned from cache without re-running the HMAC verify; a token that
// previously failed to verify is never cached, so repeated bad tokens
// always pay the full parse-and-reject cost (no incentive to brute-force
// the cache instead of the signature).
func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	hash := tokenCacheKey(tokenString)
	if cached, ok := m.cache.GetToken(hash); ok {
		claims, _ := cached.(*Claims)
		if claims != nil {
			return claims, nil
		}
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, kernelerrors.TokenExpired()
		}
		return nil, kernelerrors.InvalidToken(err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, kernelerrors.InvalidToken(errors.New("token claims invalid"))
	}

	ttl := time.Duration(tokenCacheTTL)
	if claims.ExpiresAt != nil {
		if remaining := time.Until(claims.ExpiresAt.Time); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl > 0 {
		m.cache.SetToken(hash, claims, ttl)
	}
	return claims, nil
}

func tokenCacheKey(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return hex.EncodeToString(sum[:])
}

// TokenManager has no revoke operation: revocation is enforced by checking
// the agent/session projection, not by mutating tokens already issued (see
// bridge/event TypeTokenRevoked and bridge/auth/session.go).

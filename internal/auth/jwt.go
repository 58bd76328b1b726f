// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned when a session token is past its expiry.
var ErrTokenExpired = errors.New("session token expired")

const issuer = "go-overcache"

// SessionClaims identifies the signed-in user (sub) and the active kitchen.
type SessionClaims struct {
	KitchenID string `json:"kitchen_id,omitempty"`
	jwt.RegisteredClaims
}

type sessionKey struct{}

// WithSession returns ctx carrying the session of a validated token.
func WithSession(ctx context.Context, claims *SessionClaims) context.Context {
	return context.WithValue(ctx, sessionKey{}, claims)
}

func sessionFrom(ctx context.Context) *SessionClaims {
	claims, _ := ctx.Value(sessionKey{}).(*SessionClaims)
	if claims == nil {
		return &SessionClaims{}
	}
	return claims
}

// GetKitchenID returns the active kitchen of the request session; ok is false
// when there is none.
func GetKitchenID(ctx context.Context) (string, bool) {
	id := sessionFrom(ctx).KitchenID
	return id, id != ""
}

// GetUserID returns the signed-in user of the request session
func GetUserID(ctx context.Context) (string, bool) {
	id := sessionFrom(ctx).Subject
	return id, id != ""
}

// JWTAuth issues and validates HS256 session tokens
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

// GenerateToken generates a session token. kitchenID may be empty for a user
// who has not picked a kitchen yet.
func (j *JWTAuth) GenerateToken(userID, kitchenID string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &SessionClaims{
		KitchenID: kitchenID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a token signature and returns its claims
func (j *JWTAuth) ValidateToken(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user ID) in token")
	}
	return claims, nil
}

// ParseSessionClaims reads the claims of a token issued elsewhere without
// verifying its signature. Clients use it to learn their session; the server
// still validates every request.
func ParseSessionClaims(tokenString string, now time.Time) (*SessionClaims, error) {
	claims := &SessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("failed to parse session token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user ID) in token")
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("authorization header required")
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader || token == "" {
		return "", fmt.Errorf("bearer token required")
	}
	return token, nil
}

// Middleware returns an HTTP middleware that validates the bearer token and
// stores the session ids in the request context.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		claims, err := j.ValidateToken(token)
		if err != nil {
			tokenPrefix := token
			if len(tokenPrefix) > 20 {
				tokenPrefix = tokenPrefix[:20]
			}
			slog.Error("JWT validation failed", "error", err, "token_prefix", tokenPrefix)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), claims)))
	})
}

/*
auth.go - Bearer token authentication

The fee engine attributes every ledger entry to an actor. The HTTP layer
resolves that actor from an HS256 JWT: the "sub" claim becomes fee.Actor.

RULES:
  - No secret configured:   auth disabled, every request runs as "system"
  - No Authorization header: request runs as "system"
  - Malformed or invalid token: 401
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
)

type actorKey struct{}

// ActorFrom returns the authenticated actor, or fee.SystemActor.
func ActorFrom(ctx context.Context) fee.Actor {
	if a, ok := ctx.Value(actorKey{}).(fee.Actor); ok {
		return a.OrSystem()
	}
	return fee.SystemActor
}

// WithActor stores the actor in ctx.
func WithActor(ctx context.Context, a fee.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// Authenticator validates bearer tokens signed with secret.
func Authenticator(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				writeError(w, http.StatusUnauthorized, "Invalid authorization header", nil)
				return
			}

			actor, err := parseActor(raw, secret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func parseActor(raw, secret string) (fee.Actor, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token is not valid")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return fee.Actor(claims.Subject), nil
}

// IssueToken signs an HS256 token for actor. Used by tests and tooling.
func IssueToken(secret string, actor fee.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   string(actor),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

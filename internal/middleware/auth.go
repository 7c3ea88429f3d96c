package middleware

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

type authCtxKey int

const authKey authCtxKey = 7

// Claims carries an unlocked session. SID identifies the session; the
// encryption key is never embedded in the token.
type Claims struct {
	SID string `json:"sid"`
	jwt.RegisteredClaims
}

func secret() []byte {
	s := os.Getenv("ANAMNESE_SESSION_SECRET")
	if s == "" {
		s = "anamnese-dev-secret"
	}
	return []byte(s)
}

// SignToken issues a short-lived session token. Matches the
// services.TokenSigner signature.
func SignToken(sessionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{SID: sessionID, RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now), ExpiresAt: jwt.NewNumericDate(now.Add(ttl))}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret())
}

func parseToken(tok string) (*Claims, error) {
	t, err := jwt.ParseWithClaims(tok, &Claims{}, func(token *jwt.Token) (interface{}, error) { return secret(), nil })
	if err != nil {
		return nil, err
	}
	if c, ok := t.Claims.(*Claims); ok && t.Valid {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

// WithAuth attaches session claims to the context when a valid Bearer
// token is present. Invalid or missing tokens pass through unauthenticated.
func WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if strings.HasPrefix(h, "Bearer ") {
			tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
			if c, err := parseToken(tok); err == nil {
				ctx := context.WithValue(r.Context(), authKey, c)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSession rejects requests without an unlocked session.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Value(authKey).(*Claims); !ok {
			http.Error(w, "session locked", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func SessionIDFromContext(ctx context.Context) (string, bool) {
	if c, ok := ctx.Value(authKey).(*Claims); ok && c.SID != "" {
		return c.SID, true
	}
	return "", false
}

package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// adminSubject is the token subject of the administrator, who has no user profile.
const adminSubject = "admin"

var errNoToken = errors.New("missing bearer token")

// Claims are the JWT claims issued to participants and the administrator
type Claims struct {
	Admin bool `json:"adm,omitempty"`
	jwt.RegisteredClaims
}

type tokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// newTokenIssuer signs with secret. Without a secret a random one is used,
// so tokens do not survive a restart.
func newTokenIssuer(secret string, ttl time.Duration) *tokenIssuer {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	return &tokenIssuer{secret: key, ttl: ttl, now: time.Now}
}

func (t *tokenIssuer) issue(subject string, admin bool) (string, error) {
	now := t.now()
	claims := Claims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

func (t *tokenIssuer) parse(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("invalid token: no subject")
	}
	return claims, nil
}

func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found || token == "" {
		return "", errNoToken
	}
	return token, nil
}

type ctxKey int

const ctxKeyClaims ctxKey = iota

// authMiddleware requires a valid participant or admin token.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		claims, err := s.tokens.parse(raw)
		if err != nil {
			s.logger.Debug("token rejected", "error", err)
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminMiddleware requires the adm claim. It runs after authMiddleware.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !claimsFrom(r).Admin {
			writeError(w, http.StatusForbidden, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func claimsFrom(r *http.Request) *Claims {
	return r.Context().Value(ctxKeyClaims).(*Claims)
}

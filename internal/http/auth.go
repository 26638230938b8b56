package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/freight-matching/internal/models"
)

var errMissingToken = errors.New("missing bearer token")

// Claims identifies the caller. Subject is the customer or driver id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies and issues HS256 tokens.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) Issue(actor models.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Parse(token string) (models.Actor, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Actor{}, fmt.Errorf("invalid token: %v: %w", err, models.ErrUnauthorized)
	}
	actor := models.Actor{ID: claims.Subject, Role: models.Role(claims.Role)}
	switch actor.Role {
	case models.RoleCustomer, models.RoleDriver:
		if actor.ID == "" {
			return models.Actor{}, fmt.Errorf("token without subject: %w", models.ErrUnauthorized)
		}
	case models.RoleSystem:
	default:
		return models.Actor{}, fmt.Errorf("unknown role %q: %w", claims.Role, models.ErrUnauthorized)
	}
	return actor, nil
}

// tokenFrom reads the bearer token, falling back to access_token in the query
// because browsers cannot set headers on websocket handshakes.
func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}

const actorKey contextKey = "actor"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := tokenFrom(r)
		if tok == "" {
			s.writeError(w, r, errMissingToken)
			return
		}
		actor, err := s.auth.Parse(tok)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		accessFrom(r.Context()).actor = actor
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

func actorFrom(ctx context.Context) models.Actor {
	a, _ := ctx.Value(actorKey).(models.Actor)
	return a
}

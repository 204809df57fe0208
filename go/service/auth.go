// Package service is the HTTP request layer: routing, authentication,
// envelopes, rate limiting, and the handlers tying the engine together.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingTenant = errors.New("token carries no tenant claim")
)

// Claims are the token claims tessera issues and verifies. Tenant scope is
// carried in the token and nowhere else.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Authorizer signs and verifies HS256 bearer tokens.
type Authorizer struct {
	key []byte
}

func NewAuthorizer(key []byte) *Authorizer {
	return &Authorizer{key: key}
}

// Sign mints a token for a tenant principal.
func (a *Authorizer) Sign(tenant, subject string, ttl time.Duration) (string, error) {
	var now = time.Now()
	var token = jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		TenantID: tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(a.key)
}

// Verify parses and validates a token, returning its tenant.
func (a *Authorizer) Verify(raw string) (string, error) {
	var claims Claims
	var _, err = jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.key, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	if claims.TenantID == "" {
		return "", ErrMissingTenant
	}
	return claims.TenantID, nil
}

type contextKey int

const tenantKey contextKey = iota

// tenantFrom returns the authenticated tenant installed by the middleware.
func tenantFrom(ctx context.Context) string {
	var tenant, _ = ctx.Value(tenantKey).(string)
	return tenant
}

// authenticate resolves the tenant from the Authorization header, or for
// websocket upgrades from the token query parameter.
func (a *Authorizer) authenticate(r *http.Request) (string, error) {
	var raw string
	if header := r.Header.Get("Authorization"); header != "" {
		raw = strings.TrimPrefix(header, "Bearer ")
		if raw == header {
			return "", ErrInvalidToken
		}
	} else if q := r.URL.Query().Get("token"); q != "" {
		raw = q
	} else {
		return "", ErrMissingToken
	}
	return a.Verify(raw)
}

// Authenticate exposes request authentication for handlers owned by other
// packages, the websocket upgrade in particular.
func (a *Authorizer) Authenticate(r *http.Request) (string, error) {
	return a.authenticate(r)
}

// requireAuth wraps a handler with bearer authentication; the tenant rides
// on the request context.
func (a *Authorizer) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var tenant, err = a.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "auth_error", err.Error(), nil)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	}
}

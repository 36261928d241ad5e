package authz

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultScope is required to promote a release.
const DefaultScope = "release:promote"

// DefaultIssuer is stamped into and expected on gate tokens.
const DefaultIssuer = "releasegate"

type contextKey string

const principalKey contextKey = "principal"

// Claims are the JWT claims accepted by the gate.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	// Releases restricts the token to specific release versions when non-empty.
	Releases []string `json:"releases,omitempty"`
}

// Principal is the authenticated caller of a gate.
type Principal struct {
	Subject string
	Scopes  []string
	Roles   []string
}

// HasScope reports whether the principal carries scope.
func (p *Principal) HasScope(scope string) bool {
	return p != nil && slices.Contains(p.Scopes, scope)
}

// DeniedError is returned when a caller may not promote. It is terminal:
// retrying with the same credentials cannot succeed.
type DeniedError struct {
	Subject string
	Reason  string
}

func (e *DeniedError) Error() string {
	if e.Subject == "" {
		return "authorization denied: " + e.Reason
	}
	return fmt.Sprintf("authorization denied for %s: %s", e.Subject, e.Reason)
}

// IsDenied reports whether err is an authorization denial.
func IsDenied(err error) bool {
	var de *DeniedError
	return errors.As(err, &de)
}

// Authorizer decides whether a caller may gate a release.
type Authorizer interface {
	Authorize(ctx context.Context, token, release string) (*Principal, error)
}

// Config configures JWT authorization.
type Config struct {
	Secret        []byte
	RequiredScope string
	Issuer        string
	Leeway        time.Duration
}

// JWTAuthorizer validates HS256 bearer tokens.
type JWTAuthorizer struct {
	cfg Config
}

// NewJWTAuthorizer creates an authorizer. An empty secret is a configuration error.
func NewJWTAuthorizer(cfg Config) (*JWTAuthorizer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("authz: hmac secret is required")
	}
	if cfg.RequiredScope == "" {
		cfg.RequiredScope = DefaultScope
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	return &JWTAuthorizer{cfg: cfg}, nil
}

// Authorize parses token and checks scope, roles and release restriction.
// Every failure is a *DeniedError.
func (a *JWTAuthorizer) Authorize(_ context.Context, token, release string) (*Principal, error) {
	if token == "" {
		return nil, &DeniedError{Reason: "missing token"}
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, &DeniedError{Reason: fmt.Sprintf("invalid token: %v", err)}
	}

	p := &Principal{Subject: claims.Subject, Scopes: claims.Scopes, Roles: claims.Roles}

	if !p.HasScope(a.cfg.RequiredScope) && !slices.Contains(p.Roles, "admin") {
		return nil, &DeniedError{Subject: p.Subject, Reason: fmt.Sprintf("missing scope %q", a.cfg.RequiredScope)}
	}
	if len(claims.Releases) > 0 && !slices.Contains(claims.Releases, release) {
		return nil, &DeniedError{Subject: p.Subject, Reason: fmt.Sprintf("token not valid for release %q", release)}
	}
	return p, nil
}

// IssueToken signs a gate token. Used by operators and tests.
func IssueToken(secret []byte, subject string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    DefaultIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// WithPrincipal binds p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom extracts the principal bound by WithPrincipal.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// Package identity issues and verifies bearer tokens and carries the
// authenticated principal through request contexts.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/logen-app/logen/internal/domain"
)

// Role distinguishes wizard customers from queue operators.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleAdmin
}

// TokenQueryParam carries the token for WebSocket upgrades, where browsers
// cannot set an Authorization header.
const TokenQueryParam = "access_token"

type contextKey int

const principalKey contextKey = iota

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Role    Role
}

// Claims is the token payload.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 tokens.
type Issuer struct {
	secret        []byte
	ttl           time.Duration
	refreshWindow time.Duration
	now           func() time.Time
}

// NewIssuer creates an issuer. ttl bounds token lifetime; refreshWindow is
// how long after expiry a token may still be exchanged for a new one.
func NewIssuer(secret string, ttl, refreshWindow time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, refreshWindow: refreshWindow, now: time.Now}
}

// TTL returns the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue returns a token for subject valid from now.
func (i *Issuer) Issue(subject string, role Role) (string, time.Time, error) {
	return i.IssueAt(subject, role, i.now())
}

// IssueAt returns a token for subject valid from at.
func (i *Issuer) IssueAt(subject string, role Role, at time.Time) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, domain.Validationf("token subject is required")
	}
	if !role.Valid() {
		return "", time.Time{}, domain.Validationf("unknown role %q", role)
	}
	exp := at.Add(i.ttl)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(at),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies token and returns its principal.
func (i *Issuer) Parse(token string) (*Principal, error) {
	claims, err := i.parse(token, jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return &Principal{Subject: claims.Subject, Role: claims.Role}, nil
}

// Refresh exchanges a valid or recently expired token for a new one. It
// fails with domain.ErrUnauthorized for bad signatures and for tokens that
// expired longer than the refresh window before now.
func (i *Issuer) Refresh(token string, now time.Time) (string, time.Time, error) {
	claims, err := i.parse(token, jwt.WithoutClaimsValidation())
	if err != nil {
		return "", time.Time{}, err
	}
	if claims.ExpiresAt == nil || now.After(claims.ExpiresAt.Add(i.refreshWindow)) {
		return "", time.Time{}, fmt.Errorf("%w: token is past its refresh window", domain.ErrUnauthorized)
	}
	return i.IssueAt(claims.Subject, claims.Role, now)
}

func (i *Issuer) parse(token string, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: token is missing subject or role", domain.ErrUnauthorized)
	}
	return claims, nil
}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext extracts the caller from the request context.
func PrincipalFromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey).(*Principal); ok {
		return p
	}
	return nil
}

// SubjectFromContext returns the caller's ID, or "" when unauthenticated.
func SubjectFromContext(ctx context.Context) string {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.Subject
	}
	return ""
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the access_token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get(TokenQueryParam)
}

// Middleware rejects requests without a valid token for one of roles.
func Middleware(issuer *Issuer, roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			p, err := issuer.Parse(token)
			if err != nil {
				slog.Debug("Rejected bearer token", "path", r.URL.Path, "error", err)
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			if !hasRole(p.Role, roles) {
				writeAuthError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func hasRole(role Role, allowed []Role) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="logen"`)
	}
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"success":false,"error":%q}`, msg)
}

// Package auth verifies bearer tokens issued by the identity provider and gates operations by
// capability.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/matheusmosca/account-store/internal/apperrors"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   Role
}

func (p Principal) Authenticated() bool {
	return strings.TrimSpace(p.UserID) != ""
}

// Capability names an operation class.
type Capability string

const (
	// Checkout is granted to every authenticated user.
	Checkout Capability = "checkout"
	// ManageTopUps lets the holder approve or reject top-up claims.
	ManageTopUps Capability = "manage_topups"
)

// Authorize checks that p holds capability c.
func Authorize(p Principal, c Capability) error {
	if !p.Authenticated() {
		return apperrors.ErrUnauthorized
	}

	switch c {
	case Checkout:
		return nil
	case ManageTopUps:
		if p.Role == RoleAdmin {
			return nil
		}
		return apperrors.New(apperrors.KindForbidden, "administrator role required")
	}
	return apperrors.New(apperrors.KindForbidden, fmt.Sprintf("unknown capability %q", c))
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// TokenVerifier validates HS256 bearer tokens. The user id is the "sub" claim and the role is
// the "role" claim.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier for HS256 tokens signed with secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(strings.TrimSpace(secret))}
}

// Verify parses tokenStr and returns the principal it names.
func (v *TokenVerifier) Verify(tokenStr string) (Principal, error) {
	if len(v.secret) == 0 {
		return Principal{}, apperrors.New(apperrors.KindUnauthorized, "JWT secret not configured")
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || token == nil || !token.Valid {
		return Principal{}, apperrors.Wrap(apperrors.KindUnauthorized, "invalid or expired token", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, apperrors.New(apperrors.KindUnauthorized, "invalid token claims")
	}

	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return Principal{}, apperrors.New(apperrors.KindUnauthorized, "token has no subject")
	}

	role := RoleUser
	if r, ok := claims["role"].(string); ok && Role(r) == RoleAdmin {
		role = RoleAdmin
	}

	return Principal{UserID: sub, Role: role}, nil
}

// Issue signs a token for p. Used by tooling and tests; production tokens come from the
// identity provider.
func (v *TokenVerifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  p.UserID,
		"role": string(p.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

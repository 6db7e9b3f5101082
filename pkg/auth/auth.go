// Package auth verifies caller identity for the API surface. Production mode
// is HS256 JWTs; AUTH_MODE=none yields a fixed development principal.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Roles the API recognizes.
const (
	RoleOperator = "operator"
	RoleAuditor  = "auditor"
)

var ErrUnauthorized = errors.New("unauthorized")

// Principal is the verified caller.
type Principal struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the principal carries the role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Verifier turns a bearer token into a principal.
type Verifier interface {
	Verify(token string) (*Principal, error)
}

// NoneVerifier accepts everything. Development only.
type NoneVerifier struct{}

func (NoneVerifier) Verify(string) (*Principal, error) {
	return &Principal{Subject: "dev", Roles: []string{RoleOperator, RoleAuditor}}, nil
}

// HS256Verifier validates HS256-signed tokens with audience and issuer
// pinning. Roles come from a "roles" array claim or a space-separated
// "scope" string.
type HS256Verifier struct {
	secret   []byte
	audience string
	issuer   string
}

func NewHS256Verifier(secret, audience, issuer string) *HS256Verifier {
	return &HS256Verifier{secret: []byte(secret), audience: audience, issuer: issuer}
}

func (v *HS256Verifier) Verify(token string) (*Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &Principal{Subject: sub, Roles: rolesFromClaims(claims)}, nil
}

func rolesFromClaims(claims jwt.MapClaims) []string {
	var roles []string
	if raw, ok := claims["roles"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	}
	if scope, ok := claims["scope"].(string); ok {
		roles = append(roles, strings.Fields(scope)...)
	}
	return roles
}

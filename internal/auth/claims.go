// Package auth verifies the HS256 bearer tokens that authenticate every
// request, replacing the teacher's AWS SigV4 scheme with the JWT model this
// spec's original implementation uses.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SystemAccount bypasses the workspace-match check: a token carrying this
// account may act against any workspace in the path.
var SystemAccount = uuid.MustParse("1749089e-22e6-48de-af4e-165e18fbd2f9")

// GuestAccount also bypasses the workspace-match check. Not part of the
// core spec's auth prose, but present in the authoritative original and
// harmless to carry: it only ever widens who may bypass a check the spec
// already describes as bypassable for one UUID.
var GuestAccount = uuid.MustParse("b6996120-416f-49cd-841e-e4a5d2e49c9b")

var (
	// ErrMissingToken indicates the Authorization header was absent or not
	// a Bearer token.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken indicates the token failed HS256 verification.
	ErrInvalidToken = errors.New("invalid token")

	// ErrWorkspaceMismatch indicates the token's workspace claim did not
	// match the path workspace, and the account is neither system nor guest.
	ErrWorkspaceMismatch = errors.New("workspace mismatch")
)

// Claims is the JWT payload this service trusts: an account identity, an
// optional workspace scope, and free-form extra claims it never interprets.
type Claims struct {
	Account   uuid.UUID         `json:"account"`
	Workspace *uuid.UUID        `json:"workspace,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// IsSystem reports whether the token's account is the system account.
func (c Claims) IsSystem() bool { return c.Account == SystemAccount }

// IsGuest reports whether the token's account is the guest account.
func (c Claims) IsGuest() bool { return c.Account == GuestAccount }

// jwtClaims adapts Claims to jwt.Claims's required interface without
// claiming any standard registered claims (the original token format
// carries none).
type jwtClaims struct {
	Claims
}

func (jwtClaims) GetExpirationTime() (*jwt.NumericDate, error) { return nil, nil }
func (jwtClaims) GetIssuedAt() (*jwt.NumericDate, error)       { return nil, nil }
func (jwtClaims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (jwtClaims) GetIssuer() (string, error)                   { return "", nil }
func (jwtClaims) GetSubject() (string, error)                  { return "", nil }
func (jwtClaims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

// ParseClaims verifies token as an HS256 token signed with secret and
// extracts its Claims. No registered claim (exp, iat, ...) is required or
// checked, matching the original token format.
func ParseClaims(token string, secret []byte) (Claims, error) {
	var claims jwtClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	return claims.Claims, nil
}

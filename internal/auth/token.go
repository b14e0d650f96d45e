// Package auth issues and verifies access and refresh tokens and maps roles
// to capabilities.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "logexpert"

// ErrTokenInvalid wraps every access token verification failure.
var ErrTokenInvalid = errors.New("invalid access token")

// Claims are carried by an access token. The subject is the user id and Caps
// is the capability set granted by Roles when the token was issued.
type Claims struct {
	Email string     `json:"email"`
	Roles []string   `json:"roles"`
	Caps  Capability `json:"caps"`
	jwt.RegisteredClaims
}

// UserID returns the token subject.
func (c *Claims) UserID() string { return c.Subject }

// Can reports whether the token grants every bit of want.
func (c *Claims) Can(want Capability) bool { return c.Caps.Has(want) }

// Subject identifies the user an access token is issued for.
type Subject struct {
	UserID string
	Email  string
	Roles  []string
}

// TokenIssuer signs and verifies HS256 access tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer returns an issuer whose tokens expire after ttl.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs an access token for sub.
func (i *TokenIssuer) Issue(sub Subject) (string, error) {
	if sub.UserID == "" {
		return "", errors.New("issue access token: empty user id")
	}
	now := i.now()
	claims := Claims{
		Email: sub.Email,
		Roles: sub.Roles,
		Caps:  CapabilitiesOf(sub.Roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.UserID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Parse verifies raw and returns its claims. Tokens from another issuer,
// without an expiry or signed with anything but HS256 are rejected.
func (i *TokenIssuer) Parse(raw string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return claims, nil
}

// Package auth verifies identity tokens issued by the external identity
// service. The engine trusts a valid token's participant, role and room
// membership claims and does not re-authenticate.
package auth

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"roomsync/pkg/types"
)

var (
	ErrMissingToken   = errors.New("missing identity token")
	ErrInvalidToken   = errors.New("invalid identity token")
	ErrInvalidClaims  = errors.New("identity token claims are incomplete")
	ErrNotRoomMember  = errors.New("identity token does not grant this room")
	ErrSecretRequired = errors.New("token secret is required")
)

// Claims carried by an identity token
type Claims struct {
	ParticipantID string     `json:"pid"`
	DisplayName   string     `json:"name"`
	Role          types.Role `json:"role"`
	RoomIDs       []string   `json:"rooms"`
	jwt.RegisteredClaims
}

// checkIdentity reports whether the claims describe a usable identity
func (c *Claims) checkIdentity() error {
	if !types.IsValidID(c.ParticipantID) || !types.IsValidRole(c.Role) {
		return ErrInvalidClaims
	}
	return nil
}

// HasRoom reports whether the membership claim covers roomID
func (c *Claims) HasRoom(roomID string) bool {
	for _, id := range c.RoomIDs {
		if id == roomID || id == "*" {
			return true
		}
	}
	return false
}

// Verifier checks HS256 tokens
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a verifier. issuer may be empty to accept any issuer.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrSecretRequired
	}
	return &Verifier{secret: []byte(secret), issuer: issuer}, nil
}

// Parse verifies the signature and expiry of token and returns its claims
func (v *Verifier) Parse(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := claims.checkIdentity(); err != nil {
		return nil, err
	}
	return claims, nil
}

// Signer mints tokens. It stands in for the identity service in development
// and tests.
type Signer struct {
	secret []byte
	issuer string
}

// NewSigner creates a signer
func NewSigner(secret, issuer string) (*Signer, error) {
	if secret == "" {
		return nil, ErrSecretRequired
	}
	return &Signer{secret: []byte(secret), issuer: issuer}, nil
}

// Sign mints a token for the identity valid for ttl
func (s *Signer) Sign(participantID, displayName string, role types.Role, roomIDs []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		ParticipantID: participantID,
		DisplayName:   displayName,
		Role:          role,
		RoomIDs:       roomIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   participantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if err := claims.checkIdentity(); err != nil {
		return "", err
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

package credentials

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that cannot be parsed or verified.
var ErrInvalidToken = errors.New("invalid token")

// Claims is what the client reads from a token. The signature is the
// server's business; the client only needs the subject and expiry.
type Claims struct {
	UserID    string
	ExpiresAt time.Time
}

// ParseClaims reads the claims of a JWT without verifying it. An empty
// token yields empty claims.
func ParseClaims(token string) (*Claims, error) {
	if token == "" {
		return &Claims{}, nil
	}
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, &gojwt.RegisteredClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claimsOf(parsed), nil
}

func claimsOf(token *gojwt.Token) *Claims {
	rc := token.Claims.(*gojwt.RegisteredClaims)
	c := &Claims{UserID: rc.Subject}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c
}

// Sign issues an HS256 token for userID valid for ttl. A zero ttl never
// expires.
func Sign(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	rc := gojwt.RegisteredClaims{Subject: userID, IssuedAt: gojwt.NewNumericDate(now)}
	if ttl > 0 {
		rc.ExpiresAt = gojwt.NewNumericDate(now.Add(ttl))
	}
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, rc).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Verify checks an HS256 token signed with secret and returns its claims.
func Verify(secret []byte, token string) (*Claims, error) {
	parsed, err := gojwt.ParseWithClaims(token, &gojwt.RegisteredClaims{},
		func(*gojwt.Token) (any, error) { return secret, nil },
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claimsOf(parsed), nil
}

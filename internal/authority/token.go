package authority

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer and TokenAudience are the JWT claims exchanged with the authority.
const (
	TokenIssuer   = "cerberus-evidence"
	TokenAudience = "cerberus-authority"
	tokenLifetime = time.Minute
)

var ErrInvalidToken = errors.New("invalid authority token")

// NewToken mints a short-lived HS256 bearer token for the authority.
func NewToken(secret []byte, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    TokenIssuer,
		Audience:  jwt.ClaimStrings{TokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateToken checks signature, expiry, issuer and audience of a bearer token.
func ValidateToken(secret []byte, raw string) error {
	if len(secret) == 0 {
		return fmt.Errorf("%w: no shared secret configured", ErrInvalidToken)
	}
	_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithAudience(TokenAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}

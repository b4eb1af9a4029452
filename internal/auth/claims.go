package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// defaultTokenTTL applies when the configured TTL is not positive.
const defaultTokenTTL = 24 * time.Hour

// AppClaims are the claims of an app bearer token. The token is issued by the
// account service; the core only needs the account's apikey.
type AppClaims struct {
	jwt.RegisteredClaims
	APIKey string `json:"apikey"`
}

// GenerateAppToken creates a signed HS256 token for apiKey.
// Account login lives outside the core; this exists for operators and tests.
func GenerateAppToken(apiKey, secret, issuer string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	now := time.Now()
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   apiKey,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		APIKey: apiKey,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing app token: %w", err)
	}
	return signed, nil
}

// ParseAppToken validates signature, expiry and the apikey claim.
func ParseAppToken(tokenString, secret string) (*AppClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*AppClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.APIKey == "" {
		return nil, fmt.Errorf("%w: missing apikey", ErrTokenInvalid)
	}

	return claims, nil
}

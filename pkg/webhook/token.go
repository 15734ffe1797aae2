package webhook

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer = "ocp"
	tokenTTL    = 5 * time.Minute
)

// MintBearer creates a short-lived HS256 token for the bearer_jwt auth mode.
// The request id becomes the jti so receivers can correlate token and
// delivery; the destination host is the audience.
func MintBearer(secret []byte, requestID, audienceHost string, now time.Time) (string, error) {
	now = now.UTC()
	claims := jwt.RegisteredClaims{
		ID:        requestID,
		Issuer:    tokenIssuer,
		Audience:  jwt.ClaimStrings{audienceHost},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseBearer validates a minted token, receiver-side.
func ParseBearer(secret []byte, tokenString string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

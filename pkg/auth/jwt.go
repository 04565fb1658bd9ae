package auth

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalid covers every way a presented token can fail: expired, bad
// signature, wrong signing method, foreign issuer, or plain garbage.
// Handlers answer 401 without leaking which check tripped.
var ErrInvalid = errors.New("invalid token")

const issuer = "fleetgate"

// Claims are the admin session claims carried by gateway-issued tokens.
type Claims struct {
	UserID   uint   `json:"uid"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Generate issues an HS256 session token and reports when it expires.
func Generate(userID uint, username string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(ttl)
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret())
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// Parse validates a session token and returns its claims.
func Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{},
		func(_ *jwt.Token) (interface{}, error) { return secret(), nil },
		jwt.WithIssuer(issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalid
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalid
	}
	return claims, nil
}

func secret() []byte {
	if s := os.Getenv("GATEWAY_JWT_SECRET"); s != "" {
		return []byte(s)
	}
	return []byte("change-me-secret")
}

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer - издатель токенов при AUTH_PROVIDER=jwt.
const TokenIssuer = "kidstel-story-agent"

// IssueToken подписывает HS256 токен для uid. Токен принимает JWTVerifier с тем же секретом.
func IssueToken(secret, uid string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("JWT secret cannot be empty")
	}
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return "", errors.New("uid cannot be empty")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("invalid token ttl %s", ttl)
	}

	claims := jwt.RegisteredClaims{
		Subject:   uid,
		Issuer:    TokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var ErrInvalidToken = errors.New("invalid access token")

const signMethod = "hmacsha256"

type Credentials struct {
	ClientID string
	Username string
	Password string
}

// GenerateMQTTCredentials derives the broker login for an endpoint. The
// password is an HMAC over the endpoint id so the secret never travels.
func GenerateMQTTCredentials(endpointID, endpointSecret string) *Credentials {
	return &Credentials{
		ClientID: endpointID,
		Username: fmt.Sprintf("%s|signmethod=%s|", endpointID, signMethod),
		Password: calculateHMACSHA256(signContent(endpointID), endpointSecret),
	}
}

// VerifyMQTTCredentials is the broker-side check for GenerateMQTTCredentials.
func VerifyMQTTCredentials(clientID, password, endpointSecret string) bool {
	expected := calculateHMACSHA256(signContent(clientID), endpointSecret)
	return hmac.Equal([]byte(expected), []byte(password))
}

// IssueAccessToken signs a token binding externalID, valid for ttl. A zero
// ttl issues a token without expiry.
func IssueAccessToken(secret, externalID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  externalID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// VerifyAccessToken checks the signature and expiry of token and that it was
// issued for externalID.
func VerifyAccessToken(secret, token, externalID string) error {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	if claims.Subject != externalID {
		return fmt.Errorf("%w: issued for %q", ErrInvalidToken, claims.Subject)
	}
	return nil
}

func signContent(endpointID string) string {
	return fmt.Sprintf("clientId%ssignmethod%s", endpointID, signMethod)
}

func calculateHMACSHA256(data, key string) string {
	h := hmac.New(sha256.New, []byte(key))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

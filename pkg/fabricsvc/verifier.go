package fabricsvc

import (
	"github.com/iot-go-garage/pkg/auth"
)

// TokenVerifier decides whether an access token entitles its bearer to the
// given external id.
type TokenVerifier interface {
	Verify(externalID, token string) error
}

// NewTokenVerifier checks signed tokens when secret is set and accepts any
// non-empty token otherwise.
func NewTokenVerifier(secret string) TokenVerifier {
	if secret == "" {
		return trustful{}
	}
	return jwtVerifier{secret: secret}
}

type trustful struct{}

func (trustful) Verify(_, token string) error {
	if token == "" {
		return auth.ErrInvalidToken
	}
	return nil
}

type jwtVerifier struct {
	secret string
}

func (v jwtVerifier) Verify(externalID, token string) error {
	return auth.VerifyAccessToken(v.secret, token, externalID)
}

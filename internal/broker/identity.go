package broker

import (
	"context"
	"errors"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityProvider resolves a connection's bearer credential to the
// principal that owns it. The broker never itself issues or stores
// credentials; authentication is an external collaborator.
type IdentityProvider interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// sessionClaims is the JWT payload a ClientBridge handshake presents.
type sessionClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTIdentityProvider validates HMAC-signed bearer tokens against a
// secret taken from the environment.
type JWTIdentityProvider struct {
	secret []byte
}

// NewJWTIdentityProvider reads the signing secret from the given
// environment variable name (SESSION_JWT_SECRET by convention).
func NewJWTIdentityProvider(envVar string) (*JWTIdentityProvider, error) {
	secret := os.Getenv(envVar)
	if secret == "" {
		return nil, errors.New("broker: " + envVar + " not configured")
	}
	return &JWTIdentityProvider{secret: []byte(secret)}, nil
}

func (p *JWTIdentityProvider) Verify(ctx context.Context, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return p.secret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return "", errors.New("broker: invalid token claims")
	}
	return claims.UserID, nil
}

package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hupe1980/taskrelay/core"
)

const handleIssuer = "taskrelay-gateway"

// ErrInvalidHandle is returned for handles that fail signature or claim checks.
var ErrInvalidHandle = errors.New("invalid credential handle")

// handleClaims are the signed contents of a credential handle. The handle
// references the vault entry; it never embeds token material.
type handleClaims struct {
	Provider string `json:"prv"`
	TaskID   string `json:"tid"`
	Grant    string `json:"gnt"`
	jwt.RegisteredClaims
}

type handleCodec struct {
	key   []byte
	clock func() time.Time
}

func (c *handleCodec) issue(userID, provider, taskID, grant string, expires time.Time) (string, error) {
	now := c.clock()

	claims := handleClaims{
		Provider: provider,
		TaskID:   taskID,
		Grant:    grant,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        core.NewID(),
			Issuer:    handleIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign credential handle: %w", err)
	}

	return signed, nil
}

func (c *handleCodec) parse(handle string) (*handleClaims, error) {
	claims := &handleClaims{}

	_, err := jwt.ParseWithClaims(handle, claims,
		func(*jwt.Token) (any, error) { return c.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(handleIssuer),
		jwt.WithTimeFunc(c.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandle, err)
	}

	return claims, nil
}

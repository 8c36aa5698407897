package auth

import (
	"errors"
	"time"
)

var ErrUnauthorized = errors.New("unauthorized")

type AccessClaims struct {
	OwnerID   string
	ExpiresAt time.Time
}

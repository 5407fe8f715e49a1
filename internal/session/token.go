package session

import (
	"crypto/rand"
	"encoding/hex"

	"deskgate/internal/constants"
)

// GenerateToken returns a fresh opaque auth token: 32 random bytes, hex
// encoded. Collisions are statistically impossible but the directory still
// guards against them on insert.
func GenerateToken() string {
	b := make([]byte, constants.TokenLength)
	if _, err := rand.Read(b); err != nil {
		panic("failed to generate auth token: " + err.Error())
	}
	return hex.EncodeToString(b)
}

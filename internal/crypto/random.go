package crypto

import (
	"fmt"

	"github.com/google/uuid"
)

// NewStateToken returns a fresh login state token. Tokens are random
// (version 4) UUIDs drawn from crypto/rand, so possession of one is the
// only proof needed to poll the attempt it names.
func NewStateToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}
	return id.String(), nil
}

// ValidStateToken reports whether s has the canonical shape of a token
// produced by NewStateToken.
func ValidStateToken(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122
}

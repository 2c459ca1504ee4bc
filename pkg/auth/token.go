package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// ConfirmationTokenBytes is the entropy of a confirmation token.
const ConfirmationTokenBytes = 32

// NewConfirmationToken returns a random hex token of ConfirmationTokenBytes.
// It panics if the system entropy source fails.
func NewConfirmationToken() string {
	buf := make([]byte, ConfirmationTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("auth: failed to read random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}

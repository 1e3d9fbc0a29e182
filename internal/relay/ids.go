package relay

import "github.com/google/uuid"

// newRequestID generates a cryptographically random 128-bit request
// identifier. uuid.NewString draws from crypto/rand (RFC 4122 version 4),
// so ids cannot be guessed by other public clients.
func newRequestID() string {
	return uuid.NewString()
}

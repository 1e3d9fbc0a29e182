package relay

import "crypto/subtle"

// ValidateToken checks an agent-presented token against the configured
// shared secret. An empty configured secret disables auth entirely.
func ValidateToken(configured, presented string) bool {
	if configured == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// ValidateManagementToken checks the token presented to the management API
// (X-Auth-Token or "Authorization: Bearer ...") against the configured
// secret. An empty configured secret disables authentication.
func ValidateManagementToken(configured, presented string) bool {
	return ValidateToken(configured, presented)
}

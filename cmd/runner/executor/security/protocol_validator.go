package security

import (
	"fmt"
	"strings"
)

// ProtocolValidator restricts node URLs to plain web protocols. Everything
// else (file://, gopher://, redis://, jdbc://) is an exfiltration or SSRF
// vector.
type ProtocolValidator struct {
	allowedProtocols map[string]bool
}

// NewProtocolValidator creates a new protocol validator
func NewProtocolValidator() *ProtocolValidator {
	return &ProtocolValidator{
		allowedProtocols: map[string]bool{
			"http":  true,
			"https": true,
		},
	}
}

// Validate checks if the protocol is allowed
func (v *ProtocolValidator) Validate(scheme string) error {
	normalizedScheme := strings.ToLower(strings.TrimSpace(scheme))

	if normalizedScheme == "" {
		return fmt.Errorf("protocol scheme is required")
	}

	if !v.allowedProtocols[normalizedScheme] {
		return fmt.Errorf("protocol %q is not allowed (only http/https permitted)", scheme)
	}

	return nil
}

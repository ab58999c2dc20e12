// Package security validates outbound request targets for API_CALL and
// WEBHOOK nodes. Workflow authors control these URLs, so every request is
// screened against SSRF and file-access vectors before it leaves the worker.
package security

import (
	"fmt"
	"net/url"
)

// URLValidator orchestrates all security validations for URLs
type URLValidator struct {
	protocolValidator *ProtocolValidator
	hostValidator     *HostValidator
	pathValidator     *PathValidator
	allowPrivate      bool
}

// NewURLValidator creates a URL validator. allowPrivate skips the
// host/IP screening for dev setups and tests that target loopback
// endpoints; protocol and path checks always apply.
func NewURLValidator(allowPrivate bool) *URLValidator {
	return &URLValidator{
		protocolValidator: NewProtocolValidator(),
		hostValidator:     NewHostValidator(),
		pathValidator:     NewPathValidator(),
		allowPrivate:      allowPrivate,
	}
}

// Validate performs security validation on a URL before a node may call it.
// Checks: protocol, hostname/IP (SSRF), path and query (file access).
func (v *URLValidator) Validate(urlStr string) error {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if err := v.protocolValidator.Validate(parsedURL.Scheme); err != nil {
		return fmt.Errorf("protocol validation failed: %w", err)
	}

	if !v.allowPrivate {
		if err := v.hostValidator.Validate(parsedURL.Hostname()); err != nil {
			return fmt.Errorf("host validation failed: %w", err)
		}
	}

	if err := v.pathValidator.Validate(parsedURL.Path); err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}

	for key, values := range parsedURL.Query() {
		for _, value := range values {
			if err := v.pathValidator.Validate(value); err != nil {
				return fmt.Errorf("query parameter %q validation failed: %w", key, err)
			}
		}
	}

	return nil
}

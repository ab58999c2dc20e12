package security

import (
	"fmt"
	"strings"
)

// PathValidator screens URL paths and query values for file-access and
// path-traversal patterns, including URL-encoded variants.
type PathValidator struct {
	blockedPatterns []string
}

// NewPathValidator creates a new path validator
func NewPathValidator() *PathValidator {
	return &PathValidator{
		blockedPatterns: []string{
			"file://",       // Direct file access
			"../",           // Path traversal
			"..\\",          // Path traversal (Windows)
			"/etc/",         // System files (Unix)
			"/proc/",        // Process info (Linux)
			"/sys/",         // System info (Linux)
			"c:/",           // Windows drive
			"c:\\",          // Windows drive
			"\\\\.\\pipe\\", // Windows named pipes
		},
	}
}

// Validate checks if the URL path contains dangerous patterns
func (v *PathValidator) Validate(urlPath string) error {
	if urlPath == "" {
		return nil
	}

	normalizedPath := strings.ToLower(urlPath)
	for _, pattern := range v.blockedPatterns {
		if strings.Contains(normalizedPath, pattern) {
			return fmt.Errorf("path contains blocked pattern %q (file access attempt)", pattern)
		}
	}

	if containsEncodedTraversal(normalizedPath) {
		return fmt.Errorf("path contains encoded traversal patterns")
	}

	return nil
}

// containsEncodedTraversal detects URL-encoded path traversal attempts
func containsEncodedTraversal(path string) bool {
	encodedPatterns := []string{
		"%2e%2e/",   // ../
		"%2e%2e%2f", // ../
		"..%2f",     // ../
		"%2e%2e\\",  // ..\
		"%2e%2e%5c", // ..\
		"..%5c",     // ..\
	}

	for _, pattern := range encodedPatterns {
		if strings.Contains(path, pattern) {
			return true
		}
	}
	return false
}

package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestURLValidatorBlocksDangerousTargets(t *testing.T) {
	v := NewURLValidator(false)

	cases := []struct {
		name string
		url  string
	}{
		{"file scheme", "file:///etc/passwd"},
		{"gopher scheme", "gopher://example.com/1"},
		{"redis scheme", "redis://example.com:6379"},
		{"missing scheme", "example.com/api"},
		{"localhost", "http://localhost:8080/api"},
		{"loopback ip", "http://127.0.0.1/api"},
		{"ipv6 loopback", "http://[::1]/api"},
		{"private class a", "http://10.0.0.1/api"},
		{"private class c", "http://192.168.1.1/api"},
		{"aws metadata", "http://169.254.169.254/latest/meta-data/"},
		{"unspecified", "http://0.0.0.0/api"},
		{"path traversal", "https://example.com/../../etc/passwd"},
		{"etc path", "https://example.com/etc/shadow"},
		{"encoded traversal", "https://example.com/%2e%2e%2fsecrets"},
		{"traversal in query", "https://example.com/api?f=../../etc/passwd"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, v.Validate(tc.url))
		})
	}
}

func TestURLValidatorAllowsPublicTargets(t *testing.T) {
	v := NewURLValidator(false)

	for _, u := range []string{
		"https://api.example.com/v1/users",
		"http://example.com/webhook?id=42",
	} {
		assert.NoError(t, v.Validate(u))
	}
}

func TestURLValidatorAllowPrivateSkipsHostScreen(t *testing.T) {
	v := NewURLValidator(true)

	assert.NoError(t, v.Validate("http://127.0.0.1:9999/hook"))
	assert.NoError(t, v.Validate("http://localhost:8080/api"))

	// Protocol and path screens still apply.
	assert.Error(t, v.Validate("file:///etc/passwd"))
	assert.Error(t, v.Validate("http://127.0.0.1/../../etc/passwd"))
}

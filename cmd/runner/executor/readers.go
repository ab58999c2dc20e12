package executor

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aetheriq/flowcore/common/models"
)

// SecretReader resolves tenant-scoped secrets referenced by node configs.
// Concrete secret stores live behind this interface; the engine only needs
// lookup.
type SecretReader interface {
	Secret(ctx context.Context, tenantID, name string) (string, error)
}

// IntegrationReader resolves tenant-scoped integration credentials for
// provider nodes.
type IntegrationReader interface {
	Integration(ctx context.Context, tenantID, provider string) (map[string]string, error)
}

// EnvSecretReader reads secrets from the process environment as
// PREFIX_TENANT_NAME, uppercased with non-alphanumerics folded to
// underscores. Suits single-tenant and dev deployments.
type EnvSecretReader struct {
	Prefix string
}

// Secret implements SecretReader
func (r EnvSecretReader) Secret(ctx context.Context, tenantID, name string) (string, error) {
	key := envKey(r.Prefix, tenantID, name)
	if v, ok := os.LookupEnv(key); ok {
		return v, nil
	}
	return "", models.NewAuthError(fmt.Sprintf("secret %q not configured for tenant %s", name, tenantID))
}

// EnvIntegrationReader reads provider credentials from the environment as
// PREFIX_TENANT_PROVIDER_TOKEN and _ACCOUNT
type EnvIntegrationReader struct {
	Prefix string
}

// Integration implements IntegrationReader
func (r EnvIntegrationReader) Integration(ctx context.Context, tenantID, provider string) (map[string]string, error) {
	token, ok := os.LookupEnv(envKey(r.Prefix, tenantID, provider+"_TOKEN"))
	if !ok {
		return nil, models.NewAuthError(fmt.Sprintf("integration %q not configured for tenant %s", provider, tenantID))
	}
	creds := map[string]string{"token": token}
	if account, ok := os.LookupEnv(envKey(r.Prefix, tenantID, provider+"_ACCOUNT")); ok {
		creds["account"] = account
	}
	return creds, nil
}

func envKey(parts ...string) string {
	key := strings.Join(parts, "_")
	key = strings.ToUpper(key)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
}

// StaticSecretReader serves secrets from a fixed map keyed
// "tenantID/name". Used in tests.
type StaticSecretReader map[string]string

// Secret implements SecretReader
func (r StaticSecretReader) Secret(ctx context.Context, tenantID, name string) (string, error) {
	if v, ok := r[tenantID+"/"+name]; ok {
		return v, nil
	}
	return "", models.NewAuthError(fmt.Sprintf("secret %q not configured for tenant %s", name, tenantID))
}

// StaticIntegrationReader serves credentials from a fixed map keyed
// "tenantID/provider". Used in tests.
type StaticIntegrationReader map[string]map[string]string

// Integration implements IntegrationReader
func (r StaticIntegrationReader) Integration(ctx context.Context, tenantID, provider string) (map[string]string, error) {
	if v, ok := r[tenantID+"/"+provider]; ok {
		return v, nil
	}
	return nil, models.NewAuthError(fmt.Sprintf("integration %q not configured for tenant %s", provider, tenantID))
}

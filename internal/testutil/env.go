package testutil

import "testing"

// SourceEnvVars are the variables the config loader and credential backends
// read implicitly.
var SourceEnvVars = []string{
	"DBROTATE_DATABASE_URL", "DBROTATE_DEFAULT_ROLE", "DBROTATE_LISTEN",
	"VAULT_ADDR", "VAULT_TOKEN", "VAULT_NAMESPACE", "VAULT_SKIP_VERIFY",
	"VAULT_K8S_TOKEN_PATH", "VAULT_SECRET_ID", "VAULT_USERPASS_PASSWORD",
	"AWS_REGION", "AWS_PROFILE", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN",
	"GOOGLE_APPLICATION_CREDENTIALS", "GOOGLE_CLOUD_PROJECT",
	"AZURE_CLIENT_ID", "AZURE_TENANT_ID", "AZURE_CLIENT_SECRET",
}

// SetupTestEnv sets vars for the duration of the test. The previous values are
// restored on cleanup. Tests calling it cannot use t.Parallel.
func SetupTestEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for key, value := range vars {
		t.Setenv(key, value)
	}
}

// ClearSourceEnv blanks SourceEnvVars so backends cannot pick up the
// developer's real credentials.
func ClearSourceEnv(t *testing.T) {
	t.Helper()
	for _, key := range SourceEnvVars {
		t.Setenv(key, "")
	}
}

package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the rotation core. Rich errors below wrap these so callers
// can branch with errors.Is regardless of the message shown to the user.
var (
	// ErrNoTargetAvailable is returned by the router before any pool was set.
	ErrNoTargetAvailable = errors.New("no target pool available")

	// ErrCredentialFetchFailed covers an unreachable secrets backend, an unknown
	// role or a malformed credential response.
	ErrCredentialFetchFailed = errors.New("credential fetch failed")

	// ErrPoolBuildFailed is returned when a pool cannot be constructed from the
	// configured URL and fetched credentials.
	ErrPoolBuildFailed = errors.New("pool build failed")

	// ErrPoolHealthCheckFailed is returned when a candidate pool cannot complete
	// a trivial round trip against the database.
	ErrPoolHealthCheckFailed = errors.New("pool health check failed")

	// ErrInitializationFailed marks a startup failure with no previous pool to fall back to.
	ErrInitializationFailed = errors.New("initialization failed")

	// ErrPoolClosed is returned when a connection is requested from a closed pool.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrNotInitialized is returned by Rotate before Initialize succeeded.
	ErrNotInitialized = errors.New("rotation orchestrator not initialized")

	// ErrShutdown is returned by Initialize and Rotate after Shutdown.
	ErrShutdown = errors.New("rotation orchestrator is shut down")
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// SourceError wraps a credential backend failure as ErrCredentialFetchFailed,
// adding a suggestion derived from the backend and the underlying error.
func SourceError(source, role string, err error) error {
	return UserError{
		Message:    fmt.Sprintf("%s: %s could not issue credentials for role %q", ErrCredentialFetchFailed, source, role),
		Details:    err.Error(),
		Suggestion: Suggest(source, err),
		Err:        fmt.Errorf("%w: %w", ErrCredentialFetchFailed, err),
	}
}

// HealthCheckError wraps a failed candidate round trip as ErrPoolHealthCheckFailed.
func HealthCheckError(pool string, err error) error {
	return UserError{
		Message:    fmt.Sprintf("%s: candidate pool %s did not answer", ErrPoolHealthCheckFailed, pool),
		Details:    err.Error(),
		Suggestion: Suggest("database", err),
		Err:        fmt.Errorf("%w: %w", ErrPoolHealthCheckFailed, err),
	}
}

// Suggest returns a short hint for common backend and database failures.
func Suggest(source string, err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())

	switch source {
	case "vault":
		if strings.Contains(errStr, "permission denied") {
			return "Check that the Vault token policy allows read on database/creds/<role>"
		}
		if strings.Contains(errStr, "unknown role") || strings.Contains(errStr, "not found") {
			return "Verify the role exists: 'vault list database/roles'"
		}
		if strings.Contains(errStr, "invalid token") || strings.Contains(errStr, "missing client token") {
			return "Your Vault token may be expired or invalid. Set VAULT_TOKEN or re-run 'vault login'"
		}
	case "aws-secretsmanager":
		if strings.Contains(errStr, "accessdenied") {
			return "Check IAM permissions for secretsmanager:GetSecretValue"
		}
		if strings.Contains(errStr, "resourcenotfoundexception") {
			return "Verify the secret prefix and region. List secrets with: 'aws secretsmanager list-secrets'"
		}
	case "gcp-secretmanager":
		if strings.Contains(errStr, "permissiondenied") || strings.Contains(errStr, "permission denied") {
			return "Grant roles/secretmanager.secretAccessor on the secret"
		}
	case "azure-keyvault":
		if strings.Contains(errStr, "forbidden") {
			return "Grant the identity 'get' permission on Key Vault secrets"
		}
	case "database":
		if strings.Contains(errStr, "password authentication failed") || strings.Contains(errStr, "access denied") {
			return "The database rejected the new credentials. Check the role's creation statements and grants"
		}
	}

	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return "The operation timed out. Check network connectivity and the configured timeouts"
	}
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") {
		return "Unable to connect. Check the address in your configuration"
	}

	return ""
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	retryablePatterns := []string{
		"timeout",
		"deadline exceeded",
		"temporary failure",
		"connection reset",
		"connection refused",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(strings.ToLower(errStr), pattern) {
			return true
		}
	}

	return false
}

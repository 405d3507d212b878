// Package vault issues database credentials from the HashiCorp Vault database
// secrets engine (GET <mount>/creds/<role>).
package vault

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/systmms/dbrotate/internal/config"
	"github.com/systmms/dbrotate/internal/credentials"
	"github.com/systmms/dbrotate/internal/logging"
)

const (
	DefaultVaultAddr = "https://vault.example.com:8200"
	DefaultTimeout   = 30 * time.Second
)

// Source implements credentials.Source for Vault.
type Source struct {
	config config.VaultConfig
	client Client
	logger *logging.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithClient replaces the HTTP client (for testing).
func WithClient(client Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// New creates a Vault source. Environment variables override the file the
// same way the vault CLI does.
func New(cfg config.VaultConfig, logger *logging.Logger, opts ...Option) *Source {
	if logger == nil {
		logger = logging.Discard()
	}

	if cfg.Address == "" {
		cfg.Address = DefaultVaultAddr
	}
	if cfg.Mount == "" {
		cfg.Mount = config.DefaultVaultMount
	}
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		cfg.Address = addr
	}
	if namespace := os.Getenv("VAULT_NAMESPACE"); namespace != "" {
		cfg.Namespace = namespace
	}
	if tlsSkip := os.Getenv("VAULT_SKIP_VERIFY"); tlsSkip == "1" || strings.ToLower(tlsSkip) == "true" {
		cfg.TLSSkip = true
	}

	s := &Source{
		config: cfg,
		logger: logger.Named("vault"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = NewHTTPClient(cfg)
	}
	return s
}

// Name implements credentials.Source.
func (s *Source) Name() string {
	return "vault"
}

// Address is the Vault server this source talks to.
func (s *Source) Address() string {
	return s.config.Address
}

// CredsPath returns the API path for a role's credentials. The role is escaped
// as a single path segment.
func (s *Source) CredsPath(role string) string {
	return strings.Trim(s.config.Mount, "/") + "/creds/" + url.PathEscape(role)
}

// Fetch implements credentials.Source. Every call creates a new lease.
func (s *Source) Fetch(ctx context.Context, role string) (credentials.Credentials, error) {
	if err := s.client.Authenticate(ctx); err != nil {
		return credentials.Credentials{}, fmt.Errorf("vault authentication failed: %w", err)
	}

	path := s.CredsPath(role)
	s.logger.Debug("reading %s from %s", path, s.config.Address)

	lease, err := s.client.ReadLease(ctx, path)
	if err != nil {
		return credentials.Credentials{}, err
	}
	if lease == nil || lease.Data == nil {
		return credentials.Credentials{}, fmt.Errorf("no credentials found at: %s", path)
	}
	for _, w := range lease.Warnings {
		s.logger.Warn("vault warning for %s: %s", path, w)
	}

	username, err := stringField(lease.Data, "username")
	if err != nil {
		return credentials.Credentials{}, fmt.Errorf("malformed response from %s: %w", path, err)
	}
	password, err := stringField(lease.Data, "password")
	if err != nil {
		return credentials.Credentials{}, fmt.Errorf("malformed response from %s: %w", path, err)
	}

	return credentials.Credentials{
		Username:      username,
		Password:      password,
		LeaseID:       lease.LeaseID,
		LeaseDuration: time.Duration(lease.LeaseDuration) * time.Second,
		Renewable:     lease.Renewable,
		Role:          role,
		Source:        s.Name(),
	}, nil
}

// Close releases the client token.
func (s *Source) Close() error {
	return s.client.Close()
}

func stringField(data map[string]interface{}, key string) (string, error) {
	raw, ok := data[key]
	if !ok {
		return "", fmt.Errorf("field %q missing", key)
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("field %q is %T, not a string", key, raw)
	}
	return value, nil
}

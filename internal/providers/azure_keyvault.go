package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/systmms/dbrotate/internal/config"
	"github.com/systmms/dbrotate/internal/credentials"
	"github.com/systmms/dbrotate/internal/logging"
)

// KeyVaultClientAPI is the part of azsecrets.Client we use.
type KeyVaultClientAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// AzureKeyVaultSource reads the secret <prefix><role>. The value is either a JSON
// credential document, or the bare password with the username in a "username" tag.
type AzureKeyVaultSource struct {
	client KeyVaultClientAPI
	prefix string
	logger *logging.Logger
}

// AzureOption configures the Azure source.
type AzureOption func(*AzureKeyVaultSource)

// WithKeyVaultClient sets a custom Key Vault client (for testing)
func WithKeyVaultClient(client KeyVaultClientAPI) AzureOption {
	return func(s *AzureKeyVaultSource) {
		s.client = client
	}
}

// NewAzureKeyVaultSource creates the Azure source using DefaultAzureCredential.
func NewAzureKeyVaultSource(cfg config.AzureConfig, logger *logging.Logger, opts ...AzureOption) (*AzureKeyVaultSource, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &AzureKeyVaultSource{
		prefix: cfg.SecretPrefix,
		logger: logger.Named("azure"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client != nil {
		return s, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	client, err := azsecrets.NewClient(cfg.VaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
	}
	s.client = client
	return s, nil
}

// Name implements credentials.Source.
func (s *AzureKeyVaultSource) Name() string {
	return config.SourceAzure
}

// Fetch implements credentials.Source. The secret id (which embeds the version)
// becomes the lease id.
func (s *AzureKeyVaultSource) Fetch(ctx context.Context, role string) (credentials.Credentials, error) {
	name := s.prefix + role
	s.logger.Debug("reading secret %s", name)

	resp, err := s.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return credentials.Credentials{}, &NotFoundError{Source: s.Name(), Role: role, Key: name}
		}
		return credentials.Credentials{}, fmt.Errorf("Azure Key Vault error: %w", err)
	}
	if resp.Value == nil {
		return credentials.Credentials{}, fmt.Errorf("secret %s has no value", name)
	}

	creds := credentials.Credentials{Role: role, Source: s.Name()}
	if resp.ID != nil {
		creds.LeaseID = string(*resp.ID)
	}

	if user, ok := resp.Tags["username"]; ok && user != nil {
		creds.Username = *user
		creds.Password = *resp.Value
		return creds, nil
	}

	doc, err := parseSecretDocument([]byte(*resp.Value))
	if err != nil {
		return credentials.Credentials{}, fmt.Errorf("secret %s: %w", name, err)
	}
	creds.Username = doc.Username
	creds.Password = doc.Password
	return creds, nil
}

package providers

import (
	"context"
	"fmt"
	"os"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/systmms/dbrotate/internal/config"
	"github.com/systmms/dbrotate/internal/credentials"
	"github.com/systmms/dbrotate/internal/logging"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GCPSecretManagerClientAPI is the part of the Secret Manager client we use.
type GCPSecretManagerClientAPI interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// GCPSecretManagerSource reads the latest version of <prefix><role>.
type GCPSecretManagerSource struct {
	client    GCPSecretManagerClientAPI
	projectID string
	prefix    string
	logger    *logging.Logger
}

// GCPOption configures the GCP source.
type GCPOption func(*GCPSecretManagerSource)

// WithGCPClient sets a custom Secret Manager client (for testing)
func WithGCPClient(client GCPSecretManagerClientAPI) GCPOption {
	return func(s *GCPSecretManagerSource) {
		s.client = client
	}
}

// NewGCPSecretManagerSource creates the GCP source using application default
// credentials unless a credentials file is configured.
func NewGCPSecretManagerSource(ctx context.Context, cfg config.GCPConfig, logger *logging.Logger, opts ...GCPOption) (*GCPSecretManagerSource, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	projectID := cfg.ProjectID
	if projectID == "" {
		projectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}

	s := &GCPSecretManagerSource{
		projectID: projectID,
		prefix:    cfg.SecretPrefix,
		logger:    logger.Named("gcp"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client != nil {
		return s, nil
	}

	var clientOptions []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := secretmanager.NewClient(ctx, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	s.client = client
	return s, nil
}

// Name implements credentials.Source.
func (s *GCPSecretManagerSource) Name() string {
	return config.SourceGCP
}

// SecretVersion returns the resource name read for role.
func (s *GCPSecretManagerSource) SecretVersion(role string) string {
	return fmt.Sprintf("projects/%s/secrets/%s%s/versions/latest", s.projectID, s.prefix, role)
}

// Fetch implements credentials.Source. The resolved version name becomes the lease id.
func (s *GCPSecretManagerSource) Fetch(ctx context.Context, role string) (credentials.Credentials, error) {
	name := s.SecretVersion(role)
	s.logger.Debug("accessing %s", name)

	resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return credentials.Credentials{}, &NotFoundError{Source: s.Name(), Role: role, Key: name}
		}
		return credentials.Credentials{}, fmt.Errorf("GCP Secret Manager error: %w", err)
	}
	if resp.GetPayload() == nil || len(resp.GetPayload().GetData()) == 0 {
		return credentials.Credentials{}, fmt.Errorf("secret %s has no payload", name)
	}

	doc, err := parseSecretDocument(resp.GetPayload().GetData())
	if err != nil {
		return credentials.Credentials{}, fmt.Errorf("secret %s: %w", name, err)
	}

	return credentials.Credentials{
		Username: doc.Username,
		Password: doc.Password,
		LeaseID:  resp.GetName(),
		Role:     role,
		Source:   s.Name(),
	}, nil
}

// Close closes the underlying gRPC connection.
func (s *GCPSecretManagerSource) Close() error {
	return s.client.Close()
}

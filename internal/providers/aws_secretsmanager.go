package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscredentials "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/systmms/dbrotate/internal/config"
	"github.com/systmms/dbrotate/internal/credentials"
	"github.com/systmms/dbrotate/internal/logging"
)

// SecretsManagerClientAPI defines the AWS Secrets Manager operations we need.
// This allows for mocking in tests
type SecretsManagerClientAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManagerSource reads credentials from the secret named <prefix><role>.
type AWSSecretsManagerSource struct {
	client SecretsManagerClientAPI
	prefix string
	logger *logging.Logger
}

// AWSOption is a functional option for the AWS source
type AWSOption func(*AWSSecretsManagerSource)

// WithSecretsManagerClient sets a custom Secrets Manager client (for testing)
func WithSecretsManagerClient(client SecretsManagerClientAPI) AWSOption {
	return func(s *AWSSecretsManagerSource) {
		s.client = client
	}
}

// NewAWSSecretsManagerSource creates the AWS source. Region and credentials
// fall back to the SDK default chain (AWS_REGION, AWS_PROFILE, IMDS, ...).
func NewAWSSecretsManagerSource(ctx context.Context, cfg config.AWSConfig, logger *logging.Logger, opts ...AWSOption) (*AWSSecretsManagerSource, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &AWSSecretsManagerSource{
		prefix: cfg.SecretPrefix,
		logger: logger.Named("aws"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client != nil {
		return s, nil
	}

	var configOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		configOpts = append(configOpts, awsconfig.WithRegion(cfg.Region))
	}
	// Static credentials are meant for LocalStack and tests.
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			awscredentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if cfg.AssumeRoleARN != "" {
		s.logger.Debug("assuming role %s for secret reads", cfg.AssumeRoleARN)
		var stsOpts []func(*sts.Options)
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			stsOpts = append(stsOpts, func(o *sts.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg, stsOpts...), cfg.AssumeRoleARN,
			func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = "dbrotate"
				if cfg.ExternalID != "" {
					o.ExternalID = aws.String(cfg.ExternalID)
				}
			})
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}

	var clientOpts []func(*secretsmanager.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	s.client = secretsmanager.NewFromConfig(awsCfg, clientOpts...)
	return s, nil
}

// Name implements credentials.Source.
func (s *AWSSecretsManagerSource) Name() string {
	return config.SourceAWS
}

// Fetch implements credentials.Source. The secret version id becomes the lease id.
func (s *AWSSecretsManagerSource) Fetch(ctx context.Context, role string) (credentials.Credentials, error) {
	secretID := s.prefix + role
	s.logger.Debug("reading secret %s", secretID)

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return credentials.Credentials{}, &NotFoundError{Source: s.Name(), Role: role, Key: secretID}
		}
		return credentials.Credentials{}, fmt.Errorf("AWS Secrets Manager error: %w", err)
	}

	var raw []byte
	switch {
	case out.SecretString != nil:
		raw = []byte(*out.SecretString)
	case len(out.SecretBinary) > 0:
		raw = out.SecretBinary
	default:
		return credentials.Credentials{}, fmt.Errorf("secret %s has no value", secretID)
	}

	doc, err := parseSecretDocument(raw)
	if err != nil {
		return credentials.Credentials{}, fmt.Errorf("secret %s: %w", secretID, err)
	}

	return credentials.Credentials{
		Username: doc.Username,
		Password: doc.Password,
		LeaseID:  aws.ToString(out.VersionId),
		Role:     role,
		Source:   s.Name(),
	}, nil
}

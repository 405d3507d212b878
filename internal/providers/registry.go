package providers

import (
	"context"
	"fmt"

	"github.com/systmms/dbrotate/internal/config"
	"github.com/systmms/dbrotate/internal/credentials"
	"github.com/systmms/dbrotate/internal/logging"
	"github.com/systmms/dbrotate/internal/providers/vault"
)

// Factory creates a backend source from configuration.
type Factory func(ctx context.Context, src config.SourceConfig, logger *logging.Logger) (credentials.Source, error)

// Registry maps source types to factories
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in sources
func NewRegistry() *Registry {
	registry := &Registry{
		factories: make(map[string]Factory),
	}

	registry.RegisterFactory(config.SourceVault, func(_ context.Context, src config.SourceConfig, logger *logging.Logger) (credentials.Source, error) {
		return vault.New(src.Vault, logger), nil
	})
	registry.RegisterFactory(config.SourceAWS, func(ctx context.Context, src config.SourceConfig, logger *logging.Logger) (credentials.Source, error) {
		return NewAWSSecretsManagerSource(ctx, src.AWS, logger)
	})
	registry.RegisterFactory(config.SourceGCP, func(ctx context.Context, src config.SourceConfig, logger *logging.Logger) (credentials.Source, error) {
		return NewGCPSecretManagerSource(ctx, src.GCP, logger)
	})
	registry.RegisterFactory(config.SourceAzure, func(_ context.Context, src config.SourceConfig, logger *logging.Logger) (credentials.Source, error) {
		return NewAzureKeyVaultSource(src.Azure, logger)
	})
	registry.RegisterFactory(config.SourceStatic, func(_ context.Context, src config.SourceConfig, _ *logging.Logger) (credentials.Source, error) {
		return NewStaticSource(src.Static.Roles), nil
	})

	return registry
}

// RegisterFactory registers a factory for a given source type
func (r *Registry) RegisterFactory(sourceType string, factory Factory) {
	r.factories[sourceType] = factory
}

// Create builds the backend for def.Source and wraps it in a RoleSource that
// applies the default role and request timeout.
func (r *Registry) Create(ctx context.Context, def *config.Definition, logger *logging.Logger) (*credentials.RoleSource, error) {
	factory, exists := r.factories[def.Source.Type]
	if !exists {
		return nil, fmt.Errorf("unknown credential source type: %s", def.Source.Type)
	}

	backend, err := factory(ctx, def.Source, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s source: %w", def.Source.Type, err)
	}

	return credentials.NewRoleSource(backend, def.Database.DefaultRole, def.Source.Timeout, logger), nil
}

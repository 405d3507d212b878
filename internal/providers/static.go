package providers

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/systmms/dbrotate/internal/config"
	"github.com/systmms/dbrotate/internal/credentials"
)

// StaticSource serves fixed credentials per role. It doesn't talk to any
// backend, which makes it useful for local development and tests.
type StaticSource struct {
	roles  map[string]config.StaticCredential
	issued atomic.Int64
}

// NewStaticSource creates a static source from configured roles.
func NewStaticSource(roles map[string]config.StaticCredential) *StaticSource {
	copied := make(map[string]config.StaticCredential, len(roles))
	for name, cred := range roles {
		copied[name] = cred
	}
	return &StaticSource{roles: copied}
}

// Name implements credentials.Source.
func (s *StaticSource) Name() string {
	return config.SourceStatic
}

// Fetch implements credentials.Source. Each call gets a distinct lease id.
func (s *StaticSource) Fetch(_ context.Context, role string) (credentials.Credentials, error) {
	cred, ok := s.roles[role]
	if !ok {
		return credentials.Credentials{}, &NotFoundError{Source: s.Name(), Role: role, Key: role}
	}
	n := s.issued.Add(1)
	return credentials.Credentials{
		Username: cred.Username,
		Password: cred.Password,
		LeaseID:  fmt.Sprintf("static/%s/%d", role, n),
		Role:     role,
		Source:   s.Name(),
	}, nil
}

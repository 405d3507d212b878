// Package credentials defines the contract between the rotation orchestrator and
// whatever secrets backend issues short-lived database credentials.
package credentials

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	dserrors "github.com/systmms/dbrotate/internal/errors"
	"github.com/systmms/dbrotate/internal/logging"
)

// Credentials is one username/password pair issued by a Source. Values are
// immutable once fetched.
type Credentials struct {
	Username string
	Password string
	LeaseID  string

	// LeaseDuration and Renewable are informational; this module never renews.
	LeaseDuration time.Duration
	Renewable     bool

	Role     string
	Source   string
	IssuedAt time.Time
}

// String never includes the password.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %s, Password: %s, LeaseID: %s, Role: %s}",
		c.Username, logging.Secret(c.Password), c.LeaseID, c.Role)
}

// GoString keeps %#v from printing the password.
func (c Credentials) GoString() string {
	return c.String()
}

// Source issues fresh credentials for a role. Implementations must not cache:
// every call should yield credentials independent of prior calls.
type Source interface {
	Name() string
	Fetch(ctx context.Context, role string) (Credentials, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, role string) (Credentials, error)

// Name implements Source.
func (f SourceFunc) Name() string { return "func" }

// Fetch implements Source.
func (f SourceFunc) Fetch(ctx context.Context, role string) (Credentials, error) {
	return f(ctx, role)
}

// rolePattern is the role-name charset secrets backends accept. Roles end up in
// backend paths and secret names, so anything else is refused before I/O.
var rolePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidRole reports whether role is safe to hand to a backend.
func ValidRole(role string) bool {
	return rolePattern.MatchString(role) && !strings.Contains(role, "..")
}

// RoleSource wraps a backend Source with the behavior the orchestrator relies on:
// blank roles resolve to the default role, malformed role names are refused, every call is bounded by Timeout, and
// every failure matches dserrors.ErrCredentialFetchFailed.
type RoleSource struct {
	backend     Source
	defaultRole string
	timeout     time.Duration
	logger      *logging.Logger
	now         func() time.Time
}

// NewRoleSource creates a RoleSource. A zero timeout leaves calls bounded only by ctx.
func NewRoleSource(backend Source, defaultRole string, timeout time.Duration, logger *logging.Logger) *RoleSource {
	if logger == nil {
		logger = logging.Discard()
	}
	return &RoleSource{
		backend:     backend,
		defaultRole: defaultRole,
		timeout:     timeout,
		logger:      logger.Named("credentials"),
		now:         time.Now,
	}
}

// Name reports the backend name.
func (s *RoleSource) Name() string {
	return s.backend.Name()
}

// Close releases backend resources if the backend holds any.
func (s *RoleSource) Close() error {
	if closer, ok := s.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// DefaultRole is the role used when callers pass a blank one.
func (s *RoleSource) DefaultRole() string {
	return s.defaultRole
}

// ResolveRole returns role, or the default role when role is blank.
func (s *RoleSource) ResolveRole(role string) string {
	if strings.TrimSpace(role) == "" {
		return s.defaultRole
	}
	return strings.TrimSpace(role)
}

// Fetch implements Source.
func (s *RoleSource) Fetch(ctx context.Context, role string) (Credentials, error) {
	effective := s.ResolveRole(role)
	if effective == "" {
		return Credentials{}, dserrors.SourceError(s.backend.Name(), effective,
			fmt.Errorf("no role given and no default role configured"))
	}
	if !ValidRole(effective) {
		s.logger.Warn("refusing role %q from %s: invalid role name", effective, s.backend.Name())
		return Credentials{}, dserrors.SourceError(s.backend.Name(), effective,
			fmt.Errorf("invalid role name %q: only letters, digits, '_', '-' and '.' are allowed", effective))
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := s.now()
	creds, err := s.backend.Fetch(ctx, effective)
	if err != nil {
		s.logger.Warn("fetch for role %s from %s failed after %v: %v", effective, s.backend.Name(), s.now().Sub(start), err)
		return Credentials{}, dserrors.SourceError(s.backend.Name(), effective, err)
	}
	if creds.Username == "" {
		return Credentials{}, dserrors.SourceError(s.backend.Name(), effective,
			fmt.Errorf("malformed response: empty username"))
	}

	if creds.Role == "" {
		creds.Role = effective
	}
	if creds.Source == "" {
		creds.Source = s.backend.Name()
	}
	if creds.IssuedAt.IsZero() {
		creds.IssuedAt = s.now()
	}

	s.logger.Debug("fetched %v from %s (ttl %v)", creds, creds.Source, creds.LeaseDuration)
	return creds, nil
}

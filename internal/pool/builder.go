package pool

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/systmms/dbrotate/internal/config"
	"github.com/systmms/dbrotate/internal/credentials"
	dserrors "github.com/systmms/dbrotate/internal/errors"
	"github.com/systmms/dbrotate/internal/secure"
)

// Builder creates pools against one fixed database URL. Building does no
// network I/O; connections are opened lazily on first use.
type Builder struct {
	driverName string
	target     *url.URL
	config     config.PoolConfig

	seq atomic.Uint64
	now func() time.Time
}

// NewBuilder validates the database URL once so later builds only vary by credentials.
func NewBuilder(db config.DatabaseConfig, poolCfg config.PoolConfig) (*Builder, error) {
	target, err := url.Parse(db.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid database url: %w", dserrors.ErrPoolBuildFailed, err)
	}

	var driverName string
	switch strings.ToLower(target.Scheme) {
	case "postgres", "postgresql":
		driverName = "postgres"
	case "mysql":
		driverName = "mysql"
	default:
		return nil, fmt.Errorf("%w: unsupported database scheme %q", dserrors.ErrPoolBuildFailed, target.Scheme)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("%w: database url has no host", dserrors.ErrPoolBuildFailed)
	}
	// Credentials always come from the source.
	target.User = nil

	if poolCfg.NamePrefix == "" {
		poolCfg.NamePrefix = config.DefaultPoolPrefix
	}

	return &Builder{
		driverName: driverName,
		target:     target,
		config:     poolCfg,
		now:        time.Now,
	}, nil
}

// Driver returns "postgres" or "mysql".
func (b *Builder) Driver() string {
	return b.driverName
}

// Build creates a pool authenticating with creds. The password is sealed
// immediately; the caller may discard creds afterwards.
func (b *Builder) Build(creds credentials.Credentials) (*Pool, error) {
	if creds.Username == "" {
		return nil, fmt.Errorf("%w: credentials have no username", dserrors.ErrPoolBuildFailed)
	}

	password := secure.SealString(creds.Password)
	connector := &sealedConnector{
		driverName:     b.driverName,
		target:         b.target,
		username:       creds.Username,
		password:       password,
		connectTimeout: b.config.ConnectTimeout,
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(b.config.MaxOpen)
	db.SetMaxIdleConns(b.config.MaxIdle)
	db.SetConnMaxLifetime(b.config.ConnMaxLifetime)

	p := New(b.nextName(), creds.Username, db, WithLeaseID(creds.LeaseID))
	p.password = password
	return p, nil
}

func (b *Builder) nextName() string {
	return fmt.Sprintf("%s-%d-%d", b.config.NamePrefix, b.now().UnixMilli(), b.seq.Add(1))
}

// Package pool wraps a *sql.DB built for one set of database credentials.
//
// A Pool is immutable apart from its closed flag: the credentials it
// authenticates with are fixed when it is built. Rotating credentials means
// building a new Pool, never mutating an existing one.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	dserrors "github.com/systmms/dbrotate/internal/errors"
	"github.com/systmms/dbrotate/internal/secure"
)

// Pool is a named connection pool bound to one username.
type Pool struct {
	name      string
	username  string
	leaseID   string
	createdAt time.Time

	db       *sql.DB
	password *secure.Sealed

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Pool.
type Option func(*Pool)

// WithLeaseID records the lease of the credentials the pool was built from.
func WithLeaseID(id string) Option {
	return func(p *Pool) {
		p.leaseID = id
	}
}

// New wraps an already opened database handle. The Pool takes ownership of db.
func New(name, username string, db *sql.DB, opts ...Option) *Pool {
	p := &Pool{
		name:      name,
		username:  username,
		createdAt: time.Now(),
		db:        db,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name is the unique pool name.
func (p *Pool) Name() string {
	return p.name
}

// Username is the database user this pool authenticates as.
func (p *Pool) Username() string {
	return p.username
}

// LeaseID is the lease of the credentials the pool was built from, if any.
func (p *Pool) LeaseID() string {
	return p.leaseID
}

// CreatedAt reports when the pool was built.
func (p *Pool) CreatedAt() time.Time {
	return p.createdAt
}

// Conn returns a dedicated connection. Callers must Close it to hand it back.
// Once the pool is closed Conn fails with ErrPoolClosed without touching the database.
func (p *Pool) Conn(ctx context.Context) (*sql.Conn, error) {
	if p.closed.Load() {
		return nil, dserrors.ErrPoolClosed
	}
	conn, err := p.db.Conn(ctx)
	if err != nil {
		// Lost a race with Close.
		if p.closed.Load() || errors.Is(err, sql.ErrConnDone) {
			return nil, dserrors.ErrPoolClosed
		}
		return nil, err
	}
	return conn, nil
}

// Ping verifies a connection can be established.
func (p *Pool) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return dserrors.ErrPoolClosed
	}
	return p.db.PingContext(ctx)
}

// Stats returns database/sql pool statistics.
func (p *Pool) Stats() sql.DBStats {
	return p.db.Stats()
}

// Closed reports whether Close was called.
func (p *Pool) Closed() bool {
	return p.closed.Load()
}

// Close closes the underlying database handle exactly once and wipes the
// sealed password. Every call returns the result of the first.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.closeErr = p.db.Close()
		if p.password != nil {
			p.password.Destroy()
		}
	})
	return p.closeErr
}

// Package router hands out connections from whichever pool is currently active.
package router

import (
	"context"
	"database/sql"
	"sync/atomic"

	dserrors "github.com/systmms/dbrotate/internal/errors"
	"github.com/systmms/dbrotate/internal/pool"
)

// Router is the single entry point for database access. Reads are lock-free;
// only the rotation orchestrator calls SetTarget.
type Router struct {
	target atomic.Pointer[pool.Pool]
}

// New returns a router with no target.
func New() *Router {
	return &Router{}
}

// GetConnection returns a connection from the active pool, or ErrNoTargetAvailable
// if no pool was set yet. It never retries and never looks at credentials.
func (r *Router) GetConnection(ctx context.Context) (*sql.Conn, error) {
	p := r.target.Load()
	if p == nil {
		return nil, dserrors.ErrNoTargetAvailable
	}
	return p.Conn(ctx)
}

// SetTarget replaces the active pool. A nil pool clears it.
func (r *Router) SetTarget(p *pool.Pool) {
	r.target.Store(p)
}

// Target returns the active pool, or nil.
func (r *Router) Target() *pool.Pool {
	return r.target.Load()
}

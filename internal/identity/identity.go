// Package identity asks the database which user the active pool is logged in as.
package identity

import (
	"context"
	"database/sql"
	"fmt"
)

// Queries per driver family.
const (
	PostgresQuery = "SELECT current_user"

	// CURRENT_USER() is user@host; keep the user part so it matches the pool's username.
	MySQLQuery = "SELECT SUBSTRING_INDEX(CURRENT_USER(), '@', 1)"
)

// ConnectionGetter is satisfied by *router.Router.
type ConnectionGetter interface {
	GetConnection(ctx context.Context) (*sql.Conn, error)
}

// Resolver reports the current database user through a ConnectionGetter.
type Resolver struct {
	conns ConnectionGetter
	query string
}

// NewResolver picks the identity query for driverName ("postgres" or "mysql").
func NewResolver(conns ConnectionGetter, driverName string) *Resolver {
	query := PostgresQuery
	if driverName == "mysql" {
		query = MySQLQuery
	}
	return &Resolver{conns: conns, query: query}
}

// CurrentUser returns the user the database sees for a fresh routed connection.
// Errors from the router (ErrNoTargetAvailable, ErrPoolClosed) are returned as is.
func (r *Resolver) CurrentUser(ctx context.Context) (string, error) {
	conn, err := r.conns.GetConnection(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()

	var user string
	if err := conn.QueryRowContext(ctx, r.query).Scan(&user); err != nil {
		return "", fmt.Errorf("identity query failed: %w", err)
	}
	return user, nil
}

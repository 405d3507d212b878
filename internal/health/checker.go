// Package health verifies that a pool can complete a round trip against the database.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/systmms/dbrotate/internal/config"
	dserrors "github.com/systmms/dbrotate/internal/errors"
	"github.com/systmms/dbrotate/internal/pool"
)

// DefaultPoolWarnPct is the in-use percentage above which a pool is reported degraded.
const DefaultPoolWarnPct = 80

// Result is the outcome of one check.
type Result struct {
	Healthy   bool
	Message   string
	Duration  time.Duration
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Checker runs the health query on a dedicated connection.
type Checker struct {
	query   string
	timeout time.Duration
	warnPct int
}

// NewChecker creates a checker. A blank query means SELECT 1; a zero timeout
// leaves the check bounded only by ctx.
func NewChecker(query string, timeout time.Duration) *Checker {
	if query == "" {
		query = config.DefaultHealthQuery
	}
	return &Checker{
		query:   query,
		timeout: timeout,
		warnPct: DefaultPoolWarnPct,
	}
}

// Query returns the statement the checker runs.
func (c *Checker) Query() string {
	return c.query
}

// Check acquires one connection from p and runs the health query. Any failure
// is returned as an error matching ErrPoolHealthCheckFailed; the Result is
// filled either way.
func (c *Checker) Check(ctx context.Context, p *pool.Pool) (Result, error) {
	start := time.Now()
	result := Result{
		Timestamp: start,
		Metadata:  make(map[string]interface{}),
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.roundTrip(ctx, p); err != nil {
		result.Duration = time.Since(start)
		result.Message = fmt.Sprintf("query failed: %v", err)
		return result, dserrors.HealthCheckError(p.Name(), err)
	}

	result.Healthy = true
	result.Duration = time.Since(start)
	result.Metadata["query_latency_ms"] = result.Duration.Milliseconds()

	stats := p.Stats()
	result.Metadata["open_connections"] = stats.OpenConnections
	result.Metadata["in_use_connections"] = stats.InUse
	result.Metadata["max_open_connections"] = stats.MaxOpenConnections

	result.Message = "all checks passed"
	if stats.MaxOpenConnections > 0 {
		usagePct := (stats.InUse * 100) / stats.MaxOpenConnections
		result.Metadata["pool_usage_pct"] = usagePct
		switch {
		case stats.InUse >= stats.MaxOpenConnections:
			result.Metadata["pool_status"] = "exhausted"
			result.Message = fmt.Sprintf("connection pool exhausted: %d/%d", stats.InUse, stats.MaxOpenConnections)
		case usagePct >= c.warnPct:
			result.Metadata["pool_status"] = "degraded"
			result.Message = fmt.Sprintf("connection pool at %d%% usage", usagePct)
		default:
			result.Metadata["pool_status"] = "healthy"
		}
	}

	return result, nil
}

func (c *Checker) roundTrip(ctx context.Context, p *pool.Pool) error {
	conn, err := p.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	var out interface{}
	if err := conn.QueryRowContext(ctx, c.query).Scan(&out); err != nil {
		return err
	}
	return nil
}

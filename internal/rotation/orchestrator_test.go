package rotation

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/dbrotate/internal/credentials"
	dserrors "github.com/systmms/dbrotate/internal/errors"
	"github.com/systmms/dbrotate/internal/health"
	"github.com/systmms/dbrotate/internal/identity"
	"github.com/systmms/dbrotate/internal/pool"
	"github.com/systmms/dbrotate/internal/router"
)

// fakeBuilder builds sqlmock-backed pools. Each pool answers the health query
// (or fails it for users listed in unhealthy) and then one identity query.
type fakeBuilder struct {
	mu          sync.Mutex
	pools       []*pool.Pool
	unhealthy   map[string]bool
	healthDelay time.Duration
	buildErr    error
}

func newFakeBuilder(unhealthy ...string) *fakeBuilder {
	b := &fakeBuilder{unhealthy: make(map[string]bool)}
	for _, u := range unhealthy {
		b.unhealthy[u] = true
	}
	return b
}

func (b *fakeBuilder) Build(creds credentials.Credentials) (*pool.Pool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buildErr != nil {
		return nil, b.buildErr
	}

	db, mock, err := sqlmock.New()
	if err != nil {
		return nil, err
	}
	exp := mock.ExpectQuery(regexp.QuoteMeta("SELECT 1"))
	if b.healthDelay > 0 {
		exp = exp.WillDelayFor(b.healthDelay)
	}
	if b.unhealthy[creds.Username] {
		exp.WillReturnError(fmt.Errorf("pq: password authentication failed for user %q", creds.Username))
	} else {
		exp.WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	}
	mock.ExpectQuery(regexp.QuoteMeta(identity.PostgresQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"current_user"}).AddRow(creds.Username))

	p := pool.New(fmt.Sprintf("pool-%d", len(b.pools)+1), creds.Username, db, pool.WithLeaseID(creds.LeaseID))
	b.pools = append(b.pools, p)
	return p, nil
}

func (b *fakeBuilder) setHealthDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthDelay = d
}

func (b *fakeBuilder) built() []*pool.Pool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*pool.Pool(nil), b.pools...)
}

// counterSource issues u1, u2, ... and rejects the role "unknown".
func counterSource() credentials.Source {
	var n atomic.Int64
	return credentials.SourceFunc(func(_ context.Context, role string) (credentials.Credentials, error) {
		if role == "unknown" {
			return credentials.Credentials{}, fmt.Errorf("unknown role: %s", role)
		}
		i := n.Add(1)
		return credentials.Credentials{
			Username: fmt.Sprintf("u%d", i),
			Password: fmt.Sprintf("p%d", i),
			LeaseID:  fmt.Sprintf("database/creds/%s/%d", role, i),
		}, nil
	})
}

func newTestOrchestrator(t *testing.T, b *fakeBuilder, opts ...Option) (*Orchestrator, *router.Router) {
	t.Helper()
	r := router.New()
	src := credentials.NewRoleSource(counterSource(), "demo-role", time.Second, nil)
	o := New(src, b, health.NewChecker("SELECT 1", time.Second), r, opts...)
	t.Cleanup(o.Shutdown)
	return o, r
}

func whoami(t *testing.T, r *router.Router) string {
	t.Helper()
	user, err := identity.NewResolver(r, "postgres").CurrentUser(context.Background())
	require.NoError(t, err)
	return user
}

func TestInitialize(t *testing.T) {
	t.Parallel()

	b := newFakeBuilder()
	o, r := newTestOrchestrator(t, b)

	require.NoError(t, o.Initialize(context.Background()))

	require.NotNil(t, r.Target())
	assert.Same(t, r.Target(), o.Current())
	assert.Equal(t, "u1", whoami(t, r))

	status := o.Status()
	assert.True(t, status.Initialized)
	assert.Equal(t, "pool-1", status.ActivePool)
	assert.Equal(t, "database/creds/demo-role/1", status.LeaseID)
	assert.Equal(t, ResultNeverRotated, status.LastResult)
	assert.Equal(t, 1, status.OpenPools)
	require.Len(t, status.History, 1)
	assert.Equal(t, ActionInitialize, status.History[0].Action)
	assert.Equal(t, "demo-role", status.History[0].Role)
}

func TestInitialize_Twice(t *testing.T) {
	t.Parallel()

	o, _ := newTestOrchestrator(t, newFakeBuilder())
	require.NoError(t, o.Initialize(context.Background()))

	err := o.Initialize(context.Background())
	assert.ErrorIs(t, err, dserrors.ErrInitializationFailed)
	assert.Equal(t, 1, o.OpenPools())
}

func TestInitialize_HealthCheckFailure(t *testing.T) {
	t.Parallel()

	b := newFakeBuilder("u1")
	o, r := newTestOrchestrator(t, b)

	err := o.Initialize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, dserrors.ErrInitializationFailed)
	assert.ErrorIs(t, err, dserrors.ErrPoolHealthCheckFailed)

	assert.Nil(t, r.Target())
	require.Len(t, b.built(), 1)
	assert.True(t, b.built()[0].Closed())
	assert.Equal(t, 0, o.OpenPools())
	assert.False(t, o.Status().Initialized)
}

func TestInitialize_FetchFailure(t *testing.T) {
	t.Parallel()

	b := newFakeBuilder()
	r := router.New()
	src := credentials.NewRoleSource(counterSource(), "", time.Second, nil)
	o := New(src, b, health.NewChecker("", time.Second), r)
	defer o.Shutdown()

	err := o.Initialize(context.Background())
	assert.ErrorIs(t, err, dserrors.ErrInitializationFailed)
	assert.ErrorIs(t, err, dserrors.ErrCredentialFetchFailed)
	assert.Empty(t, b.built())
	assert.Nil(t, r.Target())
}

func TestInitialize_BuildFailure(t *testing.T) {
	t.Parallel()

	b := newFakeBuilder()
	b.buildErr = fmt.Errorf("bad url")
	o, r := newTestOrchestrator(t, b)

	err := o.Initialize(context.Background())
	assert.ErrorIs(t, err, dserrors.ErrInitializationFailed)
	assert.ErrorIs(t, err, dserrors.ErrPoolBuildFailed)
	assert.Nil(t, r.Target())
}

func TestRotate_BeforeInitialize(t *testing.T) {
	t.Parallel()

	b := newFakeBuilder()
	o, _ := newTestOrchestrator(t, b)

	assert.ErrorIs(t, o.Rotate(context.Background(), ""), dserrors.ErrNotInitialized)
	assert.Empty(t, b.built())
}

func TestRotate_Success(t *testing.T) {
	t.Parallel()

	b := newFakeBuilder()
	o, r := newTestOrchestrator(t, b)
	require.NoError(t, o.Initialize(context.Background()))
	first := r.Target()

	require.NoError(t, o.Rotate(context.Background(), "other-role"))

	assert.Equal(t, "u2", whoami(t, r))
	assert.NotSame(t, first, r.Target())
	assert.True(t, first.Closed(), "replaced pool is closed immediately without a grace period")
	assert.Equal(t, 1, o.OpenPools())

	status := o.Status()
	assert.Equal(t, 1, status.RotationCount)
	assert.Equal(t, 1, status.SuccessCount)
	assert.Equal(t, ResultSuccess, status.LastResult)
	assert.Equal(t, "pool-2", status.ActivePool)
	assert.Equal(t, "pool-1", status.PreviousPool)
	require.NotNil(t, status.LastRotation)

	last := status.History[len(status.History)-1]
	assert.Equal(t, "other-role", last.Role)
	assert.Equal(t, "pool-1", last.OldPool)
	assert.Equal(t, "pool-2", last.NewPool)
	var steps []string
	for _, s := range last.Steps {
		steps = append(steps, s.Name)
	}
	assert.Equal(t, []string{StepFetch, StepBuild, StepHealthCheck, StepPromote, StepRetire}, steps)
}

func TestRotate_FetchFailureLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	b := newFakeBuilder()
	o, r := newTestOrchestrator(t, b)
	require.NoError(t, o.Initialize(context.Background()))
	before := r.Target()

	err := o.Rotate(context.Background(), "unknown")
	require.Error(t, err)
	assert.ErrorIs(t, err, dserrors.ErrCredentialFetchFailed)

	assert.Same(t, before, r.Target())
	assert.False(t, before.Closed())
	assert.Len(t, b.built(), 1)

	status := o.Status()
	assert.Equal(t, 1, status.FailureCount)
	assert.Equal(t, ResultFailed, status.LastResult)
	assert.Contains(t, status.LastError, "unknown role")
}

func TestRotate_HealthCheckFailureLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	b := newFakeBuilder("u2")
	o, r := newTestOrchestrator(t, b)
	require.NoError(t, o.Initialize(context.Background()))
	before := r.Target()
	statusBefore := o.Status()

	err := o.Rotate(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, dserrors.ErrPoolHealthCheckFailed)

	assert.Same(t, before, r.Target())
	assert.Same(t, before, o.current)
	assert.Nil(t, o.previous)
	assert.False(t, before.Closed())

	built := b.built()
	require.Len(t, built, 2)
	assert.True(t, built[1].Closed(), "rejected candidate is closed before Rotate returns")
	assert.Equal(t, 1, o.OpenPools())

	status := o.Status()
	assert.Equal(t, statusBefore.ActivePool, status.ActivePool)
	assert.Equal(t, statusBefore.LeaseID, status.LeaseID)
	assert.Equal(t, "u1", whoami(t, r))
}

func TestRotate_RejectedCredentialsKeepPreviousRotation(t *testing.T) {
	t.Parallel()

	b := newFakeBuilder("u3")
	o, r := newTestOrchestrator(t, b)
	require.NoError(t, o.Initialize(context.Background()))

	require.NoError(t, o.Rotate(context.Background(), ""))
	assert.Equal(t, "u2", whoami(t, r))

	err := o.Rotate(context.Background(), "")
	assert.ErrorIs(t, err, dserrors.ErrPoolHealthCheckFailed)

	// pool-2 already answered its identity query; ask the status instead.
	assert.Equal(t, "u2", r.Target().Username())
	assert.Equal(t, "u2", o.Status().ActiveUser)
}

func TestRotate_ClosesEveryReplacedPool(t *testing.T) {
	t.Parallel()

	b := newFakeBuilder()
	o, r := newTestOrchestrator(t, b)
	require.NoError(t, o.Initialize(context.Background()))

	for i := 0; i < 5; i++ {
		require.NoError(t, o.Rotate(context.Background(), ""))
	}

	built := b.built()
	require.Len(t, built, 6)
	for _, p := range built[:5] {
		assert.True(t, p.Closed(), "pool %s should be closed", p.Name())
	}
	assert.Same(t, built[5], r.Target())
	assert.Same(t, built[4], o.previous)
	assert.Equal(t, 1, o.OpenPools())
}

func TestRotate_Concurrent(t *testing.T) {
	t.Parallel()

	b := newFakeBuilder()
	o, r := newTestOrchestrator(t, b)
	require.NoError(t, o.Initialize(context.Background()))

	const callers = 20
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = o.Rotate(context.Background(), "")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}

	built := b.built()
	require.Len(t, built, callers+1, "no coalescing: every call builds its own candidate")
	target := r.Target()
	assert.Same(t, built[len(built)-1], target)
	for _, p := range built {
		if p != target {
			assert.True(t, p.Closed(), "pool %s should be closed", p.Name())
		}
	}
	assert.False(t, target.Closed())
	assert.Equal(t, 1, o.OpenPools())
	assert.Equal(t, callers, o.Status().SuccessCount)
}

func TestRotate_ConcurrentWithFailures(t *testing.T) {
	t.Parallel()

	var unhealthy []string
	for i := 2; i <= 21; i += 2 {
		unhealthy = append(unhealthy, fmt.Sprintf("u%d", i))
	}
	b := newFakeBuilder(unhealthy...)
	o, r := newTestOrchestrator(t, b)
	require.NoError(t, o.Initialize(context.Background()))

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.Rotate(context.Background(), ""); err != nil {
				assert.ErrorIs(t, err, dserrors.ErrPoolHealthCheckFailed)
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), failures.Load())
	target := r.Target()
	assert.False(t, b.unhealthy[target.Username()])
	for _, p := range b.built() {
		if p != target {
			assert.True(t, p.Closed(), "pool %s should be closed", p.Name())
		}
	}
	assert.Equal(t, 1, o.OpenPools())
}

func TestRotate_IgnoresCallerCancellation(t *testing.T) {
	t.Parallel()

	b := newFakeBuilder()
	o, r := newTestOrchestrator(t, b)
	require.NoError(t, o.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, o.Rotate(ctx, ""))
	assert.Equal(t, "u2", r.Target().Username())
}

func TestRotate_ReadsDoNotWaitForRotation(t *testing.T) {
	t.Parallel()

	b := newFakeBuilder()
	o, r := newTestOrchestrator(t, b)
	require.NoError(t, o.Initialize(context.Background()))
	first := r.Target()
	b.setHealthDelay(300 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- o.Rotate(context.Background(), "") }()
	time.Sleep(30 * time.Millisecond)

	start := time.Now()
	conn, err := r.GetConnection(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Same(t, first, r.Target(), "cutover happens only after the health check")

	require.NoError(t, <-done)
	assert.NotSame(t, first, r.Target())
}

func TestRotate_RetireGrace(t *testing.T) {
	t.Parallel()

	b := newFakeBuilder()
	o, r := newTestOrchestrator(t, b, WithRetireGrace(50*time.Millisecond))
	require.NoError(t, o.Initialize(context.Background()))
	first := r.Target()

	require.NoError(t, o.Rotate(context.Background(), ""))
	assert.False(t, first.Closed(), "old pool drains during the grace period")

	assert.Eventually(t, first.Closed, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, o.OpenPools())
}

func TestRotate_NextRotationClosesDrainingPool(t *testing.T) {
	t.Parallel()

	b := newFakeBuilder()
	o, _ := newTestOrchestrator(t, b, WithRetireGrace(time.Hour))
	require.NoError(t, o.Initialize(context.Background()))

	require.NoError(t, o.Rotate(context.Background(), ""))
	require.NoError(t, o.Rotate(context.Background(), ""))

	built := b.built()
	assert.True(t, built[0].Closed(), "previous pool is closed when it leaves the previous slot")
	assert.False(t, built[1].Closed())
	assert.Equal(t, 2, o.OpenPools())

	o.statusMu.RLock()
	_, firstDraining := o.draining[built[0]]
	pending := len(o.draining)
	o.statusMu.RUnlock()
	assert.False(t, firstDraining, "early close cancels the pending retirement")
	assert.Equal(t, 1, pending)
}

func TestRotate_EarlyCloseEndsRetireWait(t *testing.T) {
	t.Parallel()

	b := newFakeBuilder()
	o, _ := newTestOrchestrator(t, b, WithRetireGrace(time.Hour))
	require.NoError(t, o.Initialize(context.Background()))
	require.NoError(t, o.Rotate(context.Background(), ""))

	first := b.built()[0]
	o.closePool(first, "previous")

	// Only the retirement of the pool closed above was pending.
	done := make(chan struct{})
	go func() {
		o.retiring.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retire goroutine kept waiting after its pool was closed")
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	b := newFakeBuilder()
	o, r := newTestOrchestrator(t, b, WithRetireGrace(time.Hour))
	require.NoError(t, o.Initialize(context.Background()))
	require.NoError(t, o.Rotate(context.Background(), ""))

	o.Shutdown()
	o.Shutdown()

	for _, p := range b.built() {
		assert.True(t, p.Closed(), "pool %s should be closed", p.Name())
	}
	assert.Nil(t, r.Target())
	assert.Equal(t, 0, o.OpenPools())

	_, err := r.GetConnection(context.Background())
	assert.ErrorIs(t, err, dserrors.ErrNoTargetAvailable)
	assert.ErrorIs(t, o.Rotate(context.Background(), ""), dserrors.ErrShutdown)
	assert.ErrorIs(t, o.Initialize(context.Background()), dserrors.ErrShutdown)

	status := o.Status()
	assert.True(t, status.ShutDown)
	assert.Empty(t, status.ActivePool)
}

func TestShutdown_WithoutInitialize(t *testing.T) {
	t.Parallel()

	o, r := newTestOrchestrator(t, newFakeBuilder())
	o.Shutdown()
	o.Shutdown()
	assert.Nil(t, r.Target())
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	b := newFakeBuilder("u3")
	o, _ := newTestOrchestrator(t, b, WithRegisterer(reg))

	require.NoError(t, o.Initialize(context.Background()))
	require.NoError(t, o.Rotate(context.Background(), ""))
	require.Error(t, o.Rotate(context.Background(), ""))
	require.Error(t, o.Rotate(context.Background(), "unknown"))

	assert.Equal(t, 1.0, testutil.ToFloat64(o.metrics.attempts.WithLabelValues(ActionInitialize, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.metrics.attempts.WithLabelValues(ActionRotate, "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.metrics.attempts.WithLabelValues(ActionRotate, "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.metrics.failures.WithLabelValues(StepHealthCheck)))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.metrics.failures.WithLabelValues(StepFetch)))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.metrics.poolsOpen))
	assert.Equal(t, 0.0, testutil.ToFloat64(o.metrics.healthCheckStatus))

	count, err := testutil.GatherAndCount(reg, "dbrotate_rotation_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestStatus_HistoryLimit(t *testing.T) {
	t.Parallel()

	o, _ := newTestOrchestrator(t, newFakeBuilder(), WithHistoryLimit(3))
	require.NoError(t, o.Initialize(context.Background()))
	for i := 0; i < 5; i++ {
		require.NoError(t, o.Rotate(context.Background(), ""))
	}

	status := o.Status()
	require.Len(t, status.History, 3)
	assert.Equal(t, "rotate-6", status.History[2].ID)
	assert.Equal(t, 5, status.RotationCount)

	// Snapshots are copies.
	status.History[0].Steps[0].Name = "mutated"
	assert.NotEqual(t, "mutated", o.Status().History[0].Steps[0].Name)
}

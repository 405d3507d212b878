// Package rotation swaps the active connection pool when credentials change.
//
// The Orchestrator owns every pool it builds. A rotation fetches fresh
// credentials, builds a candidate pool, health-checks it and only then points
// the router at it. Failed candidates are closed before Rotate returns and the
// active pool is left exactly as it was.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/systmms/dbrotate/internal/credentials"
	dserrors "github.com/systmms/dbrotate/internal/errors"
	"github.com/systmms/dbrotate/internal/health"
	"github.com/systmms/dbrotate/internal/logging"
	"github.com/systmms/dbrotate/internal/pool"
	"github.com/systmms/dbrotate/internal/rotation/notifications"
	"github.com/systmms/dbrotate/internal/router"
)

// Step names used in history and metrics.
const (
	StepFetch       = "fetch"
	StepBuild       = "build"
	StepHealthCheck = "health_check"
	StepPromote     = "promote"
	StepRetire      = "retire"
)

// Actions recorded in history and metrics.
const (
	ActionInitialize = "initialize"
	ActionRotate     = "rotate"
)

// PoolBuilder creates a pool for one set of credentials without doing network I/O.
type PoolBuilder interface {
	Build(creds credentials.Credentials) (*pool.Pool, error)
}

// HealthChecker verifies a candidate pool.
type HealthChecker interface {
	Check(ctx context.Context, p *pool.Pool) (health.Result, error)
}

// Notifier receives one event per finished attempt. Send must not block.
type Notifier interface {
	Send(event notifications.Event)
}

// Orchestrator serializes rotations and owns the current and previous pools.
type Orchestrator struct {
	source  credentials.Source
	builder PoolBuilder
	checker HealthChecker
	router  *router.Router

	defaultRole  string
	retireGrace  time.Duration
	historyLimit int
	logger       *logging.Logger
	metrics      *Metrics
	notifier     Notifier
	now          func() time.Time

	// mu serializes Initialize, Rotate and Shutdown.
	mu       sync.Mutex
	current  *pool.Pool
	previous *pool.Pool
	shutdown bool

	// stop cuts pending retirements short; retiring tracks them.
	stop     chan struct{}
	retiring sync.WaitGroup

	// statusMu guards status, open and draining; it is never held across I/O.
	statusMu sync.RWMutex
	status   Status
	open     map[*pool.Pool]struct{}
	draining map[*pool.Pool]chan struct{}
	seq      uint64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger.Named("rotation")
		}
	}
}

// WithDefaultRole sets the role Initialize fetches. Blank defers to the source.
func WithDefaultRole(role string) Option {
	return func(o *Orchestrator) {
		o.defaultRole = role
	}
}

// WithRetireGrace delays closing the replaced pool so checked-out connections
// can finish. Zero closes it immediately.
func WithRetireGrace(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.retireGrace = d
	}
}

// WithRegisterer registers metrics with reg instead of leaving them unregistered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Orchestrator) {
		o.metrics = NewMetrics(reg)
	}
}

// WithNotifier publishes attempt outcomes to n.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithHistoryLimit bounds how many attempts Status reports.
func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.historyLimit = n
		}
	}
}

// New creates an orchestrator. Nothing is fetched or built until Initialize.
func New(source credentials.Source, builder PoolBuilder, checker HealthChecker, r *router.Router, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source:       source,
		builder:      builder,
		checker:      checker,
		router:       r,
		historyLimit: DefaultHistoryLimit,
		logger:       logging.Discard(),
		now:          time.Now,
		stop:         make(chan struct{}),
		open:         make(map[*pool.Pool]struct{}),
		draining:     make(map[*pool.Pool]chan struct{}),
		status:       Status{LastResult: ResultNeverRotated},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	return o
}

// Initialize builds and health-checks the first pool and points the router at it.
// Any failure wraps ErrInitializationFailed; there is nothing to fall back to.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.shutdown {
		return fmt.Errorf("%w: %w", dserrors.ErrInitializationFailed, dserrors.ErrShutdown)
	}
	if o.current != nil {
		return fmt.Errorf("%w: already initialized with pool %s", dserrors.ErrInitializationFailed, o.current.Name())
	}

	a := o.begin(ActionInitialize, o.defaultRole)
	candidate, err := o.prepare(ctx, a, o.defaultRole)
	if err != nil {
		err = fmt.Errorf("%w: %w", dserrors.ErrInitializationFailed, err)
		o.logger.Error("initialization failed: %v", err)
		o.finish(a, err)
		return err
	}

	o.current = candidate
	o.router.SetTarget(candidate)
	a.record(StepPromote, o.now(), nil)
	a.entry.NewPool = candidate.Name()
	a.entry.NewUser = candidate.Username()

	o.logger.Info("initialized pool %s", candidate.Name())
	o.logger.Debug("pool %s authenticates as %s", candidate.Name(), candidate.Username())
	o.finish(a, nil)
	return nil
}

// Rotate replaces the active pool with one built from fresh credentials for
// role (blank means the default role). It returns nil only once the router
// serves the new pool. On error the active pool is unchanged and the error
// matches ErrCredentialFetchFailed, ErrPoolBuildFailed or ErrPoolHealthCheckFailed.
//
// Concurrent calls queue; each runs its own full attempt. Cancelling ctx does
// not abort an attempt once queued; the source and health check timeouts bound it.
func (o *Orchestrator) Rotate(ctx context.Context, role string) error {
	ctx = context.WithoutCancel(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.shutdown {
		return dserrors.ErrShutdown
	}
	if o.current == nil {
		return dserrors.ErrNotInitialized
	}

	a := o.begin(ActionRotate, role)
	candidate, err := o.prepare(ctx, a, role)
	if err != nil {
		o.logger.Warn("rotation failed, keeping pool %s: %v", o.current.Name(), err)
		o.finish(a, err)
		return err
	}

	old := o.current
	o.current = candidate
	o.router.SetTarget(candidate)
	a.record(StepPromote, o.now(), nil)
	a.entry.OldPool = old.Name()
	a.entry.NewPool = candidate.Name()
	a.entry.NewUser = candidate.Username()

	retireStart := o.now()
	if o.previous != nil && o.previous != old && !o.previous.Closed() {
		o.closePool(o.previous, "previous")
	}
	o.retire(old)
	o.previous = old
	a.record(StepRetire, retireStart, nil)

	o.logger.Info("rotated from pool %s to %s", old.Name(), candidate.Name())
	o.logger.Debug("pool %s authenticates as %s", candidate.Name(), candidate.Username())
	o.finish(a, nil)
	return nil
}

// Shutdown clears the router target and closes every pool the orchestrator
// still owns, including ones waiting out their retire grace. It is safe to call
// more than once and never fails; close errors are logged.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.shutdown {
		return
	}
	o.shutdown = true
	o.router.SetTarget(nil)
	close(o.stop)

	if o.previous != nil && !o.previous.Closed() {
		o.closePool(o.previous, "previous")
	}
	if o.current != nil && o.current != o.previous {
		o.closePool(o.current, "current")
	}
	o.retiring.Wait()

	o.statusMu.Lock()
	o.status.ShutDown = true
	o.status.ActivePool = ""
	o.status.ActiveUser = ""
	o.status.LeaseID = ""
	o.status.PreviousPool = ""
	o.status.OpenPools = len(o.open)
	o.statusMu.Unlock()

	o.logger.Info("rotation orchestrator shut down")
}

// Current returns the active pool, or nil.
func (o *Orchestrator) Current() *pool.Pool {
	return o.router.Target()
}

// Status returns a snapshot of the rotation bookkeeping. It does not wait for
// an attempt in progress.
func (o *Orchestrator) Status() Status {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	return o.status.clone()
}

// OpenPools reports how many built pools have not been closed yet.
func (o *Orchestrator) OpenPools() int {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	return len(o.open)
}

// prepare runs fetch, build and health check. On error no pool is left open.
func (o *Orchestrator) prepare(ctx context.Context, a *attempt, role string) (*pool.Pool, error) {
	start := o.now()
	creds, err := o.source.Fetch(ctx, role)
	a.record(StepFetch, start, err)
	if err != nil {
		o.metrics.recordFailure(StepFetch)
		if !errors.Is(err, dserrors.ErrCredentialFetchFailed) {
			err = dserrors.SourceError(o.source.Name(), role, err)
		}
		return nil, err
	}
	if creds.Role != "" {
		a.entry.Role = creds.Role
	}

	start = o.now()
	candidate, err := o.builder.Build(creds)
	a.record(StepBuild, start, err)
	if err != nil {
		o.metrics.recordFailure(StepBuild)
		if !errors.Is(err, dserrors.ErrPoolBuildFailed) {
			err = fmt.Errorf("%w: %w", dserrors.ErrPoolBuildFailed, err)
		}
		return nil, err
	}
	o.track(candidate)

	start = o.now()
	result, err := o.checker.Check(ctx, candidate)
	a.record(StepHealthCheck, start, err)
	o.metrics.recordHealthCheck(err == nil, o.now().Sub(start).Seconds())
	if err != nil {
		o.metrics.recordFailure(StepHealthCheck)
		o.closePool(candidate, "rejected")
		if !errors.Is(err, dserrors.ErrPoolHealthCheckFailed) {
			err = dserrors.HealthCheckError(candidate.Name(), err)
		}
		return nil, err
	}
	o.logger.Debug("candidate %s healthy: %s", candidate.Name(), result.Message)

	return candidate, nil
}

// retire closes p now, or after the retire grace on a tracked goroutine. The
// wait ends early when p is closed by someone else.
func (o *Orchestrator) retire(p *pool.Pool) {
	if o.retireGrace <= 0 {
		o.closePool(p, "retired")
		return
	}

	cancel := make(chan struct{})
	o.statusMu.Lock()
	o.draining[p] = cancel
	o.statusMu.Unlock()

	o.retiring.Add(1)
	go func() {
		defer o.retiring.Done()
		timer := time.NewTimer(o.retireGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-o.stop:
		case <-cancel:
			return
		}
		o.closePool(p, "retired")
	}()
}

func (o *Orchestrator) track(p *pool.Pool) {
	o.statusMu.Lock()
	o.open[p] = struct{}{}
	o.statusMu.Unlock()
	o.metrics.poolsOpen.Inc()
}

// closePool closes p if it is still tracked. Close errors are logged only.
func (o *Orchestrator) closePool(p *pool.Pool, reason string) {
	o.statusMu.Lock()
	_, tracked := o.open[p]
	delete(o.open, p)
	cancel, draining := o.draining[p]
	delete(o.draining, p)
	o.statusMu.Unlock()

	if draining {
		close(cancel)
	}

	if tracked {
		o.metrics.poolsOpen.Dec()
	}
	if err := p.Close(); err != nil {
		o.logger.Warn("closing %s pool %s: %v", reason, p.Name(), err)
		return
	}
	o.logger.Debug("closed %s pool %s", reason, p.Name())
}

// attempt collects the history entry of one Initialize or Rotate call.
type attempt struct {
	start time.Time
	entry HistoryEntry
}

func (a *attempt) record(step string, start time.Time, err error) {
	result := StepResult{
		Name:      step,
		Status:    ResultSuccess,
		StartedAt: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Status = ResultFailed
		result.Error = err.Error()
	}
	a.entry.Steps = append(a.entry.Steps, result)
}

func (o *Orchestrator) begin(action, role string) *attempt {
	o.statusMu.Lock()
	o.seq++
	id := fmt.Sprintf("%s-%d", action, o.seq)
	o.statusMu.Unlock()

	start := o.now()
	return &attempt{
		start: start,
		entry: HistoryEntry{
			ID:        id,
			Timestamp: start,
			Action:    action,
			Role:      role,
		},
	}
}

// finish publishes the attempt to Status and metrics.
func (o *Orchestrator) finish(a *attempt, err error) {
	end := o.now()
	a.entry.Duration = end.Sub(a.start)
	a.entry.Status = ResultSuccess
	if err != nil {
		a.entry.Status = ResultFailed
		a.entry.Error = err.Error()
	}
	o.metrics.recordAttempt(a.entry.Action, err, a.entry.Duration.Seconds(), float64(end.Unix()))
	o.notify(a)

	o.statusMu.Lock()
	defer o.statusMu.Unlock()

	s := &o.status
	if a.entry.Action == ActionRotate {
		s.RotationCount++
		if err != nil {
			s.FailureCount++
		} else {
			s.SuccessCount++
		}
		s.LastRotation = &end
		s.LastResult = a.entry.Status
		s.LastError = a.entry.Error
	}
	if o.current != nil {
		s.Initialized = true
		s.ActivePool = o.current.Name()
		s.ActiveUser = o.current.Username()
		s.LeaseID = o.current.LeaseID()
	}
	if o.previous != nil {
		s.PreviousPool = o.previous.Name()
	}
	s.OpenPools = len(o.open)

	s.History = append(s.History, a.entry)
	if len(s.History) > o.historyLimit {
		s.History = s.History[len(s.History)-o.historyLimit:]
	}
}

func (o *Orchestrator) notify(a *attempt) {
	if o.notifier == nil {
		return
	}

	event := notifications.Event{
		Type:       notifications.EventRotated,
		RotationID: a.entry.ID,
		Role:       a.entry.Role,
		Error:      a.entry.Error,
		OldPool:    a.entry.OldPool,
		NewPool:    a.entry.NewPool,
		NewUser:    a.entry.NewUser,
		Duration:   a.entry.Duration,
		Timestamp:  a.entry.Timestamp,
	}
	switch {
	case a.entry.Status == ResultFailed:
		event.Type = notifications.EventFailed
		if n := len(a.entry.Steps); n > 0 {
			event.Step = a.entry.Steps[n-1].Name
		}
	case a.entry.Action == ActionInitialize:
		event.Type = notifications.EventInitialized
	}
	if event.Type != notifications.EventFailed && o.current != nil {
		event.LeaseID = o.current.LeaseID()
	}
	o.notifier.Send(event)
}

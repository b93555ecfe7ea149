// Package jobs runs terrain generation as asynchronous, identifiable jobs.
//
// Every job shares one bounded pool of tile workers. The tile plan is fixed
// at submit time. A coordinator goroutine per job then waits for a run slot,
// feeds the plan to the pool and assembles the results in plan order before
// handing the archive to the artifact store.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/terrain-tile-service/internal/artifact"
	"github.com/couchcryptid/terrain-tile-service/internal/domain"
	"github.com/couchcryptid/terrain-tile-service/internal/observability"
	"github.com/couchcryptid/terrain-tile-service/internal/ratelimit"
)

// TileEncoder produces the block for one tile.
type TileEncoder interface {
	Encode(ctx context.Context, coord domain.TileCoordinate, v domain.FormatVersion) (domain.TileBlock, error)
}

// ArtifactStore is the subset of the artifact store the manager uses.
type ArtifactStore interface {
	Put(id string, data []byte) (artifact.Info, error)
	Open(id string) (io.ReadCloser, artifact.Info, error)
	Stat(id string) (artifact.Info, error)
	Delete(id string) error
}

// Limiter gates submissions per client identity.
type Limiter interface {
	Allow(identity string) ratelimit.Decision
}

// Notifier is told about every job that reaches a terminal state.
type Notifier interface {
	Notify(ctx context.Context, job domain.Job) error
}

// Request is a validated generation request.
type Request struct {
	Area    domain.AreaSpec
	Version domain.FormatVersion
	// Client is the rate-limit identity. Empty bypasses the limiter.
	Client string
}

// Defaults for the manager.
const (
	DefaultMaxActiveJobs = 4
	DefaultRetention     = 24 * time.Hour
	notifyTimeout        = 10 * time.Second
)

var errShutdown = errors.New("job manager is shut down")

// Manager owns every job and its state machine.
type Manager struct {
	decomposer *domain.Decomposer
	encoder    TileEncoder
	store      ArtifactStore
	limiter    Limiter
	notifier   Notifier
	logger     *slog.Logger
	metrics    *observability.Metrics
	clock      clockwork.Clock
	newID      func() string

	workers   int
	retention time.Duration

	tasks chan task
	slots chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	jobs map[string]*entry

	closed       bool
	coordinators sync.WaitGroup
	pool         sync.WaitGroup
	notifies     sync.WaitGroup
	closeOnce    sync.Once
}

type entry struct {
	job    domain.Job
	plan   domain.Plan
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithWorkers sets the size of the shared tile worker pool.
func WithWorkers(n int) Option { return func(m *Manager) { m.workers = n } }

// WithMaxActiveJobs bounds how many jobs run at once; the rest stay pending.
func WithMaxActiveJobs(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.slots = make(chan struct{}, n)
		}
	}
}

// WithRetention sets how long terminal jobs stay queryable.
func WithRetention(d time.Duration) Option { return func(m *Manager) { m.retention = d } }

// WithLimiter enables per-client rate limiting on Submit.
func WithLimiter(l Limiter) Option { return func(m *Manager) { m.limiter = l } }

// WithNotifier publishes terminal jobs.
func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

// WithClock substitutes the time source for job timestamps and sweeps.
func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithIDGenerator replaces uuid job ids.
func WithIDGenerator(f func() string) Option { return func(m *Manager) { m.newID = f } }

// New creates a Manager and starts its worker pool. Call Close to stop it.
func New(decomposer *domain.Decomposer, enc TileEncoder, store ArtifactStore, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		decomposer: decomposer,
		encoder:    enc,
		store:      store,
		logger:     logger,
		metrics:    metrics,
		clock:      clockwork.NewRealClock(),
		newID:      uuid.NewString,
		workers:    runtime.NumCPU(),
		retention:  DefaultRetention,
		slots:      make(chan struct{}, DefaultMaxActiveJobs),
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.workers <= 0 {
		m.workers = 1
	}

	m.tasks = make(chan task, m.workers)
	m.pool.Add(m.workers)
	for i := 0; i < m.workers; i++ {
		go m.worker()
	}
	m.logger.Info("job manager started", "workers", m.workers, "max_active_jobs", cap(m.slots), "retention", m.retention)
	return m
}

// Submit validates req, records a pending job and returns its snapshot
// without waiting for any tile work. The area is decomposed here so an
// oversized request is rejected before it gets an id.
func (m *Manager) Submit(ctx context.Context, req Request) (domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return domain.Job{}, err
	}
	if err := req.Area.Validate(); err != nil {
		return domain.Job{}, err
	}
	if !req.Version.Valid() {
		return domain.Job{}, &domain.InvalidAreaError{Field: "version", Reason: "must be 1 or 3"}
	}
	plan, err := m.decomposer.Decompose(req.Area, req.Version)
	if err != nil {
		return domain.Job{}, err
	}

	if m.limiter != nil && req.Client != "" {
		if d := m.limiter.Allow(req.Client); !d.Allowed {
			m.metrics.RateLimited.Inc()
			return domain.Job{}, d.Err()
		}
	}

	id := m.newID()
	jobCtx, cancel := context.WithCancel(m.ctx)
	e := &entry{
		job: domain.Job{
			ID:         id,
			Area:       req.Area,
			Version:    req.Version,
			Client:     req.Client,
			State:      domain.JobPending,
			CreatedAt:  m.clock.Now(),
			TilesTotal: len(plan.Tiles),
			OutsideLat: plan.OutsideLat,
		},
		plan:   plan,
		ctx:    jobCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: m.logger.With("job_id", id),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return domain.Job{}, errShutdown
	}
	m.jobs[id] = e
	snapshot := e.job
	m.coordinators.Add(1)
	m.metrics.JobsPending.Inc()
	m.mu.Unlock()

	m.metrics.JobsSubmitted.Inc()
	e.logger.Info("job submitted",
		"area", req.Area.String(),
		"version", req.Version.String(),
		"tiles", len(plan.Tiles),
		"outside_lat", plan.OutsideLat,
		"client", req.Client,
	)

	go m.run(e)
	return snapshot, nil
}

// Status returns a snapshot of the job.
func (m *Manager) Status(id string) (domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return e.job, nil
}

// Jobs returns snapshots of every known job, newest first.
func (m *Manager) Jobs() []domain.Job {
	m.mu.RLock()
	out := make([]domain.Job, 0, len(m.jobs))
	for _, e := range m.jobs {
		out = append(out, e.job)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Job) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

// Cancel fails a pending or running job with ErrCancelled. Workers stop at
// the next tile boundary. Cancelling a terminal job is a no-op that returns
// its snapshot.
func (m *Manager) Cancel(id string) (domain.Job, error) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	finished := m.finishLocked(e, domain.JobFailed, domain.ErrCancelled)
	snapshot := e.job
	m.mu.Unlock()

	e.cancel()
	if finished {
		e.logger.Info("job cancelled")
		m.afterFinish(snapshot)
	}
	return snapshot, nil
}

// Wait blocks until the job is terminal or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (domain.Job, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	select {
	case <-e.done:
		return m.Status(id)
	case <-ctx.Done():
		return domain.Job{}, ctx.Err()
	}
}

// Download opens the archive of a succeeded job. Jobs that have not
// succeeded fail with ErrNotReady; archives past retention with ErrExpired.
// Archives recovered from a previous run have no job record and are served
// straight from the store.
func (m *Manager) Download(id string) (io.ReadCloser, artifact.Info, error) {
	job, err := m.Status(id)
	if errors.Is(err, domain.ErrNotFound) {
		return m.store.Open(id)
	}
	if err != nil {
		return nil, artifact.Info{}, err
	}
	if job.State != domain.JobSucceeded {
		if job.State == domain.JobFailed {
			return nil, artifact.Info{}, fmt.Errorf("job %s failed (%s): %w", id, job.Error, domain.ErrNotReady)
		}
		return nil, artifact.Info{}, fmt.Errorf("job %s is %s: %w", id, job.State, domain.ErrNotReady)
	}
	return m.store.Open(job.ResultRef)
}

// SweepJobs forgets terminal jobs that finished more than one retention
// window ago and returns how many were dropped.
func (m *Manager) SweepJobs() int {
	cutoff := m.clock.Now().Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for id, e := range m.jobs {
		if e.job.State.Terminal() && e.job.FinishedAt != nil && !e.job.FinishedAt.After(cutoff) {
			delete(m.jobs, id)
			dropped++
		}
	}
	if dropped > 0 {
		m.logger.Info("jobs swept", "count", dropped)
	}
	return dropped
}

// RunSweeper calls SweepJobs every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.SweepJobs()
		}
	}
}

// CheckReadiness reports whether the manager accepts submissions.
func (m *Manager) CheckReadiness(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errShutdown
	}
	return nil
}

// Close cancels every unfinished job, waits for coordinators and workers to
// exit, and returns ctx's error if they did not in time.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.cancel()
		go func() {
			m.coordinators.Wait()
			close(m.tasks)
		}()
	})

	done := make(chan struct{})
	go func() {
		m.pool.Wait()
		m.notifies.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("job manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishLocked moves e into a terminal state if the transition is legal and
// reports whether it did. Caller holds m.mu.
func (m *Manager) finishLocked(e *entry, state domain.JobState, err error) bool {
	if !domain.CanTransition(e.job.State, state) {
		return false
	}
	switch e.job.State {
	case domain.JobPending:
		m.metrics.JobsPending.Dec()
	case domain.JobRunning:
		m.metrics.JobsRunning.Dec()
	}
	now := m.clock.Now()
	e.job.State = state
	e.job.FinishedAt = &now
	if err != nil {
		e.job.Err = err
		e.job.Error = err.Error()
	}
	close(e.done)
	return true
}

// afterFinish records metrics and notifies for a job that just became
// terminal.
func (m *Manager) afterFinish(job domain.Job) {
	m.metrics.JobsFinished.WithLabelValues(outcomeLabel(job)).Inc()
	if job.StartedAt != nil && job.FinishedAt != nil {
		m.metrics.JobDuration.Observe(job.FinishedAt.Sub(*job.StartedAt).Seconds())
	}
	if m.notifier == nil {
		return
	}
	m.notifies.Add(1)
	go func() {
		defer m.notifies.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := m.notifier.Notify(ctx, job); err != nil {
			m.logger.Warn("job event publish failed", "job_id", job.ID, "error", err)
		}
	}()
}

func outcomeLabel(job domain.Job) string {
	switch {
	case job.State == domain.JobSucceeded && job.PartialCoverage:
		return "partial"
	case job.State == domain.JobSucceeded:
		return "succeeded"
	case errors.Is(job.Err, domain.ErrCancelled):
		return "cancelled"
	case errors.Is(job.Err, domain.ErrNoData):
		return "no_data"
	default:
		return "failed"
	}
}

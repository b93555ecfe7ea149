package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/couchcryptid/terrain-tile-service/internal/archive"
	"github.com/couchcryptid/terrain-tile-service/internal/artifact"
	"github.com/couchcryptid/terrain-tile-service/internal/domain"
	"github.com/couchcryptid/terrain-tile-service/internal/observability"
)

// task is one tile handed to the shared pool.
type task struct {
	ctx     context.Context
	index   int
	coord   domain.TileCoordinate
	version domain.FormatVersion
	logger  *slog.Logger
	results chan<- tileResult
}

type tileResult struct {
	index int
	block domain.TileBlock
	err   error
}

// run drives one job from pending to a terminal state.
func (m *Manager) run(e *entry) {
	defer m.coordinators.Done()
	defer e.cancel()

	select {
	case m.slots <- struct{}{}:
	case <-e.ctx.Done():
		m.fail(e, m.cancelErr())
		return
	}
	defer func() { <-m.slots }()

	if !m.start(e) {
		return
	}

	ctx, span := observability.Tracer().Start(e.ctx, "terrain.job", trace.WithAttributes(
		attribute.String("job.id", e.job.ID),
		attribute.String("job.area", e.job.Area.String()),
		attribute.Int("job.version", int(e.job.Version)),
		attribute.Int("job.tiles", len(e.plan.Tiles)),
	))
	defer span.End()

	blocks, missing, err := m.encodeAll(ctx, e)
	if err != nil {
		span.SetStatus(codes.Error, "cancelled")
		m.fail(e, m.cancelErr())
		return
	}
	span.SetAttributes(attribute.Int("job.tiles_missing", len(missing)))

	if len(blocks) == 0 {
		err := fmt.Errorf("%d of %d tiles unavailable: %w", len(missing), len(e.plan.Tiles), domain.ErrNoData)
		span.SetStatus(codes.Error, err.Error())
		m.failWithMissing(e, err, missing)
		return
	}

	if e.ctx.Err() != nil {
		span.SetStatus(codes.Error, "cancelled")
		m.fail(e, m.cancelErr())
		return
	}
	info, err := m.storeArchive(e, blocks, missing)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store archive")
		m.failWithMissing(e, fmt.Errorf("store archive: %w", err), missing)
		return
	}
	m.succeed(e, info, len(blocks), missing)
}

// cancelErr is the failure recorded for a job stopped before completion.
func (m *Manager) cancelErr() error {
	if m.ctx.Err() != nil {
		return fmt.Errorf("%w: service shutting down", domain.ErrCancelled)
	}
	return domain.ErrCancelled
}

func (m *Manager) start(e *entry) bool {
	m.mu.Lock()
	if !domain.CanTransition(e.job.State, domain.JobRunning) {
		m.mu.Unlock()
		return false
	}
	now := m.clock.Now()
	e.job.State = domain.JobRunning
	e.job.StartedAt = &now
	m.metrics.JobsPending.Dec()
	m.metrics.JobsRunning.Inc()
	m.mu.Unlock()

	e.logger.Info("job running", "tiles", len(e.plan.Tiles))
	return true
}

// encodeAll feeds the plan to the pool and collects the results in plan
// order. Tile failures are recorded as missing; only cancellation aborts.
func (m *Manager) encodeAll(ctx context.Context, e *entry) ([]domain.TileBlock, []domain.TileCoordinate, error) {
	tiles := e.plan.Tiles
	results := make(chan tileResult, len(tiles))

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for i, c := range tiles {
			t := task{ctx: ctx, index: i, coord: c, version: e.plan.Version, logger: e.logger, results: results}
			select {
			case m.tasks <- t:
			case <-ctx.Done():
				return
			}
		}
	}()
	// The pool's channel must not be sent on after this coordinator exits.
	defer func() { <-dispatched }()

	got := make([]*domain.TileBlock, len(tiles))
	for n := 0; n < len(tiles); n++ {
		select {
		case r := <-results:
			if r.err != nil {
				if ctx.Err() != nil {
					return nil, nil, ctx.Err()
				}
				continue
			}
			got[r.index] = &r.block
			m.mu.Lock()
			e.job.TilesEncoded++
			m.mu.Unlock()
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	blocks := make([]domain.TileBlock, 0, len(tiles))
	var missing []domain.TileCoordinate
	for i, b := range got {
		if b == nil {
			missing = append(missing, tiles[i])
			continue
		}
		blocks = append(blocks, *b)
	}
	return blocks, missing, nil
}

func (m *Manager) worker() {
	defer m.pool.Done()
	for t := range m.tasks {
		t.results <- m.encodeTile(t)
	}
}

// encodeTile never lets a tile failure escape as anything but a result.
func (m *Manager) encodeTile(t task) (res tileResult) {
	res.index = t.index
	if err := t.ctx.Err(); err != nil {
		res.err = err
		return res
	}

	ctx, span := observability.Tracer().Start(t.ctx, "terrain.tile",
		trace.WithAttributes(attribute.String("tile", t.coord.Name())))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("tile %s: panic: %v", t.coord.Name(), r)
			m.metrics.Tiles.WithLabelValues("error").Inc()
			m.logger.Error("tile encoder panicked", "tile", t.coord.Name(), "panic", r)
		}
	}()

	start := time.Now()
	block, err := m.encoder.Encode(ctx, t.coord, t.version)
	m.metrics.TileEncodeDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		m.metrics.Tiles.WithLabelValues("encoded").Inc()
		res.block = block
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		res.err = err
	case errors.Is(err, domain.ErrElevationUnavailable):
		m.metrics.Tiles.WithLabelValues("unavailable").Inc()
		t.logger.Debug("tile unavailable", "tile", t.coord.Name())
		res.err = err
	default:
		m.metrics.Tiles.WithLabelValues("error").Inc()
		span.RecordError(err)
		m.logger.Warn("tile encode failed", "tile", t.coord.Name(), "error", err)
		res.err = err
	}
	return res
}

func (m *Manager) storeArchive(e *entry, blocks []domain.TileBlock, missing []domain.TileCoordinate) (artifact.Info, error) {
	manifest := archive.Manifest{
		JobID:           e.job.ID,
		Version:         e.plan.Version,
		CreatedAt:       m.clock.Now(),
		Missing:         missing,
		PartialCoverage: len(missing) > 0,
		OutsideLat:      e.plan.OutsideLat,
	}
	var buf bytes.Buffer
	if err := archive.Write(&buf, manifest, blocks); err != nil {
		return artifact.Info{}, err
	}
	return m.store.Put(e.job.ID, buf.Bytes())
}

func (m *Manager) succeed(e *entry, info artifact.Info, encoded int, missing []domain.TileCoordinate) {
	m.mu.Lock()
	if e.job.State != domain.JobRunning {
		// Cancelled while the archive was being written.
		m.mu.Unlock()
		if err := m.store.Delete(info.ID); err != nil {
			e.logger.Warn("drop archive of cancelled job failed", "error", err)
		}
		return
	}
	e.job.ResultRef = info.ID
	e.job.TilesEncoded = encoded
	e.job.MissingTiles = missing
	e.job.PartialCoverage = len(missing) > 0
	m.finishLocked(e, domain.JobSucceeded, nil)
	snapshot := e.job
	m.mu.Unlock()

	e.logger.Info("job succeeded",
		"tiles_encoded", encoded,
		"tiles_missing", len(missing),
		"partial_coverage", snapshot.PartialCoverage,
		"artifact_bytes", info.Size,
	)
	m.afterFinish(snapshot)
}

func (m *Manager) fail(e *entry, err error) {
	m.failWithMissing(e, err, nil)
}

func (m *Manager) failWithMissing(e *entry, err error, missing []domain.TileCoordinate) {
	m.mu.Lock()
	if !domain.CanTransition(e.job.State, domain.JobFailed) {
		m.mu.Unlock()
		return
	}
	if missing != nil {
		e.job.MissingTiles = missing
	}
	m.finishLocked(e, domain.JobFailed, err)
	snapshot := e.job
	m.mu.Unlock()

	e.logger.Warn("job failed", "error", err)
	m.afterFinish(snapshot)
}

// Package pipeline turns queued generation requests into submitted jobs.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/storm-data-shared/retry"

	"github.com/couchcryptid/terrain-tile-service/internal/domain"
	"github.com/couchcryptid/terrain-tile-service/internal/jobs"
	"github.com/couchcryptid/terrain-tile-service/internal/observability"
)

// BatchExtractor reads up to batchSize queued requests from the source.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.InboundMessage, error)
}

// Transformer decodes a queued message into a job request.
type Transformer interface {
	Transform(ctx context.Context, raw domain.InboundMessage) (jobs.Request, error)
}

// Submitter accepts job requests.
type Submitter interface {
	Submit(ctx context.Context, req jobs.Request) (domain.Job, error)
}

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Pipeline orchestrates the extract-transform-submit loop.
type Pipeline struct {
	extractor   BatchExtractor
	transformer Transformer
	submitter   Submitter
	logger      *slog.Logger
	metrics     *observability.Metrics
	running     atomic.Bool
	batchSize   int
}

// New creates a Pipeline with the given stages and observability.
func New(e BatchExtractor, t Transformer, s Submitter, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Pipeline {
	return &Pipeline{
		extractor:   e,
		transformer: t,
		submitter:   s,
		logger:      logger,
		metrics:     metrics,
		batchSize:   batchSize,
	}
}

// CheckReadiness returns nil while the consume loop is running.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.running.Load() {
		return errors.New("request pipeline is not running")
	}
	return nil
}

// Run consumes requests until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "batch_size", p.batchSize)
	p.running.Store(true)
	p.metrics.PipelineRunning.Set(1)
	defer func() {
		p.running.Store(false)
		p.metrics.PipelineRunning.Set(0)
	}()

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !p.processBatch(ctx, &backoff) {
			return nil
		}
	}
}

// processBatch runs one extract-submit cycle. Returns false if the pipeline
// should stop.
func (p *Pipeline) processBatch(ctx context.Context, backoff *time.Duration) bool {
	batch, err := p.extractor.ExtractBatch(ctx, p.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Error("extract batch failed", "error", err)
		return p.backoffOrStop(ctx, backoff)
	}
	*backoff = initialBackoff
	p.metrics.RequestsConsumed.Add(float64(len(batch)))

	for _, raw := range batch {
		if !p.handle(ctx, raw) {
			return false
		}
	}
	return ctx.Err() == nil
}

// handle submits one message, committing it once it is either accepted or
// rejected for good. Transient failures are retried with backoff. Returns
// false if the pipeline should stop.
func (p *Pipeline) handle(ctx context.Context, raw domain.InboundMessage) bool {
	log := p.logger.With("topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)

	req, err := p.transformer.Transform(ctx, raw)
	if err != nil {
		log.Warn("undecodable request, skipping message", "error", err)
		p.metrics.RequestErrors.Inc()
		p.commitOffset(ctx, raw, log)
		return true
	}

	backoff := initialBackoff
	for {
		job, err := p.submitter.Submit(ctx, req)
		switch {
		case err == nil:
			log.Info("queued request submitted", "job_id", job.ID, "tiles", job.TilesTotal)
			p.commitOffset(ctx, raw, log)
			return true
		case errors.Is(err, domain.ErrInvalidArea), errors.Is(err, domain.ErrRateLimited):
			log.Warn("request rejected, skipping message", "error", err, "client", req.Client)
			p.metrics.RequestErrors.Inc()
			p.commitOffset(ctx, raw, log)
			return true
		case ctx.Err() != nil:
			return false
		default:
			log.Error("submit failed", "error", err)
			if !p.backoffOrStop(ctx, &backoff) {
				return false
			}
		}
	}
}

// backoffOrStop sleeps with the current backoff and advances it. Returns
// false if the pipeline should stop.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !retry.SleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = retry.NextBackoff(*backoff, maxBackoff)
	return true
}

// commitOffset commits the message offset if a commit function is available.
func (p *Pipeline) commitOffset(ctx context.Context, raw domain.InboundMessage, log *slog.Logger) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		log.Warn("commit offset failed", "error", err)
	}
}

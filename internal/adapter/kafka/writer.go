package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/terrain-tile-service/internal/config"
	"github.com/couchcryptid/terrain-tile-service/internal/domain"
	"github.com/couchcryptid/terrain-tile-service/internal/observability"
)

// JobEvent is published once per job when it reaches a terminal state.
type JobEvent struct {
	JobID           string          `json:"job_id"`
	State           domain.JobState `json:"state"`
	Version         int             `json:"version"`
	Area            domain.AreaSpec `json:"area"`
	TilesTotal      int             `json:"tiles_total"`
	TilesEncoded    int             `json:"tiles_encoded"`
	TilesMissing    int             `json:"tiles_missing"`
	PartialCoverage bool            `json:"partial_coverage"`
	OutsideLat      bool            `json:"outside_lat"`
	Error           string          `json:"error,omitempty"`
	DownloadURL     string          `json:"download_url,omitempty"`
	FinishedAt      time.Time       `json:"finished_at"`
}

// NewJobEvent builds the event for a terminal job snapshot.
func NewJobEvent(job domain.Job) JobEvent {
	ev := JobEvent{
		JobID:           job.ID,
		State:           job.State,
		Version:         int(job.Version),
		Area:            job.Area,
		TilesTotal:      job.TilesTotal,
		TilesEncoded:    job.TilesEncoded,
		TilesMissing:    len(job.MissingTiles),
		PartialCoverage: job.PartialCoverage,
		OutsideLat:      job.OutsideLat,
		Error:           job.Error,
	}
	if job.FinishedAt != nil {
		ev.FinishedAt = *job.FinishedAt
	}
	if out, ok := job.Outcome(); ok {
		ev.DownloadURL = "/userRequestTerrain/" + out.ArtifactRef + ".zip"
	}
	return ev
}

// Writer publishes job events to the events topic.
// It implements jobs.Notifier.
type Writer struct {
	writer  *kafkago.Writer
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewWriter creates a Kafka producer for the configured events topic.
func NewWriter(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *Writer {
	w := &kafkago.Writer{
		Addr:  kafkago.TCP(cfg.KafkaBrokers...),
		Topic: cfg.KafkaEventsTopic,
		// Keyed by job id; one job's events stay on one partition.
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger, metrics: metrics}
}

// Notify publishes the terminal event for job.
func (w *Writer) Notify(ctx context.Context, job domain.Job) error {
	msg, err := serializeToMessage(NewJobEvent(job))
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish job event %s: %w", job.ID, err)
	}
	w.metrics.EventsPublished.Inc()
	w.logger.Debug("job event published", "job_id", job.ID, "state", job.State)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a JobEvent into a Kafka message.
func serializeToMessage(event JobEvent) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize job event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(event.JobID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "state", Value: []byte(event.State)},
			{Key: "finished_at", Value: []byte(event.FinishedAt.Format(time.RFC3339))},
		},
	}, nil
}

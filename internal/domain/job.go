package domain

import "time"

// JobState is the lifecycle position of a Job. Transitions only move
// forward: pending → running → succeeded | failed. Pending may also go
// straight to failed when a job is cancelled before it starts.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to JobState) bool {
	switch from {
	case JobPending:
		return to == JobRunning || to == JobFailed
	case JobRunning:
		return to == JobSucceeded || to == JobFailed
	default:
		return false
	}
}

// Job is a read-only snapshot of one generation request.
type Job struct {
	ID      string        `json:"id"`
	Area    AreaSpec      `json:"area"`
	Version FormatVersion `json:"version"`
	// Client is the rate-limit identity. It is never serialised.
	Client  string        `json:"-"`
	State   JobState      `json:"state"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	TilesTotal   int              `json:"tiles_total"`
	TilesEncoded int              `json:"tiles_encoded"`
	MissingTiles []TileCoordinate `json:"missing_tiles,omitempty"`

	// PartialCoverage is set on success when some tiles had no data.
	PartialCoverage bool `json:"partial_coverage"`
	// OutsideLat is set when the area was clipped at the latitude limit.
	OutsideLat bool `json:"outside_lat"`

	// ResultRef names the artifact of a succeeded job. It is a lookup key
	// only; the artifact store decides the artifact's lifetime.
	ResultRef string `json:"result_ref,omitempty"`

	// Err is the recorded failure of a failed job.
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// Outcome is what the transport layer needs to answer a finished job.
type Outcome struct {
	JobID           string `json:"job_id"`
	ArtifactRef     string `json:"artifact_ref"`
	PartialCoverage bool   `json:"partial_coverage"`
	OutsideLat      bool   `json:"outside_lat"`
}

// Outcome returns the artifact handle of a succeeded job.
func (j Job) Outcome() (Outcome, bool) {
	if j.State != JobSucceeded {
		return Outcome{}, false
	}
	return Outcome{
		JobID:           j.ID,
		ArtifactRef:     j.ResultRef,
		PartialCoverage: j.PartialCoverage,
		OutsideLat:      j.OutsideLat,
	}, true
}

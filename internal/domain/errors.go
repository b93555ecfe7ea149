package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidArea marks bounds that violate the AreaSpec invariants or
	// decompose into more tiles than allowed. Caller error, never retried.
	ErrInvalidArea = errors.New("invalid area")

	// ErrElevationUnavailable means a tile (or a single sample) has no
	// elevation coverage. Tile-local; absorbed into partial coverage.
	ErrElevationUnavailable = errors.New("elevation unavailable")

	// ErrNoData is the job-level failure when every tile was unavailable.
	ErrNoData = errors.New("no elevation data for requested area")

	// ErrNotFound is returned for ids that never existed or were pruned.
	ErrNotFound = errors.New("not found")

	// ErrExpired is returned for artifacts past their retention window.
	ErrExpired = errors.New("expired")

	// ErrRateLimited is matched by *RateLimitedError.
	ErrRateLimited = errors.New("rate limited")

	// ErrCancelled is recorded on jobs cancelled before completion.
	ErrCancelled = errors.New("job cancelled")

	// ErrNotReady is returned when downloading a job that has not succeeded.
	ErrNotReady = errors.New("job not ready")

	// ErrChecksumMismatch is returned when a TileBlock fails verification.
	ErrChecksumMismatch = errors.New("tile checksum mismatch")
)

// InvalidAreaError names the offending field.
type InvalidAreaError struct {
	Field  string
	Reason string
}

func (e *InvalidAreaError) Error() string {
	return fmt.Sprintf("invalid area: %s %s", e.Field, e.Reason)
}

func (e *InvalidAreaError) Is(target error) bool { return target == ErrInvalidArea }

func invalidArea(field, reason string) error {
	return &InvalidAreaError{Field: field, Reason: reason}
}

// RateLimitedError tells the caller when it may retry.
type RateLimitedError struct {
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %d requests per window, retry after %s", e.Limit, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

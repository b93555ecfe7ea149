package domain

import "context"

// ElevationProvider supplies raw elevation samples.
type ElevationProvider interface {
	// Sample returns the elevation in metres at (lat, lon). Oceans and
	// missing coverage fail with an error matching ErrElevationUnavailable;
	// callers treat any error as unavailability of that sample.
	Sample(ctx context.Context, lat, lon float64) (float64, error)
}

// ElevationFunc adapts a plain function to ElevationProvider.
type ElevationFunc func(ctx context.Context, lat, lon float64) (float64, error)

func (f ElevationFunc) Sample(ctx context.Context, lat, lon float64) (float64, error) {
	return f(ctx, lat, lon)
}

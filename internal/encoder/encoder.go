// Package encoder serialises elevation grids into versioned TileBlocks.
package encoder

import (
	"context"
	"fmt"
	"math"

	"github.com/couchcryptid/terrain-tile-service/internal/domain"
)

// Encoder samples an elevation provider over a tile grid and encodes the
// result. It holds no mutable state and is safe for concurrent use.
type Encoder struct {
	provider domain.ElevationProvider
}

// New creates an Encoder backed by provider.
func New(provider domain.ElevationProvider) *Encoder {
	return &Encoder{provider: provider}
}

// Encode builds the TileBlock for coord. Individual samples the provider
// cannot supply are written as the version's void sentinel; the call only
// fails with ErrElevationUnavailable when no sample of the tile is covered.
// The context is checked between grid rows.
func (e *Encoder) Encode(ctx context.Context, coord domain.TileCoordinate, v domain.FormatVersion) (domain.TileBlock, error) {
	if !v.Valid() {
		return domain.TileBlock{}, fmt.Errorf("encode %s: unsupported version %d", coord.Name(), uint8(v))
	}
	p := v.Params()
	samples := make([]float64, p.Rows*p.Cols)
	covered := 0

	for r := 0; r < p.Rows; r++ {
		if err := ctx.Err(); err != nil {
			return domain.TileBlock{}, err
		}
		for c := 0; c < p.Cols; c++ {
			lat, lon := coord.SampleAt(v, r, c)
			h, err := e.provider.Sample(ctx, lat, lon)
			if err != nil || math.IsNaN(h) || math.IsInf(h, 0) {
				samples[r*p.Cols+c] = math.NaN()
				continue
			}
			samples[r*p.Cols+c] = h
			covered++
		}
	}

	if covered == 0 {
		return domain.TileBlock{}, fmt.Errorf("tile %s: %w", coord.Name(), domain.ErrElevationUnavailable)
	}
	return EncodeSamples(coord, v, samples)
}

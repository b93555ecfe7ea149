package encoder

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/couchcryptid/terrain-tile-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slope returns an elevation that varies across the tile so every sample
// differs.
func slope() domain.ElevationFunc {
	return func(_ context.Context, lat, lon float64) (float64, error) {
		return 400*lat - 3*lon, nil
	}
}

func ocean() domain.ElevationFunc {
	return func(_ context.Context, _, _ float64) (float64, error) {
		return 0, domain.ErrElevationUnavailable
	}
}

var nyc = domain.TileCoordinate{LatIdx: 400, LonIdx: -740}

func TestEncode_HeaderCarriesCoordinateAndVersion(t *testing.T) {
	for _, v := range []domain.FormatVersion{domain.V1, domain.V3} {
		t.Run(v.String(), func(t *testing.T) {
			block, err := New(slope()).Encode(context.Background(), nyc, v)
			require.NoError(t, err)

			p := v.Params()
			assert.Len(t, block.Data, p.BlockSize())
			assert.Equal(t, nyc, block.Coord)
			assert.Equal(t, v, block.Version)

			h, samples, err := Decode(block.Data)
			require.NoError(t, err)
			assert.Equal(t, v, h.Version)
			assert.Equal(t, nyc, h.Coord)
			assert.Equal(t, p.Rows, h.Rows)
			assert.Equal(t, p.Cols, h.Cols)
			assert.Equal(t, p.SpacingE7, h.SpacingE7)
			assert.Equal(t, p.TileSizeE7, h.TileSizeE7)
			assert.Equal(t, p.Scale, h.Scale)
			assert.Zero(t, h.Flags&FlagVoids)
			assert.Len(t, samples, p.Rows*p.Cols)
		})
	}
}

func TestEncode_SampleOrderIsRowMajorFromSouthWest(t *testing.T) {
	block, err := New(slope()).Encode(context.Background(), nyc, domain.V1)
	require.NoError(t, err)

	_, samples, err := Decode(block.Data)
	require.NoError(t, err)

	// Row 0 col 0 is (40.0, -74.0); the last sample is (40.1, -73.9).
	assert.Equal(t, int64(math.Round(400*40.0+3*74.0)), samples[0])
	assert.Equal(t, int64(math.Round(400*40.1+3*73.9)), samples[len(samples)-1])
	// One row north is 0.0025° or 1 m of slope; one column east is -0.0075 m.
	assert.Equal(t, int64(1), samples[41]-samples[0])
	assert.Equal(t, samples[0], samples[1])
}

func TestEncode_V3UsesDecimetres(t *testing.T) {
	flat := domain.ElevationFunc(func(_ context.Context, _, _ float64) (float64, error) {
		return 123.45, nil
	})
	block, err := New(flat).Encode(context.Background(), nyc, domain.V3)
	require.NoError(t, err)

	h, samples, err := Decode(block.Data)
	require.NoError(t, err)
	assert.Equal(t, 10, h.Scale)
	for _, s := range samples {
		require.Equal(t, int64(1235), s)
	}
}

func TestEncode_Deterministic(t *testing.T) {
	enc := New(slope())
	a, err := enc.Encode(context.Background(), nyc, domain.V3)
	require.NoError(t, err)
	b, err := enc.Encode(context.Background(), nyc, domain.V3)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
}

func TestEncode_AllOceanIsUnavailable(t *testing.T) {
	_, err := New(ocean()).Encode(context.Background(), nyc, domain.V1)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrElevationUnavailable)
}

func TestEncode_MissingSamplesUseSentinel(t *testing.T) {
	for _, v := range []domain.FormatVersion{domain.V1, domain.V3} {
		t.Run(v.String(), func(t *testing.T) {
			coord := domain.TileFor(40.0, -74.0, v)
			fp := coord.Footprint(v)
			mid := (fp.MinLon + fp.MaxLon) / 2
			// Western half of the tile is sea.
			coast := domain.ElevationFunc(func(_ context.Context, _, lon float64) (float64, error) {
				if lon < mid {
					return 0, domain.ErrElevationUnavailable
				}
				return 42, nil
			})

			block, err := New(coast).Encode(context.Background(), coord, v)
			require.NoError(t, err)
			assert.Positive(t, block.Voids)

			h, samples, err := Decode(block.Data)
			require.NoError(t, err)
			assert.Equal(t, FlagVoids, h.Flags&FlagVoids)
			assert.Equal(t, block.Voids, h.VoidCount)

			p := v.Params()
			assert.Equal(t, p.Void, samples[0], "south-west corner is sea")
			assert.Equal(t, int64(42*p.Scale), samples[p.Cols-1], "south-east corner is land")
		})
	}
}

func TestEncode_ProviderErrorsAreSampleLocal(t *testing.T) {
	var calls atomic.Int64
	flaky := domain.ElevationFunc(func(_ context.Context, _, _ float64) (float64, error) {
		if calls.Add(1)%7 == 0 {
			return 0, errors.New("upstream hiccup")
		}
		return 10, nil
	})

	block, err := New(flaky).Encode(context.Background(), nyc, domain.V1)
	require.NoError(t, err)
	assert.Equal(t, 41*41/7, block.Voids)
}

func TestEncode_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(slope()).Encode(ctx, nyc, domain.V1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEncodeSamples_ClampsOutOfRange(t *testing.T) {
	p := domain.V1.Params()
	samples := make([]float64, p.Rows*p.Cols)
	samples[0] = -40000
	samples[1] = 40000

	block, err := EncodeSamples(nyc, domain.V1, samples)
	require.NoError(t, err)

	_, decoded, err := Decode(block.Data)
	require.NoError(t, err)
	assert.Equal(t, int64(-32767), decoded[0], "never collides with the sentinel")
	assert.Equal(t, int64(32767), decoded[1])
	assert.Zero(t, block.Voids)
}

func TestEncodeSamples_WrongGridSize(t *testing.T) {
	_, err := EncodeSamples(nyc, domain.V1, make([]float64, 10))
	assert.Error(t, err)
}

func TestVerify_DetectsAnySingleByteFlip(t *testing.T) {
	block, err := New(slope()).Encode(context.Background(), nyc, domain.V1)
	require.NoError(t, err)
	require.NoError(t, Verify(block.Data))

	for i := range block.Data {
		corrupt := append([]byte(nil), block.Data...)
		corrupt[i] ^= 0x01
		err := Verify(corrupt)
		require.Error(t, err, "byte %d", i)
		if i > offVersion {
			require.ErrorIs(t, err, domain.ErrChecksumMismatch, "byte %d", i)
		}
	}
}

func TestVerify_ChangedHeaderFieldChangesChecksum(t *testing.T) {
	a, err := New(slope()).Encode(context.Background(), nyc, domain.V1)
	require.NoError(t, err)
	b, err := New(slope()).Encode(context.Background(), domain.TileCoordinate{LatIdx: 400, LonIdx: -739}, domain.V1)
	require.NoError(t, err)

	sumA := binary.LittleEndian.Uint32(a.Data[len(a.Data)-4:])
	sumB := binary.LittleEndian.Uint32(b.Data[len(b.Data)-4:])
	assert.NotEqual(t, sumA, sumB)
}

func TestDecode_RejectsTruncated(t *testing.T) {
	block, err := New(slope()).Encode(context.Background(), nyc, domain.V3)
	require.NoError(t, err)

	_, _, err = Decode(block.Data[:len(block.Data)-1])
	assert.Error(t, err)
	_, _, err = Decode(nil)
	assert.Error(t, err)
}

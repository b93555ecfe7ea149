package srtm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/terrain-tile-service/internal/domain"
	"github.com/couchcryptid/terrain-tile-service/internal/observability"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gradient is row+col at every post, so bilinear sampling is exact.
func gradient() []int16 {
	s := make([]int16, SRTM3Size*SRTM3Size)
	for r := 0; r < SRTM3Size; r++ {
		for c := 0; c < SRTM3Size; c++ {
			s[r*SRTM3Size+c] = int16(r + c)
		}
	}
	return s
}

func hgtBytes(t *testing.T, samples []int16) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteHGT(&buf, SRTM3Size, samples))
	return buf.Bytes()
}

func zipBytes(t *testing.T, name string, samples []int16) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteHGTZip(&buf, name, SRTM3Size, samples))
	return buf.Bytes()
}

// memSource serves raw .hgt bytes by tile name and counts loads.
type memSource struct {
	tiles map[string][]byte
	err   error
	gate  chan struct{}
	loads atomic.Int64
}

func (s *memSource) Name() string { return "dir" }

func (s *memSource) Load(ctx context.Context, lat, lon int) ([]byte, error) {
	s.loads.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	b, ok := s.tiles[TileName(lat, lon)]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return b, nil
}

func newTestProvider(cacheSize int, sources ...Source) *Provider {
	return NewProvider(sources, cacheSize, testLogger(), observability.NewMetricsForTesting())
}

func TestTileName(t *testing.T) {
	tests := []struct {
		lat, lon int
		want     string
	}{
		{40, -74, "N40W074"},
		{0, 0, "N00E000"},
		{-1, -1, "S01W001"},
		{-34, 151, "S34E151"},
		{59, -180, "N59W180"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TileName(tt.lat, tt.lon))
	}
}

func TestParseHGT_RejectsOddSizes(t *testing.T) {
	_, err := parseHGT(40, -74, make([]byte, 1000))
	assert.ErrorContains(t, err, "unexpected size")

	tile, err := parseHGT(40, -74, hgtBytes(t, gradient()))
	require.NoError(t, err)
	assert.Equal(t, SRTM3Size, tile.size)
	assert.Equal(t, int16(0), tile.at(0, 0))
	assert.Equal(t, int16(2400), tile.at(1200, 1200))
}

func TestWriteHGT_Validates(t *testing.T) {
	assert.Error(t, WriteHGT(io.Discard, 100, make([]int16, 100*100)))
	assert.Error(t, WriteHGT(io.Discard, SRTM3Size, make([]int16, 10)))
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "N40W074.hgt"), hgtBytes(t, gradient()), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "N41W074.hgt.zip"), zipBytes(t, "N41W074", gradient()), 0o644))
	src := NewDirSource(dir)

	raw, err := src.Load(context.Background(), 40, -74)
	require.NoError(t, err)
	assert.Len(t, raw, SRTM3Size*SRTM3Size*2)

	zipped, err := src.Load(context.Background(), 41, -74)
	require.NoError(t, err)
	assert.Equal(t, raw, zipped)

	_, err = src.Load(context.Background(), 0, 0)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestProvider_SampleInterpolates(t *testing.T) {
	src := &memSource{tiles: map[string][]byte{"N40W074": hgtBytes(t, gradient())}}
	p := newTestProvider(4, src)
	ctx := context.Background()

	tests := []struct {
		name     string
		lat, lon float64
		want     float64
	}{
		{"south-west corner", 40.0, -74.0, 1200},
		{"north-west corner", 40.9999999, -74.0, 0},
		{"center", 40.5, -73.5, 1200},
		{"between posts", 40.5 - 0.5/1200, -73.5 + 0.25/1200, 1200.75},
		{"east edge", 40.0, -73.0000001, 2400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Sample(ctx, tt.lat, tt.lon)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-3)
		})
	}
	assert.Equal(t, int64(1), src.loads.Load(), "cell loaded once")
}

func TestProvider_VoidsAreUnavailable(t *testing.T) {
	samples := gradient()
	for i := 0; i < 600*SRTM3Size; i++ {
		samples[i] = Void // northern half
	}
	p := newTestProvider(4, &memSource{tiles: map[string][]byte{"N40W074": hgtBytes(t, samples)}})

	_, err := p.Sample(context.Background(), 40.9, -73.5)
	assert.ErrorIs(t, err, domain.ErrElevationUnavailable)

	h, err := p.Sample(context.Background(), 40.2, -73.5)
	require.NoError(t, err)
	assert.InDelta(t, 960+600, h, 1e-6)
}

func TestProvider_MissingCellIsNegativelyCached(t *testing.T) {
	src := &memSource{tiles: map[string][]byte{}}
	p := newTestProvider(4, src)

	for i := 0; i < 3; i++ {
		_, err := p.Sample(context.Background(), 10.5, -30.5)
		assert.ErrorIs(t, err, domain.ErrElevationUnavailable)
	}
	assert.Equal(t, int64(1), src.loads.Load())
}

func TestProvider_FallsThroughSources(t *testing.T) {
	empty := &memSource{tiles: map[string][]byte{}}
	full := &memSource{tiles: map[string][]byte{"N40W074": hgtBytes(t, gradient())}}
	p := newTestProvider(4, empty, full)

	_, err := p.Sample(context.Background(), 40.5, -73.5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), empty.loads.Load())
	assert.Equal(t, int64(1), full.loads.Load())
}

func TestProvider_WrapsLongitude180(t *testing.T) {
	src := &memSource{tiles: map[string][]byte{"N10W180": hgtBytes(t, gradient())}}
	p := newTestProvider(4, src)

	h, err := p.Sample(context.Background(), 10.5, 180)
	require.NoError(t, err)
	assert.InDelta(t, 600, h, 1e-6)
}

func TestProvider_CoalescesConcurrentLoads(t *testing.T) {
	src := &memSource{tiles: map[string][]byte{"N40W074": hgtBytes(t, gradient())}, gate: make(chan struct{})}
	p := newTestProvider(4, src)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Sample(context.Background(), 40.5, -73.5)
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return src.loads.Load() == 1 }, time.Second, time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int64(1), src.loads.Load())
}

func TestProvider_CancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	src := &memSource{tiles: map[string][]byte{"N40W074": hgtBytes(t, gradient())}, gate: make(chan struct{})}
	p := newTestProvider(4, src)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := p.Sample(ctx, 40.5, -73.5)
		first <- err
	}()
	require.Eventually(t, func() bool { return src.loads.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	close(src.gate)
	require.NoError(t, <-first, "the load itself was not cancelled")

	_, err := p.Sample(context.Background(), 40.5, -73.5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.loads.Load())

	_, err = p.Sample(ctx, 40.5, -73.5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProvider_FailureBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := &memSource{err: errors.New("disk on fire")}
	p := NewProvider([]Source{src}, 4, testLogger(), observability.NewMetricsForTesting(), WithClock(clock))

	_, err := p.Sample(context.Background(), 40.5, -73.5)
	require.ErrorContains(t, err, "disk on fire")
	assert.NotErrorIs(t, err, domain.ErrElevationUnavailable)

	_, err = p.Sample(context.Background(), 40.5, -73.5)
	require.Error(t, err)
	assert.Equal(t, int64(1), src.loads.Load(), "not retried inside the backoff")

	clock.Advance(failureBackoff)
	src.err = nil
	src.tiles = map[string][]byte{"N40W074": hgtBytes(t, gradient())}
	_, err = p.Sample(context.Background(), 40.5, -73.5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.loads.Load())
}

func TestProvider_EvictsLeastRecentlyUsed(t *testing.T) {
	g := hgtBytes(t, gradient())
	src := &memSource{tiles: map[string][]byte{"N40W074": g, "N41W074": g}}
	p := newTestProvider(1, src)
	ctx := context.Background()

	_, err := p.Sample(ctx, 40.5, -73.5)
	require.NoError(t, err)
	_, err = p.Sample(ctx, 41.5, -73.5)
	require.NoError(t, err)
	_, err = p.Sample(ctx, 40.5, -73.5)
	require.NoError(t, err)

	assert.Equal(t, int64(3), src.loads.Load())
	assert.Equal(t, 1, p.cache.len())
}

func TestTileCache_LRUOrder(t *testing.T) {
	c := newTileCache(2)
	a, b := &hgtTile{lat: 1}, &hgtTile{lat: 2}
	c.put("a", a)
	c.put("b", b)
	_, ok := c.get("a") // a is now most recent
	require.True(t, ok)
	c.put("c", nil)

	_, ok = c.get("b")
	assert.False(t, ok, "b was least recently used")
	got, ok := c.get("a")
	assert.True(t, ok)
	assert.Same(t, a, got)
	got, ok = c.get("c")
	assert.True(t, ok)
	assert.Nil(t, got, "negative entries are cached")
}

func TestHTTPSource_Mirror(t *testing.T) {
	var requests atomic.Int64
	body := zipBytes(t, "N40W074", gradient())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		switch r.URL.Path {
		case "/srtm/N40W074.hgt.zip":
			w.Header().Set("Content-Type", "application/zip")
			_, _ = w.Write(body)
		case "/srtm/N50E010.hgt.zip":
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	mirror := NewHTTPSource(srv.URL+"/srtm/", 5*time.Second, testLogger())
	p := newTestProvider(4, NewDirSource(t.TempDir()), mirror)
	ctx := context.Background()

	h, err := p.Sample(ctx, 40.5, -73.5)
	require.NoError(t, err)
	assert.InDelta(t, 1200, h, 1e-6)
	_, err = p.Sample(ctx, 40.25, -73.25)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requests.Load(), "second sample served from cache")

	_, err = p.Sample(ctx, -20.5, -20.5)
	assert.ErrorIs(t, err, domain.ErrElevationUnavailable, "404 means no coverage")

	_, err = mirror.Load(ctx, 50, 10)
	require.Error(t, err)
	assert.NotErrorIs(t, err, fs.ErrNotExist)
	assert.Contains(t, err.Error(), "status 502")
}

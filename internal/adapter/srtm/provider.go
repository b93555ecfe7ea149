package srtm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/couchcryptid/terrain-tile-service/internal/domain"
	"github.com/couchcryptid/terrain-tile-service/internal/observability"
)

// DefaultCacheSize is how many decoded cells are kept in memory.
const DefaultCacheSize = 64

// failureBackoff is how long a cell whose load failed is not retried.
const failureBackoff = 30 * time.Second

// Provider implements domain.ElevationProvider over a chain of sources.
// Sources are tried in order; a cell no source holds is remembered as
// unavailable. Concurrent loads of one cell are coalesced.
type Provider struct {
	sources []Source
	cache   *tileCache
	group   singleflight.Group
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	failed map[string]failure
}

type failure struct {
	err error
	at  time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock substitutes the time source for load failure backoff.
func WithClock(c clockwork.Clock) Option {
	return func(p *Provider) { p.clock = c }
}

// NewProvider creates a Provider reading from sources in order.
func NewProvider(sources []Source, cacheSize int, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Provider {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	p := &Provider{
		sources: sources,
		cache:   newTileCache(cacheSize),
		clock:   clockwork.NewRealClock(),
		logger:  logger,
		metrics: metrics,
		failed:  make(map[string]failure),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Sample returns the bilinearly interpolated elevation at (lat, lon).
func (p *Provider) Sample(ctx context.Context, lat, lon float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if lon >= 180 {
		lon -= 360
	}
	latI, lonI := int(math.Floor(lat)), int(math.Floor(lon))

	t, err := p.cell(ctx, latI, lonI)
	if err != nil {
		return 0, err
	}
	if t == nil {
		return 0, fmt.Errorf("srtm %s: %w", TileName(latI, lonI), domain.ErrElevationUnavailable)
	}
	h, ok := t.interpolate(lat, lon)
	if !ok {
		return 0, fmt.Errorf("srtm %s void at %.5f,%.5f: %w", TileName(latI, lonI), lat, lon, domain.ErrElevationUnavailable)
	}
	return h, nil
}

func (p *Provider) cell(ctx context.Context, lat, lon int) (*hgtTile, error) {
	key := TileName(lat, lon)
	if t, ok := p.cache.get(key); ok {
		if t == nil {
			p.metrics.ElevationCache.WithLabelValues("negative").Inc()
		} else {
			p.metrics.ElevationCache.WithLabelValues("hit").Inc()
		}
		return t, nil
	}
	if err := p.recentFailure(key); err != nil {
		return nil, err
	}
	p.metrics.ElevationCache.WithLabelValues("miss").Inc()

	v, err, _ := p.group.Do(key, func() (any, error) {
		if t, ok := p.cache.get(key); ok {
			return t, nil
		}
		// The load is shared, so one caller's cancellation must not fail
		// the others. Source timeouts still bound it.
		t, err := p.load(context.WithoutCancel(ctx), lat, lon)
		if err != nil {
			p.mu.Lock()
			p.failed[key] = failure{err: err, at: p.clock.Now()}
			p.mu.Unlock()
			return nil, err
		}
		p.cache.put(key, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*hgtTile), nil
}

func (p *Provider) recentFailure(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.failed[key]
	if !ok {
		return nil
	}
	if p.clock.Since(f.at) >= failureBackoff {
		delete(p.failed, key)
		return nil
	}
	return f.err
}

// load returns nil, nil when no source holds the cell.
func (p *Provider) load(ctx context.Context, lat, lon int) (*hgtTile, error) {
	name := TileName(lat, lon)
	for _, src := range p.sources {
		start := time.Now()
		b, err := src.Load(ctx, lat, lon)
		p.metrics.ElevationFetchDuration.WithLabelValues(src.Name()).Observe(time.Since(start).Seconds())
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			p.logger.Warn("srtm load failed", "tile", name, "source", src.Name(), "error", err)
			return nil, fmt.Errorf("srtm %s from %s: %w", name, src.Name(), err)
		}
		t, err := parseHGT(lat, lon, b)
		if err != nil {
			return nil, err
		}
		p.logger.Debug("srtm tile loaded", "tile", name, "source", src.Name(), "size", t.size)
		return t, nil
	}
	p.logger.Debug("srtm tile unavailable", "tile", name)
	return nil, nil
}

// interpolate blends the four posts around (lat, lon), ignoring voids. It
// reports false when every post with weight is void.
func (t *hgtTile) interpolate(lat, lon float64) (float64, bool) {
	n := float64(t.size - 1)
	y := (float64(t.lat+1) - lat) * n
	x := (lon - float64(t.lon)) * n

	r0 := clampInt(int(math.Floor(y)), 0, t.size-2)
	c0 := clampInt(int(math.Floor(x)), 0, t.size-2)
	fy := clampFloat(y-float64(r0), 0, 1)
	fx := clampFloat(x-float64(c0), 0, 1)

	posts := [4]struct {
		row, col int
		w        float64
	}{
		{r0, c0, (1 - fy) * (1 - fx)},
		{r0, c0 + 1, (1 - fy) * fx},
		{r0 + 1, c0, fy * (1 - fx)},
		{r0 + 1, c0 + 1, fy * fx},
	}
	var sum, wsum float64
	for _, p := range posts {
		v := t.at(p.row, p.col)
		if v == Void || p.w == 0 {
			continue
		}
		sum += p.w * float64(v)
		wsum += p.w
	}
	if wsum == 0 {
		return 0, false
	}
	return sum / wsum, true
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}

package domain

import (
	"fmt"
	"math"
	"slices"
)

// DefaultMaxTiles caps how many tiles one request may decompose into.
const DefaultMaxTiles = 20000

// trimSlackKm absorbs float error when testing tile/circle contact.
const trimSlackKm = 1e-6

// Plan is the ordered tile list for one area.
type Plan struct {
	Version FormatVersion
	Tiles   []TileCoordinate
	// OutsideLat is set when part of the area lay beyond the ±84° coverage
	// limit (or wrapped a pole) and was clipped away.
	OutsideLat bool
}

// Decomposer converts areas into tile lists. The zero value uses
// DefaultMaxTiles and keeps every bounding-box tile of a circle.
type Decomposer struct {
	MaxTiles int
	// TrimCircle drops bounding-box tiles whose footprint does not touch
	// the circle. Tiles touching it are always kept, however small the
	// overlap.
	TrimCircle bool
}

// NewDecomposer returns a Decomposer with the given guard and trimming.
func NewDecomposer(maxTiles int, trimCircle bool) *Decomposer {
	return &Decomposer{MaxTiles: maxTiles, TrimCircle: trimCircle}
}

// Decompose returns the row-major, duplicate-free tiles covering area.
func (d *Decomposer) Decompose(area AreaSpec, v FormatVersion) (Plan, error) {
	if !v.Valid() {
		return Plan{}, invalidArea("version", fmt.Sprintf("%d is not supported", uint8(v)))
	}
	if err := area.validateShape(); err != nil {
		return Plan{}, err
	}

	switch area.Kind() {
	case AreaRectangle:
		r := area.rect
		b := box{
			minLat: toE7(r.MinLat), maxLat: toE7(r.MaxLat),
			minLon: toE7(r.MinLon), maxLon: toE7(r.MaxLon),
		}
		return d.plan(b, v, nil)
	case AreaCircle:
		return d.circle(area.circle, v)
	}
	return Plan{}, invalidArea("area", "must be a circle or a rectangle")
}

func (d *Decomposer) circle(c Circle, v FormatVersion) (Plan, error) {
	var b box
	if c.RadiusKm == 0 {
		lat, lon := toE7(c.CenterLat), toE7(c.CenterLon)
		b = box{minLat: lat, maxLat: lat, minLon: lon, maxLon: lon}
	} else {
		minLat, maxLat, minLon, maxLon, fullLon := capBounds(c)
		b = box{
			minLat:  int64(math.Floor(minLat * E7)),
			maxLat:  int64(math.Ceil(maxLat * E7)),
			minLon:  int64(math.Floor(minLon * E7)),
			maxLon:  int64(math.Ceil(maxLon * E7)),
			fullLon: fullLon,
		}
	}

	var keep func(TileCoordinate) bool
	if d.TrimCircle && c.RadiusKm > 0 {
		keep = func(t TileCoordinate) bool {
			return distanceToFootprintKm(c.CenterLat, c.CenterLon, t.Footprint(v)) <= c.RadiusKm+trimSlackKm
		}
	}
	return d.plan(b, v, keep)
}

// box is an area in 1e-7 degrees. Longitudes may run past ±180° for
// circles straddling the antimeridian.
type box struct {
	minLat, maxLat int64
	minLon, maxLon int64
	fullLon        bool
}

func (d *Decomposer) plan(b box, v FormatVersion, keep func(TileCoordinate) bool) (Plan, error) {
	p := v.Params()
	size := p.TileSizeE7
	plan := Plan{Version: v}

	latLo, latHi := indexRange(b.minLat, b.maxLat, size)
	limLo := ceilDiv(-LatitudeLimitE7, size)
	limHi := floorDiv(LatitudeLimitE7, size) - 1
	if latLo < limLo {
		latLo, plan.OutsideLat = limLo, true
	}
	if latHi > limHi {
		latHi, plan.OutsideLat = limHi, true
	}
	if latLo > latHi {
		return plan, nil
	}

	span := 360 * E7 / size
	lons := lonIndices(b, size, span)

	maxTiles := d.MaxTiles
	if maxTiles <= 0 {
		maxTiles = DefaultMaxTiles
	}
	boxCount := (latHi - latLo + 1) * int64(len(lons))
	if keep == nil {
		if boxCount > int64(maxTiles) {
			return Plan{}, invalidArea("area", fmt.Sprintf("covers %d %s tiles, limit is %d", boxCount, v, maxTiles))
		}
		plan.Tiles = make([]TileCoordinate, 0, boxCount)
	}

	// Trimmed circles are held to the tiles they emit, not their box.
	for lat := latLo; lat <= latHi; lat++ {
		for _, lon := range lons {
			t := TileCoordinate{LatIdx: int32(lat), LonIdx: int32(lon)}
			if keep != nil && !keep(t) {
				continue
			}
			if len(plan.Tiles) == maxTiles {
				return Plan{}, invalidArea("area", fmt.Sprintf("covers more than %d %s tiles", maxTiles, v))
			}
			plan.Tiles = append(plan.Tiles, t)
		}
	}
	return plan, nil
}

// indexRange returns the tile indices whose closed footprint meets
// [lo, hi]. A maximum exactly on a tile boundary does not pull in the
// next tile; a degenerate range yields the tile holding the point.
func indexRange(lo, hi, size int64) (int64, int64) {
	first := floorDiv(lo, size)
	if hi <= lo {
		return first, first
	}
	last := ceilDiv(hi, size) - 1
	if last < first {
		last = first
	}
	return first, last
}

// lonIndices returns the sorted, normalised longitude indices of b.
func lonIndices(b box, size, span int64) []int64 {
	lo, hi := indexRange(b.minLon, b.maxLon, size)
	if b.fullLon || hi-lo+1 >= span {
		lo, hi = -span/2, span/2-1
	}
	seen := make(map[int64]struct{}, hi-lo+1)
	out := make([]int64, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		n := normalizeLonIdx(i, size)
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

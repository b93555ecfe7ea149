package domain

import (
	"fmt"
	"math"
)

// TileCoordinate addresses one tile of a given version's grid. Tile
// (LatIdx, LonIdx) covers [LatIdx*size, (LatIdx+1)*size) in latitude and the
// same in longitude.
type TileCoordinate struct {
	LatIdx int32 `json:"lat_idx"`
	LonIdx int32 `json:"lon_idx"`
}

// TileFor returns the tile containing (lat, lon) for version v. Longitudes
// are normalised into [-180, 180) first so 180° maps onto the -180° column.
func TileFor(lat, lon float64, v FormatVersion) TileCoordinate {
	size := v.Params().TileSizeE7
	return TileCoordinate{
		LatIdx: int32(floorDiv(toE7(lat), size)),
		LonIdx: int32(normalizeLonIdx(floorDiv(toE7(lon), size), size)),
	}
}

// Less orders coordinates row-major: latitude index first, then longitude.
func (t TileCoordinate) Less(o TileCoordinate) bool {
	if t.LatIdx != o.LatIdx {
		return t.LatIdx < o.LatIdx
	}
	return t.LonIdx < o.LonIdx
}

// Name is the archive entry name, e.g. N0400W00740.DAT.
func (t TileCoordinate) Name() string {
	ns, ew := 'N', 'E'
	lat, lon := int64(t.LatIdx), int64(t.LonIdx)
	if lat < 0 {
		ns, lat = 'S', -lat
	}
	if lon < 0 {
		ew, lon = 'W', -lon
	}
	return fmt.Sprintf("%c%04d%c%05d.DAT", ns, lat, ew, lon)
}

func (t TileCoordinate) String() string {
	return fmt.Sprintf("(%d,%d)", t.LatIdx, t.LonIdx)
}

// Footprint is the closed lat/lon box covered by a tile, in degrees.
type Footprint struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// Footprint returns the tile's extent for version v.
func (t TileCoordinate) Footprint(v FormatVersion) Footprint {
	size := v.Params().TileSizeE7
	return Footprint{
		MinLat: fromE7(int64(t.LatIdx) * size),
		MaxLat: fromE7((int64(t.LatIdx) + 1) * size),
		MinLon: fromE7(int64(t.LonIdx) * size),
		MaxLon: fromE7((int64(t.LonIdx) + 1) * size),
	}
}

// SampleAt is the position of grid sample (row, col) of the tile. Row 0 is
// the southern edge and col 0 the western edge.
func (t TileCoordinate) SampleAt(v FormatVersion, row, col int) (lat, lon float64) {
	p := v.Params()
	latE7 := int64(t.LatIdx)*p.TileSizeE7 + int64(row)*p.SpacingE7
	lonE7 := int64(t.LonIdx)*p.TileSizeE7 + int64(col)*p.SpacingE7
	if lonE7 >= 180*E7 {
		lonE7 -= 360 * E7
	}
	return fromE7(latE7), fromE7(lonE7)
}

// TileBlock is one encoded tile. Data is immutable once produced.
type TileBlock struct {
	Coord   TileCoordinate
	Version FormatVersion
	Voids   int
	Data    []byte
}

// Name is the archive entry name for the block.
func (b TileBlock) Name() string { return b.Coord.Name() }

func toE7(deg float64) int64 { return int64(math.Round(deg * E7)) }

func fromE7(v int64) float64 { return float64(v) / E7 }

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// ceilDiv divides rounding toward positive infinity.
func ceilDiv(a, b int64) int64 {
	return -floorDiv(-a, b)
}

// normalizeLonIdx wraps a longitude tile index into [-180°, 180°).
func normalizeLonIdx(idx, size int64) int64 {
	span := 360 * E7 / size
	half := 180 * E7 / size
	idx = (idx + half) % span
	if idx < 0 {
		idx += span
	}
	return idx - half
}

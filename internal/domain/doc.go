// Package domain models terrain tile requests for the autopilot's
// terrain-following subsystem.
//
// # Areas
//
// A request covers either a circle (center plus great-circle radius in km)
// or an axis-aligned rectangle. [AreaSpec] is a tagged variant over the two;
// the [Decomposer] dispatches on the tag once and everything downstream only
// sees tile coordinates.
//
// # Tile Grid
//
// Geometry runs in fixed point, 1e-7 degree units, so tile indices are an
// exact function of (lat, lon, version):
//
//	lat_idx = floor(lat_e7 / tile_size_e7)
//	lon_idx = floor(lon_e7 / tile_size_e7)   wrapped into [-180°, 180°)
//
// Version parameters:
//
//	V1: 0.1° tiles, 41×41 samples every 0.0025°, int16 metres
//	V3: 0.05° tiles, 51×51 samples every 0.001°, int32 decimetres
//
// A rectangle selects every tile whose closed footprint meets it, except
// that a maximum lying exactly on a tile boundary does not pull in the next
// tile. {40.0..40.2, -74.0..-73.8} at V1 is therefore the 2×2 block
// (400..401, -740..-739).
//
// # Latitude Limit
//
// The consumer's terrain database stops at ±84°. Tiles reaching past it are
// never produced; the request is clipped and [Plan.OutsideLat] is set so the
// caller can warn the user.
//
// # Circles
//
// The enclosing box of a circle is the exact bounding box of the spherical
// cap on a mean-radius sphere:
//
//	Δlat = r / R
//	Δlon = asin(sin(r/R) / cos(lat))
//
// This widens the longitude span toward the poles instead of assuming a
// constant km-per-degree. When the cap reaches a pole, every longitude is
// inside. With trimming enabled, tiles of the box whose closest point lies
// farther than the radius are dropped; a tile touching the circle is never
// dropped, however small the overlap.
package domain

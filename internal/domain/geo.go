package domain

import "math"

// EarthRadiusKm is the IUGG mean radius. Circle bounds and distances are
// computed on this sphere; the error against the WGS-84 ellipsoid stays
// below 0.5% for the radii accepted here.
const EarthRadiusKm = 6371.0088

func rad(deg float64) float64 { return deg * math.Pi / 180 }

func deg(r float64) float64 { return r * 180 / math.Pi }

// HaversineKm is the great-circle distance between two points.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

// capBounds returns the lat/lon box enclosing a spherical cap. When the cap
// reaches a pole every longitude is inside and fullLon is true.
func capBounds(c Circle) (minLat, maxLat, minLon, maxLon float64, fullLon bool) {
	r := c.RadiusKm / EarthRadiusKm
	latR := rad(c.CenterLat)
	lo, hi := latR-r, latR+r
	if lo <= -math.Pi/2 || hi >= math.Pi/2 {
		return deg(math.Max(lo, -math.Pi/2)), deg(math.Min(hi, math.Pi/2)), -180, 180, true
	}
	dLon := math.Asin(math.Min(1, math.Sin(r)/math.Cos(latR)))
	return deg(lo), deg(hi), c.CenterLon - deg(dLon), c.CenterLon + deg(dLon), false
}

// distanceToFootprintKm is the shortest great-circle distance from a point
// to any point of the footprint; zero when the point is inside it.
func distanceToFootprintKm(lat, lon float64, f Footprint) float64 {
	width := f.MaxLon - f.MinLon
	inLon := wrap360(lon-f.MinLon) <= width
	if inLon {
		if lat >= f.MinLat && lat <= f.MaxLat {
			return 0
		}
		return math.Min(HaversineKm(lat, lon, f.MinLat, lon), HaversineKm(lat, lon, f.MaxLat, lon))
	}
	return math.Min(
		distanceToMeridianKm(lat, lon, f.MinLon, f.MinLat, f.MaxLat),
		distanceToMeridianKm(lat, lon, f.MaxLon, f.MinLat, f.MaxLat),
	)
}

// distanceToMeridianKm measures from a point to the meridian segment at
// mLon between latitudes a and b. The foot of the perpendicular lies at
// atan(tan φ / cos Δλ); distance along the segment is unimodal around it.
func distanceToMeridianKm(lat, lon, mLon, a, b float64) float64 {
	dl := rad(wrap180(mLon - lon))
	if math.Cos(dl) <= 0 {
		return math.Min(HaversineKm(lat, lon, a, mLon), HaversineKm(lat, lon, b, mLon))
	}
	foot := deg(math.Atan(math.Tan(rad(lat)) / math.Cos(dl)))
	foot = math.Max(a, math.Min(b, foot))
	return HaversineKm(lat, lon, foot, mLon)
}

func wrap360(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}

func wrap180(d float64) float64 {
	d = wrap360(d + 180)
	return d - 180
}

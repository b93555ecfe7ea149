package domain

import (
	"encoding/json"
	"fmt"
	"math"
)

// Bounds accepted on inbound area requests.
const (
	MinRadiusKm = 1.0
	MaxRadiusKm = 400.0
)

// AreaKind tags which variant an AreaSpec holds.
type AreaKind string

const (
	AreaCircle    AreaKind = "circle"
	AreaRectangle AreaKind = "rectangle"
)

// Circle is a center point plus a great-circle radius.
type Circle struct {
	CenterLat float64 `json:"lat"`
	CenterLon float64 `json:"lon"`
	RadiusKm  float64 `json:"radius_km"`
}

// Rectangle is an axis-aligned lat/lon box. Min may equal Max.
type Rectangle struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

// AreaSpec is a tagged variant over Circle and Rectangle. Build it with
// CircleArea or RectangleArea; the zero value is invalid.
type AreaSpec struct {
	kind   AreaKind
	circle Circle
	rect   Rectangle
}

// CircleArea wraps c as an AreaSpec.
func CircleArea(c Circle) AreaSpec {
	return AreaSpec{kind: AreaCircle, circle: c}
}

// RectangleArea wraps r as an AreaSpec.
func RectangleArea(r Rectangle) AreaSpec {
	return AreaSpec{kind: AreaRectangle, rect: r}
}

// Kind reports which variant the area holds.
func (a AreaSpec) Kind() AreaKind { return a.kind }

// Circle returns the circle variant and whether the area holds one.
func (a AreaSpec) Circle() (Circle, bool) { return a.circle, a.kind == AreaCircle }

// Rectangle returns the rectangle variant and whether the area holds one.
func (a AreaSpec) Rectangle() (Rectangle, bool) { return a.rect, a.kind == AreaRectangle }

func (a AreaSpec) String() string {
	switch a.kind {
	case AreaCircle:
		c := a.circle
		return fmt.Sprintf("circle(%.6f,%.6f r=%.1fkm)", c.CenterLat, c.CenterLon, c.RadiusKm)
	case AreaRectangle:
		r := a.rect
		return fmt.Sprintf("rect(%.6f..%.6f, %.6f..%.6f)", r.MinLat, r.MaxLat, r.MinLon, r.MaxLon)
	default:
		return "area(invalid)"
	}
}

// Validate applies the request-level invariants: coordinates in range,
// rectangle min <= max and circle radius within [MinRadiusKm, MaxRadiusKm].
func (a AreaSpec) Validate() error {
	if err := a.validateShape(); err != nil {
		return err
	}
	if c, ok := a.Circle(); ok && c.RadiusKm < MinRadiusKm {
		return invalidArea("radius_km", fmt.Sprintf("must be at least %.0f", MinRadiusKm))
	}
	return nil
}

// validateShape is the decomposer's check. A zero radius is accepted and
// decomposes to the single tile holding the center.
func (a AreaSpec) validateShape() error {
	switch a.kind {
	case AreaCircle:
		c := a.circle
		if err := checkLat("lat", c.CenterLat); err != nil {
			return err
		}
		if err := checkLon("lon", c.CenterLon); err != nil {
			return err
		}
		if math.IsNaN(c.RadiusKm) || c.RadiusKm < 0 || c.RadiusKm > MaxRadiusKm {
			return invalidArea("radius_km", fmt.Sprintf("must be within [0, %.0f]", MaxRadiusKm))
		}
		return nil
	case AreaRectangle:
		r := a.rect
		for _, f := range []struct {
			name string
			v    float64
		}{{"min_lat", r.MinLat}, {"max_lat", r.MaxLat}} {
			if err := checkLat(f.name, f.v); err != nil {
				return err
			}
		}
		for _, f := range []struct {
			name string
			v    float64
		}{{"min_lon", r.MinLon}, {"max_lon", r.MaxLon}} {
			if err := checkLon(f.name, f.v); err != nil {
				return err
			}
		}
		if r.MinLat > r.MaxLat {
			return invalidArea("max_lat", "must not be less than min_lat")
		}
		if r.MinLon > r.MaxLon {
			return invalidArea("max_lon", "must not be less than min_lon")
		}
		return nil
	default:
		return invalidArea("area", "must be a circle or a rectangle")
	}
}

func checkLat(field string, v float64) error {
	if math.IsNaN(v) || v < -90 || v > 90 {
		return invalidArea(field, "must be within [-90, 90]")
	}
	return nil
}

func checkLon(field string, v float64) error {
	if math.IsNaN(v) || v < -180 || v > 180 {
		return invalidArea(field, "must be within [-180, 180]")
	}
	return nil
}

type areaJSON struct {
	Kind      AreaKind   `json:"kind"`
	Circle    *Circle    `json:"circle,omitempty"`
	Rectangle *Rectangle `json:"rectangle,omitempty"`
}

func (a AreaSpec) MarshalJSON() ([]byte, error) {
	out := areaJSON{Kind: a.kind}
	switch a.kind {
	case AreaCircle:
		c := a.circle
		out.Circle = &c
	case AreaRectangle:
		r := a.rect
		out.Rectangle = &r
	}
	return json.Marshal(out)
}

func (a *AreaSpec) UnmarshalJSON(b []byte) error {
	var in areaJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	switch {
	case in.Kind == AreaCircle && in.Circle != nil:
		*a = CircleArea(*in.Circle)
	case in.Kind == AreaRectangle && in.Rectangle != nil:
		*a = RectangleArea(*in.Rectangle)
	default:
		return invalidArea("kind", fmt.Sprintf("%q is not circle or rectangle", in.Kind))
	}
	return nil
}

// Package geometry provides the constrained value types shared by every data
// source: points in WGS84 lon/lat, named bounding boxes, and inclusive year
// ranges. Construction validates invariants; values are immutable afterwards.
package geometry

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidationError reports a malformed geometry or time value. It is raised at
// construction time and never recovered.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Point is an (x, y) pair in WGS84 projection: x is longitude, y is latitude.
type Point struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// NewPoint validates coordinates and returns a point.
// Longitude must be in [-180, 180], latitude in [-90, 90].
func NewPoint(x, y float64) (Point, error) {
	if x < -180 || x > 180 {
		return Point{}, &ValidationError{Field: "point", Reason: fmt.Sprintf("longitude %v outside [-180, 180]", x)}
	}
	if y < -90 || y > 90 {
		return Point{}, &ValidationError{Field: "point", Reason: fmt.Sprintf("latitude %v outside [-90, 90]", y)}
	}
	return Point{X: x, Y: y}, nil
}

// WKT returns the well-known-text representation of the point. It is used as
// the canonical serialization for join indexing, so two points with equal
// coordinates always produce the same string.
func (p Point) WKT() string {
	return fmt.Sprintf("POINT (%s %s)", formatCoord(p.X), formatCoord(p.Y))
}

// PointFromWKT reconstructs a point from its well-known-text serialization.
func PointFromWKT(s string) (Point, error) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "POINT (") || !strings.HasSuffix(trimmed, ")") {
		return Point{}, &ValidationError{Field: "wkt", Reason: fmt.Sprintf("not a POINT geometry: %q", s)}
	}
	body := strings.TrimSuffix(strings.TrimPrefix(trimmed, "POINT ("), ")")
	parts := strings.Fields(body)
	if len(parts) != 2 {
		return Point{}, &ValidationError{Field: "wkt", Reason: fmt.Sprintf("expected two coordinates: %q", s)}
	}
	x, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Point{}, &ValidationError{Field: "wkt", Reason: fmt.Sprintf("bad longitude in %q", s)}
	}
	y, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Point{}, &ValidationError{Field: "wkt", Reason: fmt.Sprintf("bad latitude in %q", s)}
	}
	return NewPoint(x, y)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Bbox is an axis-aligned bounding box in lon/lat coordinates.
type Bbox struct {
	XMin float64 `yaml:"xmin" json:"xmin"`
	YMin float64 `yaml:"ymin" json:"ymin"`
	XMax float64 `yaml:"xmax" json:"xmax"`
	YMax float64 `yaml:"ymax" json:"ymax"`
}

// NamedArea is a named bounding box, used both as a download filter and as a
// post-load crop.
type NamedArea struct {
	Name string `yaml:"name" json:"name"`
	Bbox Bbox   `yaml:"bbox" json:"bbox"`
}

// NewNamedArea validates bbox ordering and coordinate domains.
func NewNamedArea(name string, bbox Bbox) (NamedArea, error) {
	if name == "" {
		return NamedArea{}, &ValidationError{Field: "area", Reason: "name must not be empty"}
	}
	if err := bbox.validate(); err != nil {
		return NamedArea{}, err
	}
	return NamedArea{Name: name, Bbox: bbox}, nil
}

func (b Bbox) validate() error {
	if b.XMax <= b.XMin {
		return &ValidationError{Field: "bbox", Reason: "xmax should be larger than xmin"}
	}
	if b.YMax <= b.YMin {
		return &ValidationError{Field: "bbox", Reason: "ymax should be larger than ymin"}
	}
	if b.XMin < -180 || b.XMax > 180 {
		return &ValidationError{Field: "bbox", Reason: "longitudes should be in [-180, 180]"}
	}
	if b.YMin < -90 || b.YMax > 90 {
		return &ValidationError{Field: "bbox", Reason: "latitudes should be in [-90, 90]"}
	}
	return nil
}

// Validate re-checks the invariants, for areas built by deserialization
// instead of NewNamedArea.
func (a NamedArea) Validate() error {
	if a.Name == "" {
		return &ValidationError{Field: "area", Reason: "name must not be empty"}
	}
	return a.Bbox.validate()
}

// Polygon returns the closed ring spanned by the bbox corners,
// counter-clockwise starting at (xmin, ymin). The first and last vertex are
// equal.
func (a NamedArea) Polygon() []Point {
	b := a.Bbox
	return []Point{
		{X: b.XMin, Y: b.YMin},
		{X: b.XMax, Y: b.YMin},
		{X: b.XMax, Y: b.YMax},
		{X: b.XMin, Y: b.YMax},
		{X: b.XMin, Y: b.YMin},
	}
}

// Contains reports whether the point falls within the bbox, borders included.
func (a NamedArea) Contains(p Point) bool {
	b := a.Bbox
	return p.X >= b.XMin && p.X <= b.XMax && p.Y >= b.YMin && p.Y <= b.YMax
}

// YearRange is an inclusive (start, end) range of years. For example
// start=2000, end=2002 covers the three years 2000, 2001 and 2002.
type YearRange struct {
	Start int `yaml:"start" json:"start"`
	End   int `yaml:"end" json:"end"`
}

// NewYearRange validates ordering and returns the range.
func NewYearRange(start, end int) (YearRange, error) {
	r := YearRange{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return YearRange{}, err
	}
	return r, nil
}

// Validate checks the range invariants.
func (r YearRange) Validate() error {
	if r.Start <= 0 || r.End <= 0 {
		return &ValidationError{Field: "years", Reason: "years must be positive"}
	}
	if r.Start > r.End {
		return &ValidationError{Field: "years", Reason: fmt.Sprintf("start %d after end %d", r.Start, r.End)}
	}
	return nil
}

// Range yields the included years in ascending order. The sequence is finite
// and restartable: every call starts again at Start.
func (r YearRange) Range() []int {
	years := make([]int, 0, r.End-r.Start+1)
	for y := r.Start; y <= r.End; y++ {
		years = append(years, y)
	}
	return years
}

// Len returns the number of included years.
func (r YearRange) Len() int {
	return r.End - r.Start + 1
}

// Contains reports whether the year falls inside the range.
func (r YearRange) Contains(year int) bool {
	return year >= r.Start && year <= r.End
}

// MarshalYAML serializes the range as the two-element list used in recipes,
// e.g. `years: [2000, 2002]`.
func (r YearRange) MarshalYAML() (interface{}, error) {
	return [2]int{r.Start, r.End}, nil
}

// UnmarshalYAML accepts both the list form `[2000, 2002]` and the mapping
// form `{start: 2000, end: 2002}`.
func (r *YearRange) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var list []int
	if err := unmarshal(&list); err == nil {
		if len(list) != 2 {
			return &ValidationError{Field: "years", Reason: "expected [start, end]"}
		}
		parsed, err := NewYearRange(list[0], list[1])
		if err != nil {
			return err
		}
		*r = parsed
		return nil
	}
	var kv struct {
		Start int `yaml:"start"`
		End   int `yaml:"end"`
	}
	if err := unmarshal(&kv); err != nil {
		return err
	}
	parsed, err := NewYearRange(kv.Start, kv.End)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

package geometry

import (
	"fmt"
)

// RecordPoint ties a point to a specific observation year. Used for
// record-based extraction, where gridded values are joined on (year, geometry)
// instead of geometry alone.
type RecordPoint struct {
	Year  int
	Point Point
}

// PointsFromOther is a deferred point set: the points are not known until the
// named source dataset has been loaded. It is a two-phase value. It starts
// unresolved, holding only the source name, and is resolved exactly once by
// the workflow engine with the unique geometries of the source's loaded table.
type PointsFromOther struct {
	Source string

	points  []Point
	records []RecordPoint
}

// Resolved reports whether Resolve has been called.
func (p *PointsFromOther) Resolved() bool {
	return p.points != nil
}

// Resolve materializes the point set. Resolving twice is a programming error
// and fails so the workflow's single-mutation contract stays observable.
func (p *PointsFromOther) Resolve(points []Point, records []RecordPoint) error {
	if p.Resolved() {
		return fmt.Errorf("points from %q already resolved", p.Source)
	}
	if points == nil {
		points = []Point{}
	}
	p.points = points
	p.records = records
	return nil
}

// Points returns the resolved point set.
func (p *PointsFromOther) Points() ([]Point, error) {
	if !p.Resolved() {
		return nil, fmt.Errorf("points from %q not resolved yet", p.Source)
	}
	return p.points, nil
}

// Records returns the resolved (year, geometry) pairs.
func (p *PointsFromOther) Records() ([]RecordPoint, error) {
	if !p.Resolved() {
		return nil, fmt.Errorf("points from %q not resolved yet", p.Source)
	}
	return p.records, nil
}

// PointsSpec is the recipe-facing point filter of a dataset: either a literal
// list of points or a reference to another named dataset.
//
// In YAML the literal form is a list of [longitude, latitude] pairs and the
// deferred form is a mapping `{source: <dataset name>}`.
type PointsSpec struct {
	Explicit  []Point
	FromOther *PointsFromOther
}

// IsZero reports whether no point filter was configured. yaml omits zero
// values for fields marked omitempty.
func (s PointsSpec) IsZero() bool {
	return len(s.Explicit) == 0 && s.FromOther == nil
}

// Points returns the concrete point set, resolving the deferred form. The
// deferred form must have been resolved by the workflow first.
func (s PointsSpec) Points() ([]Point, error) {
	if s.FromOther != nil {
		return s.FromOther.Points()
	}
	return s.Explicit, nil
}

// MarshalYAML emits the literal list or the source mapping.
func (s PointsSpec) MarshalYAML() (interface{}, error) {
	if s.FromOther != nil {
		return map[string]string{"source": s.FromOther.Source}, nil
	}
	pairs := make([][2]float64, len(s.Explicit))
	for i, p := range s.Explicit {
		pairs[i] = [2]float64{p.X, p.Y}
	}
	return pairs, nil
}

// UnmarshalYAML accepts both forms.
func (s *PointsSpec) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var pairs [][]float64
	if err := unmarshal(&pairs); err == nil {
		points := make([]Point, 0, len(pairs))
		for _, pair := range pairs {
			if len(pair) != 2 {
				return &ValidationError{Field: "points", Reason: "each point should be [longitude, latitude]"}
			}
			p, err := NewPoint(pair[0], pair[1])
			if err != nil {
				return err
			}
			points = append(points, p)
		}
		s.Explicit = points
		s.FromOther = nil
		return nil
	}
	var ref struct {
		Source string `yaml:"source"`
	}
	if err := unmarshal(&ref); err != nil {
		return err
	}
	if ref.Source == "" {
		return &ValidationError{Field: "points", Reason: "source must name another dataset"}
	}
	s.Explicit = nil
	s.FromOther = &PointsFromOther{Source: ref.Source}
	return nil
}

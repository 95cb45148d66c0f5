// Package cube models a gridded dataset with longitude, latitude and time
// dimensions, and turns it into the canonical table: nearest-neighbor point
// extraction, bounding-box cropping, and record-based (year, geometry)
// extraction for deferred point sets.
package cube

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/phenology/springtime/internal/geometry"
	"github.com/phenology/springtime/internal/table"
)

// Cube is a dense lon x lat x time grid holding one value array per variable.
// Axes are ascending; cells without data hold NaN.
type Cube struct {
	Lons  []float64
	Lats  []float64
	Times []time.Time

	vars  map[string][]float64
	order []string
}

// New allocates an empty cube over the given axes. Axes must be ascending.
func New(lons, lats []float64, times []time.Time, variables ...string) (*Cube, error) {
	if !sort.Float64sAreSorted(lons) || !sort.Float64sAreSorted(lats) {
		return nil, fmt.Errorf("cube axes must be ascending")
	}
	c := &Cube{
		Lons:  lons,
		Lats:  lats,
		Times: times,
		vars:  make(map[string][]float64),
	}
	for _, name := range variables {
		c.addVariable(name)
	}
	return c, nil
}

func (c *Cube) addVariable(name string) {
	if _, ok := c.vars[name]; ok {
		return
	}
	data := make([]float64, len(c.Times)*len(c.Lats)*len(c.Lons))
	for i := range data {
		data[i] = math.NaN()
	}
	c.vars[name] = data
	c.order = append(c.order, name)
}

// Variables returns the variable names in declaration order.
func (c *Cube) Variables() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

func (c *Cube) index(ti, lai, loi int) int {
	return ti*len(c.Lats)*len(c.Lons) + lai*len(c.Lons) + loi
}

// Set stores a value for (variable, time index, lat index, lon index).
func (c *Cube) Set(variable string, ti, lai, loi int, v float64) {
	c.addVariable(variable)
	c.vars[variable][c.index(ti, lai, loi)] = v
}

// At reads the value for (variable, time index, lat index, lon index).
func (c *Cube) At(variable string, ti, lai, loi int) float64 {
	data, ok := c.vars[variable]
	if !ok {
		return math.NaN()
	}
	return data[c.index(ti, lai, loi)]
}

// NearestIndex returns the index of the axis value closest to v. The rule is
// per-axis distance, not geodesic. Ties between two equally distant grid
// nodes resolve to the lower coordinate (the first minimum encountered
// scanning the ascending axis).
func NearestIndex(axis []float64, v float64) int {
	best := 0
	bestDist := math.Abs(axis[0] - v)
	for i := 1; i < len(axis); i++ {
		d := math.Abs(axis[i] - v)
		if d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}

// Crop slices both spatial axes to the area's bounding box, borders included.
// Cropping before resampling bounds the computation cost of everything
// downstream. The returned cube shares no data with the receiver.
func (c *Cube) Crop(area geometry.NamedArea) *Cube {
	b := area.Bbox
	loStart, loEnd := sliceRange(c.Lons, b.XMin, b.XMax)
	laStart, laEnd := sliceRange(c.Lats, b.YMin, b.YMax)

	out := &Cube{
		Lons:  append([]float64(nil), c.Lons[loStart:loEnd]...),
		Lats:  append([]float64(nil), c.Lats[laStart:laEnd]...),
		Times: c.Times,
		vars:  make(map[string][]float64),
	}
	for _, name := range c.order {
		out.addVariable(name)
		for ti := range c.Times {
			for lai := laStart; lai < laEnd; lai++ {
				for loi := loStart; loi < loEnd; loi++ {
					out.vars[name][out.index(ti, lai-laStart, loi-loStart)] = c.At(name, ti, lai, loi)
				}
			}
		}
	}
	return out
}

func sliceRange(axis []float64, min, max float64) (int, int) {
	start := sort.SearchFloat64s(axis, min)
	end := sort.Search(len(axis), func(i int) bool { return axis[i] > max })
	return start, end
}

// SliceYears keeps only time steps whose year falls inside the range.
func (c *Cube) SliceYears(years geometry.YearRange) *Cube {
	keep := make([]int, 0, len(c.Times))
	for ti, ts := range c.Times {
		if years.Contains(ts.Year()) {
			keep = append(keep, ti)
		}
	}

	out := &Cube{
		Lons: c.Lons,
		Lats: c.Lats,
		vars: make(map[string][]float64),
	}
	for _, ti := range keep {
		out.Times = append(out.Times, c.Times[ti])
	}
	for _, name := range c.order {
		out.addVariable(name)
		for newTi, ti := range keep {
			for lai := range c.Lats {
				for loi := range c.Lons {
					out.vars[name][out.index(newTi, lai, loi)] = c.At(name, ti, lai, loi)
				}
			}
		}
	}
	return out
}

// Extract selects, for each requested point, the nearest grid cell and emits
// one row per (time step, point). The row geometry is the requested point,
// not the grid node, so downstream joins line up with the source of the
// points. NaN cells become missing values.
func (c *Cube) Extract(points []geometry.Point) (*table.Table, error) {
	out := table.New(c.order...)
	for _, p := range points {
		loi := NearestIndex(c.Lons, p.X)
		lai := NearestIndex(c.Lats, p.Y)
		for ti, ts := range c.Times {
			values := make(map[string]float64, len(c.order))
			for _, name := range c.order {
				v := c.At(name, ti, lai, loi)
				if !math.IsNaN(v) {
					values[name] = v
				}
			}
			key := table.Key{Time: table.DateKey(ts), Geometry: p}
			if err := out.AddRow(key, values); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// ExtractRecords performs record-based extraction: each (year, geometry) pair
// only picks up the time steps of its own observation year, because deferred
// points are tied to specific years.
func (c *Cube) ExtractRecords(records []geometry.RecordPoint) (*table.Table, error) {
	out := table.New(c.order...)
	for _, rec := range records {
		loi := NearestIndex(c.Lons, rec.Point.X)
		lai := NearestIndex(c.Lats, rec.Point.Y)
		for ti, ts := range c.Times {
			if ts.Year() != rec.Year {
				continue
			}
			values := make(map[string]float64, len(c.order))
			for _, name := range c.order {
				v := c.At(name, ti, lai, loi)
				if !math.IsNaN(v) {
					values[name] = v
				}
			}
			key := table.Key{Time: table.DateKey(ts), Geometry: rec.Point}
			if err := out.AddRow(key, values); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// Table flattens the whole cube: one row per (time step, grid cell).
func (c *Cube) Table() (*table.Table, error) {
	out := table.New(c.order...)
	for ti, ts := range c.Times {
		for lai, lat := range c.Lats {
			for loi, lon := range c.Lons {
				values := make(map[string]float64, len(c.order))
				for _, name := range c.order {
					v := c.At(name, ti, lai, loi)
					if !math.IsNaN(v) {
						values[name] = v
					}
				}
				if len(values) == 0 {
					continue
				}
				key := table.Key{Time: table.DateKey(ts), Geometry: geometry.Point{X: lon, Y: lat}}
				if err := out.AddRow(key, values); err != nil {
					return nil, err
				}
			}
		}
	}
	return out, nil
}

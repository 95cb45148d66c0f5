package cube

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"time"
)

// Grid files are cached as CSV with a fixed leading triplet of dimension
// columns followed by one column per variable:
//
//	time,latitude,longitude,<var1>,<var2>,...
//
// Rows may arrive in any order; axes are derived from the distinct dimension
// values. Empty variable cells are missing (NaN).

// Read parses a cached grid file into a cube.
func Read(r io.Reader) (*Cube, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read grid header: %w", err)
	}
	if len(header) < 4 || header[0] != "time" || header[1] != "latitude" || header[2] != "longitude" {
		return nil, fmt.Errorf("unexpected grid header %v: want time,latitude,longitude,<variables>", header)
	}
	variables := header[3:]

	type cell struct {
		ts       time.Time
		lat, lon float64
		values   []float64
	}
	var cells []cell
	lonSet := make(map[float64]bool)
	latSet := make(map[float64]bool)
	timeSet := make(map[time.Time]bool)

	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read grid line %d: %w", line, err)
		}
		ts, err := time.Parse(time.RFC3339, record[0])
		if err != nil {
			// Daily grids commonly carry a bare date.
			ts, err = time.Parse("2006-01-02", record[0])
			if err != nil {
				return nil, fmt.Errorf("bad time %q on line %d", record[0], line)
			}
		}
		ts = ts.UTC()
		lat, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, fmt.Errorf("bad latitude %q on line %d", record[1], line)
		}
		lon, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			return nil, fmt.Errorf("bad longitude %q on line %d", record[2], line)
		}
		values := make([]float64, len(variables))
		for i, raw := range record[3:] {
			if raw == "" {
				values[i] = math.NaN()
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("bad value %q for %s on line %d", raw, variables[i], line)
			}
			values[i] = v
		}
		cells = append(cells, cell{ts: ts, lat: lat, lon: lon, values: values})
		lonSet[lon] = true
		latSet[lat] = true
		timeSet[ts] = true
	}

	lons := sortedFloats(lonSet)
	lats := sortedFloats(latSet)
	times := sortedTimes(timeSet)

	c, err := New(lons, lats, times, variables...)
	if err != nil {
		return nil, err
	}
	lonIdx := indexOf(lons)
	latIdx := indexOf(lats)
	timeIdx := make(map[time.Time]int, len(times))
	for i, ts := range times {
		timeIdx[ts] = i
	}
	for _, cl := range cells {
		for i, name := range variables {
			c.Set(name, timeIdx[cl.ts], latIdx[cl.lat], lonIdx[cl.lon], cl.values[i])
		}
	}
	return c, nil
}

// Write serializes the cube in the cache grid format, with deterministic
// time-major row order. NaN cells are written empty.
func (c *Cube) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := append([]string{"time", "latitude", "longitude"}, c.order...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write grid header: %w", err)
	}
	for ti, ts := range c.Times {
		for lai, lat := range c.Lats {
			for loi, lon := range c.Lons {
				record := make([]string, 0, len(header))
				record = append(record,
					ts.UTC().Format(time.RFC3339),
					strconv.FormatFloat(lat, 'f', -1, 64),
					strconv.FormatFloat(lon, 'f', -1, 64),
				)
				for _, name := range c.order {
					v := c.At(name, ti, lai, loi)
					if math.IsNaN(v) {
						record = append(record, "")
					} else {
						record = append(record, strconv.FormatFloat(v, 'f', -1, 64))
					}
				}
				if err := cw.Write(record); err != nil {
					return fmt.Errorf("failed to write grid row: %w", err)
				}
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// Merge combines another cube covering the same spatial grid: its time steps
// and variables are folded into the receiver's data. Used to stitch
// per-variable and per-period archive files into one cube.
func (c *Cube) Merge(other *Cube) (*Cube, error) {
	if !sameAxis(c.Lons, other.Lons) || !sameAxis(c.Lats, other.Lats) {
		return nil, fmt.Errorf("cannot merge cubes with different spatial grids")
	}

	timeSet := make(map[time.Time]bool)
	for _, ts := range c.Times {
		timeSet[ts] = true
	}
	for _, ts := range other.Times {
		timeSet[ts] = true
	}
	times := sortedTimes(timeSet)

	variables := c.Variables()
	for _, name := range other.order {
		if _, ok := c.vars[name]; !ok {
			variables = append(variables, name)
		}
	}

	out, err := New(c.Lons, c.Lats, times, variables...)
	if err != nil {
		return nil, err
	}
	timeIdx := make(map[time.Time]int, len(times))
	for i, ts := range times {
		timeIdx[ts] = i
	}
	for _, src := range []*Cube{c, other} {
		for _, name := range src.order {
			for ti, ts := range src.Times {
				for lai := range src.Lats {
					for loi := range src.Lons {
						v := src.At(name, ti, lai, loi)
						if !math.IsNaN(v) {
							out.Set(name, timeIdx[ts], lai, loi, v)
						}
					}
				}
			}
		}
	}
	return out, nil
}

func sameAxis(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedFloats(set map[float64]bool) []float64 {
	out := make([]float64, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}

func sortedTimes(set map[time.Time]bool) []time.Time {
	out := make([]time.Time, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func indexOf(axis []float64) map[float64]int {
	idx := make(map[float64]int, len(axis))
	for i, v := range axis {
		idx[v] = i
	}
	return idx
}

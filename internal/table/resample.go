package table

import (
	"fmt"
	"math"
	"sort"
)

// ResampleConfig describes temporal aggregation of a canonical table to a
// coarser frequency: group by (year, geometry, within-year bucket) and reduce
// each variable with the named operator.
type ResampleConfig struct {
	// Frequency is the bucket scheme: "month" (12 buckets) or "week"
	// (ISO-agnostic 7-day day-of-year buckets, 1-53).
	Frequency string `yaml:"frequency"`
	// Operator is one of mean, min, max, sum, median.
	Operator string `yaml:"operator"`
}

// Validate checks frequency and operator names.
func (c ResampleConfig) Validate() error {
	switch c.Frequency {
	case "month", "week":
	default:
		return fmt.Errorf("unsupported resample frequency %q", c.Frequency)
	}
	switch c.Operator {
	case "mean", "min", "max", "sum", "median":
	default:
		return fmt.Errorf("unsupported resample operator %q", c.Operator)
	}
	return nil
}

func (c ResampleConfig) bucket(k TimeKey) int {
	if c.Frequency == "month" {
		return int(k.Date.Month())
	}
	return (k.Date.YearDay()-1)/7 + 1
}

// Resample aggregates date-keyed rows into yearly rows with one column per
// (variable, bucket) pair, named "<variable>_<bucket>". The reduction is
// deterministic and commutative with respect to row order. Rows without a
// date key cannot be bucketed and fail.
func (t *Table) Resample(cfg ResampleConfig) (*Table, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	type group struct {
		key    Key
		bucket int
		values map[string][]float64 // column -> observed values in the bucket
	}
	groups := make(map[string]*group)
	buckets := make(map[int]bool)

	for _, row := range t.rows {
		if row.Key.Time.Yearly() {
			return nil, fmt.Errorf("cannot resample yearly row %s: no date to bucket", row.Key)
		}
		b := cfg.bucket(row.Key.Time)
		buckets[b] = true
		key := Key{Time: YearKey(row.Key.Time.Year), Geometry: row.Key.Geometry}
		id := fmt.Sprintf("%s#%d", key, b)
		g, ok := groups[id]
		if !ok {
			g = &group{key: key, bucket: b, values: make(map[string][]float64)}
			groups[id] = g
		}
		for name, v := range row.Values {
			g.values[name] = append(g.values[name], v)
		}
	}

	ordered := make([]int, 0, len(buckets))
	for b := range buckets {
		ordered = append(ordered, b)
	}
	sort.Ints(ordered)

	// Pre-declare transposed columns so output column order is stable:
	// every input column, in order, fanned out over the observed buckets.
	columns := make([]string, 0, len(t.columns)*len(ordered))
	for _, col := range t.columns {
		for _, b := range ordered {
			columns = append(columns, fmt.Sprintf("%s_%d", col, b))
		}
	}
	out := New(columns...)

	reduced := make(map[string]map[string]float64) // row id -> values
	keys := make(map[string]Key)
	for _, g := range groups {
		rowID := g.key.String()
		values, ok := reduced[rowID]
		if !ok {
			values = make(map[string]float64)
			reduced[rowID] = values
			keys[rowID] = g.key
		}
		for name, observed := range g.values {
			values[fmt.Sprintf("%s_%d", name, g.bucket)] = Reduce(cfg.Operator, observed)
		}
	}

	for rowID, values := range reduced {
		if err := out.AddRow(keys[rowID], values); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Reduce collapses values with one of the resample operators. Callers must
// pass an operator accepted by ResampleConfig.Validate and a non-empty slice.
func Reduce(operator string, values []float64) float64 {
	switch operator {
	case "mean":
		return sum(values) / float64(len(values))
	case "sum":
		return sum(values)
	case "min":
		m := math.Inf(1)
		for _, v := range values {
			m = math.Min(m, v)
		}
		return m
	case "max":
		m := math.Inf(-1)
		for _, v := range values {
			m = math.Max(m, v)
		}
		return m
	case "median":
		sorted := make([]float64, len(values))
		copy(sorted, values)
		sort.Float64s(sorted)
		n := len(sorted)
		if n%2 == 1 {
			return sorted[n/2]
		}
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	// Validate rejects unknown operators before reduction runs.
	panic(fmt.Sprintf("unknown operator %q", operator))
}

func sum(values []float64) float64 {
	var s float64
	for _, v := range values {
		s += v
	}
	return s
}

package table

import "fmt"

// Join outer-joins the given tables on (temporal key, geometry). Every row
// present in any input appears exactly once in the output; columns from
// non-contributing sources stay missing for that row. Geometry is compared by
// its canonical WKT serialization, so equal coordinates match regardless of
// where the point object came from.
//
// The join is associative and order-independent. A column name shared by two
// inputs is ambiguous and fails; callers disambiguate by renaming before the
// join.
func Join(tables ...*Table) (*Table, error) {
	out := New()

	owner := make(map[string]int)
	for i, t := range tables {
		for _, col := range t.Columns() {
			if prev, taken := owner[col]; taken {
				return nil, fmt.Errorf("column %q present in inputs %d and %d", col, prev, i)
			}
			owner[col] = i
			out.registerColumn(col)
		}
	}

	for _, t := range tables {
		for _, row := range t.rows {
			id := row.Key.String()
			merged, exists := out.rows[id]
			if !exists {
				merged = &Row{Key: row.Key, Values: make(map[string]float64, len(row.Values))}
				out.rows[id] = merged
			}
			for name, v := range row.Values {
				merged.Values[name] = v
			}
		}
	}

	return out, nil
}

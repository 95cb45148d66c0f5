// Package table implements the canonical tabular representation every dataset
// load produces: rows uniquely identified by a (temporal key, geometry) pair,
// with source-specific variable columns. The temporal key is either a
// date/datetime or a plain year, depending on whether the source has been
// resampled. Geometry is compared by value through its well-known-text
// serialization, never by identity.
package table

import (
	"fmt"
	"sort"
	"time"

	"github.com/phenology/springtime/internal/geometry"
)

// JoinError reports inconsistent or duplicate (temporal key, geometry) rows
// within one source's table. Duplicates are a source bug and are surfaced,
// never silently deduplicated.
type JoinError struct {
	Key    string
	Reason string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join error at %s: %s", e.Key, e.Reason)
}

// TimeKey is the temporal half of a row key. Year is always set; Date is zero
// for yearly (resampled or collapsed) rows.
type TimeKey struct {
	Year int
	Date time.Time
}

// Yearly reports whether the key carries only a year.
func (k TimeKey) Yearly() bool {
	return k.Date.IsZero()
}

// String returns the canonical serialization used for row indexing.
func (k TimeKey) String() string {
	if k.Yearly() {
		return fmt.Sprintf("%04d", k.Year)
	}
	return k.Date.UTC().Format(time.RFC3339)
}

// DateKey builds a date-based temporal key.
func DateKey(date time.Time) TimeKey {
	return TimeKey{Year: date.Year(), Date: date}
}

// YearKey builds a year-based temporal key.
func YearKey(year int) TimeKey {
	return TimeKey{Year: year}
}

// Key uniquely identifies one row.
type Key struct {
	Time     TimeKey
	Geometry geometry.Point
}

func (k Key) String() string {
	return k.Time.String() + "|" + k.Geometry.WKT()
}

// Row is one record: a key plus the variable values present for it. Absent
// map entries are missing values, not zeros.
type Row struct {
	Key    Key
	Values map[string]float64
}

// Table is the canonical table. Column order is first-seen order; row
// iteration through Keys/SortedRows is deterministic.
type Table struct {
	columns []string
	colSet  map[string]bool
	rows    map[string]*Row
}

// New creates an empty table. Columns may be pre-declared to fix their order;
// further columns register in first-seen order as rows are added.
func New(columns ...string) *Table {
	t := &Table{
		colSet: make(map[string]bool),
		rows:   make(map[string]*Row),
	}
	for _, c := range columns {
		t.registerColumn(c)
	}
	return t
}

func (t *Table) registerColumn(name string) {
	if !t.colSet[name] {
		t.colSet[name] = true
		t.columns = append(t.columns, name)
	}
}

// Columns returns the column names in declaration order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// AddRow inserts a row. A second row with the same (temporal key, geometry)
// indicates a source bug and fails with a JoinError.
func (t *Table) AddRow(key Key, values map[string]float64) error {
	id := key.String()
	if _, exists := t.rows[id]; exists {
		return &JoinError{Key: id, Reason: "duplicate (time, geometry) row"}
	}
	copied := make(map[string]float64, len(values))
	for name, v := range values {
		t.registerColumn(name)
		copied[name] = v
	}
	t.rows[id] = &Row{Key: key, Values: copied}
	return nil
}

// Get returns the row for a key, if present.
func (t *Table) Get(key Key) (*Row, bool) {
	row, ok := t.rows[key.String()]
	return row, ok
}

// SortedRows returns all rows ordered by (year, date, geometry WKT).
func (t *Table) SortedRows() []*Row {
	rows := make([]*Row, 0, len(t.rows))
	for _, row := range t.rows {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].Key, rows[j].Key
		if a.Time.Year != b.Time.Year {
			return a.Time.Year < b.Time.Year
		}
		if !a.Time.Date.Equal(b.Time.Date) {
			return a.Time.Date.Before(b.Time.Date)
		}
		return a.Geometry.WKT() < b.Geometry.WKT()
	})
	return rows
}

// UniquePoints returns the distinct geometries in the table, ordered by WKT.
// Used to resolve deferred point sets of dependent datasets.
func (t *Table) UniquePoints() []geometry.Point {
	seen := make(map[string]geometry.Point)
	for _, row := range t.rows {
		seen[row.Key.Geometry.WKT()] = row.Key.Geometry
	}
	wkts := make([]string, 0, len(seen))
	for wkt := range seen {
		wkts = append(wkts, wkt)
	}
	sort.Strings(wkts)
	points := make([]geometry.Point, len(wkts))
	for i, wkt := range wkts {
		points[i] = seen[wkt]
	}
	return points
}

// RecordPoints returns the distinct (year, geometry) pairs in the table, for
// record-based extraction against gridded sources.
func (t *Table) RecordPoints() []geometry.RecordPoint {
	seen := make(map[string]geometry.RecordPoint)
	for _, row := range t.rows {
		rp := geometry.RecordPoint{Year: row.Key.Time.Year, Point: row.Key.Geometry}
		seen[fmt.Sprintf("%04d|%s", rp.Year, rp.Point.WKT())] = rp
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	records := make([]geometry.RecordPoint, len(ids))
	for i, id := range ids {
		records[i] = seen[id]
	}
	return records
}

// FilterYears keeps only rows whose year falls inside the range.
func (t *Table) FilterYears(years geometry.YearRange) *Table {
	out := New(t.columns...)
	for _, row := range t.rows {
		if years.Contains(row.Key.Time.Year) {
			out.rows[row.Key.String()] = row
		}
	}
	return out
}

// FilterArea keeps only rows whose geometry falls inside the bbox.
func (t *Table) FilterArea(area geometry.NamedArea) *Table {
	out := New(t.columns...)
	for _, row := range t.rows {
		if area.Contains(row.Key.Geometry) {
			out.rows[row.Key.String()] = row
		}
	}
	return out
}

// ToYearly collapses date-based temporal keys to plain years. A collision of
// two dates on the same (year, geometry) means the source should have been
// resampled first; it fails with a JoinError rather than deduplicating.
func (t *Table) ToYearly() (*Table, error) {
	out := New(t.columns...)
	for _, row := range t.rows {
		key := Key{Time: YearKey(row.Key.Time.Year), Geometry: row.Key.Geometry}
		if err := out.AddRow(key, row.Values); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DropNA removes rows that miss a value for any column of the table.
func (t *Table) DropNA() *Table {
	out := New(t.columns...)
	for _, row := range t.rows {
		complete := true
		for _, col := range t.columns {
			if _, ok := row.Values[col]; !ok {
				complete = false
				break
			}
		}
		if complete {
			out.rows[row.Key.String()] = row
		}
	}
	return out
}

// WithDerived returns a copy with longitude and/or latitude of the geometry
// added as regular feature columns.
func (t *Table) WithDerived(longitude, latitude bool) *Table {
	if !longitude && !latitude {
		return t
	}
	out := New(t.columns...)
	for _, row := range t.rows {
		values := make(map[string]float64, len(row.Values)+2)
		for name, v := range row.Values {
			values[name] = v
		}
		if longitude {
			values["longitude"] = row.Key.Geometry.X
		}
		if latitude {
			values["latitude"] = row.Key.Geometry.Y
		}
		if err := out.AddRow(row.Key, values); err != nil {
			// Rows come from a table that already enforced uniqueness.
			panic(err)
		}
	}
	return out
}

// RenameColumn renames a column in place. Missing columns are ignored.
func (t *Table) RenameColumn(from, to string) {
	if !t.colSet[from] || from == to {
		return
	}
	delete(t.colSet, from)
	t.colSet[to] = true
	for i, c := range t.columns {
		if c == from {
			t.columns[i] = to
		}
	}
	for _, row := range t.rows {
		if v, ok := row.Values[from]; ok {
			delete(row.Values, from)
			row.Values[to] = v
		}
	}
}

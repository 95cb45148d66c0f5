package table

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/phenology/springtime/internal/geometry"
)

func yearRow(t *testing.T, tbl *Table, year int, x, y float64, values map[string]float64) {
	t.Helper()
	key := Key{Time: YearKey(year), Geometry: geometry.Point{X: x, Y: y}}
	if err := tbl.AddRow(key, values); err != nil {
		t.Fatalf("AddRow failed: %v", err)
	}
}

func TestAddRow_DuplicateKey(t *testing.T) {
	tbl := New()
	key := Key{Time: YearKey(2000), Geometry: geometry.Point{X: 1, Y: 1}}
	if err := tbl.AddRow(key, map[string]float64{"doy": 100}); err != nil {
		t.Fatalf("AddRow failed: %v", err)
	}

	// Same coordinates in a fresh Point value must still collide: geometry is
	// compared by value, not identity.
	dup := Key{Time: YearKey(2000), Geometry: geometry.Point{X: 1, Y: 1}}
	err := tbl.AddRow(dup, map[string]float64{"doy": 101})
	if err == nil {
		t.Fatal("Expected error for duplicate key")
	}
	var jerr *JoinError
	if !errors.As(err, &jerr) {
		t.Errorf("Expected JoinError, got %T", err)
	}
}

func TestJoin_Scenario(t *testing.T) {
	climate := New()
	yearRow(t, climate, 2000, 1, 1, map[string]float64{"tmax": 10})

	obs := New()
	yearRow(t, obs, 2000, 1, 1, map[string]float64{"obs": 5})

	joined, err := Join(climate, obs)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if joined.Len() != 1 {
		t.Fatalf("Expected 1 row, got %d", joined.Len())
	}
	row, ok := joined.Get(Key{Time: YearKey(2000), Geometry: geometry.Point{X: 1, Y: 1}})
	if !ok {
		t.Fatal("Expected row for (2000, P1)")
	}
	want := map[string]float64{"tmax": 10, "obs": 5}
	if !reflect.DeepEqual(row.Values, want) {
		t.Errorf("Expected %v, got %v", want, row.Values)
	}
}

func TestJoin_Completeness(t *testing.T) {
	a := New()
	yearRow(t, a, 2000, 1, 1, map[string]float64{"tmax": 10})
	yearRow(t, a, 2001, 1, 1, map[string]float64{"tmax": 12})

	b := New()
	yearRow(t, b, 2000, 1, 1, map[string]float64{"obs": 5})
	yearRow(t, b, 2002, 2, 2, map[string]float64{"obs": 7})

	joined, err := Join(a, b)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	// Every key from any input appears exactly once.
	if joined.Len() != 3 {
		t.Fatalf("Expected 3 rows, got %d", joined.Len())
	}

	// Rows from one source only have the other source's columns missing, but
	// the row itself is present.
	row, ok := joined.Get(Key{Time: YearKey(2001), Geometry: geometry.Point{X: 1, Y: 1}})
	if !ok {
		t.Fatal("Expected (2001, P1) row to survive the outer join")
	}
	if _, present := row.Values["obs"]; present {
		t.Error("Expected obs to be missing for (2001, P1)")
	}
	if row.Values["tmax"] != 12 {
		t.Errorf("Expected tmax 12, got %v", row.Values["tmax"])
	}
}

func TestJoin_OrderIndependence(t *testing.T) {
	build := func() (*Table, *Table, *Table) {
		a := New()
		yearRow(t, a, 2000, 1, 1, map[string]float64{"a": 1})
		yearRow(t, a, 2001, 2, 2, map[string]float64{"a": 2})
		b := New()
		yearRow(t, b, 2000, 1, 1, map[string]float64{"b": 3})
		c := New()
		yearRow(t, c, 2002, 3, 3, map[string]float64{"c": 4})
		yearRow(t, c, 2000, 1, 1, map[string]float64{"c": 5})
		return a, b, c
	}

	a, b, c := build()
	abc, err := Join(a, b, c)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	a, b, c = build()
	cba, err := Join(c, b, a)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	a, b, c = build()
	// Associativity: join of a pre-joined pair with the third input.
	bc, err := Join(b, c)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	nested, err := Join(a, bc)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	for _, other := range []*Table{cba, nested} {
		if other.Len() != abc.Len() {
			t.Fatalf("Expected %d rows, got %d", abc.Len(), other.Len())
		}
		for _, row := range abc.SortedRows() {
			got, ok := other.Get(row.Key)
			if !ok {
				t.Fatalf("Missing row %s", row.Key)
			}
			if !reflect.DeepEqual(got.Values, row.Values) {
				t.Errorf("Row %s: expected %v, got %v", row.Key, row.Values, got.Values)
			}
		}
	}
}

func TestJoin_ColumnCollision(t *testing.T) {
	a := New()
	yearRow(t, a, 2000, 1, 1, map[string]float64{"doy": 100})
	b := New()
	yearRow(t, b, 2000, 2, 2, map[string]float64{"doy": 101})

	if _, err := Join(a, b); err == nil {
		t.Error("Expected error for ambiguous column name")
	}
}

func TestResample_MonthlyMean(t *testing.T) {
	tbl := New()
	p := geometry.Point{X: 1, Y: 1}
	dates := []struct {
		date  time.Time
		value float64
	}{
		{time.Date(2000, 1, 5, 0, 0, 0, 0, time.UTC), 10},
		{time.Date(2000, 1, 20, 0, 0, 0, 0, time.UTC), 20},
		{time.Date(2000, 2, 10, 0, 0, 0, 0, time.UTC), 5},
		{time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC), 7},
	}
	for _, d := range dates {
		key := Key{Time: DateKey(d.date), Geometry: p}
		if err := tbl.AddRow(key, map[string]float64{"tmean": d.value}); err != nil {
			t.Fatalf("AddRow failed: %v", err)
		}
	}

	out, err := tbl.Resample(ResampleConfig{Frequency: "month", Operator: "mean"})
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}

	if out.Len() != 2 {
		t.Fatalf("Expected 2 yearly rows, got %d", out.Len())
	}
	row2000, ok := out.Get(Key{Time: YearKey(2000), Geometry: p})
	if !ok {
		t.Fatal("Expected 2000 row")
	}
	if row2000.Values["tmean_1"] != 15 {
		t.Errorf("Expected January mean 15, got %v", row2000.Values["tmean_1"])
	}
	if row2000.Values["tmean_2"] != 5 {
		t.Errorf("Expected February mean 5, got %v", row2000.Values["tmean_2"])
	}
	row2001, ok := out.Get(Key{Time: YearKey(2001), Geometry: p})
	if !ok {
		t.Fatal("Expected 2001 row")
	}
	if row2001.Values["tmean_1"] != 7 {
		t.Errorf("Expected January mean 7, got %v", row2001.Values["tmean_1"])
	}
	// February column exists table-wide but is missing for 2001.
	if _, present := row2001.Values["tmean_2"]; present {
		t.Error("Expected tmean_2 missing for 2001")
	}
}

func TestResample_Operators(t *testing.T) {
	cases := []struct {
		operator string
		want     float64
	}{
		{"mean", 4},
		{"min", 1},
		{"max", 9},
		{"sum", 20},
		{"median", 3},
	}
	values := []float64{9, 1, 3, 2, 5} // unsorted on purpose

	for _, c := range cases {
		tbl := New()
		p := geometry.Point{X: 1, Y: 1}
		for i, v := range values {
			date := time.Date(2000, 3, i+1, 0, 0, 0, 0, time.UTC)
			key := Key{Time: DateKey(date), Geometry: p}
			if err := tbl.AddRow(key, map[string]float64{"v": v}); err != nil {
				t.Fatalf("AddRow failed: %v", err)
			}
		}
		out, err := tbl.Resample(ResampleConfig{Frequency: "month", Operator: c.operator})
		if err != nil {
			t.Fatalf("Resample %s failed: %v", c.operator, err)
		}
		row, ok := out.Get(Key{Time: YearKey(2000), Geometry: p})
		if !ok {
			t.Fatalf("Expected 2000 row for %s", c.operator)
		}
		if row.Values["v_3"] != c.want {
			t.Errorf("Operator %s: expected %v, got %v", c.operator, c.want, row.Values["v_3"])
		}
	}
}

func TestResample_RejectsUnknownConfig(t *testing.T) {
	tbl := New()
	if _, err := tbl.Resample(ResampleConfig{Frequency: "decade", Operator: "mean"}); err == nil {
		t.Error("Expected error for unknown frequency")
	}
	if _, err := tbl.Resample(ResampleConfig{Frequency: "month", Operator: "mode"}); err == nil {
		t.Error("Expected error for unknown operator")
	}
}

func TestToYearly_DuplicateCollapse(t *testing.T) {
	tbl := New()
	p := geometry.Point{X: 1, Y: 1}
	for day := 1; day <= 2; day++ {
		date := time.Date(2000, 1, day, 0, 0, 0, 0, time.UTC)
		key := Key{Time: DateKey(date), Geometry: p}
		if err := tbl.AddRow(key, map[string]float64{"v": float64(day)}); err != nil {
			t.Fatalf("AddRow failed: %v", err)
		}
	}

	_, err := tbl.ToYearly()
	if err == nil {
		t.Fatal("Expected error collapsing two dates onto one year")
	}
	var jerr *JoinError
	if !errors.As(err, &jerr) {
		t.Errorf("Expected JoinError, got %T", err)
	}
}

func TestFilterYearsAndArea(t *testing.T) {
	tbl := New()
	yearRow(t, tbl, 1999, 5, 47, map[string]float64{"v": 1})
	yearRow(t, tbl, 2000, 5, 47, map[string]float64{"v": 2})
	yearRow(t, tbl, 2000, 20, 47, map[string]float64{"v": 3})

	years, _ := geometry.NewYearRange(2000, 2001)
	byYear := tbl.FilterYears(years)
	if byYear.Len() != 2 {
		t.Errorf("Expected 2 rows after year filter, got %d", byYear.Len())
	}

	area, _ := geometry.NewNamedArea("west", geometry.Bbox{XMin: 0, YMin: 40, XMax: 10, YMax: 50})
	byArea := byYear.FilterArea(area)
	if byArea.Len() != 1 {
		t.Errorf("Expected 1 row after area filter, got %d", byArea.Len())
	}
}

func TestDropNAAndDerived(t *testing.T) {
	a := New()
	yearRow(t, a, 2000, 5, 47, map[string]float64{"tmax": 10})
	b := New()
	yearRow(t, b, 2000, 5, 47, map[string]float64{"obs": 1})
	yearRow(t, b, 2001, 5, 47, map[string]float64{"obs": 2})

	joined, err := Join(a, b)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	complete := joined.DropNA()
	if complete.Len() != 1 {
		t.Fatalf("Expected 1 complete row, got %d", complete.Len())
	}

	derived := complete.WithDerived(true, true)
	row := derived.SortedRows()[0]
	if row.Values["longitude"] != 5 || row.Values["latitude"] != 47 {
		t.Errorf("Unexpected derived coordinates: %v", row.Values)
	}
}

func TestUniquePointsAndRecords(t *testing.T) {
	tbl := New()
	yearRow(t, tbl, 2000, 1, 1, map[string]float64{"v": 1})
	yearRow(t, tbl, 2001, 1, 1, map[string]float64{"v": 2})
	yearRow(t, tbl, 2000, 2, 2, map[string]float64{"v": 3})

	points := tbl.UniquePoints()
	if len(points) != 2 {
		t.Fatalf("Expected 2 unique points, got %d", len(points))
	}

	records := tbl.RecordPoints()
	if len(records) != 3 {
		t.Fatalf("Expected 3 record points, got %d", len(records))
	}
}

package cube

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/phenology/springtime/internal/geometry"
	"github.com/phenology/springtime/internal/table"
)

// halfDegreeCube builds a 0.5-degree grid from 8.0 to 12.0 on both axes with
// value = lon*1000 + lat at every cell.
func halfDegreeCube(t *testing.T, times ...time.Time) *Cube {
	t.Helper()
	var axis []float64
	for v := 8.0; v <= 12.0; v += 0.5 {
		axis = append(axis, v)
	}
	c, err := New(axis, axis, times, "v")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for ti := range times {
		for lai, lat := range axis {
			for loi, lon := range axis {
				c.Set("v", ti, lai, loi, lon*1000+lat)
			}
		}
	}
	return c
}

func TestExtract_NearestNeighbor(t *testing.T) {
	ts := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	c := halfDegreeCube(t, ts)

	p := geometry.Point{X: 10.2, Y: 10.2}
	// Repeated calls must resolve to the same nearest node.
	for i := 0; i < 3; i++ {
		tbl, err := c.Extract([]geometry.Point{p})
		if err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
		row, ok := tbl.Get(table.Key{Time: table.DateKey(ts), Geometry: p})
		if !ok {
			t.Fatal("Expected row for requested point")
		}
		// (10.2, 10.2) is nearest to grid node (10.0, 10.0).
		if row.Values["v"] != 10000+10 {
			t.Errorf("Expected value from node (10, 10), got %v", row.Values["v"])
		}
	}
}

func TestNearestIndex_TieBreak(t *testing.T) {
	axis := []float64{8, 8.5, 9}
	// 8.25 is equidistant from 8.0 and 8.5; the lower coordinate wins.
	if got := NearestIndex(axis, 8.25); got != 0 {
		t.Errorf("Expected tie to resolve to index 0 (lower coordinate), got %d", got)
	}
	if got := NearestIndex(axis, 8.26); got != 1 {
		t.Errorf("Expected index 1, got %d", got)
	}
	if got := NearestIndex(axis, -40); got != 0 {
		t.Errorf("Expected clamping to first node, got %d", got)
	}
	if got := NearestIndex(axis, 40); got != 2 {
		t.Errorf("Expected clamping to last node, got %d", got)
	}
}

func TestCrop(t *testing.T) {
	ts := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	c := halfDegreeCube(t, ts)

	area, err := geometry.NewNamedArea("patch", geometry.Bbox{XMin: 9, YMin: 10, XMax: 10, YMax: 11})
	if err != nil {
		t.Fatal(err)
	}
	cropped := c.Crop(area)

	if len(cropped.Lons) != 3 { // 9.0 9.5 10.0
		t.Errorf("Expected 3 lon nodes, got %v", cropped.Lons)
	}
	if len(cropped.Lats) != 3 { // 10.0 10.5 11.0
		t.Errorf("Expected 3 lat nodes, got %v", cropped.Lats)
	}
	if cropped.At("v", 0, 0, 0) != 9000+10 {
		t.Errorf("Unexpected corner value %v", cropped.At("v", 0, 0, 0))
	}
}

func TestSliceYears(t *testing.T) {
	times := []time.Time{
		time.Date(1999, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2000, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2001, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	c := halfDegreeCube(t, times...)

	years, _ := geometry.NewYearRange(2000, 2000)
	sliced := c.SliceYears(years)
	if len(sliced.Times) != 1 || sliced.Times[0].Year() != 2000 {
		t.Errorf("Expected only year 2000, got %v", sliced.Times)
	}
	if sliced.At("v", 0, 0, 0) != 8000+8 {
		t.Errorf("Unexpected value after slicing: %v", sliced.At("v", 0, 0, 0))
	}
}

func TestExtractRecords_JoinsOnYear(t *testing.T) {
	times := []time.Time{
		time.Date(2000, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2001, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	c := halfDegreeCube(t, times...)

	records := []geometry.RecordPoint{
		{Year: 2000, Point: geometry.Point{X: 9, Y: 9}},
		{Year: 2001, Point: geometry.Point{X: 11, Y: 11}},
	}
	tbl, err := c.ExtractRecords(records)
	if err != nil {
		t.Fatalf("ExtractRecords failed: %v", err)
	}

	if tbl.Len() != 2 {
		t.Fatalf("Expected 2 rows (one per record year), got %d", tbl.Len())
	}
	if _, ok := tbl.Get(table.Key{Time: table.DateKey(times[1]), Geometry: records[0].Point}); ok {
		t.Error("Point tied to 2000 must not pick up 2001 time steps")
	}
}

func TestCSV_RoundTrip(t *testing.T) {
	ts := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	c := halfDegreeCube(t, ts)

	var buf bytes.Buffer
	if err := c.Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	back, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(back.Lons) != len(c.Lons) || len(back.Times) != 1 {
		t.Fatal("Axes did not survive the round trip")
	}
	if back.At("v", 0, 2, 3) != c.At("v", 0, 2, 3) {
		t.Errorf("Expected %v, got %v", c.At("v", 0, 2, 3), back.At("v", 0, 2, 3))
	}
}

func TestRead_Malformed(t *testing.T) {
	cases := []string{
		"lat,lon,time,v\n",
		"time,latitude,longitude,v\nnot-a-time,8,8,1\n",
		"time,latitude,longitude,v\n2000-01-01,abc,8,1\n",
		"time,latitude,longitude,v\n2000-01-01,8,8,xyz\n",
	}
	for _, raw := range cases {
		if _, err := Read(strings.NewReader(raw)); err == nil {
			t.Errorf("Expected parse error for %q", raw)
		}
	}
}

func TestMerge_PeriodsAndVariables(t *testing.T) {
	t1 := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	a := halfDegreeCube(t, t1)
	b := halfDegreeCube(t, t2)

	merged, err := a.Merge(b)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if len(merged.Times) != 2 {
		t.Fatalf("Expected 2 time steps, got %d", len(merged.Times))
	}

	other, err := New(a.Lons, a.Lats, []time.Time{t1}, "w")
	if err != nil {
		t.Fatal(err)
	}
	other.Set("w", 0, 0, 0, 42)
	merged, err = merged.Merge(other)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if got := merged.Variables(); len(got) != 2 {
		t.Fatalf("Expected variables [v w], got %v", got)
	}
	if merged.At("w", 0, 0, 0) != 42 {
		t.Errorf("Expected merged variable value 42, got %v", merged.At("w", 0, 0, 0))
	}

	mismatched, _ := New([]float64{1, 2}, []float64{1, 2}, nil, "v")
	if _, err := merged.Merge(mismatched); err == nil {
		t.Error("Expected error merging different spatial grids")
	}
}

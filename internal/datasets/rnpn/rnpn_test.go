package rnpn

import (
	"context"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/phenology/springtime/internal/config"
	"github.com/phenology/springtime/internal/dataset"
	"github.com/phenology/springtime/internal/fetch"
	"github.com/phenology/springtime/internal/geometry"
	"github.com/phenology/springtime/internal/table"
)

const header = "site_id,longitude,latitude,first_yes_year,first_yes_doy,last_yes_year,last_yes_doy\n"

func perYearCSV(year int) string {
	y := map[int]string{
		2010: header +
			"101,-100.0,40.0,2010,95,2010,120\n" +
			"101,-100.0,40.0,2010,105,2010,130\n" +
			"101,-100.0,40.0,2010,85,2010,110\n" +
			"102,-90.0,35.0,2010,-9999,2010,100\n" +
			"103,-80.0,30.0,2009,80,2009,90\n",
		2011: header +
			"101,-100.0,40.0,2011,99,2011,125\n",
	}
	return y[year]
}

func newInstance(t *testing.T, fetcher fetch.Fetcher) *RNPN {
	t.Helper()
	d := New()
	d.SpeciesIDs = &NamedIdentifiers{Name: "Red maple", Items: []int{3}}
	d.PhenophaseIDs = NamedIdentifiers{Name: "Leaves", Items: []int{483}}
	d.YearsRange = geometry.YearRange{Start: 2010, End: 2011}
	dir := t.TempDir()
	d.Bind(&dataset.Runtime{
		Config: &config.Config{
			CacheDir:      filepath.Join(dir, "cache"),
			OutputRootDir: filepath.Join(dir, "output"),
		},
		Fetcher: fetcher,
	})
	if err := d.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	return d
}

func yearFetcher(t *testing.T, calls *[]string) fetch.Fetcher {
	return fetch.Func(func(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
		u, err := url.Parse(req.URL)
		if err != nil {
			t.Fatalf("bad request URL: %v", err)
		}
		start := u.Query().Get("start_date")
		*calls = append(*calls, start)
		year, err := strconv.Atoi(strings.SplitN(start, "-", 2)[0])
		if err != nil {
			t.Fatalf("bad start_date %q", start)
		}
		return &fetch.Response{Status: 200, Body: []byte(perYearCSV(year))}, nil
	})
}

func TestLoadAggregatesPerSite(t *testing.T) {
	var calls []string
	d := newInstance(t, yearFetcher(t, &calls))

	out, err := d.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected one request per year, got %d", len(calls))
	}

	// Site 101 reports three first-yes dates in 2010; the default operator
	// is the median. The -9999 sentinel and the 2009 spillover row drop out.
	if out.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", out.Len())
	}
	p, _ := geometry.NewPoint(-100.0, 40.0)
	row, ok := out.Get(table.Key{Time: table.YearKey(2010), Geometry: p})
	if !ok {
		t.Fatal("expected a row for site 101 in 2010")
	}
	if row.Values["leaves_doy"] != 95 {
		t.Errorf("expected median doy 95, got %v", row.Values["leaves_doy"])
	}
	row, ok = out.Get(table.Key{Time: table.YearKey(2011), Geometry: p})
	if !ok {
		t.Fatal("expected a row for site 101 in 2011")
	}
	if row.Values["leaves_doy"] != 99 {
		t.Errorf("expected doy 99, got %v", row.Values["leaves_doy"])
	}
}

func TestLoadLastYes(t *testing.T) {
	var calls []string
	d := newInstance(t, yearFetcher(t, &calls))
	d.UseFirst = false
	d.Operator = "max"

	out, err := d.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	p102, _ := geometry.NewPoint(-90.0, 35.0)
	row, ok := out.Get(table.Key{Time: table.YearKey(2010), Geometry: p102})
	if !ok {
		t.Fatal("expected a row for site 102 in 2010")
	}
	// last_yes_doy is valid for site 102 even though first_yes_doy is missing.
	if row.Values["leaves_doy"] != 100 {
		t.Errorf("expected doy 100, got %v", row.Values["leaves_doy"])
	}
	p101, _ := geometry.NewPoint(-100.0, 40.0)
	row, _ = out.Get(table.Key{Time: table.YearKey(2010), Geometry: p101})
	if row.Values["leaves_doy"] != 130 {
		t.Errorf("expected max doy 130, got %v", row.Values["leaves_doy"])
	}
}

func TestDownloadCachesPerYear(t *testing.T) {
	var calls []string
	d := newInstance(t, yearFetcher(t, &calls))

	ctx := context.Background()
	if err := d.Download(ctx); err != nil {
		t.Fatalf("unexpected download error: %v", err)
	}
	if err := d.Download(ctx); err != nil {
		t.Fatalf("unexpected download error: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected cached years to be skipped, got %d requests", len(calls))
	}
}

func TestCachePathNames(t *testing.T) {
	d := newInstance(t, nil)
	path := d.cachePath(2010)
	base := filepath.Base(path)
	want := "rnpn_npn_data_y_2010_red_maple_leaves.csv"
	if base != want {
		t.Errorf("expected cache file %q, got %q", want, base)
	}

	d.Area = &geometry.NamedArea{Name: "New England", Bbox: geometry.Bbox{XMin: -74, YMin: 40, XMax: -66, YMax: 48}}
	base = filepath.Base(d.cachePath(2010))
	want = "rnpn_npn_data_y_2010_red_maple_leaves_new_england.csv"
	if base != want {
		t.Errorf("expected cache file %q, got %q", want, base)
	}
}

func TestValidateOperator(t *testing.T) {
	d := newInstance(t, nil)
	d.Operator = "mode"
	if err := d.Validate(); err == nil {
		t.Error("expected an error for an unsupported operator")
	}
}

package pep725

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/phenology/springtime/internal/config"
	"github.com/phenology/springtime/internal/dataset"
	"github.com/phenology/springtime/internal/fetch"
	"github.com/phenology/springtime/internal/geometry"
	"github.com/phenology/springtime/internal/table"
)

const sampleCSV = `station,year,day,bbch,lon,lat
S1,2000,110,60,5.0,50.0
S1,2000,130,65,5.0,50.0
S2,2000,115,60,6.0,51.0
S2,2001,118,60,6.0,51.0
S3,2000,90,60,25.0,60.0
`

func newRuntime(t *testing.T, fetcher fetch.Fetcher) *dataset.Runtime {
	t.Helper()
	dir := t.TempDir()
	credsPath := filepath.Join(dir, "pep725.json")
	if err := os.WriteFile(credsPath, []byte(`{"username":"me@example.com","password":"secret"}`), 0o600); err != nil {
		t.Fatalf("failed to write credentials: %v", err)
	}
	return &dataset.Runtime{
		Config: &config.Config{
			CacheDir:        filepath.Join(dir, "cache"),
			OutputRootDir:   filepath.Join(dir, "output"),
			CredentialsFile: credsPath,
		},
		Fetcher: fetcher,
	}
}

func TestDownloadAndLoad(t *testing.T) {
	calls := 0
	var gotForm url.Values
	fetcher := fetch.Func(func(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
		calls++
		form, err := url.ParseQuery(string(req.Body))
		if err != nil {
			t.Fatalf("failed to parse form body: %v", err)
		}
		gotForm = form
		return &fetch.Response{Status: 200, Body: []byte(sampleCSV)}, nil
	})

	d := New()
	d.Species = "Syringa vulgaris"
	d.YearsRange = geometry.YearRange{Start: 2000, End: 2001}
	d.Bind(newRuntime(t, fetcher))
	if err := d.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	out, err := d.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 download, got %d", calls)
	}
	if gotForm.Get("species") != "Syringa vulgaris" {
		t.Errorf("expected species in form, got %q", gotForm.Get("species"))
	}
	if gotForm.Get("email") != "me@example.com" || gotForm.Get("pwd") != "secret" {
		t.Error("expected credentials from the credentials file in the form")
	}

	// Phenophase 60 rows inside the year range: S1/2000, S2/2000, S2/2001,
	// S3/2000. The bbch 65 row is filtered out.
	if out.Len() != 4 {
		t.Fatalf("expected 4 rows, got %d", out.Len())
	}
	p1, _ := geometry.NewPoint(5.0, 50.0)
	row, ok := out.Get(table.Key{Time: table.YearKey(2000), Geometry: p1})
	if !ok {
		t.Fatal("expected a row for (2000, POINT (5 50))")
	}
	if row.Values["doy_60"] != 110 {
		t.Errorf("expected doy_60=110, got %v", row.Values["doy_60"])
	}
}

func TestLoadUsesCache(t *testing.T) {
	calls := 0
	fetcher := fetch.Func(func(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
		calls++
		return &fetch.Response{Status: 200, Body: []byte(sampleCSV)}, nil
	})

	d := New()
	d.Species = "Syringa vulgaris"
	d.YearsRange = geometry.YearRange{Start: 2000, End: 2001}
	d.Bind(newRuntime(t, fetcher))

	ctx := context.Background()
	if err := d.Download(ctx); err != nil {
		t.Fatalf("unexpected download error: %v", err)
	}
	if err := d.Download(ctx); err != nil {
		t.Fatalf("unexpected download error: %v", err)
	}
	if _, err := d.Load(ctx); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single download for a fresh cache, got %d", calls)
	}
}

func TestAreaFilter(t *testing.T) {
	fetcher := fetch.Func(func(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
		return &fetch.Response{Status: 200, Body: []byte(sampleCSV)}, nil
	})

	d := New()
	d.Species = "Syringa vulgaris"
	d.YearsRange = geometry.YearRange{Start: 2000, End: 2001}
	d.Area = &geometry.NamedArea{
		Name: "benelux",
		Bbox: geometry.Bbox{XMin: 3, YMin: 49, XMax: 8, YMax: 54},
	}
	d.Bind(newRuntime(t, fetcher))

	out, err := d.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	// S3 at (25, 60) falls outside the box.
	if out.Len() != 3 {
		t.Fatalf("expected 3 rows inside the area, got %d", out.Len())
	}
}

func TestLoadMalformedCache(t *testing.T) {
	fetcher := fetch.Func(func(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
		return &fetch.Response{Status: 200, Body: []byte("station,year\nS1,2000\n")}, nil
	})

	d := New()
	d.Species = "Syringa vulgaris"
	d.YearsRange = geometry.YearRange{Start: 2000, End: 2001}
	d.Bind(newRuntime(t, fetcher))

	_, err := d.Load(context.Background())
	var formatErr *dataset.FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	d := New()
	d.YearsRange = geometry.YearRange{Start: 2000, End: 2001}
	if err := d.Validate(); err == nil {
		t.Error("expected an error for a missing species")
	}

	d.Species = "Syringa vulgaris"
	d.YearsRange = geometry.YearRange{Start: 2001, End: 2000}
	if err := d.Validate(); err == nil {
		t.Error("expected an error for inverted years")
	}
}

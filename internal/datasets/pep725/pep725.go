// Package pep725 downloads and loads observations from PEP725, the
// Pan-European Phenology network (http://www.pep725.eu). Access requires
// credentials, which are read from the configured credentials file and never
// embedded in recipes or cache filenames.
package pep725

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/phenology/springtime/internal/dataset"
	"github.com/phenology/springtime/internal/fetch"
	"github.com/phenology/springtime/internal/geometry"
	"github.com/phenology/springtime/internal/logger"
	"github.com/phenology/springtime/internal/table"
)

const (
	// Kind is the recipe discriminant.
	Kind = "pep725"

	baseURL = "http://www.pep725.eu/data_download/data_selection.php"
)

func init() {
	dataset.Register(Kind, func() dataset.Dataset { return New() })
}

// PEP725 downloads one species' full observation record and filters it to a
// phenophase, year range and area at load time.
type PEP725 struct {
	// Species is the full species name, e.g. "Syringa vulgaris".
	Species string `yaml:"species" validate:"required"`
	// Phenophase is the phenological development stage on the BBCH scale.
	// Default 60: beginning of flowering.
	Phenophase int `yaml:"phenophase" validate:"gt=0"`

	YearsRange geometry.YearRange    `yaml:"years"`
	Area       *geometry.NamedArea   `yaml:"area,omitempty"`
	ResampleBy *table.ResampleConfig `yaml:"resample,omitempty"`

	rt *dataset.Runtime
}

// New returns an instance with the source defaults.
func New() *PEP725 {
	return &PEP725{Phenophase: 60}
}

func (d *PEP725) Kind() string                     { return Kind }
func (d *PEP725) Years() geometry.YearRange        { return d.YearsRange }
func (d *PEP725) Resample() *table.ResampleConfig  { return d.ResampleBy }
func (d *PEP725) PointsSpec() *geometry.PointsSpec { return nil }
func (d *PEP725) Bind(rt *dataset.Runtime)         { d.rt = rt }

// Validate checks the instance's configuration.
func (d *PEP725) Validate() error {
	if err := dataset.ValidateStruct(d); err != nil {
		return err
	}
	if err := d.YearsRange.Validate(); err != nil {
		return err
	}
	if d.Area != nil {
		return d.Area.Validate()
	}
	return nil
}

// cachePath is a pure function of the species: PEP725 exports the full record
// per species, so all instances for one species share a cache entry.
func (d *PEP725) cachePath() string {
	slug := strings.ReplaceAll(strings.ToLower(d.Species), " ", "_")
	return dataset.CachePath(d.rt.Config.CacheDir, "pep725", slug+".csv")
}

// Download fetches the species export if it is not cached yet.
func (d *PEP725) Download(ctx context.Context) error {
	path := d.cachePath()
	if dataset.CacheFresh(path, d.rt.Config.ForceOverride) {
		logger.Debug("Found %s", path)
		return nil
	}

	creds, err := dataset.LoadCredentials(d.rt.Config.CredentialsFile)
	if err != nil {
		return err
	}

	logger.Info("Downloading PEP725 species %q to %s", d.Species, path)
	form := url.Values{}
	form.Set("email", creds.Username)
	form.Set("pwd", creds.Password)
	form.Set("species", d.Species)

	resp, err := d.rt.Fetcher.Fetch(ctx, fetch.Request{
		Method: http.MethodPost,
		URL:    baseURL,
		Header: http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}},
		Body:   []byte(form.Encode()),
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := os.WriteFile(path, resp.Body, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Load reads the cached export and returns the canonical (year, geometry)
// table with a single day-of-year column for the selected phenophase.
func (d *PEP725) Load(ctx context.Context) (*table.Table, error) {
	path := d.cachePath()
	if !dataset.CacheFresh(path, false) {
		if err := d.Download(ctx); err != nil {
			return nil, err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &dataset.MissingDataError{Path: path}
	}
	defer f.Close()

	out, err := d.parse(f)
	if err != nil {
		return nil, &dataset.FormatError{Path: path, Err: err}
	}
	return out, nil
}

func (d *PEP725) parse(r io.Reader) (*table.Table, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"year", "day", "bbch", "lon", "lat"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	varName := fmt.Sprintf("doy_%d", d.Phenophase)
	out := table.New(varName)
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		bbch, err := strconv.Atoi(record[col["bbch"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: bad bbch %q", line, record[col["bbch"]])
		}
		if bbch != d.Phenophase {
			continue
		}
		year, err := strconv.Atoi(record[col["year"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: bad year %q", line, record[col["year"]])
		}
		if !d.YearsRange.Contains(year) {
			continue
		}
		lon, err := strconv.ParseFloat(record[col["lon"]], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad lon %q", line, record[col["lon"]])
		}
		lat, err := strconv.ParseFloat(record[col["lat"]], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad lat %q", line, record[col["lat"]])
		}
		point, err := geometry.NewPoint(lon, lat)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if d.Area != nil && !d.Area.Contains(point) {
			continue
		}
		day, err := strconv.ParseFloat(record[col["day"]], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad day %q", line, record[col["day"]])
		}

		key := table.Key{Time: table.YearKey(year), Geometry: point}
		if err := out.AddRow(key, map[string]float64{varName: day}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

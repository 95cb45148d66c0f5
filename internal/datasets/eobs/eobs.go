// Package eobs downloads and loads the E-OBS gridded European climate
// archive. The archive publishes one grid file per (variable, period); loading
// stitches the matching files into a single cube and extracts the configured
// area or points.
package eobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/phenology/springtime/internal/cube"
	"github.com/phenology/springtime/internal/dataset"
	"github.com/phenology/springtime/internal/fetch"
	"github.com/phenology/springtime/internal/geometry"
	"github.com/phenology/springtime/internal/logger"
	"github.com/phenology/springtime/internal/table"
)

const (
	// Kind is the recipe discriminant.
	Kind = "eobs"

	archiveRoot = "https://knmi-ecad-assets-prd.s3.amazonaws.com/ensembles/data/"

	// Archive coverage for version 26.0e.
	firstYear = 1950
	lastYear  = 2022
)

func init() {
	dataset.Register(Kind, func() dataset.Dataset { return New() })
}

// shortVars maps the long variable names used in recipes to the abbreviations
// used in archive filenames and grid file headers.
var shortVars = map[string]string{
	"maximum_temperature":                     "tx",
	"mean_temperature":                        "tg",
	"minimum_temperature":                     "tn",
	"precipitation_amount":                    "rr",
	"relative_humidity":                       "hu",
	"sea_level_pressure":                      "pp",
	"surface_shortwave_downwelling_radiation": "qq",
	"wind_speed":                              "fg",
	"land_surface_elevation":                  "elevation",
}

// period is one archive chunk, years inclusive on both ends.
type period struct {
	start, end int
}

func (p period) String() string { return fmt.Sprintf("%d-%d", p.start, p.end) }

var periods = []period{
	{1950, 1964},
	{1965, 1979},
	{1980, 1994},
	{1995, 2010},
	{2011, 2022},
}

// EOBS loads gridded climate variables. Without points or an area the full
// grid is returned; with an area the grid is cropped; with points the nearest
// grid cell per point is extracted.
type EOBS struct {
	// ProductType is ensemble_mean, ensemble_spread or elevation.
	ProductType string `yaml:"product_type" validate:"oneof=ensemble_mean ensemble_spread elevation"`
	// Variables to download. Elevation products only carry
	// land_surface_elevation.
	Variables []string `yaml:"variables" validate:"required,min=1"`
	// GridResolution is "0.25deg" or "0.1deg".
	GridResolution string `yaml:"grid_resolution" validate:"oneof=0.25deg 0.1deg"`
	Version        string `yaml:"version"`

	YearsRange geometry.YearRange    `yaml:"years"`
	Points     geometry.PointsSpec   `yaml:"points,omitempty"`
	Area       *geometry.NamedArea   `yaml:"area,omitempty"`
	ResampleBy *table.ResampleConfig `yaml:"resample,omitempty"`

	rt *dataset.Runtime
}

// New returns an instance with the archive defaults.
func New() *EOBS {
	return &EOBS{
		ProductType:    "ensemble_mean",
		Variables:      []string{"mean_temperature"},
		GridResolution: "0.1deg",
		Version:        "26.0e",
	}
}

func (d *EOBS) Kind() string                    { return Kind }
func (d *EOBS) Years() geometry.YearRange       { return d.YearsRange }
func (d *EOBS) Resample() *table.ResampleConfig { return d.ResampleBy }

func (d *EOBS) PointsSpec() *geometry.PointsSpec {
	if d.Points.IsZero() {
		return nil
	}
	return &d.Points
}

func (d *EOBS) Bind(rt *dataset.Runtime) { d.rt = rt }

// Validate checks the instance's configuration against the archive span.
func (d *EOBS) Validate() error {
	if err := dataset.ValidateStruct(d); err != nil {
		return err
	}
	if err := d.YearsRange.Validate(); err != nil {
		return err
	}
	if d.YearsRange.Start < firstYear {
		return &geometry.ValidationError{Field: "years", Reason: fmt.Sprintf("no data before %d, asked for %d", firstYear, d.YearsRange.Start)}
	}
	if d.YearsRange.End > lastYear {
		return &geometry.ValidationError{Field: "years", Reason: fmt.Sprintf("no data after %d, asked for %d", lastYear, d.YearsRange.End)}
	}
	for _, v := range d.Variables {
		if _, ok := shortVars[v]; !ok {
			return &geometry.ValidationError{Field: "variables", Reason: fmt.Sprintf("unknown variable %q", v)}
		}
	}
	if d.Area != nil {
		return d.Area.Validate()
	}
	return nil
}

// matchedPeriods returns the archive chunks overlapping the year range.
func (d *EOBS) matchedPeriods() []period {
	var out []period
	for _, p := range periods {
		if d.YearsRange.Start <= p.end && d.YearsRange.End >= p.start {
			out = append(out, p)
		}
	}
	return out
}

func (d *EOBS) filename(variable string, p period) string {
	short := shortVars[variable]
	switch d.ProductType {
	case "ensemble_mean":
		return fmt.Sprintf("%s_ens_mean_%s_reg_%s_v%s.csv", short, d.GridResolution, p, d.Version)
	case "ensemble_spread":
		return fmt.Sprintf("%s_ens_spread_%s_reg_%s_v%s.csv", short, d.GridResolution, p, d.Version)
	}
	// The elevation grid is time-invariant and published as one file.
	return fmt.Sprintf("elev_ens_%s_reg_v%s.csv", d.GridResolution, d.Version)
}

func (d *EOBS) url(variable string, p period) string {
	return fmt.Sprintf("%sGrid_%s_reg_ensemble/%s", archiveRoot, d.GridResolution, d.filename(variable, p))
}

func (d *EOBS) path(variable string, p period) string {
	return dataset.CachePath(d.rt.Config.CacheDir, "e-obs", d.filename(variable, p))
}

type gridFile struct {
	variable string
	p        period
}

// files enumerates the (variable, period) product set, deduplicated. The
// elevation product collapses to one file regardless of period.
func (d *EOBS) files() []gridFile {
	var out []gridFile
	seen := make(map[string]bool)
	for _, v := range d.Variables {
		for _, p := range d.matchedPeriods() {
			name := d.filename(v, p)
			if seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, gridFile{variable: v, p: p})
		}
	}
	return out
}

// Download fetches each matching grid file unless already cached.
func (d *EOBS) Download(ctx context.Context) error {
	for _, f := range d.files() {
		path := d.path(f.variable, f.p)
		if dataset.CacheFresh(path, d.rt.Config.ForceOverride) {
			logger.Debug("Found %s", path)
			continue
		}
		url := d.url(f.variable, f.p)
		logger.Info("Downloading E-OBS %s for %s to %s", f.variable, f.p, path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create cache directory: %w", err)
		}
		if err := fetch.Download(ctx, d.rt.Fetcher, url, path); err != nil {
			return err
		}
	}
	return nil
}

// Load merges the cached grid files and extracts the configured selection.
func (d *EOBS) Load(ctx context.Context) (*table.Table, error) {
	if err := d.Download(ctx); err != nil {
		return nil, err
	}

	var merged *cube.Cube
	for _, f := range d.files() {
		path := d.path(f.variable, f.p)
		c, err := readGrid(path)
		if err != nil {
			return nil, err
		}
		if merged == nil {
			merged = c
			continue
		}
		merged, err = merged.Merge(c)
		if err != nil {
			return nil, &dataset.FormatError{Path: path, Err: err}
		}
	}
	if merged == nil {
		return nil, &dataset.MissingDataError{Path: dataset.CachePath(d.rt.Config.CacheDir, "e-obs", "")}
	}

	merged = merged.SliceYears(d.YearsRange)
	if d.Area != nil {
		merged = merged.Crop(*d.Area)
	}

	out, err := d.extract(merged)
	if err != nil {
		return nil, err
	}
	// Grid headers use short names; recipes and outputs use long names.
	for long, short := range shortVars {
		out.RenameColumn(short, long)
	}
	return out, nil
}

func (d *EOBS) extract(c *cube.Cube) (*table.Table, error) {
	if d.Points.IsZero() {
		return c.Table()
	}
	if other := d.Points.FromOther; other != nil {
		records, err := other.Records()
		if err != nil {
			return nil, err
		}
		return c.ExtractRecords(records)
	}
	return c.Extract(d.Points.Explicit)
}

func readGrid(path string) (*cube.Cube, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &dataset.MissingDataError{Path: path}
	}
	defer f.Close()
	c, err := cube.Read(f)
	if err != nil {
		return nil, &dataset.FormatError{Path: path, Err: err}
	}
	return c, nil
}

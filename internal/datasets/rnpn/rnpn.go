// Package rnpn downloads and loads observations from the USA National
// Phenology Network (https://www.usanpn.org). Access is anonymous; data is
// requested one calendar year at a time and cached per year.
package rnpn

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
	Kind = "rnpn"

	baseURL = "https://services.usanpn.org/npn_portal/observations/getSummarizedData.json"

	// The NPN portal encodes missing day-of-year values as -9999.
	missingSentinel = -9999
)

func init() {
	dataset.Register(Kind, func() dataset.Dataset { return New() })
}

// NamedIdentifiers pairs a human-readable name with NPN identifiers. The name
// ends up in cache filenames and output column names, the identifiers in
// request parameters.
type NamedIdentifiers struct {
	Name  string `yaml:"name" validate:"required"`
	Items []int  `yaml:"items" validate:"required,min=1"`
}

func (n NamedIdentifiers) slug() string {
	return strings.ReplaceAll(strings.ToLower(n.Name), " ", "_")
}

func (n NamedIdentifiers) query() string {
	parts := make([]string, len(n.Items))
	for i, id := range n.Items {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// RNPN downloads summarized phenometric observations per year and aggregates
// them to one value per (year, site).
type RNPN struct {
	// SpeciesIDs restricts the request to a set of species. Nil means all
	// species.
	SpeciesIDs *NamedIdentifiers `yaml:"species_ids,omitempty"`
	// PhenophaseIDs selects the phenophases to observe.
	PhenophaseIDs NamedIdentifiers `yaml:"phenophase_ids"`

	YearsRange geometry.YearRange    `yaml:"years"`
	Area       *geometry.NamedArea   `yaml:"area,omitempty"`
	ResampleBy *table.ResampleConfig `yaml:"resample,omitempty"`

	// UseFirst selects the first-yes date; false selects the last-yes date.
	UseFirst bool `yaml:"use_first"`
	// Operator aggregates multiple observations at one site within a year.
	Operator string `yaml:"aggregation_operator"`

	rt *dataset.Runtime
}

// New returns an instance with the source defaults.
func New() *RNPN {
	return &RNPN{UseFirst: true, Operator: "median"}
}

func (d *RNPN) Kind() string                     { return Kind }
func (d *RNPN) Years() geometry.YearRange        { return d.YearsRange }
func (d *RNPN) Resample() *table.ResampleConfig  { return d.ResampleBy }
func (d *RNPN) PointsSpec() *geometry.PointsSpec { return nil }
func (d *RNPN) Bind(rt *dataset.Runtime)         { d.rt = rt }

// Validate checks the instance's configuration.
func (d *RNPN) Validate() error {
	if err := dataset.ValidateStruct(d); err != nil {
		return err
	}
	if err := d.YearsRange.Validate(); err != nil {
		return err
	}
	switch d.Operator {
	case "mean", "min", "max", "sum", "median":
	default:
		return &geometry.ValidationError{Field: "aggregation_operator", Reason: fmt.Sprintf("unsupported operator %q", d.Operator)}
	}
	if d.Area != nil {
		return d.Area.Validate()
	}
	return nil
}

// cachePath names one year's cache file after every request parameter that
// shapes its content, so distinct selections never collide.
func (d *RNPN) cachePath(year int) string {
	species := "all_species"
	if d.SpeciesIDs != nil {
		species = d.SpeciesIDs.slug()
	}
	name := fmt.Sprintf("rnpn_npn_data_y_%d_%s_%s", year, species, d.PhenophaseIDs.slug())
	if d.Area != nil {
		name += "_" + strings.ReplaceAll(strings.ToLower(d.Area.Name), " ", "_")
	}
	return dataset.CachePath(d.rt.Config.CacheDir, "rnpn", name+".csv")
}

// Download fetches each year in the range unless already cached.
func (d *RNPN) Download(ctx context.Context) error {
	for _, year := range d.YearsRange.Range() {
		if err := d.downloadYear(ctx, year); err != nil {
			return err
		}
	}
	return nil
}

func (d *RNPN) downloadYear(ctx context.Context, year int) error {
	path := d.cachePath(year)
	if dataset.CacheFresh(path, d.rt.Config.ForceOverride) {
		logger.Debug("Found %s", path)
		return nil
	}

	logger.Info("Downloading NPN observations for %d to %s", year, path)
	params := url.Values{}
	params.Set("request_src", "springtime")
	params.Set("format", "csv")
	params.Set("start_date", fmt.Sprintf("%d-01-01", year))
	params.Set("end_date", fmt.Sprintf("%d-12-31", year))
	params.Set("phenophase_id", d.PhenophaseIDs.query())
	if d.SpeciesIDs != nil {
		params.Set("species_id", d.SpeciesIDs.query())
	}
	if d.Area != nil {
		b := d.Area.Bbox
		params.Set("bottom_left_x1", formatCoord(b.XMin))
		params.Set("bottom_left_y1", formatCoord(b.YMin))
		params.Set("upper_right_x2", formatCoord(b.XMax))
		params.Set("upper_right_y2", formatCoord(b.YMax))
	}

	resp, err := d.rt.Fetcher.Fetch(ctx, fetch.Request{
		Method: http.MethodGet,
		URL:    baseURL + "?" + params.Encode(),
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

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Load reads the per-year cache files and returns the canonical table with one
// aggregated day-of-year column named after the phenophase selection.
func (d *RNPN) Load(ctx context.Context) (*table.Table, error) {
	if err := d.Download(ctx); err != nil {
		return nil, err
	}

	varName := d.PhenophaseIDs.slug() + "_doy"
	observed := make(map[table.Key][]float64)
	for _, year := range d.YearsRange.Range() {
		path := d.cachePath(year)
		if err := d.collectYear(path, year, observed); err != nil {
			return nil, err
		}
	}

	out := table.New(varName)
	for key, values := range observed {
		row := map[string]float64{varName: table.Reduce(d.Operator, values)}
		if err := out.AddRow(key, row); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *RNPN) collectYear(path string, year int, observed map[table.Key][]float64) error {
	f, err := os.Open(path)
	if err != nil {
		return &dataset.MissingDataError{Path: path}
	}
	defer f.Close()

	yearCol, doyCol := "first_yes_year", "first_yes_doy"
	if !d.UseFirst {
		yearCol, doyCol = "last_yes_year", "last_yes_doy"
	}

	cr := csv.NewReader(f)
	header, err := cr.Read()
	if err != nil {
		return &dataset.FormatError{Path: path, Err: fmt.Errorf("failed to read header: %w", err)}
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"longitude", "latitude", yearCol, doyCol} {
		if _, ok := col[required]; !ok {
			return &dataset.FormatError{Path: path, Err: fmt.Errorf("missing column %q", required)}
		}
	}

	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &dataset.FormatError{Path: path, Err: fmt.Errorf("line %d: %w", line, err)}
		}

		obsYear, err := strconv.Atoi(record[col[yearCol]])
		if err != nil {
			return &dataset.FormatError{Path: path, Err: fmt.Errorf("line %d: bad %s %q", line, yearCol, record[col[yearCol]])}
		}
		// Observation windows can straddle year boundaries; keep only the
		// rows whose phenometric year matches the requested one.
		if obsYear != year {
			continue
		}
		doy, err := strconv.ParseFloat(record[col[doyCol]], 64)
		if err != nil {
			return &dataset.FormatError{Path: path, Err: fmt.Errorf("line %d: bad %s %q", line, doyCol, record[col[doyCol]])}
		}
		if doy == missingSentinel {
			continue
		}
		lon, err := strconv.ParseFloat(record[col["longitude"]], 64)
		if err != nil {
			return &dataset.FormatError{Path: path, Err: fmt.Errorf("line %d: bad longitude %q", line, record[col["longitude"]])}
		}
		lat, err := strconv.ParseFloat(record[col["latitude"]], 64)
		if err != nil {
			return &dataset.FormatError{Path: path, Err: fmt.Errorf("line %d: bad latitude %q", line, record[col["latitude"]])}
		}
		point, err := geometry.NewPoint(lon, lat)
		if err != nil {
			return &dataset.FormatError{Path: path, Err: fmt.Errorf("line %d: %w", line, err)}
		}
		if d.Area != nil && !d.Area.Contains(point) {
			continue
		}

		key := table.Key{Time: table.YearKey(year), Geometry: point}
		observed[key] = append(observed[key], doy)
	}
}

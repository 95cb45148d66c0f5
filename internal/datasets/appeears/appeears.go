// Package appeears downloads and loads MODIS land products through the NASA
// AppEEARS service (https://appeears.earthdatacloud.nasa.gov). Extraction runs
// remotely: a task is submitted, polled until completion, and its result
// bundle downloaded into the cache. Credentials are read from the configured
// credentials file and never embedded in recipes or cache filenames.
package appeears

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/phenology/springtime/internal/cube"
	"github.com/phenology/springtime/internal/dataset"
	"github.com/phenology/springtime/internal/geometry"
	"github.com/phenology/springtime/internal/logger"
	"github.com/phenology/springtime/internal/table"
)

const (
	// Kind is the recipe discriminant.
	Kind = "appeears"

	// The task endpoint rejects requests with more than 500 coordinates.
	maxPointsPerTask = 500

	// MODIS layers encode missing cells as 32767.
	fillValue = 32767
)

func init() {
	dataset.Register(Kind, func() dataset.Dataset { return New() })
}

// PollConfig bounds the task status poll loop.
type PollConfig struct {
	Interval dataset.Duration `yaml:"interval"`
	MaxTries int              `yaml:"max_tries"`
	// Lenient keeps polling when the remote task reports an error status
	// instead of failing fast.
	Lenient bool `yaml:"lenient"`
}

// Appeears downloads MODIS layers for points or an area. With both points and
// an area, the area grid is downloaded once and the points are extracted from
// it locally.
type Appeears struct {
	// Product is an AppEEARS product name, e.g. "MCD12Q2".
	Product string `yaml:"product" validate:"required"`
	// Version is the product version, e.g. "061".
	Version string `yaml:"version" validate:"required"`
	// Layers are the product bands to extract.
	Layers []string `yaml:"layers" validate:"required,min=1"`

	YearsRange geometry.YearRange    `yaml:"years"`
	Area       *geometry.NamedArea   `yaml:"area,omitempty"`
	Points     geometry.PointsSpec   `yaml:"points,omitempty"`
	ResampleBy *table.ResampleConfig `yaml:"resample,omitempty"`

	// InferDateOffset converts layers that encode a date as days since the
	// Unix epoch into a day-of-year relative to the observation year.
	InferDateOffset bool       `yaml:"infer_date_offset"`
	Poll            PollConfig `yaml:"poll,omitempty"`

	rt *dataset.Runtime
}

// New returns an instance with the service defaults: yearly date layers are
// converted to day-of-year, and tasks are polled every 30 seconds for at most
// a day.
func New() *Appeears {
	return &Appeears{
		InferDateOffset: true,
		Poll: PollConfig{
			Interval: dataset.Duration(30 * time.Second),
			MaxTries: 2 * 60 * 24,
		},
	}
}

func (d *Appeears) Kind() string                    { return Kind }
func (d *Appeears) Years() geometry.YearRange       { return d.YearsRange }
func (d *Appeears) Resample() *table.ResampleConfig { return d.ResampleBy }

func (d *Appeears) PointsSpec() *geometry.PointsSpec {
	if d.Points.IsZero() {
		return nil
	}
	return &d.Points
}

func (d *Appeears) Bind(rt *dataset.Runtime) { d.rt = rt }

// Validate checks the instance's configuration. Either points or an area is
// required; the service has nothing to extract otherwise.
func (d *Appeears) Validate() error {
	if err := dataset.ValidateStruct(d); err != nil {
		return err
	}
	if err := d.YearsRange.Validate(); err != nil {
		return err
	}
	if d.Points.IsZero() && d.Area == nil {
		return &geometry.ValidationError{Field: "points", Reason: "either points or area is required"}
	}
	if d.Poll.Interval <= 0 || d.Poll.MaxTries <= 0 {
		return &geometry.ValidationError{Field: "poll", Reason: "interval and max_tries must be positive"}
	}
	if d.Area != nil {
		return d.Area.Validate()
	}
	return nil
}

// taskName derives a deterministic task name from every parameter that shapes
// the result. Points enter through a hash of their coordinates, so the name
// stays short and carries no raw coordinate data.
func (d *Appeears) taskName(points []geometry.Point) string {
	coords := make([][2]float64, len(points))
	for i, p := range points {
		coords[i] = [2]float64{p.X, p.Y}
	}
	layers := append([]string(nil), d.Layers...)
	sort.Strings(layers)
	return fmt.Sprintf("%s_%d_%d_%s_%s",
		d.Product, d.YearsRange.Start, d.YearsRange.End,
		strings.Join(layers, "_"), dataset.ParamsHash(coords))
}

func (d *Appeears) pointPath(points []geometry.Point) string {
	name := fmt.Sprintf("%s-%s-%s-results.csv", d.taskName(points), d.Product, d.Version)
	return dataset.CachePath(d.rt.Config.CacheDir, "appeears", strings.ReplaceAll(name, "_", "-"))
}

// areaPath keys the cached grid on every parameter that shapes the result:
// the area name scopes the subdirectory, the filename carries the product,
// version, year range and layers.
func (d *Appeears) areaPath() string {
	layers := append([]string(nil), d.Layers...)
	sort.Strings(layers)
	name := fmt.Sprintf("%s.%s_%d-%d_%s_aid0001.csv",
		d.Product, d.Version, d.YearsRange.Start, d.YearsRange.End, strings.Join(layers, "-"))
	return dataset.CachePath(d.rt.Config.CacheDir, "appeears", filepath.Join(d.Area.Name, name))
}

// remoteAreaName is the fixed name the service gives an area result file; it
// carries no year or layer information, so the cache filename cannot reuse it.
func (d *Appeears) remoteAreaName() string {
	return fmt.Sprintf("%s.%s_aid0001.csv", d.Product, d.Version)
}

// chunkPoints splits the requested points into service-sized tasks.
func chunkPoints(points []geometry.Point) [][]geometry.Point {
	var chunks [][]geometry.Point
	for start := 0; start < len(points); start += maxPointsPerTask {
		end := start + maxPointsPerTask
		if end > len(points) {
			end = len(points)
		}
		chunks = append(chunks, points[start:end])
	}
	return chunks
}

// Download submits the needed extraction tasks and downloads their result
// bundles, unless the results are already cached.
func (d *Appeears) Download(ctx context.Context) error {
	if d.Area != nil {
		return d.downloadArea(ctx)
	}
	return d.downloadPoints(ctx)
}

func (d *Appeears) downloadArea(ctx context.Context) error {
	path := d.areaPath()
	if dataset.CacheFresh(path, d.rt.Config.ForceOverride) {
		logger.Debug("Found %s", path)
		return nil
	}

	c := newClient(d.rt)
	if err := c.ensureToken(ctx); err != nil {
		return err
	}
	task, err := c.submitAreaTask(ctx, d.Product, d.Version, d.Layers, d.YearsRange, *d.Area)
	if err != nil {
		return err
	}
	if err := c.pollTask(ctx, task, d.Poll); err != nil {
		return err
	}
	return d.downloadBundleFile(ctx, c, task, d.remoteAreaName(), path)
}

func (d *Appeears) downloadPoints(ctx context.Context) error {
	points, err := d.Points.Points()
	if err != nil {
		return err
	}
	var c *client
	for _, chunk := range chunkPoints(points) {
		path := d.pointPath(chunk)
		if dataset.CacheFresh(path, d.rt.Config.ForceOverride) {
			logger.Debug("Found %s", path)
			continue
		}

		if c == nil {
			c = newClient(d.rt)
			if err := c.ensureToken(ctx); err != nil {
				return err
			}
		}
		task, err := c.submitPointTask(ctx, d.taskName(chunk), d.Product, d.Version, d.Layers, d.YearsRange, chunk)
		if err != nil {
			return err
		}
		if err := c.pollTask(ctx, task, d.Poll); err != nil {
			return err
		}
		if err := d.downloadBundleFile(ctx, c, task, filepath.Base(path), path); err != nil {
			return err
		}
	}
	return nil
}

// downloadBundleFile fetches the bundle entry named name into path.
func (d *Appeears) downloadBundleFile(ctx context.Context, c *client, task, name, path string) error {
	files, err := c.listFiles(ctx, task)
	if err != nil {
		return err
	}
	for _, file := range files {
		if file.Name == name {
			return c.downloadFile(ctx, task, file, path)
		}
	}
	return &dataset.MissingDataError{Path: path}
}

// Load reads the cached results and returns the canonical table.
func (d *Appeears) Load(ctx context.Context) (*table.Table, error) {
	if err := d.Download(ctx); err != nil {
		return nil, err
	}
	if d.Area != nil {
		return d.loadArea()
	}
	return d.loadPoints()
}

// loadArea reads the cached area grid. With points configured as well, the
// nearest grid cell per point is extracted locally; otherwise the whole grid
// is flattened.
func (d *Appeears) loadArea() (*table.Table, error) {
	path := d.areaPath()
	f, err := os.Open(path)
	if err != nil {
		return nil, &dataset.MissingDataError{Path: path}
	}
	defer f.Close()
	c, err := cube.Read(f)
	if err != nil {
		return nil, &dataset.FormatError{Path: path, Err: err}
	}
	c = c.SliceYears(d.YearsRange)

	var out *table.Table
	if !d.Points.IsZero() {
		points, perr := d.Points.Points()
		if perr != nil {
			return nil, perr
		}
		out, err = c.Extract(points)
	} else {
		out, err = c.Table()
	}
	if err != nil {
		return nil, err
	}
	return d.postprocess(out)
}

func (d *Appeears) loadPoints() (*table.Table, error) {
	points, err := d.Points.Points()
	if err != nil {
		return nil, err
	}
	out := table.New(d.Layers...)
	for _, chunk := range chunkPoints(points) {
		path := d.pointPath(chunk)
		if err := d.collectPointFile(path, out); err != nil {
			return nil, err
		}
	}
	return d.postprocess(out)
}

func (d *Appeears) collectPointFile(path string, out *table.Table) error {
	f, err := os.Open(path)
	if err != nil {
		return &dataset.MissingDataError{Path: path}
	}
	defer f.Close()

	cr := csv.NewReader(f)
	header, err := cr.Read()
	if err != nil {
		return &dataset.FormatError{Path: path, Err: fmt.Errorf("failed to read header: %w", err)}
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"Date", "Latitude", "Longitude"} {
		if _, ok := col[required]; !ok {
			return &dataset.FormatError{Path: path, Err: fmt.Errorf("missing column %q", required)}
		}
	}
	// Result columns are prefixed with product and version.
	layerCols := make(map[string]int, len(d.Layers))
	for _, layer := range d.Layers {
		name := fmt.Sprintf("%s_%s_%s", d.Product, d.Version, layer)
		if i, ok := col[name]; ok {
			layerCols[layer] = i
		}
	}
	if len(layerCols) == 0 {
		return &dataset.FormatError{Path: path, Err: fmt.Errorf("no requested layer columns present")}
	}

	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &dataset.FormatError{Path: path, Err: fmt.Errorf("line %d: %w", line, err)}
		}

		ts, err := time.Parse("2006-01-02", record[col["Date"]])
		if err != nil {
			return &dataset.FormatError{Path: path, Err: fmt.Errorf("line %d: bad date %q", line, record[col["Date"]])}
		}
		lat, err := strconv.ParseFloat(record[col["Latitude"]], 64)
		if err != nil {
			return &dataset.FormatError{Path: path, Err: fmt.Errorf("line %d: bad latitude %q", line, record[col["Latitude"]])}
		}
		lon, err := strconv.ParseFloat(record[col["Longitude"]], 64)
		if err != nil {
			return &dataset.FormatError{Path: path, Err: fmt.Errorf("line %d: bad longitude %q", line, record[col["Longitude"]])}
		}
		point, err := geometry.NewPoint(lon, lat)
		if err != nil {
			return &dataset.FormatError{Path: path, Err: fmt.Errorf("line %d: %w", line, err)}
		}

		values := make(map[string]float64, len(layerCols))
		for layer, i := range layerCols {
			raw := record[i]
			if raw == "" {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return &dataset.FormatError{Path: path, Err: fmt.Errorf("line %d: bad value %q for %s", line, raw, layer)}
			}
			if v == fillValue {
				continue
			}
			values[layer] = v
		}

		key := table.Key{Time: table.DateKey(ts.UTC()), Geometry: point}
		if err := out.AddRow(key, values); err != nil {
			return err
		}
	}
}

var unixEpoch = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

// postprocess applies the date-offset inference: layer values encoding a date
// as days since the Unix epoch become a day count relative to the row's
// timestamp, and rows collapse from date keys to year keys. Without inference
// the date-keyed table passes through for downstream resampling.
func (d *Appeears) postprocess(t *table.Table) (*table.Table, error) {
	if !d.InferDateOffset {
		return t, nil
	}

	out := table.New(t.Columns()...)
	for _, row := range t.SortedRows() {
		if row.Key.Time.Yearly() {
			return nil, fmt.Errorf("cannot infer date offset for yearly row %s", row.Key)
		}
		ts := row.Key.Time.Date
		values := make(map[string]float64, len(row.Values))
		for name, v := range row.Values {
			encoded := unixEpoch.AddDate(0, 0, int(v))
			values[name] = math.Round(encoded.Sub(ts).Hours() / 24)
		}
		key := table.Key{Time: table.YearKey(ts.Year()), Geometry: row.Key.Geometry}
		if err := out.AddRow(key, values); err != nil {
			return nil, err
		}
	}
	return out, nil
}

package appeears

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/phenology/springtime/internal/dataset"
	"github.com/phenology/springtime/internal/fetch"
	"github.com/phenology/springtime/internal/geometry"
	"github.com/phenology/springtime/internal/logger"
)

const defaultBaseURL = "https://appeears.earthdatacloud.nasa.gov/api"

// tokenInfo is the session token returned by the login endpoint. It is cached
// on disk so repeated runs reuse it until expiration.
type tokenInfo struct {
	TokenType  string    `json:"token_type"`
	Token      string    `json:"token"`
	Expiration time.Time `json:"expiration"`
}

// client wraps the AppEEARS REST API behind the shared fetcher.
type client struct {
	fetcher         fetch.Fetcher
	baseURL         string
	tokenPath       string
	credentialsFile string

	token *tokenInfo
}

func newClient(rt *dataset.Runtime) *client {
	return &client{
		fetcher:         rt.Fetcher,
		baseURL:         defaultBaseURL,
		tokenPath:       dataset.CachePath(rt.Config.CacheDir, "appeears", "token.json"),
		credentialsFile: rt.Config.CredentialsFile,
	}
}

// ensureToken loads a cached token or logs in when the cache is absent or
// expired.
func (c *client) ensureToken(ctx context.Context) error {
	if c.token == nil {
		if raw, err := os.ReadFile(c.tokenPath); err == nil {
			var t tokenInfo
			if err := json.Unmarshal(raw, &t); err == nil {
				c.token = &t
			}
		}
	}
	if c.token != nil && c.token.Expiration.After(time.Now().UTC()) {
		return nil
	}
	if c.token != nil {
		logger.Info("Token expired, logging in again")
	}
	return c.login(ctx)
}

func (c *client) login(ctx context.Context) error {
	creds, err := dataset.LoadCredentials(c.credentialsFile)
	if err != nil {
		return err
	}

	auth := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password))
	resp, err := c.fetcher.Fetch(ctx, fetch.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/login",
		Header: http.Header{"Authorization": []string{"Basic " + auth}},
	})
	if err != nil {
		return err
	}

	var t tokenInfo
	if err := json.Unmarshal(resp.Body, &t); err != nil {
		return &fetch.ExternalFetchError{URL: c.baseURL + "/login", Status: resp.Status, Reason: "unparseable login response"}
	}
	c.token = &t

	if err := os.MkdirAll(filepath.Dir(c.tokenPath), 0o755); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := os.WriteFile(c.tokenPath, raw, 0o600); err != nil {
		return fmt.Errorf("failed to cache token: %w", err)
	}
	return nil
}

func (c *client) authHeader() http.Header {
	return http.Header{"Authorization": []string{"Bearer " + c.token.Token}}
}

type taskDates struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	Recurring bool   `json:"recurring"`
	YearRange [2]int `json:"yearRange"`
}

type taskLayer struct {
	Product string `json:"product"`
	Layer   string `json:"layer"`
}

type taskCoordinate struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

type taskOutput struct {
	Projection string `json:"projection"`
	Format     struct {
		Type string `json:"type"`
	} `json:"format"`
}

type taskParams struct {
	Dates       []taskDates      `json:"dates"`
	Layers      []taskLayer      `json:"layers"`
	Coordinates []taskCoordinate `json:"coordinates,omitempty"`
	Output      taskOutput       `json:"output"`
	Geo         *geoJSON         `json:"geo,omitempty"`
}

type taskRequest struct {
	TaskType string     `json:"task_type"`
	TaskName string     `json:"task_name"`
	Params   taskParams `json:"params"`
}

// geoJSON is the FeatureCollection wrapper the task endpoint expects for area
// requests.
type geoJSON struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Type       string         `json:"type"`
	Geometry   polygonGeom    `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type polygonGeom struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

func newTaskParams(product, version string, layers []string, years geometry.YearRange) taskParams {
	p := taskParams{
		Dates: []taskDates{{
			StartDate: "01-01",
			EndDate:   "12-31",
			Recurring: true,
			YearRange: [2]int{years.Start, years.End},
		}},
	}
	for _, layer := range layers {
		p.Layers = append(p.Layers, taskLayer{Product: product + "." + version, Layer: layer})
	}
	p.Output.Projection = "geographic"
	p.Output.Format.Type = "csv"
	return p
}

// submitPointTask submits a point extraction task and returns its id. The
// service rejects more than 500 coordinates per task; callers chunk first.
func (c *client) submitPointTask(ctx context.Context, name, product, version string, layers []string, years geometry.YearRange, points []geometry.Point) (string, error) {
	if len(points) > maxPointsPerTask {
		return "", fmt.Errorf("at most %d points per task, got %d", maxPointsPerTask, len(points))
	}
	params := newTaskParams(product, version, layers, years)
	for _, p := range points {
		params.Coordinates = append(params.Coordinates, taskCoordinate{Longitude: p.X, Latitude: p.Y})
	}
	return c.submit(ctx, taskRequest{TaskType: "point", TaskName: name, Params: params})
}

// submitAreaTask submits an area extraction task for the polygon ring derived
// from the area's bounding box.
func (c *client) submitAreaTask(ctx context.Context, product, version string, layers []string, years geometry.YearRange, area geometry.NamedArea) (string, error) {
	params := newTaskParams(product, version, layers, years)
	ring := area.Polygon()
	coords := make([][2]float64, len(ring))
	for i, p := range ring {
		coords[i] = [2]float64{p.X, p.Y}
	}
	params.Geo = &geoJSON{
		Type: "FeatureCollection",
		Features: []feature{{
			Type:       "Feature",
			Geometry:   polygonGeom{Type: "Polygon", Coordinates: [][][2]float64{coords}},
			Properties: map[string]any{},
		}},
	}
	return c.submit(ctx, taskRequest{TaskType: "area", TaskName: area.Name, Params: params})
}

func (c *client) submit(ctx context.Context, req taskRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode task: %w", err)
	}
	header := c.authHeader()
	header.Set("Content-Type", "application/json")
	resp, err := c.fetcher.Fetch(ctx, fetch.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/task",
		Header: header,
		Body:   body,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil || out.TaskID == "" {
		return "", &fetch.ExternalFetchError{URL: c.baseURL + "/task", Status: resp.Status, Reason: "unparseable task response"}
	}
	logger.Info("Submitted task %s", out.TaskID)
	return out.TaskID, nil
}

func (c *client) taskStatus(ctx context.Context, task string) (string, error) {
	resp, err := c.fetcher.Fetch(ctx, fetch.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + "/task/" + task,
		Header: c.authHeader(),
	})
	if err != nil {
		return "", err
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", &fetch.ExternalFetchError{URL: c.baseURL + "/task/" + task, Status: resp.Status, Reason: "unparseable status response"}
	}
	return out.Status, nil
}

// pollTask waits for a task to complete: status is checked every interval
// until "done", up to maxTries checks. A remote "error" status fails
// immediately unless lenient mode keeps polling through it; exhausting the
// tries yields a TimeoutError either way.
func (c *client) pollTask(ctx context.Context, task string, cfg PollConfig) error {
	var lastErr error
	for try := 0; try < cfg.MaxTries; try++ {
		status, err := c.taskStatus(ctx, task)
		if err != nil {
			return err
		}
		logger.Debug("Task %s has status %q", task, status)
		switch status {
		case "done":
			return nil
		case "error":
			lastErr = &fetch.ExternalFetchError{
				URL:    c.baseURL + "/task/" + task,
				Reason: "task failed remotely",
			}
			if !cfg.Lenient {
				return lastErr
			}
		}

		timer := time.NewTimer(time.Duration(cfg.Interval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return &fetch.TimeoutError{
		Op:       fmt.Sprintf("poll task %s", task),
		Attempts: cfg.MaxTries,
		Err:      lastErr,
	}
}

// bundleFile is one downloadable artifact of a completed task.
type bundleFile struct {
	ID   string `json:"file_id"`
	Name string `json:"file_name"`
	Size int64  `json:"file_size"`
	Type string `json:"file_type"`
}

func (c *client) listFiles(ctx context.Context, task string) ([]bundleFile, error) {
	resp, err := c.fetcher.Fetch(ctx, fetch.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + "/bundle/" + task,
		Header: c.authHeader(),
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Files []bundleFile `json:"files"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, &fetch.ExternalFetchError{URL: c.baseURL + "/bundle/" + task, Status: resp.Status, Reason: "unparseable bundle response"}
	}
	return out.Files, nil
}

func (c *client) downloadFile(ctx context.Context, task string, file bundleFile, dest string) error {
	resp, err := c.fetcher.Fetch(ctx, fetch.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + "/bundle/" + task + "/" + file.ID,
		Header: c.authHeader(),
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create bundle directory: %w", err)
	}
	if err := os.WriteFile(dest, resp.Body, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	logger.Info("Downloaded %s to %s", file.Name, dest)
	return nil
}

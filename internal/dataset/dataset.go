// Package dataset defines the contract every concrete data source
// implements, plus the closed registry that maps recipe discriminants to
// constructors. A dataset downloads its files into the cache idempotently and
// loads them into the canonical (temporal key, geometry) table; everything a
// source needs from the outside world (configuration, the external fetch
// capability) is injected through a Runtime.
package dataset

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/phenology/springtime/internal/config"
	"github.com/phenology/springtime/internal/fetch"
	"github.com/phenology/springtime/internal/geometry"
	"github.com/phenology/springtime/internal/table"
)

// Runtime carries the injected collaborators of a dataset: the process
// configuration (cache directory, force-override policy, credentials
// location) and the external fetch capability.
type Runtime struct {
	Config  *config.Config
	Fetcher fetch.Fetcher
}

// Dataset is the capability set of one data source.
//
// Download ensures all files the instance needs are present in the cache
// directory. It must check existence before fetching: repeated calls perform
// no additional external work unless the configuration's force-override flag
// is set, in which case cached artifacts are refreshed unconditionally.
//
// Load reads the cached files and returns the canonical table, triggering
// Download first when files are missing. Beyond that it performs no external
// I/O: it is a pure function of the cache contents. Load applies the
// instance's year window, spatial filter and nothing else; resampling is the
// workflow's job.
type Dataset interface {
	// Kind returns the discriminant string used in recipes.
	Kind() string
	// Years returns the temporal bounds of the instance.
	Years() geometry.YearRange
	// Resample returns the resample configuration, or nil.
	Resample() *table.ResampleConfig
	// PointsSpec returns the point filter, or nil when the source is not
	// point-filtered. The workflow resolves deferred point sets through it.
	PointsSpec() *geometry.PointsSpec
	// Validate checks the instance's configuration.
	Validate() error
	// Bind injects the runtime collaborators. Called once before Download
	// or Load.
	Bind(rt *Runtime)

	Download(ctx context.Context) error
	Load(ctx context.Context) (*table.Table, error)
}

// Factory constructs an empty instance of a dataset kind, ready for
// deserialization.
type Factory func() Dataset

var registry = map[string]Factory{}

// Register adds a dataset kind to the closed registry. Called from adapter
// package init functions; a duplicate discriminant is a programming error.
func Register(kind string, f Factory) {
	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("dataset kind %q registered twice", kind))
	}
	registry[kind] = f
}

// Kinds returns the registered discriminants.
func Kinds() []string {
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	return kinds
}

var structValidator = validator.New()

// ValidateStruct runs tag-based validation over a dataset configuration and
// folds failures into a ValidationError.
func ValidateStruct(v interface{}) error {
	if err := structValidator.Struct(v); err != nil {
		return &geometry.ValidationError{Field: "dataset", Reason: err.Error()}
	}
	return nil
}

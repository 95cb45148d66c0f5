// Package workflow ties recipes, datasets and outputs together: it parses a
// recipe into named dataset instances, executes them in dependency order,
// joins their tables and persists the result.
package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/phenology/springtime/internal/dataset"
	"github.com/phenology/springtime/internal/experiment"
)

// DerivedFeatures adds coordinate columns to the prepared data, for models
// that want space as a predictor.
type DerivedFeatures struct {
	Longitude bool `yaml:"longitude"`
	Latitude  bool `yaml:"latitude"`
}

// Preparation is applied to the joined table before it is saved.
type Preparation struct {
	// DropNA removes rows with missing values.
	DropNA  bool            `yaml:"dropna"`
	Derived DerivedFeatures `yaml:"derived"`
}

// NamedDataset pairs a recipe key with its dataset instance. Order follows
// the recipe document.
type NamedDataset struct {
	Name    string
	Dataset dataset.Dataset
}

// Workflow is a parsed recipe.
type Workflow struct {
	Datasets    []NamedDataset
	Preparation Preparation
	Experiment  *experiment.Spec
}

// New returns an empty workflow with the default preparation.
func New() *Workflow {
	return &Workflow{Preparation: Preparation{DropNA: true}}
}

func (w *Workflow) dataset(name string) (dataset.Dataset, bool) {
	for _, nd := range w.Datasets {
		if nd.Name == name {
			return nd.Dataset, true
		}
	}
	return nil, false
}

// Validate checks every dataset and the experiment configuration.
func (w *Workflow) Validate() error {
	if len(w.Datasets) == 0 {
		return fmt.Errorf("recipe defines no datasets")
	}
	seen := make(map[string]bool, len(w.Datasets))
	for _, nd := range w.Datasets {
		if seen[nd.Name] {
			return fmt.Errorf("duplicate dataset name %q", nd.Name)
		}
		seen[nd.Name] = true
		if err := nd.Dataset.Validate(); err != nil {
			return fmt.Errorf("dataset %q: %w", nd.Name, err)
		}
	}
	if w.Experiment != nil {
		if err := w.Experiment.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalYAML decodes a recipe document, preserving dataset order.
func (w *Workflow) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Datasets    yaml.Node        `yaml:"datasets"`
		Preparation *Preparation     `yaml:"preparation"`
		Experiment  *experiment.Spec `yaml:"experiment"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	w.Preparation = Preparation{DropNA: true}
	if raw.Preparation != nil {
		w.Preparation = *raw.Preparation
	}
	w.Experiment = raw.Experiment

	w.Datasets = nil
	if raw.Datasets.Kind == 0 {
		return nil
	}
	if raw.Datasets.Kind != yaml.MappingNode {
		return fmt.Errorf("datasets must be a mapping of name to dataset configuration")
	}
	for i := 0; i < len(raw.Datasets.Content); i += 2 {
		name := raw.Datasets.Content[i].Value
		d, err := dataset.Decode(raw.Datasets.Content[i+1])
		if err != nil {
			return fmt.Errorf("dataset %q: %w", name, err)
		}
		w.Datasets = append(w.Datasets, NamedDataset{Name: name, Dataset: d})
	}
	return nil
}

// MarshalYAML encodes the workflow back into recipe form with the dataset
// order intact.
func (w *Workflow) MarshalYAML() (any, error) {
	datasets := &yaml.Node{Kind: yaml.MappingNode}
	for _, nd := range w.Datasets {
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: nd.Name}
		value, err := dataset.Encode(nd.Dataset)
		if err != nil {
			return nil, fmt.Errorf("dataset %q: %w", nd.Name, err)
		}
		datasets.Content = append(datasets.Content, key, value)
	}

	doc := &yaml.Node{Kind: yaml.MappingNode}
	appendPair := func(key string, value any) error {
		k := &yaml.Node{Kind: yaml.ScalarNode, Value: key}
		v := &yaml.Node{}
		if n, ok := value.(*yaml.Node); ok {
			v = n
		} else if err := v.Encode(value); err != nil {
			return err
		}
		doc.Content = append(doc.Content, k, v)
		return nil
	}
	if err := appendPair("datasets", datasets); err != nil {
		return nil, err
	}
	if err := appendPair("preparation", w.Preparation); err != nil {
		return nil, err
	}
	if w.Experiment != nil {
		if err := appendPair("experiment", w.Experiment); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// FromRecipe parses and validates a recipe file.
func FromRecipe(path string) (*Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe: %w", err)
	}
	w := New()
	if err := yaml.Unmarshal(raw, w); err != nil {
		return nil, fmt.Errorf("failed to parse recipe: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// ToRecipe serializes the workflow. FromRecipe(ToRecipe(w)) is an identity on
// the recipe's semantics.
func (w *Workflow) ToRecipe() ([]byte, error) {
	return yaml.Marshal(w)
}

// SaveRecipe writes the workflow to a recipe file.
func (w *Workflow) SaveRecipe(path string) error {
	raw, err := w.ToRecipe()
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

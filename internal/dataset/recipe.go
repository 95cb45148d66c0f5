package dataset

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Recipes carry one mapping per dataset, with a `dataset` discriminant field
// first and the kind-specific fields after it in their declared order. The
// discriminant selects the constructor from the closed registry, resolved
// once at deserialization time.

// Decode turns a recipe mapping node into a concrete dataset instance and
// validates it.
func Decode(node *yaml.Node) (Dataset, error) {
	var head struct {
		Dataset string `yaml:"dataset"`
	}
	if err := node.Decode(&head); err != nil {
		return nil, fmt.Errorf("failed to read dataset discriminant: %w", err)
	}
	if head.Dataset == "" {
		return nil, fmt.Errorf("dataset entry is missing the `dataset` field")
	}
	factory, known := registry[head.Dataset]
	if !known {
		return nil, fmt.Errorf("unknown dataset kind %q", head.Dataset)
	}

	d := factory()
	if err := node.Decode(d); err != nil {
		return nil, fmt.Errorf("failed to decode %s dataset: %w", head.Dataset, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Encode serializes a dataset instance back into its recipe mapping, with the
// discriminant first and the remaining fields in struct declaration order.
func Encode(d Dataset) (*yaml.Node, error) {
	var node yaml.Node
	if err := node.Encode(d); err != nil {
		return nil, fmt.Errorf("failed to encode %s dataset: %w", d.Kind(), err)
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s dataset did not encode to a mapping", d.Kind())
	}
	head := []*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "dataset"},
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: d.Kind()},
	}
	node.Content = append(head, node.Content...)
	return &node, nil
}

// FromYAML decodes a single dataset from raw recipe text.
func FromYAML(raw []byte) (Dataset, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("failed to parse dataset recipe: %w", err)
	}
	if len(node.Content) != 1 {
		return nil, fmt.Errorf("expected a single dataset mapping")
	}
	return Decode(node.Content[0])
}

// ToYAML encodes a dataset as raw recipe text, reproducing the instance when
// fed back through FromYAML.
func ToYAML(d Dataset) ([]byte, error) {
	node, err := Encode(d)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(node)
}

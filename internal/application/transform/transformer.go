package transform

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/terrafusion/syncservice/internal/domain/record"
)

// FieldRule describes how one target field is produced.
type FieldRule struct {
	// Field is the source field to read. Empty means the target field name.
	Field string `json:"field,omitempty" yaml:"field,omitempty" toml:"field,omitempty"`
	// Transform names a registered transform.
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty" toml:"transform,omitempty"`
	// Default is used when the source field is missing or null and HasDefault is set.
	Default    any  `json:"default,omitempty" yaml:"default,omitempty" toml:"default,omitempty"`
	HasDefault bool `json:"-" yaml:"-" toml:"-"`
}

type fieldRuleObject struct {
	Field     string `json:"field" yaml:"field"`
	Transform string `json:"transform" yaml:"transform"`
}

// UnmarshalJSON accepts either a bare source field name or an object.
func (r *FieldRule) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*r = FieldRule{Field: name}
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("field rule must be a string or an object: %w", err)
	}
	var obj fieldRuleObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = FieldRule{Field: obj.Field, Transform: obj.Transform}
	if d, ok := raw["default"]; ok {
		if err := json.Unmarshal(d, &r.Default); err != nil {
			return err
		}
		r.HasDefault = true
	}
	return nil
}

// MarshalJSON renders plain renames as bare strings.
func (r FieldRule) MarshalJSON() ([]byte, error) {
	if r.Transform == "" && !r.HasDefault {
		return json.Marshal(r.Field)
	}
	obj := map[string]any{"field": r.Field}
	if r.Transform != "" {
		obj["transform"] = r.Transform
	}
	if r.HasDefault {
		obj["default"] = r.Default
	}
	return json.Marshal(obj)
}

// UnmarshalYAML accepts either a scalar source field name or a mapping.
func (r *FieldRule) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*r = FieldRule{Field: node.Value}
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: field rule must be a string or a mapping", node.Line)
	}
	var obj fieldRuleObject
	if err := node.Decode(&obj); err != nil {
		return err
	}
	*r = FieldRule{Field: obj.Field, Transform: obj.Transform}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "default" {
			if err := node.Content[i+1].Decode(&r.Default); err != nil {
				return err
			}
			r.HasDefault = true
		}
	}
	return nil
}

// MarshalYAML renders plain renames as scalars.
func (r FieldRule) MarshalYAML() (any, error) {
	if r.Transform == "" && !r.HasDefault {
		return r.Field, nil
	}
	obj := map[string]any{"field": r.Field}
	if r.Transform != "" {
		obj["transform"] = r.Transform
	}
	if r.HasDefault {
		obj["default"] = r.Default
	}
	return obj, nil
}

// UnmarshalTOML accepts either a string or an inline table.
func (r *FieldRule) UnmarshalTOML(data any) error {
	switch v := data.(type) {
	case string:
		*r = FieldRule{Field: v}
		return nil
	case map[string]any:
		*r = FieldRule{}
		if f, ok := v["field"].(string); ok {
			r.Field = f
		}
		if t, ok := v["transform"].(string); ok {
			r.Transform = t
		}
		if d, ok := v["default"]; ok {
			r.Default = d
			r.HasDefault = true
		}
		return nil
	default:
		return fmt.Errorf("field rule must be a string or a table, got %T", data)
	}
}

// FieldMapping maps target field names to rules.
type FieldMapping map[string]FieldRule

// Warning reports a non-fatal transform problem for one field of one record.
type Warning struct {
	Index   int    `json:"index"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("record %d field %s: %s", w.Index, w.Field, w.Message)
}

// ValidateMapping rejects mappings that reference unknown transforms.
func ValidateMapping(m FieldMapping, reg *Registry) error {
	var unknown []string
	for target, rule := range m {
		if rule.Transform == "" {
			continue
		}
		if _, ok := reg.Get(rule.Transform); !ok {
			unknown = append(unknown, fmt.Sprintf("%s (field %s)", rule.Transform, target))
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("unknown transforms: %s", strings.Join(unknown, ", "))
}

// Transformer applies a field mapping to batches of records.
type Transformer struct {
	mapping  FieldMapping
	registry *Registry
	targets  []string
}

// NewTransformer creates a Transformer. A nil registry uses the built-ins.
func NewTransformer(mapping FieldMapping, registry *Registry) *Transformer {
	if registry == nil {
		registry = NewRegistry()
	}
	targets := make([]string, 0, len(mapping))
	for t := range mapping {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return &Transformer{mapping: mapping, registry: registry, targets: targets}
}

// Transform returns a batch of the same length. An empty mapping copies records unchanged.
func (t *Transformer) Transform(batch []record.Record) ([]record.Record, []Warning) {
	out := make([]record.Record, len(batch))
	var warnings []Warning
	for i, rec := range batch {
		var w []Warning
		out[i], w = t.TransformRecord(i, rec)
		warnings = append(warnings, w...)
	}
	return out, warnings
}

// TransformRecord maps a single record. index is only used to label warnings.
func (t *Transformer) TransformRecord(index int, rec record.Record) (record.Record, []Warning) {
	if len(t.mapping) == 0 {
		return rec.Clone(), nil
	}
	var warnings []Warning
	out := make(record.Record, len(t.mapping))
	for _, target := range t.targets {
		rule := t.mapping[target]
		src := rule.Field
		if src == "" {
			src = target
		}
		value, present := rec[src]
		if (!present || value == nil) && rule.HasDefault {
			out[target] = rule.Default
			continue
		}
		if rule.Transform != "" {
			converted, err := t.registry.Apply(rule.Transform, value)
			if err != nil {
				warnings = append(warnings, Warning{Index: index, Field: target, Message: err.Error()})
			} else {
				value = converted
			}
		}
		out[target] = value
	}
	return out, warnings
}

package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// yamlDependency is one field's declarative dependency entry: either a
// current dependency (Historical omitted/false) or a historical one with
// an explicit window length.
type yamlDependency struct {
	Field      string `yaml:"field"`
	Historical bool   `yaml:"historical"`
	Window     int    `yaml:"window"`
}

type yamlField struct {
	Name string           `yaml:"name"`
	Deps []yamlDependency `yaml:"deps"`
}

type yamlInputField struct {
	Name string `yaml:"name"`
}

type yamlInputReport struct {
	Name    string           `yaml:"name"`
	IDField string           `yaml:"id_field"`
	Fields  []yamlInputField `yaml:"fields"`
}

type yamlFieldRef struct {
	Name string `yaml:"name"`
}

type yamlOutputReport struct {
	Name   string         `yaml:"name"`
	Fields []yamlFieldRef `yaml:"fields"`
}

// YAMLDocument is the declarative shape a deployment's model file takes:
// input/output report topology and each derived field's dependency list.
// The compute function for every named field must be supplied separately
// via a registry, since a YAML document cannot carry Go code — this
// mirrors spec.md's RegisterField being the one place user logic is
// attached, while everything else about the model's shape is
// configuration.
type YAMLDocument struct {
	Inputs  []yamlInputReport  `yaml:"inputs"`
	Fields  []yamlField        `yaml:"fields"`
	Outputs []yamlOutputReport `yaml:"outputs"`
}

// LoadYAML parses a declarative model document and resolves each declared
// field's dependency list against fns, a registry of compute functions
// keyed by field name (normally built by calling RegisterField for every
// derived field the deployment implements in Go). It fails if any
// declared field has no matching entry in fns.
func LoadYAML(data []byte, fns map[string]GeneratorFunc) (ModelDef, error) {
	var doc YAMLDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ModelDef{}, fmt.Errorf("model: parse yaml: %w", err)
	}

	var def ModelDef

	for _, in := range doc.Inputs {
		report := InputReport{Name: in.Name, IDField: in.IDField}
		for _, f := range in.Fields {
			report.Fields = append(report.Fields, Field{Name: f.Name, Kind: FieldKindSource})
		}
		def.Inputs = append(def.Inputs, report)
	}

	for _, fd := range doc.Fields {
		fn, ok := fns[fd.Name]
		if !ok {
			return ModelDef{}, fmt.Errorf("model: field %q declared in yaml has no registered compute function", fd.Name)
		}
		var deps []Dependency
		for _, d := range fd.Deps {
			deps = append(deps, Dependency{Field: d.Field, Historical: d.Historical, WindowLength: d.Window})
		}
		def.Fields = append(def.Fields, FieldDef{Name: fd.Name, Deps: deps, Compute: fn})
	}

	for _, out := range doc.Outputs {
		report := OutputReport{Name: out.Name}
		for _, ref := range out.Fields {
			report.Fields = append(report.Fields, FieldRef{Name: ref.Name})
		}
		def.Outputs = append(def.Outputs, report)
	}

	return def, nil
}

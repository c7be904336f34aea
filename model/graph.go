package model

import (
	"fmt"
	"sort"
)

// ModelDef is the full set of declarations a deployment compiles: the input
// reports devices publish, the derived fields registered against them, and
// the output reports assembled from the result.
type ModelDef struct {
	Inputs  []InputReport
	Fields  []FieldDef
	Outputs []OutputReport
}

// edge is one dependency arrow, field -> dependsOn, tagged with whether it
// crosses a historical window (exempt from the cycle check: a field reading
// its own past value is not a cycle, it is a recurrence).
type edge struct {
	from       string
	to         string
	historical bool
}

// Graph is the compiled dependency graph over every field name declared in
// a ModelDef, built by Compile.
type Graph struct {
	nodes map[string]bool
	edges []edge
}

// CompiledModel is the result of Compile: a topologically ordered field
// list ready for the engine to wire into splitter/generator/resolver
// roles, plus lookups back to the declarations that produced it.
type CompiledModel struct {
	Inputs  map[string]InputReport
	Outputs map[string]OutputReport
	Fields  map[string]FieldDef
	// Order lists every derived field name in an order where each entry's
	// non-historical dependencies already precede it.
	Order []string
	// SourceFields maps every source field name to the input report that
	// carries it.
	SourceFields map[string]string
	graph        *Graph
}

// Compile validates a ModelDef's declarations and produces a CompiledModel:
// every derived field's dependencies must resolve to a known field, and the
// non-historical dependency graph must be acyclic. A field depending on its
// own historical window is permitted and excluded from the cycle check.
func Compile(def ModelDef) (*CompiledModel, error) {
	g := &Graph{nodes: map[string]bool{}}

	sourceFields := map[string]string{}
	for _, in := range def.Inputs {
		for _, f := range in.Fields {
			if _, dup := sourceFields[f.Name]; dup {
				return nil, fmt.Errorf("model: field %q declared by more than one input report", f.Name)
			}
			sourceFields[f.Name] = in.Name
			g.nodes[f.Name] = true
		}
	}

	fields := map[string]FieldDef{}
	for _, fd := range def.Fields {
		if _, isSource := sourceFields[fd.Name]; isSource {
			return nil, fmt.Errorf("model: derived field %q collides with a source field of the same name", fd.Name)
		}
		if _, dup := fields[fd.Name]; dup {
			return nil, fmt.Errorf("model: derived field %q registered more than once", fd.Name)
		}
		fields[fd.Name] = fd
		g.nodes[fd.Name] = true
	}

	for _, fd := range def.Fields {
		for _, dep := range fd.Deps {
			if !g.nodes[dep.Field] {
				return nil, fmt.Errorf("model: field %q depends on undeclared field %q", fd.Name, dep.Field)
			}
			g.edges = append(g.edges, edge{from: fd.Name, to: dep.Field, historical: dep.Historical})
		}
	}

	outputs := map[string]OutputReport{}
	for _, out := range def.Outputs {
		for _, ref := range out.Fields {
			if !g.nodes[ref.Name] {
				return nil, fmt.Errorf("model: output report %q references undeclared field %q", out.Name, ref.Name)
			}
		}
		if _, dup := outputs[out.Name]; dup {
			return nil, fmt.Errorf("model: output report %q registered more than once", out.Name)
		}
		outputs[out.Name] = out
	}

	order, err := g.topoSortDerived(fields)
	if err != nil {
		return nil, err
	}

	inputs := map[string]InputReport{}
	for _, in := range def.Inputs {
		inputs[in.Name] = in
	}

	return &CompiledModel{
		Inputs:       inputs,
		Outputs:      outputs,
		Fields:       fields,
		Order:        order,
		SourceFields: sourceFields,
		graph:        g,
	}, nil
}

// topoSortDerived orders fields so that every non-historical dependency of a
// derived field precedes it, detecting cycles among non-historical edges.
func (g *Graph) topoSortDerived(fields map[string]FieldDef) ([]string, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(fields))
	order := make([]string, 0, len(fields))
	path := make([]string, 0, len(fields))

	deps := make(map[string][]string, len(fields))
	for _, fd := range fields {
		for _, d := range fd.Deps {
			if d.Historical {
				continue
			}
			if _, isDerived := fields[d.Field]; isDerived {
				deps[fd.Name] = append(deps[fd.Name], d.Field)
			}
		}
	}

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			cycle := append(append([]string{}, path...), name)
			return fmt.Errorf("model: dependency cycle detected: %v", cycle)
		}

		color[name] = gray
		path = append(path, name)
		for _, dep := range deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	// deterministic traversal order keeps Compile's error messages and the
	// resulting Order stable across runs for the same ModelDef.
	sort.Strings(names)

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// MaxWindow returns the largest historical window length declared for
// fieldName across every derived field's dependencies, or 0 if fieldName
// has no historical dependents. The history store sizes each field's ring
// buffer to this value.
func (m *CompiledModel) MaxWindow(fieldName string) int {
	max := 0
	for _, fd := range m.Fields {
		for _, dep := range fd.Deps {
			if dep.Historical && dep.Field == fieldName && dep.WindowLength > max {
				max = dep.WindowLength
			}
		}
	}
	return max
}

// StreamName returns the broker sub-stream a field's values are published
// on: "<report>:<field>" for a source field, or just the field's own name
// for a derived field, which belongs to no single input report.
func (m *CompiledModel) StreamName(field string) (string, error) {
	if report, ok := m.SourceFields[field]; ok {
		return report + ":" + field, nil
	}
	if _, ok := m.Fields[field]; ok {
		return field, nil
	}
	return "", fmt.Errorf("model: unknown field %q", field)
}

// Dependents returns the derived fields that declare any dependency
// (current or historical) on fieldName.
func (m *CompiledModel) Dependents(fieldName string) []string {
	var out []string
	for _, name := range m.Order {
		for _, dep := range m.Fields[name].Deps {
			if dep.Field == fieldName {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

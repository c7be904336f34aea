package model

import "context"

// Values exposes the current-dependency values available to a generator
// function, validated against each dependency's declared presence before
// the function runs.
type Values map[string]any

// Get returns the named value and whether it was present.
func (v Values) Get(name string) (any, bool) {
	val, ok := v[name]
	return val, ok
}

// GetString returns name as a string, or ok=false if absent or the wrong type.
func (v Values) GetString(name string) (string, bool) {
	s, ok := v[name].(string)
	return s, ok
}

// GetFloat64 returns name as a float64, or ok=false if absent or the wrong type.
func (v Values) GetFloat64(name string) (float64, bool) {
	f, ok := v[name].(float64)
	return f, ok
}

// History exposes, per historical dependency, the bounded window of past
// values for that field, oldest first, with the most recent entry last.
type History map[string][]any

// Get returns the historical window for name, oldest first.
func (h History) Get(name string) []any {
	return h[name]
}

// Latest returns the most recent historical value for name, if any.
func (h History) Latest(name string) (any, bool) {
	w := h[name]
	if len(w) == 0 {
		return nil, false
	}
	return w[len(w)-1], true
}

// GeneratorFunc computes one derived field's value from its current and
// historical dependencies. An error return routes the message-id to the
// field's dead-letter stream instead of emitting a value.
type GeneratorFunc func(ctx context.Context, current Values, history History) (any, error)

// FieldDef is the explicit, inspectable result of RegisterField: a derived
// field's name, its dependencies, and the function that computes it. It
// replaces the original implementation's introspection of a Python
// function's default-argument annotations with a value the compiler can
// walk directly.
type FieldDef struct {
	Name    string
	Deps    []Dependency
	Compute GeneratorFunc
}

// RegisterField declares one derived field: its name, the dependencies its
// generator function needs (built with CurrentDeps/HistoricalDep), and the
// function itself. The returned FieldDef is passed to Compile as part of a
// ModelDef; nothing is registered globally.
func RegisterField(name string, deps []Dependency, fn GeneratorFunc) FieldDef {
	return FieldDef{Name: name, Deps: deps, Compute: fn}
}

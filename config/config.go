// Package config loads flepigo's hierarchical YAML configuration and
// exposes it through View, a thin wrapper mirroring the ConfigView
// contract gempyor builds on top of the confuse library: chained Sub()
// lookups instead of raw map indexing, with typed accessors at the
// leaves. Every package that needs configuration takes a *View explicitly
// (constructor argument, not a global), the same pattern the rest of
// flepigo uses for RNG sources and loggers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flepigo/flepigo/flepierrs"
)

// View wraps one node of the parsed YAML tree, remembering the dotted
// path that reached it so error messages can say where the problem is.
type View struct {
	path string
	node interface{}
}

// Load parses the YAML file at path into a root View. Rejects any config
// carrying a top-level "interventions" key as a pre-1.1 config that
// predates the seir_modifiers schema this module implements.
func Load(path string) (*View, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, flepierrs.NewIOError(path, err)
	}
	var raw interface{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, flepierrs.NewConfigError(path, err)
	}
	v := &View{path: "", node: normalize(raw)}
	if _, ok := v.Sub("interventions"); ok {
		return nil, flepierrs.NewConfigError(path, fmt.Errorf(
			"config uses the legacy top-level 'interventions' section; " +
				"migrate to 'seir_modifiers' before running this simulator"))
	}
	return v, nil
}

// normalize converts yaml.v3's map[string]interface{} decoding (which it
// already produces for string-keyed maps) recursively so nested Sub calls
// see the same shape throughout.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = normalize(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = normalize(vv)
		}
		return out
	default:
		return v
	}
}

// Exists reports whether the view's node is present (non-nil).
func (v *View) Exists() bool {
	return v != nil && v.node != nil
}

// Sub descends to a child key of a map-shaped node. ok is false if the
// current node isn't a map or the key is absent.
func (v *View) Sub(key string) (*View, bool) {
	if v == nil {
		return nil, false
	}
	m, ok := v.node.(map[string]interface{})
	if !ok {
		return nil, false
	}
	child, ok := m[key]
	if !ok {
		return nil, false
	}
	childPath := key
	if v.path != "" {
		childPath = v.path + "." + key
	}
	return &View{path: childPath, node: child}, true
}

// Keys returns the map keys at this node, or nil if it isn't a map.
func (v *View) Keys() []string {
	m, ok := v.node.(map[string]interface{})
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// Items returns the child views of a list-shaped node, or nil if it isn't
// a list.
func (v *View) Items() []*View {
	l, ok := v.node.([]interface{})
	if !ok {
		return nil
	}
	out := make([]*View, len(l))
	for i, item := range l {
		out[i] = &View{path: fmt.Sprintf("%s[%d]", v.path, i), node: normalize(item)}
	}
	return out
}

// String returns the node's scalar value formatted as a string.
func (v *View) String() (string, error) {
	if v == nil || v.node == nil {
		return "", flepierrs.NewConfigError(v.pathOrRoot(), fmt.Errorf("value is missing"))
	}
	switch t := v.node.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

// AsNumber returns the node's scalar value as a float64.
func (v *View) AsNumber() (float64, error) {
	if v == nil || v.node == nil {
		return 0, flepierrs.NewConfigError(v.pathOrRoot(), fmt.Errorf("value is missing"))
	}
	switch t := v.node.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, flepierrs.NewConfigError(v.pathOrRoot(), err)
		}
		return f, nil
	default:
		return 0, flepierrs.NewConfigError(v.pathOrRoot(), fmt.Errorf("%v is not a number", t))
	}
}

// AsStringSlice returns a list-shaped node's scalars as strings, or a
// single scalar node promoted to a one-element slice (gempyor's "all" or
// list-or-scalar convention for affected_subpops-like keys).
func (v *View) AsStringSlice() ([]string, error) {
	if v == nil || v.node == nil {
		return nil, flepierrs.NewConfigError(v.pathOrRoot(), fmt.Errorf("value is missing"))
	}
	if l, ok := v.node.([]interface{}); ok {
		out := make([]string, len(l))
		for i, item := range l {
			out[i] = fmt.Sprintf("%v", item)
		}
		return out, nil
	}
	s, err := v.String()
	if err != nil {
		return nil, err
	}
	return []string{s}, nil
}

// AsDate parses the node's scalar value as a YYYY-MM-DD date.
func (v *View) AsDate() (time.Time, error) {
	s, err := v.String()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, flepierrs.NewConfigError(v.pathOrRoot(), err)
	}
	return t, nil
}

// AsRandomDistribution parses the node as a {distribution: kind, ...}
// block and returns its kind and numeric parameters, the shape
// distribution.Parse consumes. This mirrors gempyor's
// NPI/base.as_random_distribution dispatch at the config layer: this
// package only extracts the raw kind/params, leaving sampler construction
// to package distribution so config stays free of a distuv dependency.
func (v *View) AsRandomDistribution() (string, map[string]float64, error) {
	if v == nil || v.node == nil {
		return "", nil, flepierrs.NewConfigError(v.pathOrRoot(), fmt.Errorf("value is missing"))
	}
	// A bare scalar means a fixed value, gempyor's shorthand for
	// {distribution: fixed, value: <scalar>}.
	if _, ok := v.node.(map[string]interface{}); !ok {
		f, err := v.AsNumber()
		if err != nil {
			return "", nil, err
		}
		return "fixed", map[string]float64{"value": f}, nil
	}
	kindView, ok := v.Sub("distribution")
	if !ok {
		return "", nil, flepierrs.NewConfigError(v.pathOrRoot(), fmt.Errorf("missing 'distribution' key"))
	}
	kind, err := kindView.String()
	if err != nil {
		return "", nil, err
	}
	params := map[string]float64{}
	for _, k := range v.Keys() {
		if k == "distribution" {
			continue
		}
		sub, _ := v.Sub(k)
		if f, err := sub.AsNumber(); err == nil {
			params[k] = f
		}
	}
	return kind, params, nil
}

func (v *View) pathOrRoot() string {
	if v == nil || v.path == "" {
		return "<root>"
	}
	return v.path
}

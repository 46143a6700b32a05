// Package flows describes the flows a hunt can run and validates the
// arguments operators supply for them. What a flow does on the endpoint is
// outside this service; only its parameter schema matters here.
package flows

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/validation"
)

// ParamType is the declared type of a flow parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamBool    ParamType = "bool"
	ParamEnum    ParamType = "enum"
)

// Param declares one flow parameter.
type Param struct {
	Name     string    `json:"name"`
	Type     ParamType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Default  any       `json:"default,omitempty"`
	Values   []string  `json:"values,omitempty"` // enum members
	Help     string    `json:"help,omitempty"`
}

// Flow is a runnable flow and its parameter schema.
type Flow struct {
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Help     string  `json:"help,omitempty"`
	Params   []Param `json:"params"`
}

// Registry holds the known flows. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]*Flow
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{flows: make(map[string]*Flow)}
}

// Register adds a flow, replacing any flow with the same name.
func (r *Registry) Register(f Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[f.Name] = &f
}

// Get returns the named flow.
func (r *Registry) Get(name string) (*Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return f, nil
}

// List returns all flows ordered by category then name.
func (r *Registry) List() []*Flow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Flow, 0, len(r.flows))
	for _, f := range r.flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ValidateArgs checks args against the named flow's schema and returns a
// normalized copy with defaults filled in. Failures wrap
// domain.ErrInvalidArguments and carry per-field validation errors.
func (r *Registry) ValidateArgs(flowName string, args map[string]any) (map[string]any, error) {
	f, err := r.Get(flowName)
	if err != nil {
		var errs validation.ValidationErrors
		errs.Add("flow_name", flowName, "unknown flow")
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidArguments, errs)
	}

	var errs validation.ValidationErrors
	out := make(map[string]any, len(f.Params))

	known := make(map[string]bool, len(f.Params))
	for _, p := range f.Params {
		known[p.Name] = true
	}
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !known[name] {
			errs.Add("flow_args."+name, fmt.Sprint(args[name]), "unknown parameter")
		}
	}

	for _, p := range f.Params {
		raw, present := args[p.Name]
		if !present || raw == nil {
			if p.Required {
				errs.Add("flow_args."+p.Name, "", "parameter is required")
				continue
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		v, err := coerce(p, raw)
		if err != nil {
			errs.Add("flow_args."+p.Name, fmt.Sprint(raw), err.Error())
			continue
		}
		out[p.Name] = v
	}

	if errs.HasErrors() {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidArguments, errs)
	}
	return out, nil
}

func coerce(p Param, raw any) (any, error) {
	switch p.Type {
	case ParamString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string")
		}
		return s, nil
	case ParamEnum:
		s, ok := raw.(string)
		if !ok || !slices.Contains(p.Values, s) {
			return nil, fmt.Errorf("expected one of %v", p.Values)
		}
		return s, nil
	case ParamBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("expected a boolean")
			}
			return b, nil
		}
		return nil, fmt.Errorf("expected a boolean")
	case ParamInteger:
		return toInt64(raw)
	default:
		return nil, fmt.Errorf("unsupported parameter type %q", p.Type)
	}
}

func toInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case float64:
		n, ok := domain.FloatToInt64(v)
		if !ok {
			return 0, fmt.Errorf("expected an integer")
		}
		return n, nil
	case json.Number:
		return v.Int64()
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected an integer")
		}
		return n, nil
	}
	return 0, fmt.Errorf("expected an integer")
}

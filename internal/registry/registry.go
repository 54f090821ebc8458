// Package registry implements the tool/skill registry: a name-to-callable
// mapping with JSON Schema argument validation, cache policy, and dynamic
// discovery of sub-cascade and MCP-backed skills.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ryrobes/larsql-sub001/internal/cerrs"
)

// Origin is the closed enum of where a skill's callable comes from.
type Origin string

const (
	OriginBuiltin     Origin = "builtin"
	OriginCascade     Origin = "cascade"
	OriginMCP         Origin = "mcp"
	OriginDeclarative Origin = "declarative"
)

// CachePolicy configures result caching for a single skill.
type CachePolicy struct {
	Enabled        bool
	TTLSeconds     int64
	KeyStrategy    string // args_hash | query | sql_hash | custom
	KeyArg         string // named argument for query/sql_hash strategies
	InvalidateOn   []string
	CustomKeyFunc  func(args map[string]any) (string, error)
}

// Callable is the function signature every registered skill exposes,
// whether it is a builtin Go function, a sub-cascade dispatch, or an MCP
// proxy call.
type Callable func(ctx context.Context, args map[string]any) (any, error)

// Skill is one entry in the registry.
type Skill struct {
	Name        string
	Callable    Callable
	Schema      *jsonschema.Schema
	RawSchema   map[string]any
	CachePolicy *CachePolicy
	Origin      Origin
}

// Registry is the process-wide tool/skill registry singleton.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*Skill
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{skills: make(map[string]*Skill)}
}

// Register adds a skill. It fails if the name already exists unless origin
// is OriginCascade and reload is true.
func (r *Registry) Register(s *Skill, reload bool) error {
	if s.Name == "" {
		return cerrs.New(cerrs.KindConfig, "registry.Register", fmt.Errorf("skill name is required"))
	}
	var compiled *jsonschema.Schema
	if s.RawSchema != nil {
		c := jsonschema.NewCompiler()
		resourceURL := "mem://skill/" + s.Name
		if err := c.AddResource(resourceURL, s.RawSchema); err != nil {
			return cerrs.New(cerrs.KindConfig, "registry.Register", fmt.Errorf("compile schema for %q: %w", s.Name, err))
		}
		sch, err := c.Compile(resourceURL)
		if err != nil {
			return cerrs.New(cerrs.KindConfig, "registry.Register", fmt.Errorf("compile schema for %q: %w", s.Name, err))
		}
		compiled = sch
	}
	s.Schema = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.skills[s.Name]; ok {
		if !(s.Origin == OriginCascade && reload) {
			return cerrs.New(cerrs.KindConfig, "registry.Register",
				fmt.Errorf("skill %q already registered (origin=%s)", s.Name, existing.Origin))
		}
	}
	r.skills[s.Name] = s
	return nil
}

// Get looks up a skill by name.
func (r *Registry) Get(name string) (*Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	if !ok {
		return nil, cerrs.New(cerrs.KindUnknownSkill, "registry.Get", fmt.Errorf("unknown skill %q", name))
	}
	return s, nil
}

// List returns all registered skills, optionally filtered by origin.
// Results are sorted by name so callers see deterministic ordering.
func (r *Registry) List(originFilter Origin) []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Skill, 0, len(r.skills))
	for _, s := range r.skills {
		if originFilter != "" && s.Origin != originFilter {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks args against the skill's JSON Schema, if one was
// registered. A skill with no schema accepts any args.
func (s *Skill) Validate(args map[string]any) error {
	if s.Schema == nil {
		return nil
	}
	if err := s.Schema.Validate(args); err != nil {
		return cerrs.New(cerrs.KindConfig, "registry.Validate", fmt.Errorf("skill %q: args: %w", s.Name, err))
	}
	return nil
}

// Invoke validates args then calls the skill's callable.
func (s *Skill) Invoke(ctx context.Context, args map[string]any) (any, error) {
	if err := s.Validate(args); err != nil {
		return nil, err
	}
	return s.Callable(ctx, args)
}

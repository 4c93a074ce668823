package pipeline

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/c360/stepstreams/errors"
)

// Impl is a resolved stage implementation. Exactly one field is set.
type Impl struct {
	Step   StepFunc
	Spawn  SpawnFunc
	Member MemberFunc
}

// Factory builds a stage implementation from its configured parameters
type Factory func(params map[string]any) (Impl, error)

// Registry resolves stage names used in pipeline specs to implementations.
// Functions are registered by name; configurable stage kinds are registered
// as factories. All lookups happen in Build, before anything runs.
type Registry struct {
	mu      sync.RWMutex
	steps   map[string]StepFunc
	spawns  map[string]SpawnFunc
	members map[string]MemberFunc
	kinds   map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		steps:   make(map[string]StepFunc),
		spawns:  make(map[string]SpawnFunc),
		members: make(map[string]MemberFunc),
		kinds:   make(map[string]Factory),
	}
}

func (r *Registry) taken(name string) bool {
	_, step := r.steps[name]
	_, spawn := r.spawns[name]
	_, member := r.members[name]
	return step || spawn || member
}

func (r *Registry) checkName(method, name string, missing bool) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", method, "empty name")
	}
	if missing {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", method, fmt.Sprintf("nil function for %s", name))
	}
	if r.taken(name) {
		return errors.WrapInvalid(fmt.Errorf("stage %q is already registered", name), "Registry", method,
			"duplicate check")
	}
	return nil
}

// RegisterStep registers an ordinary stage function
func (r *Registry) RegisterStep(name string, fn StepFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkName("RegisterStep", name, fn == nil); err != nil {
		return err
	}
	r.steps[name] = fn
	return nil
}

// RegisterSpawn registers a fan-out stage function
func (r *Registry) RegisterSpawn(name string, fn SpawnFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkName("RegisterSpawn", name, fn == nil); err != nil {
		return err
	}
	r.spawns[name] = fn
	return nil
}

// RegisterMember registers a collector member function
func (r *Registry) RegisterMember(name string, fn MemberFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkName("RegisterMember", name, fn == nil); err != nil {
		return err
	}
	r.members[name] = fn
	return nil
}

// RegisterKind registers a configurable stage kind
func (r *Registry) RegisterKind(kind string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == "" || factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterKind", "kind and factory are required")
	}
	if _, exists := r.kinds[kind]; exists {
		return errors.WrapInvalid(fmt.Errorf("kind %q is already registered", kind), "Registry", "RegisterKind",
			"duplicate check")
	}
	r.kinds[kind] = factory
	return nil
}

// Names returns registered function names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := slices.Collect(maps.Keys(r.steps))
	names = slices.AppendSeq(names, maps.Keys(r.spawns))
	names = slices.AppendSeq(names, maps.Keys(r.members))
	slices.Sort(names)
	return names
}

// Kinds returns registered stage kinds, sorted
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.kinds))
}

func (r *Registry) fromKind(spec StageSpec) (Impl, error) {
	r.mu.RLock()
	factory, ok := r.kinds[spec.Kind]
	r.mu.RUnlock()
	if !ok {
		return Impl{}, fmt.Errorf("%w: kind %q of stage %s", errors.ErrUnknownStage, spec.Kind, spec.Name)
	}
	impl, err := factory(spec.With)
	if err != nil {
		return Impl{}, fmt.Errorf("configure %s stage %s: %w", spec.Kind, spec.Name, err)
	}
	return impl, nil
}

// resolve finds the implementation of a sequential stage
func (r *Registry) resolve(spec StageSpec) (Descriptor, error) {
	if spec.Kind != "" {
		impl, err := r.fromKind(spec)
		if err != nil {
			return Descriptor{}, err
		}
		switch {
		case impl.Step != nil:
			return Step(spec.Name, impl.Step), nil
		case impl.Spawn != nil:
			return Spawn(spec.Name, impl.Spawn), nil
		default:
			return Descriptor{}, fmt.Errorf("kind %q of stage %s only works as a collector member", spec.Kind, spec.Name)
		}
	}

	name := spec.target()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.steps[name]; ok {
		return Step(spec.Name, fn), nil
	}
	if fn, ok := r.spawns[name]; ok {
		return Spawn(spec.Name, fn), nil
	}
	if _, ok := r.members[name]; ok {
		return Descriptor{}, fmt.Errorf("%s is a collector member and cannot run as stage %s", name, spec.Name)
	}
	return Descriptor{}, fmt.Errorf("%w: %s", errors.ErrUnknownStage, name)
}

// resolveMember finds the implementation of a collector member. Steps are
// adapted to work on the group input.
func (r *Registry) resolveMember(spec StageSpec) (MemberFunc, error) {
	if spec.Kind != "" {
		impl, err := r.fromKind(spec)
		if err != nil {
			return nil, err
		}
		switch {
		case impl.Member != nil:
			return impl.Member, nil
		case impl.Step != nil:
			return AsMember(impl.Step), nil
		default:
			return nil, fmt.Errorf("kind %q of member %s cannot run in a collector", spec.Kind, spec.Name)
		}
	}

	name := spec.target()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.members[name]; ok {
		return fn, nil
	}
	if fn, ok := r.steps[name]; ok {
		return AsMember(fn), nil
	}
	return nil, fmt.Errorf("%w: member %s", errors.ErrUnknownStage, name)
}

// Build resolves every stage of spec and returns a validated definition
func (r *Registry) Build(spec DefinitionSpec) (*Definition, error) {
	stages := make([]Descriptor, 0, len(spec.Stages))

	for i, s := range spec.Stages {
		d, err := r.buildStage(s)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidPipeline, err),
				"Registry", "Build", fmt.Sprintf("pipeline %s stage %d", spec.Name, i))
		}
		stages = append(stages, d)
	}
	return NewDefinition(spec.Name, stages...)
}

func (r *Registry) buildStage(s StageSpec) (Descriptor, error) {
	timeout, err := parseTimeout(s.Timeout)
	if err != nil {
		return Descriptor{}, fmt.Errorf("stage %s: %w", s.Name, err)
	}

	switch {
	case s.Shuffle != nil:
		return Shuffle(s.Shuffle.Stream), nil

	case s.Collect != nil:
		group := Group{Name: s.Name, Terminal: s.Collect.Terminal, Timeout: timeout}
		if group.Timeout == 0 {
			if group.Timeout, err = parseTimeout(s.Collect.Timeout); err != nil {
				return Descriptor{}, fmt.Errorf("group %s: %w", s.Name, err)
			}
		}
		for _, m := range s.Collect.Members {
			fn, err := r.resolveMember(m)
			if err != nil {
				return Descriptor{}, err
			}
			group.Members = append(group.Members, Member{Name: m.Name, Fn: fn, Requires: m.Requires})
		}
		return Collect(group), nil

	default:
		d, err := r.resolve(s)
		if err != nil {
			return Descriptor{}, err
		}
		return d.WithTimeout(timeout), nil
	}
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative timeout %q", s)
	}
	return d, nil
}

package pipeline

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/c360/stepstreams/errors"
)

// StepFunc is an ordinary stage: one payload in, one payload out
type StepFunc func(ctx context.Context, inv *Invocation, payload any) (any, error)

// SpawnFunc is a fan-out stage. Every item it yields continues the
// pipeline independently; a non-nil error ends the sequence and fails the
// stage.
type SpawnFunc func(ctx context.Context, inv *Invocation, payload any) iter.Seq2[any, error]

// MemberFunc is a collector group member. It reads the group input and
// other members' results through the collector.
type MemberFunc func(ctx context.Context, inv *Invocation, c *Collector) (any, error)

// AsMember adapts a step into a collector member working on the group input
func AsMember(fn StepFunc) MemberFunc {
	return func(ctx context.Context, inv *Invocation, c *Collector) (any, error) {
		payload, err := c.Get(ctx, PayloadSlot)
		if err != nil {
			return nil, err
		}
		return fn(ctx, inv, payload)
	}
}

// Kind identifies a stage descriptor variant
type Kind int

// Stage descriptor kinds
const (
	KindStep Kind = iota
	KindSpawn
	KindCollect
	KindShuffle
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindStep:
		return "step"
	case KindSpawn:
		return "spawn"
	case KindCollect:
		return "collect"
	case KindShuffle:
		return "shuffle"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Descriptor is one entry of a pipeline definition. Build descriptors with
// Step, Spawn, Collect and Shuffle.
type Descriptor struct {
	name    string
	kind    Kind
	step    StepFunc
	spawn   SpawnFunc
	group   *Group
	stream  string
	timeout time.Duration
}

// Step describes an ordinary stage
func Step(name string, fn StepFunc) Descriptor {
	return Descriptor{name: name, kind: KindStep, step: fn}
}

// Spawn describes a fan-out stage
func Spawn(name string, fn SpawnFunc) Descriptor {
	return Descriptor{name: name, kind: KindSpawn, spawn: fn}
}

// Collect describes a collector group
func Collect(group Group) Descriptor {
	g := group
	g.Members = slices.Clone(group.Members)
	return Descriptor{name: group.Name, kind: KindCollect, group: &g, timeout: group.Timeout}
}

// Shuffle marks a hand-off through stream. Stages after it run in a
// separate invocation triggered by consuming stream.
func Shuffle(stream string) Descriptor {
	return Descriptor{name: "shuffle:" + stream, kind: KindShuffle, stream: stream}
}

// WithTimeout bounds the stage. For a collector group it replaces the
// group deadline. Shuffles ignore it.
func (d Descriptor) WithTimeout(timeout time.Duration) Descriptor {
	d.timeout = timeout
	if d.group != nil {
		g := *d.group
		g.Timeout = timeout
		d.group = &g
	}
	return d
}

// Name returns the stage name
func (d Descriptor) Name() string { return d.name }

// Kind returns the descriptor kind
func (d Descriptor) Kind() Kind { return d.kind }

// Stream returns the target stream of a shuffle
func (d Descriptor) Stream() string { return d.stream }

// Timeout returns the stage timeout, 0 when unbounded
func (d Descriptor) Timeout() time.Duration { return d.timeout }

// Group returns a copy of the collector group, or nil
func (d Descriptor) Group() *Group {
	if d.group == nil {
		return nil
	}
	g := *d.group
	g.Members = slices.Clone(d.group.Members)
	return &g
}

func (d Descriptor) validate() error {
	switch d.kind {
	case KindStep:
		if d.step == nil {
			return fmt.Errorf("step %q has no function", d.name)
		}
	case KindSpawn:
		if d.spawn == nil {
			return fmt.Errorf("spawn %q has no function", d.name)
		}
	case KindCollect:
		if d.group == nil {
			return fmt.Errorf("collect %q has no group", d.name)
		}
		return d.group.Validate()
	case KindShuffle:
		if d.stream == "" {
			return fmt.Errorf("shuffle without a stream")
		}
		return nil
	default:
		return fmt.Errorf("stage %q has unknown kind %s", d.name, d.kind)
	}
	if d.name == "" {
		return fmt.Errorf("%s stage without a name", d.kind)
	}
	if d.timeout < 0 {
		return fmt.Errorf("stage %q has a negative timeout", d.name)
	}
	return nil
}

// Definition is an ordered, immutable list of stage descriptors
type Definition struct {
	name     string
	stages   []Descriptor
	segments []Segment
}

// NewDefinition validates stages and builds a definition
func NewDefinition(name string, stages ...Descriptor) (*Definition, error) {
	if name == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidPipeline, "Definition", "NewDefinition", "name is required")
	}
	if len(stages) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidPipeline, "Definition", "NewDefinition",
			fmt.Sprintf("pipeline %s has no stages", name))
	}

	names := make(map[string]bool)
	streams := make(map[string]bool)
	for i, d := range stages {
		if err := d.validate(); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidPipeline, err),
				"Definition", "NewDefinition", fmt.Sprintf("pipeline %s stage %d", name, i))
		}
		if d.kind == KindShuffle {
			if streams[d.stream] {
				return nil, errors.WrapInvalid(errors.ErrInvalidPipeline, "Definition", "NewDefinition",
					fmt.Sprintf("pipeline %s shuffles to stream %s twice", name, d.stream))
			}
			streams[d.stream] = true
			continue
		}
		if names[d.name] {
			return nil, errors.WrapInvalid(errors.ErrInvalidPipeline, "Definition", "NewDefinition",
				fmt.Sprintf("pipeline %s has duplicate stage %s", name, d.name))
		}
		names[d.name] = true
	}

	def := &Definition{name: name, stages: slices.Clone(stages)}
	def.segments = split(def.stages)
	return def, nil
}

// Name returns the pipeline name
func (def *Definition) Name() string { return def.name }

// Stages returns a copy of the descriptor list
func (def *Definition) Stages() []Descriptor { return slices.Clone(def.stages) }

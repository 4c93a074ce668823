package pipeline

// DefinitionSpec is the declarative form of a pipeline, as loaded from
// configuration. Registry.Build turns it into a Definition.
type DefinitionSpec struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Stages      []StageSpec `json:"stages" yaml:"stages"`
}

// StageSpec declares one stage. Exactly one of these forms is used:
//
//   - a registered function: Use (or Name when Use is empty)
//   - a configurable kind: Kind with parameters in With
//   - a collector group: Collect
//   - a hand-off: Shuffle
type StageSpec struct {
	Name    string         `json:"name" yaml:"name"`
	Use     string         `json:"use,omitempty" yaml:"use,omitempty"`
	Kind    string         `json:"kind,omitempty" yaml:"kind,omitempty"`
	With    map[string]any `json:"with,omitempty" yaml:"with,omitempty"`
	Timeout string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Requires lists the slots a collector member reads
	Requires []string `json:"requires,omitempty" yaml:"requires,omitempty"`

	Collect *CollectSpec `json:"collect,omitempty" yaml:"collect,omitempty"`
	Shuffle *ShuffleSpec `json:"shuffle,omitempty" yaml:"shuffle,omitempty"`
}

// CollectSpec declares a collector group
type CollectSpec struct {
	Terminal string      `json:"terminal" yaml:"terminal"`
	Timeout  string      `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Members  []StageSpec `json:"members" yaml:"members"`
}

// ShuffleSpec declares a stream hand-off
type ShuffleSpec struct {
	Stream string `json:"stream" yaml:"stream"`
}

func (s StageSpec) target() string {
	if s.Use != "" {
		return s.Use
	}
	return s.Name
}

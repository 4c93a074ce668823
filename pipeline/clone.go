package pipeline

import "github.com/mohae/deepcopy"

// Cloner is implemented by payloads that know how to copy themselves.
// Payloads with unexported state must implement it, since the generic copy
// only follows exported fields.
type Cloner interface {
	Clone() any
}

// Clone returns an independent deep copy of v
func Clone(v any) any {
	if c, ok := v.(Cloner); ok {
		return c.Clone()
	}
	return deepcopy.Copy(v)
}

package message

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/c360/stepstreams/errors"
)

// Registration describes one payload type known to a Registry.
type Registration struct {
	Type        Type   `json:"type"`
	GoType      string `json:"go_type"`
	Description string `json:"description"`

	rtype reflect.Type
}

// Registry maps payload types to Go types so stream messages can be decoded
// back into the value the publishing stage produced.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]*Registration
	byGo   map[reflect.Type]*Registration
}

// NewRegistry creates an empty registry. Unregistered payloads use JSONType.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[string]*Registration),
		byGo:   make(map[reflect.Type]*Registration),
	}
}

// RegisterType registers Go type T under t. Decoding a message of type t
// yields a value of type T (pointer types decode into a fresh allocation).
func RegisterType[T any](r *Registry, t Type, description string) error {
	return r.register(t, reflect.TypeFor[T](), description)
}

func (r *Registry) register(t Type, rtype reflect.Type, description string) error {
	if !t.IsValid() {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterType",
			fmt.Sprintf("type %q validation", t.Key()))
	}
	if t == JSONType {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterType",
			"core.json.v1 is reserved")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byType[t.Key()]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("payload type '%s' is already registered", t.Key()),
			"Registry", "RegisterType", "duplicate payload check")
	}
	if existing, exists := r.byGo[rtype]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("go type %s is already registered as '%s'", rtype, existing.Type.Key()),
			"Registry", "RegisterType", "duplicate go type check")
	}

	reg := &Registration{Type: t, GoType: rtype.String(), Description: description, rtype: rtype}
	r.byType[t.Key()] = reg
	r.byGo[rtype] = reg
	return nil
}

// TypeOf returns the type a payload should be published under: its own
// Schema when it implements Payload, its registration otherwise, falling
// back to JSONType.
func (r *Registry) TypeOf(v any) Type {
	if p, ok := v.(Payload); ok {
		if t := p.Schema(); t.IsValid() {
			return t
		}
	}
	if v == nil || r == nil {
		return JSONType
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.byGo[reflect.TypeOf(v)]; ok {
		return reg.Type
	}
	return JSONType
}

// Known reports whether t is registered or is JSONType.
func (r *Registry) Known(t Type) bool {
	if t == JSONType {
		return true
	}
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byType[t.Key()]
	return ok
}

// Decode turns raw JSON into a value of the Go type registered for t.
// JSONType and unregistered types decode generically.
func (r *Registry) Decode(t Type, raw json.RawMessage) (any, error) {
	var reg *Registration
	if r != nil {
		r.mu.RLock()
		reg = r.byType[t.Key()]
		r.mu.RUnlock()
	}

	if reg == nil {
		var v any
		if len(raw) == 0 {
			return nil, nil
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errors.WrapInvalid(err, "Registry", "Decode", "decode generic payload")
		}
		return v, nil
	}

	ptr := reflect.New(reg.rtype)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, errors.WrapInvalid(err, "Registry", "Decode",
			fmt.Sprintf("decode payload %s", t.Key()))
	}
	value := ptr.Elem().Interface()

	if v, ok := value.(Validatable); ok {
		if err := v.Validate(); err != nil {
			return nil, errors.WrapInvalid(err, "Registry", "Decode",
				fmt.Sprintf("validate payload %s", t.Key()))
		}
	}
	return value, nil
}

// List returns all registrations sorted by type key.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, 0, len(r.byType))
	for _, reg := range r.byType {
		out = append(out, *reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type.Key() < out[j].Type.Key() })
	return out
}

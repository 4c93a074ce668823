package message

import (
	"fmt"
	"strings"

	"github.com/c360/stepstreams/errors"
)

// Type identifies a payload schema carried in a stream message.
//
// Format: Type{Domain: "orders", Category: "priced", Version: "v1"} ->
// "orders.priced.v1". Types are declared by the packages that own the payload:
//
//	var PricedOrder = message.Type{Domain: "orders", Category: "priced", Version: "v1"}
type Type struct {
	// Domain identifies the business or system domain
	Domain string
	// Category identifies the payload within the domain
	Category string
	// Version identifies the schema version ("v1", "v2")
	Version string
}

// JSONType is the fallback type for payloads that have no registered type.
// They travel as plain JSON and decode into map[string]any, []any, string,
// float64, bool or nil.
var JSONType = Type{Domain: "core", Category: "json", Version: "v1"}

// Key returns the dotted notation "domain.category.version"
func (t Type) Key() string {
	return fmt.Sprintf("%s.%s.%s", t.Domain, t.Category, t.Version)
}

// String returns the same as Key()
func (t Type) String() string {
	return t.Key()
}

// IsValid checks that every part is populated
func (t Type) IsValid() bool {
	return t.Domain != "" && t.Category != "" && t.Version != ""
}

// ParseType parses "domain.category.version".
func ParseType(s string) (Type, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Type{}, errors.WrapInvalid(errors.ErrInvalidData, "Type", "ParseType",
			fmt.Sprintf("expected 3 parts in %q, got %d", s, len(parts)))
	}
	for i, part := range parts {
		if part == "" {
			return Type{}, errors.WrapInvalid(errors.ErrInvalidData, "Type", "ParseType",
				fmt.Sprintf("part %d of %q is empty", i+1, s))
		}
	}
	return Type{Domain: parts[0], Category: parts[1], Version: parts[2]}, nil
}

// MarshalText encodes the type as its dotted key
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.Key()), nil
}

// UnmarshalText parses a dotted key
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Payload is implemented by payloads that declare their own type.
type Payload interface {
	Schema() Type
}

// Validatable is implemented by payloads that check themselves after decoding.
type Validatable interface {
	Validate() error
}

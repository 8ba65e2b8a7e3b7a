// Package fields holds the per-entity-type registry of writable fields and
// their declared types. The registry is built once from a Schema and is
// read-only afterwards.
package fields

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/automation/values"
	"github.com/shopspring/decimal"
)

// Type is the declared type of a flat entity field.
type Type string

const (
	TypeUUID     Type = "uuid"
	TypeDate     Type = "date"
	TypeDateTime Type = "datetime"
	TypeDecimal  Type = "decimal"
	TypeBool     Type = "bool"
	TypeInt      Type = "int"
	TypeString   Type = "string"
)

// CustomFieldsPrefix marks a path that targets the custom-field store.
const CustomFieldsPrefix = "custom_fields."

// OwnerField is the conventional owner column used as the fallback
// notification recipient.
const OwnerField = "owner_id"

// ErrUnknownField is returned when a path is not allow-listed for an entity type.
var ErrUnknownField = errors.New("field is not writable")

// Schema maps entity types to field names to declared type names.
type Schema map[string]map[string]string

// Registry is the immutable allow-list of writable fields.
type Registry struct {
	entities map[string]map[string]Type
}

// NewRegistry validates the schema and builds a registry from it.
func NewRegistry(schema Schema) (*Registry, error) {
	if err := ValidateSchema(schema); err != nil {
		return nil, err
	}

	r := &Registry{entities: make(map[string]map[string]Type, len(schema))}
	for entityType, defs := range schema {
		m := make(map[string]Type, len(defs))
		for name, typeName := range defs {
			m[name] = Type(typeName)
		}
		r.entities[entityType] = m
	}
	return r, nil
}

// MustRegistry is NewRegistry for static schemas known to be valid.
func MustRegistry(schema Schema) *Registry {
	r, err := NewRegistry(schema)
	if err != nil {
		panic(err)
	}
	return r
}

// EntityTypes lists the registered entity types in sorted order.
func (r *Registry) EntityTypes() []string {
	out := make([]string, 0, len(r.entities))
	for t := range r.entities {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HasEntity reports whether entityType is registered.
func (r *Registry) HasEntity(entityType string) bool {
	_, ok := r.entities[entityType]
	return ok
}

// Lookup returns the declared type of a flat field.
func (r *Registry) Lookup(entityType, name string) (Type, bool) {
	defs, ok := r.entities[entityType]
	if !ok {
		return "", false
	}
	t, ok := defs[name]
	return t, ok
}

// IsCustomPath reports whether path addresses a custom field, returning its key.
func IsCustomPath(path string) (string, bool) {
	if !strings.HasPrefix(path, CustomFieldsPrefix) {
		return "", false
	}
	key := strings.TrimPrefix(path, CustomFieldsPrefix)
	if key == "" || strings.Contains(key, ".") {
		return "", false
	}
	return key, true
}

// Resolve checks that path is writable for entityType. Custom-field paths
// are accepted for every registered entity type.
func (r *Registry) Resolve(entityType, path string) (Type, bool, error) {
	if !r.HasEntity(entityType) {
		return "", false, fmt.Errorf("%w: unknown entity type %q", ErrUnknownField, entityType)
	}
	if _, ok := IsCustomPath(path); ok {
		return "", true, nil
	}
	t, ok := r.Lookup(entityType, path)
	if !ok {
		return "", false, fmt.Errorf("%w: %s.%s", ErrUnknownField, entityType, path)
	}
	return t, false, nil
}

// Coerce converts v to the Go representation of the declared type. A nil
// value clears the field and is accepted for every type.
func Coerce(t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeUUID:
		if s, ok := v.(string); ok {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("invalid uuid %q: %w", s, err)
			}
			return id.String(), nil
		}
		if id, ok := v.(uuid.UUID); ok {
			return id.String(), nil
		}
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return nil, fmt.Errorf("invalid bool %q", x)
			}
			return b, nil
		}
	case TypeDecimal:
		if d, ok := values.Normalize(v).(decimal.Decimal); ok {
			return d, nil
		}
	case TypeInt:
		if d, ok := values.Normalize(v).(decimal.Decimal); ok {
			if !d.IsInteger() {
				return nil, fmt.Errorf("value %s is not an integer", d)
			}
			if d.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || d.LessThan(decimal.NewFromInt(math.MinInt64)) {
				return nil, fmt.Errorf("value %s overflows int", d)
			}
			return d.IntPart(), nil
		}
	case TypeDate:
		switch x := v.(type) {
		case values.Date:
			return x, nil
		case time.Time:
			return values.NewDate(x), nil
		case string:
			d, err := values.ParseDate(x)
			if err != nil {
				return nil, fmt.Errorf("invalid date %q: %w", x, err)
			}
			return d, nil
		}
	case TypeDateTime:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			ts, ok := values.ParseDateTime(x)
			if !ok {
				return nil, fmt.Errorf("invalid datetime %q", x)
			}
			return ts.UTC(), nil
		}
	default:
		return nil, fmt.Errorf("unknown field type %q", t)
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", v, t)
}

// MarshalJSON renders the registry as its source schema.
func (r *Registry) MarshalJSON() ([]byte, error) {
	out := make(Schema, len(r.entities))
	for entityType, defs := range r.entities {
		m := make(map[string]string, len(defs))
		for name, t := range defs {
			m[name] = string(t)
		}
		out[entityType] = m
	}
	return json.Marshal(out)
}

package fields

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxEntityTypes    = 100
	maxFieldsPerType  = 200
	maxIdentifierSize = 100
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateSchema checks entity type names, field names and declared types.
func ValidateSchema(schema Schema) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema cannot be empty, must contain at least one entity type")
	}
	if len(schema) > maxEntityTypes {
		return fmt.Errorf("schema contains %d entity types, maximum allowed is %d", len(schema), maxEntityTypes)
	}

	for entityType, defs := range schema {
		if err := validateIdentifier(entityType); err != nil {
			return fmt.Errorf("invalid entity type %q: %w", entityType, err)
		}
		if len(defs) == 0 {
			return fmt.Errorf("entity type %q must contain at least one field", entityType)
		}
		if len(defs) > maxFieldsPerType {
			return fmt.Errorf("entity type %q contains %d fields, maximum allowed is %d", entityType, len(defs), maxFieldsPerType)
		}

		for name, typeName := range defs {
			if err := validateIdentifier(name); err != nil {
				return fmt.Errorf("invalid field name %q in entity type %q: %w", name, entityType, err)
			}
			if name == "custom_fields" {
				return fmt.Errorf("field name %q in entity type %q is reserved", name, entityType)
			}
			if strings.TrimSpace(typeName) != typeName || typeName == "" {
				return fmt.Errorf("field %q in entity type %q has malformed type %q", name, entityType, typeName)
			}
			if !isKnownType(Type(typeName)) {
				return fmt.Errorf("field %q in entity type %q has invalid type %q (must be one of: uuid, date, datetime, decimal, bool, int, string)", name, entityType, typeName)
			}
		}
	}
	return nil
}

func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierSize {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierSize)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern %s", identifierPattern)
	}
	if isReservedKeyword(name) {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}
	return nil
}

func isKnownType(t Type) bool {
	switch t {
	case TypeUUID, TypeDate, TypeDateTime, TypeDecimal, TypeBool, TypeInt, TypeString:
		return true
	}
	return false
}

// Field names double as CEL map keys, so CEL reserved words are refused.
func isReservedKeyword(name string) bool {
	switch name {
	case "true", "false", "null", "in", "as", "break", "const", "continue", "else",
		"for", "function", "if", "import", "let", "loop", "package", "namespace",
		"return", "var", "void", "while":
		return true
	}
	return false
}

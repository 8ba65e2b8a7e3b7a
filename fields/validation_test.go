package fields

import (
	"strings"
	"testing"
)

// TestValidateSchema_EmptySchema verifies a schema needs at least one entity type
func TestValidateSchema_EmptySchema(t *testing.T) {
	err := ValidateSchema(Schema{})
	if err == nil {
		t.Fatal("Expected error for empty schema, got nil")
	}
	if !strings.Contains(err.Error(), "empty") {
		t.Errorf("Expected error message about empty schema, got: %v", err)
	}
}

// TestValidateSchema_EmptyEntityType verifies entity types need at least one field
func TestValidateSchema_EmptyEntityType(t *testing.T) {
	err := ValidateSchema(Schema{"lead": {}})
	if err == nil {
		t.Fatal("Expected error for entity type without fields, got nil")
	}
	if !strings.Contains(err.Error(), "lead") {
		t.Errorf("Expected error message to mention 'lead', got: %v", err)
	}
}

// TestValidateSchema_TooManyFields verifies the per-type field ceiling
func TestValidateSchema_TooManyFields(t *testing.T) {
	defs := make(map[string]string)
	for i := 0; i < 201; i++ {
		defs["field_"+strings.Repeat("x", i%5)+string(rune('a'+i%26))+string(rune('a'+i/26))] = "int"
	}

	err := ValidateSchema(Schema{"lead": defs})
	if err == nil {
		t.Fatal("Expected error for too many fields, got nil")
	}
	if !strings.Contains(err.Error(), "200") {
		t.Errorf("Expected error message about max 200 fields, got: %v", err)
	}
}

// TestValidateSchema_Types verifies only the supported field types pass
func TestValidateSchema_Types(t *testing.T) {
	for _, typeName := range []string{"uuid", "date", "datetime", "decimal", "bool", "int", "string"} {
		if err := ValidateSchema(Schema{"lead": {"f": typeName}}); err != nil {
			t.Errorf("Expected type %s to pass validation, got error: %v", typeName, err)
		}
	}

	for _, typeName := range []string{"varchar", "timestamp", "float64", "String", " int", "int ", ""} {
		err := ValidateSchema(Schema{"lead": {"f": typeName}})
		if err == nil {
			t.Errorf("Expected error for type %q, got nil", typeName)
		}
	}
}

// TestValidateSchema_ReservedCustomFields verifies custom_fields cannot be shadowed
func TestValidateSchema_ReservedCustomFields(t *testing.T) {
	err := ValidateSchema(Schema{"lead": {"custom_fields": "string"}})
	if err == nil {
		t.Fatal("Expected error for reserved field name, got nil")
	}
}

// TestValidateIdentifier verifies identifier format, keywords and length limits
func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		shouldErr bool
	}{
		{"simple", "status", false},
		{"underscore", "_private", false},
		{"digits", "field2", false},
		{"starts with digit", "2field", true},
		{"hyphen", "follow-up", true},
		{"dot", "custom.key", true},
		{"reserved", "return", true},
		{"empty", "", true},
		{"max length", strings.Repeat("a", 100), false},
		{"too long", strings.Repeat("a", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateIdentifier(tt.id)
			if tt.shouldErr && err == nil {
				t.Errorf("Expected error for %q, got nil", tt.id)
			}
			if !tt.shouldErr && err != nil {
				t.Errorf("Expected no error for %q, got: %v", tt.id, err)
			}
		})
	}
}

// TestValidateSchema_DefaultSchema verifies the built-in schema is valid
func TestValidateSchema_DefaultSchema(t *testing.T) {
	if err := ValidateSchema(DefaultSchema()); err != nil {
		t.Fatalf("DefaultSchema() is invalid: %v", err)
	}
}

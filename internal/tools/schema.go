package tools

import (
	"fmt"
	"strings"
)

// Schema is the structural parameter schema shared by validation and
// LLM function-calling. It marshals to standard JSON Schema.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

func Object(properties map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: "object", Properties: properties, Required: required}
}

func String(description string) *Schema {
	return &Schema{Type: "string", Description: description}
}

func Number(description string) *Schema {
	return &Schema{Type: "number", Description: description}
}

func Boolean(description string) *Schema {
	return &Schema{Type: "boolean", Description: description}
}

// Validate checks args structurally against the schema. Absent optional
// fields are fine; present fields must match their declared type.
func (s *Schema) Validate(args map[string]any) error {
	if s == nil || s.Type != "object" {
		return nil
	}
	for _, field := range s.Required {
		value, ok := args[field]
		if !ok || value == nil {
			return fmt.Errorf("missing required field: %s", field)
		}
		if text, isString := value.(string); isString && strings.TrimSpace(text) == "" {
			return fmt.Errorf("missing required field: %s", field)
		}
	}
	for field, value := range args {
		prop, ok := s.Properties[field]
		if !ok || value == nil {
			continue
		}
		if err := prop.validateValue(field, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) validateValue(field string, value any) error {
	switch s.Type {
	case "object":
		nested, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("field %s: expected object", field)
		}
		return s.Validate(nested)
	case "string":
		text, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %s: expected string", field)
		}
		if len(s.Enum) > 0 {
			for _, allowed := range s.Enum {
				if text == allowed {
					return nil
				}
			}
			return fmt.Errorf("field %s: %q is not one of %s", field, text, strings.Join(s.Enum, ", "))
		}
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
		default:
			return fmt.Errorf("field %s: expected number", field)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("field %s: expected boolean", field)
		}
	case "array":
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("field %s: expected array", field)
		}
		if s.Items != nil {
			for _, item := range items {
				if err := s.Items.validateValue(field, item); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// MissingRequired reports which required top-level fields are absent or
// blank in args. This is the single mandatory-parameter gate: autopilot
// may only auto-confirm a call whose missing list is empty.
func (s *Schema) MissingRequired(args map[string]any) []string {
	if s == nil {
		return nil
	}
	missing := make([]string, 0)
	for _, field := range s.Required {
		value, ok := args[field]
		if !ok || value == nil {
			missing = append(missing, field)
			continue
		}
		switch typed := value.(type) {
		case string:
			if strings.TrimSpace(typed) == "" {
				missing = append(missing, field)
			}
		case map[string]any:
			if prop := s.Properties[field]; prop != nil && len(prop.MissingRequired(typed)) > 0 {
				missing = append(missing, field)
			}
		}
	}
	return missing
}

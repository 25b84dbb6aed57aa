package tool

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaCache sync.Map

// ValidateAgainst checks a value against a JSON Schema document given as
// a map. Compiled schemas are cached by their serialized form.
func ValidateAgainst(name string, schema map[string]any, value any) error {
	if len(schema) == 0 {
		return nil
	}

	compiled, err := compileSchema(name, schema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return err
	}

	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}

	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// ObjectSchema is a helper for tools declaring simple object schemas:
// properties maps field name to JSON Schema type name.
func ObjectSchema(properties map[string]string, required ...string) map[string]any {
	props := make(map[string]any, len(properties))
	for name, typ := range properties {
		props[name] = map[string]any{"type": typ}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}

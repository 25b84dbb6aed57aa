package resolver

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// CoerceToSchema validates resolved kwargs against a declared input
// schema and applies the non-ambiguous coercions: int↔string, numeric
// lists, JSON string→object. Declared keys must be present; keys the
// schema does not mention pass through untouched.
func CoerceToSchema(nodeID string, kwargs map[string]any, schema map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		out[k] = v
	}

	for key, declared := range schema {
		value, exists := out[key]
		if !exists {
			return nil, &ContextError{
				NodeID: nodeID, Kind: KindMissing,
				Message: fmt.Sprintf("required input %q is missing", key),
			}
		}

		coerced, err := coerceValue(value, declared)
		if err != nil {
			return nil, &ContextError{
				NodeID: nodeID, Kind: KindTypeMismatch,
				Message: fmt.Sprintf("input %q: %v", key, err),
			}
		}
		out[key] = coerced
	}

	return out, nil
}

func coerceValue(value any, declared any) (any, error) {
	// Nested object shape: recurse per key.
	if shape, ok := declared.(map[string]any); ok {
		obj, err := toObject(value)
		if err != nil {
			return nil, err
		}
		for key, inner := range shape {
			v, exists := obj[key]
			if !exists {
				return nil, fmt.Errorf("missing field %q", key)
			}
			cv, err := coerceValue(v, inner)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
			obj[key] = cv
		}
		return obj, nil
	}

	typeName, ok := declared.(string)
	if !ok {
		return nil, fmt.Errorf("schema declares unsupported type %T", declared)
	}

	switch typeName {
	case "any":
		return value, nil
	case "string":
		switch v := value.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(v), nil
		case bool:
			return strconv.FormatBool(v), nil
		default:
			return nil, fmt.Errorf("expected string, got %T", value)
		}
	case "int":
		switch v := value.(type) {
		case int:
			return v, nil
		case float64:
			if v == float64(int(v)) {
				return int(v), nil
			}
			return nil, fmt.Errorf("expected int, got non-integral %v", v)
		case string:
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("expected int, got %q", v)
			}
			return n, nil
		default:
			return nil, fmt.Errorf("expected int, got %T", value)
		}
	case "float":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("expected float, got %q", v)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("expected float, got %T", value)
		}
	case "bool":
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("expected bool, got %q", v)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("expected bool, got %T", value)
		}
	case "list":
		switch v := value.(type) {
		case []any:
			return v, nil
		case string:
			var decoded []any
			if err := json.Unmarshal([]byte(v), &decoded); err != nil {
				return nil, fmt.Errorf("expected list, got unparseable string")
			}
			return decoded, nil
		default:
			return nil, fmt.Errorf("expected list, got %T", value)
		}
	case "object":
		return toObject(value)
	default:
		return nil, fmt.Errorf("schema declares unknown type %q", typeName)
	}
}

// toObject accepts a map or a JSON string encoding one.
func toObject(value any) (map[string]any, error) {
	switch v := value.(type) {
	case map[string]any:
		return v, nil
	case string:
		var decoded map[string]any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			return nil, fmt.Errorf("expected object, got unparseable string")
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("expected object, got %T", value)
	}
}

package blueprint

import (
	"strings"
)

// I/O schemas are maps from field name to either a primitive type name
// ("string", "int", "float", "bool", "list", "object", "any") or a nested
// map describing an object shape.

// TypeAt resolves the declared type at a dotted path inside a schema.
// A "*" segment descends past a list into element position; since list
// element shapes are not declared, the result degrades to "any".
// Returns ("", false) when the path does not exist.
func TypeAt(schema map[string]any, path string) (any, bool) {
	if path == "" {
		return schema, true
	}

	var current any = schema
	for _, seg := range strings.Split(path, ".") {
		if seg == "*" {
			return "any", true
		}

		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		next, exists := obj[seg]
		if !exists {
			return nil, false
		}
		current = next
	}

	return current, true
}

// Compatible reports whether a value of the source type can feed a
// destination of the given type: primitive equality, "any" on either side,
// or destination object shape being a subset of the source shape.
func Compatible(src, dst any) bool {
	srcName, srcIsPrim := src.(string)
	dstName, dstIsPrim := dst.(string)

	if srcIsPrim && srcName == "any" {
		return true
	}
	if dstIsPrim && dstName == "any" {
		return true
	}

	if srcIsPrim && dstIsPrim {
		return srcName == dstName
	}

	srcObj, srcIsObj := src.(map[string]any)
	dstObj, dstIsObj := dst.(map[string]any)

	// A declared object shape satisfies a bare "object" primitive.
	if srcIsObj && dstIsPrim {
		return dstName == "object"
	}
	if srcIsPrim && dstIsObj {
		return srcName == "object" && len(dstObj) == 0
	}

	if srcIsObj && dstIsObj {
		// Destination keys must all exist in source with compatible types.
		for key, dstType := range dstObj {
			srcType, exists := srcObj[key]
			if !exists {
				return false
			}
			if !Compatible(srcType, dstType) {
				return false
			}
		}
		return true
	}

	return false
}

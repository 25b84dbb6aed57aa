package resolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/praxis-ai/praxis/blueprint"
)

// Error kinds carried by ContextError.
const (
	KindMissing            = "missing"
	KindTypeMismatch       = "type_mismatch"
	KindUnresolvedTemplate = "unresolved_template"
)

// ContextError is a per-node context assembly failure.
type ContextError struct {
	NodeID  string
	Kind    string
	Message string
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("node %s: %s: %s", e.NodeID, e.Kind, e.Message)
}

// templatePattern matches {{ expr }} where expr is a dotted path with
// optional indices, wildcards, and a chain of whitelisted filters. The
// grammar admits no function calls.
var templatePattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.*\[\]]+(?:\s*\|\s*[a-z_]+)*)\s*\}\}`)

// anyTemplate matches any {{ ... }} span, used to detect expressions the
// strict grammar rejected.
var anyTemplate = regexp.MustCompile(`\{\{[^}]*\}\}`)

// Resolver assembles per-node inputs from upstream outputs and renders
// template expressions against the execution context.
type Resolver struct{}

// New creates a resolver.
func New() *Resolver {
	return &Resolver{}
}

// BuildInputs produces the resolved input map for a node:
// input_mappings are looked up in the execution context, tool_args are
// merged with templates rendered, and the result is validated and
// coerced against the node's input schema.
func (r *Resolver) BuildInputs(node *blueprint.NodeSpec, execCtx map[string]any) (map[string]any, error) {
	kwargs := make(map[string]any, len(node.InputMappings))

	for param, m := range node.InputMappings {
		value, err := r.lookupMapping(node.ID, m, execCtx)
		if err != nil {
			return nil, err
		}
		kwargs[param] = value
	}

	// Template namespace: execution context, shadowed by the mapped kwargs.
	namespace := make(map[string]any, len(execCtx)+len(kwargs))
	for k, v := range execCtx {
		namespace[k] = v
	}
	for k, v := range kwargs {
		namespace[k] = v
	}

	if node.Type == blueprint.NodeTypeTool {
		for key, raw := range node.ToolArgs {
			resolved, err := r.resolveValue(node.ID, raw, namespace)
			if err != nil {
				return nil, err
			}
			kwargs[key] = resolved
		}
	}

	if len(node.InputSchema) > 0 {
		coerced, err := CoerceToSchema(node.ID, kwargs, node.InputSchema)
		if err != nil {
			return nil, err
		}
		kwargs = coerced
	}

	return kwargs, nil
}

// Render resolves every {{ expr }} template in a string against the
// execution context. Used for llm prompts and approval text.
func (r *Resolver) Render(nodeID, text string, execCtx map[string]any) (string, error) {
	out, err := r.renderString(nodeID, text, execCtx)
	if err != nil {
		return "", err
	}
	s, ok := out.(string)
	if !ok {
		data, merr := json.Marshal(out)
		if merr != nil {
			return "", &ContextError{NodeID: nodeID, Kind: KindTypeMismatch, Message: "rendered value is not serializable"}
		}
		return string(data), nil
	}
	return s, nil
}

// ResolveValue recursively resolves templates in an arbitrary value
// against the namespace. Used for nested workflow input maps.
func (r *Resolver) ResolveValue(nodeID string, value any, namespace map[string]any) (any, error) {
	return r.resolveValue(nodeID, value, namespace)
}

// lookupMapping resolves one input mapping against the context.
func (r *Resolver) lookupMapping(nodeID string, m blueprint.InputMapping, execCtx map[string]any) (any, error) {
	source, exists := execCtx[m.SourceNodeID]
	if !exists {
		return nil, &ContextError{
			NodeID: nodeID, Kind: KindMissing,
			Message: fmt.Sprintf("no output for upstream node %q", m.SourceNodeID),
		}
	}

	if m.SourceOutputKey == "" {
		return source, nil
	}

	value, found := lookupPath(source, m.SourceOutputKey)
	if !found {
		return nil, &ContextError{
			NodeID: nodeID, Kind: KindMissing,
			Message: fmt.Sprintf("path %q not found in output of %q", m.SourceOutputKey, m.SourceNodeID),
		}
	}
	return value, nil
}

// resolveValue recursively resolves templates in a value (string, map,
// array); other primitives pass through.
func (r *Resolver) resolveValue(nodeID string, value any, namespace map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return r.renderString(nodeID, v, namespace)
	case map[string]any:
		resolved := make(map[string]any, len(v))
		for key, inner := range v {
			rv, err := r.resolveValue(nodeID, inner, namespace)
			if err != nil {
				return nil, err
			}
			resolved[key] = rv
		}
		return resolved, nil
	case []any:
		resolved := make([]any, len(v))
		for i, inner := range v {
			rv, err := r.resolveValue(nodeID, inner, namespace)
			if err != nil {
				return nil, err
			}
			resolved[i] = rv
		}
		return resolved, nil
	default:
		return value, nil
	}
}

// renderString resolves templates in one string. A string that is exactly
// one template yields the referenced value with its type preserved;
// embedded templates interpolate as strings.
func (r *Resolver) renderString(nodeID, str string, namespace map[string]any) (any, error) {
	if !strings.Contains(str, "{{") {
		return str, nil
	}

	// Whole-string single template keeps the value's type.
	if m := templatePattern.FindStringSubmatch(str); m != nil && m[0] == strings.TrimSpace(str) {
		return r.evalExpression(nodeID, m[1], namespace)
	}

	var evalErr error
	result := templatePattern.ReplaceAllStringFunc(str, func(match string) string {
		if evalErr != nil {
			return match
		}
		expr := templatePattern.FindStringSubmatch(match)[1]
		value, err := r.evalExpression(nodeID, expr, namespace)
		if err != nil {
			evalErr = err
			return match
		}
		return stringify(value)
	})
	if evalErr != nil {
		return nil, evalErr
	}

	// Anything still wrapped in braces did not parse under the template
	// grammar: report rather than pass it through silently.
	if leftover := anyTemplate.FindString(result); leftover != "" {
		return nil, &ContextError{
			NodeID: nodeID, Kind: KindUnresolvedTemplate,
			Message: fmt.Sprintf("template %q is not a valid expression", leftover),
		}
	}

	return result, nil
}

// evalExpression evaluates "path | filter | filter" against the namespace.
func (r *Resolver) evalExpression(nodeID, expr string, namespace map[string]any) (any, error) {
	parts := strings.Split(expr, "|")
	path := strings.TrimSpace(parts[0])

	if strings.Contains(path, "__") {
		return nil, &ContextError{
			NodeID: nodeID, Kind: KindUnresolvedTemplate,
			Message: fmt.Sprintf("template path %q references a dunder name", path),
		}
	}

	value, found := lookupPath(namespace, path)
	if !found {
		return nil, &ContextError{
			NodeID: nodeID, Kind: KindUnresolvedTemplate,
			Message: fmt.Sprintf("template path %q not found in context", path),
		}
	}

	for _, raw := range parts[1:] {
		filter := strings.TrimSpace(raw)
		filtered, err := applyFilter(filter, value)
		if err != nil {
			return nil, &ContextError{NodeID: nodeID, Kind: KindUnresolvedTemplate, Message: err.Error()}
		}
		value = filtered
	}

	return value, nil
}

// applyFilter runs one whitelisted filter.
func applyFilter(name string, value any) (any, error) {
	switch name {
	case "upper":
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("filter upper requires a string, got %T", value)
		}
		return strings.ToUpper(s), nil
	case "lower":
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("filter lower requires a string, got %T", value)
		}
		return strings.ToLower(s), nil
	case "trim":
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("filter trim requires a string, got %T", value)
		}
		return strings.TrimSpace(s), nil
	case "json":
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("filter json failed: %v", err)
		}
		return string(data), nil
	case "length":
		switch v := value.(type) {
		case string:
			return len(v), nil
		case []any:
			return len(v), nil
		case map[string]any:
			return len(v), nil
		default:
			return nil, fmt.Errorf("filter length requires a string, list, or object, got %T", value)
		}
	default:
		return nil, fmt.Errorf("unknown template filter %q", name)
	}
}

// LookupPath resolves a dotted path into a value, with the same wildcard
// and index rules the input mappings use.
func LookupPath(root any, path string) (any, bool) {
	return lookupPath(root, path)
}

// lookupPath resolves a dotted path into a value. List wildcards use the
// "*" segment and project a list of matches; numeric segments index into
// lists.
func lookupPath(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}

	// Fast path for a bare top-level key.
	if obj, ok := root.(map[string]any); ok && !strings.ContainsAny(path, ".*[") {
		v, exists := obj[path]
		return v, exists
	}

	data, err := json.Marshal(root)
	if err != nil {
		return nil, false
	}

	// gjson spells the list wildcard "#".
	gpath := strings.ReplaceAll(path, ".*.", ".#.")
	gpath = strings.TrimSuffix(gpath, ".*")

	result := gjson.GetBytes(data, gpath)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

// stringify renders a value for string interpolation.
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

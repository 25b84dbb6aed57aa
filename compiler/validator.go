package compiler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/praxis-ai/praxis/blueprint"
	"github.com/praxis-ai/praxis/registry"
)

// SupportedSchemaMajor is the blueprint schema major this build accepts.
const SupportedSchemaMajor = 1

// Options tune compilation. The zero value disables every limit and
// registry-backed check.
type Options struct {
	// Registry enables whitelist checks for tool names and allowed_tools.
	// Nil skips them.
	Registry *registry.Registry

	// AllowedModels restricts llm node model ids. Empty allows any.
	AllowedModels []string

	// BudgetCeiling rejects blueprints whose estimated cost exceeds it.
	// Zero disables the check.
	BudgetCeiling int

	// DepthCeiling rejects graphs deeper than this many levels. Zero
	// disables the check.
	DepthCeiling int

	// Partial relaxes the compile for blueprints under construction:
	// schema compatibility and schema-presence checks are deferred to
	// finalization, and dangling input mapping sources are tolerated.
	Partial bool
}

// CompiledGraph is the result of a successful compile.
type CompiledGraph struct {
	Blueprint     *blueprint.Blueprint
	Graph         *Graph
	EstimatedCost int
}

// Compile runs the validation phases in order and returns the compiled
// graph. Fatal phases (version gate, structure, cycles) short-circuit;
// later phases accumulate every violation into one ValidationErrors list.
func Compile(bp *blueprint.Blueprint, opts Options) (*CompiledGraph, error) {
	if errs := checkSchemaVersion(bp); len(errs) > 0 {
		return nil, errs
	}
	if errs := checkStructure(bp, opts); len(errs) > 0 {
		return nil, errs
	}
	if cycle := findCycle(bp); cycle != nil {
		return nil, cycle
	}

	graph := buildGraph(bp)

	var errs ValidationErrors
	if !opts.Partial {
		errs = append(errs, checkSchemaCompatibility(bp, graph)...)
	}
	errs = append(errs, checkMappingOrder(bp, graph)...)
	errs = append(errs, checkPolicy(bp, opts)...)

	cost := estimateCost(bp)
	if opts.BudgetCeiling > 0 && cost > opts.BudgetCeiling {
		errs = append(errs, &ValidationError{
			Field:   "budget",
			Message: fmt.Sprintf("estimated cost %d exceeds budget ceiling %d", cost, opts.BudgetCeiling),
		})
	}
	if opts.DepthCeiling > 0 && graph.Depth() > opts.DepthCeiling {
		errs = append(errs, &ValidationError{
			Field:   "depth",
			Message: fmt.Sprintf("Depth ceiling exceeded: graph depth %d > %d", graph.Depth(), opts.DepthCeiling),
		})
	}

	if len(errs) > 0 {
		return nil, errs
	}

	return &CompiledGraph{Blueprint: bp, Graph: graph, EstimatedCost: cost}, nil
}

// checkSchemaVersion rejects unsupported majors. Minor and patch parts
// are accepted as-is.
func checkSchemaVersion(bp *blueprint.Blueprint) ValidationErrors {
	if bp.SchemaVersion == "" {
		return ValidationErrors{{Field: "schema_version", Message: "schema_version is required"}}
	}

	major := strings.SplitN(bp.SchemaVersion, ".", 2)[0]
	n, err := strconv.Atoi(major)
	if err != nil {
		return ValidationErrors{{
			Field:   "schema_version",
			Message: fmt.Sprintf("invalid schema_version %q", bp.SchemaVersion),
		}}
	}
	if n != SupportedSchemaMajor {
		return ValidationErrors{{
			Field:   "schema_version",
			Message: fmt.Sprintf("unsupported schema major %d, this build supports %d.x", n, SupportedSchemaMajor),
		}}
	}
	return nil
}

// checkStructure covers duplicate ids, unknown types, per-kind required
// fields, dangling references, and mapping lint rules.
func checkStructure(bp *blueprint.Blueprint, opts Options) ValidationErrors {
	var errs ValidationErrors

	if len(bp.Nodes) == 0 {
		return ValidationErrors{{Field: "nodes", Message: "blueprint has no nodes"}}
	}

	seen := make(map[string]bool, len(bp.Nodes))
	for _, n := range bp.Nodes {
		if seen[n.ID] {
			errs = append(errs, &ValidationError{NodeID: n.ID, Field: "id", Message: "duplicate node id"})
			continue
		}
		seen[n.ID] = true
	}

	for _, n := range bp.Nodes {
		if err := n.Validate(); err != nil {
			errs = append(errs, &ValidationError{NodeID: n.ID, Message: err.Error()})
			continue
		}
		if !opts.Partial {
			if err := n.RuntimeValidate(); err != nil {
				errs = append(errs, &ValidationError{NodeID: n.ID, Message: err.Error()})
			}
		} else if len(n.AllowedTools) > 0 && n.Type != blueprint.NodeTypeTool && n.Type != blueprint.NodeTypeAgent {
			errs = append(errs, &ValidationError{NodeID: n.ID, Field: "allowed_tools", Message: "allowed_tools is only valid on tool or agent nodes"})
		}

		for _, dep := range n.Dependencies {
			if !seen[dep] {
				errs = append(errs, &ValidationError{
					NodeID: n.ID, Field: "dependencies",
					Message: fmt.Sprintf("dependency %q does not exist", dep),
				})
			}
			if dep == n.ID {
				errs = append(errs, &ValidationError{NodeID: n.ID, Field: "dependencies", Message: "node depends on itself"})
			}
		}

		for param, m := range n.InputMappings {
			if m.SourceNodeID == "" {
				errs = append(errs, &ValidationError{
					NodeID: n.ID, Field: "input_mappings",
					Message: fmt.Sprintf("mapping for %q has no source_node_id; literal values are not allowed in input_mappings", param),
				})
				continue
			}
			if !seen[m.SourceNodeID] && !opts.Partial {
				errs = append(errs, &ValidationError{
					NodeID: n.ID, Field: "input_mappings",
					Message: fmt.Sprintf("mapping for %q references unknown node %q", param, m.SourceNodeID),
				})
			}
		}

		switch n.Type {
		case blueprint.NodeTypeLoop:
			for _, id := range n.BodyNodes {
				if !seen[id] {
					errs = append(errs, &ValidationError{
						NodeID: n.ID, Field: "body_nodes",
						Message: fmt.Sprintf("body node %q does not exist", id),
					})
				}
			}
		case blueprint.NodeTypeParallel:
			for _, branch := range n.Branches {
				for _, id := range branch {
					if !seen[id] {
						errs = append(errs, &ValidationError{
							NodeID: n.ID, Field: "branches",
							Message: fmt.Sprintf("branch node %q does not exist", id),
						})
					}
				}
			}
		}
	}

	return errs
}

// findCycle runs Tarjan's strongly connected components over the dep
// graph and reports the first nontrivial component, members sorted.
func findCycle(bp *blueprint.Blueprint) *CircularDependencyError {
	index := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	counter := 0

	deps := make(map[string][]string, len(bp.Nodes))
	var ids []string
	for _, n := range bp.Nodes {
		deps[n.ID] = n.Dependencies
		ids = append(ids, n.ID)
	}

	var cycle []string
	var strongconnect func(v string)
	strongconnect = func(v string) {
		index[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range deps[v] {
			if _, known := deps[w]; !known {
				continue
			}
			if _, visited := index[w]; !visited {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && index[w] < lowlink[v] {
				lowlink[v] = index[w]
			}
		}

		if lowlink[v] == index[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			if cycle == nil && (len(scc) > 1 || selfLoop(deps, scc)) {
				sort.Strings(scc)
				cycle = scc
			}
		}
	}

	sort.Strings(ids)
	for _, id := range ids {
		if _, visited := index[id]; !visited {
			strongconnect(id)
		}
	}

	if cycle == nil {
		return nil
	}
	return &CircularDependencyError{Cycle: cycle}
}

func selfLoop(deps map[string][]string, scc []string) bool {
	if len(scc) != 1 {
		return false
	}
	for _, d := range deps[scc[0]] {
		if d == scc[0] {
			return true
		}
	}
	return false
}

// checkSchemaCompatibility verifies every input mapping resolves inside
// the source node's declared output schema and unifies with the consumer's
// declared input type.
func checkSchemaCompatibility(bp *blueprint.Blueprint, graph *Graph) ValidationErrors {
	var errs ValidationErrors

	for _, n := range bp.Nodes {
		for param, m := range n.InputMappings {
			src := bp.Node(m.SourceNodeID)
			if src == nil {
				continue
			}

			if len(src.OutputSchema) == 0 {
				continue
			}
			srcType, found := blueprint.TypeAt(src.OutputSchema, m.SourceOutputKey)
			if !found {
				errs = append(errs, &ValidationError{
					NodeID: n.ID, Field: "input_mappings",
					Message: fmt.Sprintf("source path %q not declared in output schema of %q", m.SourceOutputKey, m.SourceNodeID),
				})
				continue
			}

			if len(n.InputSchema) == 0 {
				continue
			}
			dstType, declared := blueprint.TypeAt(n.InputSchema, param)
			if !declared {
				continue
			}
			if !blueprint.Compatible(srcType, dstType) {
				errs = append(errs, &ValidationError{
					NodeID: n.ID, Field: "input_mappings",
					Message: fmt.Sprintf("parameter %q expects %v but %s.%s produces %v", param, dstType, m.SourceNodeID, m.SourceOutputKey, srcType),
				})
			}
		}
	}

	return errs
}

// checkMappingOrder verifies every input mapping reads from a node inside
// the consumer's transitive dependency set, so the source has always run
// before the consumer is scheduled. Child nodes inherit their owner's
// ancestry. Runs after the cycle check, so the dependency walk terminates.
func checkMappingOrder(bp *blueprint.Blueprint, graph *Graph) ValidationErrors {
	var errs ValidationErrors

	ancestors := make(map[string]map[string]bool, len(bp.Nodes))
	var resolve func(id string) map[string]bool
	resolve = func(id string) map[string]bool {
		if set, done := ancestors[id]; done {
			return set
		}
		set := make(map[string]bool)
		ancestors[id] = set
		n := bp.Node(id)
		if n == nil {
			return set
		}
		for _, dep := range n.Dependencies {
			set[dep] = true
			for a := range resolve(dep) {
				set[a] = true
			}
		}
		return set
	}

	upstream := func(consumer, source string) bool {
		if resolve(consumer)[source] {
			return true
		}
		owner, ok := graph.IsChild(consumer)
		for ok {
			if resolve(owner)[source] {
				return true
			}
			owner, ok = graph.IsChild(owner)
		}
		return false
	}

	for _, n := range bp.Nodes {
		for param, m := range n.InputMappings {
			if m.SourceNodeID == "" || bp.Node(m.SourceNodeID) == nil {
				continue
			}
			if !upstream(n.ID, m.SourceNodeID) {
				errs = append(errs, &ValidationError{
					NodeID: n.ID, Field: "input_mappings",
					Message: fmt.Sprintf("mapping for %q reads from %q, which is not an upstream dependency of %q", param, m.SourceNodeID, n.ID),
				})
			}
		}
	}

	return errs
}

// checkPolicy enforces the sensitive-data propagation rule, registry
// whitelists, and the model allow-list.
func checkPolicy(bp *blueprint.Blueprint, opts Options) ValidationErrors {
	var errs ValidationErrors

	for _, n := range bp.Nodes {
		if n.RequiresExternalIO {
			for _, dep := range n.Dependencies {
				src := bp.Node(dep)
				if src != nil && src.SensitiveData {
					errs = append(errs, &ValidationError{
						NodeID: n.ID, Field: "dependencies",
						Message: fmt.Sprintf("sensitive-data node %q may not directly precede a node with requires_external_io", dep),
					})
				}
			}
		}

		// allowed_tools on a tool node constrains the node's own tool too.
		if n.Type == blueprint.NodeTypeTool && len(n.AllowedTools) > 0 {
			listed := false
			for _, t := range n.AllowedTools {
				if t == n.ToolName {
					listed = true
					break
				}
			}
			if !listed {
				errs = append(errs, &ValidationError{
					NodeID: n.ID, Field: "allowed_tools",
					Message: fmt.Sprintf("tool_name %q is not in the node's allowed_tools", n.ToolName),
				})
			}
		}

		if opts.Registry != nil {
			if n.Type == blueprint.NodeTypeTool && !opts.Registry.Has(registry.SpaceTool, n.ToolName) {
				errs = append(errs, &ValidationError{
					NodeID: n.ID, Field: "tool_name",
					Message: fmt.Sprintf("tool %q is not registered", n.ToolName),
				})
			}
			for _, t := range n.AllowedTools {
				if !opts.Registry.Has(registry.SpaceTool, t) {
					errs = append(errs, &ValidationError{
						NodeID: n.ID, Field: "allowed_tools",
						Message: fmt.Sprintf("allowed tool %q is not registered", t),
					})
				}
			}
		}

		if n.Type == blueprint.NodeTypeLLM && len(opts.AllowedModels) > 0 && n.Model != "" {
			allowed := false
			for _, m := range opts.AllowedModels {
				if m == n.Model {
					allowed = true
					break
				}
			}
			if !allowed {
				errs = append(errs, &ValidationError{
					NodeID: n.ID, Field: "model",
					Message: fmt.Sprintf("model %q is not in the allow-list", n.Model),
				})
			}
		}
	}

	return errs
}

// estimateCost sums per-node weights: llm nodes count double.
func estimateCost(bp *blueprint.Blueprint) int {
	cost := 0
	for _, n := range bp.Nodes {
		cost += NodeWeight(n)
	}
	return cost
}

// NodeWeight is the scheduling and budget weight of a node.
func NodeWeight(n *blueprint.NodeSpec) int {
	if n.Type == blueprint.NodeTypeLLM {
		return 2
	}
	return 1
}

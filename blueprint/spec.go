package blueprint

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Node type constants
const (
	NodeTypeTool      = "tool"
	NodeTypeLLM       = "llm"
	NodeTypeCondition = "condition"
	NodeTypeLoop      = "loop"
	NodeTypeParallel  = "parallel"
	NodeTypeWorkflow  = "workflow"
	NodeTypeCode      = "code"
	NodeTypeAgent     = "agent"
	NodeTypeHuman     = "human"
	NodeTypeMonitor   = "monitor"
)

// validNodeTypes defines the set of recognized node types
var validNodeTypes = map[string]bool{
	NodeTypeTool:      true,
	NodeTypeLLM:       true,
	NodeTypeCondition: true,
	NodeTypeLoop:      true,
	NodeTypeParallel:  true,
	NodeTypeWorkflow:  true,
	NodeTypeCode:      true,
	NodeTypeAgent:     true,
	NodeTypeHuman:     true,
	NodeTypeMonitor:   true,
}

// IsValidNodeType reports whether t is a recognized node type.
func IsValidNodeType(t string) bool {
	return validNodeTypes[t]
}

// Blueprint is an immutable workflow description: a list of typed nodes
// wired by dependencies and input mappings.
type Blueprint struct {
	ID            string      `json:"id,omitempty"`
	SchemaVersion string      `json:"schema_version"`
	Metadata      Metadata    `json:"metadata,omitempty"`
	Nodes         []*NodeSpec `json:"nodes"`

	// VersionLock is the optimistic-concurrency token. It is derived from
	// content and excluded from its own computation.
	VersionLock string `json:"version_lock,omitempty"`
}

// Metadata holds display information about a blueprint
type Metadata struct {
	Name      string `json:"name,omitempty"`
	DraftName string `json:"draft_name,omitempty"`
}

// InputMapping wires one upstream output path to one input parameter.
// SourceOutputKey is a dotted path (a.b.c) into the source node's output.
type InputMapping struct {
	SourceNodeID    string `json:"source_node_id"`
	SourceOutputKey string `json:"source_output_key"`
}

// NodeSpec is one node's declaration inside a blueprint. The Type field
// discriminates which of the kind-specific fields apply.
type NodeSpec struct {
	ID             string                  `json:"id"`
	Type           string                  `json:"type"`
	Dependencies   []string                `json:"dependencies,omitempty"`
	Retries        int                     `json:"retries,omitempty"`
	TimeoutSeconds int                     `json:"timeout_seconds,omitempty"`
	UseCache       bool                    `json:"use_cache,omitempty"`
	AllowedTools   []string                `json:"allowed_tools,omitempty"`
	InputMappings  map[string]InputMapping `json:"input_mappings,omitempty"`
	InputSchema    map[string]any          `json:"input_schema,omitempty"`
	OutputSchema   map[string]any          `json:"output_schema,omitempty"`

	// Policy flags
	SensitiveData      bool `json:"sensitive_data,omitempty"`
	RequiresExternalIO bool `json:"requires_external_io,omitempty"`

	// tool
	ToolName string         `json:"tool_name,omitempty"`
	ToolArgs map[string]any `json:"tool_args,omitempty"`

	// llm
	Provider  string         `json:"provider,omitempty"`
	Model     string         `json:"model,omitempty"`
	Prompt    string         `json:"prompt,omitempty"`
	LLMConfig map[string]any `json:"llm_config,omitempty"`

	// condition
	Expression string `json:"expression,omitempty"`

	// loop
	ItemsSource   string   `json:"items_source,omitempty"`
	ItemVar       string   `json:"item_var,omitempty"`
	BodyNodes     []string `json:"body_nodes,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"`
	ParallelBody  bool     `json:"parallel_body,omitempty"`

	// parallel
	Branches [][]string `json:"branches,omitempty"`

	// workflow
	WorkflowRef    string            `json:"workflow_ref,omitempty"`
	ExposedOutputs map[string]string `json:"exposed_outputs,omitempty"`
	WorkflowInputs map[string]any    `json:"workflow_inputs,omitempty"`

	// code
	FactoryName string   `json:"factory_name,omitempty"`
	Language    string   `json:"language,omitempty"`
	Imports     []string `json:"imports,omitempty"`
	Sandbox     *bool    `json:"sandbox,omitempty"`

	// agent
	AgentName    string   `json:"agent_name,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	MemoryScopes []string `json:"memory_scopes,omitempty"`

	// human
	ApprovalPrompt string `json:"approval_prompt,omitempty"`
	EscalationPath string `json:"escalation_path,omitempty"`

	// monitor
	MetricExpression string   `json:"metric_expression,omitempty"`
	ActionOnTrigger  string   `json:"action_on_trigger,omitempty"`
	AlertChannels    []string `json:"alert_channels,omitempty"`
}

// DefaultLLMOutputSchema is applied to llm nodes that declare no output
// schema of their own.
func DefaultLLMOutputSchema() map[string]any {
	return map[string]any{
		"text":     "string",
		"response": "string",
	}
}

// SandboxEnabled reports whether a code node runs sandboxed. Sandboxing is
// on unless explicitly disabled.
func (n *NodeSpec) SandboxEnabled() bool {
	return n.Sandbox == nil || *n.Sandbox
}

// LLMParams are the provider tuning knobs carried in llm_config.
type LLMParams struct {
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	TopP        float64 `mapstructure:"top_p"`
}

// DecodeLLMParams decodes the free-form llm_config map into typed params.
func (n *NodeSpec) DecodeLLMParams() (*LLMParams, error) {
	params := &LLMParams{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           params,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build llm_config decoder: %w", err)
	}
	if err := decoder.Decode(n.LLMConfig); err != nil {
		return nil, fmt.Errorf("node %s: invalid llm_config: %w", n.ID, err)
	}
	return params, nil
}

// Validate checks kind-specific required fields on a single node.
func (n *NodeSpec) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("node has empty id")
	}
	if !IsValidNodeType(n.Type) {
		return fmt.Errorf("node %s: unknown node type: %s", n.ID, n.Type)
	}

	switch n.Type {
	case NodeTypeTool:
		if n.ToolName == "" {
			return fmt.Errorf("node %s: tool node requires tool_name", n.ID)
		}
	case NodeTypeLLM:
		if n.Prompt == "" {
			return fmt.Errorf("node %s: llm node requires prompt", n.ID)
		}
	case NodeTypeCondition:
		if n.Expression == "" {
			return fmt.Errorf("node %s: condition node requires expression", n.ID)
		}
	case NodeTypeLoop:
		if n.ItemsSource == "" {
			return fmt.Errorf("node %s: loop node requires items_source", n.ID)
		}
		if n.ItemVar == "" {
			return fmt.Errorf("node %s: loop node requires item_var", n.ID)
		}
		if len(n.BodyNodes) == 0 {
			return fmt.Errorf("node %s: loop node requires body_nodes", n.ID)
		}
		if n.MaxIterations < 0 {
			return fmt.Errorf("node %s: loop max_iterations must be >= 0", n.ID)
		}
	case NodeTypeParallel:
		if len(n.Branches) == 0 {
			return fmt.Errorf("node %s: parallel node requires branches", n.ID)
		}
	case NodeTypeWorkflow:
		if n.WorkflowRef == "" {
			return fmt.Errorf("node %s: workflow node requires workflow_ref", n.ID)
		}
	case NodeTypeCode:
		if n.FactoryName == "" {
			return fmt.Errorf("node %s: code node requires factory_name", n.ID)
		}
	case NodeTypeAgent:
		if n.AgentName == "" {
			return fmt.Errorf("node %s: agent node requires agent_name", n.ID)
		}
	case NodeTypeHuman:
		if n.ApprovalPrompt == "" {
			return fmt.Errorf("node %s: human node requires approval_prompt", n.ID)
		}
	case NodeTypeMonitor:
		if n.MetricExpression == "" {
			return fmt.Errorf("node %s: monitor node requires metric_expression", n.ID)
		}
	}

	return nil
}

// RuntimeValidate enforces the schema-presence rules that cannot be checked
// field by field: tool nodes must declare both schemas, llm nodes receive a
// default output schema, and allowed_tools may only appear on tool or agent
// nodes.
func (n *NodeSpec) RuntimeValidate() error {
	if err := n.Validate(); err != nil {
		return err
	}

	if n.Type == NodeTypeTool {
		if len(n.InputSchema) == 0 {
			return fmt.Errorf("node %s: tool node requires non-empty input_schema", n.ID)
		}
		if len(n.OutputSchema) == 0 {
			return fmt.Errorf("node %s: tool node requires non-empty output_schema", n.ID)
		}
	}

	if n.Type == NodeTypeCode {
		if len(n.InputSchema) == 0 || len(n.OutputSchema) == 0 {
			return fmt.Errorf("node %s: code node requires explicit input_schema and output_schema", n.ID)
		}
	}

	if len(n.AllowedTools) > 0 && n.Type != NodeTypeTool && n.Type != NodeTypeAgent {
		return fmt.Errorf("node %s: allowed_tools is only valid on tool or agent nodes", n.ID)
	}

	return nil
}

// ApplyDefaults fills in defaulted fields on all nodes.
func (b *Blueprint) ApplyDefaults() {
	for _, n := range b.Nodes {
		if n.Type == NodeTypeLLM && len(n.OutputSchema) == 0 {
			n.OutputSchema = DefaultLLMOutputSchema()
		}
	}
}

// Node returns the node with the given id, or nil.
func (b *Blueprint) Node(id string) *NodeSpec {
	for _, n := range b.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// RuntimeValidate applies per-node runtime validation across the blueprint.
func (b *Blueprint) RuntimeValidate() error {
	for _, n := range b.Nodes {
		if err := n.RuntimeValidate(); err != nil {
			return err
		}
	}
	return nil
}

package engine

// Error kinds surfaced in node results and execution records.
const (
	KindValidation = "ValidationError"
	KindCircular   = "CircularDependency"
	KindVersion    = "VersionConflict"
	KindContext    = "ContextError"
	KindTool       = "ToolError"
	KindProvider   = "ProviderError"
	KindTimeout    = "TimeoutError"
	KindSandbox    = "SandboxError"
	KindBudget     = "BudgetExceeded"
	KindDimension  = "DimensionMismatch"
	KindCancelled  = "Cancelled"
	KindCondition  = "ConditionError"
	KindInternal   = "InternalError"
)

// NodeError classifies one node failure.
type NodeError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

func (e *NodeError) Error() string {
	return e.Kind + ": " + e.Message
}

// NodeExecutionResult is what every executor returns.
type NodeExecutionResult struct {
	Success  bool           `json:"success"`
	Output   map[string]any `json:"output,omitempty"`
	Error    *NodeError     `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Succeed builds a success result.
func Succeed(output map[string]any) *NodeExecutionResult {
	return &NodeExecutionResult{Success: true, Output: output}
}

// Fail builds a failure result.
func Fail(kind, message string, retriable bool) *NodeExecutionResult {
	return &NodeExecutionResult{
		Success: false,
		Error:   &NodeError{Kind: kind, Message: message, Retriable: retriable},
	}
}

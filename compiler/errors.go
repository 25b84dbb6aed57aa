package compiler

import (
	"fmt"
	"strings"
)

// ValidationError is one static contract violation found during compile.
type ValidationError struct {
	NodeID  string `json:"node_id,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.NodeID == "" {
		return e.Message
	}
	return fmt.Sprintf("node %s: %s", e.NodeID, e.Message)
}

// ValidationErrors is the ordered list a failed compile returns.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("blueprint validation failed: %s", strings.Join(msgs, "; "))
}

// CircularDependencyError reports a dependency cycle. Cycle lists the
// member node ids sorted alphabetically.
type CircularDependencyError struct {
	Cycle []string `json:"cycle"`
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Cycle, " -> "))
}

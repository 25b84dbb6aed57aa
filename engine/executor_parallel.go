package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/praxis-ai/praxis/blueprint"
)

// parallelExecutor runs each branch concurrently; within a branch the
// listed nodes run in order, each seeing its predecessors' outputs.
type parallelExecutor struct {
	engine *Engine
}

func (x *parallelExecutor) Execute(ctx context.Context, run *Run, node *blueprint.NodeSpec, inputs map[string]any, execCtx map[string]any) *NodeExecutionResult {
	if len(node.Branches) == 0 {
		return Succeed(map[string]any{"branches": []any{}})
	}

	branches := make([]any, len(node.Branches))
	var mu sync.Mutex
	var firstErr *NodeExecutionResult

	g, branchCtx := errgroup.WithContext(ctx)
	g.SetLimit(x.engine.cfg.MaxParallel)
	for i, branch := range node.Branches {
		g.Go(func() error {
			output, res := x.runBranch(branchCtx, run, branch, execCtx)
			if res != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = res
				}
				mu.Unlock()
				return res.Error
			}
			branches[i] = output
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if firstErr != nil {
			return firstErr
		}
		return Fail(KindInternal, err.Error(), false)
	}

	return Succeed(map[string]any{"branches": branches})
}

// runBranch executes one branch's nodes sequentially against a private
// scratch context.
func (x *parallelExecutor) runBranch(ctx context.Context, run *Run, branch []string, execCtx map[string]any) (map[string]any, *NodeExecutionResult) {
	scratch := make(map[string]any, len(execCtx)+len(branch))
	for k, v := range execCtx {
		scratch[k] = v
	}

	outputs := make(map[string]any, len(branch))
	for _, memberID := range branch {
		member := run.Graph.Node(memberID)
		if member == nil {
			return nil, Fail(KindValidation, fmt.Sprintf("branch node %q is not in the blueprint", memberID), false)
		}

		result := x.engine.runChild(ctx, run, member, scratch)
		if !result.Success {
			return nil, &NodeExecutionResult{Success: false, Error: result.Error}
		}
		scratch[memberID] = result.Output
		outputs[memberID] = result.Output
	}

	return outputs, nil
}

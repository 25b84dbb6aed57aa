package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/praxis-ai/praxis/blueprint"
	"github.com/praxis-ai/praxis/resolver"
)

// loopExecutor iterates a list from the context, running the body nodes
// once per item against a scratch context holding the item variable.
type loopExecutor struct {
	engine *Engine
}

func (x *loopExecutor) Execute(ctx context.Context, run *Run, node *blueprint.NodeSpec, inputs map[string]any, execCtx map[string]any) *NodeExecutionResult {
	raw, found := resolver.LookupPath(execCtx, node.ItemsSource)
	if !found {
		return Fail(KindContext, fmt.Sprintf("items_source %q not found in context", node.ItemsSource), false)
	}
	items, ok := raw.([]any)
	if !ok {
		return Fail(KindContext, fmt.Sprintf("items_source %q is %T, expected a list", node.ItemsSource, raw), false)
	}

	if node.MaxIterations > 0 && len(items) > node.MaxIterations {
		items = items[:node.MaxIterations]
	}

	// Empty input is a successful no-op.
	if len(items) == 0 {
		return Succeed(map[string]any{"results": []any{}, "iterations": 0})
	}

	itemVar := node.ItemVar
	if itemVar == "" {
		itemVar = "item"
	}

	results := make([]any, len(items))
	if node.ParallelBody {
		var mu sync.Mutex
		var firstErr *NodeExecutionResult

		g, iterCtx := errgroup.WithContext(ctx)
		g.SetLimit(x.engine.cfg.MaxParallel)
		for i, item := range items {
			g.Go(func() error {
				output, res := x.iterate(iterCtx, run, node, execCtx, itemVar, i, item)
				if res != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = res
					}
					mu.Unlock()
					return res.Error
				}
				results[i] = output
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if firstErr != nil {
				return firstErr
			}
			return Fail(KindInternal, err.Error(), false)
		}
	} else {
		for i, item := range items {
			output, res := x.iterate(ctx, run, node, execCtx, itemVar, i, item)
			if res != nil {
				return res
			}
			results[i] = output
		}
	}

	return Succeed(map[string]any{"results": results, "iterations": len(items)})
}

// iterate runs the body once for one item. It returns the iteration's
// collected output, or a failure result.
func (x *loopExecutor) iterate(ctx context.Context, run *Run, node *blueprint.NodeSpec, execCtx map[string]any, itemVar string, index int, item any) (any, *NodeExecutionResult) {
	scratch := make(map[string]any, len(execCtx)+2)
	for k, v := range execCtx {
		scratch[k] = v
	}
	scratch[itemVar] = item
	scratch["loop_index"] = index

	var last map[string]any
	for _, bodyID := range node.BodyNodes {
		body := run.Graph.Node(bodyID)
		if body == nil {
			return nil, Fail(KindValidation, fmt.Sprintf("body node %q is not in the blueprint", bodyID), false)
		}

		result := x.engine.runChild(ctx, run, body, scratch)
		if !result.Success {
			return nil, &NodeExecutionResult{Success: false, Error: result.Error}
		}
		scratch[bodyID] = result.Output
		last = result.Output
	}

	if len(node.BodyNodes) == 1 {
		return last, nil
	}
	outputs := make(map[string]any, len(node.BodyNodes))
	for _, bodyID := range node.BodyNodes {
		outputs[bodyID] = scratch[bodyID]
	}
	return outputs, nil
}

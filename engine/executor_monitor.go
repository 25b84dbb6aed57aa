package engine

import (
	"context"
	"fmt"

	"github.com/praxis-ai/praxis/blueprint"
	"github.com/praxis-ai/praxis/common/eventbus"
)

// monitorExecutor evaluates a metric expression over the context and,
// when it fires, performs the configured action. The default action only
// emits an alert event; "halt" fails the node so the failure policy
// stops dependents.
type monitorExecutor struct {
	engine *Engine
}

func (x *monitorExecutor) Execute(ctx context.Context, run *Run, node *blueprint.NodeSpec, inputs map[string]any, execCtx map[string]any) *NodeExecutionResult {
	triggered, err := x.engine.conditions.Evaluate(node.MetricExpression, execCtx)
	if err != nil {
		return Fail(KindCondition, err.Error(), false)
	}

	action := node.ActionOnTrigger
	if action == "" {
		action = "alert"
	}

	if triggered {
		x.engine.emit(ctx, run, eventbus.TopicMonitorAlert, node.ID, map[string]any{
			"expression": node.MetricExpression,
			"action":     action,
			"channels":   node.AlertChannels,
		})

		if action == "halt" {
			return Fail(KindCondition, fmt.Sprintf("monitor %q triggered with action halt", node.ID), false)
		}
	}

	return Succeed(map[string]any{"triggered": triggered, "action": action})
}

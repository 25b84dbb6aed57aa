package engine

import (
	"context"
	"errors"
	"time"

	"github.com/praxis-ai/praxis/blueprint"
	"github.com/praxis-ai/praxis/common/eventbus"
	"github.com/praxis-ai/praxis/store"
)

// humanExecutor posts an approval request and blocks on the decision.
// An undecided approval escalates once when an escalation path is set;
// after the final window it resolves as a timeout, not a failure, so
// downstream nodes can branch on it.
type humanExecutor struct {
	engine *Engine
}

func (x *humanExecutor) Execute(ctx context.Context, run *Run, node *blueprint.NodeSpec, inputs map[string]any, execCtx map[string]any) *NodeExecutionResult {
	prompt, err := x.engine.resolver.Render(node.ID, node.ApprovalPrompt, execCtx)
	if err != nil {
		return Fail(KindContext, err.Error(), false)
	}

	timeout := x.engine.cfg.NodeTimeout
	if node.TimeoutSeconds > 0 {
		timeout = time.Duration(node.TimeoutSeconds) * time.Second
	}

	approval := x.engine.approvals.Create(run.recordID, node.ID, prompt, node.EscalationPath)
	x.engine.emit(ctx, run, eventbus.TopicApprovalRequired, node.ID, map[string]any{
		"approval_id": approval.ID,
		"prompt":      prompt,
	})

	decided, err := x.engine.approvals.Await(ctx, approval.ID, timeout)
	if err != nil {
		return x.interrupted(err)
	}

	// One escalation round, then the timeout is final.
	if x.undecided(decided) && node.EscalationPath != "" {
		if eerr := x.engine.approvals.Escalate(approval.ID); eerr == nil {
			x.engine.emit(ctx, run, eventbus.TopicApprovalRequired, node.ID, map[string]any{
				"approval_id":     approval.ID,
				"prompt":          prompt,
				"escalated":       true,
				"escalation_path": node.EscalationPath,
			})
			decided, err = x.engine.approvals.Await(ctx, approval.ID, timeout)
			if err != nil {
				return x.interrupted(err)
			}
		}
	}

	if x.undecided(decided) {
		return Succeed(map[string]any{"approved": false, "timeout": true})
	}

	return Succeed(map[string]any{
		"approved": decided.Status == store.ApprovalApproved,
		"timeout":  false,
		"comment":  decided.Comment,
	})
}

func (x *humanExecutor) undecided(a *store.Approval) bool {
	return a.Status != store.ApprovalApproved && a.Status != store.ApprovalRejected
}

func (x *humanExecutor) interrupted(err error) *NodeExecutionResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return Fail(KindTimeout, "workflow deadline reached while awaiting approval", false)
	}
	return Fail(KindCancelled, err.Error(), false)
}

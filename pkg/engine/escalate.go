package engine

import (
	"context"
	"fmt"
	"strings"

	"foreman/pkg/store"
	"foreman/pkg/wf"

	"github.com/google/uuid"
)

// reasonExplanations are the one-line categorical explanations attached to
// escalation messages.
var reasonExplanations = map[EscalationReason]string{
	SecurityVeto:         "A security-capable stage vetoed this work order. This is irrecoverable without human review.",
	IterationCapExceeded: "The stage rejected the work more times than its loop-back budget allows.",
	StoryRetryExhausted:  "A story exhausted its retry budget, or the loop stage produced no usable story list.",
	StaleTimeoutExceeded: "The operation went silent past its retry budget and could not be recovered.",
}

// buildEscalationMessage composes the human-readable question recorded on
// the approval.
func buildEscalationMessage(wo *store.WorkOrder, workflowID string, stage *wf.Stage, op *store.Operation, reason EscalationReason, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work order %s (%s) needs a decision.\n", wo.ID, wo.Title)
	fmt.Fprintf(&b, "Workflow %s, stage %s. Reason: %s.\n", workflowID, stage.DisplayLabel(), reason)
	fmt.Fprintf(&b, "Iteration %d, retries %d/%d, timeouts %d.\n",
		op.IterationCount, op.RetryCount, op.MaxRetries, op.TimeoutCount)
	if feedback != "" {
		fmt.Fprintf(&b, "Feedback: %s\n", feedback)
	}
	b.WriteString(reasonExplanations[reason])
	return b.String()
}

// escalateTx is the single transition out of automatic control: it blocks
// the operation with its escalation reason, blocks the work order, and
// creates the pending approval. Returns the message for the post-commit
// notify side channel.
func (e *Engine) escalateTx(ctx context.Context, q store.Querier, wo *store.WorkOrder, workflow *wf.WorkflowConfig, stage *wf.Stage, op *store.Operation, reason EscalationReason, feedback string) (string, error) {
	now := e.now()
	msg := buildEscalationMessage(wo, workflow.ID, stage, op, reason, feedback)

	if err := e.store.BlockOperation(ctx, q, op.ID, string(reason), feedback, now); err != nil {
		return "", err
	}
	if err := e.store.BlockWorkOrder(ctx, q, wo.ID,
		fmt.Sprintf("%s: stage %s", reason, stage.Ref), now); err != nil {
		return "", err
	}

	approvalType := store.ApprovalScopeChange
	if reason == SecurityVeto {
		approvalType = store.ApprovalRiskyAction
	}
	if err := e.store.CreateApproval(ctx, q, &store.Approval{
		ID:          uuid.NewString(),
		WorkOrderID: wo.ID,
		OperationID: op.ID,
		Type:        approvalType,
		Question:    msg,
	}); err != nil {
		return "", err
	}

	if err := e.store.LogActivity(ctx, q, wo.ID, op.ID, ActEscalated,
		fmt.Sprintf(`{"reason":%q,"stage":%q,"feedback":%q}`, reason, stage.Ref, feedback)); err != nil {
		return "", err
	}

	return msg, nil
}

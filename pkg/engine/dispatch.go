package engine

import (
	"context"
	"fmt"
	"strings"

	"foreman/pkg/store"
	"foreman/pkg/wf"
)

// DispatchOperation claims an operation and sends it to a worker session.
// The claim — a single conditional UPDATE — happens first and is the
// recovery-relevant state; the send is an external call outside any
// transaction. Returns ErrNotClaimed when another engine process holds the
// claim (callers treat that as "already being dispatched", not an error
// condition worth retrying).
func (e *Engine) DispatchOperation(ctx context.Context, operationID string) error {
	db := e.store.DB()

	op, err := e.store.GetOperation(ctx, db, operationID)
	if err != nil {
		return err
	}
	if op == nil {
		return fmt.Errorf("operation %s: %w", operationID, ErrOperationNotFound)
	}

	wo, err := e.store.GetWorkOrder(ctx, db, op.WorkOrderID)
	if err != nil {
		return err
	}
	if wo == nil {
		return fmt.Errorf("work order %s: %w", op.WorkOrderID, ErrWorkOrderNotFound)
	}

	workflow, err := e.loadWorkflow(wo)
	if err != nil {
		return err
	}
	stage, err := workflow.StageAt(op.StageIndex)
	if err != nil {
		return err
	}

	now := e.now()
	claimed, err := e.store.TryClaimOperation(ctx, db, op.ID, e.id, now, e.cfg.ClaimTTL)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("operation %s: %w", op.ID, ErrNotClaimed)
	}

	agent, err := e.agents.ResolveStageAgent(ctx, stage.Agent)
	if err == nil && agent == nil {
		err = fmt.Errorf("role %s: %w", stage.Agent, ErrNoAgent)
	}
	if err != nil {
		reason := fmt.Sprintf("no agent for role %s on stage %s: %v", stage.Agent, stage.Ref, err)
		if blockErr := e.store.BlockOperation(ctx, db, op.ID, "", reason, e.now()); blockErr != nil {
			return blockErr
		}
		_ = e.store.LogActivity(ctx, db, wo.ID, op.ID, ActDispatchFailed, fmt.Sprintf(`{"error":%q}`, reason))
		return fmt.Errorf("dispatch operation %s: %w", op.ID, err)
	}

	// For loop operations mid-iteration, flag the active story as running.
	if op.ExecutionType == store.ExecLoop && op.CurrentStoryID != "" {
		if err := e.store.MarkStoryRunning(ctx, db, op.CurrentStoryID, now); err != nil {
			return err
		}
	}

	task, err := e.buildTask(ctx, wo, op, stage)
	if err != nil {
		return err
	}

	sess, err := e.sessions.DispatchToAgent(ctx, DispatchRequest{
		AgentID:     agent.ID,
		WorkOrderID: wo.ID,
		OperationID: op.ID,
		Task:        task,
	})
	if err != nil {
		if blockErr := e.store.BlockOperation(ctx, db, op.ID, "", err.Error(), e.now()); blockErr != nil {
			return blockErr
		}
		_ = e.store.LogActivity(ctx, db, wo.ID, op.ID, ActDispatchFailed, fmt.Sprintf(`{"error":%q}`, err.Error()))
		return fmt.Errorf("dispatch to agent %s: %w", agent.ID, err)
	}

	_ = e.store.UpsertSession(ctx, db, &store.AgentSession{
		SessionKey:  sess.SessionKey,
		SessionID:   sess.SessionID,
		AgentID:     agent.ID,
		OperationID: op.ID,
	}, e.now())
	_ = e.store.LogActivity(ctx, db, wo.ID, op.ID, ActDispatched,
		fmt.Sprintf(`{"agent":%q,"session_key":%q,"stage":%q}`, agent.ID, sess.SessionKey, stage.Ref))

	return nil
}

// buildTask composes the outbound task text: the work order goal, operation
// notes, and — for loop operations — a snapshot of story progress.
func (e *Engine) buildTask(ctx context.Context, wo *store.WorkOrder, op *store.Operation, stage *wf.Stage) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Work order %s: %s\n", wo.ID, wo.Title)
	if wo.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", wo.Goal)
	}
	fmt.Fprintf(&b, "Stage: %s (%s)\n", stage.DisplayLabel(), stage.Agent)
	if op.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", op.Notes)
	}
	if op.LastFeedback != "" {
		fmt.Fprintf(&b, "Previous feedback: %s\n", op.LastFeedback)
	}

	if op.ExecutionType != store.ExecLoop {
		return b.String(), nil
	}

	if op.CurrentStoryID == "" {
		// First dispatch of a loop stage: ask for the story list.
		b.WriteString("Break the goal into stories and reply with STORIES_JSON.\n")
		return b.String(), nil
	}

	db := e.store.DB()
	story, err := e.store.GetStory(ctx, db, op.CurrentStoryID)
	if err != nil {
		return "", err
	}
	if story == nil {
		return "", fmt.Errorf("operation %s: current story %s not found", op.ID, op.CurrentStoryID)
	}
	done, err := e.store.CountStoriesByStatus(ctx, db, op.ID, store.StoryDone)
	if err != nil {
		return "", err
	}
	pending, err := e.store.CountStoriesByStatus(ctx, db, op.ID, store.StoryPending)
	if err != nil {
		return "", err
	}

	fmt.Fprintf(&b, "Story %d (%s): %s\n", story.StoryIndex+1, story.StoryKey, story.Title)
	if story.Description != "" {
		fmt.Fprintf(&b, "%s\n", story.Description)
	}
	for _, ac := range story.AcceptanceCriteria {
		fmt.Fprintf(&b, "- %s\n", ac)
	}
	fmt.Fprintf(&b, "Progress: %d done, %d remaining after this one.\n", done, pending)
	return b.String(), nil
}

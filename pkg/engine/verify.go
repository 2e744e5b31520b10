package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"foreman/pkg/store"
	"foreman/pkg/wf"
)

// verifyKind tags the loop_config metadata of synthetic verify
// sub-operations.
const verifyKind = "story_verify"

// verifyMeta links a verify sub-operation back to its parent loop
// operation and the story under verification.
type verifyMeta struct {
	Kind              string `json:"kind"`
	ParentOperationID string `json:"parent_operation_id"`
	StoryID           string `json:"story_id"`
	LoopStageIndex    int    `json:"loop_stage_index"`
}

// verifyMetaOf decodes verify metadata from an operation's loop_config.
// Returns nil for non-verify operations; malformed JSON is treated as
// absent.
func verifyMetaOf(op *store.Operation) *verifyMeta {
	if op.LoopConfig == "" {
		return nil
	}
	var meta verifyMeta
	if err := json.Unmarshal([]byte(op.LoopConfig), &meta); err != nil {
		return nil
	}
	if meta.Kind != verifyKind {
		return nil
	}
	return &meta
}

// completeVerifyTx handles completion of a verify sub-operation. A verify
// rejection routes through the same story-retry path as an execution
// failure, so both share one retry/escalate policy; a pass marks the story
// done and moves the parent loop operation forward.
func (e *Engine) completeVerifyTx(ctx context.Context, q store.Querier, wo *store.WorkOrder, workflow *wf.WorkflowConfig, op *store.Operation, meta *verifyMeta, res Result) (*CompletionResult, followup, error) {
	parent, err := e.store.GetOperation(ctx, q, meta.ParentOperationID)
	if err != nil {
		return nil, followup{}, err
	}
	if parent == nil {
		return nil, followup{}, fmt.Errorf("verify operation %s: parent loop operation %s not found", op.ID, meta.ParentOperationID)
	}
	loopStage, err := workflow.StageAt(meta.LoopStageIndex)
	if err != nil {
		return nil, followup{}, err
	}
	story, err := e.store.GetStory(ctx, q, meta.StoryID)
	if err != nil {
		return nil, followup{}, err
	}
	if story == nil {
		return nil, followup{}, fmt.Errorf("verify operation %s: story %s not found", op.ID, meta.StoryID)
	}

	now := e.now()
	done, err := e.store.MarkOperationDone(ctx, q, op.ID, now)
	if err != nil {
		return nil, followup{}, err
	}
	if !done {
		return nil, followup{}, errCompletionSuperseded
	}

	if !res.Success {
		return e.retryStoryTx(ctx, q, wo, workflow, loopStage, parent, story, res.Feedback)
	}

	if err := e.store.MarkStoryDone(ctx, q, story.ID, res.Output, now); err != nil {
		return nil, followup{}, err
	}
	if err := e.store.LogActivity(ctx, q, wo.ID, parent.ID, ActStoryDone,
		fmt.Sprintf(`{"story":%q,"index":%d,"verified":true}`, story.StoryKey, story.StoryIndex)); err != nil {
		return nil, followup{}, err
	}
	return e.advanceLoopTx(ctx, q, wo, workflow, parent)
}

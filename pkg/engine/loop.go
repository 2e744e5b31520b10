package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"foreman/pkg/store"
	"foreman/pkg/wf"

	"github.com/google/uuid"
)

// storyInput is one entry of an agent-supplied story list.
type storyInput struct {
	Key                string   `json:"key"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

// storyListEnvelope covers the historically-compatible wrapper shapes a
// story list may arrive in.
type storyListEnvelope struct {
	Stories     []storyInput `json:"stories"`
	StoryList   []storyInput `json:"story_list"`
	StoriesJSON string       `json:"STORIES_JSON"`
}

// parseStoryList extracts a story list from raw agent output. Accepted
// shapes: a top-level JSON array, {"stories":[...]}, {"story_list":[...]},
// or a string field STORIES_JSON holding the array. Malformed input parses
// to an empty list (fail closed) rather than erroring mid-transaction.
func parseStoryList(output string) []storyInput {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil
	}

	var direct []storyInput
	if err := json.Unmarshal([]byte(trimmed), &direct); err == nil {
		return direct
	}

	var env storyListEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return nil
	}
	if len(env.Stories) > 0 {
		return env.Stories
	}
	if len(env.StoryList) > 0 {
		return env.StoryList
	}
	if env.StoriesJSON != "" {
		var nested []storyInput
		if err := json.Unmarshal([]byte(env.StoriesJSON), &nested); err == nil {
			return nested
		}
	}
	return nil
}

// resolveLoopMaxStories computes the story cap for one loop stage run:
// stage default, overridable per run or per stage through the start
// context, clamped to [1,50].
func (e *Engine) resolveLoopMaxStories(stage *wf.Stage, sctx *wf.StartContext) int {
	maxStories := e.cfg.DefaultMaxStories
	if stage.Loop != nil && stage.Loop.MaxStories > 0 {
		maxStories = stage.Loop.MaxStories
	}
	if sctx != nil {
		if sctx.MaxStoriesOverride > 0 {
			maxStories = sctx.MaxStoriesOverride
		}
		if v, ok := sctx.MaxStoriesByStage[stage.Ref]; ok && v > 0 {
			maxStories = v
		}
	}
	if maxStories < 1 {
		maxStories = 1
	}
	if maxStories > 50 {
		maxStories = 50
	}
	return maxStories
}

// completeLoopTx handles completion of a loop operation: story-list
// planning on the first completion, then per-story execution with retry,
// verify hand-off, and advancement.
func (e *Engine) completeLoopTx(ctx context.Context, q store.Querier, wo *store.WorkOrder, workflow *wf.WorkflowConfig, op *store.Operation, res Result) (*CompletionResult, followup, error) {
	stage, err := workflow.StageAt(op.StageIndex)
	if err != nil {
		return nil, followup{}, err
	}

	if op.CurrentStoryID == "" {
		return e.planStoriesTx(ctx, q, wo, workflow, stage, op, res)
	}

	story, err := e.store.GetStory(ctx, q, op.CurrentStoryID)
	if err != nil {
		return nil, followup{}, err
	}
	if story == nil {
		return nil, followup{}, fmt.Errorf("operation %s: current story %s not found", op.ID, op.CurrentStoryID)
	}

	if !res.Success {
		return e.retryStoryTx(ctx, q, wo, workflow, stage, op, story, res.Feedback)
	}

	if stage.Loop != nil && stage.Loop.VerifyEach {
		return e.requestVerifyTx(ctx, q, wo, workflow, stage, op, story)
	}

	now := e.now()
	if err := e.store.MarkStoryDone(ctx, q, story.ID, res.Output, now); err != nil {
		return nil, followup{}, err
	}
	if err := e.store.LogActivity(ctx, q, wo.ID, op.ID, ActStoryDone,
		fmt.Sprintf(`{"story":%q,"index":%d}`, story.StoryKey, story.StoryIndex)); err != nil {
		return nil, followup{}, err
	}
	return e.advanceLoopTx(ctx, q, wo, workflow, op)
}

// planStoriesTx handles the first completion of a loop operation: parse the
// story list, bound it, bulk-insert the stories and point the operation at
// the first one. An unparseable or empty list escalates — the loop stage
// cannot run without stories.
func (e *Engine) planStoriesTx(ctx context.Context, q store.Querier, wo *store.WorkOrder, workflow *wf.WorkflowConfig, stage *wf.Stage, op *store.Operation, res Result) (*CompletionResult, followup, error) {
	inputs := parseStoryList(res.Output)
	if len(inputs) == 0 {
		msg, err := e.escalateTx(ctx, q, wo, workflow, stage, op, StoryRetryExhausted, "no STORIES_JSON in loop stage output")
		if err != nil {
			return nil, followup{}, err
		}
		return &CompletionResult{Escalated: true}, followup{notify: msg}, nil
	}

	sctx := e.startContext(ctx, q, wo.ID)
	maxStories := e.resolveLoopMaxStories(stage, sctx)
	if len(inputs) > maxStories {
		inputs = inputs[:maxStories]
	}

	now := e.now()
	stories := make([]*store.Story, len(inputs))
	for i, in := range inputs {
		key := in.Key
		if key == "" {
			key = fmt.Sprintf("S%d", i+1)
		}
		stories[i] = &store.Story{
			ID:                 uuid.NewString(),
			OperationID:        op.ID,
			StoryIndex:         i,
			StoryKey:           key,
			Title:              in.Title,
			Description:        in.Description,
			AcceptanceCriteria: in.AcceptanceCriteria,
			MaxRetries:         e.cfg.StoryMaxRetries,
		}
	}
	if err := e.store.InsertStories(ctx, q, stories); err != nil {
		return nil, followup{}, err
	}
	moved, err := e.store.SetCurrentStory(ctx, q, op.ID, stories[0].ID, now)
	if err != nil {
		return nil, followup{}, err
	}
	if !moved {
		return nil, followup{}, errCompletionSuperseded
	}
	if err := e.store.LogActivity(ctx, q, wo.ID, op.ID, ActStoriesPlanned,
		fmt.Sprintf(`{"stage":%q,"count":%d,"cap":%d}`, stage.Ref, len(stories), maxStories)); err != nil {
		return nil, followup{}, err
	}

	// The same operation re-dispatches, now pointed at story 0.
	return &CompletionResult{NextOperationID: op.ID}, followup{dispatchID: op.ID}, nil
}

// retryStoryTx is the shared story-retry path for execution failures and
// verify rejections: requeue the same operation at the same story until the
// story's retry budget is spent, then fail the story and escalate the whole
// loop stage.
func (e *Engine) retryStoryTx(ctx context.Context, q store.Querier, wo *store.WorkOrder, workflow *wf.WorkflowConfig, stage *wf.Stage, op *store.Operation, story *store.Story, feedback string) (*CompletionResult, followup, error) {
	now := e.now()
	attempts, err := e.store.IncrementStoryRetry(ctx, q, story.ID, now)
	if err != nil {
		return nil, followup{}, err
	}

	if attempts > story.MaxRetries {
		if err := e.store.MarkStoryFailed(ctx, q, story.ID, now); err != nil {
			return nil, followup{}, err
		}
		detail := fmt.Sprintf("story %s failed %d times: %s", story.StoryKey, attempts, feedback)
		msg, err := e.escalateTx(ctx, q, wo, workflow, stage, op, StoryRetryExhausted, detail)
		if err != nil {
			return nil, followup{}, err
		}
		return &CompletionResult{Escalated: true}, followup{notify: msg}, nil
	}

	if err := e.store.RequeueOperation(ctx, q, op.ID, false, feedback, now); err != nil {
		return nil, followup{}, err
	}
	if err := e.store.LogActivity(ctx, q, wo.ID, op.ID, ActStoryRetry,
		fmt.Sprintf(`{"story":%q,"attempt":%d,"max":%d,"feedback":%q}`,
			story.StoryKey, attempts, story.MaxRetries, feedback)); err != nil {
		return nil, followup{}, err
	}
	return &CompletionResult{NextOperationID: op.ID}, followup{dispatchID: op.ID}, nil
}

// requestVerifyTx creates the synthetic verify sub-operation for a story
// that just executed, parking the loop operation in review until the verify
// outcome arrives.
func (e *Engine) requestVerifyTx(ctx context.Context, q store.Querier, wo *store.WorkOrder, workflow *wf.WorkflowConfig, stage *wf.Stage, op *store.Operation, story *store.Story) (*CompletionResult, followup, error) {
	verifyIndex := workflow.FindStage(stage.Loop.VerifyStageRef)
	if verifyIndex == -1 {
		return nil, followup{}, fmt.Errorf("workflow %s: verify stage %q not found", workflow.ID, stage.Loop.VerifyStageRef)
	}
	verifyStage := &workflow.Stages[verifyIndex]
	now := e.now()

	verifyOp := e.newOperationForStage(wo, verifyStage, verifyIndex, 0,
		fmt.Sprintf("Verify story %s: %s", story.StoryKey, story.Title))
	verifyOp.ExecutionType = store.ExecSingle
	meta, err := json.Marshal(verifyMeta{
		Kind:              verifyKind,
		ParentOperationID: op.ID,
		StoryID:           story.ID,
		LoopStageIndex:    op.StageIndex,
	})
	if err != nil {
		return nil, followup{}, fmt.Errorf("marshal verify metadata: %w", err)
	}
	verifyOp.LoopConfig = string(meta)

	if err := e.store.CreateOperation(ctx, q, verifyOp); err != nil {
		return nil, followup{}, err
	}
	parked, err := e.store.MarkOperationReview(ctx, q, op.ID, now)
	if err != nil {
		return nil, followup{}, err
	}
	if !parked {
		return nil, followup{}, errCompletionSuperseded
	}
	if err := e.store.LogActivity(ctx, q, wo.ID, verifyOp.ID, ActVerifyRequested,
		fmt.Sprintf(`{"story":%q,"parent":%q,"verify_stage":%q}`, story.StoryKey, op.ID, verifyStage.Ref)); err != nil {
		return nil, followup{}, err
	}

	return &CompletionResult{NextOperationID: verifyOp.ID}, followup{dispatchID: verifyOp.ID}, nil
}

// advanceLoopTx moves a loop operation to its next pending story, or
// completes it and advances the workflow when the loop is exhausted.
func (e *Engine) advanceLoopTx(ctx context.Context, q store.Querier, wo *store.WorkOrder, workflow *wf.WorkflowConfig, op *store.Operation) (*CompletionResult, followup, error) {
	now := e.now()
	next, err := e.store.NextPendingStory(ctx, q, op.ID)
	if err != nil {
		return nil, followup{}, err
	}
	if next != nil {
		moved, err := e.store.SetCurrentStory(ctx, q, op.ID, next.ID, now)
		if err != nil {
			return nil, followup{}, err
		}
		if !moved {
			return nil, followup{}, errCompletionSuperseded
		}
		return &CompletionResult{NextOperationID: op.ID}, followup{dispatchID: op.ID}, nil
	}

	done, err := e.store.MarkOperationDone(ctx, q, op.ID, now)
	if err != nil {
		return nil, followup{}, err
	}
	if !done {
		return nil, followup{}, errCompletionSuperseded
	}
	return e.advanceTx(ctx, q, wo, workflow, op.StageIndex, op.IterationCount)
}

// Package wf holds workflow definitions: the read-only registry mapping a
// workflow id to an ordered list of stage descriptors. Definitions are data
// (YAML files), not code — the engine consumes them through the Registry and
// never mutates them.
package wf

import "fmt"

// LoopConfig marks a stage as a loop stage: its single Operation iterates
// over an externally supplied story list instead of completing once.
type LoopConfig struct {
	MaxStories     int    `yaml:"max_stories" json:"max_stories"`
	VerifyEach     bool   `yaml:"verify_each" json:"verify_each"`
	VerifyStageRef string `yaml:"verify_stage_ref" json:"verify_stage_ref"`
}

// Stage is one step of a workflow, bound to an agent role.
type Stage struct {
	Ref   string `yaml:"ref" json:"ref"`     // unique within the workflow
	Agent string `yaml:"agent" json:"agent"` // agent role reference
	Label string `yaml:"label" json:"label"` // human-readable name

	// Optional stages run only when Condition evaluates true against the
	// start context. Non-optional stages always run.
	Optional  bool      `yaml:"optional" json:"optional"`
	Condition Condition `yaml:"condition" json:"condition"`

	// LoopTarget names the stage to jump back to when this stage rejects.
	// MaxIterations bounds how many times the loop-back may fire (default 2).
	LoopTarget    string `yaml:"loop_target" json:"loop_target"`
	MaxIterations int    `yaml:"max_iterations" json:"max_iterations"`

	// CanVeto stages may permanently block a work order.
	CanVeto bool `yaml:"can_veto" json:"can_veto"`

	Loop *LoopConfig `yaml:"loop" json:"loop,omitempty"`
}

// IsLoop reports whether the stage runs as a loop over stories.
func (s *Stage) IsLoop() bool {
	return s.Loop != nil
}

// DisplayLabel returns the stage label, falling back to its ref.
func (s *Stage) DisplayLabel() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Ref
}

// SelectionRule matches a work order to a workflow during rule-based
// selection. All set fields must match; keyword lists match on substring
// against the lowercased title/goal.
type SelectionRule struct {
	PriorityAtLeast int      `yaml:"priority_at_least" json:"priority_at_least"`
	TitleKeywords   []string `yaml:"title_keywords" json:"title_keywords"`
	GoalKeywords    []string `yaml:"goal_keywords" json:"goal_keywords"`
	Tags            []string `yaml:"tags" json:"tags"`
}

// WorkflowConfig is an immutable workflow definition, versioned by ID.
type WorkflowConfig struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Default     bool           `yaml:"default" json:"default"`
	Selection   *SelectionRule `yaml:"selection" json:"selection,omitempty"`
	Stages      []Stage        `yaml:"stages" json:"stages"`
}

// StageAt returns the stage at index i, or an error if i is out of range.
// Out-of-range indexes are integrity errors: they mean persisted state
// references a workflow shape that no longer exists.
func (w *WorkflowConfig) StageAt(i int) (*Stage, error) {
	if i < 0 || i >= len(w.Stages) {
		return nil, fmt.Errorf("workflow %s: stage index %d out of range (have %d stages)", w.ID, i, len(w.Stages))
	}
	return &w.Stages[i], nil
}

// FindStage returns the index of the stage with the given ref, or -1.
func (w *WorkflowConfig) FindStage(ref string) int {
	for i := range w.Stages {
		if w.Stages[i].Ref == ref {
			return i
		}
	}
	return -1
}

// Validate checks structural invariants: non-empty id, at least one stage,
// unique stage refs, loop targets and verify refs resolving to real stages.
// Unknown condition strings are intentionally NOT an error (see Condition).
func (w *WorkflowConfig) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("workflow has no id")
	}
	if len(w.Stages) == 0 {
		return fmt.Errorf("workflow %s has no stages", w.ID)
	}
	seen := make(map[string]bool, len(w.Stages))
	for i := range w.Stages {
		st := &w.Stages[i]
		if st.Ref == "" {
			return fmt.Errorf("workflow %s: stage %d has no ref", w.ID, i)
		}
		if seen[st.Ref] {
			return fmt.Errorf("workflow %s: duplicate stage ref %q", w.ID, st.Ref)
		}
		seen[st.Ref] = true
		if st.Agent == "" {
			return fmt.Errorf("workflow %s: stage %s has no agent role", w.ID, st.Ref)
		}
	}
	for i := range w.Stages {
		st := &w.Stages[i]
		if st.LoopTarget != "" && w.FindStage(st.LoopTarget) == -1 {
			return fmt.Errorf("workflow %s: stage %s loop_target %q does not exist", w.ID, st.Ref, st.LoopTarget)
		}
		if st.Loop != nil && st.Loop.VerifyEach {
			if st.Loop.VerifyStageRef == "" {
				return fmt.Errorf("workflow %s: stage %s has verify_each but no verify_stage_ref", w.ID, st.Ref)
			}
			if w.FindStage(st.Loop.VerifyStageRef) == -1 {
				return fmt.Errorf("workflow %s: stage %s verify_stage_ref %q does not exist", w.ID, st.Ref, st.Loop.VerifyStageRef)
			}
		}
	}
	return nil
}

package wf

// Condition gates an optional stage against the start context. The vocabulary
// is a small closed enum, but workflows are data and may have been written
// against a newer engine: an unknown condition string evaluates to true
// ("stage runs") rather than failing validation or skipping the stage.
type Condition string

// Known conditions.
const (
	// CondUnknownsExist runs the stage when the start context lists open
	// unknowns that need investigation.
	CondUnknownsExist Condition = "unknowns_exist"
	// CondNeedsDeployment runs the stage when the work is expected to ship
	// to an environment.
	CondNeedsDeployment Condition = "needs_deployment"
	// CondSecurityRelevant runs the stage when the work touches
	// security-sensitive surface.
	CondSecurityRelevant Condition = "security_relevant"
	// CondCodeChanges runs the stage when the work produces code changes.
	CondCodeChanges Condition = "code_changes"
)

// StartContext carries the caller-supplied facts a workflow run is evaluated
// against. It is recorded on the workflow.started activity at start time and
// read back by every subsequent transition.
type StartContext struct {
	Unknowns         []string `json:"unknowns,omitempty"`
	NeedsDeployment  bool     `json:"needs_deployment,omitempty"`
	SecurityRelevant bool     `json:"security_relevant,omitempty"`
	CodeChanges      bool     `json:"code_changes,omitempty"`
	Notes            string   `json:"notes,omitempty"`

	// MaxStoriesOverride caps story lists for every loop stage in this run.
	// MaxStoriesByStage caps a specific stage by ref. Both are clamped by
	// the engine to [1,50].
	MaxStoriesOverride int            `json:"max_stories_override,omitempty"`
	MaxStoriesByStage  map[string]int `json:"max_stories_by_stage,omitempty"`
}

// Evaluate reports whether a stage gated by cond should run for ctx.
// A nil context behaves like an empty one. Unknown conditions return true.
func Evaluate(cond Condition, ctx *StartContext) bool {
	if ctx == nil {
		ctx = &StartContext{}
	}
	switch cond {
	case CondUnknownsExist:
		return len(ctx.Unknowns) > 0
	case CondNeedsDeployment:
		return ctx.NeedsDeployment
	case CondSecurityRelevant:
		return ctx.SecurityRelevant
	case CondCodeChanges:
		return ctx.CodeChanges
	case "":
		return true
	default:
		// Unknown vocabulary: the stage runs. Workflows may reference
		// conditions this engine build does not know about yet.
		return true
	}
}

// StageRuns reports whether the stage runs for ctx: non-optional stages
// always run; optional stages run when their condition evaluates true.
func StageRuns(st *Stage, ctx *StartContext) bool {
	if !st.Optional {
		return true
	}
	return Evaluate(st.Condition, ctx)
}

package wf

import "strings"

// SelectionInput carries the work-order attributes rule-based workflow
// selection runs against.
type SelectionInput struct {
	Priority int
	Title    string
	Goal     string
	Tags     []string
}

// matches reports whether the rule accepts the input. Every set field must
// match; keyword lists match if any keyword appears as a substring.
func (rule *SelectionRule) matches(in SelectionInput) bool {
	if in.Priority < rule.PriorityAtLeast {
		return false
	}
	if len(rule.TitleKeywords) > 0 && !anyKeyword(in.Title, rule.TitleKeywords) {
		return false
	}
	if len(rule.GoalKeywords) > 0 && !anyKeyword(in.Goal, rule.GoalKeywords) {
		return false
	}
	if len(rule.Tags) > 0 && !anyTag(in.Tags, rule.Tags) {
		return false
	}
	return true
}

func anyKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func anyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}

// SelectFor picks a workflow for the given input: the first workflow (by id
// order) whose selection rule matches wins; otherwise the workflow marked
// default; otherwise nil.
func (r *Registry) SelectFor(in SelectionInput) *WorkflowConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.ids {
		cfg := r.byID[id]
		if cfg.Selection != nil && cfg.Selection.matches(in) {
			return cfg
		}
	}
	for _, id := range r.ids {
		if r.byID[id].Default {
			return r.byID[id]
		}
	}
	return nil
}

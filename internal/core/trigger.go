package core

// GroupDecision pairs a trigger group with its gate outcome, for diagnostics
// and the editor's preview path.
type GroupDecision struct {
	GroupID  string   `json:"groupId"`
	Decision Decision `json:"decision"`
}

// Resolve evaluates trigger groups in their persisted order and returns the
// first one whose conditions match and whose gate passes. Array order is the
// priority order: the editor frames top-level groups as "connected by OR" and
// always appends new groups at the end. A false second return means no group
// fired, which is a normal outcome.
//
// Resolve is pure: given identical context and history, it returns the same
// result, and it never mutates the input groups.
func Resolve(groups []TriggerGroup, ctx *EvaluationContext) (TriggerGroup, bool) {
	for _, tg := range groups {
		if CanFire(tg, ctx).Fire {
			return tg, true
		}
	}
	return TriggerGroup{}, false
}

// ResolveAll gates every trigger group and reports each decision. Unlike
// [Resolve] it does not stop at the first firing group; the editor's preview
// uses it to show why each group did or did not fire.
func ResolveAll(groups []TriggerGroup, ctx *EvaluationContext) []GroupDecision {
	decisions := make([]GroupDecision, 0, len(groups))
	for _, tg := range groups {
		decisions = append(decisions, GroupDecision{
			GroupID:  tg.ID,
			Decision: CanFire(tg, ctx),
		})
	}
	return decisions
}

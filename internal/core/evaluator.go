package core

// EvaluateCondition evaluates a single leaf condition against the context:
// resolve the variable, then apply the operator. Exposed standalone so the
// editor's preview endpoint can test one condition without a full event.
func EvaluateCondition(cond Condition, ctx *EvaluationContext) bool {
	return evaluateCondition(cond, evalScope{ctx: ctx})
}

// EvaluateGroup evaluates a condition group tree against the context.
func EvaluateGroup(group *ConditionGroup, ctx *EvaluationContext) bool {
	return evaluateGroup(group, evalScope{ctx: ctx, seen: map[*ConditionGroup]struct{}{}})
}

// MatchesConditions evaluates a trigger group's condition set, which combines
// its direct entries with implicit AND.
func MatchesConditions(tg TriggerGroup, ctx *EvaluationContext) bool {
	group := &ConditionGroup{Logic: LogicAnd, Entries: tg.Conditions}
	scope := evalScope{ctx: ctx, groupID: tg.ID, seen: map[*ConditionGroup]struct{}{}}
	return evaluateGroup(group, scope)
}

func evaluateCondition(cond Condition, scope evalScope) bool {
	value, present := resolveScoped(cond, scope)
	return Apply(cond, value, present)
}

func evaluateGroup(group *ConditionGroup, scope evalScope) bool {
	if group == nil || len(group.Entries) == 0 {
		// A group with no entries never auto-matches.
		return false
	}

	if scope.seen == nil {
		scope.seen = map[*ConditionGroup]struct{}{}
	}
	if _, cyclic := scope.seen[group]; cyclic {
		// The editor builds trees top-down, so cycles only appear in
		// malformed persisted documents. Fail the branch instead of
		// recursing forever.
		return false
	}
	scope.seen[group] = struct{}{}
	defer delete(scope.seen, group)

	and := group.Logic != LogicOr
	for _, entry := range group.Entries {
		var matched bool
		switch {
		case entry.Group != nil:
			matched = evaluateGroup(entry.Group, scope)
		case entry.Condition != nil:
			matched = evaluateCondition(*entry.Condition, scope)
		default:
			matched = false
		}

		if and && !matched {
			return false
		}
		if !and && matched {
			return true
		}
	}

	return and
}

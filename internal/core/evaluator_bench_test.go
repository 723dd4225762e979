package core

import (
	"fmt"
	"testing"
)

func BenchmarkEvaluateCondition(b *testing.B) {
	ctx := testContext()
	keyword := Condition{Variable: VariableMessage, Operator: OperatorContains, Value: "world"}

	b.ResetTimer()
	for b.Loop() {
		_ = EvaluateCondition(keyword, ctx)
	}
}

func BenchmarkEvaluateNestedGroup(b *testing.B) {
	ctx := testContext()
	tree := &ConditionGroup{Logic: LogicAnd, Entries: []GroupEntry{
		cond(VariableMessage, OperatorContains, "hello"),
		group(LogicOr,
			cond(VariableHasTag, OperatorIsTrue, ""),
			cond(VariableContactField, OperatorEquals, "Haifa"),
			group(LogicAnd,
				cond(VariableTime, OperatorGreaterThan, "09:00"),
				cond(VariableTime, OperatorLessThan, "18:00"),
			),
		),
	}}

	b.ResetTimer()
	for b.Loop() {
		_ = EvaluateGroup(tree, ctx)
	}
}

func BenchmarkResolve(b *testing.B) {
	for _, count := range []int{1, 10, 50} {
		b.Run(fmt.Sprintf("Groups%d", count), func(b *testing.B) {
			groups := make([]TriggerGroup, count)
			for i := range groups {
				groups[i] = TriggerGroup{
					ID: fmt.Sprintf("tg-%d", i),
					Conditions: []GroupEntry{
						cond(VariableMessage, OperatorContains, "no-such-keyword"),
					},
				}
			}
			ctx := testContext()

			b.ResetTimer()
			for b.Loop() {
				_, _ = Resolve(groups, ctx)
			}
		})
	}
}

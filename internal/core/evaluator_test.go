package core

import (
	"encoding/json"
	"testing"
)

func cond(variable Variable, op Operator, value string) GroupEntry {
	return GroupEntry{Condition: &Condition{Variable: variable, Operator: op, Value: value}}
}

func group(logic Logic, entries ...GroupEntry) GroupEntry {
	return GroupEntry{Group: &ConditionGroup{Logic: logic, Entries: entries}}
}

func TestEvaluateGroup(t *testing.T) {
	tests := []struct {
		name  string
		group *ConditionGroup
		want  bool
	}{
		{
			name:  "empty group never matches",
			group: &ConditionGroup{Logic: LogicAnd},
			want:  false,
		},
		{
			name:  "empty OR group never matches",
			group: &ConditionGroup{Logic: LogicOr},
			want:  false,
		},
		{
			name: "single true entry matches regardless of logic",
			group: &ConditionGroup{Logic: LogicOr, Entries: []GroupEntry{
				cond(VariableMessage, OperatorContains, "hello"),
			}},
			want: true,
		},
		{
			name: "AND requires all children",
			group: &ConditionGroup{Logic: LogicAnd, Entries: []GroupEntry{
				cond(VariableMessage, OperatorContains, "hello"),
				cond(VariableMessage, OperatorContains, "goodbye"),
			}},
			want: false,
		},
		{
			name: "OR requires any child",
			group: &ConditionGroup{Logic: LogicOr, Entries: []GroupEntry{
				cond(VariableMessage, OperatorContains, "goodbye"),
				cond(VariableMessage, OperatorContains, "world"),
			}},
			want: true,
		},
		{
			name: "nested group recursion",
			group: &ConditionGroup{Logic: LogicAnd, Entries: []GroupEntry{
				cond(VariableMessage, OperatorContains, "hello"),
				group(LogicOr,
					cond(VariableHasTag, OperatorIsTrue, ""),
					cond(VariableMessage, OperatorContains, "nope"),
				),
			}},
			want: false, // has_tag without varName resolves absent
		},
		{
			name: "nested group rescues AND parent via OR child",
			group: &ConditionGroup{Logic: LogicAnd, Entries: []GroupEntry{
				cond(VariableMessage, OperatorContains, "hello"),
				group(LogicOr,
					cond(VariableMessage, OperatorContains, "nope"),
					cond(VariableMessage, OperatorContains, "world"),
				),
			}},
			want: true,
		},
		{
			name: "malformed entry with neither side fails its branch",
			group: &ConditionGroup{Logic: LogicOr, Entries: []GroupEntry{
				{},
				cond(VariableMessage, OperatorContains, "world"),
			}},
			want: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := EvaluateGroup(test.group, testContext())
			if got != test.want {
				t.Fatalf("EvaluateGroup() = %t, want %t", got, test.want)
			}
		})
	}
}

// TestEvaluateGroupShortCircuit plants a history-reading condition after a
// deciding child and fails if the evaluator still consults it.
func TestEvaluateGroupShortCircuit(t *testing.T) {
	historyCalls := 0
	spy := HistoryReaderFunc(func(groupID, contactID string) HistoryRecord {
		historyCalls++
		return HistoryRecord{}
	})

	later := GroupEntry{Condition: &Condition{
		Variable:  VariableNotTriggeredIn,
		Operator:  OperatorIsTrue,
		TimeValue: 1,
		TimeUnit:  TimeUnitHours,
	}}

	ctx := testContext()
	ctx.History = spy
	andGroup := TriggerGroup{ID: "tg-1", Conditions: []GroupEntry{
		cond(VariableMessage, OperatorContains, "goodbye"), // false
		later,
	}}
	if MatchesConditions(andGroup, ctx) {
		t.Fatal("MatchesConditions() = true, want false")
	}
	if historyCalls != 0 {
		t.Fatalf("AND group evaluated %d children after a false child", historyCalls)
	}

	ctx = testContext()
	ctx.History = spy
	orGroup := TriggerGroup{ID: "tg-1", Conditions: []GroupEntry{
		group(LogicOr,
			cond(VariableMessage, OperatorContains, "hello"), // true
			later,
		),
	}}
	if !MatchesConditions(orGroup, ctx) {
		t.Fatal("MatchesConditions() = false, want true")
	}
	if historyCalls != 0 {
		t.Fatalf("OR group evaluated %d children after a true child", historyCalls)
	}
}

func TestEvaluateGroupCycleFailsBranch(t *testing.T) {
	// A malformed persisted document could alias a group into itself; the
	// evaluator must fail that branch rather than recurse forever.
	cyclic := &ConditionGroup{Logic: LogicOr}
	cyclic.Entries = []GroupEntry{
		{Group: cyclic},
		cond(VariableMessage, OperatorContains, "world"),
	}

	if !EvaluateGroup(cyclic, testContext()) {
		t.Fatal("EvaluateGroup() = false, want true from the non-cyclic sibling")
	}

	allCyclic := &ConditionGroup{Logic: LogicAnd}
	allCyclic.Entries = []GroupEntry{{Group: allCyclic}}
	if EvaluateGroup(allCyclic, testContext()) {
		t.Fatal("EvaluateGroup() on fully cyclic group = true, want false")
	}
}

func TestGroupEntryWireFormat(t *testing.T) {
	payload := []byte(`[
		{"variable":"message","operator":"contains","value":"hi"},
		{"isGroup":true,"conditions":[
			{"variable":"has_tag","operator":"is_true","varName":"vip"},
			{"isGroup":true,"logic":"AND","conditions":[
				{"variable":"time","operator":"greater_than","value":"12:00"}
			]}
		]}
	]`)

	var entries []GroupEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Condition == nil || entries[0].Condition.Variable != VariableMessage {
		t.Fatalf("entries[0] = %+v, want message condition", entries[0])
	}
	nested := entries[1].Group
	if nested == nil {
		t.Fatalf("entries[1] = %+v, want group", entries[1])
	}
	if nested.Logic != LogicOr {
		t.Fatalf("nested group logic = %q, want OR default", nested.Logic)
	}
	if len(nested.Entries) != 2 || nested.Entries[1].Group == nil || nested.Entries[1].Group.Logic != LogicAnd {
		t.Fatalf("nested entries = %+v, want condition plus explicit AND group", nested.Entries)
	}

	reencoded, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var roundTripped []GroupEntry
	if err := json.Unmarshal(reencoded, &roundTripped); err != nil {
		t.Fatalf("Unmarshal(round trip) error = %v", err)
	}
	if roundTripped[1].Group == nil || roundTripped[1].Group.Logic != LogicOr {
		t.Fatalf("round trip lost group structure: %+v", roundTripped[1])
	}
}

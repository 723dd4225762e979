package core

import (
	"strings"
	"testing"
)

// FuzzApply asserts the operator library is total: no combination of
// operator, flags, and operand text may panic, and the negated operators stay
// consistent with their positive counterparts on present values.
func FuzzApply(f *testing.F) {
	f.Add("contains", "Hello World", "hello", false)
	f.Add("matches_regex", "abc", `([`, false)
	f.Add("greater_than", "10", "5", true)
	f.Add("is_empty", "", "", false)
	f.Add("equals", "שלום", "שלום", true)

	f.Fuzz(func(t *testing.T, op string, actual string, value string, caseSensitive bool) {
		cond := Condition{
			Operator:      Operator(op),
			Value:         value,
			CaseSensitive: caseSensitive,
		}

		_ = Apply(cond, textValue(actual), true)
		_ = Apply(cond, Value{}, false)

		// Blank comparison values make both sides fail closed, so the
		// complement only holds for populated values.
		if strings.TrimSpace(value) != "" {
			positive := cond
			positive.Operator = OperatorEquals
			negative := cond
			negative.Operator = OperatorNotEquals
			if Apply(positive, textValue(actual), true) == Apply(negative, textValue(actual), true) {
				t.Fatalf("equals and not_equals agree for actual=%q value=%q", actual, value)
			}
		}
	})
}

// FuzzGroupEntryUnmarshal feeds arbitrary JSON through the tagged-union
// decoder; it must either error or produce an entry that re-encodes without
// panicking.
func FuzzGroupEntryUnmarshal(f *testing.F) {
	f.Add([]byte(`{"variable":"message","operator":"contains","value":"hi"}`))
	f.Add([]byte(`{"isGroup":true,"logic":"AND","conditions":[]}`))
	f.Add([]byte(`{"isGroup":true,"conditions":[{"isGroup":true,"conditions":[]}]}`))
	f.Add([]byte(`{}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var entry GroupEntry
		if err := entry.UnmarshalJSON(data); err != nil {
			return
		}
		if _, err := entry.MarshalJSON(); err != nil {
			t.Fatalf("MarshalJSON() after successful decode: %v", err)
		}
		_ = EvaluateGroup(&ConditionGroup{Logic: LogicOr, Entries: []GroupEntry{entry}}, testContext())
	})
}

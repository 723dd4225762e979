// Package core implements the trigger rule engine: typed conditions and
// condition groups, the operator library, value resolution against an incoming
// WhatsApp event, and the firing gate (source filter, once-per-user, cooldown,
// active hours).
//
// Everything in this package is pure and fail-closed: malformed documents,
// unknown variables or operators, bad regex patterns, and missing contact data
// all evaluate to "does not match" rather than returning an error. The engine
// performs no I/O; all state it needs arrives through [EvaluationContext].
package core

import (
	"encoding/json"
	"time"
)

// Logic selects how sibling entries inside a condition group combine.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Operator identifies a comparison applied to a resolved value.
type Operator string

const (
	OperatorEquals         Operator = "equals"
	OperatorNotEquals      Operator = "not_equals"
	OperatorContains       Operator = "contains"
	OperatorNotContains    Operator = "not_contains"
	OperatorStartsWith     Operator = "starts_with"
	OperatorEndsWith       Operator = "ends_with"
	OperatorMatchesRegex   Operator = "matches_regex"
	OperatorGreaterThan    Operator = "greater_than"
	OperatorLessThan       Operator = "less_than"
	OperatorGreaterOrEqual Operator = "greater_or_equal"
	OperatorLessOrEqual    Operator = "less_or_equal"
	OperatorIsEmpty        Operator = "is_empty"
	OperatorIsNotEmpty     Operator = "is_not_empty"
	OperatorIsTrue         Operator = "is_true"
	OperatorIsFalse        Operator = "is_false"
	OperatorIsText         Operator = "is_text"
	OperatorIsNumber       Operator = "is_number"
	OperatorIsEmail        Operator = "is_email"
	OperatorIsPhone        Operator = "is_phone"
	OperatorIsImage        Operator = "is_image"
	OperatorIsVideo        Operator = "is_video"
	OperatorIsAudio        Operator = "is_audio"
	OperatorIsDocument     Operator = "is_document"
	OperatorIsPDF          Operator = "is_pdf"
)

// NeedsValue reports whether the operator compares against a condition value.
// Value-less operators (emptiness, boolean, and type checks) ignore the
// condition's Value field entirely.
func (op Operator) NeedsValue() bool {
	switch op {
	case OperatorIsEmpty, OperatorIsNotEmpty,
		OperatorIsTrue, OperatorIsFalse,
		OperatorIsText, OperatorIsNumber, OperatorIsEmail, OperatorIsPhone,
		OperatorIsImage, OperatorIsVideo, OperatorIsAudio,
		OperatorIsDocument, OperatorIsPDF:
		return false
	}
	return true
}

// Variable identifies what an individual condition tests.
type Variable string

const (
	VariableMessage        Variable = "message"
	VariableLastMessage    Variable = "last_message"
	VariableMessageType    Variable = "message_type"
	VariableFirstMessage   Variable = "first_message"
	VariableContactField   Variable = "contact_field"
	VariableHasTag         Variable = "has_tag"
	VariableNotHasTag      Variable = "not_has_tag"
	VariableUserVariable   Variable = "variable"
	VariableTime           Variable = "time"
	VariableDay            Variable = "day"
	VariableDate           Variable = "date"
	VariableRandom         Variable = "random"
	VariableNoMessageIn    Variable = "no_message_in"
	VariableNotTriggeredIn Variable = "not_triggered_in"
	VariableStatusViewed   Variable = "status_viewed"
	VariableStatusReaction Variable = "status_reaction"
	VariableStatusReply    Variable = "status_reply"
	VariablePollVote       Variable = "poll_vote"
	VariableIncomingCall   Variable = "incoming_call"
)

// TimeUnit is the unit for duration-valued settings (cooldowns and the
// inactivity variables).
type TimeUnit string

const (
	TimeUnitMinutes TimeUnit = "minutes"
	TimeUnitHours   TimeUnit = "hours"
	TimeUnitDays    TimeUnit = "days"
	TimeUnitWeeks   TimeUnit = "weeks"
)

// Duration converts value units into a [time.Duration]. Unknown units and
// non-positive values yield zero, which downstream checks treat as "unset".
func (u TimeUnit) Duration(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	switch u {
	case TimeUnitMinutes:
		return time.Duration(value) * time.Minute
	case TimeUnitHours:
		return time.Duration(value) * time.Hour
	case TimeUnitDays:
		return time.Duration(value) * 24 * time.Hour
	case TimeUnitWeeks:
		return time.Duration(value) * 7 * 24 * time.Hour
	}
	return 0
}

// Condition is a leaf test: a variable, an operator, and (for most operators)
// a comparison value, plus the auxiliary fields the chosen variable needs.
type Condition struct {
	Variable Variable `json:"variable"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value,omitempty"`

	// Field selects the contact attribute for contact_field conditions;
	// CustomField carries the attribute name when Field is "custom".
	Field       string `json:"field,omitempty"`
	CustomField string `json:"customField,omitempty"`

	// VarName is the tag name for tag conditions and the variable name for
	// user-variable conditions.
	VarName string `json:"varName,omitempty"`

	// TimeValue and TimeUnit form the threshold for the inactivity variables
	// (no_message_in, not_triggered_in).
	TimeValue int      `json:"timeValue,omitempty"`
	TimeUnit  TimeUnit `json:"timeUnit,omitempty"`

	// CallType narrows incoming_call conditions to one call type.
	CallType string `json:"callType,omitempty"`

	// FilterByStatus and SpecificStatusID narrow status conditions to
	// interactions with one concrete status.
	FilterByStatus   bool   `json:"filterByStatus,omitempty"`
	SpecificStatusID string `json:"specificStatusId,omitempty"`

	// CaseSensitive makes string comparisons case-sensitive. The default is
	// case-insensitive, matching the editor.
	CaseSensitive bool `json:"caseSensitive,omitempty"`
}

// GroupEntry is one child of a condition group: either a leaf [Condition] or a
// nested [ConditionGroup], never both. The editor's wire format discriminates
// with an "isGroup" flag; in memory exactly one pointer is non-nil. An entry
// with neither set is malformed and evaluates to false.
type GroupEntry struct {
	Condition *Condition
	Group     *ConditionGroup
}

// ConditionGroup combines child entries with a single group-wide logic
// operator. The editor toggles AND/OR between each adjacent pair of siblings,
// but it stores one value for the whole group; that group-wide semantic is
// deliberate and preserved here.
type ConditionGroup struct {
	Logic   Logic        `json:"logic,omitempty"`
	Entries []GroupEntry `json:"conditions"`
}

// MessageSource distinguishes direct chats from group chats.
type MessageSource string

const (
	SourceDirect MessageSource = "direct"
	SourceGroup  MessageSource = "group"
)

// TriggerGroup is a top-level rule unit: a set of conditions combined with
// implicit AND, plus the firing-gate settings. Multiple trigger groups on one
// flow combine with OR in persisted order.
type TriggerGroup struct {
	ID         string       `json:"id"`
	Conditions []GroupEntry `json:"conditions"`

	// AllowDirectMessages defaults to true when absent, so it is a pointer on
	// the wire. AllowGroupMessages defaults to false.
	AllowDirectMessages *bool `json:"allowDirectMessages,omitempty"`
	AllowGroupMessages  bool  `json:"allowGroupMessages,omitempty"`

	OncePerUser bool `json:"oncePerUser,omitempty"`

	HasCooldown   bool     `json:"hasCooldown,omitempty"`
	CooldownValue int      `json:"cooldownValue,omitempty"`
	CooldownUnit  TimeUnit `json:"cooldownUnit,omitempty"`

	HasActiveHours bool   `json:"hasActiveHours,omitempty"`
	ActiveFrom     string `json:"activeFrom,omitempty"`
	ActiveTo       string `json:"activeTo,omitempty"`
}

// DirectAllowed reports whether the group accepts direct-chat events,
// defaulting to true when the field is absent.
func (tg TriggerGroup) DirectAllowed() bool {
	return tg.AllowDirectMessages == nil || *tg.AllowDirectMessages
}

// Cooldown returns the configured cooldown duration, or zero when cooldown is
// disabled or misconfigured.
func (tg TriggerGroup) Cooldown() time.Duration {
	if !tg.HasCooldown {
		return 0
	}
	return tg.CooldownUnit.Duration(tg.CooldownValue)
}

// wireEntry is the editor's persisted shape for a group entry. Conditions and
// nested groups share one array, discriminated by the isGroup flag.
type wireEntry struct {
	IsGroup bool `json:"isGroup,omitempty"`

	// Group fields.
	Logic   Logic             `json:"logic,omitempty"`
	Entries []json.RawMessage `json:"conditions,omitempty"`

	Condition
}

// UnmarshalJSON decodes the editor's tagged wire format into the in-memory
// sum type. Nested groups with no explicit logic default to OR; the implicit
// top-level trigger group is always AND.
func (e *GroupEntry) UnmarshalJSON(data []byte) error {
	var wire wireEntry
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	if !wire.IsGroup {
		cond := wire.Condition
		e.Condition = &cond
		e.Group = nil
		return nil
	}

	group := &ConditionGroup{Logic: wire.Logic}
	if group.Logic != LogicAnd && group.Logic != LogicOr {
		group.Logic = LogicOr
	}
	for _, raw := range wire.Entries {
		var child GroupEntry
		if err := json.Unmarshal(raw, &child); err != nil {
			return err
		}
		group.Entries = append(group.Entries, child)
	}

	e.Condition = nil
	e.Group = group
	return nil
}

// MarshalJSON re-encodes the entry in the editor's wire format.
func (e GroupEntry) MarshalJSON() ([]byte, error) {
	switch {
	case e.Group != nil:
		return json.Marshal(struct {
			IsGroup bool         `json:"isGroup"`
			Logic   Logic        `json:"logic,omitempty"`
			Entries []GroupEntry `json:"conditions"`
		}{
			IsGroup: true,
			Logic:   e.Group.Logic,
			Entries: e.Group.Entries,
		})
	case e.Condition != nil:
		return json.Marshal(e.Condition)
	default:
		return []byte("null"), nil
	}
}

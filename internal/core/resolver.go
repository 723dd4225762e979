package core

import (
	"strconv"
	"strings"
)

// evalScope carries per-evaluation bookkeeping that individual conditions
// need but that does not belong on the public context: the enclosing trigger
// group (for not_triggered_in) and the cycle guard.
type evalScope struct {
	ctx     *EvaluationContext
	groupID string
	seen    map[*ConditionGroup]struct{}
}

// ResolveValue extracts the value a condition's variable refers to from the event
// context. The second return is false when the value is absent (no message,
// unknown field, unknown variable); operators treat absent as non-matching
// except for the emptiness checks.
//
// The inactivity variables (no_message_in, not_triggered_in) are not
// comparison-driven: the resolver itself encodes the ">= threshold" test and
// yields a boolean, which the editor pairs with is_true.
func ResolveValue(cond Condition, ctx *EvaluationContext) (Value, bool) {
	return resolveScoped(cond, evalScope{ctx: ctx})
}

func resolveScoped(cond Condition, scope evalScope) (Value, bool) {
	ctx := scope.ctx

	switch cond.Variable {
	case VariableMessage:
		if ctx.Message == nil {
			return Value{}, false
		}
		return Value{
			Str:   ctx.Message.Content,
			Media: ctx.Message.Type,
			MIME:  ctx.Message.MimeType,
		}, true

	case VariableLastMessage:
		if ctx.Contact.LastMessage == "" {
			return Value{}, false
		}
		return textValue(ctx.Contact.LastMessage), true

	case VariableMessageType:
		if ctx.Message == nil {
			return Value{}, false
		}
		return Value{
			Str:   string(ctx.Message.Type),
			Media: ctx.Message.Type,
			MIME:  ctx.Message.MimeType,
		}, true

	case VariableFirstMessage:
		if ctx.Message == nil {
			return Value{}, false
		}
		return boolValue(ctx.Message.FirstFromContact), true

	case VariableContactField:
		name := cond.Field
		if strings.EqualFold(name, "custom") {
			name = cond.CustomField
		}
		if name == "" {
			return Value{}, false
		}
		value, ok := ctx.Contact.Fields[name]
		if !ok {
			return Value{}, false
		}
		return textValue(value), true

	case VariableHasTag:
		if cond.VarName == "" {
			return Value{}, false
		}
		return boolValue(ctx.Contact.HasTag(cond.VarName)), true

	case VariableNotHasTag:
		if cond.VarName == "" {
			return Value{}, false
		}
		return boolValue(!ctx.Contact.HasTag(cond.VarName)), true

	case VariableUserVariable:
		if cond.VarName == "" {
			return Value{}, false
		}
		value, ok := ctx.Contact.Variables[cond.VarName]
		if !ok {
			return Value{}, false
		}
		return textValue(value), true

	case VariableTime:
		return textValue(ctx.Now.Format("15:04")), true

	case VariableDay:
		// Weekday index matches the editor's day list: Sunday is 0.
		return textValue(strconv.Itoa(int(ctx.Now.Weekday()))), true

	case VariableDate:
		return textValue(ctx.Now.Format("2006-01-02")), true

	case VariableRandom:
		return textValue(strconv.Itoa(ctx.Random())), true

	case VariableNoMessageIn:
		threshold := cond.TimeUnit.Duration(cond.TimeValue)
		if threshold <= 0 {
			return Value{}, false
		}
		if ctx.Contact.LastInboundAt.IsZero() {
			// No prior message on record: the inactivity window is unknown,
			// so the condition cannot assert anything either way.
			return Value{}, false
		}
		return boolValue(ctx.Now.Sub(ctx.Contact.LastInboundAt) >= threshold), true

	case VariableNotTriggeredIn:
		threshold := cond.TimeUnit.Duration(cond.TimeValue)
		if threshold <= 0 || scope.groupID == "" {
			return Value{}, false
		}
		record := ctx.history(scope.groupID)
		if !record.HasFiredEver {
			return boolValue(true), true
		}
		return boolValue(ctx.Now.Sub(record.LastFiredAt) >= threshold), true

	case VariableStatusViewed:
		if _, ok := latestStatusInteraction(ctx, StatusViewed, cond); !ok {
			return Value{}, false
		}
		return boolValue(true), true

	case VariableStatusReaction:
		interaction, ok := latestStatusInteraction(ctx, StatusReaction, cond)
		if !ok {
			return Value{}, false
		}
		return textValue(interaction.Content), true

	case VariableStatusReply:
		interaction, ok := latestStatusInteraction(ctx, StatusReply, cond)
		if !ok {
			return Value{}, false
		}
		return textValue(interaction.Content), true

	case VariablePollVote:
		if ctx.Message == nil || ctx.Message.PollVote == "" {
			return Value{}, false
		}
		return textValue(ctx.Message.PollVote), true

	case VariableIncomingCall:
		if ctx.Message == nil || ctx.Message.CallType == "" {
			return Value{}, false
		}
		if cond.CallType != "" && !strings.EqualFold(cond.CallType, ctx.Message.CallType) {
			return Value{}, false
		}
		return textValue(ctx.Message.CallType), true
	}

	// Unknown variable id: malformed or newer-editor document, fail closed.
	return Value{}, false
}

func latestStatusInteraction(ctx *EvaluationContext, kind StatusInteractionKind, cond Condition) (StatusInteraction, bool) {
	for _, interaction := range ctx.Statuses {
		if interaction.Kind != kind {
			continue
		}
		if cond.FilterByStatus && cond.SpecificStatusID != "" && interaction.StatusID != cond.SpecificStatusID {
			continue
		}
		return interaction, true
	}
	return StatusInteraction{}, false
}

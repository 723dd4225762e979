package core

import (
	"strconv"
	"strings"
)

// Reason explains a gate decision. Exactly one reason accompanies every
// decision; the first failing check wins.
type Reason string

const (
	ReasonFired              Reason = "fired"
	ReasonSourceExcluded     Reason = "source_excluded"
	ReasonConditionsNotMet   Reason = "conditions_not_met"
	ReasonAlreadyFiredOnce   Reason = "already_fired_once"
	ReasonCooldownActive     Reason = "cooldown_active"
	ReasonOutsideActiveHours Reason = "outside_active_hours"
)

// Decision is the outcome of gating one trigger group against one event.
type Decision struct {
	Fire   bool   `json:"fire"`
	Reason Reason `json:"reason"`
}

// CanFire wraps a trigger group's condition match with its behavioral gate:
// source filter, once-per-user dedup, cooldown, and active hours, in that
// order. It is a pure decision over the supplied history snapshot; recording
// a firing is the caller's responsibility.
func CanFire(tg TriggerGroup, ctx *EvaluationContext) Decision {
	source := SourceDirect
	if ctx.Message != nil {
		source = ctx.Message.Source
	}
	// Both filters gate independently; a group with both disabled is inert
	// but valid.
	if source == SourceGroup && !tg.AllowGroupMessages {
		return Decision{Reason: ReasonSourceExcluded}
	}
	if source == SourceDirect && !tg.DirectAllowed() {
		return Decision{Reason: ReasonSourceExcluded}
	}

	if !MatchesConditions(tg, ctx) {
		return Decision{Reason: ReasonConditionsNotMet}
	}

	record := ctx.history(tg.ID)
	if tg.OncePerUser && record.HasFiredEver {
		return Decision{Reason: ReasonAlreadyFiredOnce}
	}

	if cooldown := tg.Cooldown(); cooldown > 0 && record.HasFiredEver {
		if ctx.Now.Sub(record.LastFiredAt) < cooldown {
			return Decision{Reason: ReasonCooldownActive}
		}
	}

	if tg.HasActiveHours && !inActiveWindow(ctx.Now.Format("15:04"), tg.ActiveFrom, tg.ActiveTo) {
		return Decision{Reason: ReasonOutsideActiveHours}
	}

	return Decision{Fire: true, Reason: ReasonFired}
}

// inActiveWindow reports whether a local "HH:MM" time falls inside
// [from, to). Windows may wrap past midnight (22:00-06:00). Unparseable
// bounds fail closed: the group does not fire.
func inActiveWindow(now, from, to string) bool {
	nowMin, ok := parseClockMinutes(now)
	if !ok {
		return false
	}
	fromMin, ok := parseClockMinutes(from)
	if !ok {
		return false
	}
	toMin, ok := parseClockMinutes(to)
	if !ok {
		return false
	}

	if fromMin == toMin {
		// Zero-width window: never active.
		return false
	}
	if fromMin < toMin {
		return nowMin >= fromMin && nowMin < toMin
	}
	// Wraps midnight.
	return nowMin >= fromMin || nowMin < toMin
}

func parseClockMinutes(clock string) (int, bool) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(clock), ":")
	if !ok {
		return 0, false
	}
	hours, err := strconv.Atoi(hh)
	if err != nil || hours < 0 || hours > 23 {
		return 0, false
	}
	minutes, err := strconv.Atoi(mm)
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, false
	}
	return hours*60 + minutes, true
}

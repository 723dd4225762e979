package core

import (
	"regexp"
	"strconv"
	"strings"
)

// Value is a resolved condition operand. Str carries the comparable text;
// Media and MIME describe the shape of message-scoped values so the media
// type-check operators can inspect them.
type Value struct {
	Str   string
	Media MessageType
	MIME  string
}

func textValue(s string) Value { return Value{Str: s} }

func boolValue(b bool) Value {
	if b {
		return Value{Str: "true"}
	}
	return Value{Str: "false"}
}

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]{2,}$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9\s().-]{6,}$`)
)

// Apply evaluates a condition's operator against a resolved value. It is a
// pure, total function: present=false means the value could not be resolved
// (missing field, no message), which matches nothing except the emptiness
// checks. Operators that require a comparison value never match when the
// condition's value is empty.
func Apply(cond Condition, actual Value, present bool) bool {
	op := cond.Operator

	if !present {
		// Absent counts as empty; every other operator fails closed.
		return op == OperatorIsEmpty
	}
	if op.NeedsValue() && strings.TrimSpace(cond.Value) == "" {
		return false
	}

	switch op {
	case OperatorEquals:
		return stringsEqual(actual.Str, cond.Value, cond.CaseSensitive)
	case OperatorNotEquals:
		return !stringsEqual(actual.Str, cond.Value, cond.CaseSensitive)
	case OperatorContains:
		return stringsContain(actual.Str, cond.Value, cond.CaseSensitive)
	case OperatorNotContains:
		return !stringsContain(actual.Str, cond.Value, cond.CaseSensitive)
	case OperatorStartsWith:
		return strings.HasPrefix(fold(actual.Str, cond.CaseSensitive), fold(cond.Value, cond.CaseSensitive))
	case OperatorEndsWith:
		return strings.HasSuffix(fold(actual.Str, cond.CaseSensitive), fold(cond.Value, cond.CaseSensitive))
	case OperatorMatchesRegex:
		pattern, err := regexp.Compile(cond.Value)
		if err != nil {
			// Invalid patterns never match; user documents must not be able
			// to crash the event pipeline.
			return false
		}
		return pattern.MatchString(actual.Str)
	case OperatorGreaterThan, OperatorLessThan, OperatorGreaterOrEqual, OperatorLessOrEqual:
		return compareNumeric(op, actual.Str, cond.Value)
	case OperatorIsEmpty:
		return strings.TrimSpace(actual.Str) == ""
	case OperatorIsNotEmpty:
		return strings.TrimSpace(actual.Str) != ""
	case OperatorIsTrue:
		return looseBool(actual.Str)
	case OperatorIsFalse:
		return !looseBool(actual.Str)
	case OperatorIsText:
		return actual.Media == "" || actual.Media == MessageTypeText
	case OperatorIsNumber:
		_, err := strconv.ParseFloat(strings.TrimSpace(actual.Str), 64)
		return err == nil
	case OperatorIsEmail:
		return emailPattern.MatchString(strings.TrimSpace(actual.Str))
	case OperatorIsPhone:
		return phonePattern.MatchString(strings.TrimSpace(actual.Str))
	case OperatorIsImage:
		return isMediaKind(actual, MessageTypeImage, "image/")
	case OperatorIsVideo:
		return isMediaKind(actual, MessageTypeVideo, "video/")
	case OperatorIsAudio:
		return isMediaKind(actual, MessageTypeAudio, "audio/")
	case OperatorIsDocument:
		return actual.Media == MessageTypeDocument
	case OperatorIsPDF:
		return actual.Media == MessageTypeDocument && strings.EqualFold(actual.MIME, "application/pdf")
	default:
		// Unknown operator: malformed document, fail closed.
		return false
	}
}

func stringsEqual(a, b string, caseSensitive bool) bool {
	if caseSensitive {
		return a == b
	}
	return strings.EqualFold(a, b)
}

func stringsContain(haystack, needle string, caseSensitive bool) bool {
	return strings.Contains(fold(haystack, caseSensitive), fold(needle, caseSensitive))
}

func fold(s string, caseSensitive bool) string {
	if caseSensitive {
		return s
	}
	return strings.ToLower(s)
}

func compareNumeric(op Operator, actual, expected string) bool {
	left, err := strconv.ParseFloat(strings.TrimSpace(actual), 64)
	if err != nil {
		return false
	}
	right, err := strconv.ParseFloat(strings.TrimSpace(expected), 64)
	if err != nil {
		return false
	}

	switch op {
	case OperatorGreaterThan:
		return left > right
	case OperatorLessThan:
		return left < right
	case OperatorGreaterOrEqual:
		return left >= right
	case OperatorLessOrEqual:
		return left <= right
	}
	return false
}

// looseBool treats any non-empty value other than "false" as true.
func looseBool(s string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	return trimmed != "" && trimmed != "false"
}

func isMediaKind(v Value, media MessageType, mimePrefix string) bool {
	if v.Media == media {
		return true
	}
	return v.MIME != "" && strings.HasPrefix(strings.ToLower(v.MIME), mimePrefix)
}

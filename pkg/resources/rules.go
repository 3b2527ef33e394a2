package resources

import (
	"fmt"
	"regexp"
	"strconv"
)

// Rule is a single declarative validation constraint on a field value.
type Rule struct {
	kind    string
	number  float64
	text    string
	values  []any
	pattern *regexp.Regexp
}

// Required fails when the field is absent, nil or an empty string.
func Required() Rule { return Rule{kind: "required"} }

// Min fails when a numeric value is below n.
func Min(n float64) Rule { return Rule{kind: "min", number: n} }

// Max fails when a numeric value is above n.
func Max(n float64) Rule { return Rule{kind: "max", number: n} }

// MinLen fails when a string value is shorter than n.
func MinLen(n int) Rule { return Rule{kind: "minlen", number: float64(n)} }

// MaxLen fails when a string value is longer than n.
func MaxLen(n int) Rule { return Rule{kind: "maxlen", number: float64(n)} }

// OneOf fails when the value is not among the allowed set.
func OneOf(allowed ...any) Rule { return Rule{kind: "oneof", values: allowed} }

// Matches fails when a string value does not match the expression.
func Matches(expr string) Rule {
	return Rule{kind: "matches", text: expr, pattern: regexp.MustCompile(expr)}
}

// Ruleset maps field names to the rules they must satisfy.
type Ruleset map[string][]Rule

// Validate checks the payload against the ruleset and returns field-level
// failure messages, empty when the payload is valid. Rules other than
// Required are skipped for absent fields so that partial updates only
// validate what they touch.
func Validate(payload Record, rules Ruleset) map[string][]string {
	failures := map[string][]string{}

	for field, fieldRules := range rules {
		value, present := payload[field]

		for _, rule := range fieldRules {
			if msg := rule.check(value, present); msg != "" {
				failures[field] = append(failures[field], msg)
			}
		}
	}

	if len(failures) == 0 {
		return nil
	}
	return failures
}

func (r Rule) check(value any, present bool) string {
	if r.kind == "required" {
		if !present || value == nil {
			return "is required"
		}
		if s, ok := value.(string); ok && s == "" {
			return "is required"
		}
		return ""
	}

	if !present || value == nil {
		return ""
	}

	switch r.kind {
	case "min":
		if n, ok := asNumber(value); ok && n < r.number {
			return fmt.Sprintf("must be at least %s", formatNumber(r.number))
		}
	case "max":
		if n, ok := asNumber(value); ok && n > r.number {
			return fmt.Sprintf("must be at most %s", formatNumber(r.number))
		}
	case "minlen":
		if s, ok := value.(string); ok && len(s) < int(r.number) {
			return fmt.Sprintf("must be at least %d characters", int(r.number))
		}
	case "maxlen":
		if s, ok := value.(string); ok && len(s) > int(r.number) {
			return fmt.Sprintf("must be at most %d characters", int(r.number))
		}
	case "oneof":
		for _, allowed := range r.values {
			if fmt.Sprintf("%v", allowed) == fmt.Sprintf("%v", value) {
				return ""
			}
		}
		return "is not an allowed value"
	case "matches":
		if s, ok := value.(string); ok && !r.pattern.MatchString(s) {
			return fmt.Sprintf("must match %s", r.text)
		}
	}

	return ""
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}

package memory

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/diwise/resource-broker/pkg/resources"
)

func evalOperator(value any, op resources.Operator, filterValue any) (bool, error) {
	switch op {
	case resources.OpEq:
		return looseEqual(value, filterValue), nil
	case resources.OpGt, resources.OpGte, resources.OpLt, resources.OpLte:
		cmp, ok := compareValues(value, filterValue)
		if !ok {
			return false, nil
		}
		switch op {
		case resources.OpGt:
			return cmp > 0, nil
		case resources.OpGte:
			return cmp >= 0, nil
		case resources.OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case resources.OpLike:
		return matchLike(value, filterValue), nil
	case resources.OpIn, resources.OpNotIn:
		values, err := valueList(op, filterValue)
		if err != nil {
			return false, err
		}
		found := false
		for _, candidate := range values {
			if looseEqual(value, candidate) {
				found = true
				break
			}
		}
		if op == resources.OpIn {
			return found, nil
		}
		return !found, nil
	case resources.OpBetween, resources.OpNotBetween:
		bounds, err := valueList(op, filterValue)
		if err != nil {
			return false, err
		}
		if len(bounds) != 2 {
			return false, fmt.Errorf("%s requires exactly two values", op)
		}
		low, okLow := compareValues(value, bounds[0])
		high, okHigh := compareValues(value, bounds[1])
		within := okLow && okHigh && low >= 0 && high <= 0
		if op == resources.OpBetween {
			return within, nil
		}
		return !within, nil
	case resources.OpNull:
		return value == nil, nil
	case resources.OpNotNull:
		return value != nil, nil
	case resources.OpDateCompare:
		a, okA := asTime(value)
		b, okB := asTime(filterValue)
		if !okA || !okB {
			return false, nil
		}
		ay, am, ad := a.Date()
		by, bm, bd := b.Date()
		return ay == by && am == bm && ad == bd, nil
	}

	return false, fmt.Errorf("unsupported operator %q", op)
}

func valueList(op resources.Operator, v any) ([]any, error) {
	switch list := v.(type) {
	case []any:
		return list, nil
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s requires a list of values", op)
}

// matchLike performs a case-insensitive substring match; a filter value
// containing an explicit % wildcard is matched segment-wise instead.
func matchLike(value, filterValue any) bool {
	s := strings.ToLower(stringify(value))
	pattern := strings.ToLower(stringify(filterValue))

	if !strings.Contains(pattern, "%") {
		return strings.Contains(s, pattern)
	}

	segments := strings.Split(pattern, "%")
	pos := 0

	for i, seg := range segments {
		if seg == "" {
			continue
		}

		idx := strings.Index(s[pos:], seg)
		if idx < 0 {
			return false
		}
		if i == 0 && idx != 0 {
			return false
		}
		pos += idx + len(seg)
	}

	if last := segments[len(segments)-1]; last != "" && !strings.HasSuffix(s, last) {
		return false
	}

	return true
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if cmp, ok := compareValues(a, b); ok {
		return cmp == 0
	}

	return stringify(a) == stringify(b)
}

// compareValues orders two values of loosely matching types, numbers
// first, then timestamps, then strings.
func compareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}

	if na, okA := asFloat(a); okA {
		if nb, okB := asFloat(b); okB {
			switch {
			case na < nb:
				return -1, true
			case na > nb:
				return 1, true
			default:
				return 0, true
			}
		}
	}

	if ta, okA := asTime(a); okA {
		if tb, okB := asTime(b); okB {
			switch {
			case ta.Before(tb):
				return -1, true
			case ta.After(tb):
				return 1, true
			default:
				return 0, true
			}
		}
	}

	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), true
	}

	ba, okA := a.(bool)
	bb, okB := b.(bool)
	if okA && okB {
		if ba == bb {
			return 0, true
		}
		if !ba {
			return -1, true
		}
		return 1, true
	}

	return 0, false
}

func asFloat(v any) (float64, bool) {
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

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func stringify(v any) string {
	return fmt.Sprintf("%v", v)
}

package core

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/blang/semver/v4"
)

// Context is the caller-supplied key/value data conditions are evaluated against.
// Nested maps are addressed with dotted paths, e.g. "multi_tenancy.strategy".
type Context map[string]any

// Lookup resolves path against the context. An exact top-level key wins over
// dotted traversal.
func (c Context) Lookup(path string) (any, bool) {
	if c == nil || path == "" {
		return nil, false
	}
	if value, ok := c[path]; ok {
		return value, true
	}

	var current any = map[string]any(c)
	for segment := range strings.SplitSeq(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case Context:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		default:
			return nil, false
		}
	}

	return current, true
}

// EvaluateConditions reduces conditions with logic. An empty list always holds.
func EvaluateConditions(conditions []Condition, logic ConditionLogic, ctx Context) bool {
	if len(conditions) == 0 {
		return true
	}

	if logic == LogicOr {
		for _, condition := range conditions {
			if EvaluateCondition(condition, ctx) {
				return true
			}
		}
		return false
	}

	for _, condition := range conditions {
		if !EvaluateCondition(condition, ctx) {
			return false
		}
	}
	return true
}

// EvaluateCondition never fails: a missing key, unknown operator or unparseable
// operand evaluates to false.
func EvaluateCondition(condition Condition, ctx Context) bool {
	value, ok := ctx.Lookup(condition.Key)
	if !ok {
		return false
	}

	switch condition.Operator {
	case OperatorEquals:
		return valuesEqual(value, condition.Value)
	case OperatorNotEquals:
		return !valuesEqual(value, condition.Value)
	case OperatorContains:
		return valueContains(value, condition.Value)
	case OperatorNotContains:
		return !valueContains(value, condition.Value)
	case OperatorRegex:
		return matchesPattern(value, condition)
	case OperatorVersion:
		return satisfiesConstraint(value, condition)
	case OperatorSemver:
		return satisfiesRange(value, condition)
	default:
		return false
	}
}

func valueContains(value any, ruleValue any) bool {
	if isList(ruleValue) {
		if isList(value) {
			return listsIntersect(value, ruleValue)
		}
		return valueIn(value, ruleValue)
	}

	if isList(value) {
		return valueIn(ruleValue, value)
	}

	return strings.Contains(stringify(value), stringify(ruleValue))
}

func isList(value any) bool {
	if value == nil {
		return false
	}
	kind := reflect.ValueOf(value).Kind()
	return kind == reflect.Slice || kind == reflect.Array
}

func listsIntersect(left any, right any) bool {
	values := reflect.ValueOf(left)
	for i := 0; i < values.Len(); i++ {
		if valueIn(values.Index(i).Interface(), right) {
			return true
		}
	}
	return false
}

func valueIn(value any, ruleValue any) bool {
	values := reflect.ValueOf(ruleValue)
	if !values.IsValid() {
		return false
	}

	if values.Kind() != reflect.Slice && values.Kind() != reflect.Array {
		return false
	}

	for i := 0; i < values.Len(); i++ {
		if valuesEqual(value, values.Index(i).Interface()) {
			return true
		}
	}

	return false
}

func stringify(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprint(value)
	}
}

func compilePattern(pattern string) (*regexp.Regexp, bool) {
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, false
	}
	return compiled, true
}

func matchesPattern(value any, condition Condition) bool {
	compiled := condition.pattern
	if compiled == nil {
		pattern, ok := condition.Value.(string)
		if !ok {
			return false
		}
		if compiled, ok = compilePattern(pattern); !ok {
			return false
		}
	}
	return compiled.MatchString(stringify(value))
}

func satisfiesConstraint(value any, condition Condition) bool {
	constraint := condition.Constraint
	if constraint == nil {
		parsed, err := ParseNumericConstraint(stringify(condition.Value))
		if err != nil {
			return false
		}
		constraint = &parsed
	}

	number, ok := numericValue(value)
	if !ok {
		return false
	}
	return constraint.Satisfied(number)
}

func numericValue(value any) (float64, bool) {
	if number, ok := asInt64(value); ok {
		return float64(number), true
	}
	if number, ok := asUint64(value); ok {
		return float64(number), true
	}
	if number, ok := asFloat64(value); ok {
		if math.IsNaN(number) {
			return 0, false
		}
		return number, true
	}
	return leadingNumber(stringify(value))
}

// leadingNumber extracts the first run of digits (with an optional fractional
// part) from text, skipping any non-digit prefix: "PostgreSQL 14.2" yields 14.2.
func leadingNumber(text string) (float64, bool) {
	start := strings.IndexFunc(text, isDigit)
	if start < 0 {
		return 0, false
	}

	end := start
	for end < len(text) && isDigit(rune(text[end])) {
		end++
	}
	if end+1 < len(text) && text[end] == '.' && isDigit(rune(text[end+1])) {
		end++
		for end < len(text) && isDigit(rune(text[end])) {
			end++
		}
	}

	number, err := strconv.ParseFloat(text[start:end], 64)
	if err != nil {
		return 0, false
	}
	return number, true
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

// ParseVersionRange parses a semver range such as ">=14.0.0 <17.0.0".
func ParseVersionRange(expression string) (semver.Range, bool) {
	parsed, err := semver.ParseRange(strings.TrimSpace(expression))
	if err != nil {
		return nil, false
	}
	return parsed, true
}

func satisfiesRange(value any, condition Condition) bool {
	versionRange := condition.versionRange
	if versionRange == nil {
		expression, ok := condition.Value.(string)
		if !ok {
			return false
		}
		if versionRange, ok = ParseVersionRange(expression); !ok {
			return false
		}
	}
	version, err := semver.ParseTolerant(stringify(value))
	if err != nil {
		return false
	}
	return versionRange(version)
}

func valuesEqual(left any, right any) bool {
	if leftInt, ok := asInt64(left); ok {
		if rightInt, ok := asInt64(right); ok {
			return leftInt == rightInt
		}

		if rightUint, ok := asUint64(right); ok {
			if leftInt < 0 {
				return false
			}
			return uint64(leftInt) == rightUint
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsInt64(rightFloat, leftInt)
		}
	}

	if leftUint, ok := asUint64(left); ok {
		if rightUint, ok := asUint64(right); ok {
			return leftUint == rightUint
		}

		if rightInt, ok := asInt64(right); ok {
			if rightInt < 0 {
				return false
			}
			return leftUint == uint64(rightInt)
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsUint64(rightFloat, leftUint)
		}
	}

	if leftFloat, ok := asFloat64(left); ok {
		if rightFloat, ok := asFloat64(right); ok {
			return leftFloat == rightFloat
		}

		if rightInt, ok := asInt64(right); ok {
			return floatEqualsInt64(leftFloat, rightInt)
		}

		if rightUint, ok := asUint64(right); ok {
			return floatEqualsUint64(leftFloat, rightUint)
		}
	}

	return reflect.DeepEqual(left, right)
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func floatEqualsInt64(left float64, right int64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < float64(math.MinInt64) || left > float64(math.MaxInt64) {
		return false
	}

	converted := int64(left)
	return float64(converted) == left && converted == right
}

func floatEqualsUint64(left float64, right uint64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < 0 || left > float64(math.MaxUint64) {
		return false
	}

	converted := uint64(left)
	return float64(converted) == left && converted == right
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}

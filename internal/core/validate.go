package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidRule    = errors.New("invalid rule")
	ErrInvalidBundle  = errors.New("invalid bundle")
	ErrInvalidRequest = errors.New("invalid bundle request")
	ErrInvalidService = errors.New("invalid service identifier")
)

// structValidate is shared by every record in the package. Custom tags check
// the closed enum sets.
var structValidate *validator.Validate

func init() {
	structValidate = validator.New(validator.WithRequiredStructEnabled())

	registerEnum("ruletype", func(value string) bool { return RuleType(value).Valid() })
	registerEnum("severity", func(value string) bool { return Severity(value).Valid() })
	registerEnum("operator", func(value string) bool { return Operator(value).Valid() })
	registerEnum("logic", func(value string) bool { return ConditionLogic(value).Valid() })
	registerEnum("comparator", func(value string) bool { return Comparator(value).Valid() })
	registerEnum("category", func(value string) bool { return BundleCategory(value).Valid() })
	registerEnum("complexity", func(value string) bool { return Complexity(value).Valid() })
	registerEnum("load", func(value string) bool { return Load(value).Valid() })
	registerEnum("budget", func(value string) bool { return Budget(value).Valid() })
}

func registerEnum(tag string, valid func(string) bool) {
	_ = structValidate.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		return valid(fl.Field().String())
	}, true)
}

// Validate rejects structurally invalid rules: missing identity, values outside
// the closed enums, out-of-range priority or weight, and condition operands that
// can never be evaluated.
func (r Rule) Validate() error {
	if err := structValidate.Struct(r); err != nil {
		return fmt.Errorf("%w %q: %s", ErrInvalidRule, r.ID, describeValidation(err))
	}
	for _, condition := range r.Conditions {
		if err := validateOperand(condition); err != nil {
			return fmt.Errorf("%w %q: condition %q: %v", ErrInvalidRule, r.ID, condition.Key, err)
		}
	}

	return nil
}

func validateOperand(condition Condition) error {
	switch condition.Operator {
	case OperatorRegex:
		pattern, ok := condition.Value.(string)
		if !ok {
			return errors.New("regex value must be a string")
		}
		if _, ok := compilePattern(pattern); !ok {
			return fmt.Errorf("regex %q does not compile", pattern)
		}
	case OperatorVersion:
		if condition.Constraint != nil {
			if !condition.Constraint.Comparator.Valid() {
				return fmt.Errorf("unknown comparator %q", condition.Constraint.Comparator)
			}
			return nil
		}
		if _, err := ParseNumericConstraint(stringify(condition.Value)); err != nil {
			return err
		}
	case OperatorSemver:
		expression, ok := condition.Value.(string)
		if !ok {
			return errors.New("semver value must be a string")
		}
		if _, ok := ParseVersionRange(expression); !ok {
			return fmt.Errorf("semver range %q does not parse", expression)
		}
	}
	return nil
}

// ValidateServices checks that every selected service names a type and a
// provider.
func ValidateServices(services []ServiceIdentifier) error {
	for i, service := range services {
		if err := structValidate.Struct(service); err != nil {
			return fmt.Errorf("%w at index %d: %s", ErrInvalidService, i, describeValidation(err))
		}
	}
	return nil
}

func (b Bundle) Validate() error {
	if err := structValidate.Struct(b); err != nil {
		return fmt.Errorf("%w %q: %s", ErrInvalidBundle, b.ID, describeValidation(err))
	}
	return nil
}

func (r BundleRequest) Validate() error {
	if err := structValidate.Struct(r); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err.Error()
	}

	messages := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		message := fmt.Sprintf("%s failed %q", fieldErr.Namespace(), fieldErr.Tag())
		if fieldErr.Param() != "" {
			message += " (" + fieldErr.Param() + ")"
		}
		messages = append(messages, message)
	}
	return strings.Join(messages, "; ")
}

package validator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type ValidationRule struct {
	Rule func(v *validator.Validate)
}

// Validator wraps go-playground/validator with the project rules and turns
// field errors into readable messages.
type Validator struct {
	validator *validator.Validate
}

func NewValidator() *Validator {
	return &Validator{validator: validator.New(validator.WithRequiredStructEnabled())}
}

func (v *Validator) Register(rules ...ValidationRule) *Validator {
	for _, validationRule := range rules {
		validationRule.Rule(v.validator)
	}
	return v
}

// Struct validates s. Field failures are reported as one message listing
// each offending field and the rule it broke.
func (v *Validator) Struct(s any) error {
	err := v.validator.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %q", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

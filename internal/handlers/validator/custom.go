package validator

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	objectIDRegex = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)
)

// objectIDValidator accepts ids that are safe as a path component.
func objectIDValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	if val == "." || val == ".." {
		return false
	}
	return objectIDRegex.MatchString(val)
}

func notBlankValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return strings.TrimSpace(val) != ""
}

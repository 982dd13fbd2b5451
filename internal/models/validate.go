package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and returns an error wrapping utils.ErrValidation.
func Validate(op string, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
		return utils.Invalid(op, "%s", strings.Join(msgs, "; "))
	}
	return utils.Invalid(op, "%v", err)
}

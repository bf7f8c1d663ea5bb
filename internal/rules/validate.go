package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"campusnotify/internal/model"
	"campusnotify/internal/render"
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("rule_trigger", func(fl validator.FieldLevel) bool {
		return model.TriggerType(fl.Field().String()).RuleDriven()
	})
	_ = v.RegisterValidation("balanced_braces", func(fl validator.FieldLevel) bool {
		return render.Balanced(fl.Field().String())
	})
	return v
}

// validateRule returns an error wrapping model.ErrValidation, listing every
// failing field.
func validateRule(v *validator.Validate, r model.AutomationRule) error {
	err := v.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", model.ErrValidation, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return field + " must be at most " + fe.Param() + " characters"
	case "gte", "lte":
		return field + " must be between 0 and 10"
	case "rule_trigger":
		return fmt.Sprintf("%s %q is not a rule trigger type", field, fe.Value())
	case "balanced_braces":
		return field + " has unbalanced braces"
	default:
		return field + " failed " + fe.Tag()
	}
}

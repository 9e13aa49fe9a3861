package core

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"billcore/internal/types"
)

// Validator wraps go-playground/validator so handlers can validate request
// structs and get back an AppError with per-field details.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator with the standard tag set.
func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

// ValidateStruct checks the struct's validate tags. On failure it returns a
// *types.AppError with code validation_missing_required_field and a details
// map of field -> violated rule.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
	}

	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[strings.ToLower(fe.Field())] = fe.Tag()
	}

	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationMissingField,
		"request validation failed",
		nil,
		details,
	)
}

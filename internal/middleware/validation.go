package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	apierrors "keygate/internal/errors"
)

// Validator checks request structs built from query parameters.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a validator that reports fields by their query (or
// json) tag name and knows the "devicetoken" rule.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"query", "json"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return fld.Name
	})
	_ = v.RegisterValidation("devicetoken", isDeviceToken)

	return &Validator{validate: v}
}

// Struct validates s and returns an *apierrors.APIError listing every failed field.
func (v *Validator) Struct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apierrors.NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format", err.Error())
	}
	details := make([]apierrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, apierrors.ValidationError{
			Field:   fe.Field(),
			Message: formatValidationError(fe),
		})
	}
	return apierrors.ErrValidation(details...)
}

// MissingFields reports whether err is a validation failure caused only by
// absent required fields.
func MissingFields(err error) bool {
	var apiErr *apierrors.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	details, ok := apiErr.Details.([]apierrors.ValidationError)
	if !ok || len(details) == 0 {
		return false
	}
	for _, d := range details {
		if !strings.HasSuffix(d.Message, " is required") {
			return false
		}
	}
	return true
}

// QueryInt parses an optional integer query parameter bounded by [min, max].
func QueryInt(r *http.Request, param string, min, max, defaultValue int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(param))
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierrors.ErrValidation(apierrors.ValidationError{
			Field:   param,
			Message: fmt.Sprintf("%s must be a valid integer", param),
		})
	}
	if n < min || n > max {
		return 0, apierrors.ErrValidation(apierrors.ValidationError{
			Field:   param,
			Message: fmt.Sprintf("%s must be between %d and %d", param, min, max),
		})
	}
	return n, nil
}

func formatValidationError(err validator.FieldError) string {
	field := err.Field()
	param := err.Param()

	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, param)
	case "hexadecimal":
		return fmt.Sprintf("%s must be hexadecimal", field)
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters", field, param)
	case "devicetoken":
		return fmt.Sprintf("%s must not contain control characters", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, err.Tag())
	}
}

// isDeviceToken accepts any printable string.
func isDeviceToken(fl validator.FieldLevel) bool {
	for _, r := range fl.Field().String() {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

package models

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report JSON field names rather than Go field names.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks a request struct against its validate tags. It returns
// nil when the struct is valid.
func Validate(v any) []FieldError {
	err := instance().Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Field: "", Message: err.Error(), Code: "INVALID"}}
	}

	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field:   fieldPath(fe),
			Message: fieldMessage(fe),
			Code:    fieldCode(fe.Tag()),
		})
	}
	return out
}

// fieldPath drops the top-level struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "required_with":
		return fe.Field() + " is required when " + lowerFirst(fe.Param()) + " is set"
	case "required_without":
		return fe.Field() + " is required when " + lowerFirst(fe.Param()) + " is not set"
	case "excluded_with":
		return fe.Field() + " must not be combined with " + lowerFirst(fe.Param())
	case "gte":
		return fe.Field() + " must be at least " + fe.Param()
	case "lte":
		return fe.Field() + " must be at most " + fe.Param()
	case "min":
		return fe.Field() + " must contain at least " + fe.Param() + " item(s)"
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters long"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	default:
		return fe.Field() + " failed " + fe.Tag() + " validation"
	}
}

func fieldCode(tag string) string {
	switch tag {
	case "required", "required_with", "required_without":
		return "REQUIRED"
	case "gte", "lte":
		return "OUT_OF_RANGE"
	case "min", "max":
		return "INVALID_LENGTH"
	case "oneof":
		return "INVALID_VALUE"
	case "excluded_with":
		return "CONFLICT"
	default:
		return "INVALID"
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

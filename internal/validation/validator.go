// Package validation wraps a shared go-playground validator used at the
// Drive and HTTP boundaries.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError is one failed rule on one field.
type FieldError struct {
	Field   string
	Tag     string
	Param   string
	Message string
}

// Error collects every failed rule of a single Struct call.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	messages := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		messages = append(messages, field.Message)
	}
	return strings.Join(messages, "; ")
}

// Details renders the failed fields for an HTTP error body.
func (e *Error) Details() map[string]any {
	fields := make([]map[string]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		fields = append(fields, map[string]string{"field": field.Field, "tag": field.Tag, "message": field.Message})
	}
	return map[string]any{"fields": fields}
}

func Get() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Struct validates s and returns *Error on failure.
func Struct(s any) error {
	err := Get().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return &Error{Fields: []FieldError{{Field: "unknown", Tag: "unknown", Message: err.Error()}}}
	}

	out := &Error{Fields: make([]FieldError, 0, len(validationErrs))}
	for _, fe := range validationErrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Message: translate(fe),
		})
	}
	return out
}

// IsEmail reports whether value is a single well-formed email address.
func IsEmail(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	return Get().Var(value, "email") == nil
}

var messages = map[string]string{
	"required": "%s is required",
	"email":    "%s must be a valid email address",
}

var messagesWithParam = map[string]string{
	"oneof": "%s must be one of: %s",
	"min":   "%s must be at least %s",
	"max":   "%s must be at most %s",
	"gte":   "%s must be greater than or equal to %s",
	"lte":   "%s must be less than or equal to %s",
}

func translate(fe validator.FieldError) string {
	if template, ok := messages[fe.Tag()]; ok {
		return fmt.Sprintf(template, fe.Field())
	}
	if template, ok := messagesWithParam[fe.Tag()]; ok {
		return fmt.Sprintf(template, fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
}

// Package seqerr defines the error taxonomy shared by the scheduler, pump
// and worker. Every error that crosses a component boundary carries a code,
// a category and a severity so the logs and metrics stay queryable.
package seqerr

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies the origin of an error.
type Category string

const (
	Validation      Category = "validation"
	Database        Category = "database"
	Network         Category = "network"
	ExternalService Category = "external_service"
	Configuration   Category = "configuration"
	System          Category = "system"
)

// Severity ranks operational impact.
type Severity string

const (
	Low      Severity = "low"
	Medium   Severity = "medium"
	High     Severity = "high"
	Critical Severity = "critical"
)

// defaultSeverity maps each category to its default severity.
var defaultSeverity = map[Category]Severity{
	Validation:      Low,
	Database:        High,
	Network:         Medium,
	ExternalService: Medium,
	Configuration:   Critical,
	System:          Critical,
}

// Error is a classified error with structured context.
type Error struct {
	Code      string
	Category  Category
	Severity  Severity
	Context   map[string]interface{}
	Timestamp time.Time
	cause     error
}

// New creates a classified error with the category's default severity.
func New(code string, category Category, msg string) *Error {
	return &Error{
		Code:      code,
		Category:  category,
		Severity:  defaultSeverity[category],
		Context:   map[string]interface{}{"message": msg},
		Timestamp: time.Now().UTC(),
	}
}

// Wrap classifies an underlying error.
func Wrap(code string, category Category, cause error) *Error {
	return &Error{
		Code:      code,
		Category:  category,
		Severity:  defaultSeverity[category],
		Context:   map[string]interface{}{},
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

// WithSeverity overrides the default severity.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// With attaches a context field.
func (e *Error) With(key string, val interface{}) *Error {
	e.Context[key] = val
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s [%s/%s]: %v", e.Code, e.Category, e.Severity, e.cause)
	}
	if msg, ok := e.Context["message"]; ok {
		return fmt.Sprintf("%s [%s/%s]: %v", e.Code, e.Category, e.Severity, msg)
	}
	return fmt.Sprintf("%s [%s/%s]", e.Code, e.Category, e.Severity)
}

func (e *Error) Unwrap() error { return e.cause }

// Fields flattens the error for structured logging.
func (e *Error) Fields() []interface{} {
	fields := []interface{}{
		"code", e.Code,
		"category", string(e.Category),
		"severity", string(e.Severity),
		"timestamp", e.Timestamp.Format(time.RFC3339),
	}
	for k, v := range e.Context {
		fields = append(fields, k, v)
	}
	return fields
}

// CodeOf extracts the error code from err, or "unclassified" when err does
// not carry one.
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return "unclassified"
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, c Category) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Category == c
	}
	return false
}

// Package errors provides categorised errors shared by every component.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"time"
)

// ErrorCategory groups errors by what failed, independent of the component.
type ErrorCategory string

const (
	CategoryModelLoad      ErrorCategory = "model-loading"
	CategoryInference      ErrorCategory = "inference"
	CategoryValidation     ErrorCategory = "validation"
	CategoryImageFetch     ErrorCategory = "image-fetch"
	CategoryExport         ErrorCategory = "export"
	CategoryDatabase       ErrorCategory = "database"
	CategoryStorage        ErrorCategory = "storage"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryNotFound       ErrorCategory = "not-found"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryGeneric        ErrorCategory = "generic"
)

// Sentinels for comparisons with errors.Is.
var (
	ErrNotFound        = stderrors.New("not found")
	ErrUnauthenticated = stderrors.New("user not authenticated")
	ErrUnverified      = stderrors.New("user not verified")
)

// EnhancedError wraps an error with its component, category and context.
type EnhancedError struct {
	Err       error
	Component string
	Category  ErrorCategory
	Context   map[string]any
	Timestamp time.Time
}

// Error implements the error interface
func (ee *EnhancedError) Error() string {
	if ee.Component == "" {
		return ee.Err.Error()
	}
	return ee.Component + ": " + ee.Err.Error()
}

// Unwrap implements the error unwrapping interface
func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is matches another EnhancedError by category, otherwise defers to the wrapped error.
func (ee *EnhancedError) Is(target error) bool {
	if other, ok := target.(*EnhancedError); ok {
		return ee.Category == other.Category
	}
	return stderrors.Is(ee.Err, target)
}

// GetContext returns a copy of the error context
func (ee *EnhancedError) GetContext() map[string]any {
	if ee.Context == nil {
		return nil
	}
	out := make(map[string]any, len(ee.Context))
	maps.Copy(out, ee.Context)
	return out
}

// ErrorBuilder provides a fluent interface for creating enhanced errors
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

// New starts building an enhanced error around err.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf creates a new formatted error with enhanced context
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Context adds context data to the error
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// Build creates the EnhancedError.
func (eb *ErrorBuilder) Build() *EnhancedError {
	category := eb.category
	if category == "" {
		category = CategoryGeneric
	}
	return &EnhancedError{
		Err:       eb.err,
		Component: eb.component,
		Category:  category,
		Context:   eb.context,
		Timestamp: time.Now(),
	}
}

// CategoryOf returns the category of the outermost EnhancedError in the
// chain, or CategoryGeneric.
func CategoryOf(err error) ErrorCategory {
	var ee *EnhancedError
	if stderrors.As(err, &ee) {
		return ee.Category
	}
	return CategoryGeneric
}

// IsCategory reports whether any EnhancedError in the chain has the category.
func IsCategory(err error, category ErrorCategory) bool {
	return stderrors.Is(err, &EnhancedError{Category: category})
}

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }

// NewStd creates a plain error, for sentinels and leaf messages.
func NewStd(text string) error { return stderrors.New(text) }

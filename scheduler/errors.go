package scheduler

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// AggregateError reports every failure collected during one tick. It is
// returned once, after all due work for the tick has been attempted.
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "no errors"
	case 1:
		return e.Errors[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d errors occurred:", len(e.Errors))
	for _, err := range e.Errors {
		b.WriteString("\n\t* ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error {
	return e.Errors
}

// PanicError wraps a value recovered from a panicking callback.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Call runs fn and converts a panic into a *PanicError.
func Call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// ErrorCollector accumulates failures for a single tick. The zero value is
// ready to use.
type ErrorCollector struct {
	errs []error
}

// Add records err if it is non-nil and reports whether it did.
func (c *ErrorCollector) Add(err error) bool {
	if err == nil {
		return false
	}
	c.errs = append(c.errs, err)
	return true
}

// Len returns the number of collected errors.
func (c *ErrorCollector) Len() int {
	return len(c.errs)
}

// Err returns nil when nothing was collected, otherwise an *AggregateError
// holding every collected error in the order they occurred.
func (c *ErrorCollector) Err() error {
	if len(c.errs) == 0 {
		return nil
	}
	errs := make([]error, len(c.errs))
	copy(errs, c.errs)
	return &AggregateError{Errors: errs}
}

// Reset drops every collected error.
func (c *ErrorCollector) Reset() {
	c.errs = c.errs[:0]
}

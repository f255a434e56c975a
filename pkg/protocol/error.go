package protocol

import (
	"errors"
	"fmt"
)

// Error is the typed failure carried across component boundaries. Code is
// one of the Code* constants; Issues is non-nil only for validation
// failures.
type Error struct {
	Code    string
	Message string
	Issues  []Issue
}

func (e *Error) Error() string { return e.Message }

// E builds a coded error with a formatted message.
func E(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// EIssues builds a validation-style error carrying structured issues.
func EIssues(code, message string, issues []Issue) *Error {
	return &Error{Code: code, Message: message, Issues: issues}
}

// CodeOf extracts the failure code from err, walking wrapped errors.
// Errors without a coded cause map to internal_error.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// IssuesOf extracts structured issues from err, if any.
func IssuesOf(err error) []Issue {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Issues
	}
	return nil
}

// ResultOf converts an error into the wire failure envelope.
func ResultOf(err error) Result {
	if err == nil {
		return Result{Ok: true}
	}
	return Result{Ok: false, Code: CodeOf(err), Message: err.Error(), Issues: IssuesOf(err)}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/shelfscan/api/internal/model"
)

// Code classifies pipeline failures
type Code string

const (
	CodeBarcodeLimitExceeded    Code = "BARCODE_LIMIT_EXCEEDED"
	CodeImagePayloadTooLarge    Code = "IMAGE_PAYLOAD_TOO_LARGE"
	CodeIterationExceeded       Code = "ITERATION_EXCEEDED"
	CodeTransientProvider       Code = "TRANSIENT_PROVIDER_ERROR"
	CodeProvider                Code = "PROVIDER_ERROR"
	CodeUnrecognizedResultShape Code = "UNRECOGNIZED_RESULT_SHAPE"
	CodeCancelled               Code = "CANCELLED"
	CodeInternal                Code = "INTERNAL_ERROR"
)

// Sentinel errors matched with errors.Is against an *Error.
var (
	ErrBarcodeLimitExceeded    = &Error{Code: CodeBarcodeLimitExceeded}
	ErrImagePayloadTooLarge    = &Error{Code: CodeImagePayloadTooLarge}
	ErrIterationExceeded       = &Error{Code: CodeIterationExceeded}
	ErrTransientProvider       = &Error{Code: CodeTransientProvider}
	ErrProvider                = &Error{Code: CodeProvider}
	ErrUnrecognizedResultShape = &Error{Code: CodeUnrecognizedResultShape}
	ErrCancelled               = &Error{Code: CodeCancelled}
)

// Error is a classified pipeline failure. ModelUsed and Trace are filled in by
// the orchestrator on every path that reached the model.
type Error struct {
	Code      Code
	Message   string
	ModelUsed string
	Trace     []model.ToolCallRecord
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	return e.Code == CodeTransientProvider
}

// NewError builds a classified error wrapping err.
func NewError(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// AsError classifies any error into an *Error, defaulting to CodeInternal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeCancelled, Message: "identification cancelled", Err: err}
	}
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

// CodeOf returns the classification code of err.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return AsError(err).Code
}

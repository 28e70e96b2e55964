package store

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrorCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
)

type StoreError struct {
	Code ErrorCode
	Msg  string
}

func (e *StoreError) Error() string {
	return e.Msg
}

// Is matches any StoreError with the same code, so errors.Is(err, ErrNotFound)
// holds for every not-found error regardless of message.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	return ok && t.Code == e.Code
}

var (
	ErrNotFound        = &StoreError{Code: ErrorCodeNotFound, Msg: "not found"}
	ErrInvalidArgument = &StoreError{Code: ErrorCodeInvalidArgument, Msg: "invalid argument"}
)

func notFound(format string, args ...any) error {
	return &StoreError{Code: ErrorCodeNotFound, Msg: fmt.Sprintf(format, args...)}
}

func invalidArgument(format string, args ...any) error {
	return &StoreError{Code: ErrorCodeInvalidArgument, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf returns the error code carried by err, or "" for other errors.
func CodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrorCodeNotFound
	case errors.Is(err, ErrInvalidArgument):
		return ErrorCodeInvalidArgument
	}
	return ""
}

package ingest

import (
	"errors"
	"fmt"
)

// Code classifies a rejected submission.
type Code string

const (
	CodeUnauthenticated Code = "unauthenticated"
	CodeForbidden       Code = "forbidden"
	CodeInvalidPayload  Code = "invalid_payload"
	CodeUnavailable     Code = "unavailable"
)

// Sentinels matched by *Error through errors.Is.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrUnavailable     = errors.New("unavailable")
)

// Reason codes attached to rejections and logged alongside them.
const (
	ReasonMissingCredentials   = "missing_credentials"
	ReasonAmbiguousCredentials = "ambiguous_credentials"
	ReasonUnknownKey           = "unknown_key"
	ReasonRevokedKey           = "revoked_key"
	ReasonDeviceMismatch       = "device_mismatch"
	ReasonInvalidField         = "invalid_field"
	ReasonMalformedBody        = "malformed_body"
	ReasonUnsupportedMedia     = "unsupported_media_type"
	ReasonRegistryUnavailable  = "registry_unavailable"
	ReasonStoreUnavailable     = "store_unavailable"
)

// Error is the typed failure returned by the Gate.
type Error struct {
	Code   Code
	Reason string
	Field  string
	Detail string
	Fields []FieldError
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Code) + ": " + e.Reason
	if e.Field != "" {
		msg += fmt.Sprintf(" (%s)", e.Field)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's code.
func (e *Error) Is(target error) bool {
	return target == sentinel(e.Code)
}

// Retryable is true only for Unavailable; every other failure is final for
// the same input.
func (e *Error) Retryable() bool {
	return e.Code == CodeUnavailable
}

func sentinel(code Code) error {
	switch code {
	case CodeUnauthenticated:
		return ErrUnauthenticated
	case CodeForbidden:
		return ErrForbidden
	case CodeInvalidPayload:
		return ErrInvalidPayload
	case CodeUnavailable:
		return ErrUnavailable
	}
	return nil
}

// AsError extracts the *Error carried by err, if any.
func AsError(err error) (*Error, bool) {
	var ingestErr *Error
	if errors.As(err, &ingestErr) {
		return ingestErr, true
	}
	return nil, false
}

// UnsupportedMediaType is the body error for a request that is not JSON.
func UnsupportedMediaType(contentType string) *Error {
	return &Error{
		Code:   CodeInvalidPayload,
		Reason: ReasonUnsupportedMedia,
		Field:  "body",
		Detail: fmt.Sprintf("expected application/json, got %q", contentType),
	}
}

func unauthenticated(reason string) *Error {
	return &Error{Code: CodeUnauthenticated, Reason: reason}
}

func invalidFields(errs []FieldError) *Error {
	return &Error{
		Code:   CodeInvalidPayload,
		Reason: ReasonInvalidField,
		Field:  errs[0].Field,
		Detail: errs[0].Msg,
		Fields: errs,
	}
}

func unavailable(reason string, err error) *Error {
	return &Error{Code: CodeUnavailable, Reason: reason, Err: err}
}

package prism

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
)

// ErrorCode classifies a failure. Codes partition into recoverable ones,
// which the retry middleware may replay, and fatal ones.
type ErrorCode uint8

// Error codes.
const (
	Internal ErrorCode = iota
	ConnectionLost
	PoolExhausted
	AcquireTimeout
	ConnectTimeout
	StatementTimeout
	Deadlock
	SerializationFailure
	TransactionClosed
	UniqueConstraint
	ForeignKeyConstraint
	NotNullConstraint
	CheckConstraint
	SQLSyntax
	InvalidParameter
	QueryTooComplex
	RecordNotFound
	TooManyResults
	TenantNotFound
	TenantMissing
	SchemaMismatch
	TypeConversion
	Serialization
	ConfigError
)

var codeNames = [...]string{
	Internal:             "Internal",
	ConnectionLost:       "ConnectionLost",
	PoolExhausted:        "PoolExhausted",
	AcquireTimeout:       "AcquireTimeout",
	ConnectTimeout:       "ConnectTimeout",
	StatementTimeout:     "StatementTimeout",
	Deadlock:             "Deadlock",
	SerializationFailure: "SerializationFailure",
	TransactionClosed:    "TransactionClosed",
	UniqueConstraint:     "UniqueConstraint",
	ForeignKeyConstraint: "ForeignKeyConstraint",
	NotNullConstraint:    "NotNullConstraint",
	CheckConstraint:      "CheckConstraint",
	SQLSyntax:            "SqlSyntax",
	InvalidParameter:     "InvalidParameter",
	QueryTooComplex:      "QueryTooComplex",
	RecordNotFound:       "RecordNotFound",
	TooManyResults:       "TooManyResults",
	TenantNotFound:       "TenantNotFound",
	TenantMissing:        "TenantMissing",
	SchemaMismatch:       "SchemaMismatch",
	TypeConversion:       "TypeConversion",
	Serialization:        "Serialization",
	ConfigError:          "ConfigError",
}

// Codes returns every defined error code.
func Codes() []ErrorCode {
	codes := make([]ErrorCode, len(codeNames))
	for i := range codeNames {
		codes[i] = ErrorCode(i)
	}
	return codes
}

// String returns the name of the code.
func (c ErrorCode) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("ErrorCode(%d)", c)
}

// Recoverable reports whether a failure with this code may be retried
// without violating correctness.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case ConnectionLost, PoolExhausted, AcquireTimeout, ConnectTimeout,
		StatementTimeout, Deadlock, SerializationFailure:
		return true
	default:
		return false
	}
}

// Sentinel errors, one per code commonly checked by callers.
// errors.Is matches any *Error carrying the same code.
var (
	ErrRecordNotFound    = &Error{Code: RecordNotFound}
	ErrTooManyResults    = &Error{Code: TooManyResults}
	ErrTransactionClosed = &Error{Code: TransactionClosed}
	ErrTenantMissing     = &Error{Code: TenantMissing}
	ErrTenantNotFound    = &Error{Code: TenantNotFound}
	ErrAcquireTimeout    = &Error{Code: AcquireTimeout}
	ErrPoolExhausted     = &Error{Code: PoolExhausted}
)

// Error is the single structured error type returned by the engine.
type Error struct {
	Code        ErrorCode
	Message     string
	Cause       error
	Recoverable bool
	Context     map[string]string
	Suggestion  string
}

// New returns a new error with the given code and message.
func New(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg, Recoverable: code.Recoverable()}
}

// Errorf returns a new error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap returns a new error with the given code wrapping cause.
// If cause is already an *Error it is returned unchanged.
func Wrap(code ErrorCode, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) {
		return cause
	}
	err := New(code, msg)
	err.Cause = cause
	return err
}

// Error returns the error string.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("prism: ")
	sb.WriteString(e.Code.String())
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%s=%s", k, e.Context[k])
		}
		sb.WriteByte(']')
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
// This allows errors.Is(err, prism.ErrRecordNotFound) to return true.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// With returns a copy of the error with the context key set.
func (e *Error) With(key, value string) *Error {
	c := *e
	c.Context = maps.Clone(e.Context)
	if c.Context == nil {
		c.Context = make(map[string]string, 4)
	}
	c.Context[key] = value
	return &c
}

// WithSuggestion returns a copy of the error with a human-readable hint.
func (e *Error) WithSuggestion(s string) *Error {
	c := *e
	c.Suggestion = s
	return &c
}

// WithCause returns a copy of the error wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.Cause = cause
	return &c
}

// CodeOf returns the code of the first *Error in err's chain.
// Errors that do not carry a code are reported as Internal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsRecoverable reports whether err is a recoverable failure.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	e, ok := AsError(err)
	return ok && e.Recoverable
}

// IsNotFound returns true if the error is a RecordNotFound error.
func IsNotFound(err error) bool {
	return err != nil && CodeOf(err) == RecordNotFound
}

// IsConstraintError returns true if the error resulted from a database
// constraint violation.
func IsConstraintError(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case UniqueConstraint, ForeignKeyConstraint, NotNullConstraint, CheckConstraint:
		return true
	}
	return false
}

// AggregateError represents multiple errors collected during an operation.
type AggregateError struct {
	Errors []error
}

// Error returns the error string.
func (e *AggregateError) Error() string {
	if len(e.Errors) == 0 {
		return "prism: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	var sb strings.Builder
	sb.WriteString("prism: multiple errors:")
	for i, err := range e.Errors {
		fmt.Fprintf(&sb, "\n  [%d] %v", i+1, err)
	}
	return sb.String()
}

// Unwrap returns the collected errors.
func (e *AggregateError) Unwrap() []error {
	return e.Errors
}

// NewAggregateError returns a new AggregateError if there are errors,
// otherwise returns nil.
func NewAggregateError(errs ...error) error {
	var filtered []error
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	switch len(filtered) {
	case 0:
		return nil
	case 1:
		return filtered[0]
	}
	return &AggregateError{Errors: filtered}
}

package tree

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Code is a store result code. Values match the numeric codes of the
// plugin ABI so they can cross process boundaries unchanged.
type Code uint32

const (
	OK                     Code = 0
	InvalidHandle          Code = 1
	InvalidParameter       Code = 2
	InvalidProperty        Code = 3
	InvalidMetanode        Code = 4
	MissingMigrations      Code = 5
	InvalidSecurityContext Code = 6
	NotAllowed             Code = 7
)

var codeNames = [...]string{
	OK:                     "ok",
	InvalidHandle:          "invalid handle",
	InvalidParameter:       "invalid parameter",
	InvalidProperty:        "invalid property",
	InvalidMetanode:        "invalid metanode",
	MissingMigrations:      "missing migrations",
	InvalidSecurityContext: "invalid security context",
	NotAllowed:             "not allowed",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", uint32(c))
}

// Sentinel errors, one per failure code. Every *Error returned by the
// store matches exactly one of them with errors.Is.
var (
	ErrInvalidHandle          = &Error{Code: InvalidHandle}
	ErrInvalidParameter       = &Error{Code: InvalidParameter}
	ErrInvalidProperty        = &Error{Code: InvalidProperty}
	ErrInvalidMetanode        = &Error{Code: InvalidMetanode}
	ErrMissingMigrations      = &Error{Code: MissingMigrations}
	ErrInvalidSecurityContext = &Error{Code: InvalidSecurityContext}
	ErrNotAllowed             = &Error{Code: NotAllowed}
)

// Error is a failed store operation.
type Error struct {
	Code Code
	Op   string // operation name, e.g. "CreateNode"
	Msg  string
	Err  error // optional underlying cause
}

func (e *Error) Error() string {
	s := e.Code.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the code of err. nil is OK and foreign errors are
// reported as InvalidParameter.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InvalidParameter
}

// ErrorLevel is a mask selecting which diagnostics are reported.
type ErrorLevel uint32

const (
	LevelNone     ErrorLevel = 0
	LevelErrors   ErrorLevel = 1 << 0
	LevelWarnings ErrorLevel = 1 << 1
	LevelDebug    ErrorLevel = 1 << 2
	LevelInfo     ErrorLevel = 1 << 3
)

// SetErrorLevel selects which diagnostics are recorded and logged.
func (s *Store) SetErrorLevel(mask ErrorLevel) { s.errLevel = mask }

// SetImmediateErrorLog mirrors recorded diagnostics into the logger as they
// happen instead of only storing them for LastErrorString.
func (s *Store) SetImmediateErrorLog(enabled bool) { s.immediateLog = enabled }

// LastError returns the code of the last failure. It does not clear it.
func (s *Store) LastError() Code { return s.lastCode }

// LastErrorString returns the message of the last failure and clears it.
func (s *Store) LastErrorString() string {
	msg := s.lastMsg
	s.ClearLastError()
	return msg
}

// ClearLastError resets the last error.
func (s *Store) ClearLastError() {
	s.lastCode = OK
	s.lastMsg = ""
}

// fail records and returns a store error.
func (s *Store) fail(op string, code Code, format string, args ...any) error {
	e := &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
	s.record(e)
	return e
}

// wrapFail records a failure with an underlying cause.
func (s *Store) wrapFail(op string, code Code, err error, format string, args ...any) error {
	e := &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
	s.record(e)
	return e
}

func (s *Store) record(e *Error) {
	if s.errLevel&LevelErrors == 0 {
		return
	}
	s.lastCode = e.Code
	s.lastMsg = e.Error()
	if s.immediateLog {
		s.log.Error("vrtree api error", zap.String("op", e.Op), zap.Stringer("code", e.Code), zap.String("msg", e.Msg))
	}
}

// warn reports a recoverable condition that did not fail the operation.
func (s *Store) warn(msg string, fields ...zap.Field) {
	if s.errLevel&LevelWarnings != 0 && s.immediateLog {
		s.log.Warn(msg, fields...)
	}
}

func (s *Store) debug(msg string, fields ...zap.Field) {
	if s.errLevel&LevelDebug != 0 && s.immediateLog {
		s.log.Debug(msg, fields...)
	}
}

func (s *Store) info(msg string, fields ...zap.Field) {
	if s.errLevel&LevelInfo != 0 && s.immediateLog {
		s.log.Info(msg, fields...)
	}
}

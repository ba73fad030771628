package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how callers are expected to react to it.
type Kind string

const (
	KindValidation    Kind = "validation_error"
	KindAuthorization Kind = "authorization_error"
	KindStateConflict Kind = "state_conflict"
	KindNotFound      Kind = "not_found"
	KindTransport     Kind = "transport_error"
	KindCrypto        Kind = "cryptographic_verification_failure"
)

// Sentinels for errors.Is matching on kind.
var (
	ErrValidation    = errors.New("validation error")
	ErrAuthorization = errors.New("authorization error")
	ErrStateConflict = errors.New("state conflict")
	ErrNotFound      = errors.New("not found")
	ErrTransport     = errors.New("transport error")
	ErrCrypto        = errors.New("cryptographic verification failure")
)

var sentinels = map[Kind]error{
	KindValidation:    ErrValidation,
	KindAuthorization: ErrAuthorization,
	KindStateConflict: ErrStateConflict,
	KindNotFound:      ErrNotFound,
	KindTransport:     ErrTransport,
	KindCrypto:        ErrCrypto,
}

// Error is the error type returned by every service in the backend.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...any) error {
	return newf(KindValidation, op, format, args...)
}

func Authorization(op, format string, args ...any) error {
	return newf(KindAuthorization, op, format, args...)
}

func Conflict(op, format string, args ...any) error {
	return newf(KindStateConflict, op, format, args...)
}

func NotFound(op, format string, args ...any) error {
	return newf(KindNotFound, op, format, args...)
}

func Crypto(op, format string, args ...any) error {
	return newf(KindCrypto, op, format, args...)
}

// Transport wraps a failure talking to the ledger or the database.
func Transport(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Msg: "ledger unreachable or timed out", Err: err}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in the chain, or "" when
// the error was not produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether err may be retried blindly. Only transport
// failures of idempotent operations qualify; value-moving calls must
// re-check ledger state instead.
func Retryable(err error, idempotent bool) bool {
	return idempotent && errors.Is(err, ErrTransport)
}

// HTTPStatus maps an error to the status code used by the API handlers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindStateConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindTransport:
		return http.StatusBadGateway
	case KindCrypto:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

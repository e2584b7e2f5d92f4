package main

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	errNotFound     = errors.New("not found")
	errGone         = errors.New("gone")
	errInvalidToken = errors.New("invalid enrollment token")
	errConflict     = errors.New("conflict")
	errForbidden    = errors.New("forbidden")
	errInvalid      = errors.New("invalid request")
)

// dispatchError carries a client-facing message and one of the sentinel
// kinds above.
type dispatchError struct {
	kind error
	msg  string
}

func (e *dispatchError) Error() string { return e.msg }
func (e *dispatchError) Unwrap() error { return e.kind }

func failf(kind error, format string, args ...any) error {
	return &dispatchError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// statusFor maps dispatcher errors onto HTTP status codes. Anything that is
// not a dispatchError is an internal failure and its detail stays in the log.
func statusFor(err error) (int, string) {
	var de *dispatchError
	if !errors.As(err, &de) {
		return http.StatusInternalServerError, "internal server error"
	}
	switch {
	case errors.Is(err, errNotFound):
		return http.StatusNotFound, de.msg
	case errors.Is(err, errGone):
		return http.StatusGone, de.msg
	case errors.Is(err, errInvalidToken):
		return http.StatusUnauthorized, de.msg
	case errors.Is(err, errConflict):
		return http.StatusConflict, de.msg
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, de.msg
	case errors.Is(err, errInvalid):
		return http.StatusBadRequest, de.msg
	}
	return http.StatusInternalServerError, "internal server error"
}

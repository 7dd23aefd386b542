package app

import (
	"errors"
	"fmt"
	"net/http"

	"carenote/api/internal/auth"
	"carenote/api/internal/store"
	"carenote/api/internal/syncerr"
)

// DomainError is a failure shaped for the HTTP response. Its chain holds a
// *syncerr.Error of the same kind, so errors.Is against the syncerr
// sentinels works on either.
type DomainError struct {
	Kind    syncerr.Kind
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

var kindStatus = map[syncerr.Kind]int{
	syncerr.KindAuth:           http.StatusUnauthorized,
	syncerr.KindAccessDenied:   http.StatusForbidden,
	syncerr.KindProtocol:       http.StatusBadRequest,
	syncerr.KindPersistence:    http.StatusServiceUnavailable,
	syncerr.KindCorruptedState: http.StatusConflict,
	syncerr.KindSnapshot:       http.StatusServiceUnavailable,
}

var kindMessage = map[syncerr.Kind]string{
	syncerr.KindAuth:           "Unauthorized",
	syncerr.KindAccessDenied:   "Access denied",
	syncerr.KindPersistence:    "Note storage unavailable",
	syncerr.KindCorruptedState: "Note state is unreadable",
	syncerr.KindSnapshot:       "Version history unavailable",
}

// domainError builds a response error of kind. Code narrows the kind for
// clients; it defaults to the kind itself.
func domainError(kind syncerr.Kind, code, message string, details any) *DomainError {
	if code == "" {
		code = string(kind)
	}
	return &DomainError{
		Kind:    kind,
		Status:  kindStatus[kind],
		Code:    code,
		Message: message,
		Details: details,
		Err:     syncerr.New(kind, "", "", nil),
	}
}

var (
	errNotFound = &DomainError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "Not found"}
	errInternal = &DomainError{Status: http.StatusInternalServerError, Code: "SERVER_ERROR", Message: "Server error"}
)

// toDomainError classifies any service error for the response.
func toDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if kind, ok := syncerr.KindOf(err); ok {
		if kind == syncerr.KindPersistence && errors.Is(err, store.ErrNotFound) {
			return errNotFound
		}
		message, ok := kindMessage[kind]
		if !ok {
			message = err.Error()
		}
		return &DomainError{Kind: kind, Status: kindStatus[kind], Code: string(kind), Message: message, Err: err}
	}
	if errors.Is(err, store.ErrNotFound) {
		return errNotFound
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return &DomainError{Kind: syncerr.KindAuth, Status: http.StatusUnauthorized, Code: "UNAUTHORIZED", Message: "Unauthorized", Err: err}
	}
	return errInternal
}

func mapError(err error) (status int, code, message string, details any) {
	d := toDomainError(err)
	return d.Status, d.Code, d.Message, d.Details
}

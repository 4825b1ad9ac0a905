// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors the domain layer wraps to pick a response status.
var (
	ErrNotFound    = errors.New("resource not found")
	ErrDuplicate   = errors.New("duplicate entry")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation failed")
	ErrUnavailable = errors.New("service unavailable")
)

type problemKind struct {
	target error
	status int
	slug   string
	title  string
}

var problemKinds = []problemKind{
	{ErrNotFound, http.StatusNotFound, "not-found", "Not Found"},
	{ErrDuplicate, http.StatusConflict, "duplicate", "Duplicate"},
	{ErrConflict, http.StatusConflict, "conflict", "Conflict"},
	{ErrValidation, http.StatusBadRequest, "validation", "Validation Failed"},
	{ErrUnavailable, http.StatusServiceUnavailable, "unavailable", "Service Unavailable"},
}

// RespondError maps err to an RFC7807 problem. Unmapped errors become a 500
// with no detail so internal messages never reach clients.
func RespondError(w http.ResponseWriter, err error) {
	for _, kind := range problemKinds {
		if errors.Is(err, kind.target) {
			write(w, ProblemDetail{
				Type:   problemTypePrefix + kind.slug,
				Title:  kind.title,
				Status: kind.status,
				Detail: err.Error(),
			})
			return
		}
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}

// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for the domain layer. Domain packages wrap these so
// handlers can map any failure to a stable code without knowing the
// package it came from.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflict")
	ErrInvalidState  = errors.New("operation not valid in current state")
	ErrAlreadyVoided = errors.New("entry already voided")
	ErrNotEligible   = errors.New("not eligible")
	ErrForbidden     = errors.New("forbidden")
	ErrUnauthorized  = errors.New("unauthorized")
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		ProblemCode(w, http.StatusNotFound, "NOT_FOUND", "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", err.Error())
	case errors.Is(err, ErrAlreadyVoided):
		ProblemCode(w, http.StatusConflict, "ALREADY_VOIDED", "Already Voided", err.Error())
	case errors.Is(err, ErrConflict):
		ProblemCode(w, http.StatusConflict, "CONFLICT", "Conflict", err.Error())
	case errors.Is(err, ErrInvalidState):
		ProblemCode(w, http.StatusConflict, "INVALID_STATE", "Invalid State", err.Error())
	case errors.Is(err, ErrNotEligible):
		ProblemCode(w, http.StatusUnprocessableEntity, "NOT_ELIGIBLE", "Not Eligible", err.Error())
	case errors.Is(err, ErrForbidden):
		ProblemCode(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", err.Error())
	case errors.Is(err, ErrUnauthorized):
		ProblemCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", err.Error())
	default:
		ProblemCode(w, http.StatusInternalServerError, "INTERNAL", "Internal Error", "")
	}
}

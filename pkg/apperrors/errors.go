package apperrors

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrInvalidInput  = errors.New("invalid input")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrSearchPaused  = errors.New("search is paused")
	ErrOutOfOrder    = errors.New("execution is out of order")
	ErrForbidden     = errors.New("forbidden")
)

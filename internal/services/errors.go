package services

import "errors"

var (
	ErrHierarchyViolation = errors.New("hierarchy violation")
	ErrConflictingUpdate  = errors.New("conflicting update")
	ErrNotAFile           = errors.New("not a file")
	ErrUndeletable        = errors.New("undeletable node")
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNameConflict       = errors.New("name already in use")
	ErrNameTooLong        = errors.New("name too long")
	ErrInvalidInput       = errors.New("invalid input")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrSizeMismatch       = errors.New("size mismatch")
	ErrIOFailure          = errors.New("io failure")
)

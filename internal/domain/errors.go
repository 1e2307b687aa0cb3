package domain

import "errors"

var (
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")
)

package app

import (
	"errors"
	"fmt"

	"bibliotec/pkg/store"
)

var (
	// ErrEmailAlreadyExists is returned when the email is taken. It matches
	// store.ErrDuplicateKey as well.
	ErrEmailAlreadyExists = fmt.Errorf("email already registered: %w", store.ErrDuplicateKey)

	// ErrInvalidCredentials is shown to end users and must not enable account
	// enumeration.
	ErrInvalidCredentials = errors.New("incorrect email address or password")

	ErrEmailNotConfirmed        = errors.New("email not confirmed")
	ErrInvalidConfirmationToken = errors.New("invalid or expired confirmation token")

	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBookNotFound = errors.New("book not found")
)

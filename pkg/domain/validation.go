package domain

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"
)

// ErrInvalidInput is matched by every ValidationError.
var ErrInvalidInput = errors.New("invalid input")

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects field-level problems found in one record.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrInvalidInput.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return ErrInvalidInput.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// Add records a problem for field.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// Err returns e when it holds at least one field error, nil otherwise.
func (e *ValidationError) Err() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NormalizeEmail trims and lower-cases an address so uniqueness is
// case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether email is a bare addr-spec with a dotted domain.
func ValidEmail(email string) bool {
	if email == "" || strings.ContainsAny(email, " <>") {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return false
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return false
	}
	host := email[at+1:]
	return strings.Contains(host, ".") && !strings.HasPrefix(host, ".") && !strings.HasSuffix(host, ".")
}

// Validate checks the storage constraints of a user record.
func (u User) Validate() error {
	verr := &ValidationError{}
	requireText(verr, "firstName", u.FirstName)
	requireText(verr, "lastName", u.LastName)
	requireText(verr, "grade", u.Grade)
	requireText(verr, "section", u.Section)
	switch {
	case strings.TrimSpace(u.Email) == "":
		verr.Add("email", "is required")
	case !ValidEmail(u.Email):
		verr.Add("email", fmt.Sprintf("%q is not a valid email", u.Email))
	}
	if strings.TrimSpace(u.PasswordHash) == "" {
		verr.Add("password", "is required")
	}
	switch code := strings.TrimSpace(u.StudentCode); {
	case code == "":
		verr.Add("studentCode", "is required")
	case utf8.RuneCountInString(code) < MinStudentCodeLength:
		verr.Add("studentCode", fmt.Sprintf("must be at least %d characters", MinStudentCodeLength))
	}
	if !u.Role.Valid() {
		verr.Add("role", fmt.Sprintf("%q is not a valid role", u.Role))
	}
	return verr.Err()
}

// Validate checks the catalog constraints of a book record.
func (b Book) Validate() error {
	verr := &ValidationError{}
	requireText(verr, "name", b.Name)
	requireText(verr, "author", b.Author)
	if b.CopyCount < 0 {
		verr.Add("copyCount", "must not be negative")
	}
	switch {
	case strings.TrimSpace(b.Description) == "":
		verr.Add("description", "is required")
	case utf8.RuneCountInString(b.Description) > MaxBookDescriptionLength:
		verr.Add("description", fmt.Sprintf("must be at most %d characters", MaxBookDescriptionLength))
	}
	return verr.Err()
}

func requireText(verr *ValidationError, field, value string) {
	if strings.TrimSpace(value) == "" {
		verr.Add(field, "is required")
	}
}

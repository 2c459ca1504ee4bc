package domain

import "time"

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// Valid reports whether r is one of the known roles.
func (r UserRole) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// MinStudentCodeLength is the shortest accepted student code.
const MinStudentCodeLength = 9

// MaxBookDescriptionLength bounds Book.Description in characters.
const MaxBookDescriptionLength = 500

// User is a registered library account.
type User struct {
	ID                  string
	FirstName           string
	LastName            string
	Grade               string
	Section             string
	Email               string
	PasswordHash        string
	StudentCode         string
	Role                UserRole
	ConfirmationToken   string
	EmailConfirmationAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Confirmed reports whether the user has proven control of the email.
func (u User) Confirmed() bool {
	return u.EmailConfirmationAt != nil
}

// View returns the projection of u that is safe to hand to clients.
// It never carries the password hash or the confirmation token.
func (u User) View() UserView {
	return UserView{
		ID:                  u.ID,
		FirstName:           u.FirstName,
		LastName:            u.LastName,
		Grade:               u.Grade,
		Section:             u.Section,
		Email:               u.Email,
		StudentCode:         u.StudentCode,
		Role:                u.Role,
		ConfirmationPending: !u.Confirmed(),
		EmailConfirmationAt: u.EmailConfirmationAt,
		CreatedAt:           u.CreatedAt,
		UpdatedAt:           u.UpdatedAt,
	}
}

// UserView is the external representation of a User.
type UserView struct {
	ID                  string     `json:"id"`
	FirstName           string     `json:"firstName"`
	LastName            string     `json:"lastName"`
	Grade               string     `json:"grade"`
	Section             string     `json:"section"`
	Email               string     `json:"email"`
	StudentCode         string     `json:"studentCode"`
	Role                UserRole   `json:"role"`
	ConfirmationPending bool       `json:"confirmationPending"`
	EmailConfirmationAt *time.Time `json:"emailConfirmationAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

type Book struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Author      string    `json:"author"`
	CopyCount   int       `json:"copyCount"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

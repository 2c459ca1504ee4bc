package store

import (
	"context"
	"errors"
	"time"

	"bibliotec/pkg/domain"
)

var (
	// ErrDuplicateKey is returned when a write violates a unique constraint.
	ErrDuplicateKey = errors.New("store: duplicate key")
	ErrNotFound     = errors.New("store: not found")
	// ErrUnavailable marks failures to reach the backing database.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store defines persistence operations for users and books.
type Store interface {
	HealthChecker

	// users
	CreateUser(ctx context.Context, u domain.User) error
	SaveUser(ctx context.Context, u domain.User) error
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUserByConfirmationToken(ctx context.Context, token string) (domain.User, bool, error)
	ListUsers(ctx context.Context) ([]domain.User, error)

	// books
	CreateBook(ctx context.Context, b domain.Book) error
	SaveBook(ctx context.Context, b domain.Book) error
	ListBooks(ctx context.Context) ([]domain.Book, error)
	GetBook(ctx context.Context, id string) (domain.Book, bool, error)
	DeleteBook(ctx context.Context, id string) error

	Close() error
}

// HealthChecker reports whether the backing connection can serve requests.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// SessionStore issues and resolves session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// UserSessionRevoker is an optional capability that revokes all sessions
// issued for a user up to a cutoff time.
type UserSessionRevoker interface {
	RevokeUserSessions(userID string, since time.Time) error
}

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"bibliotec/internal/util"
	"bibliotec/pkg/domain"
	"bibliotec/pkg/store"
)

// BookInput carries the editable fields of a book. CopyCount is a pointer so a
// missing value can be told apart from zero copies.
type BookInput struct {
	Name        string `json:"name"`
	Author      string `json:"author"`
	CopyCount   *int   `json:"copyCount"`
	Description string `json:"description"`
}

func (in BookInput) apply(b domain.Book) (domain.Book, error) {
	b.Name = strings.TrimSpace(in.Name)
	b.Author = strings.TrimSpace(in.Author)
	b.Description = strings.TrimSpace(in.Description)
	if in.CopyCount != nil {
		b.CopyCount = *in.CopyCount
	}
	err := b.Validate()
	if in.CopyCount == nil {
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			verr = &domain.ValidationError{}
		}
		verr.Add("copyCount", "is required")
		err = verr
	}
	return b, err
}

// CreateBook adds a book to the catalog; admin only.
func (a *App) CreateBook(ctx context.Context, actor domain.User, in BookInput) (domain.Book, error) {
	if actor.Role != domain.RoleAdmin {
		return domain.Book{}, ErrForbidden
	}
	now := a.now().UTC()
	book, err := in.apply(domain.Book{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.Book{}, err
	}
	if err := a.store.CreateBook(ctx, book); err != nil {
		return domain.Book{}, fmt.Errorf("create book: %w", err)
	}
	util.LoggerFromContext(ctx).Info("book_created", "book_id", book.ID, "by", actor.ID)
	return book, nil
}

// ListBooks returns the catalog.
func (a *App) ListBooks(ctx context.Context) ([]domain.Book, error) {
	books, err := a.store.ListBooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}

// GetBook returns one book.
func (a *App) GetBook(ctx context.Context, id string) (domain.Book, error) {
	book, ok, err := a.store.GetBook(ctx, id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return domain.Book{}, ErrBookNotFound
	}
	return book, nil
}

// UpdateBook replaces the editable fields of a book; admin only.
func (a *App) UpdateBook(ctx context.Context, actor domain.User, id string, in BookInput) (domain.Book, error) {
	if actor.Role != domain.RoleAdmin {
		return domain.Book{}, ErrForbidden
	}
	current, err := a.GetBook(ctx, id)
	if err != nil {
		return domain.Book{}, err
	}
	book, err := in.apply(current)
	if err != nil {
		return domain.Book{}, err
	}
	book.UpdatedAt = a.now().UTC()
	if err := a.store.SaveBook(ctx, book); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Book{}, ErrBookNotFound
		}
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	return book, nil
}

// DeleteBook removes a book; admin only.
func (a *App) DeleteBook(ctx context.Context, actor domain.User, id string) error {
	if actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	if err := a.store.DeleteBook(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrBookNotFound
		}
		return fmt.Errorf("delete book: %w", err)
	}
	util.LoggerFromContext(ctx).Info("book_deleted", "book_id", id, "by", actor.ID)
	return nil
}

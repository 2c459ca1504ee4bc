package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"bibliotec/pkg/domain"
)

// MemoryStore keeps records in-process. It is used by tests and by local runs
// without a database.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]domain.User // key: user ID
	email  map[string]string      // email -> user ID
	tokens map[string]string      // confirmation token -> user ID
	books  map[string]domain.Book
	orders []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]domain.User),
		email:  make(map[string]string),
		tokens: make(map[string]string),
		books:  make(map[string]domain.Book),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// CreateUser inserts a user. The email check and the insert happen under one
// lock so concurrent creates with the same email have exactly one winner.
func (m *MemoryStore) CreateUser(_ context.Context, u domain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	u.Email = domain.NormalizeEmail(u.Email)
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.ID]; exists {
		return ErrDuplicateKey
	}
	if _, exists := m.email[u.Email]; exists {
		return ErrDuplicateKey
	}
	if u.ConfirmationToken != "" {
		if _, exists := m.tokens[u.ConfirmationToken]; exists {
			return ErrDuplicateKey
		}
		m.tokens[u.ConfirmationToken] = u.ID
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// SaveUser replaces an existing user and keeps the indexes in sync.
func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	u.Email = domain.NormalizeEmail(u.Email)

	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	if owner, exists := m.email[u.Email]; exists && owner != u.ID {
		return ErrDuplicateKey
	}
	if u.ConfirmationToken != "" {
		if owner, exists := m.tokens[u.ConfirmationToken]; exists && owner != u.ID {
			return ErrDuplicateKey
		}
	}
	delete(m.email, prev.Email)
	if prev.ConfirmationToken != "" {
		delete(m.tokens, prev.ConfirmationToken)
	}
	u.CreatedAt = prev.CreatedAt
	u.UpdatedAt = time.Now().UTC()
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	if u.ConfirmationToken != "" {
		m.tokens[u.ConfirmationToken] = u.ID
	}
	return nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[domain.NormalizeEmail(email)]
	if !ok {
		return domain.User{}, false, nil
	}
	return m.users[id], true, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByConfirmationToken(_ context.Context, token string) (domain.User, bool, error) {
	if token == "" {
		return domain.User{}, false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tokens[token]
	if !ok {
		return domain.User{}, false, nil
	}
	return m.users[id], true, nil
}

// ListUsers returns users ordered by creation time.
func (m *MemoryStore) ListUsers(context.Context) ([]domain.User, error) {
	m.mu.RLock()
	res := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, u)
	}
	m.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// UserCount returns the number of stored users.
func (m *MemoryStore) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

func (m *MemoryStore) CreateBook(_ context.Context, b domain.Book) error {
	if err := b.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[b.ID]; exists {
		return ErrDuplicateKey
	}
	m.books[b.ID] = b
	m.orders = append(m.orders, b.ID)
	return nil
}

func (m *MemoryStore) SaveBook(_ context.Context, b domain.Book) error {
	if err := b.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.books[b.ID]
	if !ok {
		return ErrNotFound
	}
	b.CreatedAt = prev.CreatedAt
	b.UpdatedAt = time.Now().UTC()
	m.books[b.ID] = b
	return nil
}

// ListBooks returns books ordered by name, then insertion order.
func (m *MemoryStore) ListBooks(context.Context) ([]domain.Book, error) {
	m.mu.RLock()
	res := make([]domain.Book, 0, len(m.orders))
	for _, id := range m.orders {
		if b, ok := m.books[id]; ok {
			res = append(res, b)
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (m *MemoryStore) GetBook(_ context.Context, id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

func (m *MemoryStore) DeleteBook(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[id]; !ok {
		return ErrNotFound
	}
	delete(m.books, id)
	for i, existing := range m.orders {
		if existing == id {
			m.orders = append(m.orders[:i], m.orders[i+1:]...)
			break
		}
	}
	return nil
}

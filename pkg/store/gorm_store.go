package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"bibliotec/pkg/domain"
)

const migrateLockID int64 = 20240917

// postgres unique_violation
const pgUniqueViolation = "23505"

// GormStore implements Store using GORM. Production runs on Postgres; any
// gorm dialector works.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the Postgres DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database URL required")
	}
	return NewGormStoreWithDialector(postgres.Open(dsn))
}

// NewGormStoreWithDialector opens a DB through the given dialector and runs
// auto-migrations.
func NewGormStoreWithDialector(dialector gorm.Dialector) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &BookModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// withMigrationLock serializes migrations across replicas. Only Postgres has
// advisory locks; other dialects migrate directly.
func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	if db.Dialector.Name() != "postgres" {
		return fn(db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateUser inserts a new user. The unique index on email decides between
// concurrent writers; the loser gets ErrDuplicateKey.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return classifyError("create user", err)
	}
	return nil
}

// SaveUser overwrites every column of an existing user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	model := userToModel(u)
	res := s.db.WithContext(ctx).
		Model(&UserModel{}).
		Where("id = ?", model.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(&model)
	if res.Error != nil {
		return classifyError("save user", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUserByEmail looks up a user by normalized email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	return s.findUser(ctx, "email = ?", domain.NormalizeEmail(email))
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	return s.findUser(ctx, "id = ?", id)
}

// GetUserByConfirmationToken returns the user holding a pending token.
func (s *GormStore) GetUserByConfirmationToken(ctx context.Context, token string) (domain.User, bool, error) {
	if strings.TrimSpace(token) == "" {
		return domain.User{}, false, nil
	}
	return s.findUser(ctx, "confirmation_token = ?", token)
}

func (s *GormStore) findUser(ctx context.Context, query string, arg any) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, classifyError("fetch user", err)
	}
	return userFromModel(model), true, nil
}

// ListUsers returns all users ordered by creation time.
func (s *GormStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&models).Error; err != nil {
		return nil, classifyError("list users", err)
	}
	users := make([]domain.User, 0, len(models))
	for _, m := range models {
		users = append(users, userFromModel(m))
	}
	return users, nil
}

// CreateBook inserts a book.
func (s *GormStore) CreateBook(ctx context.Context, b domain.Book) error {
	if err := b.Validate(); err != nil {
		return err
	}
	model := bookToModel(b)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return classifyError("create book", err)
	}
	return nil
}

// SaveBook overwrites an existing book.
func (s *GormStore) SaveBook(ctx context.Context, b domain.Book) error {
	if err := b.Validate(); err != nil {
		return err
	}
	model := bookToModel(b)
	res := s.db.WithContext(ctx).
		Model(&BookModel{}).
		Where("id = ?", model.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(&model)
	if res.Error != nil {
		return classifyError("save book", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBooks returns the catalog ordered by name.
func (s *GormStore) ListBooks(ctx context.Context) ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.WithContext(ctx).Order("name asc").Order("created_at asc").Find(&models).Error; err != nil {
		return nil, classifyError("list books", err)
	}
	books := make([]domain.Book, 0, len(models))
	for _, m := range models {
		books = append(books, bookFromModel(m))
	}
	return books, nil
}

// GetBook fetches a book by ID.
func (s *GormStore) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, classifyError("fetch book", err)
	}
	return bookFromModel(model), true, nil
}

// DeleteBook removes a book.
func (s *GormStore) DeleteBook(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&BookModel{}, "id = ?", id)
	if res.Error != nil {
		return classifyError("delete book", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// classifyError maps driver errors onto the package sentinels.
func classifyError(op string, err error) error {
	if isDuplicateKey(err) {
		return fmt.Errorf("%s: %w", op, ErrDuplicateKey)
	}
	if isConnectionError(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func userToModel(u domain.User) UserModel {
	var token *string
	if u.ConfirmationToken != "" {
		t := u.ConfirmationToken
		token = &t
	}
	return UserModel{
		ID:                  u.ID,
		FirstName:           strings.TrimSpace(u.FirstName),
		LastName:            strings.TrimSpace(u.LastName),
		Grade:               strings.TrimSpace(u.Grade),
		Section:             strings.TrimSpace(u.Section),
		Email:               domain.NormalizeEmail(u.Email),
		PasswordHash:        u.PasswordHash,
		StudentCode:         strings.TrimSpace(u.StudentCode),
		Role:                string(u.Role),
		ConfirmationToken:   token,
		EmailConfirmationAt: u.EmailConfirmationAt,
		CreatedAt:           u.CreatedAt,
		UpdatedAt:           u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	u := domain.User{
		ID:                  m.ID,
		FirstName:           m.FirstName,
		LastName:            m.LastName,
		Grade:               m.Grade,
		Section:             m.Section,
		Email:               m.Email,
		PasswordHash:        m.PasswordHash,
		StudentCode:         m.StudentCode,
		Role:                domain.UserRole(m.Role),
		EmailConfirmationAt: m.EmailConfirmationAt,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
	if m.ConfirmationToken != nil {
		u.ConfirmationToken = *m.ConfirmationToken
	}
	return u
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:          b.ID,
		Name:        strings.TrimSpace(b.Name),
		Author:      strings.TrimSpace(b.Author),
		CopyCount:   b.CopyCount,
		Description: b.Description,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:          m.ID,
		Name:        m.Name,
		Author:      m.Author,
		CopyCount:   m.CopyCount,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

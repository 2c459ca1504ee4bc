package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ID                  string  `gorm:"primaryKey"`
	FirstName           string  `gorm:"not null"`
	LastName            string  `gorm:"not null"`
	Grade               string  `gorm:"not null"`
	Section             string  `gorm:"not null"`
	Email               string  `gorm:"uniqueIndex;not null"`
	PasswordHash        string  `gorm:"not null"`
	StudentCode         string  `gorm:"not null"`
	Role                string  `gorm:"not null;default:user"`
	ConfirmationToken   *string `gorm:"uniqueIndex"`
	EmailConfirmationAt *time.Time
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

func (UserModel) TableName() string { return "users" }

type BookModel struct {
	ID          string    `gorm:"primaryKey"`
	Name        string    `gorm:"not null;index"`
	Author      string    `gorm:"not null"`
	CopyCount   int       `gorm:"not null"`
	Description string    `gorm:"type:varchar(500);not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (BookModel) TableName() string { return "books" }

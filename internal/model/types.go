package model

import (
	"time"
)

// User represents a user record owned by the credential store
type User struct {
	ID           string
	Username     string
	Email        string
	PhoneNumber  string
	FullName     string
	PasswordHash string
	TOTPSecret   string
	IsActive     bool
	CreatedAt    time.Time
}

// Session represents a primary (cookie) session
type Session struct {
	ID           string
	UserID       string
	SignedInAt   time.Time
	LastActiveAt time.Time
}

// Status is the result of a status check
type Status struct {
	IsAuthenticated bool
	IsMFA           bool
	User            *User
}

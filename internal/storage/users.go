// Package storage - user storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrUserNotFound is returned when a user lookup finds nothing.
var ErrUserNotFound = errors.New("user not found")

// User represents an account holder.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// CreateUser inserts a new user.
func (s *Storage) CreateUser(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)
	`, u.ID, u.Email, u.CreatedAt.Unix())

	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetUser retrieves a user by id.
func (s *Storage) GetUser(id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u User
	var createdAt int64

	err := s.db.QueryRow(`
		SELECT id, email, created_at FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Email, &createdAt)

	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	u.CreatedAt = time.Unix(createdAt, 0)
	return &u, nil
}

// GetUserByEmail retrieves a user by email.
func (s *Storage) GetUserByEmail(email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u User
	var createdAt int64

	err := s.db.QueryRow(`
		SELECT id, email, created_at FROM users WHERE email = ?
	`, email).Scan(&u.ID, &u.Email, &createdAt)

	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}

	u.CreatedAt = time.Unix(createdAt, 0)
	return &u, nil
}

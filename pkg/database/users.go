package database

import (
	"database/sql"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AlgorithmBcrypt is recorded for every hash this package writes
const AlgorithmBcrypt = "bcrypt"

// bcryptCost is lowered by tests
var bcryptCost = bcrypt.DefaultCost

// User is a registered account
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Algorithm    string
	CreatedAt    int64
	LastLogin    *int64
}

// CreateUser stores a new account with a bcrypt password hash.
// It returns ErrUserExists if the username is taken.
func (s *Store) CreateUser(username, password string) (int64, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return 0, ErrEmptyCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return 0, err
	}

	result, err := s.writeConn.Exec(`
		INSERT INTO User (username, password_hash, algorithm, created_at)
		VALUES (?, ?, ?, ?)
	`, username, string(hash), AlgorithmBcrypt, nowMillis())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrUserExists
		}
		return 0, err
	}

	return result.LastInsertId()
}

// GetUserByUsername retrieves a user for login validation.
// It returns sql.ErrNoRows if not found.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	var user User
	var lastLogin sql.NullInt64
	err := s.conn.QueryRow(`
		SELECT id, username, password_hash, algorithm, created_at, last_login
		FROM User
		WHERE username = ?
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Algorithm, &user.CreatedAt, &lastLogin)
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		user.LastLogin = &lastLogin.Int64
	}
	return &user, nil
}

// Register implements the server's Authenticator. It reports false when
// the username is already taken.
func (s *Store) Register(username, password string) (bool, error) {
	if _, err := s.CreateUser(username, password); err != nil {
		if errors.Is(err, ErrUserExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Authenticate implements the server's Authenticator
func (s *Store) Authenticate(username, password string) (bool, error) {
	user, err := s.GetUserByUsername(username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return false, nil
	}

	// last_login is informational; a failed update does not fail the login
	_, _ = s.writeConn.Exec(`UPDATE User SET last_login = ? WHERE id = ?`, nowMillis(), user.ID)
	return true, nil
}

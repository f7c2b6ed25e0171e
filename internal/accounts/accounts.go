package accounts

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Role classifies an account for access control.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// User is an account identity. PasswordHash is a bcrypt hash; an empty hash
// means the account cannot authenticate with a password (the anonymous
// sentinel account is created this way).
type User struct {
	Username     string `json:"username"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
	Role         Role   `json:"role"`
}

// UsageRecord is the durable per-user usage counter. APICalls and
// TotalTokenCount are cumulative and never decrease; the LastRun fields hold
// the deltas of the most recent recorded run.
type UsageRecord struct {
	Username          string `json:"username"`
	APICalls          int    `json:"api_calls"`
	TotalTokenCount   int    `json:"total_token_count"`
	LastRunAPICalls   int    `json:"last_run_api_calls"`
	LastRunTokenCount int    `json:"last_run_token_count"`
}

// UserUsage is the admin listing shape: identity plus cumulative counters.
type UserUsage struct {
	Username        string `json:"username"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	APICalls        int    `json:"api_calls"`
	TotalTokenCount int    `json:"total_token_count"`
}

// UserStore defines the account operations the rest of the system needs.
type UserStore interface {
	// Register creates a new account with a zeroed usage record.
	Register(ctx context.Context, user User, password string) error

	// Authenticate verifies a username/password pair and returns the account.
	Authenticate(ctx context.Context, username, password string) (*User, error)

	// RoleOf returns the role of an account.
	RoleOf(ctx context.Context, username string) (Role, error)

	// ChangePassword replaces the password after verifying the old one.
	ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error

	// ListUsers returns all non-admin accounts with their usage counters.
	ListUsers(ctx context.Context) ([]UserUsage, error)

	// EnsureUser creates a passwordless account if it does not exist yet.
	EnsureUser(ctx context.Context, username, name string, role Role) error
}

// Ledger defines the usage-accounting operations.
type Ledger interface {
	// Record atomically adds the deltas of one completed run to the user's
	// cumulative counters and stores them as the last-run deltas.
	Record(ctx context.Context, username string, deltaCalls, deltaTokens int) (*UsageRecord, error)

	// Snapshot returns the current usage record for a user.
	Snapshot(ctx context.Context, username string) (*UsageRecord, error)
}

// Store is the full capability set a storage backend provides.
type Store interface {
	UserStore
	Ledger
	Close() error
}

// bcryptCost trades hashing latency for resistance to offline cracking.
const bcryptCost = 12

func hashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

func checkPassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func validateDeltas(deltaCalls, deltaTokens int) error {
	if deltaCalls < 0 || deltaTokens < 0 {
		return fmt.Errorf("usage deltas must not be negative (calls=%d tokens=%d)", deltaCalls, deltaTokens)
	}
	return nil
}

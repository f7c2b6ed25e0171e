package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createUsersTable = `
CREATE TABLE IF NOT EXISTS users (
	username VARCHAR(255) PRIMARY KEY,
	name VARCHAR(255),
	email VARCHAR(255),
	password VARCHAR(255),
	role VARCHAR(255),
	api_calls INTEGER NOT NULL DEFAULT 0,
	total_token_count INTEGER NOT NULL DEFAULT 0,
	last_run_api_calls INTEGER NOT NULL DEFAULT 0,
	last_run_token_count INTEGER NOT NULL DEFAULT 0
)`

// PostgresStore implements Store against a Postgres users table. Record runs
// its read-modify-write inside a transaction with SELECT ... FOR UPDATE, so
// concurrent runs for the same user serialize on the row lock.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and ensures the users table exists
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is required")
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "tablex"

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(dialCtx, createUsersTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating users table: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Register creates a new account with zeroed usage counters
func (p *PostgresStore) Register(ctx context.Context, user User, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	if user.Role == "" {
		user.Role = RoleUser
	}

	tag, err := p.pool.Exec(ctx,
		`INSERT INTO users (username, name, email, password, role)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (username) DO NOTHING`,
		user.Username, user.Name, user.Email, hash, string(user.Role))
	if err != nil {
		return fmt.Errorf("registering user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserExists
	}
	return nil
}

// Authenticate verifies a username/password pair
func (p *PostgresStore) Authenticate(ctx context.Context, username, password string) (*User, error) {
	var user User
	var role string
	err := p.pool.QueryRow(ctx,
		`SELECT username, name, email, password, role FROM users WHERE username = $1`,
		username).Scan(&user.Username, &user.Name, &user.Email, &user.PasswordHash, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	user.Role = Role(role)

	if !checkPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// RoleOf returns the role of an account
func (p *PostgresStore) RoleOf(ctx context.Context, username string) (Role, error) {
	var role string
	err := p.pool.QueryRow(ctx,
		`SELECT role FROM users WHERE username = $1`, username).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying role: %w", err)
	}
	return Role(role), nil
}

// ChangePassword replaces the password after verifying the old one
func (p *PostgresStore) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	hash, err := hashPassword(newPassword)
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var stored string
	err = tx.QueryRow(ctx,
		`SELECT password FROM users WHERE username = $1 FOR UPDATE`, username).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("querying user: %w", err)
	}
	if !checkPassword(stored, oldPassword) {
		return ErrInvalidCredentials
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET password = $1 WHERE username = $2`, hash, username); err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	return tx.Commit(ctx)
}

// ListUsers returns all non-admin accounts with their usage counters
func (p *PostgresStore) ListUsers(ctx context.Context) ([]UserUsage, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT username, name, email, api_calls, total_token_count
		 FROM users WHERE role <> $1 ORDER BY username`, string(RoleAdmin))
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	listing := make([]UserUsage, 0)
	for rows.Next() {
		var entry UserUsage
		if err := rows.Scan(&entry.Username, &entry.Name, &entry.Email,
			&entry.APICalls, &entry.TotalTokenCount); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		listing = append(listing, entry)
	}
	return listing, rows.Err()
}

// EnsureUser creates a passwordless account if it does not exist yet
func (p *PostgresStore) EnsureUser(ctx context.Context, username, name string, role Role) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO users (username, name, password, role)
		 VALUES ($1, $2, '', $3)
		 ON CONFLICT (username) DO NOTHING`,
		username, name, string(role))
	if err != nil {
		return fmt.Errorf("ensuring user: %w", err)
	}
	return nil
}

// Record atomically applies one run's deltas to the user's counters
func (p *PostgresStore) Record(ctx context.Context, username string, deltaCalls, deltaTokens int) (*UsageRecord, error) {
	if err := validateDeltas(deltaCalls, deltaTokens); err != nil {
		return nil, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	record := UsageRecord{Username: username}
	err = tx.QueryRow(ctx,
		`SELECT api_calls, total_token_count FROM users WHERE username = $1 FOR UPDATE`,
		username).Scan(&record.APICalls, &record.TotalTokenCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}

	record.APICalls += deltaCalls
	record.TotalTokenCount += deltaTokens
	record.LastRunAPICalls = deltaCalls
	record.LastRunTokenCount = deltaTokens

	if _, err := tx.Exec(ctx,
		`UPDATE users SET api_calls = $1, total_token_count = $2,
		 last_run_api_calls = $3, last_run_token_count = $4
		 WHERE username = $5`,
		record.APICalls, record.TotalTokenCount,
		record.LastRunAPICalls, record.LastRunTokenCount, username); err != nil {
		return nil, fmt.Errorf("updating usage: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing usage: %w", err)
	}
	return &record, nil
}

// Snapshot returns the current usage record for a user
func (p *PostgresStore) Snapshot(ctx context.Context, username string) (*UsageRecord, error) {
	record := UsageRecord{Username: username}
	err := p.pool.QueryRow(ctx,
		`SELECT api_calls, total_token_count, last_run_api_calls, last_run_token_count
		 FROM users WHERE username = $1`, username).Scan(
		&record.APICalls, &record.TotalTokenCount,
		&record.LastRunAPICalls, &record.LastRunTokenCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	return &record, nil
}

// Close closes the connection pool
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

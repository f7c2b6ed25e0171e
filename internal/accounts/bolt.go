package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	usersBucket = "users"
	usageBucket = "usage"
)

// BoltStore implements Store using BoltDB. All counter mutation happens
// inside bbolt update transactions, which serialize writers, so concurrent
// Record calls for the same user cannot lose updates.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a new BoltStore instance
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(usersBucket)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(usageBucket)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Register creates a new account and its zeroed usage record
func (b *BoltStore) Register(ctx context.Context, user User, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	if user.Role == "" {
		user.Role = RoleUser
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket([]byte(usersBucket))
		if users.Get([]byte(user.Username)) != nil {
			return ErrUserExists
		}

		data, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("marshaling user: %w", err)
		}
		if err := users.Put([]byte(user.Username), data); err != nil {
			return err
		}

		return putUsage(tx, &UsageRecord{Username: user.Username})
	})
}

// Authenticate verifies a username/password pair
func (b *BoltStore) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, err := b.getUser(username)
	if err != nil {
		return nil, err
	}
	if !checkPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// RoleOf returns the role of an account
func (b *BoltStore) RoleOf(ctx context.Context, username string) (Role, error) {
	user, err := b.getUser(username)
	if err != nil {
		return "", err
	}
	return user.Role, nil
}

// ChangePassword replaces the password after verifying the old one
func (b *BoltStore) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	hash, err := hashPassword(newPassword)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket([]byte(usersBucket))
		data := users.Get([]byte(username))
		if data == nil {
			return ErrUserNotFound
		}

		var user User
		if err := json.Unmarshal(data, &user); err != nil {
			return fmt.Errorf("unmarshaling user: %w", err)
		}
		if !checkPassword(user.PasswordHash, oldPassword) {
			return ErrInvalidCredentials
		}

		user.PasswordHash = hash
		updated, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("marshaling user: %w", err)
		}
		return users.Put([]byte(username), updated)
	})
}

// ListUsers returns all non-admin accounts with their usage counters
func (b *BoltStore) ListUsers(ctx context.Context) ([]UserUsage, error) {
	listing := make([]UserUsage, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		users := tx.Bucket([]byte(usersBucket))
		usage := tx.Bucket([]byte(usageBucket))
		return users.ForEach(func(k, v []byte) error {
			var user User
			if err := json.Unmarshal(v, &user); err != nil {
				return fmt.Errorf("unmarshaling user: %w", err)
			}
			if user.Role == RoleAdmin {
				return nil
			}

			entry := UserUsage{Username: user.Username, Name: user.Name, Email: user.Email}
			if data := usage.Get(k); data != nil {
				var record UsageRecord
				if err := json.Unmarshal(data, &record); err != nil {
					return fmt.Errorf("unmarshaling usage: %w", err)
				}
				entry.APICalls = record.APICalls
				entry.TotalTokenCount = record.TotalTokenCount
			}
			listing = append(listing, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// EnsureUser creates a passwordless account if it does not exist yet
func (b *BoltStore) EnsureUser(ctx context.Context, username, name string, role Role) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket([]byte(usersBucket))
		if users.Get([]byte(username)) != nil {
			return nil
		}

		data, err := json.Marshal(User{Username: username, Name: name, Role: role})
		if err != nil {
			return fmt.Errorf("marshaling user: %w", err)
		}
		if err := users.Put([]byte(username), data); err != nil {
			return err
		}

		return putUsage(tx, &UsageRecord{Username: username})
	})
}

// Record atomically applies one run's deltas to the user's counters
func (b *BoltStore) Record(ctx context.Context, username string, deltaCalls, deltaTokens int) (*UsageRecord, error) {
	if err := validateDeltas(deltaCalls, deltaTokens); err != nil {
		return nil, err
	}

	var record UsageRecord
	err := b.db.Update(func(tx *bbolt.Tx) error {
		usage := tx.Bucket([]byte(usageBucket))
		data := usage.Get([]byte(username))
		if data == nil {
			return ErrUserNotFound
		}
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("unmarshaling usage: %w", err)
		}

		record.APICalls += deltaCalls
		record.TotalTokenCount += deltaTokens
		record.LastRunAPICalls = deltaCalls
		record.LastRunTokenCount = deltaTokens

		return putUsage(tx, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Snapshot returns the current usage record for a user
func (b *BoltStore) Snapshot(ctx context.Context, username string) (*UsageRecord, error) {
	var record UsageRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(usageBucket)).Get([]byte(username))
		if data == nil {
			return ErrUserNotFound
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Close closes the database connection
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func (b *BoltStore) getUser(username string) (*User, error) {
	var user *User
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(usersBucket)).Get([]byte(username))
		if data == nil {
			return ErrUserNotFound
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func putUsage(tx *bbolt.Tx, record *UsageRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling usage: %w", err)
	}
	return tx.Bucket([]byte(usageBucket)).Put([]byte(record.Username), data)
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials covers both an unknown name and a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountExists is returned when creating a name that is taken.
	ErrAccountExists = errors.New("account already exists")
)

// Account is a login known to the server.
type Account struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// AccountStore resolves login credentials against the users table.
type AccountStore struct {
	db      *Database
	cost    int
	compare func(hash, password []byte) error

	dummyOnce sync.Once
	dummy     []byte
}

// NewAccountStore creates an account store on db.
func NewAccountStore(db *Database) *AccountStore {
	return &AccountStore{db: db, cost: bcrypt.DefaultCost, compare: bcrypt.CompareHashAndPassword}
}

// dummyHash is compared against when a name is unknown, so a miss costs the
// same bcrypt work as a wrong password.
func (s *AccountStore) dummyHash() []byte {
	s.dummyOnce.Do(func() {
		s.dummy, _ = bcrypt.GenerateFromPassword([]byte("voxelnet-no-such-account"), s.cost)
	})
	return s.dummy
}

// Seed creates every missing account. Existing accounts keep their password.
func (s *AccountStore) Seed(ctx context.Context, accounts map[string]string) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		for name, password := range accounts {
			hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
			if err != nil {
				return fmt.Errorf("failed to hash password for %s: %w", name, err)
			}

			res, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO users (name, password_hash) VALUES (?, ?)", name, hash)
			if err != nil {
				return fmt.Errorf("failed to seed account %s: %w", name, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				log.Info().Str("user", name).Msg("seeded account")
			}
		}
		return nil
	})
}

// Create adds a new account.
func (s *AccountStore) Create(ctx context.Context, name, password string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return 0, fmt.Errorf("failed to hash password: %w", err)
	}

	res, err := s.db.Exec(ctx,
		"INSERT OR IGNORE INTO users (name, password_hash) VALUES (?, ?)", name, hash)
	if err != nil {
		return 0, fmt.Errorf("failed to create account %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: %s", ErrAccountExists, name)
	}
	return res.LastInsertId()
}

// Authenticate resolves name and password to an account.
func (s *AccountStore) Authenticate(ctx context.Context, name, password string) (Account, error) {
	var (
		acc  Account
		hash []byte
	)
	err := s.db.QueryRow(ctx,
		"SELECT id, name, password_hash, created_at FROM users WHERE name = ?", name).
		Scan(&acc.ID, &acc.Name, &hash, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		s.compare(s.dummyHash(), []byte(password))
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, fmt.Errorf("failed to look up account %s: %w", name, err)
	}

	if err := s.compare(hash, []byte(password)); err != nil {
		return Account{}, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	if _, err := s.db.Exec(ctx, "UPDATE users SET last_login = ? WHERE id = ?", now, acc.ID); err != nil {
		log.Warn().Err(err).Str("user", name).Msg("failed to record last login")
	}
	acc.LastLogin = &now

	return acc, nil
}

// List returns every account ordered by id.
func (s *AccountStore) List(ctx context.Context) ([]Account, error) {
	rows, err := s.db.Query(ctx, "SELECT id, name, created_at, last_login FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var (
			a    Account
			last sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.CreatedAt, &last); err != nil {
			return nil, err
		}
		if last.Valid {
			a.LastLogin = &last.Time
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/amethystlabs/amethyst-backend/internal/models"
	pkgerrors "github.com/amethystlabs/amethyst-backend/pkg/errors"
	"github.com/lib/pq"
)

type PostgresAccountRepository struct {
	db *sql.DB
}

func NewPostgresAccountRepository(db *sql.DB) *PostgresAccountRepository {
	return &PostgresAccountRepository{db: db}
}

// Create inserts an account with a zero balance. Starting credits come from
// the signup bonus transaction, not from here, so the ledger stays the single
// source of balance mutations.
func (r *PostgresAccountRepository) Create(ctx context.Context, account *models.Account) error {
	if account == nil {
		return fmt.Errorf("account is nil")
	}
	if account.Email == "" {
		return fmt.Errorf("email is required")
	}
	if account.PasswordHash == "" {
		return fmt.Errorf("password_hash is required")
	}
	if account.Role == "" {
		account.Role = models.RoleUser
	}
	if !account.Role.Valid() {
		return fmt.Errorf("invalid role %q", account.Role)
	}

	query := `
	INSERT INTO accounts (email, password_hash, role, credits)
	VALUES ($1, $2, $3, 0)
	RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query, account.Email, account.PasswordHash, account.Role).
		Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return pkgerrors.ErrEmailExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (r *PostgresAccountRepository) GetByID(ctx context.Context, id int32) (*models.Account, error) {
	query := `SELECT id, email, password_hash, role, credits, created_at, updated_at FROM accounts WHERE id = $1`
	var account models.Account
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&account.ID,
		&account.Email,
		&account.PasswordHash,
		&account.Role,
		&account.Credits,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		return nil, pkgerrors.ErrAccountNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to get account by id: %w", err)
	}
	return &account, nil
}

func (r *PostgresAccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	if email == "" {
		return nil, fmt.Errorf("email cannot be empty")
	}

	query := `SELECT id, email, password_hash, role, credits, created_at, updated_at FROM accounts WHERE email = $1`
	var account models.Account
	err := r.db.QueryRowContext(ctx, query, email).Scan(
		&account.ID,
		&account.Email,
		&account.PasswordHash,
		&account.Role,
		&account.Credits,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		return nil, pkgerrors.ErrAccountNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to get account by email: %w", err)
	}
	return &account, nil
}

func (r *PostgresAccountRepository) GetBalance(ctx context.Context, id int32) (int32, error) {
	query := `SELECT credits FROM accounts WHERE id = $1`
	var balance int32
	err := r.db.QueryRowContext(ctx, query, id).Scan(&balance)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		return 0, pkgerrors.ErrAccountNotFound
	case err != nil:
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

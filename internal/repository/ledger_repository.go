package repository

import (
	"context"

	"github.com/amethystlabs/amethyst-backend/internal/models"
)

// LedgerRepository owns every balance mutation. Apply performs the
// conditional balance update and the transaction insert as one database
// transaction; no other code path writes accounts.credits.
type LedgerRepository interface {
	// Apply adjusts the account balance by tx.Amount and appends tx to the
	// ledger. Returns the new balance. Fails with ErrInsufficientBalance when
	// a debit would drive the balance negative, ErrAccountNotFound when the
	// account does not exist, and ErrDuplicateRequest when tx.IdempotencyKey
	// was already applied.
	Apply(ctx context.Context, tx *models.Transaction) (newBalance int32, err error)

	GetByID(ctx context.Context, id int32) (*models.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
	ListByAccount(ctx context.Context, accountID int32, limit int) ([]models.Transaction, error)
	// CountRefundsOf reports how many refund transactions reference the given
	// debit, used to keep compensation at-most-once.
	CountRefundsOf(ctx context.Context, originalTxID int32) (int, error)
}

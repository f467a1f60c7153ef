package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/amethystlabs/amethyst-backend/internal/infrastructure/observability"
	"github.com/amethystlabs/amethyst-backend/internal/models"
	pkgerrors "github.com/amethystlabs/amethyst-backend/pkg/errors"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const pqUniqueViolation = "23505"

type PostgresLedgerRepository struct {
	db *sql.DB
}

func NewPostgresLedgerRepository(db *sql.DB) *PostgresLedgerRepository {
	return &PostgresLedgerRepository{db: db}
}

// Apply runs the balance check, the balance update and the ledger insert as a
// single database transaction. The conditional UPDATE serializes concurrent
// debits on the same account row, so two in-flight debits can never both pass
// the balance check.
func (r *PostgresLedgerRepository) Apply(ctx context.Context, tx *models.Transaction) (int32, error) {
	var err error
	tracer := otel.Tracer("ledger-repository")
	ctx, span := tracer.Start(ctx, "ApplyTransaction")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("ApplyTransaction", status).Inc()
		observability.RepositoryDuration.WithLabelValues("ApplyTransaction").Observe(time.Since(start).Seconds())
	}()

	if tx == nil {
		err = pkgerrors.ErrNilTransaction
		slog.Error("failed to apply transaction", "method", "Apply", "error", err)
		return 0, err
	}
	if !tx.Kind.Valid() {
		err = pkgerrors.ErrInvalidKind
		slog.Error("invalid transaction kind", "method", "Apply", "kind", tx.Kind, "error", err)
		return 0, err
	}
	if tx.Amount == 0 {
		err = pkgerrors.ErrInvalidAmount
		slog.Error("zero transaction amount", "method", "Apply", "error", err)
		return 0, err
	}

	metadata, err := models.EncodeMetadata(tx.Metadata)
	if err != nil {
		slog.Error("failed to encode metadata", "method", "Apply", "kind", tx.Kind, "error", err)
		return 0, fmt.Errorf("failed to encode metadata: %w", err)
	}

	span.SetAttributes(
		attribute.Int("account_id", int(tx.AccountID)),
		attribute.Int("amount", int(tx.Amount)),
		attribute.String("kind", string(tx.Kind)),
	)

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "Apply", "error", err)
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	var newBalance int32
	updateQuery := `
		UPDATE accounts
		SET credits = credits + $1, updated_at = NOW()
		WHERE id = $2 AND credits + $1 >= 0
		RETURNING credits
	`
	err = dbTx.QueryRowContext(ctx, updateQuery, tx.Amount, tx.AccountID).Scan(&newBalance)
	if stderrors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing account from a rejected debit.
		var exists bool
		checkErr := dbTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, tx.AccountID).Scan(&exists)
		_ = dbTx.Rollback()
		if checkErr != nil {
			err = fmt.Errorf("failed to check account existence: %w", checkErr)
			slog.Error("account existence check failed", "method", "Apply", "account_id", tx.AccountID, "error", checkErr)
			return 0, err
		}
		if !exists {
			err = pkgerrors.ErrAccountNotFound
			slog.Error("account not found", "method", "Apply", "account_id", tx.AccountID)
			return 0, err
		}
		err = pkgerrors.ErrInsufficientBalance
		slog.Warn("debit rejected", "method", "Apply", "account_id", tx.AccountID, "amount", tx.Amount)
		return 0, err
	}
	if err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			err = fmt.Errorf("rollback failed: %v; original error: %w", rbErr, err)
			slog.Error("rollback failed", "method", "Apply", "error", rbErr)
		} else {
			slog.Error("failed to update balance", "method", "Apply", "account_id", tx.AccountID, "amount", tx.Amount, "error", err)
		}
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	insertQuery := `
		INSERT INTO transactions (account_id, amount, kind, metadata, idempotency_key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	idemKey := sql.NullString{String: tx.IdempotencyKey, Valid: tx.IdempotencyKey != ""}
	err = dbTx.QueryRowContext(ctx, insertQuery, tx.AccountID, tx.Amount, tx.Kind, metadata, idemKey).
		Scan(&tx.ID, &tx.CreatedAt)
	if err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "method", "Apply", "error", rbErr)
		}
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			err = pkgerrors.ErrDuplicateRequest
			slog.Warn("duplicate idempotency key", "method", "Apply", "account_id", tx.AccountID, "idempotency_key", tx.IdempotencyKey)
			return 0, err
		}
		slog.Error("failed to insert transaction", "method", "Apply", "account_id", tx.AccountID, "kind", tx.Kind, "error", err)
		return 0, fmt.Errorf("failed to insert transaction: %w", err)
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "Apply", "error", err)
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("transaction applied",
		"method", "Apply",
		"id", tx.ID,
		"account_id", tx.AccountID,
		"amount", tx.Amount,
		"kind", tx.Kind,
		"new_balance", newBalance)
	return newBalance, nil
}

func (r *PostgresLedgerRepository) GetByID(ctx context.Context, id int32) (*models.Transaction, error) {
	var err error
	tracer := otel.Tracer("ledger-repository")
	ctx, span := tracer.Start(ctx, "GetTransactionByID")
	span.SetAttributes(attribute.Int("transaction_id", int(id)))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("GetTransactionByID", status).Inc()
		observability.RepositoryDuration.WithLabelValues("GetTransactionByID").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT id, account_id, amount, kind, metadata, COALESCE(idempotency_key, ''), created_at FROM transactions WHERE id = $1`
	tx, err := r.scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrTransactionNotFound
		slog.Error("transaction not found", "method", "GetByID", "transaction_id", id)
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get transaction", "method", "GetByID", "transaction_id", id, "error", err)
		return nil, fmt.Errorf("failed to get transaction by id: %w", err)
	}
	return tx, nil
}

func (r *PostgresLedgerRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	query := `SELECT id, account_id, amount, kind, metadata, COALESCE(idempotency_key, ''), created_at FROM transactions WHERE idempotency_key = $1`
	tx, err := r.scanTransaction(r.db.QueryRowContext(ctx, query, key))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	if err != nil {
		slog.Error("failed to get transaction by idempotency key", "method", "GetByIdempotencyKey", "error", err)
		return nil, fmt.Errorf("failed to get transaction by idempotency key: %w", err)
	}
	return tx, nil
}

func (r *PostgresLedgerRepository) ListByAccount(ctx context.Context, accountID int32, limit int) ([]models.Transaction, error) {
	var err error
	tracer := otel.Tracer("ledger-repository")
	ctx, span := tracer.Start(ctx, "ListTransactions")
	span.SetAttributes(attribute.Int("account_id", int(accountID)))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("ListTransactions", status).Inc()
		observability.RepositoryDuration.WithLabelValues("ListTransactions").Observe(time.Since(start).Seconds())
	}()

	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, account_id, amount, kind, metadata, COALESCE(idempotency_key, ''), created_at
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		slog.Error("failed to list transactions", "method", "ListByAccount", "account_id", accountID, "error", err)
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		tx, scanErr := r.scanTransaction(rows)
		if scanErr != nil {
			err = scanErr
			slog.Error("failed to scan transaction", "method", "ListByAccount", "error", err)
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, *tx)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return txs, nil
}

func (r *PostgresLedgerRepository) CountRefundsOf(ctx context.Context, originalTxID int32) (int, error) {
	query := `SELECT COUNT(*) FROM transactions WHERE kind = 'refund' AND (metadata->>'original_transaction_id')::int = $1`
	var count int
	if err := r.db.QueryRowContext(ctx, query, originalTxID).Scan(&count); err != nil {
		slog.Error("failed to count refunds", "method", "CountRefundsOf", "original_transaction_id", originalTxID, "error", err)
		return 0, fmt.Errorf("failed to count refunds: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresLedgerRepository) scanTransaction(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	var raw []byte
	if err := row.Scan(&tx.ID, &tx.AccountID, &tx.Amount, &tx.Kind, &raw, &tx.IdempotencyKey, &tx.CreatedAt); err != nil {
		return nil, err
	}
	meta, err := models.DecodeMetadata(tx.Kind, raw)
	if err != nil {
		return nil, err
	}
	tx.Metadata = meta
	return &tx, nil
}

package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/amethystlabs/amethyst-backend/internal/infrastructure/kafka"
	"github.com/amethystlabs/amethyst-backend/internal/infrastructure/observability"
	"github.com/amethystlabs/amethyst-backend/internal/infrastructure/redis"
	"github.com/amethystlabs/amethyst-backend/internal/models"
	"github.com/amethystlabs/amethyst-backend/internal/repository"
	pkgerrors "github.com/amethystlabs/amethyst-backend/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	transactionsTopic = "transactions"

	// How long an idempotency key reservation survives in Redis. The unique
	// constraint on the transactions table outlives it.
	idempotencyKeyTTL = 24 * time.Hour
)

// LedgerService is the only way credit balances change. Every mutation is a
// signed transaction applied atomically by the repository; callers pass an
// idempotency key so retries after ambiguous failures never double-apply.
type LedgerService interface {
	Apply(ctx context.Context, accountID, amount int32, kind models.TransactionKind, metadata models.Metadata, idempotencyKey string) (*models.Transaction, error)
	Refund(ctx context.Context, accountID, amount, originalTxID int32, reason, idempotencyKey string) (*models.Transaction, error)
	GetBalance(ctx context.Context, accountID int32) (int32, error)
	GetHistory(ctx context.Context, accountID int32, limit int) ([]models.Transaction, error)
}

type ledgerService struct {
	ledgerRepo    repository.LedgerRepository
	accountRepo   repository.AccountRepository
	redisClient   redis.RedisClient
	kafkaProducer kafka.KafkaProducer
}

func NewLedgerService(
	ledgerRepo repository.LedgerRepository,
	accountRepo repository.AccountRepository,
	redisClient redis.RedisClient,
	kafkaProducer kafka.KafkaProducer,
) *ledgerService {
	return &ledgerService{
		ledgerRepo:    ledgerRepo,
		accountRepo:   accountRepo,
		redisClient:   redisClient,
		kafkaProducer: kafkaProducer,
	}
}

func (s *ledgerService) Apply(ctx context.Context, accountID, amount int32, kind models.TransactionKind, metadata models.Metadata, idempotencyKey string) (*models.Transaction, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "ApplyTransaction")
	defer span.End()
	span.SetAttributes(
		attribute.Int("account_id", int(accountID)),
		attribute.Int("amount", int(amount)),
		attribute.String("kind", string(kind)),
	)

	if idempotencyKey == "" {
		span.SetStatus(codes.Error, "missing idempotency key")
		return nil, fmt.Errorf("%w: idempotency key is required", pkgerrors.ErrInvalidInput)
	}

	// Fast path for replays: the key is reserved in Redis on first sight, so a
	// retry is answered from the existing row without another write attempt.
	// The unique constraint on the ledger stays authoritative; a reservation
	// left by an attempt that never committed falls through to the database.
	reservationKey := fmt.Sprintf("ledger:idempotency:%s", idempotencyKey)
	if reserved, setErr := s.redisClient.SetNX(ctx, reservationKey, 1, idempotencyKeyTTL); setErr == nil && !reserved {
		if existing, lookupErr := s.ledgerRepo.GetByIdempotencyKey(ctx, idempotencyKey); lookupErr == nil {
			observability.LedgerTransactions.WithLabelValues(string(kind), "duplicate").Inc()
			slog.Info("duplicate transaction request, returning original",
				"account_id", accountID,
				"transaction_id", existing.ID,
				"kind", kind)
			return existing, pkgerrors.ErrDuplicateRequest
		}
	}

	tx := &models.Transaction{
		AccountID:      accountID,
		Amount:         amount,
		Kind:           kind,
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey,
	}

	_, err := s.ledgerRepo.Apply(ctx, tx)
	if stderrors.Is(err, pkgerrors.ErrDuplicateRequest) {
		// The key was already applied; a retry must observe the original
		// result, not a second mutation.
		existing, lookupErr := s.ledgerRepo.GetByIdempotencyKey(ctx, idempotencyKey)
		if lookupErr != nil {
			slog.Error("duplicate key but original transaction not found",
				"account_id", accountID,
				"idempotency_key", idempotencyKey,
				"error", lookupErr)
			return nil, fmt.Errorf("%w: failed to load original transaction", pkgerrors.ErrInternal)
		}
		observability.LedgerTransactions.WithLabelValues(string(kind), "duplicate").Inc()
		slog.Info("duplicate transaction request, returning original",
			"account_id", accountID,
			"transaction_id", existing.ID,
			"kind", kind)
		return existing, pkgerrors.ErrDuplicateRequest
	}
	if err != nil {
		status := "error"
		if stderrors.Is(err, pkgerrors.ErrInsufficientBalance) {
			status = "insufficient_balance"
		}
		observability.LedgerTransactions.WithLabelValues(string(kind), status).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	observability.LedgerTransactions.WithLabelValues(string(kind), "success").Inc()

	// The cached balance is stale the moment a transaction lands.
	balanceKey := fmt.Sprintf("account:%d:balance", accountID)
	if err := s.redisClient.Del(ctx, balanceKey); err != nil {
		slog.Error("failed to invalidate balance cache", "account_id", accountID, "error", err)
	}

	s.publishAuditEvent(tx)
	return tx, nil
}

func (s *ledgerService) Refund(ctx context.Context, accountID, amount, originalTxID int32, reason, idempotencyKey string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: refund amount must be positive", pkgerrors.ErrInvalidAmount)
	}

	// A debit is compensated at most once, even when a retry arrives under a
	// different key.
	count, err := s.ledgerRepo.CountRefundsOf(ctx, originalTxID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing refunds: %w", err)
	}
	if count > 0 {
		slog.Info("debit already refunded",
			"account_id", accountID,
			"original_transaction_id", originalTxID)
		return nil, pkgerrors.ErrDuplicateRequest
	}

	return s.Apply(ctx, accountID, amount, models.KindRefund, &models.RefundMetadata{
		OriginalTransactionID: originalTxID,
		Reason:                reason,
	}, idempotencyKey)
}

func (s *ledgerService) GetBalance(ctx context.Context, accountID int32) (int32, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "GetBalance")
	defer span.End()

	balanceKey := fmt.Sprintf("account:%d:balance", accountID)
	balanceStr, err := s.redisClient.Get(ctx, balanceKey)
	if err == nil {
		var balance int32
		if err := json.Unmarshal([]byte(balanceStr), &balance); err != nil {
			slog.Error("failed to unmarshal cached balance", "account_id", accountID, "error", err)
		} else {
			return balance, nil
		}
	}

	balance, err := s.accountRepo.GetBalance(ctx, accountID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("failed to get balance from Postgres", "account_id", accountID, "error", err)
		return 0, err
	}

	if err := s.redisClient.Set(ctx, balanceKey, balance, 5*time.Minute); err != nil {
		slog.Error("failed to cache balance", "account_id", accountID, "error", err)
	}
	return balance, nil
}

func (s *ledgerService) GetHistory(ctx context.Context, accountID int32, limit int) ([]models.Transaction, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "GetHistory")
	defer span.End()

	transactions, err := s.ledgerRepo.ListByAccount(ctx, accountID, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("failed to get transaction history", "account_id", accountID, "error", err)
		return nil, err
	}
	return transactions, nil
}

func (s *ledgerService) publishAuditEvent(tx *models.Transaction) {
	event := map[string]interface{}{
		"event_type":     "transaction_applied",
		"transaction_id": tx.ID,
		"account_id":     tx.AccountID,
		"amount":         tx.Amount,
		"kind":           tx.Kind,
		"created_at":     tx.CreatedAt.UTC().Format(time.RFC3339),
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal audit event", "transaction_id", tx.ID, "error", err)
		return
	}
	if err := s.kafkaProducer.Send(context.Background(), transactionsTopic, int64(tx.ID), eventBytes); err != nil {
		slog.Error("failed to send audit event", "transaction_id", tx.ID, "error", err)
	}
}

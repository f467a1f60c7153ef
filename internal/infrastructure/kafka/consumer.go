package kafka

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"

	"github.com/amethystlabs/amethyst-backend/internal/infrastructure/observability"
	"github.com/amethystlabs/amethyst-backend/internal/models"
	pkgerrors "github.com/amethystlabs/amethyst-backend/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// RefundApplier is the slice of the ledger the reconciliation consumer needs.
type RefundApplier interface {
	Refund(ctx context.Context, accountID, amount, originalTxID int32, reason, idempotencyKey string) (*models.Transaction, error)
}

// RefundIntentEvent is published by the orchestrator when the synchronous
// refund after a failed generation did not go through. The consumer replays
// it with the original idempotency key, so a refund that actually landed is
// never applied twice.
type RefundIntentEvent struct {
	AccountID             int32  `json:"account_id"`
	Amount                int32  `json:"amount"`
	OriginalTransactionID int32  `json:"original_transaction_id"`
	Reason                string `json:"reason"`
	IdempotencyKey        string `json:"idempotency_key"`
}

// ReconciliationConsumer retries failed compensating refunds.
type ReconciliationConsumer struct {
	reader *kafka.Reader
	ledger RefundApplier
}

func NewReconciliationConsumer(brokers []string, topic, groupID string, ledger RefundApplier) *ReconciliationConsumer {
	return &ReconciliationConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		}),
		ledger: ledger,
	}
}

func (c *ReconciliationConsumer) Consume(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if stderrors.Is(err, context.Canceled) {
				return
			}
			slog.Error("failed to read Kafka message", "topic", c.reader.Config().Topic, "error", err)
			continue
		}

		slog.Info("reconciliation event received", "topic", msg.Topic, "key", string(msg.Key))

		var event RefundIntentEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			slog.Error("failed to unmarshal refund intent event", "error", err)
			continue
		}
		if event.AccountID == 0 || event.Amount <= 0 || event.IdempotencyKey == "" {
			slog.Error("invalid refund intent event",
				"account_id", event.AccountID,
				"amount", event.Amount,
				"idempotency_key", event.IdempotencyKey)
			continue
		}

		tx, err := c.ledger.Refund(ctx, event.AccountID, event.Amount, event.OriginalTransactionID, event.Reason, event.IdempotencyKey)
		if stderrors.Is(err, pkgerrors.ErrDuplicateRequest) {
			// The original refund landed after all; nothing to heal.
			slog.Info("refund already applied",
				"account_id", event.AccountID,
				"original_transaction_id", event.OriginalTransactionID)
			continue
		}
		if err != nil {
			// Still broken after the retry. Keep the full context in the log
			// so support can reconcile by hand.
			observability.RefundFailures.WithLabelValues("reconciliation").Inc()
			slog.Error("refund retry failed, manual reconciliation required",
				"account_id", event.AccountID,
				"amount", event.Amount,
				"original_transaction_id", event.OriginalTransactionID,
				"idempotency_key", event.IdempotencyKey,
				"error", err)
			continue
		}

		slog.Info("refund reconciled",
			"account_id", event.AccountID,
			"amount", event.Amount,
			"refund_transaction_id", tx.ID,
			"original_transaction_id", event.OriginalTransactionID)
	}
}

func (c *ReconciliationConsumer) Close() error {
	return c.reader.Close()
}

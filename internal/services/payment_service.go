package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/amethystlabs/amethyst-backend/internal/infrastructure/stripe"
	"github.com/amethystlabs/amethyst-backend/internal/models"
	pkgerrors "github.com/amethystlabs/amethyst-backend/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Credit packs offered for purchase, credits -> price in cents. The server
// owns the price list; clients only name a pack.
var creditPacks = map[int32]int64{
	50:  499,
	150: 999,
	500: 2499,
}

type PaymentService interface {
	CreateCheckout(ctx context.Context, accountID, credits int32) (string, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

type paymentService struct {
	stripeClient *stripe.Client
	ledger       LedgerService
	successURL   string
	cancelURL    string
}

func NewPaymentService(stripeClient *stripe.Client, ledger LedgerService, successURL, cancelURL string) *paymentService {
	return &paymentService{
		stripeClient: stripeClient,
		ledger:       ledger,
		successURL:   successURL,
		cancelURL:    cancelURL,
	}
}

func (s *paymentService) CreateCheckout(ctx context.Context, accountID, credits int32) (string, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "CreateCheckout")
	defer span.End()
	span.SetAttributes(
		attribute.Int("account_id", int(accountID)),
		attribute.Int("credits", int(credits)),
	)

	amountCents, ok := creditPacks[credits]
	if !ok {
		span.SetStatus(codes.Error, "unknown credit pack")
		return "", fmt.Errorf("%w: unknown credit pack %d", pkgerrors.ErrInvalidInput, credits)
	}

	session, err := s.stripeClient.CreateCheckoutSession(ctx, accountID, credits, amountCents, s.successURL, s.cancelURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkout session failed")
		slog.Error("failed to create checkout session", "account_id", accountID, "credits", credits, "error", err)
		return "", err
	}

	slog.Info("checkout session created", "account_id", accountID, "credits", credits, "session_id", session.ID)
	return session.URL, nil
}

// HandleWebhook verifies the provider signature and applies the purchase.
// The checkout session id is the idempotency key, so redelivered webhooks
// cannot credit an account twice.
func (s *paymentService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "HandleWebhook")
	defer span.End()

	event, err := s.stripeClient.VerifyWebhook(payload, signature)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook verification failed")
		slog.Error("webhook verification failed", "error", err)
		return fmt.Errorf("%w: %s", pkgerrors.ErrInvalidInput, err)
	}

	if event.Type != "checkout.session.completed" {
		slog.Info("ignoring webhook event", "type", event.Type)
		return nil
	}

	var session struct {
		ID            string `json:"id"`
		PaymentIntent string `json:"payment_intent"`
		AmountTotal   int64  `json:"amount_total"`
		Metadata      struct {
			AccountID int32 `json:"account_id,string"`
			Credits   int32 `json:"credits,string"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		span.RecordError(err)
		slog.Error("failed to decode checkout session", "event_id", event.ID, "error", err)
		return fmt.Errorf("%w: failed to decode checkout session", pkgerrors.ErrInvalidInput)
	}
	if session.Metadata.AccountID == 0 || session.Metadata.Credits <= 0 {
		span.SetStatus(codes.Error, "missing metadata")
		slog.Error("checkout session missing account or credits", "event_id", event.ID, "session_id", session.ID)
		return fmt.Errorf("%w: missing account_id or credits in session metadata", pkgerrors.ErrInvalidInput)
	}

	_, err = s.ledger.Apply(ctx, session.Metadata.AccountID, session.Metadata.Credits, models.KindPurchase, &models.PurchaseMetadata{
		PaymentSessionID: session.ID,
		PaymentIntentID:  session.PaymentIntent,
		AmountPaidCents:  session.AmountTotal,
	}, "checkout-"+session.ID)
	if stderrors.Is(err, pkgerrors.ErrDuplicateRequest) {
		slog.Info("webhook already processed", "session_id", session.ID)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to apply purchase")
		slog.Error("failed to apply purchase",
			"account_id", session.Metadata.AccountID,
			"credits", session.Metadata.Credits,
			"session_id", session.ID,
			"error", err)
		return err
	}

	slog.Info("credits purchased",
		"account_id", session.Metadata.AccountID,
		"credits", session.Metadata.Credits,
		"session_id", session.ID)
	return nil
}

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
	"github.com/amethystlabs/amethyst-backend/internal/models"
	"github.com/amethystlabs/amethyst-backend/internal/repository"
	pkgerrors "github.com/amethystlabs/amethyst-backend/pkg/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const reconciliationTopic = "reconciliation"

// Credit cost per request shape. Computed once at orchestration entry so the
// refund amount always matches the debit.
const (
	costTextOnly      int32 = 1
	costWithReference int32 = 2
)

// Orchestration states. Every request reaches one of the three terminal
// states; nothing is left parked in flight.
type GenerationState string

const (
	StateIdle               GenerationState = "idle"
	StateCreditsReserved    GenerationState = "credits_reserved"
	StateGenerationInFlight GenerationState = "generation_in_flight"
	StateCommitted          GenerationState = "committed"
	StateRefunded           GenerationState = "refunded"
	StateRefundFailed       GenerationState = "refund_failed"
)

// GenerationProvider is the external inference API: blocking submit-and-poll
// behind a single call bounded by ctx.
type GenerationProvider interface {
	Generate(ctx context.Context, prompt, referenceImage string, params models.GenerationParams) (jobID string, artifactURLs []string, err error)
}

type GenerationRequest struct {
	Prompt            string                  `json:"prompt"`
	ReferenceImageURL string                  `json:"reference_image_url,omitempty"`
	Params            models.GenerationParams `json:"params"`
}

// RequiredCredits implements the cost policy: a reference image costs more
// than a text-only prompt.
func (r GenerationRequest) RequiredCredits() int32 {
	if r.ReferenceImageURL != "" {
		return costWithReference
	}
	return costTextOnly
}

type GenerationService interface {
	Generate(ctx context.Context, accountID int32, req GenerationRequest) (*models.Generation, error)
	GetHistory(ctx context.Context, accountID int32, limit int) ([]models.Generation, error)
	ListAll(ctx context.Context, limit int) ([]models.Generation, error)
	Delete(ctx context.Context, id int32) error
	Restore(ctx context.Context, id int32) error
}

type generationService struct {
	ledger         LedgerService
	generationRepo repository.GenerationRepository
	provider       GenerationProvider
	kafkaProducer  kafka.KafkaProducer
	timeout        time.Duration
}

func NewGenerationService(
	ledger LedgerService,
	generationRepo repository.GenerationRepository,
	provider GenerationProvider,
	kafkaProducer kafka.KafkaProducer,
	timeout time.Duration,
) *generationService {
	return &generationService{
		ledger:         ledger,
		generationRepo: generationRepo,
		provider:       provider,
		kafkaProducer:  kafkaProducer,
		timeout:        timeout,
	}
}

// Generate drives one request through the lifecycle: reserve credits, call
// the provider, then either commit the record or refund the debit. The
// ledger's atomic apply is the only concurrency control; no lock is held
// across the provider await.
func (s *generationService) Generate(ctx context.Context, accountID int32, req GenerationRequest) (*models.Generation, error) {
	tracer := otel.Tracer("generation-service")
	ctx, span := tracer.Start(ctx, "Generate")
	defer span.End()

	start := time.Now()
	defer func() {
		observability.GenerationDuration.Observe(time.Since(start).Seconds())
	}()

	if req.Prompt == "" {
		span.SetStatus(codes.Error, "empty prompt")
		return nil, fmt.Errorf("%w: prompt is required", pkgerrors.ErrInvalidInput)
	}

	state := StateIdle
	cost := req.RequiredCredits()
	debitKey := uuid.NewString()
	span.SetAttributes(
		attribute.Int("account_id", int(accountID)),
		attribute.Int("required_credits", int(cost)),
		attribute.Bool("has_reference_image", req.ReferenceImageURL != ""),
	)

	debit, err := s.ledger.Apply(ctx, accountID, -cost, models.KindGeneration, &models.GenerationMetadata{
		Prompt:            req.Prompt,
		HasReferenceImage: req.ReferenceImageURL != "",
	}, debitKey)
	if err != nil {
		if stderrors.Is(err, pkgerrors.ErrInsufficientBalance) {
			observability.GenerationOutcomes.WithLabelValues("insufficient_balance").Inc()
			slog.Warn("generation rejected, insufficient balance",
				"account_id", accountID,
				"required_credits", cost)
			span.SetStatus(codes.Error, "insufficient balance")
			return nil, err
		}
		observability.GenerationOutcomes.WithLabelValues("debit_failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "debit failed")
		slog.Error("failed to reserve credits", "account_id", accountID, "error", err)
		return nil, err
	}
	state = StateCreditsReserved

	providerCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	state = StateGenerationInFlight
	jobID, artifactURLs, genErr := s.provider.Generate(providerCtx, req.Prompt, req.ReferenceImageURL, req.Params)

	if genErr == nil {
		gen := &models.Generation{
			AccountID:         accountID,
			Prompt:            req.Prompt,
			Params:            req.Params,
			ReferenceImageURL: req.ReferenceImageURL,
			ArtifactURLs:      artifactURLs,
			TransactionID:     debit.ID,
		}
		if persistErr := s.generationRepo.Create(ctx, gen); persistErr != nil {
			// The artifacts exist but nothing durable links them to the
			// account; treat it like a provider failure and give the credits
			// back.
			slog.Error("failed to persist generation, refunding",
				"account_id", accountID,
				"job_id", jobID,
				"error", persistErr)
			genErr = persistErr
		} else {
			state = StateCommitted
			observability.GenerationOutcomes.WithLabelValues("committed").Inc()
			slog.Info("generation committed",
				"account_id", accountID,
				"generation_id", gen.ID,
				"transaction_id", debit.ID,
				"job_id", jobID,
				"artifacts", len(artifactURLs),
				"duration", time.Since(start))
			return gen, nil
		}
	}

	// Compensating refund. The key is derived from the debit key so the
	// reconciliation retry path stays idempotent.
	reason := genErr.Error()
	refundKey := "refund-" + debitKey
	_, refundErr := s.ledger.Refund(ctx, accountID, cost, debit.ID, reason, refundKey)
	if refundErr != nil && !stderrors.Is(refundErr, pkgerrors.ErrDuplicateRequest) {
		state = StateRefundFailed
		observability.GenerationOutcomes.WithLabelValues("refund_failed").Inc()
		observability.RefundFailures.WithLabelValues("orchestrator").Inc()
		slog.Error("refund failed after generation error, escalating",
			"account_id", accountID,
			"amount", cost,
			"original_transaction_id", debit.ID,
			"generation_error", genErr,
			"refund_error", refundErr)
		s.publishRefundIntent(accountID, cost, debit.ID, reason, refundKey)
		span.SetStatus(codes.Error, "refund failed")
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrRefundFailed, reason)
	}

	state = StateRefunded
	observability.GenerationOutcomes.WithLabelValues("refunded").Inc()
	slog.Warn("generation failed, credits refunded",
		"account_id", accountID,
		"amount", cost,
		"original_transaction_id", debit.ID,
		"state", state,
		"error", genErr)
	span.RecordError(genErr)
	span.SetStatus(codes.Error, "generation failed")
	return nil, fmt.Errorf("%w: %s", pkgerrors.ErrProviderFailure, reason)
}

func (s *generationService) publishRefundIntent(accountID, amount, originalTxID int32, reason, idempotencyKey string) {
	event := kafka.RefundIntentEvent{
		AccountID:             accountID,
		Amount:                amount,
		OriginalTransactionID: originalTxID,
		Reason:                reason,
		IdempotencyKey:        idempotencyKey,
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal refund intent", "account_id", accountID, "error", err)
		return
	}
	if err := s.kafkaProducer.Send(context.Background(), reconciliationTopic, int64(originalTxID), eventBytes); err != nil {
		slog.Error("failed to publish refund intent, manual reconciliation required",
			"account_id", accountID,
			"amount", amount,
			"original_transaction_id", originalTxID,
			"error", err)
	}
}

func (s *generationService) GetHistory(ctx context.Context, accountID int32, limit int) ([]models.Generation, error) {
	gens, err := s.generationRepo.ListByAccount(ctx, accountID, limit)
	if err != nil {
		slog.Error("failed to list generations", "account_id", accountID, "error", err)
		return nil, err
	}
	return gens, nil
}

func (s *generationService) ListAll(ctx context.Context, limit int) ([]models.Generation, error) {
	gens, err := s.generationRepo.ListAll(ctx, limit)
	if err != nil {
		slog.Error("failed to list all generations", "error", err)
		return nil, err
	}
	return gens, nil
}

// Delete sets the moderation tombstone. It never touches the ledger.
func (s *generationService) Delete(ctx context.Context, id int32) error {
	if err := s.generationRepo.SoftDelete(ctx, id); err != nil {
		slog.Error("failed to delete generation", "generation_id", id, "error", err)
		return err
	}
	slog.Info("generation deleted", "generation_id", id)
	return nil
}

func (s *generationService) Restore(ctx context.Context, id int32) error {
	if err := s.generationRepo.Restore(ctx, id); err != nil {
		slog.Error("failed to restore generation", "generation_id", id, "error", err)
		return err
	}
	slog.Info("generation restored", "generation_id", id)
	return nil
}

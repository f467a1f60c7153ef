package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/amethystlabs/amethyst-backend/internal/infrastructure/kafka"
	"github.com/amethystlabs/amethyst-backend/internal/models"
	pkgerrors "github.com/amethystlabs/amethyst-backend/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu        sync.Mutex
	calls     int
	jobID     string
	artifacts []string
	err       error
	delay     time.Duration
}

func (f *fakeProvider) Generate(ctx context.Context, prompt, referenceImage string, params models.GenerationParams) (string, []string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
	if f.err != nil {
		return "", nil, f.err
	}
	return f.jobID, f.artifacts, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGenerationRepo struct {
	mu        sync.Mutex
	gens      map[int32]*models.Generation
	nextID    int32
	createErr error
}

func newFakeGenerationRepo() *fakeGenerationRepo {
	return &fakeGenerationRepo{gens: make(map[int32]*models.Generation)}
}

func (f *fakeGenerationRepo) Create(ctx context.Context, gen *models.Generation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	gen.ID = f.nextID
	gen.CreatedAt = time.Now()
	stored := *gen
	f.gens[gen.ID] = &stored
	return nil
}

func (f *fakeGenerationRepo) GetByID(ctx context.Context, id int32) (*models.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gen, ok := f.gens[id]
	if !ok {
		return nil, pkgerrors.ErrGenerationNotFound
	}
	return gen, nil
}

func (f *fakeGenerationRepo) ListByAccount(ctx context.Context, accountID int32, limit int) ([]models.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Generation
	for id := f.nextID; id >= 1; id-- {
		gen, ok := f.gens[id]
		if ok && gen.AccountID == accountID && gen.DeletedAt == nil {
			out = append(out, *gen)
		}
	}
	return out, nil
}

func (f *fakeGenerationRepo) ListAll(ctx context.Context, limit int) ([]models.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Generation
	for id := f.nextID; id >= 1; id-- {
		if gen, ok := f.gens[id]; ok {
			out = append(out, *gen)
		}
	}
	return out, nil
}

func (f *fakeGenerationRepo) SoftDelete(ctx context.Context, id int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	gen, ok := f.gens[id]
	if !ok || gen.DeletedAt != nil {
		return pkgerrors.ErrGenerationNotFound
	}
	now := time.Now()
	gen.DeletedAt = &now
	return nil
}

func (f *fakeGenerationRepo) Restore(ctx context.Context, id int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	gen, ok := f.gens[id]
	if !ok || gen.DeletedAt == nil {
		return pkgerrors.ErrGenerationNotFound
	}
	gen.DeletedAt = nil
	return nil
}

// newGenerationFixture wires a generation service over the in-memory ledger so
// tests observe real debit/refund ordering instead of stubbed calls.
func newGenerationFixture(balances map[int32]int32) (*generationService, *fakeLedgerRepo, *fakeGenerationRepo, *fakeProvider, *fakeProducer) {
	ledgerRepo := newFakeLedgerRepo(balances)
	producer := &fakeProducer{}
	ledger := NewLedgerService(ledgerRepo, &fakeAccountRepo{}, newFakeRedis(), producer)
	genRepo := newFakeGenerationRepo()
	provider := &fakeProvider{jobID: "job-1", artifacts: []string{"https://cdn.example.com/out-0.webp"}}
	svc := NewGenerationService(ledger, genRepo, provider, producer, 5*time.Second)
	return svc, ledgerRepo, genRepo, provider, producer
}

func TestGenerationService_Generate(t *testing.T) {
	ctx := context.Background()

	t.Run("CommitsOnSuccess", func(t *testing.T) {
		svc, ledgerRepo, genRepo, _, _ := newGenerationFixture(map[int32]int32{1: 10})

		gen, err := svc.Generate(ctx, 1, GenerationRequest{Prompt: "an amethyst cavern"})
		require.NoError(t, err)
		assert.Equal(t, []string{"https://cdn.example.com/out-0.webp"}, gen.ArtifactURLs)
		assert.Equal(t, int32(9), ledgerRepo.balance(1), "text-only request costs one credit")

		debit, err := ledgerRepo.GetByID(ctx, gen.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, int32(-1), debit.Amount)
		assert.Equal(t, models.KindGeneration, debit.Kind)

		stored, err := genRepo.GetByID(ctx, gen.ID)
		require.NoError(t, err)
		assert.Equal(t, debit.ID, stored.TransactionID)
	})

	t.Run("ReferenceImageCostsTwo", func(t *testing.T) {
		svc, ledgerRepo, _, _, _ := newGenerationFixture(map[int32]int32{1: 10})

		_, err := svc.Generate(ctx, 1, GenerationRequest{
			Prompt:            "restyle this photo",
			ReferenceImageURL: "https://cdn.example.com/ref.png",
		})
		require.NoError(t, err)
		assert.Equal(t, int32(8), ledgerRepo.balance(1))
	})

	t.Run("EmptyPrompt", func(t *testing.T) {
		svc, ledgerRepo, _, provider, _ := newGenerationFixture(map[int32]int32{1: 10})

		_, err := svc.Generate(ctx, 1, GenerationRequest{})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
		assert.Equal(t, int32(10), ledgerRepo.balance(1))
		assert.Zero(t, provider.callCount())
	})

	t.Run("InsufficientBalanceNeverCallsProvider", func(t *testing.T) {
		svc, ledgerRepo, _, provider, _ := newGenerationFixture(map[int32]int32{1: 0})

		_, err := svc.Generate(ctx, 1, GenerationRequest{Prompt: "a prompt"})
		assert.ErrorIs(t, err, pkgerrors.ErrInsufficientBalance)
		assert.Equal(t, int32(0), ledgerRepo.balance(1))
		assert.Zero(t, provider.callCount())
	})

	t.Run("RefundsOnProviderFailure", func(t *testing.T) {
		svc, ledgerRepo, genRepo, provider, _ := newGenerationFixture(map[int32]int32{1: 5})
		provider.err = fmt.Errorf("prediction failed: NSFW content detected")

		_, err := svc.Generate(ctx, 1, GenerationRequest{Prompt: "a prompt"})
		assert.ErrorIs(t, err, pkgerrors.ErrProviderFailure)
		assert.Equal(t, int32(5), ledgerRepo.balance(1), "debit and refund must cancel out")
		assert.Empty(t, genRepo.gens)

		history, err := ledgerRepo.ListByAccount(ctx, 1, 10)
		require.NoError(t, err)
		require.Len(t, history, 2, "both the debit and the refund stay on the ledger")
		assert.Equal(t, models.KindRefund, history[0].Kind)
		assert.Equal(t, models.KindGeneration, history[1].Kind)

		meta, ok := history[0].Metadata.(*models.RefundMetadata)
		require.True(t, ok)
		assert.Equal(t, history[1].ID, meta.OriginalTransactionID)
	})

	t.Run("RefundsOnPersistFailure", func(t *testing.T) {
		svc, ledgerRepo, genRepo, _, _ := newGenerationFixture(map[int32]int32{1: 5})
		genRepo.createErr = fmt.Errorf("connection reset")

		_, err := svc.Generate(ctx, 1, GenerationRequest{Prompt: "a prompt"})
		assert.ErrorIs(t, err, pkgerrors.ErrProviderFailure)
		assert.Equal(t, int32(5), ledgerRepo.balance(1))
	})

	t.Run("EscalatesWhenRefundFails", func(t *testing.T) {
		svc, ledgerRepo, _, provider, producer := newGenerationFixture(map[int32]int32{1: 5})
		provider.err = fmt.Errorf("prediction failed")
		ledgerRepo.failRefunds = true

		_, err := svc.Generate(ctx, 1, GenerationRequest{Prompt: "a prompt"})
		assert.ErrorIs(t, err, pkgerrors.ErrRefundFailed)
		assert.Equal(t, int32(4), ledgerRepo.balance(1), "credits stay debited until reconciliation")

		intents := producer.sentTo("reconciliation")
		require.Len(t, intents, 1)
		var event kafka.RefundIntentEvent
		require.NoError(t, json.Unmarshal(intents[0].value, &event))
		assert.Equal(t, int32(1), event.AccountID)
		assert.Equal(t, int32(1), event.Amount)
		assert.NotEmpty(t, event.IdempotencyKey)

		// The escalated intent must heal once the ledger comes back.
		ledgerRepo.failRefunds = false
		ledger := NewLedgerService(ledgerRepo, &fakeAccountRepo{}, newFakeRedis(), producer)
		_, refundErr := ledger.Refund(ctx, event.AccountID, event.Amount, event.OriginalTransactionID, event.Reason, event.IdempotencyKey)
		require.NoError(t, refundErr)
		assert.Equal(t, int32(5), ledgerRepo.balance(1))
	})

	t.Run("ConcurrentRequestsSpendLastCreditOnce", func(t *testing.T) {
		svc, ledgerRepo, _, provider, _ := newGenerationFixture(map[int32]int32{1: 1})
		provider.delay = 20 * time.Millisecond

		const requests = 8
		var wg sync.WaitGroup
		errs := make([]error, requests)
		for i := 0; i < requests; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = svc.Generate(ctx, 1, GenerationRequest{Prompt: "a prompt"})
			}(i)
		}
		wg.Wait()

		succeeded, rejected := 0, 0
		for _, err := range errs {
			if err == nil {
				succeeded++
			} else if assert.ErrorIs(t, err, pkgerrors.ErrInsufficientBalance) {
				rejected++
			}
		}
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, requests-1, rejected)
		assert.Equal(t, int32(0), ledgerRepo.balance(1))
		assert.Equal(t, 1, provider.callCount(), "rejected requests never reach the provider")
	})
}

func TestGenerationService_Moderation(t *testing.T) {
	ctx := context.Background()
	svc, ledgerRepo, _, _, _ := newGenerationFixture(map[int32]int32{1: 10})

	gen, err := svc.Generate(ctx, 1, GenerationRequest{Prompt: "a prompt"})
	require.NoError(t, err)
	balanceAfter := ledgerRepo.balance(1)

	t.Run("DeleteHidesFromOwnerHistory", func(t *testing.T) {
		require.NoError(t, svc.Delete(ctx, gen.ID))

		history, err := svc.GetHistory(ctx, 1, 10)
		require.NoError(t, err)
		assert.Empty(t, history)

		all, err := svc.ListAll(ctx, 10)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.NotNil(t, all[0].DeletedAt, "moderators still see the tombstoned row")
		assert.Equal(t, balanceAfter, ledgerRepo.balance(1), "moderation never touches the ledger")
	})

	t.Run("DeleteTwiceFails", func(t *testing.T) {
		assert.ErrorIs(t, svc.Delete(ctx, gen.ID), pkgerrors.ErrGenerationNotFound)
	})

	t.Run("RestoreBringsItBack", func(t *testing.T) {
		require.NoError(t, svc.Restore(ctx, gen.ID))

		history, err := svc.GetHistory(ctx, 1, 10)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Nil(t, history[0].DeletedAt)
		assert.Equal(t, balanceAfter, ledgerRepo.balance(1))
	})

	t.Run("RestoreUnknownID", func(t *testing.T) {
		assert.ErrorIs(t, svc.Restore(ctx, 999), pkgerrors.ErrGenerationNotFound)
	})
}

func TestGenerationRequest_RequiredCredits(t *testing.T) {
	assert.Equal(t, int32(1), GenerationRequest{Prompt: "p"}.RequiredCredits())
	assert.Equal(t, int32(2), GenerationRequest{Prompt: "p", ReferenceImageURL: "https://x/ref.png"}.RequiredCredits())
}

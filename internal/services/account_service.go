package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/amethystlabs/amethyst-backend/internal/infrastructure/kafka"
	"github.com/amethystlabs/amethyst-backend/internal/infrastructure/redis"
	"github.com/amethystlabs/amethyst-backend/internal/models"
	"github.com/amethystlabs/amethyst-backend/internal/repository"
	pkgerrors "github.com/amethystlabs/amethyst-backend/pkg/errors"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/crypto/bcrypt"
)

const (
	accountsTopic = "accounts"

	signupBonusCredits int32 = 10
	adWatchCredits     int32 = 5

	tokenTTL = time.Hour
)

type AccountService interface {
	Register(ctx context.Context, email, password string) (string, error)
	Login(ctx context.Context, email, password string) (string, error)
	Logout(ctx context.Context, accountID int32) error
	GetProfile(ctx context.Context, accountID int32) (*models.Account, error)
	WatchAd(ctx context.Context, accountID int32, adViewID string) (*models.Transaction, error)
}

type accountService struct {
	accountRepo   repository.AccountRepository
	ledger        LedgerService
	redisClient   redis.RedisClient
	kafkaProducer kafka.KafkaProducer
	jwtSecret     string
}

func NewAccountService(
	accountRepo repository.AccountRepository,
	ledger LedgerService,
	redisClient redis.RedisClient,
	kafkaProducer kafka.KafkaProducer,
	jwtSecret string,
) *accountService {
	return &accountService{
		accountRepo:   accountRepo,
		ledger:        ledger,
		redisClient:   redisClient,
		kafkaProducer: kafkaProducer,
		jwtSecret:     jwtSecret,
	}
}

func (s *accountService) Register(ctx context.Context, email, password string) (string, error) {
	tracer := otel.Tracer("account-service")
	ctx, span := tracer.Start(ctx, "Register")
	defer span.End()

	if email == "" || password == "" {
		span.SetStatus(codes.Error, "empty email or password")
		return "", pkgerrors.ErrInvalidInput
	}

	existing, err := s.accountRepo.GetByEmail(ctx, email)
	if existing != nil {
		span.SetStatus(codes.Error, "email already registered")
		slog.Warn("email already registered", "email", email, "existing_id", existing.ID)
		return "", pkgerrors.ErrEmailExists
	}
	if err != nil && !stderrors.Is(err, pkgerrors.ErrAccountNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "account check failed")
		slog.Error("failed to check account existence", "email", email, "error", err)
		return "", fmt.Errorf("%w: failed to check account existence", pkgerrors.ErrInternal)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "password hashing failed")
		slog.Error("failed to hash password", "email", email, "error", err)
		return "", fmt.Errorf("%w: failed to hash password", pkgerrors.ErrInternal)
	}

	account := &models.Account{
		Email:        email,
		PasswordHash: string(hash),
		Role:         models.RoleUser,
	}
	if err := s.accountRepo.Create(ctx, account); err != nil {
		if stderrors.Is(err, pkgerrors.ErrEmailExists) {
			return "", err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "account creation failed")
		slog.Error("failed to create account", "email", email, "error", err)
		return "", fmt.Errorf("%w: failed to create account", pkgerrors.ErrInternal)
	}

	// Signup bonus goes through the ledger like every other balance change.
	bonusKey := fmt.Sprintf("signup-%d", account.ID)
	if _, err := s.ledger.Apply(ctx, account.ID, signupBonusCredits, models.KindBonus, &models.BonusMetadata{Reason: "signup"}, bonusKey); err != nil && !stderrors.Is(err, pkgerrors.ErrDuplicateRequest) {
		slog.Error("failed to grant signup bonus", "account_id", account.ID, "error", err)
	}

	event := map[string]interface{}{
		"event_type": "account_registered",
		"account_id": account.ID,
		"email":      email,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to marshal kafka event", "account_id", account.ID, "error", err)
	} else {
		go func() {
			retries := 3
			for i := 0; i < retries; i++ {
				if err := s.kafkaProducer.Send(context.Background(), accountsTopic, int64(account.ID), eventBytes); err == nil {
					slog.Info("account registration event sent", "account_id", account.ID, "email", email)
					return
				}
				time.Sleep(time.Second * time.Duration(i+1))
			}
			slog.Error("failed to send account registration event after retries", "account_id", account.ID, "email", email)
		}()
	}

	slog.Info("account registered", "account_id", account.ID, "email", email)
	return s.issueToken(ctx, account)
}

func (s *accountService) Login(ctx context.Context, email, password string) (string, error) {
	tracer := otel.Tracer("account-service")
	ctx, span := tracer.Start(ctx, "Login")
	defer span.End()

	account, err := s.accountRepo.GetByEmail(ctx, email)
	if err != nil {
		slog.Error("failed to login", "email", email, "error", err)
		return "", pkgerrors.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		slog.Error("invalid password", "email", email)
		return "", pkgerrors.ErrInvalidCredentials
	}

	slog.Info("account logged in", "email", email, "account_id", account.ID)
	return s.issueToken(ctx, account)
}

func (s *accountService) Logout(ctx context.Context, accountID int32) error {
	tokenKey := fmt.Sprintf("account:%d:token", accountID)
	if err := s.redisClient.Del(ctx, tokenKey); err != nil {
		slog.Error("failed to revoke token", "account_id", accountID, "error", err)
		return err
	}
	slog.Info("account logged out", "account_id", accountID)
	return nil
}

func (s *accountService) GetProfile(ctx context.Context, accountID int32) (*models.Account, error) {
	account, err := s.accountRepo.GetByID(ctx, accountID)
	if err != nil {
		slog.Error("failed to get profile", "account_id", accountID, "error", err)
		return nil, err
	}
	return account, nil
}

// WatchAd rewards an ad view once: the ad view id doubles as the idempotency
// key, so replaying the same view does not pay twice.
func (s *accountService) WatchAd(ctx context.Context, accountID int32, adViewID string) (*models.Transaction, error) {
	if adViewID == "" {
		return nil, fmt.Errorf("%w: ad view id is required", pkgerrors.ErrInvalidInput)
	}
	tx, err := s.ledger.Apply(ctx, accountID, adWatchCredits, models.KindAdWatch, &models.AdWatchMetadata{AdViewID: adViewID}, "ad-"+adViewID)
	if err != nil {
		return tx, err
	}
	slog.Info("ad watch reward granted", "account_id", accountID, "ad_view_id", adViewID, "transaction_id", tx.ID)
	return tx, nil
}

func (s *accountService) issueToken(ctx context.Context, account *models.Account) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"account_id": account.ID,
		"role":       string(account.Role),
		"exp":        time.Now().Add(tokenTTL).Unix(),
	})
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		slog.Error("failed to generate JWT", "account_id", account.ID, "error", err)
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	tokenKey := fmt.Sprintf("account:%d:token", account.ID)
	if err := s.redisClient.Set(ctx, tokenKey, tokenString, tokenTTL); err != nil {
		slog.Error("failed to cache token", "account_id", account.ID, "error", err)
	}
	return tokenString, nil
}

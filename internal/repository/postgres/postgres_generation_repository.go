package repository

import (
	"context"
	"database/sql"
	"encoding/json"
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

type PostgresGenerationRepository struct {
	db *sql.DB
}

func NewPostgresGenerationRepository(db *sql.DB) *PostgresGenerationRepository {
	return &PostgresGenerationRepository{db: db}
}

func (r *PostgresGenerationRepository) Create(ctx context.Context, gen *models.Generation) error {
	var err error
	tracer := otel.Tracer("generation-repository")
	ctx, span := tracer.Start(ctx, "CreateGeneration")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("CreateGeneration", status).Inc()
		observability.RepositoryDuration.WithLabelValues("CreateGeneration").Observe(time.Since(start).Seconds())
	}()

	if gen == nil {
		err = fmt.Errorf("generation is nil")
		return err
	}
	if gen.Prompt == "" {
		err = fmt.Errorf("prompt is required")
		return err
	}

	params, err := json.Marshal(gen.Params)
	if err != nil {
		slog.Error("failed to encode generation params", "method", "Create", "error", err)
		return fmt.Errorf("failed to encode generation params: %w", err)
	}

	span.SetAttributes(
		attribute.Int("account_id", int(gen.AccountID)),
		attribute.Int("transaction_id", int(gen.TransactionID)),
	)

	query := `
		INSERT INTO generations (account_id, prompt, params, reference_image_url, artifact_urls, transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	refImage := sql.NullString{String: gen.ReferenceImageURL, Valid: gen.ReferenceImageURL != ""}
	err = r.db.QueryRowContext(ctx, query, gen.AccountID, gen.Prompt, params, refImage, pq.Array(gen.ArtifactURLs), gen.TransactionID).
		Scan(&gen.ID, &gen.CreatedAt)
	if err != nil {
		slog.Error("failed to create generation", "method", "Create", "account_id", gen.AccountID, "error", err)
		return fmt.Errorf("failed to create generation: %w", err)
	}

	slog.Info("generation created", "method", "Create", "id", gen.ID, "account_id", gen.AccountID, "transaction_id", gen.TransactionID)
	return nil
}

func (r *PostgresGenerationRepository) GetByID(ctx context.Context, id int32) (*models.Generation, error) {
	query := `
		SELECT id, account_id, prompt, params, COALESCE(reference_image_url, ''), artifact_urls, transaction_id, created_at, deleted_at
		FROM generations WHERE id = $1
	`
	gen, err := scanGeneration(r.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrGenerationNotFound
	}
	if err != nil {
		slog.Error("failed to get generation", "method", "GetByID", "generation_id", id, "error", err)
		return nil, fmt.Errorf("failed to get generation by id: %w", err)
	}
	return gen, nil
}

func (r *PostgresGenerationRepository) ListByAccount(ctx context.Context, accountID int32, limit int) ([]models.Generation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, account_id, prompt, params, COALESCE(reference_image_url, ''), artifact_urls, transaction_id, created_at, deleted_at
		FROM generations
		WHERE account_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	return r.list(ctx, query, accountID, limit)
}

func (r *PostgresGenerationRepository) ListAll(ctx context.Context, limit int) ([]models.Generation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, account_id, prompt, params, COALESCE(reference_image_url, ''), artifact_urls, transaction_id, created_at, deleted_at
		FROM generations
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`
	return r.list(ctx, query, limit)
}

func (r *PostgresGenerationRepository) SoftDelete(ctx context.Context, id int32) error {
	return r.setTombstone(ctx, "SoftDelete", `UPDATE generations SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
}

func (r *PostgresGenerationRepository) Restore(ctx context.Context, id int32) error {
	return r.setTombstone(ctx, "Restore", `UPDATE generations SET deleted_at = NULL WHERE id = $1 AND deleted_at IS NOT NULL`, id)
}

func (r *PostgresGenerationRepository) setTombstone(ctx context.Context, method, query string, id int32) error {
	var err error
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		observability.RepositoryCalls.WithLabelValues(method, status).Inc()
		observability.RepositoryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		slog.Error("failed to update tombstone", "method", method, "generation_id", id, "error", err)
		return fmt.Errorf("failed to update tombstone: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		err = pkgerrors.ErrGenerationNotFound
		return err
	}
	slog.Info("generation tombstone updated", "method", method, "generation_id", id)
	return nil
}

func (r *PostgresGenerationRepository) list(ctx context.Context, query string, args ...any) ([]models.Generation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("failed to list generations", "error", err)
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	defer rows.Close()

	var gens []models.Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			slog.Error("failed to scan generation", "error", err)
			return nil, fmt.Errorf("failed to scan generation: %w", err)
		}
		gens = append(gens, *gen)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate generations: %w", err)
	}
	return gens, nil
}

func scanGeneration(row rowScanner) (*models.Generation, error) {
	var gen models.Generation
	var params []byte
	var deletedAt sql.NullTime
	err := row.Scan(
		&gen.ID,
		&gen.AccountID,
		&gen.Prompt,
		&params,
		&gen.ReferenceImageURL,
		pq.Array(&gen.ArtifactURLs),
		&gen.TransactionID,
		&gen.CreatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &gen.Params); err != nil {
			return nil, fmt.Errorf("failed to decode generation params: %w", err)
		}
	}
	if deletedAt.Valid {
		gen.DeletedAt = &deletedAt.Time
	}
	return &gen, nil
}

package repository

import (
	"context"

	"github.com/amethystlabs/amethyst-backend/internal/models"
)

type GenerationRepository interface {
	Create(ctx context.Context, gen *models.Generation) error
	GetByID(ctx context.Context, id int32) (*models.Generation, error)
	ListByAccount(ctx context.Context, accountID int32, limit int) ([]models.Generation, error)
	// ListAll includes tombstoned rows, for moderation views.
	ListAll(ctx context.Context, limit int) ([]models.Generation, error)
	SoftDelete(ctx context.Context, id int32) error
	Restore(ctx context.Context, id int32) error
}

package repository

import (
	"context"

	"github.com/amethystlabs/amethyst-backend/internal/models"
)

type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id int32) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetBalance(ctx context.Context, id int32) (int32, error)
}

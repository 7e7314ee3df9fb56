package storageconfigs

import (
	"context"

	"github.com/dmitrijs2005/notebookhub/internal/server/models"
)

// Repository is the persistent configuration store. Lookups return
// common.ErrorNotFound when there is no row.
type Repository interface {
	GetPersonal(ctx context.Context, tenant string) (*models.StorageConfigRecord, error)
	GetSystemDefault(ctx context.Context) (*models.StorageConfigRecord, error)
	SavePersonal(ctx context.Context, rec *models.StorageConfigRecord) error
	DeletePersonal(ctx context.Context, tenant string) error
	DeactivateSystemDefaults(ctx context.Context) error
	InsertSystemDefault(ctx context.Context, rec *models.StorageConfigRecord) (int64, error)
}

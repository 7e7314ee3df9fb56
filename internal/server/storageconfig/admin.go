package storageconfig

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/notebookhub/internal/common"
	"github.com/dmitrijs2005/notebookhub/internal/dbx"
	"github.com/dmitrijs2005/notebookhub/internal/logging"
	"github.com/dmitrijs2005/notebookhub/internal/server/models"
	"github.com/dmitrijs2005/notebookhub/internal/server/repositories/repomanager"
)

// Admin is the write side of the configuration store.
type Admin struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	logger logging.Logger
}

func NewAdmin(db *sql.DB, repos repomanager.RepositoryManager, l logging.Logger) *Admin {
	return &Admin{db: db, repos: repos, logger: l.With("module", "storageconfig")}
}

// Store exposes the read side bound to the pool, for the Resolver.
func (a *Admin) Store() Store {
	return a.repos.StorageConfigs(a.db)
}

// SetPersonal stores the tenant's own settings. Endpoint and bucket are
// required, matching what the resolver accepts.
func (a *Admin) SetPersonal(ctx context.Context, tenant string, cfg models.StorageConfig) error {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return fmt.Errorf("endpoint and bucket are required: %w", common.ErrorValidation)
	}
	rec := record(cfg)
	rec.Tenant = tenant
	if err := a.repos.StorageConfigs(a.db).SavePersonal(ctx, rec); err != nil {
		return err
	}
	a.logger.Info(ctx, "personal storage config saved", "tenant", tenant, "bucket", cfg.Bucket)
	return nil
}

func (a *Admin) DeletePersonal(ctx context.Context, tenant string) error {
	if err := a.repos.StorageConfigs(a.db).DeletePersonal(ctx, tenant); err != nil {
		return err
	}
	a.logger.Info(ctx, "personal storage config deleted", "tenant", tenant)
	return nil
}

// SetSystemDefault replaces the active system default in one transaction.
// Earlier rows are kept inactive for history.
func (a *Admin) SetSystemDefault(ctx context.Context, cfg models.StorageConfig) (int64, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return 0, fmt.Errorf("bucket is required: %w", common.ErrorValidation)
	}

	var id int64
	err := dbx.WithTx(ctx, a.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := a.repos.StorageConfigs(tx)
		if err := repo.DeactivateSystemDefaults(ctx); err != nil {
			return err
		}
		var err error
		id, err = repo.InsertSystemDefault(ctx, record(cfg))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("set system default: %w", err)
	}
	a.logger.Info(ctx, "system storage config rotated", "id", id, "bucket", cfg.Bucket)
	return id, nil
}

// EnsureSystemDefault seeds cfg as the system default unless one exists or
// cfg has no bucket. It reports whether a row was written.
func (a *Admin) EnsureSystemDefault(ctx context.Context, cfg models.StorageConfig) (bool, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return false, nil
	}
	_, err := a.repos.StorageConfigs(a.db).GetSystemDefault(ctx)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, common.ErrorNotFound):
		return false, err
	}
	if _, err := a.SetSystemDefault(ctx, cfg); err != nil {
		return false, err
	}
	return true, nil
}

func record(cfg models.StorageConfig) *models.StorageConfigRecord {
	return &models.StorageConfigRecord{
		Endpoint:  strings.TrimSpace(cfg.Endpoint),
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Region:    strings.TrimSpace(cfg.Region),
		Bucket:    strings.TrimSpace(cfg.Bucket),
		Prefix:    cfg.Prefix,
	}
}

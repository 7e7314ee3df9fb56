// Package storageconfigs persists personal and system-wide storage
// configurations in PostgreSQL.
package storageconfigs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/notebookhub/internal/common"
	"github.com/dmitrijs2005/notebookhub/internal/cryptox"
	"github.com/dmitrijs2005/notebookhub/internal/dbx"
	"github.com/dmitrijs2005/notebookhub/internal/server/models"
)

// PostgresRepository works over a dbx.DBTX (*sql.DB or *sql.Tx). Secret
// keys are sealed on write and opened on read; the database never sees
// them in clear.
type PostgresRepository struct {
	db     dbx.DBTX
	sealer *cryptox.Sealer
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(db dbx.DBTX, sealer *cryptox.Sealer) *PostgresRepository {
	return &PostgresRepository{db: db, sealer: sealer}
}

const systemScope = "system"

func personalScope(tenant string) string { return "user:" + tenant }

func (r *PostgresRepository) seal(secret, scope string) (string, error) {
	sealed, err := r.sealer.Seal(secret, scope)
	if err != nil {
		return "", fmt.Errorf("seal secret key: %w", err)
	}
	return sealed, nil
}

func (r *PostgresRepository) open(rec *models.StorageConfigRecord, scope string) error {
	secret, err := r.sealer.Open(rec.SecretKey, scope)
	if err != nil {
		return fmt.Errorf("open secret key: %v: %w", err, common.ErrorInternal)
	}
	rec.SecretKey = secret
	return nil
}

func (r *PostgresRepository) GetPersonal(ctx context.Context, tenant string) (*models.StorageConfigRecord, error) {
	query := `SELECT tenant, endpoint, access_key, secret_key, region, bucket, prefix, updated_at
		FROM user_storage_configs WHERE tenant = $1`

	rec := &models.StorageConfigRecord{}
	err := r.db.QueryRowContext(ctx, query, tenant).Scan(
		&rec.Tenant, &rec.Endpoint, &rec.AccessKey, &rec.SecretKey, &rec.Region, &rec.Bucket, &rec.Prefix, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if err := r.open(rec, personalScope(tenant)); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetSystemDefault returns the single active system row.
func (r *PostgresRepository) GetSystemDefault(ctx context.Context) (*models.StorageConfigRecord, error) {
	query := `SELECT id, endpoint, access_key, secret_key, region, bucket, prefix, updated_at
		FROM system_storage_configs WHERE active ORDER BY id DESC LIMIT 1`

	rec := &models.StorageConfigRecord{}
	err := r.db.QueryRowContext(ctx, query).Scan(
		&rec.ID, &rec.Endpoint, &rec.AccessKey, &rec.SecretKey, &rec.Region, &rec.Bucket, &rec.Prefix, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if err := r.open(rec, systemScope); err != nil {
		return nil, err
	}
	return rec, nil
}

// SavePersonal upserts the tenant's row.
func (r *PostgresRepository) SavePersonal(ctx context.Context, rec *models.StorageConfigRecord) error {
	query := `
		INSERT INTO user_storage_configs (tenant, endpoint, access_key, secret_key, region, bucket, prefix, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (tenant)
		DO UPDATE SET
			endpoint = EXCLUDED.endpoint,
			access_key = EXCLUDED.access_key,
			secret_key = EXCLUDED.secret_key,
			region = EXCLUDED.region,
			bucket = EXCLUDED.bucket,
			prefix = EXCLUDED.prefix,
			updated_at = EXCLUDED.updated_at`

	secret, err := r.seal(rec.SecretKey, personalScope(rec.Tenant))
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query,
		rec.Tenant, rec.Endpoint, rec.AccessKey, secret, rec.Region, rec.Bucket, rec.Prefix); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// DeletePersonal removes the tenant's row; ErrorNotFound if there was none.
func (r *PostgresRepository) DeletePersonal(ctx context.Context, tenant string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM user_storage_configs WHERE tenant = $1`, tenant)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) DeactivateSystemDefaults(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE system_storage_configs SET active = false WHERE active`); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// InsertSystemDefault stores rec as the active system row and returns its id.
// Call DeactivateSystemDefaults first in the same transaction.
func (r *PostgresRepository) InsertSystemDefault(ctx context.Context, rec *models.StorageConfigRecord) (int64, error) {
	query := `
		INSERT INTO system_storage_configs (endpoint, access_key, secret_key, region, bucket, prefix, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, true, now())
		RETURNING id`

	secret, err := r.seal(rec.SecretKey, systemScope)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := r.db.QueryRowContext(ctx, query,
		rec.Endpoint, rec.AccessKey, secret, rec.Region, rec.Bucket, rec.Prefix).Scan(&id); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

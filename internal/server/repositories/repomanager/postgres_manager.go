// Package repomanager vends PostgreSQL repositories bound to a dbx.DBTX and
// runs the embedded goose migrations.
package repomanager

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dmitrijs2005/notebookhub/internal/cryptox"
	"github.com/dmitrijs2005/notebookhub/internal/dbx"
	"github.com/dmitrijs2005/notebookhub/internal/server/migrations"
	"github.com/dmitrijs2005/notebookhub/internal/server/repositories/storageconfigs"
)

type PostgresRepositoryManager struct {
	sealer *cryptox.Sealer
}

// StorageConfigs returns the configuration store bound to db, which may be a
// transaction.
func (m *PostgresRepositoryManager) StorageConfigs(db dbx.DBTX) storageconfigs.Repository {
	return storageconfigs.NewPostgresRepository(db, m.sealer)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// NewPostgresRepositoryManager vends repositories that seal secrets with
// sealer.
func NewPostgresRepositoryManager(sealer *cryptox.Sealer) *PostgresRepositoryManager {
	return &PostgresRepositoryManager{sealer: sealer}
}

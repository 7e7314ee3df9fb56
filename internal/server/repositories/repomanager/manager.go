package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/notebookhub/internal/dbx"
	"github.com/dmitrijs2005/notebookhub/internal/server/repositories/storageconfigs"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	StorageConfigs(db dbx.DBTX) storageconfigs.Repository
}

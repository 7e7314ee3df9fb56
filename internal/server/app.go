// Package server wires the notebookhub server together: configuration
// store, workspace bridge, transfer registry and executor, storage service
// and the HTTP API. It also owns graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/notebookhub/internal/cryptox"
	"github.com/dmitrijs2005/notebookhub/internal/logging"
	"github.com/dmitrijs2005/notebookhub/internal/server/config"
	"github.com/dmitrijs2005/notebookhub/internal/server/httpapi"
	"github.com/dmitrijs2005/notebookhub/internal/server/metrics"
	"github.com/dmitrijs2005/notebookhub/internal/server/models"
	"github.com/dmitrijs2005/notebookhub/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/notebookhub/internal/server/services"
	"github.com/dmitrijs2005/notebookhub/internal/server/storageconfig"
	"github.com/dmitrijs2005/notebookhub/internal/server/tasks"
	"github.com/dmitrijs2005/notebookhub/internal/server/transfers"
	"github.com/dmitrijs2005/notebookhub/internal/server/workspace"
)

// secretsSalt fixes the key derivation so sealed secrets survive restarts.
const secretsSalt = "notebookhub/storage-config-secrets"

type App struct {
	config   *config.Config
	logger   logging.Logger
	db       *sql.DB
	repos    repomanager.RepositoryManager
	admin    *storageconfig.Admin
	registry *tasks.Registry
	executor *transfers.Executor
	storage  *services.StorageService
}

func NewApp(c *config.Config) (*App, error) {

	logger, err := logging.New(os.Stdout, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger init error: %w", err)
	}

	sealer, err := cryptox.NewSealer(cryptox.DeriveKey([]byte(c.SecretKey), []byte(secretsSalt)))
	if err != nil {
		return nil, fmt.Errorf("sealer init error: %w", err)
	}

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	bridge, err := workspace.NewBridge(c.WorkspaceBase)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("workspace init error: %w", err)
	}

	repos := repomanager.NewPostgresRepositoryManager(sealer)
	admin := storageconfig.NewAdmin(db, repos, logger)

	registry := tasks.NewRegistry(
		tasks.WithRetention(c.TaskRetention),
		tasks.WithMaxPerTenant(c.MaxTasksPerTenant),
		tasks.WithEvictHook(func(t models.TransferTask) {
			metrics.TasksEvicted(1)
			if t.ArchivePath == "" {
				return
			}
			if err := os.Remove(t.ArchivePath); err != nil && !os.IsNotExist(err) {
				logger.Warn(context.Background(), "remove evicted archive", "token", t.Token, "error", err)
			}
		}),
	)

	executor := transfers.NewExecutor(registry, bridge, logger,
		transfers.WithChunkSize(int(c.ChunkSize)),
		transfers.WithMaxLifetime(c.MaxTaskLifetime),
		transfers.WithArchiveDir(c.ArchiveDir),
	)

	storage := services.NewStorageService(storageconfig.NewResolver(admin.Store()), admin,
		bridge, registry, executor, c, logger)

	return &App{
		config:   c,
		logger:   logger,
		db:       db,
		repos:    repos,
		admin:    admin,
		registry: registry,
		executor: executor,
		storage:  storage,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// prepare migrates the schema and seeds the system storage default from
// the bootstrap settings when the store has none.
func (app *App) prepare(ctx context.Context) error {
	if err := app.repos.RunMigrations(ctx, app.db); err != nil {
		return err
	}

	seeded, err := app.admin.EnsureSystemDefault(ctx, models.StorageConfig{
		Endpoint:  app.config.S3BaseEndpoint,
		AccessKey: app.config.S3RootUser,
		SecretKey: app.config.S3RootPassword,
		Region:    app.config.S3Region,
		Bucket:    app.config.S3Bucket,
		Prefix:    app.config.S3Prefix,
	})
	if err != nil {
		return fmt.Errorf("seed system storage config: %w", err)
	}
	if seeded {
		app.logger.Info(ctx, "system storage config seeded", "bucket", app.config.S3Bucket)
	}
	return nil
}

// Run blocks until a signal arrives or a component fails, then stops the
// HTTP server, cancels running transfers and waits for them to settle.
func (app *App) Run(ctx context.Context) error {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	defer app.db.Close()

	if err := app.prepare(ctx); err != nil {
		return err
	}

	srv := httpapi.NewServer(app.config.EndpointAddrHTTP, app.logger, app.storage, app.config.SecretKey)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		app.registry.Run(gctx, app.config.SweepInterval)
		return nil
	})

	err := g.Wait()

	app.executor.Close()
	app.executor.Wait()
	app.logger.Info(context.Background(), "App stopped")

	return err
}

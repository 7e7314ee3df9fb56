// Package transfers runs storage transfers in the background. Each started
// transfer gets its own goroutine; state is reported to the task registry,
// which callers poll by token.
package transfers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dmitrijs2005/notebookhub/internal/common"
	"github.com/dmitrijs2005/notebookhub/internal/logging"
	"github.com/dmitrijs2005/notebookhub/internal/server/metrics"
	"github.com/dmitrijs2005/notebookhub/internal/server/models"
	"github.com/dmitrijs2005/notebookhub/internal/server/objstore"
	"github.com/dmitrijs2005/notebookhub/internal/server/tasks"
	"github.com/dmitrijs2005/notebookhub/internal/server/workspace"
)

const (
	DefaultChunkSize   = 8 << 20
	DefaultMaxLifetime = 6 * time.Hour
)

// ClientFactory builds a storage client for a resolved config.
type ClientFactory func(ctx context.Context, cfg models.StorageConfig) (*objstore.Client, error)

type Executor struct {
	reg    *tasks.Registry
	bridge *workspace.Bridge
	logger logging.Logger

	newClient   ClientFactory
	chunkSize   int
	maxLifetime time.Duration
	archiveDir  string

	root context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Executor)

// WithChunkSize bounds the buffer used per stream and the multipart part
// size of uploads.
func WithChunkSize(n int) Option { return func(e *Executor) { e.chunkSize = n } }

func WithMaxLifetime(d time.Duration) Option { return func(e *Executor) { e.maxLifetime = d } }

// WithArchiveDir sets where zip exports are written, one subdirectory per
// tenant.
func WithArchiveDir(dir string) Option { return func(e *Executor) { e.archiveDir = dir } }

func WithClientFactory(f ClientFactory) Option { return func(e *Executor) { e.newClient = f } }

func NewExecutor(reg *tasks.Registry, bridge *workspace.Bridge, l logging.Logger, opts ...Option) *Executor {
	root, stop := context.WithCancel(context.Background())
	e := &Executor{
		reg:         reg,
		bridge:      bridge,
		logger:      l.With("module", "transfers"),
		chunkSize:   DefaultChunkSize,
		maxLifetime: DefaultMaxLifetime,
		archiveDir:  filepath.Join(os.TempDir(), "notebookhub-archives"),
		root:        root,
		stop:        stop,
	}
	for _, o := range opts {
		o(e)
	}
	if e.chunkSize <= 0 {
		e.chunkSize = DefaultChunkSize
	}
	if e.newClient == nil {
		e.newClient = func(ctx context.Context, cfg models.StorageConfig) (*objstore.Client, error) {
			return objstore.New(ctx, cfg, objstore.WithPartSize(int64(e.chunkSize)))
		}
	}
	return e
}

// ArchiveDir is the root directory of materialized zip exports.
func (e *Executor) ArchiveDir() string { return e.archiveDir }

// ChunkSize is the per-stream buffer size.
func (e *Executor) ChunkSize() int { return e.chunkSize }

// Start validates the request, registers a queued task and runs it in the
// background. Only validation and configuration problems are returned here;
// everything that goes wrong later is recorded on the task.
func (e *Executor) Start(ctx context.Context, kind models.TransferKind, tenant string, cfg models.StorageConfig, src, dst models.Location) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("transfer kind %q: %w", kind, common.ErrorValidation)
	}
	if cfg.Bucket == "" {
		return "", common.ErrConfigAbsent
	}
	j, err := e.plan(kind, tenant, cfg.Prefix, src, dst)
	if err != nil {
		return "", err
	}
	if j.client, err = e.newClient(ctx, cfg); err != nil {
		return "", fmt.Errorf("storage client: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", fmt.Errorf("executor is shut down: %w", common.ErrorInternal)
	}

	token, err := e.reg.Create(kind, tenant, src, dst)
	if err != nil {
		return "", err
	}
	j.token = token
	j.log = e.logger.With("token", token, "kind", string(kind), "tenant", tenant)

	e.wg.Add(1)
	go e.run(j)
	return token, nil
}

// Close stops accepting transfers and cancels running ones at their next
// checkpoint.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stop()
}

// Wait blocks until every started transfer has finished.
func (e *Executor) Wait() { e.wg.Wait() }

func (e *Executor) run(j *job) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(e.root, e.maxLifetime)
	defer cancel()

	kind := string(j.kind)
	metrics.TransferStarted(kind)
	if err := e.reg.Update(j.token, tasks.Update{Status: tasks.Status(models.StatusRunning)}); err != nil {
		j.log.Info(ctx, "transfer cancelled before it started")
		metrics.TransferFinished(kind, string(models.StatusCancelled))
		return
	}
	j.log.Info(ctx, "transfer started", "source", j.src.String(), "destination", j.dst.String())

	err := e.execute(ctx, j)
	status := e.finish(ctx, j, err)
	metrics.TransferFinished(kind, string(status))
}

func (e *Executor) execute(ctx context.Context, j *job) error {
	switch j.kind {
	case models.KindUpload:
		return e.upload(ctx, j)
	case models.KindDownload:
		return e.download(ctx, j)
	case models.KindCopy, models.KindMove:
		if j.dst.Scheme == models.SchemeLocal {
			return e.download(ctx, j)
		}
		return e.copyRemote(ctx, j)
	case models.KindZipExport:
		return e.zipExport(ctx, j)
	}
	return fmt.Errorf("transfer kind %q: %w", j.kind, common.ErrorValidation)
}

// finish records the terminal state. A task cancelled by the user is
// already terminal in the registry, so only its archive needs cleaning up.
func (e *Executor) finish(ctx context.Context, j *job, err error) models.TransferStatus {
	if err == nil {
		u := tasks.Update{Status: tasks.Status(models.StatusSucceeded), ArchivePath: j.archive}
		if uerr := e.reg.Update(j.token, u); uerr != nil {
			j.discardArchive()
			j.log.Info(ctx, "transfer cancelled", "items_done", j.done)
			return models.StatusCancelled
		}
		j.log.Info(ctx, "transfer succeeded",
			"items", j.done, "bytes", j.bytes, "size", humanize.IBytes(uint64(j.bytes)))
		return models.StatusSucceeded
	}
	j.discardArchive()

	switch {
	case errors.Is(err, errCancelled) || e.reg.Cancelled(j.token):
		j.log.Info(ctx, "transfer cancelled", "items_done", j.done)
		return models.StatusCancelled
	case e.root.Err() != nil:
		_ = e.reg.Cancel(j.token)
		j.log.Warn(ctx, "transfer interrupted by shutdown", "items_done", j.done)
		return models.StatusCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("transfer exceeded its %s lifetime after %d of %d items: %w",
			e.maxLifetime, j.done, j.total, common.ErrTimeout)
	}

	if uerr := e.reg.Update(j.token, tasks.Update{Err: err, FailedItem: j.current}); uerr != nil {
		return models.StatusCancelled
	}
	j.log.Error(ctx, "transfer failed", "item", j.current, "items_done", j.done, "error", err)
	return models.StatusFailed
}

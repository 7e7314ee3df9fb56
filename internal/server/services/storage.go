// Package services contains server-side business logic. StorageService is
// the task-oriented API the web layer calls: short operations run inline,
// data movement is handed to the transfer executor and polled by token.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/dmitrijs2005/notebookhub/internal/common"
	"github.com/dmitrijs2005/notebookhub/internal/logging"
	"github.com/dmitrijs2005/notebookhub/internal/server/config"
	"github.com/dmitrijs2005/notebookhub/internal/server/models"
	"github.com/dmitrijs2005/notebookhub/internal/server/objstore"
	"github.com/dmitrijs2005/notebookhub/internal/server/tasks"
	"github.com/dmitrijs2005/notebookhub/internal/server/transfers"
	"github.com/dmitrijs2005/notebookhub/internal/server/workspace"
)

// Resolver finds the effective storage config of a tenant.
type Resolver interface {
	Resolve(ctx context.Context, tenant string) (models.StorageConfig, bool, error)
}

// ConfigWriter manages a tenant's personal storage settings.
type ConfigWriter interface {
	SetPersonal(ctx context.Context, tenant string, cfg models.StorageConfig) error
	DeletePersonal(ctx context.Context, tenant string) error
}

type StorageService struct {
	resolver  Resolver
	writer    ConfigWriter
	bridge    *workspace.Bridge
	registry  *tasks.Registry
	executor  *transfers.Executor
	newClient transfers.ClientFactory
	logger    logging.Logger

	streamThreshold int64
	readTextLimit   int64
	chunkSize       int
}

type Option func(*StorageService)

// WithClientFactory replaces how storage clients are built.
func WithClientFactory(f transfers.ClientFactory) Option {
	return func(s *StorageService) { s.newClient = f }
}

func NewStorageService(r Resolver, w ConfigWriter, b *workspace.Bridge, reg *tasks.Registry,
	exec *transfers.Executor, cfg *config.Config, l logging.Logger, opts ...Option) *StorageService {
	s := &StorageService{
		resolver:        r,
		writer:          w,
		bridge:          b,
		registry:        reg,
		executor:        exec,
		logger:          l.With("module", "storage_service"),
		streamThreshold: cfg.ZipStreamThreshold,
		readTextLimit:   cfg.ReadTextLimit,
		chunkSize:       int(cfg.ChunkSize),
	}
	s.newClient = func(ctx context.Context, c models.StorageConfig) (*objstore.Client, error) {
		return objstore.New(ctx, c, objstore.WithPartSize(cfg.ChunkSize))
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ResolveConfig returns the tenant's effective config; ok=false means no
// storage is configured.
func (s *StorageService) ResolveConfig(ctx context.Context, tenant string) (models.StorageConfig, bool, error) {
	if err := workspace.ValidateTenant(tenant); err != nil {
		return models.StorageConfig{}, false, err
	}
	return s.resolver.Resolve(ctx, tenant)
}

func (s *StorageService) mustResolve(ctx context.Context, tenant string) (models.StorageConfig, error) {
	cfg, ok, err := s.ResolveConfig(ctx, tenant)
	if err != nil {
		return models.StorageConfig{}, err
	}
	if !ok {
		return models.StorageConfig{}, fmt.Errorf("tenant %q: %w", tenant, common.ErrConfigAbsent)
	}
	return cfg, nil
}

func (s *StorageService) client(ctx context.Context, tenant string) (*objstore.Client, models.StorageConfig, error) {
	cfg, err := s.mustResolve(ctx, tenant)
	if err != nil {
		return nil, cfg, err
	}
	c, err := s.newClient(ctx, cfg)
	if err != nil {
		return nil, cfg, fmt.Errorf("storage client: %w", err)
	}
	return c, cfg, nil
}

// TestConnection checks the supplied config, or the tenant's resolved one
// when supplied is nil. Connection problems are part of the result, not an
// error.
func (s *StorageService) TestConnection(ctx context.Context, tenant string, supplied *models.StorageConfig) (objstore.ConnectionResult, error) {
	var cfg models.StorageConfig
	if supplied != nil {
		if strings.TrimSpace(supplied.Bucket) == "" {
			return objstore.ConnectionResult{}, fmt.Errorf("bucket is required: %w", common.ErrorValidation)
		}
		cfg = *supplied
	} else {
		var err error
		if cfg, err = s.mustResolve(ctx, tenant); err != nil {
			return objstore.ConnectionResult{}, err
		}
	}

	c, err := s.newClient(ctx, cfg)
	if err != nil {
		return objstore.Diagnose(err), nil
	}
	res := c.TestConnection(ctx)
	s.logger.Info(ctx, "connection tested", "tenant", tenant, "bucket", cfg.Bucket, "kind", string(res.Kind))
	return res, nil
}

func (s *StorageService) SavePersonalConfig(ctx context.Context, tenant string, cfg models.StorageConfig) error {
	if err := workspace.ValidateTenant(tenant); err != nil {
		return err
	}
	return s.writer.SetPersonal(ctx, tenant, cfg)
}

func (s *StorageService) DeletePersonalConfig(ctx context.Context, tenant string) error {
	if err := workspace.ValidateTenant(tenant); err != nil {
		return err
	}
	return s.writer.DeletePersonal(ctx, tenant)
}

// List lists the remote folder rel. Paths in the result are relative to the
// tenant's key prefix.
func (s *StorageService) List(ctx context.Context, tenant, rel string, recursive bool) ([]models.RemoteEntry, error) {
	c, cfg, err := s.client(ctx, tenant)
	if err != nil {
		return nil, err
	}
	dir, err := workspace.Clean(rel)
	if err != nil {
		return nil, err
	}
	if dir != "" && !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	prefix, err := s.bridge.KeyFor(tenant, dir, cfg.Prefix)
	if err != nil {
		return nil, err
	}

	objs, err := c.List(ctx, prefix, recursive)
	if err != nil {
		return nil, err
	}
	out := make([]models.RemoteEntry, 0, len(objs))
	for _, o := range objs {
		e := models.RemoteEntry{
			Path:         strings.TrimPrefix(o.Key, cfg.Prefix),
			Key:          o.Key,
			Kind:         models.EntryFile,
			Size:         o.Size,
			LastModified: o.LastModified,
		}
		if o.IsDir {
			e.Kind = models.EntryDirectory
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *StorageService) ListLocal(tenant, rel string) ([]models.WorkspaceEntry, error) {
	return s.bridge.ListLocal(tenant, rel)
}

// ReadText returns the content of a small text file, local or remote.
// Files over the read limit or not detected as text are rejected.
func (s *StorageService) ReadText(ctx context.Context, tenant string, loc models.Location) (string, error) {
	var (
		r    io.ReadCloser
		size int64
	)
	switch loc.Scheme {
	case models.SchemeLocal:
		abs, err := s.bridge.Resolve(tenant, loc.Path)
		if err != nil {
			return "", err
		}
		f, err := os.Open(abs)
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%q: %w", loc.Path, common.ErrorNotFound)
		}
		if err != nil {
			return "", err
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return "", err
		}
		if fi.IsDir() {
			f.Close()
			return "", fmt.Errorf("%q is a directory: %w", loc.Path, common.ErrorValidation)
		}
		r, size = f, fi.Size()
	case models.SchemeRemote:
		if loc.IsFolder() {
			return "", fmt.Errorf("%q is a folder: %w", loc.Path, common.ErrorValidation)
		}
		c, cfg, err := s.client(ctx, tenant)
		if err != nil {
			return "", err
		}
		key, err := s.bridge.KeyFor(tenant, loc.Path, cfg.Prefix)
		if err != nil {
			return "", err
		}
		body, obj, err := c.Open(ctx, key)
		if err != nil {
			return "", err
		}
		r, size = body, obj.Size
	default:
		return "", fmt.Errorf("location %q: %w", loc, common.ErrorValidation)
	}
	defer r.Close()

	if size > s.readTextLimit {
		return "", fmt.Errorf("%q is larger than %d bytes: %w", loc.Path, s.readTextLimit, common.ErrorValidation)
	}
	data, err := io.ReadAll(io.LimitReader(r, s.readTextLimit+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > s.readTextLimit {
		return "", fmt.Errorf("%q is larger than %d bytes: %w", loc.Path, s.readTextLimit, common.ErrorValidation)
	}
	if !isText(data) {
		return "", fmt.Errorf("%q is not a text file: %w", loc.Path, common.ErrorValidation)
	}
	return string(data), nil
}

// isText walks the detected type's ancestry looking for text/plain, so
// CSV, JSON, source code and the like count as text.
func isText(data []byte) bool {
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// StartTransfer resolves the tenant's config and starts a background
// transfer. It returns as soon as the task is registered.
func (s *StorageService) StartTransfer(ctx context.Context, tenant string, kind models.TransferKind, src, dst models.Location) (string, error) {
	cfg, err := s.mustResolve(ctx, tenant)
	if err != nil {
		return "", err
	}
	token, err := s.executor.Start(ctx, kind, tenant, cfg, src, dst)
	if err != nil {
		return "", err
	}
	s.logger.Info(ctx, "transfer queued", "tenant", tenant, "token", token, "kind", string(kind))
	return token, nil
}

// GetTransferStatus returns a snapshot of the tenant's task. Another
// tenant's token is reported as not found.
func (s *StorageService) GetTransferStatus(tenant, token string) (models.TransferTask, error) {
	t, err := s.registry.Get(token)
	if err != nil {
		return models.TransferTask{}, err
	}
	if t.Tenant != tenant {
		return models.TransferTask{}, fmt.Errorf("task %s: %w", token, common.ErrorNotFound)
	}
	return t, nil
}

func (s *StorageService) ListTransfers(tenant string) []models.TransferTask {
	return s.registry.List(tenant)
}

func (s *StorageService) CancelTransfer(tenant, token string) error {
	if _, err := s.GetTransferStatus(tenant, token); err != nil {
		return err
	}
	return s.registry.Cancel(token)
}

// Package storageconfig resolves the effective object-storage configuration
// for a tenant: a personal record wins over the system-wide default, and
// having neither is a normal outcome rather than an error.
package storageconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/notebookhub/internal/common"
	"github.com/dmitrijs2005/notebookhub/internal/server/models"
)

// TenantPlaceholder in a system prefix is replaced with the tenant id, so one
// shared bucket can hold a prefix per user.
const TenantPlaceholder = "{tenant}"

// Store is the read side of the configuration store. Both methods return
// common.ErrorNotFound when there is no record.
type Store interface {
	GetPersonal(ctx context.Context, tenant string) (*models.StorageConfigRecord, error)
	GetSystemDefault(ctx context.Context) (*models.StorageConfigRecord, error)
}

// step is one link of the resolution chain. ok=false with a nil error means
// "nothing here, try the next step".
type step func(ctx context.Context, tenant string) (cfg models.StorageConfig, ok bool, err error)

type Resolver struct {
	chain []step
}

func NewResolver(store Store) *Resolver {
	return &Resolver{chain: []step{personal(store), system(store)}}
}

// Resolve walks the chain and returns the first usable config. ok=false and
// err=nil means no storage is configured for tenant. The store is read on
// every call.
func (r *Resolver) Resolve(ctx context.Context, tenant string) (models.StorageConfig, bool, error) {
	for _, s := range r.chain {
		cfg, ok, err := s(ctx, tenant)
		if err != nil {
			return models.StorageConfig{}, false, err
		}
		if ok {
			return cfg, true, nil
		}
	}
	return models.StorageConfig{}, false, nil
}

// MustResolve is Resolve with absence turned into common.ErrConfigAbsent.
func (r *Resolver) MustResolve(ctx context.Context, tenant string) (models.StorageConfig, error) {
	cfg, ok, err := r.Resolve(ctx, tenant)
	if err != nil {
		return models.StorageConfig{}, err
	}
	if !ok {
		return models.StorageConfig{}, fmt.Errorf("tenant %q: %w", tenant, common.ErrConfigAbsent)
	}
	return cfg, nil
}

// personal is usable when it names both a connection target and a bucket.
func personal(store Store) step {
	return func(ctx context.Context, tenant string) (models.StorageConfig, bool, error) {
		rec, err := store.GetPersonal(ctx, tenant)
		if errors.Is(err, common.ErrorNotFound) {
			return models.StorageConfig{}, false, nil
		}
		if err != nil {
			return models.StorageConfig{}, false, fmt.Errorf("personal storage config: %w", err)
		}
		if strings.TrimSpace(rec.Endpoint) == "" || strings.TrimSpace(rec.Bucket) == "" {
			return models.StorageConfig{}, false, nil
		}
		cfg := rec.Config(models.SourcePersonal)
		cfg.Prefix = NormalizePrefix(cfg.Prefix)
		return cfg, true, nil
	}
}

// system may omit the endpoint (plain AWS) but must name a bucket.
func system(store Store) step {
	return func(ctx context.Context, tenant string) (models.StorageConfig, bool, error) {
		rec, err := store.GetSystemDefault(ctx)
		if errors.Is(err, common.ErrorNotFound) {
			return models.StorageConfig{}, false, nil
		}
		if err != nil {
			return models.StorageConfig{}, false, fmt.Errorf("system storage config: %w", err)
		}
		if strings.TrimSpace(rec.Bucket) == "" {
			return models.StorageConfig{}, false, nil
		}
		cfg := rec.Config(models.SourceSystem)
		cfg.Prefix = NormalizePrefix(strings.ReplaceAll(cfg.Prefix, TenantPlaceholder, tenant))
		return cfg, true, nil
	}
}

// NormalizePrefix trims surrounding slashes and spaces and appends a single
// "/" to a non-empty prefix: " /a/b " -> "a/b/".
func NormalizePrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

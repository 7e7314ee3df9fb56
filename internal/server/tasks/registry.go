// Package tasks holds the registry of transfer tasks. The registry is the
// only owner of task state: executors report through Update, callers read
// value snapshots through Get and List, and a sweeper evicts finished tasks.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/notebookhub/internal/common"
	"github.com/dmitrijs2005/notebookhub/internal/server/models"
)

const (
	DefaultRetention    = time.Hour
	DefaultMaxPerTenant = 100

	tokenBytes = 16
)

// EvictHook is called, outside the lock, for each evicted task.
type EvictHook func(models.TransferTask)

type Registry struct {
	mu    sync.Mutex
	tasks map[string]*models.TransferTask

	retention    time.Duration
	maxPerTenant int
	now          func() time.Time
	onEvict      []EvictHook
	newToken     func() (string, error)
}

type Option func(*Registry)

func WithRetention(d time.Duration) Option { return func(r *Registry) { r.retention = d } }

// WithMaxPerTenant caps stored tasks per tenant; 0 disables the cap.
func WithMaxPerTenant(n int) Option { return func(r *Registry) { r.maxPerTenant = n } }

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func WithEvictHook(h EvictHook) Option {
	return func(r *Registry) { r.onEvict = append(r.onEvict, h) }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tasks:        map[string]*models.TransferTask{},
		retention:    DefaultRetention,
		maxPerTenant: DefaultMaxPerTenant,
		now:          time.Now,
		newToken:     func() (string, error) { return common.MakeRandHexString(tokenBytes) },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create registers a queued task and returns its token. Expired tasks are
// swept first, then the tenant's oldest terminal tasks are evicted while the
// tenant is at its cap. Non-terminal tasks are never evicted, so a tenant
// with only running tasks may exceed the cap.
func (r *Registry) Create(kind models.TransferKind, tenant string, src, dst models.Location) (string, error) {
	token, err := r.newToken()
	if err != nil {
		return "", fmt.Errorf("task token: %w", err)
	}

	r.mu.Lock()
	now := r.now()
	evicted := r.expiredLocked(now)
	evicted = append(evicted, r.capLocked(tenant)...)
	r.tasks[token] = &models.TransferTask{
		Token:       token,
		Kind:        kind,
		Tenant:      tenant,
		Source:      src,
		Destination: dst,
		Status:      models.StatusQueued,
		CreatedAt:   now,
	}
	r.mu.Unlock()

	r.fire(evicted)
	return token, nil
}

// Update carries an executor's report. Nil pointers leave fields alone.
type Update struct {
	Status      *models.TransferStatus
	Progress    *int64
	Total       *int64
	ItemsDone   *int
	ItemsTotal  *int
	FailedItem  string
	ArchivePath string
	// Err marks the task failed with this error.
	Err error
}

func Status(s models.TransferStatus) *models.TransferStatus { return &s }
func Int64(n int64) *int64                                   { return &n }
func Int(n int) *int                                         { return &n }

// Update applies u to the task. A terminal task is left untouched and
// common.ErrAlreadyTerminal returned. Progress and ItemsDone only move
// forward; lower values are ignored.
func (r *Registry) Update(token string, u Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[token]
	if !ok {
		return fmt.Errorf("task %s: %w", token, common.ErrorNotFound)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("task %s is %s: %w", token, t.Status, common.ErrAlreadyTerminal)
	}

	next := t.Status
	if u.Status != nil {
		next = *u.Status
	}
	if u.Err != nil {
		next = models.StatusFailed
	}
	if next != t.Status && !t.Status.CanTransition(next) {
		return fmt.Errorf("task %s: %s -> %s: %w", token, t.Status, next, common.ErrorValidation)
	}

	if u.Total != nil {
		t.Total = *u.Total
	}
	if u.ItemsTotal != nil {
		t.ItemsTotal = *u.ItemsTotal
	}
	if u.Progress != nil && *u.Progress > t.Progress {
		t.Progress = *u.Progress
	}
	if u.ItemsDone != nil && *u.ItemsDone > t.ItemsDone {
		t.ItemsDone = *u.ItemsDone
	}
	if u.FailedItem != "" {
		t.FailedItem = u.FailedItem
	}
	if u.ArchivePath != "" {
		t.ArchivePath = u.ArchivePath
	}
	if u.Err != nil {
		t.Error = u.Err.Error()
		t.ErrorKind = common.KindOf(u.Err)
	}
	r.transitionLocked(t, next)
	return nil
}

func (r *Registry) transitionLocked(t *models.TransferTask, next models.TransferStatus) {
	if next == t.Status {
		return
	}
	now := r.now()
	if next == models.StatusRunning {
		t.StartedAt = &now
	}
	if next.Terminal() {
		t.CompletedAt = &now
	}
	t.Status = next
}

func (r *Registry) Get(token string) (models.TransferTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[token]
	if !ok {
		return models.TransferTask{}, fmt.Errorf("task %s: %w", token, common.ErrorNotFound)
	}
	return snapshot(t), nil
}

// List returns the tenant's tasks, newest first.
func (r *Registry) List(tenant string) []models.TransferTask {
	r.mu.Lock()
	out := make([]models.TransferTask, 0)
	for _, t := range r.tasks {
		if t.Tenant == tenant {
			out = append(out, snapshot(t))
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Token < out[j].Token
	})
	return out
}

// Cancel marks a queued or running task cancelled right away; the executor
// notices at its next checkpoint. Cancelling a finished task returns
// common.ErrAlreadyTerminal and changes nothing.
func (r *Registry) Cancel(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[token]
	if !ok {
		return fmt.Errorf("task %s: %w", token, common.ErrorNotFound)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("task %s is %s: %w", token, t.Status, common.ErrAlreadyTerminal)
	}
	r.transitionLocked(t, models.StatusCancelled)
	return nil
}

// Settle records the final counters of a cancelled task whose last item
// completed after the cancel landed. Only ItemsDone and Progress may rise;
// status, error and timestamps stay as Cancel left them.
func (r *Registry) Settle(token string, itemsDone int, progress int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[token]
	if !ok {
		return fmt.Errorf("task %s: %w", token, common.ErrorNotFound)
	}
	if t.Status != models.StatusCancelled {
		return fmt.Errorf("task %s is %s, not cancelled: %w", token, t.Status, common.ErrorValidation)
	}
	if itemsDone > t.ItemsDone {
		t.ItemsDone = itemsDone
	}
	if progress > t.Progress {
		t.Progress = progress
	}
	return nil
}

// Cancelled reports whether the executor should stop. A task that is gone
// counts as cancelled.
func (r *Registry) Cancelled(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[token]
	return !ok || t.Status == models.StatusCancelled
}

// Sweep evicts terminal tasks completed more than the retention window ago
// and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	evicted := r.expiredLocked(r.now())
	r.mu.Unlock()

	r.fire(evicted)
	return len(evicted)
}

// Run sweeps every interval until ctx is done. A non-positive interval
// means one minute.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Len is the number of stored tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *Registry) expiredLocked(now time.Time) []models.TransferTask {
	if r.retention <= 0 {
		return nil
	}
	var out []models.TransferTask
	for token, t := range r.tasks {
		if t.Status.Terminal() && t.CompletedAt != nil && now.Sub(*t.CompletedAt) > r.retention {
			out = append(out, *t)
			delete(r.tasks, token)
		}
	}
	return out
}

// capLocked makes room for one more task of tenant.
func (r *Registry) capLocked(tenant string) []models.TransferTask {
	if r.maxPerTenant <= 0 {
		return nil
	}
	var count int
	var terminal []*models.TransferTask
	for _, t := range r.tasks {
		if t.Tenant != tenant {
			continue
		}
		count++
		if t.Status.Terminal() {
			terminal = append(terminal, t)
		}
	}
	if count < r.maxPerTenant {
		return nil
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].CompletedAt.Before(*terminal[j].CompletedAt)
	})

	var out []models.TransferTask
	for _, t := range terminal {
		if count < r.maxPerTenant {
			break
		}
		out = append(out, *t)
		delete(r.tasks, t.Token)
		count--
	}
	return out
}

func (r *Registry) fire(evicted []models.TransferTask) {
	for _, t := range evicted {
		for _, h := range r.onEvict {
			h(t)
		}
	}
}

func snapshot(t *models.TransferTask) models.TransferTask {
	s := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		s.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		s.CompletedAt = &v
	}
	return s
}

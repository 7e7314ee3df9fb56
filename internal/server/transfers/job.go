package transfers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/dmitrijs2005/notebookhub/internal/common"
	"github.com/dmitrijs2005/notebookhub/internal/filex"
	"github.com/dmitrijs2005/notebookhub/internal/logging"
	"github.com/dmitrijs2005/notebookhub/internal/server/metrics"
	"github.com/dmitrijs2005/notebookhub/internal/server/models"
	"github.com/dmitrijs2005/notebookhub/internal/server/objstore"
	"github.com/dmitrijs2005/notebookhub/internal/server/tasks"
	"github.com/dmitrijs2005/notebookhub/internal/server/workspace"
)

// job is the state of one running transfer. It is owned by the transfer's
// goroutine.
type job struct {
	token  string
	kind   models.TransferKind
	tenant string
	prefix string
	src    models.Location
	dst    models.Location
	client *objstore.Client
	log    logging.Logger

	// byItems reports progress as items instead of bytes.
	byItems bool

	bytes   int64
	done    int
	total   int
	current string
	archive string
}

func (j *job) discardArchive() {
	if j.archive != "" {
		_ = os.Remove(j.archive)
		j.archive = ""
	}
}

// item is one step of a transfer. name is what the task reports as the
// failed item.
type item struct {
	name string
	size int64
	do   func(ctx context.Context) error
}

// plan checks the kind/location combination and sandboxes every path
// before anything is registered.
func (e *Executor) plan(kind models.TransferKind, tenant, prefix string, src, dst models.Location) (*job, error) {
	if err := workspace.ValidateTenant(tenant); err != nil {
		return nil, err
	}

	var ok bool
	switch kind {
	case models.KindUpload:
		ok = src.Scheme == models.SchemeLocal && dst.Scheme == models.SchemeRemote
	case models.KindDownload:
		ok = src.Scheme == models.SchemeRemote && dst.Scheme == models.SchemeLocal
	case models.KindCopy, models.KindMove:
		ok = src.Scheme == models.SchemeRemote &&
			(dst.Scheme == models.SchemeRemote || dst.Scheme == models.SchemeLocal)
	case models.KindZipExport:
		ok = src.Scheme == models.SchemeRemote && src.IsFolder() && dst == models.Location{}
	}
	if !ok {
		return nil, fmt.Errorf("%s from %q to %q is not supported: %w", kind, src, dst, common.ErrorValidation)
	}

	for _, loc := range []models.Location{src, dst} {
		var err error
		switch loc.Scheme {
		case models.SchemeLocal:
			_, err = e.bridge.Resolve(tenant, loc.Path)
		case models.SchemeRemote:
			_, err = e.bridge.KeyFor(tenant, loc.Path, prefix)
		}
		if err != nil {
			return nil, err
		}
	}

	if src.Scheme == models.SchemeRemote && dst.Scheme == models.SchemeRemote {
		s, _ := workspace.Clean(src.Path)
		d, _ := workspace.Clean(dst.Path)
		if s == d {
			return nil, fmt.Errorf("source and destination are both %q: %w", src.Path, common.ErrorValidation)
		}
	}

	return &job{
		kind:    kind,
		tenant:  tenant,
		prefix:  prefix,
		src:     src,
		dst:     dst,
		byItems: kind == models.KindCopy || kind == models.KindMove,
	}, nil
}

// runItems executes items in order, checking for cancellation and the
// lifetime deadline before each one. A failing item of a folder transfer
// becomes a PartialFailureError; single-item transfers keep the cause.
func (e *Executor) runItems(ctx context.Context, j *job, items []item, folder bool) error {
	var size int64
	for _, it := range items {
		size += it.size
	}
	j.total = len(items)

	u := tasks.Update{ItemsTotal: tasks.Int(len(items)), Total: tasks.Int64(size)}
	if j.byItems {
		u.Total = tasks.Int64(int64(len(items)))
	}
	if err := e.reg.Update(j.token, u); err != nil {
		return errCancelled
	}

	for i, it := range items {
		if e.reg.Cancelled(j.token) {
			return errCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		j.current = it.name
		if err := it.do(ctx); err != nil {
			if !folder || errors.Is(err, errCancelled) || ctx.Err() != nil {
				return err
			}
			return &PartialFailureError{Done: i, Total: len(items), Item: it.name, Err: err}
		}

		j.done = i + 1
		progress := j.bytes
		if j.byItems {
			progress = int64(j.done)
		}
		u := tasks.Update{ItemsDone: tasks.Int(j.done), Progress: tasks.Int64(progress)}
		if err := e.reg.Update(j.token, u); err != nil {
			// Cancelled while the item was in flight: it still counts.
			_ = e.reg.Settle(j.token, j.done, progress)
			return errCancelled
		}
		j.log.Debug(ctx, "item transferred", "item", it.name, "done", j.done, "total", j.total)
	}
	j.current = ""
	return nil
}

// tick counts streamed bytes and doubles as the per-chunk cancellation
// check.
func (e *Executor) tick(j *job) func(n int) error {
	return func(n int) error {
		j.bytes += int64(n)
		metrics.AddTransferBytes(string(j.kind), int64(n))
		if j.byItems {
			if e.reg.Cancelled(j.token) {
				return errCancelled
			}
			return nil
		}
		if err := e.reg.Update(j.token, tasks.Update{Progress: tasks.Int64(j.bytes)}); err != nil {
			return errCancelled
		}
		return nil
	}
}

func (e *Executor) upload(ctx context.Context, j *job) error {
	abs, err := e.bridge.Resolve(j.tenant, j.src.Path)
	if err != nil {
		return err
	}
	fi, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%q: %w", j.src.Path, common.ErrorNotFound)
	}
	if err != nil {
		return err
	}

	if !fi.IsDir() {
		name := strings.TrimSuffix(clean(j.src.Path), "/")
		rel := j.dst.Path
		if j.dst.IsFolder() {
			rel = folderOf(j.dst.Path) + path.Base(name)
		}
		key, err := e.bridge.KeyFor(j.tenant, rel, j.prefix)
		if err != nil {
			return err
		}
		return e.runItems(ctx, j, []item{{
			name: name,
			size: fi.Size(),
			do:   func(ctx context.Context) error { return e.put(ctx, j, abs, key) },
		}}, false)
	}

	entries, err := e.bridge.Walk(j.tenant, j.src.Path)
	if err != nil {
		return err
	}
	base := folderOf(j.src.Path)
	dstBase := folderOf(j.dst.Path)
	items := make([]item, 0, len(entries))
	for _, en := range entries {
		key, err := e.bridge.KeyFor(j.tenant, dstBase+strings.TrimPrefix(en.Path, base), j.prefix)
		if err != nil {
			return err
		}
		rel := en.Path
		items = append(items, item{
			name: rel,
			size: en.Size,
			do: func(ctx context.Context) error {
				fileAbs, err := e.bridge.Resolve(j.tenant, rel)
				if err != nil {
					return err
				}
				return e.put(ctx, j, fileAbs, key)
			},
		})
	}
	return e.runItems(ctx, j, items, true)
}

func (e *Executor) put(ctx context.Context, j *job, abs, key string) error {
	f, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer f.Close()
	return j.client.Put(ctx, key, &progressReader{r: f, tick: e.tick(j)}, "")
}

// download serves download, and copy or move into the workspace. Move
// deletes each source object once its local copy is committed.
func (e *Executor) download(ctx context.Context, j *job) error {
	srcKey, err := e.bridge.KeyFor(j.tenant, j.src.Path, j.prefix)
	if err != nil {
		return err
	}
	buf := make([]byte, e.chunkSize)

	if !j.src.IsFolder() {
		obj, err := j.client.Stat(ctx, srcKey)
		if err != nil {
			return err
		}
		name := clean(j.src.Path)
		rel := j.dst.Path
		if j.dst.IsFolder() {
			rel = folderOf(j.dst.Path) + path.Base(name)
		}
		abs, err := e.bridge.Resolve(j.tenant, rel)
		if err != nil {
			return err
		}
		if fi, err := os.Stat(abs); err == nil && fi.IsDir() {
			if abs, err = e.bridge.Resolve(j.tenant, folderOf(rel)+path.Base(name)); err != nil {
				return err
			}
		}
		return e.runItems(ctx, j, []item{{
			name: name,
			size: obj.Size,
			do:   func(ctx context.Context) error { return e.fetch(ctx, j, srcKey, abs, buf) },
		}}, false)
	}

	objs, _, err := Enumerate(ctx, j.client, srcKey)
	if err != nil {
		return err
	}
	dstBase := folderOf(j.dst.Path)
	items := make([]item, 0, len(objs))
	for _, o := range objs {
		rel := dstBase + o.Name
		key := o.Key
		items = append(items, item{
			name: strings.TrimPrefix(key, j.prefix),
			size: o.Size,
			do: func(ctx context.Context) error {
				abs, err := e.bridge.Resolve(j.tenant, rel)
				if err != nil {
					return err
				}
				return e.fetch(ctx, j, key, abs, buf)
			},
		})
	}
	return e.runItems(ctx, j, items, true)
}

// fetch streams key into a temp file next to abs and renames it into place.
func (e *Executor) fetch(ctx context.Context, j *job, key, abs string, buf []byte) error {
	body, _, err := j.client.Open(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()

	f, err := filex.CreateTemp(abs)
	if err != nil {
		return err
	}
	if _, err := io.CopyBuffer(writerOnly{f}, &progressReader{r: body, tick: e.tick(j)}, buf); err != nil {
		filex.Discard(f)
		return err
	}
	if err := filex.Commit(f, abs); err != nil {
		return err
	}
	if j.kind == models.KindMove {
		return j.client.Delete(ctx, key)
	}
	return nil
}

func (e *Executor) copyRemote(ctx context.Context, j *job) error {
	srcKey, err := e.bridge.KeyFor(j.tenant, j.src.Path, j.prefix)
	if err != nil {
		return err
	}

	if !j.src.IsFolder() {
		name := clean(j.src.Path)
		rel := j.dst.Path
		if j.dst.IsFolder() {
			rel = folderOf(j.dst.Path) + path.Base(name)
		}
		dstKey, err := e.bridge.KeyFor(j.tenant, rel, j.prefix)
		if err != nil {
			return err
		}
		return e.runItems(ctx, j, []item{{
			name: name,
			do:   func(ctx context.Context) error { return e.relay(ctx, j, srcKey, dstKey) },
		}}, false)
	}

	objs, _, err := Enumerate(ctx, j.client, srcKey)
	if err != nil {
		return err
	}
	dstBase := folderOf(j.dst.Path)
	items := make([]item, 0, len(objs))
	for _, o := range objs {
		rel := dstBase + o.Name
		key := o.Key
		items = append(items, item{
			name: strings.TrimPrefix(key, j.prefix),
			size: o.Size,
			do: func(ctx context.Context) error {
				dstKey, err := e.bridge.KeyFor(j.tenant, rel, j.prefix)
				if err != nil {
					return err
				}
				return e.relay(ctx, j, key, dstKey)
			},
		})
	}
	return e.runItems(ctx, j, items, true)
}

// relay copies src to dst inside the bucket. Move deletes the source only
// after the copy succeeded, so a failure in between leaves a duplicate
// rather than losing data.
func (e *Executor) relay(ctx context.Context, j *job, src, dst string) error {
	if err := j.client.Copy(ctx, src, dst); err != nil {
		return err
	}
	if j.kind == models.KindMove {
		return j.client.Delete(ctx, src)
	}
	return nil
}

// Enumerate lists every object below prefix and their total size. An empty
// listing is reported as not found: object storage has no empty folders.
func Enumerate(ctx context.Context, c *objstore.Client, prefix string) ([]objstore.Object, int64, error) {
	var (
		objs []objstore.Object
		size int64
	)
	err := c.Walk(ctx, prefix, func(o objstore.Object) error {
		objs = append(objs, o)
		size += o.Size
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if len(objs) == 0 {
		return nil, 0, fmt.Errorf("nothing stored under %q: %w", prefix, common.ErrorNotFound)
	}
	return objs, size, nil
}

func clean(p string) string {
	c, _ := workspace.Clean(p)
	return c
}

// folderOf is p as a folder path: canonical, with a trailing "/" unless it
// is the root.
func folderOf(p string) string {
	c := strings.TrimSuffix(clean(p), "/")
	if c == "" {
		return ""
	}
	return c + "/"
}

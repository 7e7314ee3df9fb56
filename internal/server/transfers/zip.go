package transfers

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"github.com/dmitrijs2005/notebookhub/internal/common"
	"github.com/dmitrijs2005/notebookhub/internal/filex"
	"github.com/dmitrijs2005/notebookhub/internal/server/objstore"
	"github.com/dmitrijs2005/notebookhub/internal/server/workspace"
)

// ZipWriter streams objects into a zip archive one at a time, holding at
// most one chunk of object data in memory.
type ZipWriter struct {
	zw   *zip.Writer
	c    *objstore.Client
	buf  []byte
	seen map[string]struct{}
}

func NewZipWriter(w io.Writer, c *objstore.Client, chunkSize int) *ZipWriter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ZipWriter{
		zw:   zip.NewWriter(w),
		c:    c,
		buf:  make([]byte, chunkSize),
		seen: make(map[string]struct{}),
	}
}

// Add streams obj into the archive as name. wrap, if set, wraps the object
// body before it is copied. Names that clean to an entry already written
// are rejected.
func (z *ZipWriter) Add(ctx context.Context, name string, obj objstore.Object, wrap func(io.Reader) io.Reader) error {
	entry, err := workspace.Clean(name)
	if err != nil {
		return err
	}
	if entry == "" || strings.HasSuffix(entry, "/") {
		return fmt.Errorf("zip entry %q is not a file name: %w", name, common.ErrorValidation)
	}
	if _, dup := z.seen[entry]; dup {
		return fmt.Errorf("duplicate zip entry %q from %q: %w", entry, obj.Key, common.ErrorValidation)
	}
	z.seen[entry] = struct{}{}

	body, _, err := z.c.Open(ctx, obj.Key)
	if err != nil {
		return err
	}
	defer body.Close()

	w, err := z.zw.CreateHeader(&zip.FileHeader{
		Name:     entry,
		Method:   zip.Deflate,
		Modified: obj.LastModified,
	})
	if err != nil {
		return fmt.Errorf("zip entry %s: %w", entry, err)
	}
	var r io.Reader = body
	if wrap != nil {
		r = wrap(r)
	}
	_, err = io.CopyBuffer(writerOnly{w}, r, z.buf)
	return err
}

// Close writes the central directory. It does not close the underlying
// writer.
func (z *ZipWriter) Close() error { return z.zw.Close() }

// WriteZip streams objs into a zip archive on w, naming each entry by its
// key relative to the listed prefix.
func WriteZip(ctx context.Context, w io.Writer, c *objstore.Client, objs []objstore.Object, chunkSize int) error {
	zw := NewZipWriter(w, c, chunkSize)
	for _, o := range objs {
		if err := zw.Add(ctx, o.Name, o, nil); err != nil {
			return err
		}
	}
	return zw.Close()
}

// zipExport materializes the folder as <archiveDir>/<tenant>/<uuid>.zip.
// The archive is written to a temp file and only renamed into place once
// complete.
func (e *Executor) zipExport(ctx context.Context, j *job) error {
	srcKey, err := e.bridge.KeyFor(j.tenant, j.src.Path, j.prefix)
	if err != nil {
		return err
	}
	objs, _, err := Enumerate(ctx, j.client, srcKey)
	if err != nil {
		return err
	}

	dest := filepath.Join(e.archiveDir, j.tenant, uuid.NewString()+".zip")
	f, err := filex.CreateTemp(dest)
	if err != nil {
		return err
	}

	zw := NewZipWriter(f, j.client, e.chunkSize)
	wrap := func(r io.Reader) io.Reader { return &progressReader{r: r, tick: e.tick(j)} }
	items := make([]item, 0, len(objs))
	for _, o := range objs {
		items = append(items, item{
			name: strings.TrimPrefix(o.Key, j.prefix),
			size: o.Size,
			do:   func(ctx context.Context) error { return zw.Add(ctx, o.Name, o, wrap) },
		})
	}

	if err := e.runItems(ctx, j, items, true); err != nil {
		filex.Discard(f)
		return err
	}
	if err := zw.Close(); err != nil {
		filex.Discard(f)
		return fmt.Errorf("finish archive: %w", err)
	}
	if err := filex.Commit(f, dest); err != nil {
		return err
	}
	j.archive = dest
	return nil
}

package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/dmitrijs2005/notebookhub/internal/common"
	"github.com/dmitrijs2005/notebookhub/internal/server/models"
	"github.com/dmitrijs2005/notebookhub/internal/server/transfers"
)

const zipContentType = "application/zip"

// StreamResult is either a payload ready to stream or, when Token is set,
// the token of a background transfer that took over because the payload
// was too large.
type StreamResult struct {
	Name        string
	ContentType string
	// Size is -1 when unknown up front, as for zip archives built on the fly.
	Size  int64
	Token string

	body  io.ReadCloser
	write func(w io.Writer) error
}

// NewStreamResult wraps an already open body of known size.
func NewStreamResult(name, contentType string, size int64, body io.ReadCloser) *StreamResult {
	return &StreamResult{Name: name, ContentType: contentType, Size: size, body: body}
}

// Deferred reports whether the payload went to a background transfer.
func (r *StreamResult) Deferred() bool { return r.Token != "" }

// WriteTo streams the payload to w.
func (r *StreamResult) WriteTo(w io.Writer) (int64, error) {
	switch {
	case r.body != nil:
		return io.Copy(w, r.body)
	case r.write != nil:
		cw := &countingWriter{w: w}
		err := r.write(cw)
		return cw.n, err
	}
	return 0, nil
}

func (r *StreamResult) Close() error {
	if r.body != nil {
		return r.body.Close()
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// StreamObject streams one remote object. Objects at or above the stream
// threshold are downloaded into the tenant's workspace root by a background
// transfer instead.
func (s *StorageService) StreamObject(ctx context.Context, tenant, rel string) (*StreamResult, error) {
	c, cfg, err := s.client(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if models.Remote(rel).IsFolder() {
		return nil, fmt.Errorf("%q is a folder: %w", rel, common.ErrorValidation)
	}
	key, err := s.bridge.KeyFor(tenant, rel, cfg.Prefix)
	if err != nil {
		return nil, err
	}
	name := path.Base(key)

	obj, err := c.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	if obj.Size >= s.streamThreshold {
		token, err := s.executor.Start(ctx, models.KindDownload, tenant, cfg, models.Remote(rel), models.Local(""))
		if err != nil {
			return nil, err
		}
		s.logger.Info(ctx, "object too large to stream, download started",
			"tenant", tenant, "key", key, "size", humanize.IBytes(uint64(obj.Size)), "token", token)
		return &StreamResult{Name: name, Size: obj.Size, Token: token}, nil
	}

	body, obj, err := c.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	ct := obj.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	return NewStreamResult(name, ct, obj.Size, body), nil
}

// StreamFolderAsZip streams a remote folder as a zip archive built on the
// fly. Folders whose total size reaches the stream threshold are exported
// by a background zip-export instead; fetch the result with OpenArchive.
func (s *StorageService) StreamFolderAsZip(ctx context.Context, tenant, rel string) (*StreamResult, error) {
	c, cfg, err := s.client(ctx, tenant)
	if err != nil {
		return nil, err
	}
	dir := folder(rel)
	prefix, err := s.bridge.KeyFor(tenant, dir, cfg.Prefix)
	if err != nil {
		return nil, err
	}
	name := archiveName(tenant, dir)

	objs, size, err := transfers.Enumerate(ctx, c, prefix)
	if err != nil {
		return nil, err
	}
	if size >= s.streamThreshold {
		token, err := s.executor.Start(ctx, models.KindZipExport, tenant, cfg, models.Remote(dir), models.Location{})
		if err != nil {
			return nil, err
		}
		s.logger.Info(ctx, "folder too large to stream, zip export started",
			"tenant", tenant, "prefix", prefix, "size", humanize.IBytes(uint64(size)), "token", token)
		return &StreamResult{Name: name, ContentType: zipContentType, Size: -1, Token: token}, nil
	}

	return &StreamResult{
		Name:        name,
		ContentType: zipContentType,
		Size:        -1,
		write: func(w io.Writer) error {
			return transfers.WriteZip(ctx, w, c, objs, s.chunkSize)
		},
	}, nil
}

// OpenArchive opens the archive produced by a succeeded zip-export task.
func (s *StorageService) OpenArchive(tenant, token string) (*StreamResult, error) {
	t, err := s.GetTransferStatus(tenant, token)
	if err != nil {
		return nil, err
	}
	if t.Kind != models.KindZipExport {
		return nil, fmt.Errorf("task %s is a %s, not a zip export: %w", token, t.Kind, common.ErrorValidation)
	}
	if t.Status != models.StatusSucceeded || t.ArchivePath == "" {
		return nil, fmt.Errorf("task %s is %s: %w", token, t.Status, common.ErrorValidation)
	}

	f, err := os.Open(t.ArchivePath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("archive of task %s: %w", token, common.ErrorNotFound)
	}
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return NewStreamResult(archiveName(tenant, folder(t.Source.Path)), zipContentType, fi.Size(), f), nil
}

func folder(rel string) string {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return ""
	}
	return rel + "/"
}

func archiveName(tenant, dir string) string {
	if dir == "" {
		return tenant + ".zip"
	}
	return path.Base(strings.TrimSuffix(dir, "/")) + ".zip"
}

var _ io.WriterTo = (*StreamResult)(nil)

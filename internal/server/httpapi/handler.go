package httpapi

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrijs2005/notebookhub/internal/common"
	"github.com/dmitrijs2005/notebookhub/internal/server/models"
	"github.com/dmitrijs2005/notebookhub/internal/server/services"
)

type configResponse struct {
	Configured bool                  `json:"configured"`
	Config     *models.StorageConfig `json:"config,omitempty"`
}

type transferRequest struct {
	Kind        models.TransferKind `json:"kind"`
	Source      string              `json:"source"`
	Destination string              `json:"destination"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type textResponse struct {
	Content string `json:"content"`
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, ok, err := s.storage.ResolveConfig(ctx, tenantFrom(ctx))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, configResponse{})
		return
	}
	red := cfg.Redacted()
	writeJSON(w, http.StatusOK, configResponse{Configured: true, Config: &red})
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var cfg models.StorageConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("empty body: %w", common.ErrorValidation)
		}
		s.writeError(ctx, w, err)
		return
	}
	if err := s.storage.SavePersonalConfig(ctx, tenantFrom(ctx), cfg); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.storage.DeletePersonalConfig(ctx, tenantFrom(ctx)); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// testConnection checks the config in the body, or the resolved one when
// the body is empty.
func (s *Server) testConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var supplied *models.StorageConfig
	var cfg models.StorageConfig
	switch err := decodeJSON(w, r, &cfg); {
	case err == nil:
		supplied = &cfg
	case !errors.Is(err, io.EOF):
		s.writeError(ctx, w, err)
		return
	}

	res, err := s.storage.TestConnection(ctx, tenantFrom(ctx), supplied)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listRemote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	recursive, err := boolParam(q.Get("recursive"))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	entries, err := s.storage.List(ctx, tenantFrom(ctx), q.Get("path"), recursive)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) listLocal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := s.storage.ListLocal(tenantFrom(ctx), r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) readText(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	loc, err := models.ParseLocation(r.URL.Query().Get("location"))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	content, err := s.storage.ReadText(ctx, tenantFrom(ctx), loc)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, textResponse{Content: content})
}

func (s *Server) startTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("empty body: %w", common.ErrorValidation)
		}
		s.writeError(ctx, w, err)
		return
	}
	src, err := models.ParseLocation(req.Source)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	dst, err := models.ParseLocation(req.Destination)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	token, err := s.storage.StartTransfer(ctx, tenantFrom(ctx), req.Kind, src, dst)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/api/transfers/"+token)
	writeJSON(w, http.StatusAccepted, tokenResponse{Token: token})
}

func (s *Server) listTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.storage.ListTransfers(tenantFrom(r.Context())))
}

func (s *Server) getTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.storage.GetTransferStatus(tenantFrom(ctx), chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) cancelTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, token := tenantFrom(ctx), chi.URLParam(r, "token")
	if err := s.storage.CancelTransfer(tenant, token); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	t, err := s.storage.GetTransferStatus(tenant, token)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) streamObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := s.storage.StreamObject(ctx, tenantFrom(ctx), r.URL.Query().Get("path"))
	s.stream(w, r, res, err)
}

func (s *Server) streamZip(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := s.storage.StreamFolderAsZip(ctx, tenantFrom(ctx), r.URL.Query().Get("path"))
	s.stream(w, r, res, err)
}

func (s *Server) downloadArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := s.storage.OpenArchive(tenantFrom(ctx), chi.URLParam(r, "token"))
	s.stream(w, r, res, err)
}

// stream writes res as an attachment. A deferred result answers 202 with
// the token of the background transfer.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, res *services.StreamResult, err error) {
	ctx := r.Context()
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	defer res.Close()

	if res.Deferred() {
		w.Header().Set("Location", "/api/transfers/"+res.Token)
		writeJSON(w, http.StatusAccepted, tokenResponse{Token: res.Token})
		return
	}

	h := w.Header()
	h.Set("Content-Type", res.ContentType)
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": res.Name}))
	if res.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(res.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	// Headers are gone by now; a failure can only be logged.
	if n, err := res.WriteTo(w); err != nil {
		s.logger.Warn(ctx, "stream interrupted", "name", res.Name, "written", n, "error", err)
	}
}

func boolParam(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%q is not a boolean: %w", v, common.ErrorValidation)
	}
	return b, nil
}

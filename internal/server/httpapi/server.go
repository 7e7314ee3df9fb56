// Package httpapi is the JSON-over-HTTP front of the storage service. The
// tenant comes from a bearer JWT; every handler is a thin adapter over
// services.StorageService.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrijs2005/notebookhub/internal/logging"
	"github.com/dmitrijs2005/notebookhub/internal/server/metrics"
	"github.com/dmitrijs2005/notebookhub/internal/server/models"
	"github.com/dmitrijs2005/notebookhub/internal/server/objstore"
	"github.com/dmitrijs2005/notebookhub/internal/server/services"
)

const shutdownTimeout = 10 * time.Second

// Storage is the part of services.StorageService the handlers use.
type Storage interface {
	ResolveConfig(ctx context.Context, tenant string) (models.StorageConfig, bool, error)
	TestConnection(ctx context.Context, tenant string, supplied *models.StorageConfig) (objstore.ConnectionResult, error)
	SavePersonalConfig(ctx context.Context, tenant string, cfg models.StorageConfig) error
	DeletePersonalConfig(ctx context.Context, tenant string) error

	List(ctx context.Context, tenant, rel string, recursive bool) ([]models.RemoteEntry, error)
	ListLocal(tenant, rel string) ([]models.WorkspaceEntry, error)
	ReadText(ctx context.Context, tenant string, loc models.Location) (string, error)

	StartTransfer(ctx context.Context, tenant string, kind models.TransferKind, src, dst models.Location) (string, error)
	GetTransferStatus(tenant, token string) (models.TransferTask, error)
	ListTransfers(tenant string) []models.TransferTask
	CancelTransfer(tenant, token string) error

	StreamObject(ctx context.Context, tenant, rel string) (*services.StreamResult, error)
	StreamFolderAsZip(ctx context.Context, tenant, rel string) (*services.StreamResult, error)
	OpenArchive(tenant, token string) (*services.StreamResult, error)
}

type Server struct {
	address   string
	storage   Storage
	logger    logging.Logger
	jwtSecret []byte
}

func NewServer(a string, l logging.Logger, s Storage, secretKey string) *Server {
	return &Server{
		address:   a,
		logger:    l.With("module", "http_server"),
		storage:   s,
		jwtSecret: []byte(secretKey),
	}
}

// Routes builds the router. /metrics and /healthz are public, everything
// under /api needs a bearer token.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(s.tenantMiddleware)

		api.Get("/config", s.getConfig)
		api.Put("/config", s.putConfig)
		api.Delete("/config", s.deleteConfig)
		api.Post("/config/test", s.testConnection)

		api.Get("/remote", s.listRemote)
		api.Get("/remote/object", s.streamObject)
		api.Get("/remote/zip", s.streamZip)
		api.Get("/local", s.listLocal)
		api.Get("/text", s.readText)

		api.Post("/transfers", s.startTransfer)
		api.Get("/transfers", s.listTransfers)
		api.Get("/transfers/{token}", s.getTransfer)
		api.Post("/transfers/{token}/cancel", s.cancelTransfer)
		api.Get("/transfers/{token}/archive", s.downloadArchive)
	})
	return r
}

func (s *Server) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.logger.Error(sctx, "shutdown", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", listen.Addr().String())

	if err := srv.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

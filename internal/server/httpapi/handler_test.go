package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/notebookhub/internal/common"
	"github.com/dmitrijs2005/notebookhub/internal/logging"
	"github.com/dmitrijs2005/notebookhub/internal/server/auth"
	"github.com/dmitrijs2005/notebookhub/internal/server/models"
	"github.com/dmitrijs2005/notebookhub/internal/server/objstore"
	"github.com/dmitrijs2005/notebookhub/internal/server/services"
)

const testSecret = "test-secret"

// ---- fake ----

// fakeStorage records what the handlers pass in. When err is set every
// call fails with it.
type fakeStorage struct {
	err error

	tenant string

	cfg        models.StorageConfig
	configured bool
	saved      *models.StorageConfig
	deleted    bool

	supplied *models.StorageConfig
	testRes  objstore.ConnectionResult

	path      string
	recursive bool
	remote    []models.RemoteEntry
	local     []models.WorkspaceEntry

	textLoc models.Location
	text    string

	kind     models.TransferKind
	src, dst models.Location
	token    string
	tasks    map[string]models.TransferTask
	canceled string

	stream *services.StreamResult
}

func (f *fakeStorage) ResolveConfig(_ context.Context, tenant string) (models.StorageConfig, bool, error) {
	f.tenant = tenant
	return f.cfg, f.configured, f.err
}

func (f *fakeStorage) TestConnection(_ context.Context, tenant string, supplied *models.StorageConfig) (objstore.ConnectionResult, error) {
	f.tenant, f.supplied = tenant, supplied
	return f.testRes, f.err
}

func (f *fakeStorage) SavePersonalConfig(_ context.Context, tenant string, cfg models.StorageConfig) error {
	f.tenant, f.saved = tenant, &cfg
	return f.err
}

func (f *fakeStorage) DeletePersonalConfig(_ context.Context, tenant string) error {
	f.tenant, f.deleted = tenant, true
	return f.err
}

func (f *fakeStorage) List(_ context.Context, tenant, rel string, recursive bool) ([]models.RemoteEntry, error) {
	f.tenant, f.path, f.recursive = tenant, rel, recursive
	return f.remote, f.err
}

func (f *fakeStorage) ListLocal(tenant, rel string) ([]models.WorkspaceEntry, error) {
	f.tenant, f.path = tenant, rel
	return f.local, f.err
}

func (f *fakeStorage) ReadText(_ context.Context, tenant string, loc models.Location) (string, error) {
	f.tenant, f.textLoc = tenant, loc
	return f.text, f.err
}

func (f *fakeStorage) StartTransfer(_ context.Context, tenant string, kind models.TransferKind, src, dst models.Location) (string, error) {
	f.tenant, f.kind, f.src, f.dst = tenant, kind, src, dst
	return f.token, f.err
}

func (f *fakeStorage) GetTransferStatus(tenant, token string) (models.TransferTask, error) {
	f.tenant = tenant
	if f.err != nil {
		return models.TransferTask{}, f.err
	}
	t, ok := f.tasks[token]
	if !ok || t.Tenant != tenant {
		return models.TransferTask{}, fmt.Errorf("task %s: %w", token, common.ErrorNotFound)
	}
	return t, nil
}

func (f *fakeStorage) ListTransfers(tenant string) []models.TransferTask {
	f.tenant = tenant
	out := []models.TransferTask{}
	for _, t := range f.tasks {
		if t.Tenant == tenant {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeStorage) CancelTransfer(tenant, token string) error {
	if _, err := f.GetTransferStatus(tenant, token); err != nil {
		return err
	}
	t := f.tasks[token]
	if t.Status.Terminal() {
		return fmt.Errorf("task %s: %w", token, common.ErrAlreadyTerminal)
	}
	t.Status = models.StatusCancelled
	f.tasks[token] = t
	f.canceled = token
	return nil
}

func (f *fakeStorage) StreamObject(_ context.Context, tenant, rel string) (*services.StreamResult, error) {
	f.tenant, f.path = tenant, rel
	return f.stream, f.err
}

func (f *fakeStorage) StreamFolderAsZip(_ context.Context, tenant, rel string) (*services.StreamResult, error) {
	f.tenant, f.path = tenant, rel
	return f.stream, f.err
}

func (f *fakeStorage) OpenArchive(tenant, token string) (*services.StreamResult, error) {
	f.tenant, f.token = tenant, token
	return f.stream, f.err
}

// ---- helpers ----

func newHandler(t *testing.T) (*fakeStorage, http.Handler) {
	t.Helper()
	f := &fakeStorage{tasks: map[string]models.TransferTask{}}
	return f, NewServer(":0", logging.NewNop(), f, testSecret).Routes()
}

func bearer(t *testing.T, tenant string) string {
	t.Helper()
	tok, err := auth.GenerateToken(tenant, []byte(testSecret), time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func do(t *testing.T, h http.Handler, method, target, authz, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// ---- tests ----

func TestAuth_Rejects(t *testing.T) {
	_, h := newHandler(t)

	expired, err := auth.GenerateToken("alice", []byte(testSecret), -time.Minute)
	require.NoError(t, err)
	foreign, err := auth.GenerateToken("alice", []byte("other-secret"), time.Hour)
	require.NoError(t, err)

	for name, authz := range map[string]string{
		"missing":      "",
		"not bearer":   "Basic abc",
		"empty bearer": "Bearer ",
		"garbage":      "Bearer not-a-jwt",
		"expired":      "Bearer " + expired,
		"wrong secret": "Bearer " + foreign,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, "/api/config", authz, "")
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, common.KindUnauthorized, decode[errorResponse](t, rec).Kind)
		})
	}
}

func TestPublicEndpoints(t *testing.T) {
	_, h := newHandler(t)

	rec := do(t, h, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "notebookhub_http_requests_total")
}

func TestGetConfig(t *testing.T) {
	f, h := newHandler(t)

	rec := do(t, h, http.MethodGet, "/api/config", bearer(t, "alice"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"configured":false}`, rec.Body.String())
	assert.Equal(t, "alice", f.tenant)

	f.configured = true
	f.cfg = models.StorageConfig{Bucket: "b", AccessKey: "ak", SecretKey: "sk", Source: models.SourcePersonal}
	rec = do(t, h, http.MethodGet, "/api/config", bearer(t, "alice"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[configResponse](t, rec)
	require.True(t, got.Configured)
	assert.Equal(t, "b", got.Config.Bucket)
	assert.Equal(t, "********", got.Config.SecretKey)
}

func TestPutAndDeleteConfig(t *testing.T) {
	f, h := newHandler(t)
	authz := bearer(t, "bob")

	rec := do(t, h, http.MethodPut, "/api/config", authz,
		`{"endpoint":"http://minio:9000","access_key":"ak","secret_key":"sk","bucket":"data"}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	require.NotNil(t, f.saved)
	assert.Equal(t, "data", f.saved.Bucket)
	assert.Equal(t, "sk", f.saved.SecretKey)
	assert.Equal(t, "bob", f.tenant)

	rec = do(t, h, http.MethodPut, "/api/config", authz, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/config", authz, `{"bucket":"x","colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/config", authz, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, f.deleted)
}

func TestTestConnection(t *testing.T) {
	f, h := newHandler(t)
	f.testRes = objstore.ConnectionResult{Kind: objstore.ConnBucketNotFound, Message: "nope"}

	rec := do(t, h, http.MethodPost, "/api/config/test", bearer(t, "alice"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, f.supplied)
	assert.Equal(t, objstore.ConnBucketNotFound, decode[objstore.ConnectionResult](t, rec).Kind)

	rec = do(t, h, http.MethodPost, "/api/config/test", bearer(t, "alice"), `{"bucket":"other"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.supplied)
	assert.Equal(t, "other", f.supplied.Bucket)
}

func TestErrorKindsMapToStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("x: %w", common.ErrConfigAbsent), http.StatusConflict},
		{fmt.Errorf("x: %w", common.ErrorValidation), http.StatusBadRequest},
		{fmt.Errorf("x: %w", common.ErrorNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", common.ErrAlreadyTerminal), http.StatusConflict},
		{fmt.Errorf("x: %w", common.ErrConnection), http.StatusBadGateway},
		{fmt.Errorf("x: %w", common.ErrTimeout), http.StatusGatewayTimeout},
		{fmt.Errorf("x: %w", common.ErrInvalidToken), http.StatusUnauthorized},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(common.KindOf(tt.err)), func(t *testing.T) {
			f, h := newHandler(t)
			f.err = tt.err
			rec := do(t, h, http.MethodGet, "/api/remote", bearer(t, "alice"), "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestErrorBody(t *testing.T) {
	f, h := newHandler(t)

	f.err = fmt.Errorf("tenant alice: %w", common.ErrConfigAbsent)
	rec := do(t, h, http.MethodGet, "/api/remote", bearer(t, "alice"), "")
	got := decode[errorResponse](t, rec)
	require.NotNil(t, got.Configured)
	assert.False(t, *got.Configured)
	assert.Equal(t, common.KindConfigAbsent, got.Kind)

	f.err = fmt.Errorf("pq: password authentication failed for user admin")
	rec = do(t, h, http.MethodGet, "/api/remote", bearer(t, "alice"), "")
	got = decode[errorResponse](t, rec)
	assert.Equal(t, common.KindInternal, got.Kind)
	assert.Equal(t, "internal error", got.Error)
	assert.Nil(t, got.Configured)
}

func TestListRemote(t *testing.T) {
	f, h := newHandler(t)
	f.remote = []models.RemoteEntry{{Path: "docs/a.txt", Key: "alice/docs/a.txt", Kind: models.EntryFile, Size: 3}}

	rec := do(t, h, http.MethodGet, "/api/remote?path=docs/&recursive=true", bearer(t, "alice"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "docs/", f.path)
	assert.True(t, f.recursive)
	got := decode[[]models.RemoteEntry](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, "docs/a.txt", got[0].Path)

	rec = do(t, h, http.MethodGet, "/api/remote?recursive=maybe", bearer(t, "alice"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListLocal(t *testing.T) {
	f, h := newHandler(t)
	f.local = []models.WorkspaceEntry{{Path: "notes", Kind: models.EntryDirectory}}

	rec := do(t, h, http.MethodGet, "/api/local?path=projects", bearer(t, "alice"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "projects", f.path)
	assert.Len(t, decode[[]models.WorkspaceEntry](t, rec), 1)
}

func TestReadText(t *testing.T) {
	f, h := newHandler(t)
	f.text = "hello"

	rec := do(t, h, http.MethodGet, "/api/text?location=remote:notes/a.txt", bearer(t, "alice"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.Remote("notes/a.txt"), f.textLoc)
	assert.Equal(t, "hello", decode[textResponse](t, rec).Content)

	rec = do(t, h, http.MethodGet, "/api/text?location=ftp:x", bearer(t, "alice"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartTransfer(t *testing.T) {
	f, h := newHandler(t)
	f.token = "0123456789abcdef0123456789abcdef"

	rec := do(t, h, http.MethodPost, "/api/transfers", bearer(t, "alice"),
		`{"kind":"upload","source":"local:projects/data.csv","destination":"remote:datasets/"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, f.token, decode[tokenResponse](t, rec).Token)
	assert.Equal(t, "/api/transfers/"+f.token, rec.Header().Get("Location"))
	assert.Equal(t, models.KindUpload, f.kind)
	assert.Equal(t, models.Local("projects/data.csv"), f.src)
	assert.Equal(t, models.Remote("datasets/"), f.dst)

	rec = do(t, h, http.MethodPost, "/api/transfers", bearer(t, "alice"),
		`{"kind":"upload","source":"projects/data.csv","destination":"remote:x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransferStatusAndCancel(t *testing.T) {
	f, h := newHandler(t)
	f.tasks["t1"] = models.TransferTask{Token: "t1", Tenant: "alice", Kind: models.KindCopy, Status: models.StatusRunning}
	f.tasks["t2"] = models.TransferTask{Token: "t2", Tenant: "alice", Kind: models.KindCopy, Status: models.StatusSucceeded}
	f.tasks["t3"] = models.TransferTask{Token: "t3", Tenant: "bob", Kind: models.KindCopy, Status: models.StatusRunning}
	authz := bearer(t, "alice")

	rec := do(t, h, http.MethodGet, "/api/transfers/t1", authz, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusRunning, decode[models.TransferTask](t, rec).Status)

	rec = do(t, h, http.MethodGet, "/api/transfers/t3", authz, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/transfers", authz, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.TransferTask](t, rec), 2)

	rec = do(t, h, http.MethodPost, "/api/transfers/t1/cancel", authz, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusCancelled, decode[models.TransferTask](t, rec).Status)
	assert.Equal(t, "t1", f.canceled)

	rec = do(t, h, http.MethodPost, "/api/transfers/t2/cancel", authz, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, common.KindAlreadyTerminal, decode[errorResponse](t, rec).Kind)
}

func TestStreamObject(t *testing.T) {
	f, h := newHandler(t)
	f.stream = services.NewStreamResult("a.txt", "text/plain", 5, io.NopCloser(strings.NewReader("hello")))

	rec := do(t, h, http.MethodGet, "/api/remote/object?path=docs/a.txt", bearer(t, "alice"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "docs/a.txt", f.path)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	assert.Equal(t, "attachment; filename=a.txt", rec.Header().Get("Content-Disposition"))
}

func TestStream_Deferred(t *testing.T) {
	f, h := newHandler(t)
	f.stream = &services.StreamResult{Name: "docs.zip", Size: -1, Token: "tok"}

	rec := do(t, h, http.MethodGet, "/api/remote/zip?path=docs", bearer(t, "alice"), "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "tok", decode[tokenResponse](t, rec).Token)
	assert.Equal(t, "/api/transfers/tok", rec.Header().Get("Location"))
}

func TestDownloadArchive(t *testing.T) {
	f, h := newHandler(t)
	f.stream = services.NewStreamResult("docs.zip", "application/zip", 4, io.NopCloser(strings.NewReader("PK..")))

	rec := do(t, h, http.MethodGet, "/api/transfers/tok/archive", bearer(t, "alice"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tok", f.token)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Equal(t, "PK..", rec.Body.String())

	f.stream, f.err = nil, fmt.Errorf("task tok is running: %w", common.ErrorValidation)
	rec = do(t, h, http.MethodGet, "/api/transfers/tok/archive", bearer(t, "alice"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

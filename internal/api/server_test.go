package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Martian-dev/invoice-ingest/internal/auth"
	"github.com/Martian-dev/invoice-ingest/internal/config"
	"github.com/Martian-dev/invoice-ingest/internal/errors"
	"github.com/Martian-dev/invoice-ingest/internal/metrics"
	"github.com/Martian-dev/invoice-ingest/internal/sync"
)

type fakeSyncer struct {
	userErr       error
	users         []string
	scheduledRuns int
}

func (f *fakeSyncer) RunForUser(ctx context.Context, userID string) (*sync.RunSummary, error) {
	f.users = append(f.users, userID)
	if f.userErr != nil {
		return nil, f.userErr
	}
	return &sync.RunSummary{Trigger: sync.TriggerOnDemand, AccountsProcessed: 1, MessagesProcessed: 4, ArtifactsFound: 2}, nil
}

func (f *fakeSyncer) RunScheduled(ctx context.Context) *sync.RunSummary {
	f.scheduledRuns++
	return &sync.RunSummary{Trigger: sync.TriggerScheduled, AccountsProcessed: 3}
}

type fakeCallers struct{}

func (fakeCallers) CallerFromRequest(r *http.Request) (*auth.Caller, error) {
	if r.Header.Get("Authorization") != "Bearer user-token" {
		return nil, stderrors.New("bad token")
	}
	return &auth.Caller{UserID: "user-1"}, nil
}

const cronSecret = "cron-secret"

func setupTestServer(t *testing.T, syncer *fakeSyncer) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewServer(config.ServerConfig{Host: "localhost", Port: 8080}, syncer, fakeCallers{}, auth.NewCronVerifier(cronSecret), metrics.New("invoice_ingest"), zap.NewNop())
}

func do(s *Server, method, path, authorization string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t, &fakeSyncer{})

	w := do(s, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestServer(t, &fakeSyncer{})
	do(s, http.MethodGet, "/healthz", "")

	w := do(s, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "invoice_ingest_http_requests_total")
}

func TestHandleSync(t *testing.T) {
	syncer := &fakeSyncer{}
	s := setupTestServer(t, syncer)

	w := do(s, http.MethodPost, "/api/v1/sync", "Bearer user-token")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"user-1"}, syncer.users)

	var summary sync.RunSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 4, summary.MessagesProcessed)
	assert.Equal(t, 2, summary.ArtifactsFound)
}

func TestHandleSync_Unauthorized(t *testing.T) {
	syncer := &fakeSyncer{}
	s := setupTestServer(t, syncer)

	for _, header := range []string{"", "Bearer wrong"} {
		w := do(s, http.MethodPost, "/api/v1/sync", header)
		assert.Equal(t, http.StatusUnauthorized, w.Code, header)
	}
	assert.Empty(t, syncer.users)
}

func TestHandleSync_NotConfigured(t *testing.T) {
	s := setupTestServer(t, &fakeSyncer{userErr: &errors.ErrNotConfigured{UserID: "user-1"}})

	w := do(s, http.MethodPost, "/api/v1/sync", "Bearer user-token")

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "not_configured", body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestHandleSync_InternalError(t *testing.T) {
	s := setupTestServer(t, &fakeSyncer{userErr: &errors.ErrStorage{Op: "list user accounts", Err: stderrors.New("db down")}})

	w := do(s, http.MethodPost, "/api/v1/sync", "Bearer user-token")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "db down")
}

func TestHandleCronSync(t *testing.T) {
	syncer := &fakeSyncer{}
	s := setupTestServer(t, syncer)

	token, err := auth.NewCronVerifier(cronSecret).Issue(time.Minute)
	require.NoError(t, err)

	w := do(s, http.MethodPost, "/api/v1/cron/sync", "Bearer "+token)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, syncer.scheduledRuns)
	assert.Contains(t, w.Body.String(), `"accountsProcessed":3`)
}

func TestHandleCronSync_Rejected(t *testing.T) {
	syncer := &fakeSyncer{}
	s := setupTestServer(t, syncer)

	forged, err := auth.NewCronVerifier("other-secret").Issue(time.Minute)
	require.NoError(t, err)

	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer " + forged, "Bearer user-token"} {
		w := do(s, http.MethodPost, "/api/v1/cron/sync", header)
		assert.Equal(t, http.StatusUnauthorized, w.Code, header)
	}
	assert.Equal(t, 0, syncer.scheduledRuns)
}

func TestMethodNotAllowed(t *testing.T) {
	s := setupTestServer(t, &fakeSyncer{})

	w := do(s, http.MethodGet, "/api/v1/sync", "Bearer user-token")

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestBearerToken(t *testing.T) {
	token, ok := bearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", token)

	token, ok = bearerToken("bearer   xyz ")
	assert.True(t, ok)
	assert.Equal(t, "xyz", token)

	_, ok = bearerToken("Token abc")
	assert.False(t, ok)
}

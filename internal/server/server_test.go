package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gambtho/container-assist/internal/resources"
	"github.com/gambtho/container-assist/internal/workflow"
)

type startCall struct {
	sessionID string
	token     string
}

type fakeRunner struct {
	started chan startCall
}

func (f *fakeRunner) Run(_ context.Context, sessionID, token string) (*workflow.Result, error) {
	f.started <- startCall{sessionID: sessionID, token: token}
	return &workflow.Result{SessionID: sessionID, Success: true}, nil
}

func setupTestServer(t *testing.T) (*Server, *fakeRunner) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	sessions := workflow.NewSessionManager(workflow.SessionManagerConfig{}, logger)
	t.Cleanup(sessions.Close)

	store, err := resources.NewStore(resources.DefaultConfig(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	runner := &fakeRunner{started: make(chan startCall, 8)}

	srv, err := NewServer(Options{
		Sessions: sessions,
		Runner:   runner,
		Store:    store,
		Logger:   logger,
	})
	require.NoError(t, err)

	return srv, runner
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer_Validation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	sessions := workflow.NewSessionManager(workflow.SessionManagerConfig{}, logger)
	t.Cleanup(sessions.Close)
	store, err := resources.NewStore(resources.DefaultConfig(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	runner := &fakeRunner{started: make(chan startCall, 1)}

	_, err = NewServer(Options{Runner: runner, Store: store})
	assert.ErrorContains(t, err, "session manager is required")

	_, err = NewServer(Options{Sessions: sessions, Store: store})
	assert.ErrorContains(t, err, "workflow runner is required")

	_, err = NewServer(Options{Sessions: sessions, Runner: runner})
	assert.ErrorContains(t, err, "resource store is required")
}

func TestHandleHealth(t *testing.T) {
	srv, _ := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "container-assist", resp.Service)
}

func TestStartWorkflow(t *testing.T) {
	srv, runner := setupTestServer(t)
	repo := t.TempDir()

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/workflows", StartWorkflowRequest{
		RepoPath:          repo,
		TargetEnvironment: "staging",
		ProgressToken:     "tok-1",
		AutoRemediate:     true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp StartWorkflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)
	assert.Equal(t, workflow.StatusPending, resp.Status)

	select {
	case call := <-runner.started:
		assert.Equal(t, resp.SessionID, call.sessionID)
		assert.Equal(t, "tok-1", call.token)
	case <-time.After(2 * time.Second):
		t.Fatal("runner was never invoked")
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/workflows/"+resp.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sess workflow.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, repo, sess.Repository.Path)
	assert.Equal(t, "staging", sess.Config.TargetEnvironment)
	assert.True(t, sess.Config.EnableAutoRemediation)
	// Unset request fields fall back to run defaults.
	assert.Equal(t, workflow.DefaultRunConfig().MaxCandidates, sess.Config.MaxCandidates)
}

func TestStartWorkflow_Validation(t *testing.T) {
	srv, _ := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/workflows", StartWorkflowRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "repo_path is required")

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/workflows", StartWorkflowRequest{
		RepoPath: "/does/not/exist",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not a directory")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", bytes.NewReader([]byte("not json")))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec2 := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestGetWorkflow_NotFound(t *testing.T) {
	srv, _ := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/workflows/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListWorkflows(t *testing.T) {
	srv, _ := setupTestServer(t)
	ctx := context.Background()

	first, err := srv.sessions.Create(ctx, workflow.Repository{Path: "/tmp/app-one"}, workflow.RunConfig{})
	require.NoError(t, err)
	second, err := srv.sessions.Create(ctx, workflow.Repository{Path: "/tmp/app-two"}, workflow.RunConfig{})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []WorkflowSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)

	ids := []string{out[0].ID, out[1].ID}
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)
}

func TestArtifacts(t *testing.T) {
	srv, _ := setupTestServer(t)
	ctx := context.Background()

	sess, err := srv.sessions.Create(ctx, workflow.Repository{Path: "/tmp/app"}, workflow.RunConfig{})
	require.NoError(t, err)

	content := []byte(`{"language":"go"}`)
	uri := "session://" + sess.ID + "/analysis.json"
	_, err = srv.store.Publish(ctx, uri, content, &resources.PublishOptions{MimeType: "application/json"})
	require.NoError(t, err)

	_, err = srv.sessions.Update(sess.ID, func(live *workflow.Session) error {
		live.State.Artifacts["analysis.json"] = uri
		live.State.Artifacts["scan.json"] = "session://" + sess.ID + "/scan.json"
		return nil
	})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/workflows/"+sess.ID+"/artifacts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var refs []ArtifactRef
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refs))
	require.Len(t, refs, 2)
	assert.Equal(t, "analysis.json", refs[0].Name)
	assert.Equal(t, uri, refs[0].URI)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/workflows/"+sess.ID+"/artifacts/analysis.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, content, rec.Body.Bytes())
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "application/json")

	// Listed but never published: the cache has no entry for it.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/workflows/"+sess.ID+"/artifacts/scan.json", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "expired or was invalidated")

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/workflows/"+sess.ID+"/artifacts/unknown.txt", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no artifact")

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/workflows/missing/artifacts", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatus(t *testing.T) {
	srv, _ := setupTestServer(t)
	ctx := context.Background()

	_, err := srv.sessions.Create(ctx, workflow.Repository{Path: "/tmp/app"}, workflow.RunConfig{})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Sessions.ActiveSessions)
	assert.Equal(t, 0, resp.Resources.Entries)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request id", func(t *testing.T) {
		srv, _ := setupTestServer(t)

		rec := doJSON(t, srv, http.MethodGet, "/health", nil)
		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panics", func(t *testing.T) {
		srv, _ := setupTestServer(t)
		srv.echo.GET("/panic", func(echo.Context) error {
			panic("boom")
		})

		req := httptest.NewRequest(http.MethodGet, "/panic", nil)
		rec := httptest.NewRecorder()
		assert.NotPanics(t, func() {
			srv.echo.ServeHTTP(rec, req)
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)

	cfg = Config{Host: "0.0.0.0", Port: 9000, ShutdownTimeout: time.Second}.withDefaults()
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, time.Second, cfg.ShutdownTimeout)
}

func TestServerLifecycle(t *testing.T) {
	srv, _ := setupTestServer(t)
	srv.config.Host = "localhost"
	srv.config.Port = 0 // random free port

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

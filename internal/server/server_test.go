package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/poemonsense/cloudpool/internal/account"
	"github.com/poemonsense/cloudpool/internal/account/strategies"
	"github.com/poemonsense/cloudpool/internal/cloudcode"
	"github.com/poemonsense/cloudpool/internal/config"
	"github.com/poemonsense/cloudpool/internal/stats"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.AccountStorePath = filepath.Join(t.TempDir(), "accounts.json")
	if mutate != nil {
		mutate(cfg)
	}

	store := account.NewStore(cfg.AccountStorePath)
	manager := account.NewManager(store, account.NewCredentials(nil, nil), strategies.NewRoundRobin(), cfg)
	require.NoError(t, manager.Initialize())

	client := cloudcode.NewClient(manager, cfg)
	srv := New(cfg, manager, client, stats.NewRecorder(nil))
	srv.SetupRoutes()
	return srv
}

func doRequest(srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	w := doRequest(srv, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Equal(t, "ok", gjson.Get(body, "status").String())
	assert.Equal(t, int64(0), gjson.Get(body, "counts.total").Int())
	assert.NotEmpty(t, gjson.Get(body, "strategy").String())
}

func TestMessagesRejectsInvalidBody(t *testing.T) {
	srv := newTestServer(t, nil)

	w := doRequest(srv, http.MethodPost, "/v1/messages", "{not json", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestMessagesRequiresModel(t *testing.T) {
	srv := newTestServer(t, nil)

	w := doRequest(srv, http.MethodPost, "/v1/messages",
		`{"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, gjson.Get(w.Body.String(), "error.message").String(), "model")
}

func TestMessagesRequiresMessages(t *testing.T) {
	srv := newTestServer(t, nil)

	w := doRequest(srv, http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4-5","messages":[]}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, gjson.Get(w.Body.String(), "error.message").String(), "messages")
}

func TestMessagesAnswersCountProbe(t *testing.T) {
	srv := newTestServer(t, nil)

	w := doRequest(srv, http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":1,"messages":[{"role":"user","content":[{"type":"text","text":"count"}]}]}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())
}

func TestAPIKeyMiddleware(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.APIKey = "secret"
	})

	// No key
	w := doRequest(srv, http.MethodPost, "/v1/messages", `{}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "authentication_error", gjson.Get(w.Body.String(), "error.type").String())

	// Wrong key
	w = doRequest(srv, http.MethodPost, "/v1/messages", `{}`,
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Bearer form passes auth and fails on validation instead
	w = doRequest(srv, http.MethodPost, "/v1/messages", `{}`,
		map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// X-API-Key form
	w = doRequest(srv, http.MethodPost, "/v1/messages", `{}`,
		map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unauthenticated endpoints stay open
	w = doRequest(srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCountTokensNotImplemented(t *testing.T) {
	srv := newTestServer(t, nil)

	w := doRequest(srv, http.MethodPost, "/v1/messages/count_tokens", `{}`, nil)
	require.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, "not_implemented", gjson.Get(w.Body.String(), "error.type").String())
}

func TestUnknownRouteReturnsAnthropicError(t *testing.T) {
	srv := newTestServer(t, nil)

	w := doRequest(srv, http.MethodGet, "/nope", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestSilentTelemetryEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)

	w := doRequest(srv, http.MethodPost, "/api/event_logging/batch", `{"events":[]}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, nil)

	w := doRequest(srv, http.MethodOptions, "/v1/messages", "", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t, nil)

	w := doRequest(srv, http.MethodGet, "/health", "", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 8)
}

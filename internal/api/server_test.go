package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/oremus-labs/aip-weave/internal/handlers"
	"github.com/oremus-labs/aip-weave/internal/weave"
)

func newTestServer(t *testing.T, token string) *Server {
	t.Helper()
	reg := weave.NewRegistry(weave.Config{OperatorURL: "http://operator.invalid", PlatformID: "P1"}, weave.Deps{Logger: zap.NewNop()})
	t.Cleanup(reg.Close)
	return NewServer(handlers.New(reg, nil, handlers.Options{}), Options{APIToken: token})
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t, "secret")

	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestSessionRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t, "secret")

	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("X-API-Key", "secret")
	w = httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 with api key got %d", w.Code)
	}
}

func TestOpenAPIServedAsJSON(t *testing.T) {
	srv := newTestServer(t, "")

	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/openapi", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"/v1/sessions"`) {
		t.Fatalf("openapi document missing session paths")
	}
}

func TestOpenAPIServedAsYAML(t *testing.T) {
	srv := newTestServer(t, "token")

	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", w.Code)
	}
	if !strings.HasPrefix(w.Body.String(), "openapi: 3.0.3") {
		t.Fatalf("unexpected yaml body: %.40s", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, "")

	srv.Engine().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !strings.Contains(w.Body.String(), "aip_weave_http_requests_total") {
		t.Fatalf("expected http metrics to be exported")
	}
}

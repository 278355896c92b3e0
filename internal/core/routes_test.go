package core

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"eventpulse/internal/config"
	"eventpulse/internal/types"
)

const testToken = "ep_0123abcd_secret"

func newTestServer(t *testing.T, registrars ...func(chi.Router)) (*Server, *RecordingMetrics) {
	t.Helper()

	cfg := &config.Config{
		Environment: "local",
		Security:    config.SecurityConfig{CorsAllowedOrigins: []string{"*"}},
		Build:       config.BuildInfo{Version: "test"},
	}
	srv, err := NewServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	metrics := &RecordingMetrics{}
	srv.Metrics = metrics
	srv.Authenticator = &StaticAuthenticator{Tokens: map[string]*types.Actor{
		testToken: {ID: "key_1", Type: types.ActorTypeAPIKey, Name: "dashboard"},
	}}
	srv.V1RouteRegistrars = registrars
	srv.MountRoutes()
	return srv, metrics
}

func whoAmI(r chi.Router) {
	r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
		actor, _ := types.GetActor(r.Context())
		JSON(w, r, http.StatusOK, map[string]string{"id": actor.ID})
	})
}

func TestNewServer_RejectsNilArguments(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewServer(nil, logger); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewServer(&config.Config{}, nil); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestMountRoutes_MiddlewareCount(t *testing.T) {
	srv, _ := newTestServer(t)
	if got := len(srv.Router().Middlewares()); got != 8 {
		t.Errorf("expected 8 middleware, got %d", got)
	}
}

func TestMountRoutes_HealthIsPublic(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body healthResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || body.Version != "test" {
		t.Errorf("unexpected body %+v", body)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("expected X-Request-Id header")
	}
}

func TestMountRoutes_MetricsHandlerOptional(t *testing.T) {
	srv, _ := newTestServer(t)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a metrics handler, got %d", w.Code)
	}

	cfg := &config.Config{}
	withMetrics, err := NewServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	withMetrics.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "eventpulse_up 1\n")
	})
	withMetrics.MountRoutes()

	w = httptest.NewRecorder()
	withMetrics.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || w.Body.String() != "eventpulse_up 1\n" {
		t.Errorf("unexpected /metrics response %d %q", w.Code, w.Body.String())
	}
}

func TestMountRoutes_V1RequiresToken(t *testing.T) {
	srv, metrics := newTestServer(t, whoAmI)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/whoami", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]string
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body["id"] != "key_1" {
		t.Errorf("expected actor key_1 in context, got %q", body["id"])
	}

	recorded := metrics.Snapshot()
	if len(recorded) != 2 {
		t.Fatalf("expected 2 recorded requests, got %d", len(recorded))
	}
	if recorded[1].Endpoint != "/v1/whoami" || recorded[1].Status != "200" {
		t.Errorf("unexpected metric labels %+v", recorded[1])
	}
}

func TestMountRoutes_UnmatchedPathLabel(t *testing.T) {
	srv, metrics := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	recorded := metrics.Snapshot()
	if len(recorded) != 1 || recorded[0].Endpoint != "unmatched" {
		t.Errorf("expected unmatched label, got %+v", recorded)
	}
}

func TestHTTPServer_UsesConfiguredTimeouts(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Config.Server = config.ServerConfig{Port: "9090", ReadTimeout: 3, WriteTimeout: 4, IdleTimeout: 5}

	hs := srv.HTTPServer()
	if hs.Addr != ":9090" {
		t.Errorf("expected :9090, got %s", hs.Addr)
	}
	if hs.ReadTimeout != 3 || hs.WriteTimeout != 4 || hs.IdleTimeout != 5 {
		t.Errorf("timeouts not applied: %+v", hs)
	}
}

// Package handlers contains the HTTP handlers mounted under /v1.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"eventpulse/internal/core"
	"eventpulse/internal/ingest"
	"eventpulse/internal/types"
)

// SessionHeader carries the browser session id in both directions.
const SessionHeader = "X-Session-Id"

// maxSessionIDLen bounds client-supplied session ids.
const maxSessionIDLen = 128

// Ingester stores a batch of sealed events. *ingest.Service satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, batch ingest.Batch, meta types.RequestMeta) (ingest.Result, error)
}

// IngestHandler serves POST /v1/events.
type IngestHandler struct {
	svc          Ingester
	maxBodyBytes int64
	cookieName   string
	limiter      func(http.Handler) http.Handler
	clock        types.Clock
	logger       *slog.Logger
}

// IngestOptions configures an IngestHandler.
type IngestOptions struct {
	MaxBodyBytes int64
	// SessionCookie is read when the header is absent and set when a new
	// session id is minted. Empty disables the cookie.
	SessionCookie string
	// RateLimit wraps the route; nil means unlimited.
	RateLimit func(http.Handler) http.Handler
	Clock     types.Clock
}

// NewIngestHandler creates an IngestHandler.
func NewIngestHandler(svc Ingester, opts IngestOptions, l *slog.Logger) *IngestHandler {
	if l == nil {
		l = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = types.RealClock{}
	}
	if opts.RateLimit == nil {
		opts.RateLimit = func(next http.Handler) http.Handler { return next }
	}
	return &IngestHandler{
		svc:          svc,
		maxBodyBytes: opts.MaxBodyBytes,
		cookieName:   opts.SessionCookie,
		limiter:      opts.RateLimit,
		clock:        opts.Clock,
		logger:       l,
	}
}

// RegisterRoutes mounts the rate-limited ingest route.
func (h *IngestHandler) RegisterRoutes(r chi.Router) {
	r.With(h.limiter).Post("/events", h.Create)
}

// Create handles POST /v1/events. The body must decode as a batch; invalid
// envelopes inside it are reported per index with a 200.
func (h *IngestHandler) Create(w http.ResponseWriter, r *http.Request) {
	var batch ingest.Batch
	if err := core.DecodeJSON(w, r, &batch, h.maxBodyBytes); err != nil {
		core.Error(w, r, err)
		return
	}

	sessionID, minted := h.sessionID(r)
	w.Header().Set(SessionHeader, sessionID)
	if minted && h.cookieName != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     h.cookieName,
			Value:    sessionID,
			Path:     "/",
			HttpOnly: true,
			Secure:   r.TLS != nil,
			SameSite: http.SameSiteLaxMode,
		})
	}

	meta := types.RequestMeta{
		SessionID:  sessionID,
		IPAddress:  core.ClientIP(r),
		UserAgent:  r.UserAgent(),
		ReceivedAt: h.clock.Now(),
	}
	ctx := types.WithSessionID(r.Context(), sessionID)

	res, err := h.svc.Ingest(ctx, batch, meta)
	if err != nil {
		h.logger.WarnContext(ctx, "ingest request failed",
			"session_id", sessionID,
			"envelopes", len(batch.Envelopes),
			"error", err,
		)
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, res)
}

// sessionID prefers the header, then the cookie, else mints a uuid.
func (h *IngestHandler) sessionID(r *http.Request) (string, bool) {
	if id := r.Header.Get(SessionHeader); validSessionID(id) {
		return id, false
	}
	if h.cookieName != "" {
		if c, err := r.Cookie(h.cookieName); err == nil && validSessionID(c.Value) {
			return c.Value, false
		}
	}
	return uuid.NewString(), true
}

func validSessionID(id string) bool {
	return id != "" && len(id) <= maxSessionIDLen
}

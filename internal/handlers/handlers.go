// Package handlers provides HTTP request handlers for the weave gateway API.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/oremus-labs/aip-weave/internal/billing"
	"github.com/oremus-labs/aip-weave/internal/exposure"
	"github.com/oremus-labs/aip-weave/internal/logutil"
	"github.com/oremus-labs/aip-weave/internal/openapi"
	"github.com/oremus-labs/aip-weave/internal/operator"
	"github.com/oremus-labs/aip-weave/internal/recommendations"
	"github.com/oremus-labs/aip-weave/internal/signals"
	"github.com/oremus-labs/aip-weave/internal/store"
	"github.com/oremus-labs/aip-weave/internal/weave"
)

const maxContentBytes = 4 << 20

// Options configures handler runtime behavior.
type Options struct {
	FallbackWait time.Duration
	JournalLimit int
}

type sessionRegistry interface {
	Create(ctx context.Context, cfg weave.Config) (*weave.Session, error)
	Get(id string) (*weave.Session, bool)
	Delete(id string) bool
	IDs() []string
}

type journalReader interface {
	ListEvents(ctx context.Context, sessionID string, limit int) ([]store.JournalEntry, error)
	ListHistory(limit int) ([]store.HistoryEntry, error)
}

// Handler encapsulates dependencies for HTTP handlers.
type Handler struct {
	sessions sessionRegistry
	journal  journalReader
	opts     Options
}

// New creates a new Handler instance. journal may be nil.
func New(sessions sessionRegistry, journal journalReader, opts Options) *Handler {
	if opts.FallbackWait <= 0 {
		opts.FallbackWait = 3 * time.Second
	}
	if opts.JournalLimit <= 0 {
		opts.JournalLimit = 200
	}
	return &Handler{sessions: sessions, journal: journal, opts: opts}
}

type createSessionRequest struct {
	SessionID  string                 `json:"session_id"`
	PlatformID string                 `json:"platform_id"`
	PageURL    string                 `json:"page_url"`
	Theme      map[string]interface{} `json:"theme"`
	QueryText  string                 `json:"query_text"`
	Locale     string                 `json:"locale"`
	Geo        string                 `json:"geo"`
	Metadata   map[string]interface{} `json:"metadata"`
}

type messageRequest struct {
	Query  string `json:"query"`
	Format string `json:"format"`
}

type clickRequest struct {
	Href string `json:"href" binding:"required"`
}

type visibilityRequest struct {
	Element string   `json:"element" binding:"required"`
	Ratio   *float64 `json:"ratio" binding:"required"`
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": len(h.sessions.IDs())})
}

// OpenAPISpec serves the API description as JSON.
func (h *Handler) OpenAPISpec(c *gin.Context) {
	doc, err := openapi.JSON()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render openapi document"})
		return
	}
	c.Data(http.StatusOK, "application/json", doc)
}

// OpenAPIYAML serves the API description as embedded.
func (h *Handler) OpenAPIYAML(c *gin.Context) {
	c.Data(http.StatusOK, "application/yaml", openapi.YAML())
}

// ListSessions returns the ids of live sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.sessions.IDs()})
}

// CreateSession starts a session and runs its initial platform request.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := h.sessions.Create(c.Request.Context(), weave.Config{
		SessionID:  req.SessionID,
		PlatformID: req.PlatformID,
		PageURL:    req.PageURL,
		Theme:      req.Theme,
		Initial: billing.PlatformRequest{
			QueryText: req.QueryText,
			Locale:    req.Locale,
			Geo:       req.Geo,
			Metadata:  req.Metadata,
		},
	})
	if err != nil {
		if errors.Is(err, weave.ErrSessionExists) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sess.Snapshot())
}

// GetSession returns auction, billing state, theme and message states.
func (h *Handler) GetSession(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

// DeleteSession closes a session.
func (h *Handler) DeleteSession(c *gin.Context) {
	if !h.sessions.Delete(c.Param("sid")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// RequestAuction re-runs the platform request for a session.
func (h *Handler) RequestAuction(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var req billing.PlatformRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := sess.RequestAuction(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auction": result, "billing": sess.Sequencer().State()})
}

// FireExposure sends the CPX event.
func (h *Handler) FireExposure(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	evt, err := sess.Sequencer().FireExposure(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondEvent(c, sess, evt != nil, evt)
}

// FireClick sends the CPC event, escalating through exposure.
func (h *Handler) FireClick(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	evt, err := sess.Sequencer().FireClick(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondEvent(c, sess, evt != nil, evt)
}

// FireConversion sends the CPA event, escalating through click and exposure.
func (h *Handler) FireConversion(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var payload billing.ConversionPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	evt, err := sess.Sequencer().FireConversion(c.Request.Context(), payload)
	if err != nil {
		respondError(c, err)
		return
	}
	respondEvent(c, sess, evt != nil, evt)
}

// StreamingStart marks a message as streaming.
func (h *Handler) StreamingStart(c *gin.Context) {
	h.signal(c, signals.StreamingStarted)
}

// StreamingComplete settles a message and re-evaluates its fallback.
func (h *Handler) StreamingComplete(c *gin.Context) {
	h.signal(c, signals.StreamingCompleted)
}

// PutContent stores the rendered HTML of a message.
func (h *Handler) PutContent(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	msg, err := sess.Message(c.Param("mid"), c.Query("query"), recommendations.Format(c.Query("format")))
	if err != nil {
		respondError(c, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxContentBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read content"})
		return
	}
	if len(body) > maxContentBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("content exceeds %d bytes", maxContentBytes)})
		return
	}
	msg.SetContent(string(body))
	c.JSON(http.StatusOK, msg.State())
}

// Click attributes a click on a link of the message or its fallback.
func (h *Handler) Click(c *gin.Context) {
	msg, ok := h.message(c)
	if !ok {
		return
	}
	var req clickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	billed, err := msg.Click(c.Request.Context(), req.Href)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"billed": billed})
}

// Visibility records how much of an element is on screen.
func (h *Handler) Visibility(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	triggered := sess.ReportVisibility(exposure.ElementID(req.Element), *req.Ratio)
	c.JSON(http.StatusOK, gin.H{"triggered": triggered, "billing": sess.Sequencer().State()})
}

// Fallback renders the fallback block of a message, or 204 when none is due.
// JSON is returned when the client asks for it; HTML otherwise.
func (h *Handler) Fallback(c *gin.Context) {
	msg, ok := h.message(c)
	if !ok {
		return
	}
	wait := h.opts.FallbackWait
	if raw := c.Query("wait"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
			wait = d
		}
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()

	fb, err := msg.Fallback(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	if fb == nil {
		c.Status(http.StatusNoContent)
		return
	}
	if strings.Contains(c.GetHeader("Accept"), "application/json") {
		c.JSON(http.StatusOK, fb)
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := recommendations.Render(c.Writer, string(fb.Element), fb.View); err != nil {
		logutil.Error("fallback render failed", err, map[string]interface{}{"messageId": msg.ID()})
	}
}

// Journal lists billing events journaled for a session.
func (h *Handler) Journal(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal not configured"})
		return
	}
	entries, err := h.journal.ListEvents(c.Request.Context(), c.Param("sid"), h.limit(c))
	if err != nil {
		logutil.Error("journal read failed", err, map[string]interface{}{"sessionId": c.Param("sid")})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read journal"})
		return
	}
	if entries == nil {
		entries = []store.JournalEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"events": entries})
}

// ListHistory returns recent session lifecycle entries.
func (h *Handler) ListHistory(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal not configured"})
		return
	}
	entries, err := h.journal.ListHistory(h.limit(c))
	if err != nil {
		logutil.Error("history read failed", err, nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}
	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

func (h *Handler) limit(c *gin.Context) int {
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return h.opts.JournalLimit
}

func (h *Handler) signal(c *gin.Context, kind signals.Kind) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := sess.Message(c.Param("mid"), req.Query, recommendations.Format(req.Format))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := sess.Signal(c.Request.Context(), kind, msg.ID()); err != nil {
		respondError(c, err)
		return
	}
	logutil.Debug("streaming signal applied", map[string]interface{}{
		"sessionId": sess.ID(),
		"messageId": msg.ID(),
		"kind":      string(kind),
	})
	c.JSON(http.StatusAccepted, msg.State())
}

func (h *Handler) session(c *gin.Context) (*weave.Session, bool) {
	sess, ok := h.sessions.Get(c.Param("sid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return sess, true
}

func (h *Handler) message(c *gin.Context) (*weave.Message, bool) {
	sess, ok := h.session(c)
	if !ok {
		return nil, false
	}
	msg, ok := sess.Lookup(c.Param("mid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return nil, false
	}
	return msg, true
}

func respondEvent(c *gin.Context, sess *weave.Session, sent bool, evt interface{}) {
	if !sent {
		evt = nil
	}
	c.JSON(http.StatusOK, gin.H{"sent": sent, "event": evt, "billing": sess.Sequencer().State()})
}

func respondError(c *gin.Context, err error) {
	var invalid *billing.InvalidPayloadError
	var apiErr *operator.APIError
	switch {
	case errors.Is(err, billing.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "fields": invalid.Fields})
	case errors.As(err, &apiErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "operatorStatus": apiErr.Status})
	case errors.Is(err, recommendations.ErrUnknownFormat):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, weave.ErrUnknownMessage):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, weave.ErrClosed):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	default:
		logutil.Error("request failed", err, map[string]interface{}{"path": c.FullPath()})
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// bindOptionalJSON decodes the body when one is present.
func bindOptionalJSON(c *gin.Context, target interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(target)
}

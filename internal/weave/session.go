// Package weave composes the billing sequencer, link reconciler, exposure
// detection and fallback fetch into per-session state.
package weave

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oremus-labs/aip-weave/internal/billing"
	"github.com/oremus-labs/aip-weave/internal/exposure"
	"github.com/oremus-labs/aip-weave/internal/logutil"
	"github.com/oremus-labs/aip-weave/internal/operator"
	"github.com/oremus-labs/aip-weave/internal/reconcile"
	"github.com/oremus-labs/aip-weave/internal/recommendations"
	"github.com/oremus-labs/aip-weave/internal/signals"
	"github.com/oremus-labs/aip-weave/internal/store"
	"github.com/oremus-labs/aip-weave/internal/theme"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("weave: session closed")

// Config is the per-session configuration.
type Config struct {
	OperatorURL    string                 `json:"operator_url,omitempty"`
	OperatorAPIKey string                 `json:"-"`
	PlatformID     string                 `json:"platform_id"`
	SessionID      string                 `json:"session_id"`
	DefaultLocale  string                 `json:"default_locale,omitempty"`
	Timeout        time.Duration          `json:"-"`
	Theme          map[string]interface{} `json:"theme,omitempty"`
	// PageURL resolves relative links in message content.
	PageURL string `json:"page_url,omitempty"`
	// Initial is sent as the platform request when the session starts.
	Initial billing.PlatformRequest `json:"initial,omitempty"`
}

// HistoryWriter journals session lifecycle actions.
type HistoryWriter interface {
	AppendHistory(entry *store.HistoryEntry) error
}

// Deps are the collaborators shared between sessions.
type Deps struct {
	// Client overrides the operator client built from Config.
	Client   operator.Poster
	Recorder billing.Recorder
	Bus      *signals.Bus
	History  HistoryWriter
	Logger   *zap.Logger
	Now      func() time.Time
}

// Snapshot describes a session for API consumers.
type Snapshot struct {
	SessionID  string            `json:"session_id"`
	PlatformID string            `json:"platform_id"`
	Billing    billing.Snapshot  `json:"billing"`
	Theme      theme.Theme       `json:"theme"`
	Messages   []reconcile.State `json:"messages,omitempty"`
}

// Session is the state of one host session. Sessions never share sequencer state.
type Session struct {
	id         string
	platformID string
	pageURL    string
	client     operator.Poster
	seq        *billing.Sequencer
	theme      theme.Theme
	visibility *exposure.Registry
	bus        *signals.Bus
	history    HistoryWriter
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	messages map[string]*Message
	closed   bool
}

// NewSession builds a session and issues the initial platform request. A
// failed initial request is logged; the session stays usable and fire
// operations report billing.ErrNotReady until an auction is installed.
func NewSession(ctx context.Context, cfg Config, deps Deps) (*Session, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if cfg.PlatformID == "" {
		return nil, errors.New("platform id is required")
	}
	client := deps.Client
	if client == nil {
		if cfg.OperatorURL == "" {
			return nil, errors.New("operator url is required")
		}
		var opts []operator.Option
		if cfg.Timeout > 0 {
			opts = append(opts, operator.WithTimeout(cfg.Timeout))
		}
		client = operator.New(cfg.OperatorURL, cfg.OperatorAPIKey, opts...)
	}
	logger := deps.Logger
	if logger == nil {
		logger = logutil.Logger()
	}
	logger = logger.With(zap.String("sessionId", cfg.SessionID))

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         cfg.SessionID,
		platformID: cfg.PlatformID,
		pageURL:    cfg.PageURL,
		client:     client,
		theme:      theme.Merge(cfg.Theme),
		visibility: exposure.NewRegistry(),
		bus:        deps.Bus,
		history:    deps.History,
		logger:     logger,
		ctx:        sctx,
		cancel:     cancel,
		messages:   make(map[string]*Message),
	}
	s.seq = billing.New(billing.Options{
		Client:        client,
		SessionID:     cfg.SessionID,
		PlatformID:    cfg.PlatformID,
		DefaultLocale: cfg.DefaultLocale,
		Recorder:      deps.Recorder,
		Logger:        logger,
		Now:           deps.Now,
	})
	s.journal("session_created", nil)

	if _, err := s.RequestAuction(ctx, cfg.Initial); err != nil {
		logutil.Error("initial platform request failed", err, map[string]interface{}{
			"sessionId":  cfg.SessionID,
			"platformId": cfg.PlatformID,
		})
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Sequencer returns the billing sequencer.
func (s *Session) Sequencer() *billing.Sequencer { return s.seq }

// Theme returns the merged theme.
func (s *Session) Theme() theme.Theme {
	out := make(theme.Theme, len(s.theme))
	for k, v := range s.theme {
		out[k] = v
	}
	return out
}

// RequestAuction re-runs the platform request. A newly installed auction is
// pushed to every message and re-arms their creative exposure.
func (s *Session) RequestAuction(ctx context.Context, req billing.PlatformRequest) (*billing.AuctionResult, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	result, err := s.seq.RequestAuction(ctx, req)
	if err != nil || result == nil {
		return result, err
	}
	s.journal("auction_installed", map[string]interface{}{
		"auctionId":    result.AuctionID,
		"brandAgentId": result.Winner.BrandAgentID,
	})
	for _, m := range s.messageList() {
		m.auctionChanged(result.Render.URL)
	}
	return result, nil
}

// Message returns the message with id, creating it on first use. A later call
// with a non-empty query or format updates the fallback inputs.
func (s *Session) Message(id, query string, format recommendations.Format) (*Message, error) {
	if id == "" {
		return nil, errors.New("message id is required")
	}
	if format != "" {
		parsed, err := recommendations.ParseFormat(string(format))
		if err != nil {
			return nil, err
		}
		format = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if m, ok := s.messages[id]; ok {
		m.setInputs(query, format)
		return m, nil
	}
	if format == "" {
		format = recommendations.FormatCitation
	}
	m := newMessage(s, id, query, format)
	s.messages[id] = m
	return m, nil
}

// Lookup returns an existing message.
func (s *Session) Lookup(id string) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}

// Signal applies a streaming signal to the local message and publishes it on
// the bus for other replicas.
func (s *Session) Signal(ctx context.Context, kind signals.Kind, messageID string) error {
	m, ok := s.Lookup(messageID)
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, ErrUnknownMessage)
	}
	sig := signals.Signal{
		ID:        newSignalID(),
		Kind:      kind,
		MessageID: messageID,
		SessionID: s.id,
	}
	m.reconciler.Apply(sig)
	if s.bus == nil {
		return nil
	}
	return s.bus.Publish(ctx, sig)
}

// ReportVisibility records the visible fraction of an element and returns the
// number of exposure callbacks it triggered.
func (s *Session) ReportVisibility(element exposure.ElementID, ratio float64) int {
	return s.visibility.Report(element, ratio)
}

// Snapshot returns the session state.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		SessionID:  s.id,
		PlatformID: s.platformID,
		Billing:    s.seq.Snapshot(),
		Theme:      s.Theme(),
	}
	for _, m := range s.messageList() {
		snap.Messages = append(snap.Messages, m.reconciler.State())
	}
	return snap
}

// Close tears down every message and stops signal watchers.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	msgs := make([]*Message, 0, len(s.messages))
	for _, m := range s.messages {
		msgs = append(msgs, m)
	}
	s.mu.Unlock()

	for _, m := range msgs {
		m.close()
	}
	s.cancel()
	s.wg.Wait()
	s.journal("session_closed", nil)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) messageList() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *Session) journal(event string, metadata map[string]interface{}) {
	if s.history == nil {
		return
	}
	if err := s.history.AppendHistory(&store.HistoryEntry{Event: event, SessionID: s.id, Metadata: metadata}); err != nil {
		s.logger.Warn("session history write failed", zap.String("event", event), zap.Error(err))
	}
}

package weave

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oremus-labs/aip-weave/internal/billing"
	"github.com/oremus-labs/aip-weave/internal/exposure"
	"github.com/oremus-labs/aip-weave/internal/reconcile"
	"github.com/oremus-labs/aip-weave/internal/recommendations"
)

// ErrUnknownMessage is returned for message ids the session has not seen.
var ErrUnknownMessage = errors.New("weave: unknown message")

// ContainerElement is the visibility element of a message container.
func ContainerElement(messageID string) exposure.ElementID {
	return exposure.ElementID("message:" + messageID)
}

// FallbackElement is the visibility element of a rendered fallback block.
func FallbackElement(fallbackID string) exposure.ElementID {
	return exposure.ElementID("fallback:" + fallbackID)
}

// Fallback is the fallback block currently due for a message.
type Fallback struct {
	ID      string               `json:"id"`
	Element exposure.ElementID   `json:"element"`
	View    recommendations.View `json:"view"`
}

// Message is one streamed host message and the ad surface around it.
type Message struct {
	session     *Session
	id          string
	reconciler  *reconcile.Reconciler
	creative    *exposure.Detector
	fallbackExp *exposure.Detector

	mu        sync.Mutex
	query     string
	format    recommendations.Format
	fetcher   *recommendations.Fetcher
	fetcherID string
	closed    bool
}

// newMessage is called with s.mu held.
func newMessage(s *Session, id, query string, format recommendations.Format) *Message {
	m := &Message{
		session: s,
		id:      id,
		query:   query,
		format:  format,
	}
	m.reconciler = reconcile.New(id, reconcile.Options{
		Clicker:   s.seq,
		SessionID: s.id,
		Base:      s.pageURL,
		Logger:    s.logger,
	})
	m.reconciler.SetCreativeURL(s.seq.CreativeURL())

	onExpose := func() { m.fireExposure() }
	m.creative = exposure.New(s.visibility, onExpose, exposure.WithLogger(s.logger))
	m.fallbackExp = exposure.New(s.visibility, onExpose, exposure.WithLogger(s.logger))
	m.creative.Attach(ContainerElement(id))

	if s.bus != nil {
		loop, err := m.reconciler.Watch(s.ctx, s.bus)
		if err != nil {
			s.logger.Warn("message signal watch failed", zap.String("messageId", id), zap.Error(err))
			return m
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			loop()
		}()
	}
	return m
}

// ID returns the message id.
func (m *Message) ID() string { return m.id }

// State returns the reconciler state.
func (m *Message) State() reconcile.State { return m.reconciler.State() }

// SetContent stores the latest rendered content of the message.
func (m *Message) SetContent(content string) { m.reconciler.SetContent(content) }

// Fallback returns the fallback block, loading it if needed, or nil when the
// creative link is present or the message is still streaming. If ctx ends
// before the fetch settles the loading view is returned.
func (m *Message) Fallback(ctx context.Context) (*Fallback, error) {
	if !m.reconciler.ShouldRenderFallback() {
		m.dropFallback()
		return nil, nil
	}
	id := m.reconciler.FallbackID()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	fresh := m.fetcher == nil || m.fetcherID != id
	superseded := ""
	if fresh {
		if m.fetcher != nil {
			m.fetcher.Close()
			superseded = m.fetcherID
		}
		m.fetcher = recommendations.New(recommendations.Options{
			Client:     m.session.client,
			SessionID:  m.session.id,
			PlatformID: m.session.platformID,
			Logger:     m.session.logger,
		})
		m.fetcherID = id
	}
	fetcher := m.fetcher
	q := recommendations.Query{MessageID: m.id, Query: m.query, Format: m.format}
	m.mu.Unlock()

	if fresh {
		m.fallbackExp.Attach(FallbackElement(id))
	}
	if superseded != "" {
		m.session.visibility.Forget(FallbackElement(superseded))
	}
	fetcher.Load(m.session.ctx, q)

	view, err := fetcher.Wait(ctx)
	switch {
	case errors.Is(err, recommendations.ErrClosed):
		if m.isClosed() {
			return nil, ErrClosed
		}
		// Superseded by a newer fallback instance.
		return m.Fallback(ctx)
	case err != nil:
		view = fetcher.View()
	}
	return &Fallback{ID: id, Element: FallbackElement(id), View: view}, nil
}

// RenderFallback writes the fallback HTML and reports whether one was due.
func (m *Message) RenderFallback(ctx context.Context, w io.Writer) (bool, error) {
	fb, err := m.Fallback(ctx)
	if err != nil || fb == nil {
		return false, err
	}
	return true, recommendations.Render(w, string(fb.Element), fb.View)
}

// Click attributes a click on href: the creative link inside the message, or
// any link of the rendered fallback block. It reports whether the click was billed.
func (m *Message) Click(ctx context.Context, href string) (bool, error) {
	attributed, err := m.reconciler.Click(ctx, href)
	if attributed || err != nil {
		return attributed, err
	}
	if !m.inFallback(href) {
		return false, nil
	}
	if _, err := m.session.seq.FireClick(ctx); err != nil {
		return true, err
	}
	return true, nil
}

func (m *Message) inFallback(href string) bool {
	if !m.reconciler.ShouldRenderFallback() {
		return false
	}
	m.mu.Lock()
	fetcher := m.fetcher
	m.mu.Unlock()
	if fetcher == nil {
		return false
	}
	view := fetcher.View()
	if view.Phase != recommendations.PhaseLoaded {
		return false
	}
	target := reconcile.NormalizeURL(href, m.session.pageURL)
	for _, item := range view.Items {
		if item.URL != "" && reconcile.NormalizeURL(item.URL, m.session.pageURL) == target {
			return true
		}
	}
	return false
}

func (m *Message) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Message) setInputs(query string, format recommendations.Format) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if query != "" {
		m.query = query
	}
	if format != "" {
		m.format = format
	}
}

func (m *Message) auctionChanged(creativeURL string) {
	m.reconciler.SetCreativeURL(creativeURL)
	m.creative.Detach()
	m.creative.Attach(ContainerElement(m.id))
}

func (m *Message) fireExposure() {
	if _, err := m.session.seq.FireExposure(m.session.ctx); err != nil {
		if errors.Is(err, billing.ErrNotReady) {
			m.session.logger.Debug("exposure before auction", zap.String("messageId", m.id))
			return
		}
		m.session.logger.Warn("exposure billing failed", zap.String("messageId", m.id), zap.Error(err))
	}
}

func (m *Message) dropFallback() {
	m.mu.Lock()
	fetcher := m.fetcher
	id := m.fetcherID
	m.fetcher = nil
	m.fetcherID = ""
	m.mu.Unlock()
	if fetcher != nil {
		fetcher.Close()
		m.fallbackExp.Detach()
		m.session.visibility.Forget(FallbackElement(id))
	}
}

func (m *Message) close() {
	m.mu.Lock()
	m.closed = true
	fetcher := m.fetcher
	id := m.fetcherID
	m.fetcher = nil
	m.fetcherID = ""
	m.mu.Unlock()
	if fetcher != nil {
		fetcher.Close()
		m.session.visibility.Forget(FallbackElement(id))
	}
	m.creative.Detach()
	m.fallbackExp.Detach()
	m.session.visibility.Forget(ContainerElement(m.id))
}

func newSignalID() string {
	return uuid.NewString()
}

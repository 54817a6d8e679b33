// Package reconcile decides whether a creative link already made it into a
// streamed message or a fallback recommendation block has to be shown.
package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oremus-labs/aip-weave/internal/billing"
	"github.com/oremus-labs/aip-weave/internal/logutil"
	"github.com/oremus-labs/aip-weave/internal/metrics"
	"github.com/oremus-labs/aip-weave/internal/signals"
)

// Phase is the streaming phase of one message.
type Phase string

const (
	PhaseSettled   Phase = "settled"
	PhaseStreaming Phase = "streaming"
)

// Clicker attributes a paid click.
type Clicker interface {
	FireClick(ctx context.Context, overrides ...billing.ClickOverride) (*billing.ClickEvent, error)
}

// Options configure a Reconciler.
type Options struct {
	Finder  LinkFinder
	Clicker Clicker
	// SessionID scopes signals; signals of other sessions are ignored.
	SessionID string
	// Base resolves relative hrefs; DefaultBase when empty.
	Base   string
	Logger *zap.Logger
	NewID  func() string
}

// State is a point-in-time view of a reconciler.
type State struct {
	MessageID      string `json:"message_id"`
	Phase          Phase  `json:"phase"`
	HasLink        bool   `json:"has_link"`
	CreativeURL    string `json:"creative_url,omitempty"`
	FallbackID     string `json:"fallback_id"`
	RenderFallback bool   `json:"render_fallback"`
}

// Reconciler tracks one message id.
type Reconciler struct {
	messageID string
	sessionID string
	finder    LinkFinder
	clicker   Clicker
	base      string
	logger    *zap.Logger
	newID     func() string

	mu         sync.Mutex
	phase      Phase
	content    string
	creative   string
	hasLink    bool
	fallbackID string
	applied    []string
}

const appliedWindow = 32

// New creates a settled reconciler with no known link.
func New(messageID string, opts Options) *Reconciler {
	if opts.Finder == nil {
		opts.Finder = HTMLLinks{}
	}
	if opts.Base == "" {
		opts.Base = DefaultBase
	}
	if opts.Logger == nil {
		opts.Logger = logutil.Logger()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Reconciler{
		messageID:  messageID,
		sessionID:  opts.SessionID,
		finder:     opts.Finder,
		clicker:    opts.Clicker,
		base:       opts.Base,
		logger:     opts.Logger,
		newID:      opts.NewID,
		phase:      PhaseSettled,
		fallbackID: opts.NewID(),
	}
}

// MessageID returns the message this reconciler is scoped to.
func (r *Reconciler) MessageID() string {
	return r.messageID
}

// StreamingStarted moves to Streaming and forgets any known link.
func (r *Reconciler) StreamingStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = PhaseStreaming
	r.hasLink = false
}

// StreamingCompleted settles the message, evaluates link presence and issues
// a fresh fallback id so earlier fallback content is discarded.
func (r *Reconciler) StreamingCompleted() {
	r.mu.Lock()
	r.phase = PhaseSettled
	r.evaluateLocked()
	r.fallbackID = r.newID()
	render := r.shouldRenderLocked()
	r.mu.Unlock()
	metrics.FallbackDecision(render)
}

// SetContent stores the rendered message content. Settled messages are
// re-evaluated immediately.
func (r *Reconciler) SetContent(content string) {
	r.mu.Lock()
	r.content = content
	settled, render := r.reevaluateLocked()
	r.mu.Unlock()
	if settled {
		metrics.FallbackDecision(render)
	}
}

// SetCreativeURL stores the auction creative URL.
func (r *Reconciler) SetCreativeURL(raw string) {
	normalized := NormalizeURL(raw, r.base)
	r.mu.Lock()
	if normalized == r.creative {
		r.mu.Unlock()
		return
	}
	r.creative = normalized
	settled, render := r.reevaluateLocked()
	r.mu.Unlock()
	if settled {
		metrics.FallbackDecision(render)
	}
}

// ShouldRenderFallback is true once settled without the creative link.
func (r *Reconciler) ShouldRenderFallback() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shouldRenderLocked()
}

// FallbackID identifies the current fallback instance.
func (r *Reconciler) FallbackID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fallbackID
}

// State returns a snapshot.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{
		MessageID:      r.messageID,
		Phase:          r.phase,
		HasLink:        r.hasLink,
		CreativeURL:    r.creative,
		FallbackID:     r.fallbackID,
		RenderFallback: r.shouldRenderLocked(),
	}
}

// Click attributes a click on href. Only the creative link counts; it reports
// whether the click was attributed.
func (r *Reconciler) Click(ctx context.Context, href string) (bool, error) {
	r.mu.Lock()
	creative := r.creative
	r.mu.Unlock()

	if creative == "" || NormalizeURL(href, r.base) != creative {
		return false, nil
	}
	if r.clicker == nil {
		return true, nil
	}
	if _, err := r.clicker.FireClick(ctx); err != nil {
		return true, fmt.Errorf("attribute click on %s: %w", r.messageID, err)
	}
	return true, nil
}

// Apply handles a signal for this message; others are ignored. A scoped
// reconciler also ignores signals of other sessions. A signal id that was
// applied recently is ignored, so a signal applied directly and then
// delivered again through the bus only counts once.
func (r *Reconciler) Apply(sig signals.Signal) {
	if sig.MessageID != r.messageID {
		return
	}
	if r.sessionID != "" && sig.SessionID != r.sessionID {
		return
	}
	if !r.markApplied(sig.ID) {
		return
	}
	switch sig.Kind {
	case signals.StreamingStarted:
		r.StreamingStarted()
	case signals.StreamingCompleted:
		r.StreamingCompleted()
	}
}

// Watch subscribes to this message's signals and returns the loop applying
// them until ctx is done. The subscription is live once Watch returns.
func (r *Reconciler) Watch(ctx context.Context, sub signals.Subscriber) (func(), error) {
	ch, cancel, err := sub.Subscribe(ctx, r.messageID)
	if err != nil {
		return nil, err
	}
	return func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				r.Apply(sig)
			}
		}
	}, nil
}

func (r *Reconciler) markApplied(id string) bool {
	if id == "" {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seen := range r.applied {
		if seen == id {
			return false
		}
	}
	r.applied = append(r.applied, id)
	if len(r.applied) > appliedWindow {
		r.applied = r.applied[len(r.applied)-appliedWindow:]
	}
	return true
}

func (r *Reconciler) reevaluateLocked() (settled, render bool) {
	if r.phase != PhaseSettled {
		return false, false
	}
	before := r.shouldRenderLocked()
	r.evaluateLocked()
	after := r.shouldRenderLocked()
	if after && !before {
		r.fallbackID = r.newID()
	}
	return true, after
}

func (r *Reconciler) evaluateLocked() {
	if r.creative == "" || r.content == "" {
		r.hasLink = false
		return
	}
	r.hasLink = false
	for _, href := range r.finder.FindLinks(r.content) {
		if NormalizeURL(href, r.base) == r.creative {
			r.hasLink = true
			break
		}
	}
	r.logger.Debug("reconcile: evaluated links",
		zap.String("messageId", r.messageID), zap.Bool("hasLink", r.hasLink))
}

func (r *Reconciler) shouldRenderLocked() bool {
	return r.phase == PhaseSettled && !r.hasLink
}

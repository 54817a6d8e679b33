package recommendations

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/oremus-labs/aip-weave/internal/logutil"
	"github.com/oremus-labs/aip-weave/internal/metrics"
	"github.com/oremus-labs/aip-weave/internal/operator"
)

// ErrClosed is returned by Wait after Close.
var ErrClosed = errors.New("recommendations: fetcher closed")

// Options configure a Fetcher.
type Options struct {
	Client     operator.Poster
	SessionID  string
	PlatformID string
	Logger     *zap.Logger
}

// Fetcher runs one fetch per distinct Query. Only the latest query may write
// its result; completions for superseded queries are dropped.
type Fetcher struct {
	client     operator.Poster
	sessionID  string
	platformID string
	logger     *zap.Logger

	mu      sync.Mutex
	gen     uint64
	current Query
	started bool
	closed  bool
	view    View
	settled chan struct{}
	abort   context.CancelFunc
}

// New creates an idle fetcher.
func New(opts Options) *Fetcher {
	if opts.Logger == nil {
		opts.Logger = logutil.Logger()
	}
	return &Fetcher{
		client:     opts.Client,
		sessionID:  opts.SessionID,
		platformID: opts.PlatformID,
		logger:     opts.Logger,
		view:       View{Phase: PhaseIdle},
		settled:    make(chan struct{}),
	}
}

// Load starts fetching q unless q is already the current query. ctx bounds
// the network call.
func (f *Fetcher) Load(ctx context.Context, q Query) {
	f.mu.Lock()
	if f.closed || (f.started && f.current == q) {
		f.mu.Unlock()
		return
	}
	if f.abort != nil {
		f.abort()
	}
	close(f.settled)
	f.settled = make(chan struct{})
	f.gen++
	gen := f.gen
	f.current = q
	f.started = true
	f.view = View{Query: q, Phase: PhaseLoading}
	reqCtx, cancel := context.WithCancel(ctx)
	f.abort = cancel
	f.mu.Unlock()

	go f.fetch(reqCtx, cancel, gen, q)
}

// View returns the current view.
func (f *Fetcher) View() View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneView(f.view)
}

// Wait blocks until the current query settles, ctx is done, or the fetcher closes.
func (f *Fetcher) Wait(ctx context.Context) (View, error) {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return View{}, ErrClosed
		}
		if f.view.Phase != PhaseLoading {
			v := cloneView(f.view)
			f.mu.Unlock()
			return v, nil
		}
		settled := f.settled
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return f.View(), ctx.Err()
		case <-settled:
		}
	}
}

// Close discards any in-flight result. The fetcher cannot be reused.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.gen++
	if f.abort != nil {
		f.abort()
		f.abort = nil
	}
	close(f.settled)
}

func (f *Fetcher) fetch(ctx context.Context, cancel context.CancelFunc, gen uint64, q Query) {
	defer cancel()

	var resp response
	err := f.request(ctx, q, &resp)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || gen != f.gen {
		metrics.RecommendationFetch("stale")
		return
	}

	switch {
	case err != nil:
		f.view = View{Query: q, Phase: PhaseError, Err: err.Error()}
		metrics.RecommendationFetch("error")
		f.logger.Warn("recommendations: fetch failed",
			zap.String("messageId", q.MessageID), zap.Error(err))
	case len(resp.Items) == 0:
		f.view = View{Query: q, Phase: PhaseEmpty}
		metrics.RecommendationFetch("empty")
	default:
		f.view = View{Query: q, Phase: PhaseLoaded, Items: resp.Items}
		metrics.RecommendationFetch("loaded")
	}
	f.abort = nil
	close(f.settled)
	f.settled = make(chan struct{})
}

func (f *Fetcher) request(ctx context.Context, q Query, resp *response) error {
	if f.client == nil {
		return fmt.Errorf("operator client not configured")
	}
	body := requestBody{
		MessageID:  q.MessageID,
		SessionID:  f.sessionID,
		PlatformID: f.platformID,
		QueryText:  q.Query,
		Format:     q.Format,
	}
	return f.client.PostJSON(ctx, operator.RecommendationsPath, body, resp)
}

func cloneView(v View) View {
	if v.Items != nil {
		v.Items = append([]Item(nil), v.Items...)
	}
	return v
}

// Package billing holds the session auction and sequences the CPX -> CPC -> CPA funnel.
package billing

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/oremus-labs/aip-weave/internal/logutil"
	"github.com/oremus-labs/aip-weave/internal/metrics"
	"github.com/oremus-labs/aip-weave/internal/operator"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Recorder is notified after the operator accepted a billing event.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Options configure a Sequencer.
type Options struct {
	Client        operator.Poster
	SessionID     string
	PlatformID    string
	DefaultLocale string
	Recorder      Recorder
	Logger        *zap.Logger
	Now           func() time.Time
}

// Sequencer owns one session's auction result and billing flags.
type Sequencer struct {
	client     operator.Poster
	sessionID  string
	platformID string
	locale     string
	recorder   Recorder
	logger     *zap.Logger
	now        func() time.Time

	mu               sync.Mutex
	auction          *AuctionResult
	state            State
	contextRequestID string

	flights singleflight.Group
}

// New constructs a Sequencer. It does not issue the platform request.
func New(opts Options) *Sequencer {
	if opts.Logger == nil {
		opts.Logger = logutil.Logger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultLocale == "" {
		opts.DefaultLocale = "en-US"
	}
	return &Sequencer{
		client:     opts.Client,
		sessionID:  opts.SessionID,
		platformID: opts.PlatformID,
		locale:     opts.DefaultLocale,
		recorder:   opts.Recorder,
		logger:     opts.Logger.With(zap.String("sessionId", opts.SessionID)),
		now:        opts.Now,
	}
}

// RequestAuction sends a platform request and installs the returned auction, if any.
func (s *Sequencer) RequestAuction(ctx context.Context, req PlatformRequest) (*AuctionResult, error) {
	body := platformRequestBody{
		SessionID:  s.sessionID,
		PlatformID: s.platformID,
		QueryText:  req.QueryText,
		Locale:     req.Locale,
		Geo:        req.Geo,
		Metadata:   req.Metadata,
	}
	if body.Locale == "" {
		body.Locale = s.locale
	}
	if body.Geo == "" {
		body.Geo = "unknown"
	}

	var resp platformResponse
	if err := s.client.PostJSON(ctx, operator.PlatformRequestPath, body, &resp); err != nil {
		metrics.Auction("failed")
		return nil, fmt.Errorf("platform request: %w", err)
	}

	s.mu.Lock()
	s.contextRequestID = resp.ContextRequestID
	s.mu.Unlock()

	if resp.AuctionResult == nil {
		metrics.Auction("empty")
		s.logger.Info("platform request returned no auction", zap.String("contextRequestId", resp.ContextRequestID))
		return nil, nil
	}
	s.Install(resp.AuctionResult)
	metrics.Auction("installed")
	s.logger.Info("auction installed",
		zap.String("auctionId", resp.AuctionResult.AuctionID),
		zap.String("brandAgentId", resp.AuctionResult.Winner.BrandAgentID))
	return cloneAuction(resp.AuctionResult), nil
}

// Install replaces the auction result and resets all billing flags.
func (s *Sequencer) Install(result *AuctionResult) {
	if result == nil {
		return
	}
	s.mu.Lock()
	s.auction = cloneAuction(result)
	s.state = State{}
	s.mu.Unlock()
}

// Auction returns a copy of the current auction or nil.
func (s *Sequencer) Auction() *AuctionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAuction(s.auction)
}

// State returns the current billing flags.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns auction, flags and derived values together.
func (s *Sequencer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ContextRequestID:    s.contextRequestID,
		Auction:             cloneAuction(s.auction),
		Billing:             s.state,
		ReservedAmountCents: reservedCents(s.auction),
	}
}

// ServeToken returns the current serve token or "".
func (s *Sequencer) ServeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auction == nil {
		return ""
	}
	return s.auction.ServeToken
}

// BrandAgentID returns the winning brand agent or "".
func (s *Sequencer) BrandAgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auction == nil {
		return ""
	}
	return s.auction.Winner.BrandAgentID
}

// WalletID returns the winner's wallet or "".
func (s *Sequencer) WalletID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auction == nil {
		return ""
	}
	return s.auction.Winner.WalletID
}

// ReservedAmountCents is the winner's reserved amount in minor units, 0 without an auction.
func (s *Sequencer) ReservedAmountCents() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return reservedCents(s.auction)
}

// CreativeURL returns the creative link of the current auction or "".
func (s *Sequencer) CreativeURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auction == nil {
		return ""
	}
	return s.auction.Render.URL
}

// FireExposure sends the CPX event once per auction. It returns nil when the
// exposure was already sent or was sent by a concurrent caller.
func (s *Sequencer) FireExposure(ctx context.Context, overrides ...ExposureOverride) (*ExposureEvent, error) {
	auction, err := s.ready()
	if err != nil {
		return nil, err
	}
	return s.exposure(ctx, auction, overrides)
}

// FireClick sends the CPC event once per auction, sending the exposure first if needed.
func (s *Sequencer) FireClick(ctx context.Context, overrides ...ClickOverride) (*ClickEvent, error) {
	auction, err := s.ready()
	if err != nil {
		return nil, err
	}
	return s.click(ctx, auction, overrides)
}

// FireConversion sends the CPA event once per auction, sending click and
// exposure first if needed. The payload is validated before any request.
func (s *Sequencer) FireConversion(ctx context.Context, payload ConversionPayload) (*ConversionEvent, error) {
	auction, err := s.ready()
	if err != nil {
		return nil, err
	}
	if st, ok := s.stateFor(auction); !ok || st.ConversionSent {
		metrics.BillingEvent(string(KindConversion), "skipped")
		return nil, nil
	}
	if err := ValidateConversion(payload); err != nil {
		metrics.BillingEvent(string(KindConversion), "invalid")
		return nil, err
	}

	led := false
	v, err, _ := s.flights.Do(flightKey(KindConversion, auction), func() (interface{}, error) {
		led = true
		return s.sendConversion(ctx, auction, payload)
	})
	if err != nil {
		return nil, err
	}
	if !led {
		metrics.BillingEvent(string(KindConversion), "coalesced")
		return nil, nil
	}
	evt, _ := v.(*ConversionEvent)
	return evt, nil
}

func (s *Sequencer) exposure(ctx context.Context, auction *AuctionResult, overrides []ExposureOverride) (*ExposureEvent, error) {
	if st, ok := s.stateFor(auction); !ok || st.ExposureSent {
		metrics.BillingEvent(string(KindExposure), "skipped")
		return nil, nil
	}
	led := false
	v, err, _ := s.flights.Do(flightKey(KindExposure, auction), func() (interface{}, error) {
		led = true
		return s.sendExposure(ctx, auction, overrides)
	})
	if err != nil {
		return nil, err
	}
	if !led {
		metrics.BillingEvent(string(KindExposure), "coalesced")
		return nil, nil
	}
	evt, _ := v.(*ExposureEvent)
	return evt, nil
}

func (s *Sequencer) click(ctx context.Context, auction *AuctionResult, overrides []ClickOverride) (*ClickEvent, error) {
	if st, ok := s.stateFor(auction); !ok || st.ClickSent {
		metrics.BillingEvent(string(KindClick), "skipped")
		return nil, nil
	}
	led := false
	v, err, _ := s.flights.Do(flightKey(KindClick, auction), func() (interface{}, error) {
		led = true
		return s.sendClick(ctx, auction, overrides)
	})
	if err != nil {
		return nil, err
	}
	if !led {
		metrics.BillingEvent(string(KindClick), "coalesced")
		return nil, nil
	}
	evt, _ := v.(*ClickEvent)
	return evt, nil
}

func (s *Sequencer) sendExposure(ctx context.Context, auction *AuctionResult, overrides []ExposureOverride) (*ExposureEvent, error) {
	if st, ok := s.stateFor(auction); !ok || st.ExposureSent {
		return nil, nil
	}
	evt := &ExposureEvent{
		EventType:    KindExposure,
		ServeToken:   auction.ServeToken,
		SessionID:    s.sessionID,
		PlatformID:   s.platformID,
		BrandAgentID: auction.Winner.BrandAgentID,
		WalletID:     auction.Winner.WalletID,
		Pricing:      Pricing{Unit: UnitCPX, AmountCents: toCents(auction.Winner.CPXPrice)},
		Timestamp:    s.timestamp(),
	}
	for _, o := range overrides {
		if o != nil {
			o(evt)
		}
	}
	if err := s.send(ctx, KindExposure, operator.EventCPXPath, evt); err != nil {
		return nil, err
	}
	s.mark(auction, func(st *State) { st.ExposureSent = true })
	s.record(ctx, KindExposure, auction, evt.Pricing.AmountCents, evt)
	return evt, nil
}

func (s *Sequencer) sendClick(ctx context.Context, auction *AuctionResult, overrides []ClickOverride) (*ClickEvent, error) {
	st, ok := s.stateFor(auction)
	if !ok || st.ClickSent {
		return nil, nil
	}
	if !st.ExposureSent {
		if _, err := s.exposure(ctx, auction, nil); err != nil {
			return nil, err
		}
		if st, ok = s.stateFor(auction); !ok || !st.ExposureSent {
			return nil, fmt.Errorf("click escalation: exposure for %s was not recorded", auction.ServeToken)
		}
	}
	// CPC reuses the exposure price field; there is no distinct click price on the auction.
	evt := &ClickEvent{
		EventType:    KindClick,
		ServeToken:   auction.ServeToken,
		SessionID:    s.sessionID,
		PlatformID:   s.platformID,
		BrandAgentID: auction.Winner.BrandAgentID,
		WalletID:     auction.Winner.WalletID,
		Pricing:      Pricing{Unit: UnitCPC, AmountCents: toCents(auction.Winner.CPXPrice)},
		Timestamp:    s.timestamp(),
	}
	for _, o := range overrides {
		if o != nil {
			o(evt)
		}
	}
	if err := s.send(ctx, KindClick, operator.EventCPCPath, evt); err != nil {
		return nil, err
	}
	s.mark(auction, func(st *State) { st.ClickSent = true })
	s.record(ctx, KindClick, auction, evt.Pricing.AmountCents, evt)
	return evt, nil
}

func (s *Sequencer) sendConversion(ctx context.Context, auction *AuctionResult, payload ConversionPayload) (*ConversionEvent, error) {
	st, ok := s.stateFor(auction)
	if !ok || st.ConversionSent {
		return nil, nil
	}
	if !st.ClickSent {
		if _, err := s.click(ctx, auction, nil); err != nil {
			return nil, err
		}
		if st, ok = s.stateFor(auction); !ok || !st.ClickSent {
			return nil, fmt.Errorf("conversion escalation: click for %s was not recorded", auction.ServeToken)
		}
	}
	evt := &ConversionEvent{
		EventType:         KindConversion,
		ServeToken:        auction.ServeToken,
		ConversionPayload: payload,
	}
	if err := s.send(ctx, KindConversion, operator.EventCPAPath, evt); err != nil {
		return nil, err
	}
	s.mark(auction, func(st *State) { st.ConversionSent = true })
	var amount int64
	if payload.OrderValueCents != nil {
		amount = *payload.OrderValueCents
	}
	s.record(ctx, KindConversion, auction, amount, evt)
	return evt, nil
}

func (s *Sequencer) send(ctx context.Context, kind Kind, path string, evt interface{}) error {
	if err := s.client.PostJSON(ctx, path, evt, nil); err != nil {
		metrics.BillingEvent(string(kind), "failed")
		s.logger.Warn("billing event failed", zap.String("kind", string(kind)), zap.Error(err))
		return fmt.Errorf("send %s: %w", kind, err)
	}
	metrics.BillingEvent(string(kind), "sent")
	s.logger.Debug("billing event sent", zap.String("kind", string(kind)))
	return nil
}

func (s *Sequencer) record(ctx context.Context, kind Kind, auction *AuctionResult, amount int64, evt interface{}) {
	if s.recorder == nil {
		return
	}
	rec := Record{
		Kind:        kind,
		SessionID:   s.sessionID,
		PlatformID:  s.platformID,
		AuctionID:   auction.AuctionID,
		ServeToken:  auction.ServeToken,
		AmountCents: amount,
		Event:       evt,
		SentAt:      s.now().UTC(),
	}
	if err := s.recorder.Record(ctx, rec); err != nil {
		s.logger.Warn("billing record failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (s *Sequencer) ready() (*AuctionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auction == nil {
		return nil, ErrNotReady
	}
	return cloneAuction(s.auction), nil
}

// stateFor reports the flags for auction; ok is false once a newer auction replaced it.
func (s *Sequencer) stateFor(auction *AuctionResult) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auction == nil || s.auction.ServeToken != auction.ServeToken {
		return State{}, false
	}
	return s.state, true
}

func (s *Sequencer) mark(auction *AuctionResult, fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auction == nil || s.auction.ServeToken != auction.ServeToken {
		s.logger.Info("dropping billing flag for superseded auction", zap.String("auctionId", auction.AuctionID))
		return
	}
	fn(&s.state)
}

func (s *Sequencer) timestamp() string {
	return s.now().UTC().Format(timestampLayout)
}

func flightKey(kind Kind, auction *AuctionResult) string {
	return string(kind) + ":" + auction.ServeToken
}

func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func reservedCents(auction *AuctionResult) int64 {
	if auction == nil {
		return 0
	}
	return toCents(auction.Winner.ReservedAmount)
}

func cloneAuction(a *AuctionResult) *AuctionResult {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

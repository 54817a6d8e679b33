package billing

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oremus-labs/aip-weave/internal/operator"
)

type fakeOperator struct {
	mu      sync.Mutex
	paths   []string
	bodies  []map[string]interface{}
	auction *AuctionResult
	status  map[string]int
	gate    chan struct{}
	entered chan struct{}
}

func newFakeOperator(t *testing.T, auction *AuctionResult) (*fakeOperator, *operator.Client) {
	t.Helper()
	f := &fakeOperator{auction: auction, status: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, operator.New(srv.URL, "test-key")
}

func (f *fakeOperator) serve(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	gate, entered := f.gate, f.entered
	status := f.status[r.URL.Path]
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.bodies = append(f.bodies, body)
	auction := f.auction
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("operator said no"))
		return
	}
	switch r.URL.Path {
	case operator.PlatformRequestPath:
		_ = json.NewEncoder(w).Encode(platformResponse{ContextRequestID: "ctx-1", AuctionResult: auction})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (f *fakeOperator) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func (f *fakeOperator) lastBody() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) == 0 {
		return nil
	}
	return f.bodies[len(f.bodies)-1]
}

func (f *fakeOperator) reset() {
	f.mu.Lock()
	f.paths = nil
	f.bodies = nil
	f.mu.Unlock()
}

type memRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (m *memRecorder) Record(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func testAuction(token string, price float64) *AuctionResult {
	return &AuctionResult{
		AuctionID:  "auc-" + token,
		ServeToken: token,
		Winner: Winner{
			BrandAgentID:   "brand-1",
			WalletID:       "wallet-1",
			CPXPrice:       price,
			PreferredUnit:  UnitCPX,
			ReservedAmount: 12.5,
		},
		Render: Creative{Label: "Sponsored", Title: "Trail shoes", URL: "https://brand.example/shoes"},
	}
}

func newTestSequencer(client operator.Poster, rec Recorder) *Sequencer {
	fixed := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
	return New(Options{
		Client:     client,
		SessionID:  "S1",
		PlatformID: "platform-1",
		Recorder:   rec,
		Logger:     zap.NewNop(),
		Now:        func() time.Time { return fixed },
	})
}

func TestFireBeforeAuctionIsNotReady(t *testing.T) {
	t.Parallel()

	fake, client := newFakeOperator(t, nil)
	seq := newTestSequencer(client, nil)
	ctx := context.Background()

	_, err := seq.FireExposure(ctx)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = seq.FireClick(ctx)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = seq.FireConversion(ctx, ConversionPayload{ConversionID: "c", ConversionType: "purchase", TS: "now"})
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Empty(t, fake.calls())
}

func TestRequestAuctionInstallsAndAppliesDefaults(t *testing.T) {
	t.Parallel()

	fake, client := newFakeOperator(t, testAuction("tok-1", 2.5))
	seq := newTestSequencer(client, nil)

	result, err := seq.RequestAuction(context.Background(), PlatformRequest{QueryText: "running shoes"})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "tok-1", seq.ServeToken())
	assert.Equal(t, "brand-1", seq.BrandAgentID())
	assert.Equal(t, "wallet-1", seq.WalletID())
	assert.Equal(t, int64(1250), seq.ReservedAmountCents())
	assert.Equal(t, State{}, seq.State())

	body := fake.lastBody()
	assert.Equal(t, "S1", body["session_id"])
	assert.Equal(t, "platform-1", body["platform_id"])
	assert.Equal(t, "running shoes", body["query_text"])
	assert.Equal(t, "en-US", body["locale"])
	assert.Equal(t, "unknown", body["geo"])
	assert.NotContains(t, body, "metadata")
	assert.Equal(t, "ctx-1", seq.Snapshot().ContextRequestID)
}

func TestRequestAuctionWithoutResultKeepsState(t *testing.T) {
	t.Parallel()

	fake, client := newFakeOperator(t, nil)
	seq := newTestSequencer(client, nil)
	seq.Install(testAuction("tok-1", 1))
	_, err := seq.FireExposure(context.Background())
	require.NoError(t, err)
	fake.reset()

	result, err := seq.RequestAuction(context.Background(), PlatformRequest{})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, "tok-1", seq.ServeToken())
	assert.True(t, seq.State().ExposureSent)
}

func TestRequestAuctionPropagatesTransportError(t *testing.T) {
	t.Parallel()

	fake, client := newFakeOperator(t, testAuction("tok-1", 1))
	fake.status[operator.PlatformRequestPath] = http.StatusBadGateway
	seq := newTestSequencer(client, nil)

	_, err := seq.RequestAuction(context.Background(), PlatformRequest{})
	var apiErr *operator.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Nil(t, seq.Auction())
}

func TestFireExposureIsIdempotent(t *testing.T) {
	t.Parallel()

	fake, client := newFakeOperator(t, nil)
	seq := newTestSequencer(client, nil)
	seq.Install(testAuction("tok-1", 2.5))
	ctx := context.Background()

	first, err := seq.FireExposure(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, KindExposure, first.EventType)
	assert.Equal(t, Pricing{Unit: UnitCPX, AmountCents: 250}, first.Pricing)
	assert.Equal(t, "2026-10-16T09:30:00.000Z", first.Timestamp)

	second, err := seq.FireExposure(ctx)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, []string{operator.EventCPXPath}, fake.calls())
}

func TestFireConversionEscalatesInOrder(t *testing.T) {
	t.Parallel()

	fake, client := newFakeOperator(t, nil)
	rec := &memRecorder{}
	seq := newTestSequencer(client, rec)
	seq.Install(testAuction("tok-1", 2.5))

	value := int64(4999)
	evt, err := seq.FireConversion(context.Background(), ConversionPayload{
		ConversionID:    "conv-1",
		ConversionType:  "purchase",
		TS:              "2026-10-16T09:31:00Z",
		OrderValueCents: &value,
		Currency:        "USD",
	})
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, KindConversion, evt.EventType)
	assert.Equal(t, "tok-1", evt.ServeToken)

	assert.Equal(t, []string{operator.EventCPXPath, operator.EventCPCPath, operator.EventCPAPath}, fake.calls())
	assert.Equal(t, State{ExposureSent: true, ClickSent: true, ConversionSent: true}, seq.State())

	body := fake.lastBody()
	assert.Equal(t, "cpa_conversion", body["event_type"])
	assert.Equal(t, "conv-1", body["conversion_id"])
	assert.EqualValues(t, 4999, body["order_value_cents"])

	require.Len(t, rec.records, 3)
	assert.Equal(t, KindExposure, rec.records[0].Kind)
	assert.Equal(t, KindClick, rec.records[1].Kind)
	assert.Equal(t, KindConversion, rec.records[2].Kind)
	assert.Equal(t, int64(4999), rec.records[2].AmountCents)
}

func TestClickReusesExposurePrice(t *testing.T) {
	t.Parallel()

	fake, client := newFakeOperator(t, nil)
	seq := newTestSequencer(client, nil)
	seq.Install(testAuction("tok-1", 2.5))

	click, err := seq.FireClick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, click)
	assert.Equal(t, Pricing{Unit: UnitCPC, AmountCents: 250}, click.Pricing)
	assert.Equal(t, []string{operator.EventCPXPath, operator.EventCPCPath}, fake.calls())

	body := fake.lastBody()
	pricing := body["pricing"].(map[string]interface{})
	assert.Equal(t, "CPC", pricing["unit"])
	assert.EqualValues(t, 250, pricing["amount_cents"])
}

func TestInvalidConversionMakesNoRequests(t *testing.T) {
	t.Parallel()

	fake, client := newFakeOperator(t, nil)
	seq := newTestSequencer(client, nil)
	seq.Install(testAuction("tok-1", 1))

	_, err := seq.FireConversion(context.Background(), ConversionPayload{ConversionID: "conv-1"})
	require.ErrorIs(t, err, ErrInvalidPayload)
	var invalid *InvalidPayloadError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, []string{"conversion_type", "ts"}, invalid.Fields)
	assert.Empty(t, fake.calls())
	assert.Equal(t, State{}, seq.State())
}

func TestInstallResetsFlags(t *testing.T) {
	t.Parallel()

	fake, client := newFakeOperator(t, nil)
	seq := newTestSequencer(client, nil)
	seq.Install(testAuction("tok-1", 1))
	_, err := seq.FireConversion(context.Background(), ConversionPayload{ConversionID: "c", ConversionType: "t", TS: "ts"})
	require.NoError(t, err)
	require.Equal(t, State{ExposureSent: true, ClickSent: true, ConversionSent: true}, seq.State())

	seq.Install(testAuction("tok-2", 1))
	assert.Equal(t, State{}, seq.State())

	fake.reset()
	evt, err := seq.FireExposure(context.Background())
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, "tok-2", evt.ServeToken)
	assert.Equal(t, []string{operator.EventCPXPath}, fake.calls())
}

func TestExposureFailureBlocksClick(t *testing.T) {
	t.Parallel()

	fake, client := newFakeOperator(t, nil)
	fake.status[operator.EventCPXPath] = http.StatusInternalServerError
	seq := newTestSequencer(client, nil)
	seq.Install(testAuction("tok-1", 1))

	_, err := seq.FireClick(context.Background())
	var apiErr *operator.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "operator said no", apiErr.Body)
	assert.Equal(t, []string{operator.EventCPXPath}, fake.calls())
	assert.Equal(t, State{}, seq.State())
}

func TestExposureOverridesApplied(t *testing.T) {
	t.Parallel()

	fake, client := newFakeOperator(t, nil)
	seq := newTestSequencer(client, nil)
	seq.Install(testAuction("tok-1", 1))

	evt, err := seq.FireExposure(context.Background(), func(e *ExposureEvent) {
		e.Timestamp = "2026-01-01T00:00:00.000Z"
	})
	require.NoError(t, err)
	assert.Equal(t, "2026-01-01T00:00:00.000Z", evt.Timestamp)
	assert.Equal(t, "2026-01-01T00:00:00.000Z", fake.lastBody()["timestamp"])
}

func TestConcurrentExposureIsCoalesced(t *testing.T) {
	t.Parallel()

	fake, client := newFakeOperator(t, nil)
	fake.gate = make(chan struct{})
	fake.entered = make(chan struct{}, 8)
	seq := newTestSequencer(client, nil)
	seq.Install(testAuction("tok-1", 1))

	const callers = 5
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sent int
		errs []error
	)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			evt, err := seq.FireExposure(context.Background())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if evt != nil {
				sent++
			}
		}()
	}

	<-fake.entered
	time.Sleep(50 * time.Millisecond)
	close(fake.gate)
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{operator.EventCPXPath}, fake.calls())
}

func TestFunnelMonotonicity(t *testing.T) {
	t.Parallel()

	_, client := newFakeOperator(t, nil)
	seq := newTestSequencer(client, nil)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	var prev State
	for i := 0; i < 200; i++ {
		switch rng.Intn(4) {
		case 0:
			_, _ = seq.FireExposure(ctx)
		case 1:
			_, _ = seq.FireClick(ctx)
		case 2:
			_, _ = seq.FireConversion(ctx, ConversionPayload{ConversionID: "c", ConversionType: "t", TS: "ts"})
		case 3:
			if rng.Intn(5) == 0 {
				seq.Install(testAuction(time.Duration(i).String(), 1))
				prev = State{}
			}
		}
		st := seq.State()
		if st.ConversionSent {
			require.True(t, st.ClickSent, "conversion without click at step %d", i)
		}
		if st.ClickSent {
			require.True(t, st.ExposureSent, "click without exposure at step %d", i)
		}
		require.False(t, prev.ExposureSent && !st.ExposureSent, "exposure flag regressed at step %d", i)
		require.False(t, prev.ClickSent && !st.ClickSent, "click flag regressed at step %d", i)
		require.False(t, prev.ConversionSent && !st.ConversionSent, "conversion flag regressed at step %d", i)
		prev = st
	}
}

func TestValidateConversion(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateConversion(ConversionPayload{ConversionID: "a", ConversionType: "b", TS: "c"}))

	err := ValidateConversion(ConversionPayload{})
	var invalid *InvalidPayloadError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, []string{"conversion_id", "conversion_type", "ts"}, invalid.Fields)
}

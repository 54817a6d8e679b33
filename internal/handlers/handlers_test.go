package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/oremus-labs/aip-weave/internal/billing"
	"github.com/oremus-labs/aip-weave/internal/operator"
	"github.com/oremus-labs/aip-weave/internal/store"
	"github.com/oremus-labs/aip-weave/internal/weave"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func fakeOperator(t *testing.T, withAuction bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case operator.PlatformRequestPath:
			resp := map[string]interface{}{"context_request_id": "ctx-1"}
			if withAuction {
				resp["auction_result"] = billing.AuctionResult{
					AuctionID:  "A1",
					ServeToken: "tok-1",
					Winner:     billing.Winner{BrandAgentID: "brand-1", CPXPrice: 1.5, ReservedAmount: 5},
					Render:     billing.Creative{URL: "https://brand.example/offer"},
				}
			}
			_ = json.NewEncoder(w).Encode(resp)
		case operator.RecommendationsPath:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"items": []map[string]string{{"id": "r1", "title": "Trail boots", "url": "https://shop.example/boots"}},
			})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestHandler(t *testing.T, withAuction bool, journal journalReader) (*Handler, *weave.Registry) {
	t.Helper()
	srv := fakeOperator(t, withAuction)
	reg := weave.NewRegistry(weave.Config{OperatorURL: srv.URL, PlatformID: "P1"}, weave.Deps{Logger: zap.NewNop()})
	t.Cleanup(reg.Close)
	if _, err := reg.Create(context.Background(), weave.Config{SessionID: "S1", PageURL: "https://host.example/"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return New(reg, journal, Options{}), reg
}

func testContext(method, target, body string, params ...gin.Param) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	c.Request = req
	c.Params = params
	return c, w
}

func sid(v string) gin.Param { return gin.Param{Key: "sid", Value: v} }
func mid(v string) gin.Param { return gin.Param{Key: "mid", Value: v} }

func TestCreateSessionReturnsSnapshot(t *testing.T) {
	handler, _ := newTestHandler(t, true, nil)

	c, w := testContext(http.MethodPost, "/v1/sessions", `{"session_id":"S2","query_text":"boots"}`)
	handler.CreateSession(c)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d: %s", w.Code, w.Body.String())
	}
	var snap weave.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if snap.SessionID != "S2" || snap.Billing.Auction == nil || snap.Billing.Auction.ServeToken != "tok-1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	c, w = testContext(http.MethodPost, "/v1/sessions", `{"session_id":"S2"}`)
	handler.CreateSession(c)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409 for duplicate session got %d", w.Code)
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	handler, _ := newTestHandler(t, true, nil)

	c, w := testContext(http.MethodGet, "/v1/sessions/nope", "", sid("nope"))
	handler.GetSession(c)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", w.Code)
	}

	c, w = testContext(http.MethodDelete, "/v1/sessions/nope", "", sid("nope"))
	handler.DeleteSession(c)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", w.Code)
	}
}

func TestFireBeforeAuctionIsConflict(t *testing.T) {
	handler, _ := newTestHandler(t, false, nil)

	c, w := testContext(http.MethodPost, "/v1/sessions/S1/events/exposure", "", sid("S1"))
	handler.FireExposure(c)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409 got %d: %s", w.Code, w.Body.String())
	}
}

func TestFireConversionEscalatesAndValidates(t *testing.T) {
	handler, reg := newTestHandler(t, true, nil)

	c, w := testContext(http.MethodPost, "/v1/sessions/S1/events/conversion", `{"conversion_id":"c1"}`, sid("S1"))
	handler.FireConversion(c)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", w.Code)
	}
	var invalid struct {
		Fields []string `json:"fields"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &invalid); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(invalid.Fields) != 2 {
		t.Fatalf("expected two invalid fields, got %v", invalid.Fields)
	}

	body := `{"conversion_id":"c1","conversion_type":"purchase","ts":"2024-01-01T00:00:00Z"}`
	c, w = testContext(http.MethodPost, "/v1/sessions/S1/events/conversion", body, sid("S1"))
	handler.FireConversion(c)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", w.Code, w.Body.String())
	}

	sess, _ := reg.Get("S1")
	state := sess.Sequencer().State()
	if !state.ExposureSent || !state.ClickSent || !state.ConversionSent {
		t.Fatalf("expected full funnel, got %+v", state)
	}
}

func TestMessageFlowRendersFallback(t *testing.T) {
	handler, _ := newTestHandler(t, true, nil)

	c, w := testContext(http.MethodPost, "/v1/sessions/S1/messages/m1/streaming/start", `{"query":"boots"}`, sid("S1"), mid("m1"))
	handler.StreamingStart(c)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202 got %d: %s", w.Code, w.Body.String())
	}

	c, w = testContext(http.MethodGet, "/v1/sessions/S1/messages/m1/fallback", "", sid("S1"), mid("m1"))
	handler.Fallback(c)
	c.Writer.WriteHeaderNow()
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected no fallback while streaming, got %d", w.Code)
	}

	c, w = testContext(http.MethodPut, "/v1/sessions/S1/messages/m1/content", "", sid("S1"), mid("m1"))
	c.Request = httptest.NewRequest(http.MethodPut, "/v1/sessions/S1/messages/m1/content", strings.NewReader("<p>no links here</p>"))
	handler.PutContent(c)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", w.Code)
	}

	c, w = testContext(http.MethodPost, "/v1/sessions/S1/messages/m1/streaming/complete", "", sid("S1"), mid("m1"))
	handler.StreamingComplete(c)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202 got %d", w.Code)
	}

	c, w = testContext(http.MethodGet, "/v1/sessions/S1/messages/m1/fallback?wait=2s", "", sid("S1"), mid("m1"))
	handler.Fallback(c)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Trail boots") || !strings.Contains(w.Body.String(), "data-fallback-id") {
		t.Fatalf("unexpected fallback html: %s", w.Body.String())
	}

	c, w = testContext(http.MethodPost, "/v1/sessions/S1/messages/m1/click", `{"href":"https://shop.example/boots"}`, sid("S1"), mid("m1"))
	handler.Click(c)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"billed":true`) {
		t.Fatalf("expected billed click, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPutContentRejectsOversizedBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, reg := newTestHandler(t, true, nil)
	put := func(body string) *httptest.ResponseRecorder {
		c, w := testContext(http.MethodPut, "/v1/sessions/S1/messages/m1/content", "", sid("S1"), mid("m1"))
		c.Request = httptest.NewRequest(http.MethodPut, "/v1/sessions/S1/messages/m1/content", strings.NewReader(body))
		handler.PutContent(c)
		return w
	}

	if w := put(`<a href="https://brand.example/offer">offer</a>`); w.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", w.Code)
	}

	// The creative anchor sits past the limit.
	oversized := strings.Repeat("a", maxContentBytes) + `<a href="https://brand.example/offer">offer</a>`
	if w := put(oversized); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413 got %d", w.Code)
	}

	sess, _ := reg.Get("S1")
	msg, ok := sess.Lookup("m1")
	if !ok {
		t.Fatalf("expected message m1")
	}
	if !msg.State().HasLink {
		t.Fatalf("rejected content must not replace the stored content")
	}

	if w := put(strings.Repeat("a", maxContentBytes)); w.Code != http.StatusOK {
		t.Fatalf("expected status 200 at the limit got %d", w.Code)
	}
}

func TestClickOnUnknownMessage(t *testing.T) {
	handler, _ := newTestHandler(t, true, nil)

	c, w := testContext(http.MethodPost, "/v1/sessions/S1/messages/m9/click", `{"href":"https://brand.example/offer"}`, sid("S1"), mid("m9"))
	handler.Click(c)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", w.Code)
	}
}

func TestVisibilityTriggersExposure(t *testing.T) {
	handler, reg := newTestHandler(t, true, nil)
	sess, _ := reg.Get("S1")
	if _, err := sess.Message("m1", "", ""); err != nil {
		t.Fatalf("message: %v", err)
	}

	c, w := testContext(http.MethodPost, "/v1/sessions/S1/visibility", `{"element":"message:m1","ratio":0.5}`, sid("S1"))
	handler.Visibility(c)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", w.Code)
	}
	if !sess.Sequencer().State().ExposureSent {
		t.Fatalf("expected exposure to be sent")
	}

	c, w = testContext(http.MethodPost, "/v1/sessions/S1/visibility", `{"element":"message:m1"}`, sid("S1"))
	handler.Visibility(c)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for missing ratio got %d", w.Code)
	}
}

type fakeJournal struct {
	entries []store.JournalEntry
	history []store.HistoryEntry
	err     error
	limit   int
}

func (f *fakeJournal) ListEvents(ctx context.Context, sessionID string, limit int) ([]store.JournalEntry, error) {
	f.limit = limit
	return f.entries, f.err
}

func (f *fakeJournal) ListHistory(limit int) ([]store.HistoryEntry, error) {
	f.limit = limit
	return f.history, f.err
}

func TestJournal(t *testing.T) {
	handler, _ := newTestHandler(t, true, &fakeJournal{entries: []store.JournalEntry{{Kind: "cpx_exposure", ServeToken: "tok-1"}}})

	c, w := testContext(http.MethodGet, "/v1/sessions/S1/journal", "", sid("S1"))
	handler.Journal(c)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "tok-1") {
		t.Fatalf("unexpected journal response %d: %s", w.Code, w.Body.String())
	}

	failing, _ := newTestHandler(t, true, &fakeJournal{err: errors.New("disk gone")})
	c, w = testContext(http.MethodGet, "/v1/sessions/S1/journal", "", sid("S1"))
	failing.Journal(c)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", w.Code)
	}

	none, _ := newTestHandler(t, true, nil)
	c, w = testContext(http.MethodGet, "/v1/sessions/S1/journal", "", sid("S1"))
	none.Journal(c)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 got %d", w.Code)
	}
}

func TestListHistoryHonoursLimit(t *testing.T) {
	journal := &fakeJournal{history: []store.HistoryEntry{{Event: "session_created", SessionID: "S1"}}}
	handler, _ := newTestHandler(t, true, journal)

	c, w := testContext(http.MethodGet, "/v1/history?limit=7", "")
	handler.ListHistory(c)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "session_created") {
		t.Fatalf("unexpected history response %d: %s", w.Code, w.Body.String())
	}
	if journal.limit != 7 {
		t.Fatalf("expected limit 7, got %d", journal.limit)
	}
}

func TestOperatorFailureMapsToBadGateway(t *testing.T) {
	c, w := testContext(http.MethodPost, "/", "")
	respondError(c, &operator.APIError{Status: 500, Body: "boom"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502 got %d", w.Code)
	}
}

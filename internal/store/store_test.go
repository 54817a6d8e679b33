package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/oremus-labs/aip-weave/internal/billing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"), "sqlite")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestJournalRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	sentAt := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

	records := []billing.Record{
		{Kind: billing.KindExposure, SessionID: "S1", PlatformID: "P1", AuctionID: "A1", ServeToken: "tok", AmountCents: 250,
			Event: billing.ExposureEvent{EventType: billing.KindExposure, ServeToken: "tok"}, SentAt: sentAt},
		{Kind: billing.KindClick, SessionID: "S1", PlatformID: "P1", AuctionID: "A1", ServeToken: "tok", AmountCents: 250, SentAt: sentAt},
		{Kind: billing.KindExposure, SessionID: "S2", PlatformID: "P1", AuctionID: "A2", ServeToken: "other", AmountCents: 100, SentAt: sentAt},
	}
	for _, rec := range records {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	entries, err := s.ListEvents(ctx, "S1", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for S1 got %d", len(entries))
	}
	if entries[0].Kind != billing.KindExposure || entries[1].Kind != billing.KindClick {
		t.Fatalf("unexpected order: %+v", entries)
	}
	if entries[0].AmountCents != 250 || entries[0].AuctionID != "A1" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
	if !entries[0].SentAt.Equal(sentAt) {
		t.Fatalf("sentAt mismatch: %s", entries[0].SentAt)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(entries[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["event_type"] != string(billing.KindExposure) {
		t.Fatalf("unexpected payload %v", payload)
	}
	if entries[1].Payload != nil {
		t.Fatalf("expected empty payload for nil event, got %s", entries[1].Payload)
	}

	all, err := s.ListEvents(ctx, "", 2)
	if err != nil {
		t.Fatalf("ListEvents all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("limit not applied: %d", len(all))
	}
}

func TestRecordIgnoresReplays(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	rec := billing.Record{Kind: billing.KindExposure, SessionID: "S1", ServeToken: "tok", AmountCents: 250}
	for i := 0; i < 3; i++ {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	entries, err := s.ListEvents(ctx, "S1", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected replay to be ignored, got %d entries", len(entries))
	}

	if err := s.Record(ctx, billing.Record{Kind: billing.KindClick}); err == nil {
		t.Fatalf("expected error for record without serve token")
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if err := s.AppendHistory(&HistoryEntry{Event: "session_created", SessionID: "S1"}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}
	if err := s.AppendHistory(&HistoryEntry{Event: "session_closed", SessionID: "S1", Metadata: map[string]interface{}{"reason": "client"}}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	history, err := s.ListHistory(1)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(history) != 1 || history[0].Event != "session_closed" || history[0].SessionID != "S1" {
		t.Fatalf("unexpected history payload: %+v", history)
	}
	if history[0].Metadata["reason"] != "client" {
		t.Fatalf("metadata lost: %+v", history[0].Metadata)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.db")

	s, err := Open(path, "sqlite")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open("state.db", "postgres"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

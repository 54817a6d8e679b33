package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oremus-labs/aip-weave/internal/billing"
)

// JournalEntry is a billing event accepted by the operator.
type JournalEntry struct {
	ID          int64           `json:"id"`
	Kind        billing.Kind    `json:"kind"`
	SessionID   string          `json:"sessionId"`
	PlatformID  string          `json:"platformId"`
	AuctionID   string          `json:"auctionId"`
	ServeToken  string          `json:"serveToken"`
	AmountCents int64           `json:"amountCents"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SentAt      time.Time       `json:"sentAt"`
	RecordedAt  time.Time       `json:"recordedAt"`
}

// HistoryEntry stores session lifecycle actions (created, auction installed, closed).
type HistoryEntry struct {
	ID        string                 `json:"id"`
	Event     string                 `json:"event"`
	SessionID string                 `json:"sessionId,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Store wraps the SQLite database used as the billing audit journal.
type Store struct {
	db *sql.DB
}

// Open initializes the datastore using the supplied DSN/file path and driver.
func Open(dsn string, driver string) (*Store, error) {
	if driver == "" {
		driver = "sqlite"
	}
	if driver != "sqlite" {
		return nil, fmt.Errorf("unsupported datastore driver: %s", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("datastore DSN is required")
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create datastore directory: %w", err)
	}
	conn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", dsn)
	db, err := sql.Open("sqlite", conn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite datastore: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS billing_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			session_id TEXT NOT NULL,
			platform_id TEXT,
			auction_id TEXT,
			serve_token TEXT NOT NULL,
			amount_cents INTEGER DEFAULT 0,
			payload TEXT,
			sent_at TIMESTAMP NOT NULL,
			recorded_at TIMESTAMP NOT NULL,
			UNIQUE(kind, serve_token)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_billing_session ON billing_events(session_id);`,
		`CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event TEXT NOT NULL,
			session_id TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema apply failed: %w", err)
		}
	}
	return nil
}

// Close shuts down the datastore.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record journals a billing event. Replays of the same kind and serve token
// are ignored, so redelivered stream messages are harmless.
func (s *Store) Record(ctx context.Context, rec billing.Record) error {
	if rec.Kind == "" || rec.ServeToken == "" {
		return errors.New("billing record requires kind and serve token")
	}
	payload, err := json.Marshal(rec.Event)
	if err != nil {
		return err
	}
	sentAt := rec.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO billing_events
		(kind, session_id, platform_id, auction_id, serve_token, amount_cents, payload, sent_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Kind), rec.SessionID, rec.PlatformID, rec.AuctionID, rec.ServeToken, rec.AmountCents,
		string(payload), sentAt.UTC(), time.Now().UTC(),
	)
	return err
}

// ListEvents returns journaled events for a session in the order they were
// recorded. An empty sessionID lists every session.
func (s *Store) ListEvents(ctx context.Context, sessionID string, limit int) ([]JournalEntry, error) {
	query := `SELECT id, kind, session_id, platform_id, auction_id, serve_token, amount_cents, payload, sent_at, recorded_at FROM billing_events`
	var args []interface{}
	if sessionID != "" {
		query += ` WHERE session_id=?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []JournalEntry
	for rows.Next() {
		var (
			e                 JournalEntry
			kind              string
			platform, auction sql.NullString
			payload           sql.NullString
		)
		if err := rows.Scan(&e.ID, &kind, &e.SessionID, &platform, &auction, &e.ServeToken, &e.AmountCents, &payload, &e.SentAt, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.Kind = billing.Kind(kind)
		e.PlatformID = platform.String
		e.AuctionID = auction.String
		if payload.Valid && payload.String != "" && payload.String != "null" {
			e.Payload = json.RawMessage(payload.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AppendHistory writes an entry to the history log.
func (s *Store) AppendHistory(entry *HistoryEntry) error {
	entry.CreatedAt = time.Now().UTC()
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`INSERT INTO history (event, session_id, metadata, created_at) VALUES (?, ?, ?, ?)`,
		entry.Event, entry.SessionID, string(metadata), entry.CreatedAt,
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = fmt.Sprintf("%d", id)
	}
	return nil
}

// ListHistory returns the newest history entries.
func (s *Store) ListHistory(limit int) ([]HistoryEntry, error) {
	query := `SELECT id, event, session_id, metadata, created_at FROM history ORDER BY id DESC`
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var metadata, session sql.NullString
		var id int64
		if err := rows.Scan(&id, &e.Event, &session, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ID = fmt.Sprintf("%d", id)
		e.SessionID = session.String
		if metadata.Valid {
			_ = json.Unmarshal([]byte(metadata.String), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

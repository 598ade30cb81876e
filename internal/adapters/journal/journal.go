// Package journal persists received stream events in SQLite so recent
// activity survives restarts and can be inspected offline.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/brianly1003/mstream/internal/domain/events"
	"github.com/brianly1003/mstream/internal/sync"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// Limits for Recent.
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// Entry is one journaled event.
type Entry struct {
	ID         string           `json:"id"`
	Account    string           `json:"account"`
	Stream     string           `json:"stream"`
	EventType  events.EventType `json:"event_type"`
	ObjectID   string           `json:"object_id"`
	Payload    string           `json:"payload"`
	ReceivedAt time.Time        `json:"received_at"`
}

// Filter narrows a Recent query. Zero values match everything.
type Filter struct {
	Account   string
	EventType events.EventType
	Limit     int
}

// Journal is an append-only SQLite event log.
type Journal struct {
	db   *sql.DB
	path string

	stmtInsert *sql.Stmt

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases alive and serializes writes.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn().Err(err).Str("pragma", pragma).Msg("failed to set pragma")
		}
	}

	j := &Journal{db: db, path: path}

	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	j.stmtInsert, err = db.Prepare(`
		INSERT INTO stream_events (id, account, stream, event_type, object_id, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return j, nil
}

func (j *Journal) initSchema() error {
	var currentVersion int
	err := j.db.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&currentVersion)
	if err != nil && err != sql.ErrNoRows {
		currentVersion = 0
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	log.Info().Int("current", currentVersion).Int("target", schemaVersion).Msg("creating event journal schema")

	schema := `
		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT
		);

		CREATE TABLE IF NOT EXISTS stream_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			account TEXT NOT NULL,
			stream TEXT NOT NULL,
			event_type TEXT NOT NULL,
			object_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			received_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_stream_events_account ON stream_events(account, seq);
		CREATE INDEX IF NOT EXISTS idx_stream_events_received ON stream_events(received_at);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return err
	}

	_, err = j.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)",
		fmt.Sprint(schemaVersion),
	)
	return err
}

// Path returns the database location.
func (j *Journal) Path() string {
	return j.path
}

// Record appends a domain event. Opened markers carry no content and are
// skipped.
func (j *Journal) Record(ctx context.Context, account string, event events.Event) error {
	if event.Type() == events.EventTypeOpened {
		return nil
	}

	payload, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return sql.ErrConnDone
	}

	_, err = j.stmtInsert.ExecContext(ctx,
		uuid.NewString(),
		account,
		event.GetStream(),
		string(event.Type()),
		objectID(event),
		string(payload),
		event.Timestamp().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Recent returns the newest entries first.
func (j *Journal) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}

	query := `SELECT id, account, stream, event_type, object_id, payload, received_at
		FROM stream_events WHERE 1=1`
	var args []interface{}
	if f.Account != "" {
		query += " AND account = ?"
		args = append(args, f.Account)
	}
	if f.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, string(f.EventType))
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, f.Limit)

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, sql.ErrConnDone
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var eventType string
		var receivedAt int64
		if err := rows.Scan(&e.ID, &e.Account, &e.Stream, &eventType, &e.ObjectID, &e.Payload, &receivedAt); err != nil {
			return nil, err
		}
		e.EventType = events.EventType(eventType)
		e.ReceivedAt = time.UnixMilli(receivedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of journaled events.
func (j *Journal) Count(ctx context.Context) (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return 0, sql.ErrConnDone
	}

	var n int
	err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM stream_events").Scan(&n)
	return n, err
}

// Prune deletes entries received before cutoff and reports how many went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return 0, sql.ErrConnDone
	}

	res, err := j.db.ExecContext(ctx, "DELETE FROM stream_events WHERE received_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if j.stmtInsert != nil {
		_ = j.stmtInsert.Close()
	}
	return j.db.Close()
}

// objectID is the status or notification id the event is about.
func objectID(event events.Event) string {
	if s, ok := events.AsStatus(event); ok {
		return s.ID
	}
	if id, ok := events.AsDeletedID(event); ok {
		return id
	}
	if n, ok := events.AsNotification(event); ok {
		return n.ID
	}
	return ""
}

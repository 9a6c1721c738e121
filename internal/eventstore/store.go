package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-vcc/internal/config"
	_ "modernc.org/sqlite"
)

const (
	KindCorrection = "correction"
	KindUtterance  = "utterance"
)

// Event is one ledger entry: a correction outcome or an emitted utterance.
type Event struct {
	ID           int64         `json:"id"`
	Kind         string        `json:"kind"`
	SequenceID   uint64        `json:"sequence_id"`
	InvocationID string        `json:"invocation_id,omitempty"`
	Status       string        `json:"status,omitempty"`
	Origin       string        `json:"origin,omitempty"`
	Payload      string        `json:"payload,omitempty"`
	Text         string        `json:"text,omitempty"`
	Detail       string        `json:"detail,omitempty"`
	Latency      time.Duration `json:"latency_ns"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Store is a process-scoped SQLite ledger. It never touches disk; contents
// vanish when the process exits.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the ledger according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "event-store"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	db, err := sql.Open("sqlite", "file::memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Every connection to :memory: is a separate database, so pin the pool
	// to a single long-lived connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    sequence_id INTEGER NOT NULL,
    invocation_id TEXT,
    status TEXT,
    origin TEXT,
    payload TEXT,
    text TEXT,
    detail TEXT,
    latency_ns INTEGER,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_kind_id ON events(kind, id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes evt and trims the ledger to max_events.
func (s *Store) Append(ctx context.Context, evt Event) error {
	if s.db == nil {
		return nil
	}
	if evt.Kind == "" {
		return errors.New("event kind must not be empty")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(kind, sequence_id, invocation_id, status, origin, payload, text, detail, latency_ns, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.Kind, int64(evt.SequenceID), evt.InvocationID, evt.Status, evt.Origin, evt.Payload, evt.Text, evt.Detail,
		int64(evt.Latency), evt.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return s.Prune(ctx)
}

// ListRecent returns up to limit events of kind, newest first. An empty kind
// matches every event.
func (s *Store) ListRecent(ctx context.Context, kind string, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, sequence_id, invocation_id, status, origin, payload, text, detail, latency_ns, created_at
		 FROM events WHERE (? = '' OR kind = ?) ORDER BY id DESC LIMIT ?`, kind, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			seq     int64
			latency int64
			created string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &seq, &e.InvocationID, &e.Status, &e.Origin, &e.Payload, &e.Text, &e.Detail, &latency, &created); err != nil {
			return nil, err
		}
		e.SequenceID = uint64(seq)
		e.Latency = time.Duration(latency)
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

// Prune drops the oldest events beyond max_events. Zero keeps everything.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil || s.cfg.MaxEvents <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE id IN (SELECT id FROM events ORDER BY id DESC LIMIT -1 OFFSET ?)`,
		s.cfg.MaxEvents)
	if err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	return nil
}

// Ensure checks the store matches its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	if s.cfg.RetentionMode == "memory" && s.db == nil {
		return errors.New("memory store has no database connection")
	}
	return nil
}

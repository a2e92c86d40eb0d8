// Package audit provides an append-only, queryable trail of every
// delivery and worker-lifecycle decision the broker makes: spawns,
// releases, delivery attempts/acks/drops, and connection transitions.
//
// Grounded on pkg/fleet/store_sqlite.go's migration-and-exec shape (a
// pure-Go modernc.org/sqlite handle, WAL mode, CREATE TABLE IF NOT EXISTS
// migrations run at open time), generalized from fleet node/execution
// rows to this broker's delivery/lifecycle event shape, with the
// convenience-logger idiom this stack's own audit.Logger already used.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentrelay/broker/pkg/logger"
)

// EventType categorizes an audit record.
type EventType string

const (
	EventWorkerSpawned      EventType = "worker.spawned"
	EventWorkerReleased     EventType = "worker.released"
	EventWorkerExited       EventType = "worker.exited"
	EventDeliveryEnqueued   EventType = "delivery.enqueued"
	EventDeliveryAck        EventType = "delivery.ack"
	EventDeliveryDropped    EventType = "delivery.dropped"
	EventConnectionChanged  EventType = "relaylink.connection"
	EventReleaseDenied      EventType = "ownership.release_denied"
)

// Event is a single immutable audit record.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Type      EventType      `json:"type"`
	Worker    string         `json:"worker,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// QueryOptions filters an audit query.
type QueryOptions struct {
	Worker string
	Type   EventType
	Since  time.Time
	Limit  int
}

// Store is the persistence interface for the audit trail.
type Store interface {
	Append(ctx context.Context, ev *Event) error
	Query(ctx context.Context, opts QueryOptions) ([]*Event, error)
	Close() error
}

// SQLiteStore is the production Store, one row per audit event in a
// local database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the audit database at
// dbPath. Use ":memory:" for tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit database %s: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		type TEXT NOT NULL,
		worker TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}'
	)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_worker ON events(worker)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`)
	return err
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Append inserts one event, stamping Timestamp if unset.
func (s *SQLiteStore) Append(ctx context.Context, ev *Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (ts, type, worker, actor, metadata) VALUES (?, ?, ?, ?, ?)`,
		ev.Timestamp.UTC(), string(ev.Type), ev.Worker, ev.Actor, string(meta))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Query returns events matching opts, most recent first.
func (s *SQLiteStore) Query(ctx context.Context, opts QueryOptions) ([]*Event, error) {
	query := `SELECT id, ts, type, worker, actor, metadata FROM events WHERE 1=1`
	var args []any
	if opts.Worker != "" {
		query += " AND worker = ?"
		args = append(args, opts.Worker)
	}
	if opts.Type != "" {
		query += " AND type = ?"
		args = append(args, string(opts.Type))
	}
	if !opts.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, opts.Since.UTC())
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var typ, meta string
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &typ, &ev.Worker, &ev.Actor, &meta); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Type = EventType(typ)
		_ = json.Unmarshal([]byte(meta), &ev.Metadata)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// Logger wraps a Store with the broker's component call sites, each
// logging failures rather than propagating them: a dropped audit write
// must never block delivery.
type Logger struct {
	store Store
}

// NewLogger wraps store for convenience logging.
func NewLogger(store Store) *Logger {
	return &Logger{store: store}
}

func (l *Logger) append(ctx context.Context, ev *Event) {
	if l == nil || l.store == nil {
		return
	}
	if err := l.store.Append(ctx, ev); err != nil {
		logger.WarnCF("audit", "append failed", map[string]any{"err": err.Error()})
	}
}

// LogWorkerSpawned records a successful spawn_wrap.
func (l *Logger) LogWorkerSpawned(ctx context.Context, worker, cli, owner string, pid int) {
	l.append(ctx, &Event{Type: EventWorkerSpawned, Worker: worker, Actor: owner,
		Metadata: map[string]any{"cli": cli, "pid": pid}})
}

// LogWorkerReleased records a release() call, successful or not.
func (l *Logger) LogWorkerReleased(ctx context.Context, worker, actor string, forced bool) {
	l.append(ctx, &Event{Type: EventWorkerReleased, Worker: worker, Actor: actor,
		Metadata: map[string]any{"forced": forced}})
}

// LogWorkerExited records a worker process exit, whether from release or
// an unexpected crash.
func (l *Logger) LogWorkerExited(ctx context.Context, worker string, exitErr error) {
	meta := map[string]any{}
	if exitErr != nil {
		meta["error"] = exitErr.Error()
	}
	l.append(ctx, &Event{Type: EventWorkerExited, Worker: worker, Metadata: meta})
}

// LogDeliveryEnqueued records a fresh delivery_id minted for worker.
func (l *Logger) LogDeliveryEnqueued(ctx context.Context, worker, deliveryID, eventID string) {
	l.append(ctx, &Event{Type: EventDeliveryEnqueued, Worker: worker,
		Metadata: map[string]any{"delivery_id": deliveryID, "event_id": eventID}})
}

// LogDeliveryAck records a verified (or injection-time, per the ack
// policy) delivery acknowledgement.
func (l *Logger) LogDeliveryAck(ctx context.Context, worker, deliveryID, eventID string) {
	l.append(ctx, &Event{Type: EventDeliveryAck, Worker: worker,
		Metadata: map[string]any{"delivery_id": deliveryID, "event_id": eventID}})
}

// LogDeliveryDropped records a delivery the supervisor gave up on.
func (l *Logger) LogDeliveryDropped(ctx context.Context, worker, deliveryID, eventID, reason string) {
	l.append(ctx, &Event{Type: EventDeliveryDropped, Worker: worker,
		Metadata: map[string]any{"delivery_id": deliveryID, "event_id": eventID, "reason": reason}})
}

// LogConnectionChanged records a Relay Link state transition.
func (l *Logger) LogConnectionChanged(ctx context.Context, state string) {
	l.append(ctx, &Event{Type: EventConnectionChanged, Metadata: map[string]any{"state": state}})
}

// LogReleaseDenied records a release-authority rejection.
func (l *Logger) LogReleaseDenied(ctx context.Context, worker, owner, sender string) {
	l.append(ctx, &Event{Type: EventReleaseDenied, Worker: worker, Actor: sender,
		Metadata: map[string]any{"owner": owner}})
}

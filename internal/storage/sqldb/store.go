package sqldb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ocppnet/overlay/internal/core/domain"
	"github.com/ocppnet/overlay/internal/storage"
)

// Store is a SQL implementation of MessageStore.
type Store struct {
	db *sqlx.DB
}

var _ storage.MessageStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // database/sql driver name, "sqlite" by default
	DSN    string // Data source name / connection string
}

// New opens the database and creates the schema.
func New(cfg Config) (*Store, error) {
	driver := cfg.Driver
	if driver == "" || driver == "sqlite3" {
		driver = "sqlite"
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite" {
		// Every pooled connection to an in-memory database is a database
		// of its own.
		if strings.Contains(cfg.DSN, ":memory:") || strings.Contains(cfg.DSN, "mode=memory") {
			db.SetMaxOpenConns(1)
		}
		for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.Exec(stmt); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to execute pragma: %w", err)
			}
		}
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewSQLite creates a SQLite store at dbPath.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS node_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			node_id TEXT NOT NULL,
			connection_id TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			event_tracking_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL DEFAULT '',
			result_code TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_events_request ON node_events(request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_node_events_created ON node_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_node_events_kind ON node_events(kind)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// eventRow is the column layout of node_events.
type eventRow struct {
	ID              string `db:"id"`
	Kind            string `db:"kind"`
	NodeID          string `db:"node_id"`
	ConnectionID    string `db:"connection_id"`
	RequestID       string `db:"request_id"`
	EventTrackingID string `db:"event_tracking_id"`
	Action          string `db:"action"`
	Decision        string `db:"decision"`
	ResultCode      string `db:"result_code"`
	Detail          string `db:"detail"`
	Payload         string `db:"payload"`
	CreatedAt       int64  `db:"created_at"`
}

func toRow(e *domain.NodeEvent) eventRow {
	return eventRow{
		ID:              e.ID,
		Kind:            string(e.Kind),
		NodeID:          string(e.NodeID),
		ConnectionID:    e.ConnectionID,
		RequestID:       string(e.RequestID),
		EventTrackingID: string(e.EventTrackingID),
		Action:          e.Action,
		Decision:        e.Decision,
		ResultCode:      string(e.ResultCode),
		Detail:          e.Detail,
		Payload:         string(e.Payload),
		CreatedAt:       e.CreatedAt.UnixNano(),
	}
}

func (r eventRow) event() *domain.NodeEvent {
	e := &domain.NodeEvent{
		ID:              r.ID,
		Kind:            domain.NodeEventKind(r.Kind),
		NodeID:          domain.NetworkingNodeID(r.NodeID),
		ConnectionID:    r.ConnectionID,
		RequestID:       domain.RequestID(r.RequestID),
		EventTrackingID: domain.EventTrackingID(r.EventTrackingID),
		Action:          r.Action,
		Decision:        r.Decision,
		ResultCode:      domain.ResultCode(r.ResultCode),
		Detail:          r.Detail,
		CreatedAt:       time.Unix(0, r.CreatedAt).UTC(),
	}
	if r.Payload != "" {
		e.Payload = json.RawMessage(r.Payload)
	}
	return e
}

// Events (append-only)

func (s *Store) AppendEvent(ctx context.Context, event *domain.NodeEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		return fmt.Errorf("event without id")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO node_events (
		id, kind, node_id, connection_id, request_id, event_tracking_id,
		action, decision, result_code, detail, payload, created_at
	) VALUES (
		:id, :kind, :node_id, :connection_id, :request_id, :event_tracking_id,
		:action, :decision, :result_code, :detail, :payload, :created_at
	)`, toRow(event))
	if err != nil {
		return fmt.Errorf("append event %s: %w", event.ID, err)
	}
	return nil
}

const selectEvents = `SELECT id, kind, node_id, connection_id, request_id, event_tracking_id,
	action, decision, result_code, detail, payload, created_at FROM node_events`

func (s *Store) ListEvents(ctx context.Context, filter storage.EventFilter) ([]*domain.NodeEvent, error) {
	var (
		where []string
		args  []any
	)
	if filter.RequestID != "" {
		where = append(where, "request_id = ?")
		args = append(args, string(filter.RequestID))
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	query := selectEvents
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, seq ASC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	return s.query(ctx, query, args...)
}

func (s *Store) GetEventsByRequest(ctx context.Context, id domain.RequestID) ([]*domain.NodeEvent, error) {
	if id.IsEmpty() {
		return []*domain.NodeEvent{}, nil
	}
	return s.query(ctx, selectEvents+" WHERE request_id = ? ORDER BY created_at ASC, seq ASC", string(id))
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*domain.NodeEvent, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	events := make([]*domain.NodeEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.event())
	}
	return events, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

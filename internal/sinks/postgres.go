package sinks

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/RocketChat/Rocket.Chat.Audit/internal/audit"
	_ "github.com/lib/pq"
)

const (
	postgresEventsTableName  = "chat_audit_events"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresSink appends events to an audit table. Redelivered events hash to
// the same key and are dropped by the primary key.
type PostgresSink struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	// mu guards db. A failed open leaves db nil so the next event retries.
	mu sync.Mutex
	db *sql.DB
}

func NewPostgresSink(dsn string) (*PostgresSink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, audit.ErrInvalidInput
	}
	return &PostgresSink{
		dsn:       dsn,
		tableName: postgresEventsTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresSink) OnMessage(ctx context.Context, event audit.MessageEvent) error {
	return s.insert(ctx, postgresRow{
		kind:      audit.EventMessage,
		messageID: event.MessageID,
		roomID:    event.RoomID,
		roomName:  event.RoomName,
		ts:        event.Timestamp,
		username:  event.Username,
		body:      event.Text,
		edited:    event.Edited,
	})
}

func (s *PostgresSink) OnFile(ctx context.Context, event audit.FileEvent) error {
	return s.insert(ctx, postgresRow{
		kind:      audit.EventFile,
		messageID: event.MessageID,
		roomID:    event.RoomID,
		roomName:  event.RoomName,
		ts:        event.Timestamp,
		username:  event.Username,
		body:      FileSummary(event),
		fileID:    event.FileID,
		mediaType: event.MediaType,
	})
}

func (s *PostgresSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

type postgresRow struct {
	kind      audit.EventKind
	messageID string
	roomID    string
	roomName  string
	ts        time.Time
	username  string
	body      string
	edited    bool
	fileID    string
	mediaType string
}

func (r postgresRow) key() string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		string(r.kind),
		r.messageID,
		r.roomID,
		r.ts.UTC().Format(time.RFC3339Nano),
		r.username,
		r.body,
	}, "\x00")))
	return hex.EncodeToString(sum[:])
}

func (s *PostgresSink) insert(ctx context.Context, row postgresRow) error {
	db, err := s.ensureReady()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (event_key, kind, message_id, room_id, room_name, ts, username, body, edited, file_id, media_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_key) DO NOTHING`, audit.PostgresQuoteIdentifier(s.tableName))
	_, err = db.ExecContext(ctx, query,
		row.key(),
		string(row.kind),
		row.messageID,
		row.roomID,
		row.roomName,
		row.ts.UTC(),
		row.username,
		row.body,
		row.edited,
		row.fileID,
		row.mediaType,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresSink) ensureReady() (*sql.DB, error) {
	if s == nil {
		return nil, audit.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}

	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	createTableQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			event_key TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			message_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			room_name TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			username TEXT NOT NULL,
			body TEXT NOT NULL,
			edited BOOLEAN NOT NULL DEFAULT FALSE,
			file_id TEXT NOT NULL DEFAULT '',
			media_type TEXT NOT NULL DEFAULT '',
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, audit.PostgresQuoteIdentifier(s.tableName))
	if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}
	indexName := s.tableName + "_room_ts_idx"
	createIndexQuery := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (room_id, ts)",
		audit.PostgresQuoteIdentifier(indexName),
		audit.PostgresQuoteIdentifier(s.tableName),
	)
	if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit index: %w", err)
	}
	s.db = db
	return db, nil
}

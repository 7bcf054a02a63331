package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresContextTableName = "chat_audit_edit_contexts"
	postgresContextKey       = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresContextStore keeps the whole edit-context snapshot in one row.
type PostgresContextStore struct {
	dsn       string
	tableName string
	stateKey  string
	openDB    sqlOpenFunc

	// mu guards db. A failed open leaves db nil so the next call retries.
	mu sync.Mutex
	db *sql.DB
}

func NewPostgresContextStore(dsn string) (ContextStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresContextStore{
		dsn:       dsn,
		tableName: postgresContextTableName,
		stateKey:  postgresContextKey,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresContextStore) Load() (*ContextSnapshot, error) {
	if s == nil {
		return nil, nil
	}
	db, err := s.ensureReady()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", PostgresQuoteIdentifier(s.tableName))
	var payload string
	err = db.QueryRowContext(ctx, query, s.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot ContextSnapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (s *PostgresContextStore) Save(snapshot *ContextSnapshot) error {
	if s == nil || snapshot == nil {
		return nil
	}
	db, err := s.ensureReady()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, PostgresQuoteIdentifier(s.tableName))
	_, err = db.ExecContext(ctx, query, s.stateKey, string(payload))
	return err
}

func (s *PostgresContextStore) Close() error {
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

func (s *PostgresContextStore) ensureReady() (*sql.DB, error) {
	if s == nil {
		return nil, ErrInvalidInput
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

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			state_key TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, PostgresQuoteIdentifier(s.tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create edit context table: %w", err)
	}
	s.db = db
	return db, nil
}

// PostgresQuoteIdentifier quotes a table or index name for interpolation.
func PostgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/warrenhq/warren/internal/common/database"
)

// PostgresStore provides PostgreSQL-based conversation storage for hosts
// configured with a shared relational database.
type PostgresStore struct {
	db *database.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates the conversation store and ensures the schema
// exists.
func NewPostgresStore(ctx context.Context, db *database.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		key TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		privileged BOOLEAN NOT NULL DEFAULT FALSE,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_success_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`
	_, err := s.db.Exec(ctx, schema)
	return err
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}

// Get returns the conversation for key, or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, key string) (*Conversation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT key, session_id, privileged, active, retry_count, last_success_at, created_at, updated_at
		FROM conversations WHERE key = $1`, key)

	conv, err := scanPgConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// Upsert inserts or replaces the conversation record.
func (s *PostgresStore) Upsert(ctx context.Context, conv *Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
		INSERT INTO conversations (key, session_id, privileged, active, retry_count, last_success_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			privileged = EXCLUDED.privileged,
			active = EXCLUDED.active,
			retry_count = EXCLUDED.retry_count,
			last_success_at = EXCLUDED.last_success_at,
			updated_at = EXCLUDED.updated_at`,
		conv.Key, conv.SessionID, conv.Privileged, conv.Active,
		conv.RetryCount, conv.LastSuccessAt, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}

// List returns all conversation records.
func (s *PostgresStore) List(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT key, session_id, privileged, active, retry_count, last_success_at, created_at, updated_at
		FROM conversations ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanPgConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func scanPgConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var lastSuccess *time.Time
	if err := row.Scan(&conv.Key, &conv.SessionID, &conv.Privileged, &conv.Active,
		&conv.RetryCount, &lastSuccess, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	conv.LastSuccessAt = lastSuccess
	return &conv, nil
}

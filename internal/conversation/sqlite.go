package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore provides SQLite-based conversation storage.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the conversation database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		key TEXT PRIMARY KEY,
		session_id TEXT DEFAULT '',
		privileged INTEGER DEFAULT 0,
		active INTEGER DEFAULT 1,
		retry_count INTEGER DEFAULT 0,
		last_success_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the conversation for key, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, session_id, privileged, active, retry_count, last_success_at, created_at, updated_at
		FROM conversations WHERE key = ?`, key)

	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// Upsert inserts or replaces the conversation record.
func (s *SQLiteStore) Upsert(ctx context.Context, conv *Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (key, session_id, privileged, active, retry_count, last_success_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			session_id = excluded.session_id,
			privileged = excluded.privileged,
			active = excluded.active,
			retry_count = excluded.retry_count,
			last_success_at = excluded.last_success_at,
			updated_at = excluded.updated_at`,
		conv.Key, conv.SessionID, boolToInt(conv.Privileged), boolToInt(conv.Active),
		conv.RetryCount, conv.LastSuccessAt, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}

// List returns all conversation records.
func (s *SQLiteStore) List(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, session_id, privileged, active, retry_count, last_success_at, created_at, updated_at
		FROM conversations ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var privileged, active int
	var lastSuccess sql.NullTime
	if err := row.Scan(&conv.Key, &conv.SessionID, &privileged, &active,
		&conv.RetryCount, &lastSuccess, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	conv.Privileged = privileged != 0
	conv.Active = active != 0
	if lastSuccess.Valid {
		t := lastSuccess.Time
		conv.LastSuccessAt = &t
	}
	return &conv, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

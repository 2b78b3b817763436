// Package sqlite provides the SQLite-backed implementation of the vitalsync
// local cache, pending-operation log and settings store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/vitalsync/vitalsync"
	"github.com/vitalsync/vitalsync/entity"
	syncErrors "github.com/vitalsync/vitalsync/errors"
	"github.com/vitalsync/vitalsync/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// ErrStoreClosed is returned by every method once Close has been called.
var ErrStoreClosed = errors.New("store is closed")

// Config holds configuration options for the SQLite store.
//
// Production-ready defaults are applied by DefaultConfig() including:
//   - WAL mode enabled for better concurrency
//   - Connection pool with 25 max open, 5 max idle connections
//   - Connection lifetimes of 1 hour max, 5 minutes max idle
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:vitalsync.db?_journal_mode=WAL"
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, automatically appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Connection pool settings for production workloads.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "?_journal_mode=") {
			c.DataSourceName += "?_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults for SQLite.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store implements the local cache, the durable pending-operation log and the
// settings store on a single SQLite database.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *logging.Logger
}

// Compile-time checks that Store satisfies the storage contracts
var (
	_ vitalsync.LocalStore    = (*Store)(nil)
	_ vitalsync.QueueStorage  = (*Store)(nil)
	_ vitalsync.SettingsStore = (*Store)(nil)
)

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// New creates a Store from a Config.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent(logging.Component("sqlite-store"))
	logger.InfoContext(context.Background(), "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{
		db:     db,
		logger: logger,
	}

	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	return store, nil
}

// setupSchema creates the tables if they don't exist.
func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS entities (
        collection  TEXT NOT NULL,
        id          TEXT NOT NULL,
        fields      TEXT,
        updated_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        PRIMARY KEY (collection, id)
    );
    CREATE TABLE IF NOT EXISTS pending_operations (
        seq         INTEGER PRIMARY KEY AUTOINCREMENT,
        op_type     TEXT NOT NULL,
        collection  TEXT NOT NULL,
        document_id TEXT NOT NULL,
        payload     TEXT,
        enqueued_at TIMESTAMP NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_pending_document ON pending_operations (document_id);
    CREATE TABLE IF NOT EXISTS settings (
        key   TEXT PRIMARY KEY,
        value INTEGER NOT NULL
    );
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Get returns all cached entities in a collection. A row whose field blob no
// longer parses is skipped rather than failing the whole read, so a corrupt
// cache degrades to an empty collection instead of an error.
func (s *Store) Get(ctx context.Context, collection string) ([]entity.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT id, fields FROM entities WHERE collection = ? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpGet, err)
	}
	defer rows.Close()

	var entities []entity.Entity
	for rows.Next() {
		var id string
		var fieldsJSON sql.NullString
		if err := rows.Scan(&id, &fieldsJSON); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpGet, err)
		}

		e := entity.Entity{Collection: collection, ID: id}
		if fieldsJSON.Valid && fieldsJSON.String != "" {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &e.Fields); err != nil {
				s.logger.WarnContext(ctx, "Skipping corrupt cached entity",
					slog.String("collection", collection),
					slog.String("id", id),
					slog.String("error", err.Error()),
				)
				continue
			}
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpGet, err)
	}

	return entities, nil
}

// Put replaces a whole collection in one transaction.
func (s *Store) Put(ctx context.Context, collection string, entities []entity.Entity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpUpdate, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM entities WHERE collection = ?`, collection); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpUpdate, err)
	}

	insert := `INSERT INTO entities (collection, id, fields) VALUES (?, ?, ?)`
	for _, e := range entities {
		var fieldsJSON []byte
		fieldsJSON, err = json.Marshal(e.Fields)
		if err != nil {
			return syncErrors.NewStorageError(syncErrors.OpUpdate, err)
		}
		if _, err = tx.ExecContext(ctx, insert, collection, e.ID, string(fieldsJSON)); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpUpdate, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpUpdate, err)
	}
	return nil
}

// Upsert inserts or replaces a single entity by id.
func (s *Store) Upsert(ctx context.Context, collection string, e entity.Entity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpUpdate, err)
	}

	query := `
    INSERT INTO entities (collection, id, fields, updated_at)
    VALUES (?, ?, ?, CURRENT_TIMESTAMP)
    ON CONFLICT (collection, id) DO UPDATE SET
        fields = excluded.fields,
        updated_at = CURRENT_TIMESTAMP`
	if _, err := s.db.ExecContext(ctx, query, collection, e.ID, string(fieldsJSON)); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpUpdate, err)
	}
	return nil
}

// Remove deletes an entity by id, reporting whether it existed.
func (s *Store) Remove(ctx context.Context, collection, id string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM entities WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return false, syncErrors.NewStorageError(syncErrors.OpDelete, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, syncErrors.NewStorageError(syncErrors.OpDelete, err)
	}
	return affected > 0, nil
}

// Rename atomically rewrites a document id in place.
func (s *Store) Rename(ctx context.Context, collection, oldID, newID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `UPDATE entities SET id = ?, updated_at = CURRENT_TIMESTAMP WHERE collection = ? AND id = ?`
	if _, err := s.db.ExecContext(ctx, query, newID, collection, oldID); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpUpdate, err)
	}
	return nil
}

// Append adds an operation to the tail of the pending log and returns its
// storage-assigned sequence number.
func (s *Store) Append(ctx context.Context, op vitalsync.PendingOperation) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var payloadJSON []byte
	if op.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(op.Payload)
		if err != nil {
			return 0, syncErrors.NewStorageError(syncErrors.OpEnqueue, err)
		}
	}

	query := `
    INSERT INTO pending_operations (op_type, collection, document_id, payload, enqueued_at)
    VALUES (?, ?, ?, ?, ?)`
	result, err := s.db.ExecContext(ctx, query,
		string(op.Type), op.Collection, op.DocumentID, nullableString(payloadJSON), op.EnqueuedAt.UTC())
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpEnqueue, err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpEnqueue, err)
	}
	return seq, nil
}

// List returns all pending operations in enqueue order.
func (s *Store) List(ctx context.Context) ([]vitalsync.PendingOperation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT seq, op_type, collection, document_id, payload, enqueued_at
              FROM pending_operations ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpDrain, err)
	}
	defer rows.Close()

	var ops []vitalsync.PendingOperation
	for rows.Next() {
		var op vitalsync.PendingOperation
		var opType string
		var payloadJSON sql.NullString
		if err := rows.Scan(&op.Seq, &opType, &op.Collection, &op.DocumentID, &payloadJSON, &op.EnqueuedAt); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpDrain, err)
		}
		op.Type = vitalsync.OperationType(opType)
		if payloadJSON.Valid && payloadJSON.String != "" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &op.Payload); err != nil {
				return nil, syncErrors.NewStorageError(syncErrors.OpDrain, err)
			}
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpDrain, err)
	}

	return ops, nil
}

// Delete removes a completed pending entry by sequence number.
func (s *Store) Delete(ctx context.Context, seq int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE seq = ?`, seq); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpDrain, err)
	}
	return nil
}

// UpdateDocumentID rewrites the document id on every pending entry that
// references oldID. Sequence numbers are untouched so enqueue order survives.
func (s *Store) UpdateDocumentID(ctx context.Context, oldID, newID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `UPDATE pending_operations SET document_id = ? WHERE document_id = ?`
	if _, err := s.db.ExecContext(ctx, query, newID, oldID); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpDrain, err)
	}
	return nil
}

// GetBool returns the stored value and whether the key was present.
func (s *Store) GetBool(ctx context.Context, key string) (bool, bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, false, err
	}

	var value int
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, syncErrors.NewStorageError(syncErrors.OpGet, err)
	}
	return value != 0, true, nil
}

// SetBool stores a boolean setting.
func (s *Store) SetBool(ctx context.Context, key string, value bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	intVal := 0
	if value {
		intVal = 1
	}
	query := `
    INSERT INTO settings (key, value) VALUES (?, ?)
    ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, query, key, intVal); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpUpdate, err)
	}
	return nil
}

// Close closes the database connection. Subsequent calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

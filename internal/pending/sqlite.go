package pending

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// schemaVersion is the persisted record format version. Bump it when the
// operations table layout changes incompatibly.
const schemaVersion = 1

// SQLiteStore persists operations to a SQLite database, one row per
// operation keyed by id.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and if needed creates) the operations database at
// path. An empty path opens an in-memory database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open operations db: %w", err)
	}
	// The modernc driver is not safe for concurrent writers on one file;
	// a single connection also keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_meta (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_meta table: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_meta LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.Exec(`INSERT INTO schema_meta (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version != schemaVersion:
		return fmt.Errorf("operations db schema version %d, want %d", version, schemaVersion)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS operations (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			op_type TEXT NOT NULL,
			payload TEXT,
			status TEXT NOT NULL,
			default_action TEXT NOT NULL,
			bound_ui_refs TEXT,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			resolved_at INTEGER NOT NULL DEFAULT 0,
			last_notified_at INTEGER NOT NULL DEFAULT 0,
			exec_error TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		return fmt.Errorf("create operations table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_operations_owner ON operations(owner_id)
	`); err != nil {
		return fmt.Errorf("create owner index: %w", err)
	}
	return nil
}

// Save upserts one operation row.
func (s *SQLiteStore) Save(ctx context.Context, op *Operation) error {
	if op == nil {
		return nil
	}
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", ErrPersistence, err)
	}
	refs, err := json.Marshal(op.BoundUIRefs)
	if err != nil {
		return fmt.Errorf("%w: marshal ui refs: %v", ErrPersistence, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO operations (id, owner_id, op_type, payload, status, default_action,
			bound_ui_refs, created_at, expires_at, resolved_at, last_notified_at, exec_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			payload = excluded.payload,
			status = excluded.status,
			bound_ui_refs = excluded.bound_ui_refs,
			resolved_at = excluded.resolved_at,
			last_notified_at = excluded.last_notified_at,
			exec_error = excluded.exec_error
	`, op.ID, op.OwnerID, op.Type, string(payload), string(op.Status), string(op.DefaultAction),
		string(refs), op.CreatedAt.UnixNano(), op.ExpiresAt.UnixNano(),
		nanosOrZero(op.ResolvedAt), nanosOrZero(op.LastNotifiedAt), op.ExecError)
	if err != nil {
		return fmt.Errorf("%w: save operation %s: %v", ErrPersistence, op.ID, err)
	}
	return nil
}

// Remove deletes one operation row.
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: remove operation %s: %v", ErrPersistence, id, err)
	}
	return nil
}

// LoadAll returns every stored operation.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, op_type, payload, status, default_action,
			bound_ui_refs, created_at, expires_at, resolved_at, last_notified_at, exec_error
		FROM operations
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: load operations: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load operations: %v", ErrPersistence, err)
	}
	return ops, nil
}

// PurgeTerminalBefore deletes terminal rows resolved before the cutoff.
func (s *SQLiteStore) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM operations
		WHERE status IN (?, ?, ?) AND resolved_at > 0 AND resolved_at < ?
	`, string(StatusConfirmed), string(StatusCancelled), string(StatusExecuted), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: purge terminal operations: %v", ErrPersistence, err)
	}
	return result.RowsAffected()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanOperation(rows *sql.Rows) (*Operation, error) {
	var (
		op                                     Operation
		payload, refs, status, defaultAction   string
		createdAt, expiresAt, resolvedAt, notifiedAt int64
	)
	if err := rows.Scan(&op.ID, &op.OwnerID, &op.Type, &payload, &status, &defaultAction,
		&refs, &createdAt, &expiresAt, &resolvedAt, &notifiedAt, &op.ExecError); err != nil {
		return nil, fmt.Errorf("%w: scan operation: %v", ErrPersistence, err)
	}
	if payload != "" && payload != "null" {
		if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
			return nil, fmt.Errorf("%w: decode payload for %s: %v", ErrPersistence, op.ID, err)
		}
	}
	if refs != "" && refs != "null" {
		if err := json.Unmarshal([]byte(refs), &op.BoundUIRefs); err != nil {
			return nil, fmt.Errorf("%w: decode ui refs for %s: %v", ErrPersistence, op.ID, err)
		}
	}
	op.Status = Status(status)
	op.DefaultAction = DefaultAction(defaultAction)
	op.CreatedAt = time.Unix(0, createdAt)
	op.ExpiresAt = time.Unix(0, expiresAt)
	if resolvedAt != 0 {
		op.ResolvedAt = time.Unix(0, resolvedAt)
	}
	if notifiedAt != 0 {
		op.LastNotifiedAt = time.Unix(0, notifiedAt)
	}
	return &op, nil
}

func nanosOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

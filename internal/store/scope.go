package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/rowsync/internal/sync"
	"github.com/oklog/ulid/v2"
)

// ReadScope returns the scope called name, or sync.ErrScopeNotFound.
func (s *SQLiteStore) ReadScope(ctx context.Context, name string) (*sync.ScopeInfo, error) {
	var (
		scope    sync.ScopeInfo
		lastSync sql.NullString
		duration int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT scope_id, scope_name, schema, remote_scope_id, last_sync_timestamp,
		       last_server_sync_timestamp, last_sync, last_sync_duration
		FROM scope_info
		WHERE scope_name = ?
	`, name).Scan(&scope.ID, &scope.Name, &scope.Schema, &scope.RemoteScopeID,
		&scope.LastSyncTimestamp, &scope.LastServerSyncTimestamp, &lastSync, &duration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", sync.ErrScopeNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read scope: %w", err)
	}

	if lastSync.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastSync.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_sync: %w", err)
		}
		scope.LastSync = &t
	}
	scope.LastSyncDuration = time.Duration(duration)
	return &scope, nil
}

// WriteScope upserts scope by id in a single statement. A scope without an id gets a new ULID.
func (s *SQLiteStore) WriteScope(ctx context.Context, scope *sync.ScopeInfo) (*sync.ScopeInfo, error) {
	out := *scope
	if out.ID == "" {
		out.ID = ulid.Make().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scope_info (scope_id, scope_name, schema, remote_scope_id, last_sync_timestamp,
		                        last_server_sync_timestamp, last_sync, last_sync_duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope_id) DO UPDATE SET
			scope_name = excluded.scope_name,
			schema = excluded.schema,
			remote_scope_id = excluded.remote_scope_id,
			last_sync_timestamp = excluded.last_sync_timestamp,
			last_server_sync_timestamp = excluded.last_server_sync_timestamp,
			last_sync = excluded.last_sync,
			last_sync_duration = excluded.last_sync_duration
	`, out.ID, out.Name, out.Schema, out.RemoteScopeID, out.LastSyncTimestamp,
		out.LastServerSyncTimestamp, nullableTime(out.LastSync), int64(out.LastSyncDuration))
	if err != nil {
		return nil, fmt.Errorf("write scope: %w", err)
	}
	return &out, nil
}

// DeleteScope removes the scope row and its peer history.
func (s *SQLiteStore) DeleteScope(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM scope_info WHERE scope_name = ?`, name); err != nil {
		return fmt.Errorf("delete scope: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scope_info_history WHERE scope_name = ?`, name); err != nil {
		return fmt.Errorf("delete scope history: %w", err)
	}
	return tx.Commit()
}

// LocalWatermark returns the current value of the store's logical clock.
func (s *SQLiteStore) LocalWatermark(ctx context.Context) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_clock WHERE id = 1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read sync clock: %w", err)
	}
	return v, nil
}

// CurrentWatermark is LocalWatermark under the change-tracking contract.
func (s *SQLiteStore) CurrentWatermark(ctx context.Context) (int64, error) {
	return s.LocalWatermark(ctx)
}

// WriteHistory upserts what the server knows about one peer of a scope.
func (s *SQLiteStore) WriteHistory(ctx context.Context, h sync.ScopeHistory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scope_info_history (scope_id, scope_name, last_sync_timestamp, last_sync, last_sync_duration)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope_id, scope_name) DO UPDATE SET
			last_sync_timestamp = excluded.last_sync_timestamp,
			last_sync = excluded.last_sync,
			last_sync_duration = excluded.last_sync_duration
	`, h.ScopeID, h.ScopeName, h.LastSyncTimestamp, nullableTime(h.LastSync), int64(h.LastSyncDuration))
	if err != nil {
		return fmt.Errorf("write scope history: %w", err)
	}
	return nil
}

// ReadHistory lists the peers of a scope, most recently synchronized first.
func (s *SQLiteStore) ReadHistory(ctx context.Context, scopeName string) ([]sync.ScopeHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope_id, scope_name, last_sync_timestamp, last_sync, last_sync_duration
		FROM scope_info_history
		WHERE scope_name = ?
		ORDER BY last_sync DESC
	`, scopeName)
	if err != nil {
		return nil, fmt.Errorf("query scope history: %w", err)
	}
	defer rows.Close()

	var out []sync.ScopeHistory
	for rows.Next() {
		var (
			h        sync.ScopeHistory
			lastSync sql.NullString
			duration int64
		)
		if err := rows.Scan(&h.ScopeID, &h.ScopeName, &h.LastSyncTimestamp, &lastSync, &duration); err != nil {
			return nil, fmt.Errorf("scan scope history: %w", err)
		}
		if lastSync.Valid {
			if t, err := time.Parse(time.RFC3339Nano, lastSync.String); err == nil {
				h.LastSync = &t
			}
		}
		h.LastSyncDuration = time.Duration(duration)
		out = append(out, h)
	}
	return out, rows.Err()
}

// MinPeerWatermark returns the lowest watermark any peer of the scope has received.
// ok is false when the scope has no peers yet.
func (s *SQLiteStore) MinPeerWatermark(ctx context.Context, scopeName string) (watermark int64, ok bool, err error) {
	var v sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(last_sync_timestamp) FROM scope_info_history WHERE scope_name = ?
	`, scopeName).Scan(&v)
	if err != nil {
		return 0, false, fmt.Errorf("query peer watermark: %w", err)
	}
	return v.Int64, v.Valid, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

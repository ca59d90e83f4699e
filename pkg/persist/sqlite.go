package persist

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// SQLiteStore keeps snapshots in two tables: an append-only snapshots
// table and a stores table holding each room's current snapshot pointer.
// Content is stored as base64 text.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS stores (
    	id text not null primary key,
        snapshot_id text
		)`,
	); err != nil {
		return nil, fmt.Errorf("failed to create stores table: %w", err)
	}
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS snapshots (
    	id text not null primary key,
    	store_id text not null,
    	created_unix_ms integer not null,
    	content text not null
		)`,
	); err != nil {
		return nil, fmt.Errorf("failed to create snapshots table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, room string, ts time.Time, content []byte) (Ref, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return Ref{}, fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	ref := Ref{
		ID:        ulid.MustNew(ulid.Timestamp(ts), ulid.DefaultEntropy()).String(),
		Room:      room,
		CreatedAt: ts,
	}
	if _, err := tx.ExecContext(
		ctx, `INSERT INTO snapshots(id, store_id, created_unix_ms, content) VALUES (?, ?, ?, ?)`,
		ref.ID, room, ts.UnixMilli(), base64.StdEncoding.EncodeToString(content),
	); err != nil {
		return Ref{}, fmt.Errorf("failed to persist snapshot: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx, `INSERT OR IGNORE INTO stores(id, snapshot_id) VALUES (?, NULL)`, room,
	); err != nil {
		return Ref{}, fmt.Errorf("failed to ensure store row: %w", err)
	}
	if res, err := tx.ExecContext(
		ctx, `UPDATE stores SET snapshot_id = ? WHERE id = ?`, ref.ID, room,
	); err != nil {
		return Ref{}, fmt.Errorf("failed to update store pointer: %w", err)
	} else if r, _ := res.RowsAffected(); r == 0 {
		return Ref{}, fmt.Errorf("no store row updated for %q", room)
	}
	if err := tx.Commit(); err != nil {
		return Ref{}, fmt.Errorf("failed to commit: %w", err)
	}
	return ref, nil
}

func (s *SQLiteStore) List(ctx context.Context, room string) ([]Ref, error) {
	rows, err := s.db.QueryContext(
		ctx, `SELECT id, created_unix_ms FROM snapshots WHERE store_id = ? ORDER BY id`, room,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()
	var refs []Ref
	for rows.Next() {
		ref := Ref{Room: room}
		var ms int64
		if err := rows.Scan(&ref.ID, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		ref.CreatedAt = time.UnixMilli(ms)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) ([]byte, error) {
	var raw string
	if err := s.db.QueryRowContext(
		ctx, `SELECT content FROM snapshots WHERE id = ?`, id,
	).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	content, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return content, nil
}

func (s *SQLiteStore) Latest(ctx context.Context, room string) ([]byte, error) {
	var raw string
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT content FROM snapshots sn INNER JOIN stores st ON sn.id = st.snapshot_id WHERE st.id = ?`,
		room,
	).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("failed to query latest snapshot: %w", err)
	}
	content, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return content, nil
}

// Package checkpoint implements the per-entity sync cursor in
// sys.sync_state, saved after every processed batch (not only at run end)
// so a crash loses at most one batch's worth of work. Each entity keeps
// an explicit timestamp cursor and/or key cursor, clamped so the stored
// cursor never advances past "now"; the safety buffer is subtracted only
// when a run computes its filter lower bound.
package checkpoint

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conslink/consync/internal/model"
)

// Store reads and writes sys.sync_state rows.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get returns the current checkpoint for an entity, or a zero-value
// checkpoint if none exists yet (first run).
func (s *Store) Get(ctx context.Context, entityName string) (model.Checkpoint, error) {
	var cp model.Checkpoint
	cp.EntityName = entityName

	row := s.pool.QueryRow(ctx, `
		SELECT last_synced_at, last_synced_key
		FROM sys.sync_state
		WHERE entity_name = $1
	`, entityName)

	var lastSyncedAt *time.Time
	var lastSyncedKey *string
	err := row.Scan(&lastSyncedAt, &lastSyncedKey)
	if err == pgx.ErrNoRows {
		return cp, nil
	}
	if err != nil {
		return cp, err
	}
	cp.LastSyncedAt = lastSyncedAt
	if lastSyncedKey != nil {
		cp.LastSyncedKey = *lastSyncedKey
	}
	return cp, nil
}

// Save upserts the checkpoint in its own statement, in its own commit,
// independent of the caller's main transaction. The timestamp value is
// clamped to never exceed now(), preventing a scheduled-future source
// timestamp from pinning the cursor forward.
func (s *Store) Save(ctx context.Context, q queryer, entityName string, lastSyncedAt *time.Time, lastSyncedKey string) error {
	clamped := lastSyncedAt
	if clamped != nil {
		now := time.Now().UTC()
		if clamped.After(now) {
			clamped = &now
		}
	}
	_, err := q.Exec(ctx, `
		INSERT INTO sys.sync_state (entity_name, last_synced_at, last_synced_key)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (entity_name) DO UPDATE SET
			last_synced_at = EXCLUDED.last_synced_at,
			last_synced_key = EXCLUDED.last_synced_key
	`, entityName, clamped, lastSyncedKey)
	return err
}

// queryer abstracts *pgxpool.Pool / pgx.Tx so Save can be called either
// standalone (its own commit) or inside a caller-scoped transaction.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Since computes the filter lower bound for an incremental pull: the stored
// cursor minus the entity's safety buffer, or initial (e.g.
// INITIAL_FROM_DATE) if there is no checkpoint yet.
func Since(cp model.Checkpoint, buffer time.Duration, initial time.Time) time.Time {
	if cp.LastSyncedAt == nil {
		return initial
	}
	return cp.LastSyncedAt.Add(-buffer)
}

// ClampToNow never lets an observed source timestamp advance the cursor
// past wall-clock now.
func ClampToNow(t time.Time) time.Time {
	now := time.Now().UTC()
	if t.After(now) {
		return now
	}
	return t
}

// KeyPrecedes reports whether key strictly precedes the stored
// last_synced_key, using plain string comparison on UUIDs in textual
// form -- not a numeric or chronological ordering, but stable enough for
// the ratings puller's key-based cursor.
func KeyPrecedes(key, lastSyncedKey string) bool {
	if lastSyncedKey == "" {
		return false
	}
	return key < lastSyncedKey
}

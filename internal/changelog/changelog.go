// Package changelog implements an append-only record of consultation
// field mutations tagged with their origin, used for audit and to avoid
// pushing a change back to the side that originated it.
package changelog

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Origin is the source tag of a mutation.
type Origin string

const (
	OriginCHAT Origin = "CHAT"
	OriginERP  Origin = "ERP"
	OriginAPI  Origin = "API"
	OriginETL  Origin = "ETL"
)

// Log writes changelog rows and flips their synced pointers.
type Log struct {
	pool *pgxpool.Pool
}

func NewLog(pool *pgxpool.Pool) *Log {
	return &Log{pool: pool}
}

// Record appends one mutation row for (consID, field).
func (l *Log) Record(ctx context.Context, consID, field string, oldValue, newValue any, source Origin) error {
	oldJSON, err := marshalOrNil(oldValue)
	if err != nil {
		return err
	}
	newJSON, err := marshalOrNil(newValue)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO sys.consultation_change_log
			(cons_id, field_name, old_value, new_value, source, synced_to_chat, synced_to_erp, created_at)
		VALUES ($1, $2, $3, $4, $5, false, false, now())
	`, consID, field, oldJSON, newJSON, source)
	return err
}

func marshalOrNil(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// MarkSynced flips synced_to_chat and/or synced_to_erp on the most recent
// row for (consID, field) -- mirrors mark_change_synced's "update the
// latest row for this field" semantics.
func (l *Log) MarkSynced(ctx context.Context, consID, field string, syncedToChat, syncedToERP bool) error {
	_, err := l.pool.Exec(ctx, `
		UPDATE sys.consultation_change_log
		SET synced_to_chat = synced_to_chat OR $3,
		    synced_to_erp  = synced_to_erp  OR $4
		WHERE id = (
			SELECT id FROM sys.consultation_change_log
			WHERE cons_id = $1 AND field_name = $2
			ORDER BY created_at DESC
			LIMIT 1
		)
	`, consID, field, syncedToChat, syncedToERP)
	return err
}

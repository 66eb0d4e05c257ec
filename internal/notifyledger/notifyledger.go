// Package notifyledger implements content-hash deduplication of outbound
// CHAT side effects. Each record is written over a dedicated pool
// connection rather than the caller's transaction, so a later rollback of
// the main pull transaction can never "un-send" the record.
package notifyledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger guards at-most-once delivery of outbound CHAT messages.
type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// normalize replaces nil values with "", recursing into nested maps, so the
// hash is stable regardless of null/empty ambiguity; key order is fixed by
// encoding/json in sortedJSON.
func normalize(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch vv := v.(type) {
		case nil:
			out[k] = ""
		case map[string]any:
			out[k] = normalize(vv)
		default:
			out[k] = v
		}
	}
	return out
}

// sortedJSON marshals a map with keys sorted ascending. The ordering comes
// from encoding/json, which sorts map[string]any keys; the sorted keys
// slice built here is not used for the encoding.
func sortedJSON(keyData map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(keyData))
	for k := range keyData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	// encoding/json marshals map[string]any keys in sorted order already;
	// this function exists to document that invariant at the call site.
	return json.Marshal(keyData)
}

// Hash computes the deterministic SHA-256 hash over (type, entity_id,
// normalized_data). Volatile fields (e.g. current wait-time estimate) must
// already be excluded from data by the caller -- only the identifying
// tuple is hashed.
func Hash(notificationType, entityID string, data map[string]any) (string, error) {
	keyData := map[string]any{
		"type":      notificationType,
		"entity_id": entityID,
	}
	if n := normalize(data); n != nil {
		keyData["data"] = n
	}
	b, err := sortedJSON(keyData)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CheckAndLog returns true if this exact notification was already sent
// (dedup hit), otherwise inserts the ledger row in its own connection/
// transaction and returns false -- the send should proceed.
func (l *Ledger) CheckAndLog(ctx context.Context, notificationType, entityID string, data map[string]any) (alreadySent bool, err error) {
	hash, err := Hash(notificationType, entityID, data)
	if err != nil {
		return false, err
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
		INSERT INTO sys.notification_log (unique_hash, notification_type, entity_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (unique_hash) DO NOTHING
	`, hash, notificationType, entityID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return true, nil
	}
	return false, nil
}

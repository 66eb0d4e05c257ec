package model

import "time"

// Checkpoint is one row of sys.sync_state.
type Checkpoint struct {
	EntityName    string
	LastSyncedAt  *time.Time
	LastSyncedKey string
}

// NotificationLog is one row of the dedup ledger.
type NotificationLog struct {
	UniqueHash string
	Type       string
	EntityID   string
	CreatedAt  time.Time
}

// ChangeLogEntry is one append-only audit row.
type ChangeLogEntry struct {
	ID           int64
	ConsID       string
	Field        string
	OldValue     string
	NewValue     string
	Source       string // CHAT | ERP | API | ETL
	SyncedToChat bool
	SyncedToERP  bool
	CreatedAt    time.Time
}

// WebhookLog is one raw inbound CHAT event.
type WebhookLog struct {
	ID        int64
	Payload   []byte
	Processed bool
	Error     string
	CreatedAt time.Time
}

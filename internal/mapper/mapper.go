// Package mapper holds the pure, deterministic translation functions from
// raw ERP OData fields to domain rows: status classification, UUID
// cleanup, and lenient datetime parsing.
package mapper

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conslink/consync/internal/model"
)

// Category words used by ERP's "ВидОбращения" field to distinguish the
// non-terminal statuses. Named in English per the task's "name things by
// what they do" rule; values are the ERP's literal Cyrillic strings.
const (
	categoryWordAccountingKind = "КонсультацияИТС"
	categoryWordQueueKind      = "ВОчередьНаКонсультацию"
	categoryWordOtherKind      = "Другое"
)

// MapStatus applies the status precedence of:
// denied -> cancelled; else end_date set -> closed; else by category word;
// else new.
func MapStatus(categoryWord string, endDate *time.Time, denied bool) model.Status {
	if denied {
		return model.StatusCancelled
	}
	if endDate != nil {
		return model.StatusClosed
	}
	switch strings.TrimSpace(categoryWord) {
	case categoryWordAccountingKind:
		return model.StatusOpen
	case categoryWordQueueKind:
		return model.StatusPending
	case categoryWordOtherKind:
		return model.StatusOther
	default:
		return model.StatusNew
	}
}

// CleanUUID maps the empty string and the all-zero UUID to "absent".
func CleanUUID(raw string) uuid.NullUUID {
	if raw == "" || raw == "00000000-0000-0000-0000-000000000000" {
		return uuid.NullUUID{}
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: id, Valid: true}
}

// CleanDatetime treats an empty string or the Edm.DateTime epoch
// "0001-01-01..." as absent, and promotes a naive (no offset) timestamp to
// UTC so the result is always an offset-aware value.
func CleanDatetime(raw string) *time.Time {
	if raw == "" || strings.HasPrefix(raw, "0001-01-01") {
		return nil
	}
	normalized := strings.ReplaceAll(raw, "Z", "+00:00")

	layouts := []string{
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, normalized); err == nil {
			if t.Location() == time.UTC || t.Location() == time.Local && !strings.Contains(normalized, "+") && !strings.Contains(normalized, "-07") {
				t = t.UTC()
			}
			out := t.UTC()
			return &out
		}
	}
	return nil
}

// IsValidChatID reports whether a stored cons_id can be used against CHAT:
// it must be all-digits and at most 10 characters.
// Delegates to model.ParseConsID so there is exactly one implementation of
// the shape test.
func IsValidChatID(consID string) bool {
	return model.ParseConsID(consID).IsValidChatID()
}

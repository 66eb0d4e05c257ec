package webhook

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// attrDiff is the set of store-side fields a custom_attributes payload can
// touch, plus whether each one actually changed, so the caller can log
// which fields moved.
type attrDiff struct {
	StartDate        *time.Time
	StartDateChanged  bool
	EndDate           *time.Time
	EndDateChanged    bool
	Redate            *time.Time
	RedateChanged     bool
	RedateTime        *string
	RedateTimeChanged bool
	Denied            *bool
	DeniedChanged     bool
}

// applyCustomAttributes parses date_con/con_end/redate_con/retime_con/
// closed_without_con leniently -- a parse error is non-fatal, that field is
// just skipped rather than aborting the whole payload. current* are
// the store's existing values, used to suppress no-op writes.
func applyCustomAttributes(attrs map[string]any, currentStart, currentEnd, currentRedate *time.Time, currentRedateTime *string, currentDenied bool) attrDiff {
	var diff attrDiff

	if v, ok := parseFlexibleTime(attrs["date_con"]); ok && (currentStart == nil || !currentStart.Equal(v)) {
		diff.StartDate, diff.StartDateChanged = &v, true
	}
	if v, ok := parseFlexibleTime(attrs["con_end"]); ok && (currentEnd == nil || !currentEnd.Equal(v)) {
		diff.EndDate, diff.EndDateChanged = &v, true
	}
	if v, ok := parseFlexibleTime(attrs["redate_con"]); ok {
		day := v.Truncate(24 * time.Hour)
		if currentRedate == nil || !currentRedate.Equal(day) {
			diff.Redate, diff.RedateChanged = &day, true
		}
	}
	if v, ok := parseHHMM(attrs["retime_con"]); ok && (currentRedateTime == nil || *currentRedateTime != v) {
		diff.RedateTime, diff.RedateTimeChanged = &v, true
	}
	if raw, present := attrs["closed_without_con"]; present {
		if v, ok := parseLenientBool(raw); ok && v != currentDenied {
			diff.Denied, diff.DeniedChanged = &v, true
		}
	}
	return diff
}

func parseFlexibleTime(raw any) (time.Time, bool) {
	s, ok := raw.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			// naive timestamps (no zone) are treated as UTC, matching the
			// source's date_parser.parse(...).replace(tzinfo=timezone.utc)
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseHHMM(raw any) (string, bool) {
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", false
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return "", false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", h, m), true
}

// parseLenientBool accepts a real bool, a "true"/"1"/"yes" string (any case),
// or a numeric 0/1 -- Chatwoot custom attributes have no fixed JSON type.
func parseLenientBool(raw any) (bool, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case string:
		lower := strings.ToLower(v)
		return lower == "true" || lower == "1" || lower == "yes", true
	case float64:
		return v != 0, true
	default:
		return false, false
	}
}

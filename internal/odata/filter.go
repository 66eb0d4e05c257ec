package odata

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// odataPreserved escapes everything url.QueryEscape would, then un-escapes
// the OData punctuation that must survive literally in $filter/$orderby:
// ' ( ) = < >.
var odataPreserved = map[byte]string{
	'\'': "'",
	'(':  "(",
	')':  ")",
	'=':  "=",
	'<':  "<",
	'>':  ">",
}

// EncodeODataComponent percent-encodes a query-string component, keeping
// OData punctuation `'()=<>` literal and UTF-8 byte sequences
// intact for non-ASCII field names.
func EncodeODataComponent(s string) string {
	escaped := url.QueryEscape(s)
	// url.QueryEscape turns space into "+"; OData wants %20.
	escaped = strings.ReplaceAll(escaped, "+", "%20")
	for ch, lit := range odataPreserved {
		encoded := fmt.Sprintf("%%%02X", ch)
		escaped = strings.ReplaceAll(escaped, encoded, lit)
	}
	return escaped
}

// DateTimeFilterValue renders a time.Time as an OData Edm.DateTime literal:
// datetime'YYYY-MM-DDTHH:MM:SS'.
func DateTimeFilterValue(t time.Time) string {
	return fmt.Sprintf("datetime'%s'", t.UTC().Format("2006-01-02T15:04:05"))
}

// GUIDFilterValue renders a UUID as an OData Edm.Guid literal: guid'...'.
// GUIDs must never be compared with gt/lt -- only eq is valid.
func GUIDFilterValue(id uuid.UUID) string {
	return fmt.Sprintf("guid'%s'", id.String())
}

// Query describes one OData list request.
type Query struct {
	Entity  string
	Filter  string
	OrderBy string
	Top     int
	Skip    int
}

// BuildURL constructs "<base>/<entity>?$format=json&$filter=<f>&$orderby=<o>&$top=<N>&$skip=<K>".
func BuildURL(baseURL string, q Query) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(baseURL, "/"))
	b.WriteString("/")
	b.WriteString(q.Entity)
	b.WriteString("?$format=json")
	if q.Filter != "" {
		b.WriteString("&$filter=")
		b.WriteString(EncodeODataComponent(q.Filter))
	}
	if q.OrderBy != "" {
		b.WriteString("&$orderby=")
		b.WriteString(EncodeODataComponent(q.OrderBy))
	}
	if q.Top > 0 {
		b.WriteString(fmt.Sprintf("&$top=%d", q.Top))
	}
	if q.Skip > 0 {
		b.WriteString(fmt.Sprintf("&$skip=%d", q.Skip))
	}
	return b.String()
}

// GEFilter builds "Field ge datetime'...'" for incremental cursor pulls.
func GEFilter(field string, since time.Time) string {
	return fmt.Sprintf("%s ge %s", field, DateTimeFilterValue(since))
}

// GUIDEqualityOr builds "Field eq guid'k1' or Field eq guid'k2' or ..." used
// by the open-update mode's key-batched lookups. GUIDs must
// only ever be compared with eq, never gt/lt.
func GUIDEqualityOr(field string, keys []uuid.UUID) string {
	clauses := make([]string, 0, len(keys))
	for _, k := range keys {
		clauses = append(clauses, fmt.Sprintf("%s eq %s", field, GUIDFilterValue(k)))
	}
	return strings.Join(clauses, " or ")
}

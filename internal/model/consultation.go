// Package model defines the store-side row types shared by the ETL pullers,
// the webhook reconciler and the operator selector.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Status is the consultation lifecycle state. Values closed/resolved/cancelled
// are terminal and never downgraded by an ERP pull.
type Status string

const (
	StatusNew       Status = "new"
	StatusPending   Status = "pending"
	StatusOpen      Status = "open"
	StatusOther     Status = "other"
	StatusClosed    Status = "closed"
	StatusResolved  Status = "resolved"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is sticky against ERP pulls.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusClosed, StatusResolved, StatusCancelled:
		return true
	default:
		return false
	}
}

// ConsultationType distinguishes the accounting line of business (subject to
// the terminal-status guard and client-closure refusal) from everything else.
type ConsultationType string

const (
	ConsultationAccounting  ConsultationType = "accounting"
	ConsultationTechSupport ConsultationType = "tech_support"
)

// Source records which side last wrote this consultation row.
type Source string

const (
	SourceETL    Source = "ETL"
	SourceERP    Source = "ERP"
	SourceERPAll Source = "ERP_ALL"
	SourceCHAT   Source = "CHAT"
)

// ConsID is a sum type over the two disjoint key spaces a consultation can
// live in: a numeric CHAT conversation id, or a temporary marker minted
// before CHAT has assigned one. Sniffing the raw string ("cl_<uuid>"
// prefix vs. digit-only, <=10 chars) is done once here into an explicit
// variant. The wire/DB representation is still a plain string (String());
// only in-process code should match on Kind.
type ConsID struct {
	Kind ConsIDKind
	// Chat holds the CHAT numeric id as a string when Kind == ConsIDKindChat.
	Chat string
	// Temp holds the "cl_<uuid>" form when Kind == ConsIDKindTemp.
	Temp string
}

type ConsIDKind int

const (
	ConsIDKindTemp ConsIDKind = iota
	ConsIDKindChat
)

// NewTempConsID mints a temporary id for a consultation created from an ERP
// pull before CHAT has been told about it.
func NewTempConsID(erpUID uuid.UUID) ConsID {
	return ConsID{Kind: ConsIDKindTemp, Temp: "cl_" + erpUID.String()}
}

// ParseConsID classifies a stored cons_id string. A value is a valid CHAT id
// iff it is all digits and at most 10 characters; anything
// else -- including the "cl_" temporary marker -- is treated as Temp, so no
// CHAT sync is attempted against it.
func ParseConsID(raw string) ConsID {
	if isNumericChatID(raw) {
		return ConsID{Kind: ConsIDKindChat, Chat: raw}
	}
	return ConsID{Kind: ConsIDKindTemp, Temp: raw}
}

func isNumericChatID(s string) bool {
	if s == "" || len(s) > 10 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// String returns the stored representation, unchanged by the Kind split.
func (c ConsID) String() string {
	if c.Kind == ConsIDKindChat {
		return c.Chat
	}
	return c.Temp
}

// IsValidChatID reports whether CHAT operations may be attempted against
// this consultation.
func (c ConsID) IsValidChatID() bool {
	return c.Kind == ConsIDKindChat
}

// Consultation is the pivot entity.
type Consultation struct {
	ConsID           ConsID
	RefKey           uuid.NullUUID // cl_ref_key, ERP UUID
	Number           string
	Status           Status
	ConsultationType ConsultationType
	Denied           bool
	CreateDate       time.Time
	StartDate        *time.Time
	EndDate          *time.Time
	Redate           *time.Time
	RedateTime       *string // "HH:MM"
	ClientKey        uuid.NullUUID
	ClientID         string
	OrgINN           string
	Manager          uuid.NullUUID // ERP operator UUID
	Author           string
	Comment          string
	OnlineQuestionCat uuid.NullUUID
	OnlineQuestion   string
	Source           Source
	ConBlocks        string
	ConCalls         string // JSON array of (period, manager)
	ConRates         string // JSON aggregate {average,count,per_question}
	ChangeDate       time.Time
}

// QARow is a consultation Q&A child row. Rebuilt from scratch
// on every pull of its parent.
type QARow struct {
	ConsRefKey uuid.UUID
	LineNumber int
	Question   string
	Answer     string
	BlockKey   string
}

// Call is a dial-attempt row, insert-only keyed by (Period, ConsKey, Manager).
type Call struct {
	Period  time.Time
	ConsKey uuid.UUID
	Manager uuid.UUID
}

// ConsRedate is an insert-only reschedule row.
type ConsRedate struct {
	ConsKey    uuid.UUID
	ClientsKey uuid.UUID
	ManagerKey uuid.UUID
	Period     time.Time
	OldDate    *time.Time
	NewDate    time.Time
}

// ConsRatingAnswer is an upsertable per-question rating row.
type ConsRatingAnswer struct {
	ConsKey       uuid.UUID
	ManagerKey    uuid.UUID
	QuestionNumber int
	Value         *int
	RefKey        uuid.UUID
}

// User is an operator.
type User struct {
	AccountID       string
	RefKey          uuid.UUID
	Description     string
	Department      string
	ConLimit        int
	StartHour       *int // local hour 0-23
	EndHour         *int
	LangRU          bool
	LangUZ          bool
	DeletionMark    bool
	Invalid         bool
	ConsultationEnabled bool
	ChatwootUserID  string
}

// ChatwootTeam derives the CHAT team grouping from the operator's department.
func (u User) ChatwootTeam() string {
	return u.Department
}

// UserSkill is a (user, category) pair.
type UserSkill struct {
	UserKey     uuid.UUID
	CategoryKey uuid.UUID
}

// UserMapping links a CHAT assignee id back to its ERP operator key.
type UserMapping struct {
	ChatwootUserID string
	ClManagerKey   uuid.UUID
}

// QueueClosing is a per-day operator closure flag.
type QueueClosing struct {
	PeriodDay  time.Time
	ManagerKey uuid.UUID
}

// CustomAttributes is the explicit record type for the mirrored CHAT
// custom-attribute subset.
type CustomAttributes struct {
	NumberCon        string
	DateCon          *time.Time
	ConEnd           *time.Time
	RedateCon        *time.Time
	RetimeCon        *string
	ConsultationType string
	ClosedWithoutCon *bool
}

package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of change notifications the CRM emits. Adding a
// variant means extending this list and the client handler table; unknown
// strings are rejected at the boundary.
type Type string

const (
	LeadCreated     Type = "lead_created"
	LeadUpdated     Type = "lead_updated"
	LeadDeleted     Type = "lead_deleted"
	CaseCreated     Type = "case_created"
	CaseUpdated     Type = "case_updated"
	CaseDeleted     Type = "case_deleted"
	DocumentCreated Type = "document_created"
	DocumentUpdated Type = "document_updated"
	DocumentDeleted Type = "document_deleted"

	SessionInvalidated Type = "session_invalidated"
	PermissionsChanged Type = "permissions_changed"
	AccountLocked      Type = "account_locked"
	SessionExpiring    Type = "session_expiring"
)

// Types lists every valid event type, in a stable order.
func Types() []Type {
	return []Type{
		LeadCreated, LeadUpdated, LeadDeleted,
		CaseCreated, CaseUpdated, CaseDeleted,
		DocumentCreated, DocumentUpdated, DocumentDeleted,
		SessionInvalidated, PermissionsChanged, AccountLocked, SessionExpiring,
	}
}

func (t Type) Valid() bool {
	switch t {
	case LeadCreated, LeadUpdated, LeadDeleted,
		CaseCreated, CaseUpdated, CaseDeleted,
		DocumentCreated, DocumentUpdated, DocumentDeleted,
		SessionInvalidated, PermissionsChanged, AccountLocked, SessionExpiring:
		return true
	}
	return false
}

// SessionScoped reports whether the type targets a single user's connections
// instead of the whole tenant.
func (t Type) SessionScoped() bool {
	switch t {
	case SessionInvalidated, PermissionsChanged, AccountLocked, SessionExpiring:
		return true
	}
	return false
}

func Parse(raw string) (Type, error) {
	t := Type(raw)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", raw)
	}
	return t, nil
}

// Event is an immutable record of a committed state change. Sequence is
// unique and strictly increasing within a tenant; ID deduplicates redelivery.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  uuid.UUID       `json:"tenantId"`
	Sequence  int64           `json:"sequenceNumber"`
	Type      Type            `json:"eventType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UserID    *uuid.UUID      `json:"userId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// New builds an event with a fresh ID and the retention boundary applied.
func New(tenantID uuid.UUID, sequence int64, t Type, payload json.RawMessage, userID *uuid.UUID, retention time.Duration) Event {
	now := time.Now().UTC()
	return Event{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Sequence:  sequence,
		Type:      t,
		Payload:   payload,
		UserID:    userID,
		Timestamp: now,
		ExpiresAt: now.Add(retention),
	}
}

func (e Event) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	if !e.Type.Valid() {
		return Event{}, fmt.Errorf("unknown event type %q", e.Type)
	}
	return e, nil
}

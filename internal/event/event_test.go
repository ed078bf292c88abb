package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseRejectsUnknownType(t *testing.T) {
	if _, err := Parse("lead_exploded"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
	typ, err := Parse("lead_created")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if typ != LeadCreated {
		t.Fatalf("expected lead_created, got %s", typ)
	}
}

func TestSessionScoped(t *testing.T) {
	for _, typ := range []Type{SessionInvalidated, PermissionsChanged, AccountLocked, SessionExpiring} {
		if !typ.SessionScoped() {
			t.Fatalf("expected %s to be session scoped", typ)
		}
	}
	if LeadCreated.SessionScoped() {
		t.Fatalf("lead_created must not be session scoped")
	}
}

func TestTypesAllValid(t *testing.T) {
	for _, typ := range Types() {
		if !typ.Valid() {
			t.Fatalf("type %s listed but not valid", typ)
		}
	}
}

func TestNewAppliesRetention(t *testing.T) {
	tenant := uuid.New()
	ev := New(tenant, 7, LeadUpdated, json.RawMessage(`{"id":"l1"}`), nil, 24*time.Hour)
	if ev.ID == uuid.Nil {
		t.Fatalf("expected event id")
	}
	if ev.Sequence != 7 || ev.TenantID != tenant {
		t.Fatalf("unexpected event fields: %+v", ev)
	}
	if got := ev.ExpiresAt.Sub(ev.Timestamp); got != 24*time.Hour {
		t.Fatalf("expected 24h retention, got %v", got)
	}
	if ev.Expired(ev.Timestamp.Add(time.Hour)) {
		t.Fatalf("event must not be expired inside the window")
	}
	if !ev.Expired(ev.Timestamp.Add(25 * time.Hour)) {
		t.Fatalf("event must be expired past the window")
	}
}

func TestUnmarshalRoundTrip(t *testing.T) {
	user := uuid.New()
	ev := New(uuid.New(), 3, SessionExpiring, nil, &user, time.Hour)
	data, err := ev.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != ev.ID || got.Sequence != 3 || got.UserID == nil || *got.UserID != user {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"id":"` + uuid.NewString() + `","eventType":"bogus"}`)); err == nil {
		t.Fatalf("expected error for unknown wire type")
	}
}

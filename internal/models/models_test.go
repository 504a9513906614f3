package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestHelpSpace_Fields(t *testing.T) {
	typ := reflect.TypeOf(HelpSpace{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "GuildID", "index:idx_space_guild_state")
	assertGormTag(t, typ, "State", "index:idx_space_guild_state")
	assertGormTag(t, typ, "State", "default:open")
	assertGormTag(t, typ, "Kind", "default:channel")
	assertGormTag(t, typ, "OwnerID", "index")

	assertFieldType(t, typ, "OwnerID", "*string")
	assertFieldType(t, typ, "UpdatedAt", "time.Time")
}

func TestReservation_Fields(t *testing.T) {
	typ := reflect.TypeOf(Reservation{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "size:36")
	assertGormTag(t, typ, "ActiveSpaceID", "uniqueIndex")
	assertGormTag(t, typ, "OwnerID", "index")
	assertGormTag(t, typ, "CreatedAt", "index")

	assertFieldType(t, typ, "ActiveSpaceID", "*string")
	assertFieldType(t, typ, "ScoredAt", "*time.Time")
	assertFieldType(t, typ, "ClosedAt", "*time.Time")
}

func TestReservation_BeforeCreate(t *testing.T) {
	r := &Reservation{}
	if err := r.BeforeCreate(nil); err != nil {
		t.Fatalf("BeforeCreate: %v", err)
	}
	if len(r.ID) != 36 {
		t.Errorf("ID = %q, want a 36-char uuid", r.ID)
	}

	r = &Reservation{ID: "fixed"}
	if err := r.BeforeCreate(nil); err != nil {
		t.Fatalf("BeforeCreate: %v", err)
	}
	if r.ID != "fixed" {
		t.Errorf("ID = %q, want fixed to be kept", r.ID)
	}
}

func TestReservation_Open(t *testing.T) {
	r := Reservation{}
	if !r.Open() {
		t.Error("new reservation should be open")
	}
	now := r.CreatedAt
	r.ClosedAt = &now
	if r.Open() {
		t.Error("closed reservation reports open")
	}
}

func TestHelpAccount_Fields(t *testing.T) {
	typ := reflect.TypeOf(HelpAccount{})

	assertGormTag(t, typ, "UserID", "primaryKey")
	assertGormTag(t, typ, "Balance", "type:decimal(20,4)")
	assertGormTag(t, typ, "Version", "not null")

	assertFieldType(t, typ, "Balance", "decimal.Decimal")
	assertFieldType(t, typ, "Version", "int64")
}

func TestHelpTransaction_Fields(t *testing.T) {
	typ := reflect.TypeOf(HelpTransaction{})

	assertGormTag(t, typ, "ID", "autoIncrement")
	assertGormTag(t, typ, "UserID", "index:idx_tx_user_created")
	assertGormTag(t, typ, "CreatedAt", "index:idx_tx_user_created")
	assertGormTag(t, typ, "IdempotencyKey", "uniqueIndex")
	assertGormTag(t, typ, "Reason", "index")

	assertFieldType(t, typ, "Delta", "decimal.Decimal")
	assertFieldType(t, typ, "IdempotencyKey", "*string")
}

func TestDecayRun_Fields(t *testing.T) {
	typ := reflect.TypeOf(DecayRun{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertFieldType(t, typ, "FinishedAt", "*time.Time")
}

func TestReasons(t *testing.T) {
	seen := map[string]bool{}
	for _, r := range []string{ReasonHelped, ReasonBestAnswer, ReasonThanked, ReasonDecay} {
		if r == "" || seen[r] {
			t.Errorf("reason %q empty or duplicated", r)
		}
		if len(r) > 16 {
			t.Errorf("reason %q exceeds column size", r)
		}
		seen[r] = true
	}
}

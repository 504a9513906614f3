package db

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/zulandar/helpdesk/internal/models"
	"gorm.io/gorm"
)

func TestDialector(t *testing.T) {
	tests := []struct {
		driver string
		want   string
	}{
		{"sqlite", "sqlite"},
		{"mysql", "mysql"},
		{"postgres", "postgres"},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			d, err := Dialector(tt.driver, "dsn")
			if err != nil {
				t.Fatalf("Dialector(%q): %v", tt.driver, err)
			}
			if d.Name() != tt.want {
				t.Errorf("Name() = %q, want %q", d.Name(), tt.want)
			}
		})
	}
}

func TestDialector_Unsupported(t *testing.T) {
	_, err := Dialector("oracle", "dsn")
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %q", err)
	}
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Connect("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { Close(db) })
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func TestAutoMigrate_CreatesTables(t *testing.T) {
	db := testDB(t)
	for _, m := range AllModels() {
		if !db.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
}

func TestAutoMigrate_Idempotent(t *testing.T) {
	db := testDB(t)
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("second AutoMigrate: %v", err)
	}
}

func TestConnect_TranslatesDuplicateKey(t *testing.T) {
	db := testDB(t)
	key := "k1"
	tx := models.HelpTransaction{UserID: "u", Delta: decimal.NewFromInt(1), Reason: models.ReasonHelped, IdempotencyKey: &key}
	if err := db.Create(&tx).Error; err != nil {
		t.Fatalf("first create: %v", err)
	}
	dup := models.HelpTransaction{UserID: "u", Delta: decimal.NewFromInt(1), Reason: models.ReasonHelped, IdempotencyKey: &key}
	err := db.Create(&dup).Error
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Errorf("duplicate create err = %v, want gorm.ErrDuplicatedKey", err)
	}
}

func TestReservation_ActiveSpaceUnique(t *testing.T) {
	db := testDB(t)
	space := "s1"
	first := models.Reservation{SpaceID: space, GuildID: "g", OwnerID: "a", ActiveSpaceID: &space}
	if err := db.Create(&first).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	second := models.Reservation{SpaceID: space, GuildID: "g", OwnerID: "b", ActiveSpaceID: &space}
	if err := db.Create(&second).Error; !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Errorf("second open reservation err = %v, want gorm.ErrDuplicatedKey", err)
	}

	// Closed rows carry a NULL active id and never collide.
	for _, owner := range []string{"c", "d"} {
		closed := models.Reservation{SpaceID: space, GuildID: "g", OwnerID: owner}
		if err := db.Create(&closed).Error; err != nil {
			t.Errorf("closed reservation for %s: %v", owner, err)
		}
	}
}

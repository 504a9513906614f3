package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Reservation is one claim of a help space by its owner. Rows are closed,
// never deleted.
type Reservation struct {
	ID      string `gorm:"primaryKey;size:36"`
	SpaceID string `gorm:"size:32;not null;index"`
	GuildID string `gorm:"size:32;not null"`
	OwnerID string `gorm:"size:32;not null;index"`

	// ActiveSpaceID mirrors SpaceID while the reservation is open and is
	// cleared on close, so the unique index allows one open row per space.
	ActiveSpaceID *string `gorm:"size:32;uniqueIndex"`

	ClosedBy  string    `gorm:"size:32"`
	CreatedAt time.Time `gorm:"index"`
	ScoredAt  *time.Time // set once every HELPED transaction is committed
	ClosedAt  *time.Time
}

// BeforeCreate assigns a uuid when the caller did not provide one.
func (r *Reservation) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// Open reports whether the reservation has not been closed yet.
func (r *Reservation) Open() bool {
	return r.ClosedAt == nil
}

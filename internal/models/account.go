package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction reasons.
const (
	ReasonHelped     = "HELPED"
	ReasonBestAnswer = "BEST_ANSWER"
	ReasonThanked    = "THANKED"
	ReasonDecay      = "DECAY"
)

// HelpAccount holds a user's materialized point balance. The balance always
// equals the sum of the user's HelpTransaction deltas.
type HelpAccount struct {
	UserID    string          `gorm:"primaryKey;size:32"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	Version   int64           `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HelpTransaction is an append-only balance change.
type HelpTransaction struct {
	ID             uint            `gorm:"primaryKey;autoIncrement"`
	UserID         string          `gorm:"size:32;not null;index:idx_tx_user_created"`
	GuildID        string          `gorm:"size:32"`
	Delta          decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Reason         string          `gorm:"size:16;not null;index"`
	IdempotencyKey *string         `gorm:"size:128;uniqueIndex"`
	CreatedAt      time.Time       `gorm:"index:idx_tx_user_created"`
}

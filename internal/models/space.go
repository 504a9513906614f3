package models

import "time"

// Space kinds.
const (
	SpaceKindChannel = "channel" // text channel that moves between categories
	SpaceKindForum   = "forum"   // thread inside a help forum
)

// Space lifecycle states.
const (
	SpaceOpen     = "open"
	SpaceReserved = "reserved"
	SpaceDormant  = "dormant"
	SpaceArchived = "archived" // terminal, forum posts only
)

// HelpSpace is a help channel or forum post as last observed by the bot.
// Provisioning happens on the platform; the bot only records and
// transitions its lifecycle state. Name is the canonical name; the
// claimant-encoded name of a reserved space is derived from it.
type HelpSpace struct {
	ID        string  `gorm:"primaryKey;size:32"`
	GuildID   string  `gorm:"size:32;not null;index:idx_space_guild_state"`
	Kind      string  `gorm:"size:16;not null;default:channel"`
	State     string  `gorm:"size:16;not null;default:open;index:idx_space_guild_state"`
	OwnerID   *string `gorm:"size:32;index"`
	Name      string  `gorm:"size:100"`
	ParentID  string  `gorm:"size:32"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Package bot turns platform events into help-system operations. Events are
// queued on a sharded worker pool so that gateway callbacks never wait on
// the database.
package bot

import (
	"context"
	"time"
)

// Event is something the chat platform reported.
type Event interface {
	// Key selects the worker shard. Events with the same key are handled
	// in the order they were submitted.
	Key() string
	// Type names the event for logs and metrics.
	Type() string
}

// MessageObserved is a message posted in a guild channel.
type MessageObserved struct {
	MessageID  string
	GuildID    string
	SpaceID    string
	AuthorID   string
	AuthorName string
	Automated  bool // bots, webhooks and system messages
	Content    string
	Timestamp  time.Time
}

func (e MessageObserved) Key() string  { return e.SpaceID }
func (e MessageObserved) Type() string { return "message" }

// SpaceCreated is a new channel or forum post.
type SpaceCreated struct {
	GuildID   string
	SpaceID   string
	Kind      string
	ParentID  string
	OwnerID   string
	Name      string
	Timestamp time.Time
}

func (e SpaceCreated) Key() string  { return e.SpaceID }
func (e SpaceCreated) Type() string { return "space_created" }

// MemberLeft is a member leaving or being removed from a guild.
type MemberLeft struct {
	GuildID string
	UserID  string
}

func (e MemberLeft) Key() string  { return "member:" + e.GuildID + ":" + e.UserID }
func (e MemberLeft) Type() string { return "member_left" }

// Interaction kinds.
const (
	InteractionClose     = "close"
	InteractionThank     = "thank"
	InteractionThankDone = "thank-done" // thank TargetUserID, then close
	InteractionMarkBest  = "mark-best"
	InteractionAccount   = "account"
)

// ReplyFunc answers the user who invoked an interaction.
type ReplyFunc func(ctx context.Context, text string) error

// InteractionInvoked is a slash command or button press.
type InteractionInvoked struct {
	Kind         string
	GuildID      string
	ActorID      string
	SpaceID      string
	TargetUserID string
	SubmissionID string
	Quiet        bool
	Privileged   bool // actor may manage help spaces they do not own
	Reply        ReplyFunc
}

func (e InteractionInvoked) Key() string {
	if e.SpaceID != "" {
		return e.SpaceID
	}
	return "user:" + e.ActorID
}

func (e InteractionInvoked) Type() string { return "interaction_" + e.Kind }

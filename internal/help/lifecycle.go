package help

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/zulandar/helpdesk/internal/config"
	"github.com/zulandar/helpdesk/internal/models"
	"github.com/zulandar/helpdesk/internal/naming"
)

// lifecycle is the kind-specific part of the state machine: which state a
// space lands in and how each transition is rendered on the platform.
// Render failures are logged; the stored state is authoritative.
type lifecycle interface {
	closedState() string
	releasedState() string
	claimed(ctx context.Context, sp Spaces, g *config.GuildConfig, space *models.HelpSpace, ownerID, ownerName string)
	closed(ctx context.Context, sp Spaces, g *config.GuildConfig, space *models.HelpSpace)
	released(ctx context.Context, sp Spaces, g *config.GuildConfig, space *models.HelpSpace)
	recycled(ctx context.Context, sp Spaces, g *config.GuildConfig, space *models.HelpSpace)
}

func lifecycleFor(kind string) lifecycle {
	if kind == models.SpaceKindForum {
		return forumLifecycle{}
	}
	return channelLifecycle{}
}

// channelLifecycle moves category-backed channels between the open,
// reserved and dormant categories.
type channelLifecycle struct{}

func (channelLifecycle) closedState() string   { return models.SpaceDormant }
func (channelLifecycle) releasedState() string { return models.SpaceOpen }

func (channelLifecycle) claimed(ctx context.Context, sp Spaces, g *config.GuildConfig, space *models.HelpSpace, ownerID, ownerName string) {
	render(space.ID, "rename", sp.Rename(ctx, space.ID, naming.ReservedName(space.Name, ownerName)))
	render(space.ID, "move", sp.Move(ctx, space.ID, g.ReservedCategoryID))
	render(space.ID, "controls", sp.SendControls(ctx, space.ID, ownerID))
}

func (channelLifecycle) closed(ctx context.Context, sp Spaces, g *config.GuildConfig, space *models.HelpSpace) {
	render(space.ID, "rename", sp.Rename(ctx, space.ID, space.Name))
	render(space.ID, "move", sp.Move(ctx, space.ID, g.DormantCategoryID))
}

func (channelLifecycle) released(ctx context.Context, sp Spaces, g *config.GuildConfig, space *models.HelpSpace) {
	channelLifecycle{}.recycled(ctx, sp, g, space)
}

func (channelLifecycle) recycled(ctx context.Context, sp Spaces, g *config.GuildConfig, space *models.HelpSpace) {
	render(space.ID, "rename", sp.Rename(ctx, space.ID, space.Name))
	render(space.ID, "move", sp.Move(ctx, space.ID, g.OpenCategoryID))
}

// forumLifecycle handles forum posts, which are archived on close instead
// of waiting in a dormant category.
type forumLifecycle struct{}

func (forumLifecycle) closedState() string   { return models.SpaceArchived }
func (forumLifecycle) releasedState() string { return models.SpaceArchived }

func (forumLifecycle) claimed(ctx context.Context, sp Spaces, _ *config.GuildConfig, space *models.HelpSpace, ownerID, _ string) {
	render(space.ID, "controls", sp.SendControls(ctx, space.ID, ownerID))
}

func (forumLifecycle) closed(ctx context.Context, sp Spaces, _ *config.GuildConfig, space *models.HelpSpace) {
	render(space.ID, "archive", sp.Archive(ctx, space.ID))
}

func (f forumLifecycle) released(ctx context.Context, sp Spaces, g *config.GuildConfig, space *models.HelpSpace) {
	f.closed(ctx, sp, g, space)
}

func (forumLifecycle) recycled(context.Context, Spaces, *config.GuildConfig, *models.HelpSpace) {}

func render(spaceID, op string, err error) {
	if err != nil {
		log.WithFields(log.Fields{"space": spaceID, "op": op}).WithError(err).Warn("render help space failed")
	}
}

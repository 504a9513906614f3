package help

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zulandar/helpdesk/internal/models"
)

// SweepResult counts what one inactivity sweep did.
type SweepResult struct {
	Closed   int
	Recycled int
}

// SweepInactive quietly closes reserved spaces that have been idle longer
// than the guild's inactivity timeout, then recycles dormant channels that
// have waited longer than the recycle delay. Per-space failures are logged
// and joined into the returned error; the sweep carries on.
func (m *Manager) SweepInactive(ctx context.Context, guildID string) (SweepResult, error) {
	var out SweepResult
	g, err := m.guilds.Guild(guildID)
	if err != nil {
		return out, err
	}
	now := m.now()
	var errs []error

	open, err := m.store.OpenInGuild(ctx, guildID)
	if err != nil {
		return out, persistence("sweep", guildID, err)
	}
	for _, res := range open {
		if m.idleFor(res.ID, res.CreatedAt, now) < g.InactivityTimeout {
			continue
		}
		if _, err := m.close(ctx, res.SpaceID, "", true, "inactive"); err != nil {
			if errors.Is(err, ErrNoReservation) {
				continue
			}
			errs = append(errs, err)
			log.WithFields(log.Fields{"guild": guildID, "space": res.SpaceID}).WithError(err).Warn("inactive close failed")
			continue
		}
		out.Closed++
	}

	if g.HasChannels() {
		dormant, err := m.store.DormantBefore(ctx, guildID, now.Add(-g.DormantRecycleAfter))
		if err != nil {
			return out, errors.Join(append(errs, persistence("sweep", guildID, err))...)
		}
		for _, space := range dormant {
			if space.Kind != models.SpaceKindChannel {
				continue
			}
			if _, err := m.Recycle(ctx, space.ID); err != nil {
				errs = append(errs, err)
				log.WithFields(log.Fields{"guild": guildID, "space": space.ID}).WithError(err).Warn("recycle failed")
				continue
			}
			out.Recycled++
		}
	}

	if out.Closed > 0 || out.Recycled > 0 {
		log.WithFields(log.Fields{
			"guild":    guildID,
			"closed":   out.Closed,
			"recycled": out.Recycled,
		}).Info("inactivity sweep")
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("help: sweep %s: %w", guildID, errors.Join(errs...))
	}
	return out, nil
}

// idleFor reports how long a session has been without activity at now.
func (m *Manager) idleFor(reservationID string, createdAt, now time.Time) time.Duration {
	last, ok := m.cache.LastActivity(reservationID)
	if !ok || last.Before(createdAt) {
		last = createdAt
	}
	return now.Sub(last)
}

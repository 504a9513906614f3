// Package help implements the help space lifecycle: claiming open spaces,
// tracking session messages, closing and scoring sessions, and returning
// spaces to the open pool.
package help

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/helpdesk/internal/config"
	"github.com/zulandar/helpdesk/internal/experience"
	"github.com/zulandar/helpdesk/internal/keylock"
	"github.com/zulandar/helpdesk/internal/metrics"
	"github.com/zulandar/helpdesk/internal/models"
	"github.com/zulandar/helpdesk/internal/msgcache"
	"github.com/zulandar/helpdesk/internal/naming"
	"github.com/zulandar/helpdesk/internal/reservation"
)

// Store persists spaces and reservations. *reservation.Store implements it.
type Store interface {
	RegisterSpace(ctx context.Context, space *models.HelpSpace) error
	Space(ctx context.Context, id string) (*models.HelpSpace, error)
	Create(ctx context.Context, spaceID, ownerID string, at time.Time) (*models.Reservation, error)
	OpenForSpace(ctx context.Context, spaceID string) (*models.Reservation, error)
	OpenForOwner(ctx context.Context, guildID, ownerID string) ([]models.Reservation, error)
	OpenInGuild(ctx context.Context, guildID string) ([]models.Reservation, error)
	LastForOwner(ctx context.Context, guildID, ownerID string) (*models.Reservation, error)
	MarkScored(ctx context.Context, reservationID string, at time.Time) error
	Close(ctx context.Context, reservationID, nextState, closedBy string, at time.Time) error
	Transition(ctx context.Context, spaceID, from, to, name string, at time.Time) error
	CanonicalNames(ctx context.Context, guildID, exceptID string) ([]string, error)
	DormantBefore(ctx context.Context, guildID string, t time.Time) ([]models.HelpSpace, error)
}

// Scorer pays helpers. *experience.Scorer implements it.
type Scorer interface {
	Award(ctx context.Context, res *models.Reservation, messages []msgcache.Message, p experience.ScoringPolicy) (*experience.Summary, error)
	Committed(ctx context.Context, res *models.Reservation) (*experience.Summary, error)
	Thank(ctx context.Context, reservationID, helperID, guildID string, points decimal.Decimal) (*models.HelpTransaction, error)
	MarkBestAnswer(ctx context.Context, submissionID, userID, guildID string, points decimal.Decimal) (*models.HelpTransaction, error)
}

// Spaces renders lifecycle changes on the chat platform.
type Spaces interface {
	Rename(ctx context.Context, spaceID, name string) error
	Move(ctx context.Context, spaceID, categoryID string) error
	Archive(ctx context.Context, spaceID string) error
	SendControls(ctx context.Context, spaceID, ownerID string) error
}

// Notifier tells a user about something that happened to them. Delivery is
// best effort.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, text string) error
}

// GuildConfigs supplies per-guild tunables. *config.Config implements it.
type GuildConfigs interface {
	Guild(id string) (*config.GuildConfig, error)
}

// Notification kinds.
const (
	NotifyHelped     = "helped"
	NotifyThanked    = "thanked"
	NotifyBestAnswer = "best-answer"
)

// Opts holds the collaborators of a Manager.
type Opts struct {
	Store    Store
	Scorer   Scorer
	Spaces   Spaces
	Notifier Notifier
	Guilds   GuildConfigs
	Cache    *msgcache.Cache
	Now      func() time.Time
}

// Manager runs the help space state machine. Work on one space is
// serialized, and eligibility is checked under a per-user lock held
// through the claim.
type Manager struct {
	store    Store
	scorer   Scorer
	spaces   Spaces
	notifier Notifier
	guilds   GuildConfigs
	cache    *msgcache.Cache
	now      func() time.Time

	spaceLocks keylock.Locker
	userLocks  keylock.Locker
}

// NewManager creates a Manager.
func NewManager(opts Opts) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("help: store is required")
	}
	if opts.Scorer == nil {
		return nil, fmt.Errorf("help: scorer is required")
	}
	if opts.Spaces == nil {
		return nil, fmt.Errorf("help: spaces is required")
	}
	if opts.Guilds == nil {
		return nil, fmt.Errorf("help: guild configs are required")
	}
	if opts.Cache == nil {
		opts.Cache = msgcache.New(0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:    opts.Store,
		scorer:   opts.Scorer,
		spaces:   opts.Spaces,
		notifier: opts.Notifier,
		guilds:   opts.Guilds,
		cache:    opts.Cache,
		now:      opts.Now,
	}, nil
}

// Cache returns the session message cache.
func (m *Manager) Cache() *msgcache.Cache {
	return m.cache
}

// Reservation returns the open reservation of a space.
func (m *Manager) Reservation(ctx context.Context, spaceID string) (*models.Reservation, error) {
	res, err := m.store.OpenForSpace(ctx, spaceID)
	if errors.Is(err, reservation.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoReservation, spaceID)
	}
	if err != nil {
		return nil, persistence("lookup", spaceID, err)
	}
	return res, nil
}

// space loads a space and its guild configuration.
func (m *Manager) space(ctx context.Context, spaceID string) (*models.HelpSpace, *config.GuildConfig, error) {
	space, err := m.store.Space(ctx, spaceID)
	if errors.Is(err, reservation.ErrSpaceNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSpace, spaceID)
	}
	if err != nil {
		return nil, nil, persistence("load space", spaceID, err)
	}
	g, err := m.guilds.Guild(space.GuildID)
	if err != nil {
		return nil, nil, err
	}
	return space, g, nil
}

// Eligibility is the answer of MayReserve.
type Eligibility struct {
	Allowed bool
	Reason  DenyReason
}

// MayReserve reports whether userID may claim another space of kind in a
// guild. Forum posts belong to their creator and are always allowed.
func (m *Manager) MayReserve(ctx context.Context, guildID, userID, kind string) (Eligibility, error) {
	g, err := m.guilds.Guild(guildID)
	if err != nil {
		return Eligibility{}, err
	}
	unlock := m.userLocks.Lock(guildID + ":" + userID)
	defer unlock()
	return m.mayReserve(ctx, g, userID, kind)
}

func (m *Manager) mayReserve(ctx context.Context, g *config.GuildConfig, userID, kind string) (Eligibility, error) {
	if kind == models.SpaceKindForum || g.IsExempt(userID) {
		return Eligibility{Allowed: true}, nil
	}
	if g.SingleReservation() {
		open, err := m.store.OpenForOwner(ctx, g.ID, userID)
		if err != nil {
			return Eligibility{}, persistence("eligibility", userID, err)
		}
		for _, res := range open {
			space, err := m.store.Space(ctx, res.SpaceID)
			if err != nil {
				return Eligibility{}, persistence("eligibility", userID, err)
			}
			if space.Kind == models.SpaceKindChannel {
				return Eligibility{Reason: DenyHasReservation}, nil
			}
		}
	}
	if g.CooldownEnforced() && g.ReservationCooldown > 0 {
		last, err := m.store.LastForOwner(ctx, g.ID, userID)
		switch {
		case errors.Is(err, reservation.ErrNotFound):
		case err != nil:
			return Eligibility{}, persistence("eligibility", userID, err)
		case m.now().Sub(last.CreatedAt) < g.ReservationCooldown:
			space, err := m.store.Space(ctx, last.SpaceID)
			if err != nil {
				return Eligibility{}, persistence("eligibility", userID, err)
			}
			if space.Kind == models.SpaceKindChannel {
				return Eligibility{Reason: DenyCooldown}, nil
			}
		}
	}
	return Eligibility{Allowed: true}, nil
}

// Claim reserves an open space for userID. A refused claim returns an
// *EligibilityError and changes nothing.
func (m *Manager) Claim(ctx context.Context, spaceID, userID string, at time.Time) (*models.Reservation, error) {
	return m.ClaimAs(ctx, spaceID, userID, userID, at)
}

// ClaimAs is Claim with the claimant's display name used for the reserved
// space name.
func (m *Manager) ClaimAs(ctx context.Context, spaceID, userID, userName string, at time.Time) (*models.Reservation, error) {
	space, g, err := m.space(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	deny := func(reason DenyReason) error {
		metrics.Claims.WithLabelValues(g.ID, "denied").Inc()
		return &EligibilityError{Reason: reason, SpaceID: spaceID, UserID: userID, Message: g.ReservationNotAllowedMessage}
	}
	if space.State != models.SpaceOpen {
		return nil, deny(DenySpaceNotOpen)
	}

	unlockUser := m.userLocks.Lock(g.ID + ":" + userID)
	defer unlockUser()
	elig, err := m.mayReserve(ctx, g, userID, space.Kind)
	if err != nil {
		metrics.Claims.WithLabelValues(g.ID, "error").Inc()
		return nil, err
	}
	if !elig.Allowed {
		return nil, deny(elig.Reason)
	}

	unlockSpace := m.spaceLocks.Lock(spaceID)
	defer unlockSpace()
	res, err := m.store.Create(ctx, spaceID, userID, at)
	if errors.Is(err, reservation.ErrSpaceNotOpen) {
		return nil, deny(DenySpaceNotOpen)
	}
	if err != nil {
		metrics.Claims.WithLabelValues(g.ID, "error").Inc()
		return nil, persistence("claim", spaceID, err)
	}
	m.cache.Start(res.ID, at)
	metrics.Claims.WithLabelValues(g.ID, "claimed").Inc()

	log.WithFields(log.Fields{
		"guild":       g.ID,
		"space":       spaceID,
		"owner":       userID,
		"reservation": res.ID,
	}).Info("help space claimed")

	lifecycleFor(space.Kind).claimed(ctx, m.spaces, g, space, userID, userName)
	return res, nil
}

// Observation is a message seen in a help space.
type Observation struct {
	GuildID    string
	SpaceID    string
	AuthorID   string
	AuthorName string
	Automated  bool
	Length     int
	SentAt     time.Time
}

// Outcome says what Observe did with a message.
type Outcome int

const (
	Ignored Outcome = iota
	Claimed
	Appended
)

// Observe routes a message by the state of its space: it claims open
// channels, appends to reserved spaces and rejects dormant ones.
func (m *Manager) Observe(ctx context.Context, o Observation) (Outcome, error) {
	if o.Automated {
		return Ignored, nil
	}
	space, err := m.store.Space(ctx, o.SpaceID)
	if errors.Is(err, reservation.ErrSpaceNotFound) {
		return Ignored, nil
	}
	if err != nil {
		return Ignored, persistence("observe", o.SpaceID, err)
	}
	switch space.State {
	case models.SpaceOpen:
		if space.Kind != models.SpaceKindChannel {
			return Ignored, nil
		}
		if _, err := m.ClaimAs(ctx, o.SpaceID, o.AuthorID, o.AuthorName, o.SentAt); err != nil {
			return Ignored, err
		}
		return Claimed, nil
	case models.SpaceReserved:
		ok, err := m.Append(ctx, o.SpaceID, msgcache.Message{
			SpaceID:  o.SpaceID,
			AuthorID: o.AuthorID,
			Length:   o.Length,
			SentAt:   o.SentAt,
		})
		if err != nil || !ok {
			return Ignored, err
		}
		return Appended, nil
	case models.SpaceDormant:
		return Ignored, fmt.Errorf("%w: %s", ErrDormantMessage, o.SpaceID)
	default:
		return Ignored, nil
	}
}

// Append caches msg for the open reservation of a space. Automated
// messages and messages sent before the reservation began are discarded.
func (m *Manager) Append(ctx context.Context, spaceID string, msg msgcache.Message) (bool, error) {
	if msg.Automated {
		return false, nil
	}
	unlock := m.spaceLocks.Lock(spaceID)
	defer unlock()

	res, err := m.store.OpenForSpace(ctx, spaceID)
	if errors.Is(err, reservation.ErrNotFound) {
		return false, fmt.Errorf("%w: %s", ErrNoReservation, spaceID)
	}
	if err != nil {
		return false, persistence("append", spaceID, err)
	}
	if msg.SentAt.Before(res.CreatedAt) {
		return false, nil
	}
	return m.cache.Append(res.ID, msg), nil
}

// Close ends the open session of a space. Unless the session was already
// scored, helpers are paid from the cached messages first. The first attempt
// seals the cache, so a retry scores exactly the same messages; the cache is
// flushed only once the ledger and store commits succeeded, so a failed
// Close leaves the space reserved and can be retried. Helpers are notified
// of everything the session paid them unless quiet is set.
func (m *Manager) Close(ctx context.Context, spaceID, closedBy string, quiet bool) (*experience.Summary, error) {
	return m.close(ctx, spaceID, closedBy, quiet, "close")
}

func (m *Manager) close(ctx context.Context, spaceID, closedBy string, quiet bool, trigger string) (*experience.Summary, error) {
	unlock := m.spaceLocks.Lock(spaceID)
	defer unlock()

	space, g, err := m.space(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	res, err := m.store.OpenForSpace(ctx, spaceID)
	if errors.Is(err, reservation.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoReservation, spaceID)
	}
	if err != nil {
		return nil, persistence("close", spaceID, err)
	}

	m.cache.Seal(res.ID)
	var summary *experience.Summary
	if res.ScoredAt != nil {
		summary, err = m.scorer.Committed(ctx, res)
		if err != nil {
			return nil, persistence("score", res.ID, err)
		}
	} else {
		summary, err = m.scorer.Award(ctx, res, m.cache.Messages(res.ID), experience.PolicyFor(g))
		if err != nil {
			return nil, persistence("score", res.ID, err)
		}
		if err := m.store.MarkScored(ctx, res.ID, m.now()); err != nil {
			return nil, persistence("mark scored", res.ID, err)
		}
	}

	lc := lifecycleFor(space.Kind)
	if err := m.store.Close(ctx, res.ID, lc.closedState(), closedBy, m.now()); err != nil {
		return nil, persistence("close", res.ID, err)
	}
	m.cache.Flush(res.ID)
	metrics.Closes.WithLabelValues(g.ID, trigger).Inc()
	metrics.PointsAwarded.WithLabelValues(models.ReasonHelped).Add(summary.Total.InexactFloat64())

	log.WithFields(log.Fields{
		"guild":       g.ID,
		"space":       spaceID,
		"reservation": res.ID,
		"closed_by":   closedBy,
		"helpers":     len(summary.Awards),
		"points":      summary.Total.String(),
	}).Info("help session closed")

	lc.closed(ctx, m.spaces, g, space)
	if !quiet {
		for _, a := range summary.Awards {
			m.notify(ctx, a.UserID, NotifyHelped,
				fmt.Sprintf("You earned %s help experience for helping in <#%s>. Thank you!", a.Points.StringFixed(2), spaceID))
		}
	}
	return summary, nil
}

// Recycle returns a dormant channel to the open pool under the next free
// canonical name. It never scores.
func (m *Manager) Recycle(ctx context.Context, spaceID string) (string, error) {
	unlock := m.spaceLocks.Lock(spaceID)
	defer unlock()

	space, g, err := m.space(ctx, spaceID)
	if err != nil {
		return "", err
	}
	if space.Kind != models.SpaceKindChannel || space.State != models.SpaceDormant {
		return "", fmt.Errorf("help: recycle %s: space is %s %s, want dormant channel", spaceID, space.State, space.Kind)
	}
	names, err := m.store.CanonicalNames(ctx, space.GuildID, spaceID)
	if err != nil {
		return "", persistence("recycle", spaceID, err)
	}
	name := naming.ForConfig(g.Naming).Name(names)
	if err := m.store.Transition(ctx, spaceID, models.SpaceDormant, models.SpaceOpen, name, m.now()); err != nil {
		return "", persistence("recycle", spaceID, err)
	}
	space.Name = name
	lifecycleFor(space.Kind).recycled(ctx, m.spaces, g, space)

	log.WithFields(log.Fields{"guild": g.ID, "space": spaceID, "name": name}).Info("help space recycled")
	return name, nil
}

// ReleaseAll frees every open reservation of a user without scoring, as
// when the member leaves the guild. Channels return to OPEN and forum posts
// are archived. It returns how many reservations were released.
func (m *Manager) ReleaseAll(ctx context.Context, guildID, userID string) (int, error) {
	g, err := m.guilds.Guild(guildID)
	if err != nil {
		return 0, err
	}
	unlockUser := m.userLocks.Lock(guildID + ":" + userID)
	defer unlockUser()

	open, err := m.store.OpenForOwner(ctx, guildID, userID)
	if err != nil {
		return 0, persistence("release", userID, err)
	}
	released := 0
	var errs []error
	for _, res := range open {
		if err := m.release(ctx, g, res); err != nil {
			errs = append(errs, err)
			continue
		}
		released++
	}
	if released > 0 {
		metrics.Closes.WithLabelValues(guildID, "released").Add(float64(released))
	}
	return released, errors.Join(errs...)
}

func (m *Manager) release(ctx context.Context, g *config.GuildConfig, res models.Reservation) error {
	unlock := m.spaceLocks.Lock(res.SpaceID)
	defer unlock()

	space, err := m.store.Space(ctx, res.SpaceID)
	if err != nil {
		return persistence("release", res.SpaceID, err)
	}
	lc := lifecycleFor(space.Kind)
	if err := m.store.Close(ctx, res.ID, lc.releasedState(), "", m.now()); err != nil {
		if errors.Is(err, reservation.ErrNotFound) {
			return nil
		}
		return persistence("release", res.ID, err)
	}
	m.cache.Flush(res.ID)
	lc.released(ctx, m.spaces, g, space)

	log.WithFields(log.Fields{
		"guild":       g.ID,
		"space":       res.SpaceID,
		"owner":       res.OwnerID,
		"reservation": res.ID,
	}).Info("help space released")
	return nil
}

// Thank lets the owner of a session reward one helper once.
func (m *Manager) Thank(ctx context.Context, spaceID, ownerID, helperID string) error {
	space, g, err := m.space(ctx, spaceID)
	if err != nil {
		return err
	}
	res, err := m.store.OpenForSpace(ctx, spaceID)
	if errors.Is(err, reservation.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNoReservation, spaceID)
	}
	if err != nil {
		return persistence("thank", spaceID, err)
	}
	if res.OwnerID != ownerID {
		return fmt.Errorf("%w: %s does not own %s", ErrNotOwner, ownerID, spaceID)
	}
	if helperID == "" || helperID == ownerID {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, helperID)
	}
	points := decimal.NewFromFloat(g.ThankExperience)
	if _, err := m.scorer.Thank(ctx, res.ID, helperID, space.GuildID, points); err != nil {
		if errors.Is(err, experience.ErrAlreadyThanked) {
			return err
		}
		return persistence("thank", res.ID, err)
	}
	metrics.PointsAwarded.WithLabelValues(models.ReasonThanked).Add(points.InexactFloat64())
	m.notify(ctx, helperID, NotifyThanked,
		fmt.Sprintf("<@%s> thanked you for your help in <#%s> (+%s experience).", ownerID, spaceID, points.StringFixed(2)))
	return nil
}

// CloseThanked thanks the chosen helpers and then closes the session, as
// the owner does once their question is answered. Helpers who were already
// thanked are skipped. Only the owner may do this.
func (m *Manager) CloseThanked(ctx context.Context, spaceID, ownerID string, helperIDs []string) (*experience.Summary, error) {
	res, err := m.Reservation(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	if res.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: %s does not own %s", ErrNotOwner, ownerID, spaceID)
	}
	for _, h := range helperIDs {
		if err := m.Thank(ctx, spaceID, ownerID, h); err != nil && !errors.Is(err, experience.ErrAlreadyThanked) {
			return nil, err
		}
	}
	return m.close(ctx, spaceID, ownerID, false, "thanked")
}

// MarkBestAnswer awards the guild's best-answer increment to the author of
// a submission. Marking the same submission again returns
// experience.ErrAlreadyMarked.
func (m *Manager) MarkBestAnswer(ctx context.Context, guildID, submissionID, userID string) error {
	g, err := m.guilds.Guild(guildID)
	if err != nil {
		return err
	}
	points := decimal.NewFromFloat(g.BestAnswerExperience)
	if _, err := m.scorer.MarkBestAnswer(ctx, submissionID, userID, guildID, points); err != nil {
		if errors.Is(err, experience.ErrAlreadyMarked) {
			return err
		}
		return persistence("best answer", submissionID, err)
	}
	metrics.PointsAwarded.WithLabelValues(models.ReasonBestAnswer).Add(points.InexactFloat64())
	m.notify(ctx, userID, NotifyBestAnswer,
		fmt.Sprintf("Your answer was marked as the best answer (+%s experience).", points.StringFixed(2)))
	return nil
}

// SpaceEvent describes a space created on the platform.
type SpaceEvent struct {
	GuildID  string
	SpaceID  string
	Kind     string
	ParentID string
	OwnerID  string // forum post author
	Name     string
	At       time.Time
}

// SpaceCreated registers a new space. Forum posts are claimed by their
// author right away. Channels found under the dormant or reserved category
// start dormant: a reserved channel without a known reservation has no
// owner to score for, so it waits for the sweep to recycle it.
func (m *Manager) SpaceCreated(ctx context.Context, ev SpaceEvent) error {
	g, err := m.guilds.Guild(ev.GuildID)
	if err != nil {
		return err
	}
	state := models.SpaceOpen
	if ev.Kind == models.SpaceKindChannel && (ev.ParentID == g.DormantCategoryID || ev.ParentID == g.ReservedCategoryID) {
		state = models.SpaceDormant
	}
	now := m.now()
	space := &models.HelpSpace{
		ID:        ev.SpaceID,
		GuildID:   ev.GuildID,
		Kind:      ev.Kind,
		State:     state,
		Name:      ev.Name,
		ParentID:  ev.ParentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.RegisterSpace(ctx, space); err != nil {
		return persistence("register", ev.SpaceID, err)
	}
	if ev.Kind == models.SpaceKindForum && ev.OwnerID != "" {
		if _, err := m.Claim(ctx, ev.SpaceID, ev.OwnerID, ev.At); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) notify(ctx context.Context, userID, kind, text string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, userID, kind, text); err != nil {
		log.WithFields(log.Fields{"user": userID, "kind": kind}).WithError(err).Warn("notify failed")
	}
}

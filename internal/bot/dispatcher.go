package bot

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/helpdesk/internal/config"
	"github.com/zulandar/helpdesk/internal/experience"
	"github.com/zulandar/helpdesk/internal/help"
	"github.com/zulandar/helpdesk/internal/metrics"
	"github.com/zulandar/helpdesk/internal/models"
)

// Manager is the slice of *help.Manager the dispatcher drives.
type Manager interface {
	Observe(ctx context.Context, o help.Observation) (help.Outcome, error)
	SpaceCreated(ctx context.Context, ev help.SpaceEvent) error
	ReleaseAll(ctx context.Context, guildID, userID string) (int, error)
	Reservation(ctx context.Context, spaceID string) (*models.Reservation, error)
	Close(ctx context.Context, spaceID, closedBy string, quiet bool) (*experience.Summary, error)
	Thank(ctx context.Context, spaceID, ownerID, helperID string) error
	CloseThanked(ctx context.Context, spaceID, ownerID string, helperIDs []string) (*experience.Summary, error)
	MarkBestAnswer(ctx context.Context, guildID, submissionID, userID string) error
}

// Balances reads experience balances. *experience.Ledger implements it.
type Balances interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// Messages acts on individual platform messages.
type Messages interface {
	Reply(ctx context.Context, channelID, messageID, text string) error
	Delete(ctx context.Context, channelID, messageID string) error
}

// DispatcherOpts holds the collaborators of a Dispatcher.
type DispatcherOpts struct {
	Manager  Manager
	Balances Balances
	Messages Messages
	Pool     *Pool
	Limiter  *Limiter // optional
}

// Dispatcher queues events on the pool and runs them against the Manager.
type Dispatcher struct {
	manager  Manager
	balances Balances
	messages Messages
	pool     *Pool
	limiter  *Limiter
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("bot: manager is required")
	}
	if opts.Balances == nil {
		return nil, fmt.Errorf("bot: balances are required")
	}
	if opts.Messages == nil {
		return nil, fmt.Errorf("bot: messages are required")
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("bot: pool is required")
	}
	return &Dispatcher{
		manager:  opts.Manager,
		balances: opts.Balances,
		messages: opts.Messages,
		pool:     opts.Pool,
		limiter:  opts.Limiter,
	}, nil
}

// Handle queues ev and returns immediately. It reports false when the
// event was dropped because its shard was full or it was rate limited.
func (d *Dispatcher) Handle(ev Event) bool {
	if in, ok := ev.(InteractionInvoked); ok && d.limiter != nil && !d.limiter.Allow(in.ActorID) {
		metrics.RateLimited.Inc()
		d.pool.Submit(ev.Key(), func(ctx context.Context) {
			reply(ctx, in, "You're doing that too often. Try again in a moment.")
		})
		return false
	}
	queued := time.Now()
	ok := d.pool.Submit(ev.Key(), func(ctx context.Context) {
		d.dispatch(ctx, ev)
		metrics.ObserveEvent(ev.Type(), queued)
	})
	if !ok {
		log.WithFields(log.Fields{"type": ev.Type(), "key": ev.Key()}).Warn("event dropped, worker queue full")
	}
	return ok
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case MessageObserved:
		d.message(ctx, e)
	case SpaceCreated:
		d.spaceCreated(ctx, e)
	case MemberLeft:
		d.memberLeft(ctx, e)
	case InteractionInvoked:
		d.interaction(ctx, e)
	default:
		log.WithField("type", fmt.Sprintf("%T", ev)).Warn("unhandled event")
	}
}

func (d *Dispatcher) message(ctx context.Context, e MessageObserved) {
	out, err := d.manager.Observe(ctx, help.Observation{
		GuildID:    e.GuildID,
		SpaceID:    e.SpaceID,
		AuthorID:   e.AuthorID,
		AuthorName: e.AuthorName,
		Automated:  e.Automated,
		Length:     utf8.RuneCountInString(e.Content),
		SentAt:     e.Timestamp,
	})
	var denied *help.EligibilityError
	switch {
	case err == nil:
		if out == help.Claimed {
			log.WithFields(log.Fields{"space": e.SpaceID, "user": e.AuthorID}).Debug("claimed by message")
		}
	case errors.As(err, &denied):
		if err := d.messages.Reply(ctx, e.SpaceID, e.MessageID, denied.Message); err != nil {
			log.WithField("space", e.SpaceID).WithError(err).Warn("reply to denied claim failed")
		}
	case errors.Is(err, help.ErrDormantMessage):
		if err := d.messages.Delete(ctx, e.SpaceID, e.MessageID); err != nil {
			log.WithField("space", e.SpaceID).WithError(err).Warn("delete dormant message failed")
		}
	case errors.Is(err, help.ErrNoReservation):
		log.WithField("space", e.SpaceID).Debug("message in reserved space without reservation")
	default:
		log.WithFields(log.Fields{"space": e.SpaceID, "user": e.AuthorID}).WithError(err).Error("handle message failed")
	}
}

func (d *Dispatcher) spaceCreated(ctx context.Context, e SpaceCreated) {
	err := d.manager.SpaceCreated(ctx, help.SpaceEvent{
		GuildID:  e.GuildID,
		SpaceID:  e.SpaceID,
		Kind:     e.Kind,
		ParentID: e.ParentID,
		OwnerID:  e.OwnerID,
		Name:     e.Name,
		At:       e.Timestamp,
	})
	if errors.Is(err, config.ErrGuildNotConfigured) {
		return
	}
	if err != nil {
		log.WithFields(log.Fields{"guild": e.GuildID, "space": e.SpaceID}).WithError(err).Error("register space failed")
	}
}

func (d *Dispatcher) memberLeft(ctx context.Context, e MemberLeft) {
	n, err := d.manager.ReleaseAll(ctx, e.GuildID, e.UserID)
	if errors.Is(err, config.ErrGuildNotConfigured) {
		return
	}
	if err != nil {
		log.WithFields(log.Fields{"guild": e.GuildID, "user": e.UserID}).WithError(err).Error("release reservations failed")
	}
	if n > 0 {
		log.WithFields(log.Fields{"guild": e.GuildID, "user": e.UserID, "released": n}).Info("member left, reservations released")
	}
}

func (d *Dispatcher) interaction(ctx context.Context, e InteractionInvoked) {
	var text string
	switch e.Kind {
	case InteractionClose:
		text = d.closeSpace(ctx, e)
	case InteractionThank:
		text = d.thank(ctx, e)
	case InteractionThankDone:
		text = d.thankDone(ctx, e)
	case InteractionMarkBest:
		text = d.markBest(ctx, e)
	case InteractionAccount:
		text = d.account(ctx, e)
	default:
		text = "Unknown command."
	}
	reply(ctx, e, text)
}

// mayManage reports whether the actor owns the open session of the space
// or is privileged.
func (d *Dispatcher) mayManage(ctx context.Context, e InteractionInvoked) (bool, string) {
	res, err := d.manager.Reservation(ctx, e.SpaceID)
	if errors.Is(err, help.ErrNoReservation) {
		return false, "This is not an active help session."
	}
	if err != nil {
		log.WithField("space", e.SpaceID).WithError(err).Error("lookup reservation failed")
		return false, "Something went wrong. Please try again."
	}
	if res.OwnerID != e.ActorID && !e.Privileged {
		return false, "You're not allowed to do that here."
	}
	return true, ""
}

func (d *Dispatcher) closeSpace(ctx context.Context, e InteractionInvoked) string {
	if ok, text := d.mayManage(ctx, e); !ok {
		return text
	}
	summary, err := d.manager.Close(ctx, e.SpaceID, e.ActorID, e.Quiet)
	if err != nil {
		log.WithFields(log.Fields{"space": e.SpaceID, "actor": e.ActorID}).WithError(err).Error("close failed")
		return "Could not close this session. Please try again."
	}
	if len(summary.Awards) == 0 {
		return "Session closed."
	}
	return fmt.Sprintf("Session closed. %d helper(s) earned %s experience.", len(summary.Awards), summary.Total.StringFixed(2))
}

func (d *Dispatcher) thank(ctx context.Context, e InteractionInvoked) string {
	err := d.manager.Thank(ctx, e.SpaceID, e.ActorID, e.TargetUserID)
	if err == nil {
		return fmt.Sprintf("Thanked <@%s>.", e.TargetUserID)
	}
	return thankError(e, err)
}

func (d *Dispatcher) thankDone(ctx context.Context, e InteractionInvoked) string {
	var helpers []string
	if e.TargetUserID != "" {
		helpers = append(helpers, e.TargetUserID)
	}
	summary, err := d.manager.CloseThanked(ctx, e.SpaceID, e.ActorID, helpers)
	if err != nil {
		return thankError(e, err)
	}
	if len(helpers) == 0 {
		return "Session closed."
	}
	return fmt.Sprintf("Thanked <@%s> and closed the session. %d helper(s) earned %s experience.",
		e.TargetUserID, len(summary.Awards), summary.Total.StringFixed(2))
}

func thankError(e InteractionInvoked, err error) string {
	switch {
	case errors.Is(err, experience.ErrAlreadyThanked):
		return "You already thanked this helper."
	case errors.Is(err, help.ErrNotOwner):
		return "Only the owner of this session can thank helpers."
	case errors.Is(err, help.ErrInvalidTarget):
		return "You can't thank that user."
	case errors.Is(err, help.ErrNoReservation):
		return "This is not an active help session."
	default:
		log.WithFields(log.Fields{"space": e.SpaceID, "actor": e.ActorID}).WithError(err).Error("thank failed")
		return "Something went wrong. Please try again."
	}
}

func (d *Dispatcher) markBest(ctx context.Context, e InteractionInvoked) string {
	if !e.Privileged {
		if ok, text := d.mayManage(ctx, e); !ok {
			return text
		}
	}
	if e.TargetUserID == e.ActorID && !e.Privileged {
		return "You can't mark your own answer."
	}
	err := d.manager.MarkBestAnswer(ctx, e.GuildID, e.SubmissionID, e.TargetUserID)
	switch {
	case err == nil:
		return fmt.Sprintf("Marked the answer of <@%s> as the best answer.", e.TargetUserID)
	case errors.Is(err, experience.ErrAlreadyMarked):
		return "That answer was already marked."
	default:
		log.WithFields(log.Fields{"submission": e.SubmissionID, "actor": e.ActorID}).WithError(err).Error("mark best answer failed")
		return "Something went wrong. Please try again."
	}
}

func (d *Dispatcher) account(ctx context.Context, e InteractionInvoked) string {
	user := e.TargetUserID
	if user == "" {
		user = e.ActorID
	}
	b, err := d.balances.Balance(ctx, user)
	if err != nil {
		log.WithField("user", user).WithError(err).Error("balance lookup failed")
		return "Something went wrong. Please try again."
	}
	return fmt.Sprintf("<@%s> has %s help experience.", user, b.StringFixed(2))
}

func reply(ctx context.Context, e InteractionInvoked, text string) {
	if e.Reply == nil || text == "" {
		return
	}
	if err := e.Reply(ctx, text); err != nil {
		log.WithFields(log.Fields{"kind": e.Kind, "actor": e.ActorID}).WithError(err).Warn("interaction reply failed")
	}
}

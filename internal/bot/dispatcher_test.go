package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/helpdesk/internal/config"
	"github.com/zulandar/helpdesk/internal/experience"
	"github.com/zulandar/helpdesk/internal/help"
	"github.com/zulandar/helpdesk/internal/models"
)

type fakeManager struct {
	mu sync.Mutex

	observed   []help.Observation
	observeErr error
	created    []help.SpaceEvent
	createErr  error
	released   []string
	closed     []string
	thanked    []string
	thankErr   error
	thankDone  []string
	marked     []string
	markErr    error
	owners     map[string]string
}

func (f *fakeManager) Observe(_ context.Context, o help.Observation) (help.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observed = append(f.observed, o)
	if f.observeErr != nil {
		return help.Ignored, f.observeErr
	}
	return help.Appended, nil
}

func (f *fakeManager) SpaceCreated(_ context.Context, ev help.SpaceEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, ev)
	return f.createErr
}

func (f *fakeManager) ReleaseAll(_ context.Context, guildID, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, guildID+"/"+userID)
	return 1, nil
}

func (f *fakeManager) Reservation(_ context.Context, spaceID string) (*models.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.owners[spaceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", help.ErrNoReservation, spaceID)
	}
	return &models.Reservation{ID: "r-" + spaceID, SpaceID: spaceID, OwnerID: owner}, nil
}

func (f *fakeManager) Close(_ context.Context, spaceID, closedBy string, quiet bool) (*experience.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, fmt.Sprintf("%s by %s quiet=%v", spaceID, closedBy, quiet))
	return &experience.Summary{
		ReservationID: "r-" + spaceID,
		Awards:        []experience.Award{{UserID: "h", Points: decimal.NewFromInt(4)}},
		Total:         decimal.NewFromInt(4),
	}, nil
}

func (f *fakeManager) Thank(_ context.Context, spaceID, ownerID, helperID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thanked = append(f.thanked, spaceID+":"+ownerID+"->"+helperID)
	return f.thankErr
}

func (f *fakeManager) CloseThanked(_ context.Context, spaceID, ownerID string, helperIDs []string) (*experience.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thankDone = append(f.thankDone, spaceID+":"+ownerID+"->"+strings.Join(helperIDs, ","))
	if f.thankErr != nil {
		return nil, f.thankErr
	}
	return &experience.Summary{
		ReservationID: "r-" + spaceID,
		Awards:        []experience.Award{{UserID: "h", Points: decimal.NewFromInt(10)}},
		Total:         decimal.NewFromInt(10),
	}, nil
}

func (f *fakeManager) MarkBestAnswer(_ context.Context, guildID, submissionID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, submissionID+":"+userID)
	return f.markErr
}

type fakeBalances map[string]decimal.Decimal

func (f fakeBalances) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	return f[userID], nil
}

type fakeMessages struct {
	mu      sync.Mutex
	replies []string
	deleted []string
}

func (f *fakeMessages) Reply(_ context.Context, channelID, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, channelID+"/"+messageID+": "+text)
	return nil
}

func (f *fakeMessages) Delete(_ context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, channelID+"/"+messageID)
	return nil
}

type harness struct {
	d    *Dispatcher
	pool *Pool
	mgr  *fakeManager
	msgs *fakeMessages
}

func newHarness(t *testing.T, limiter *Limiter) *harness {
	t.Helper()
	pool, err := NewPool(2, 64)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		pool: pool,
		mgr:  &fakeManager{owners: map[string]string{"s1": "owner"}},
		msgs: &fakeMessages{},
	}
	h.d, err = NewDispatcher(DispatcherOpts{
		Manager:  h.mgr,
		Balances: fakeBalances{"owner": decimal.RequireFromString("12.5")},
		Messages: h.msgs,
		Pool:     pool,
		Limiter:  limiter,
	})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	pool.Start(context.Background())
	return h
}

// drain waits for every queued job.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	if err := h.pool.Close(); err != nil {
		t.Fatal(err)
	}
}

type replies struct {
	mu   sync.Mutex
	text []string
}

func (r *replies) fn() ReplyFunc {
	return func(_ context.Context, text string) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.text = append(r.text, text)
		return nil
	}
}

func (r *replies) last(t *testing.T) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.text) == 0 {
		t.Fatal("no reply sent")
	}
	return r.text[len(r.text)-1]
}

func TestNewDispatcher_Validation(t *testing.T) {
	if _, err := NewDispatcher(DispatcherOpts{}); err == nil {
		t.Error("expected error for missing collaborators")
	}
}

func TestDispatch_MessageRuneLength(t *testing.T) {
	h := newHarness(t, nil)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.d.Handle(MessageObserved{MessageID: "m1", GuildID: "g1", SpaceID: "s1", AuthorID: "u", Content: "héllo wörld", Timestamp: ts})
	h.drain(t)

	if len(h.mgr.observed) != 1 {
		t.Fatalf("observed %d, want 1", len(h.mgr.observed))
	}
	o := h.mgr.observed[0]
	if o.Length != 11 {
		t.Errorf("Length = %d, want 11 runes", o.Length)
	}
	if !o.SentAt.Equal(ts) || o.SpaceID != "s1" {
		t.Errorf("observation = %+v", o)
	}
}

func TestDispatch_DeniedClaimReplies(t *testing.T) {
	h := newHarness(t, nil)
	h.mgr.observeErr = &help.EligibilityError{Reason: help.DenyCooldown, SpaceID: "s2", UserID: "u", Message: "slow down"}
	h.d.Handle(MessageObserved{MessageID: "m1", GuildID: "g1", SpaceID: "s2", AuthorID: "u", Content: "question"})
	h.drain(t)

	if len(h.msgs.replies) != 1 || h.msgs.replies[0] != "s2/m1: slow down" {
		t.Errorf("replies = %v", h.msgs.replies)
	}
}

func TestDispatch_DormantMessageDeleted(t *testing.T) {
	h := newHarness(t, nil)
	h.mgr.observeErr = fmt.Errorf("%w: s3", help.ErrDormantMessage)
	h.d.Handle(MessageObserved{MessageID: "m9", GuildID: "g1", SpaceID: "s3", AuthorID: "u", Content: "hi"})
	h.drain(t)

	if len(h.msgs.deleted) != 1 || h.msgs.deleted[0] != "s3/m9" {
		t.Errorf("deleted = %v", h.msgs.deleted)
	}
}

func TestDispatch_SpaceCreatedAndMemberLeft(t *testing.T) {
	h := newHarness(t, nil)
	h.d.Handle(SpaceCreated{GuildID: "g1", SpaceID: "s5", Kind: models.SpaceKindForum, OwnerID: "u", Name: "how do I"})
	h.d.Handle(MemberLeft{GuildID: "g1", UserID: "u"})
	h.drain(t)

	if len(h.mgr.created) != 1 || h.mgr.created[0].OwnerID != "u" {
		t.Errorf("created = %+v", h.mgr.created)
	}
	if len(h.mgr.released) != 1 || h.mgr.released[0] != "g1/u" {
		t.Errorf("released = %v", h.mgr.released)
	}
}

func TestDispatch_UnconfiguredGuildIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.mgr.createErr = fmt.Errorf("%w: g9", config.ErrGuildNotConfigured)
	h.d.Handle(SpaceCreated{GuildID: "g9", SpaceID: "s1"})
	h.drain(t)
	if len(h.mgr.created) != 1 {
		t.Errorf("created = %d, want 1", len(h.mgr.created))
	}
}

func TestDispatch_Close(t *testing.T) {
	tests := []struct {
		name       string
		actor      string
		space      string
		privileged bool
		wantClosed bool
		wantReply  string
	}{
		{"owner", "owner", "s1", false, true, "1 helper(s) earned 4.00"},
		{"stranger", "other", "s1", false, false, "not allowed"},
		{"staff", "staff", "s1", true, true, "Session closed"},
		{"no session", "owner", "s9", false, false, "not an active help session"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			r := &replies{}
			h.d.Handle(InteractionInvoked{Kind: InteractionClose, GuildID: "g1", ActorID: tt.actor, SpaceID: tt.space, Privileged: tt.privileged, Reply: r.fn()})
			h.drain(t)

			if got := len(h.mgr.closed) == 1; got != tt.wantClosed {
				t.Errorf("closed = %v, want %v", h.mgr.closed, tt.wantClosed)
			}
			if got := r.last(t); !strings.Contains(got, tt.wantReply) {
				t.Errorf("reply = %q, want substring %q", got, tt.wantReply)
			}
		})
	}
}

func TestDispatch_Thank(t *testing.T) {
	h := newHarness(t, nil)
	r := &replies{}
	h.d.Handle(InteractionInvoked{Kind: InteractionThank, GuildID: "g1", ActorID: "owner", SpaceID: "s1", TargetUserID: "h", Reply: r.fn()})
	h.drain(t)

	if len(h.mgr.thanked) != 1 || h.mgr.thanked[0] != "s1:owner->h" {
		t.Errorf("thanked = %v", h.mgr.thanked)
	}
	if got := r.last(t); got != "Thanked <@h>." {
		t.Errorf("reply = %q", got)
	}
}

func TestDispatch_ThankErrors(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{experience.ErrAlreadyThanked, "already thanked"},
		{fmt.Errorf("%w: x", help.ErrNotOwner), "Only the owner"},
		{fmt.Errorf("%w: x", help.ErrInvalidTarget), "can't thank"},
		{errors.New("db down"), "Something went wrong"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			h := newHarness(t, nil)
			h.mgr.thankErr = tt.err
			r := &replies{}
			h.d.Handle(InteractionInvoked{Kind: InteractionThank, ActorID: "owner", SpaceID: "s1", TargetUserID: "h", Reply: r.fn()})
			h.drain(t)
			if got := r.last(t); !strings.Contains(got, tt.want) {
				t.Errorf("reply = %q, want substring %q", got, tt.want)
			}
		})
	}
}

func TestDispatch_ThankDone(t *testing.T) {
	h := newHarness(t, nil)
	r := &replies{}
	h.d.Handle(InteractionInvoked{Kind: InteractionThankDone, GuildID: "g1", ActorID: "owner", SpaceID: "s1", TargetUserID: "h", Reply: r.fn()})
	h.drain(t)

	if len(h.mgr.thankDone) != 1 || h.mgr.thankDone[0] != "s1:owner->h" {
		t.Errorf("thank-done = %v", h.mgr.thankDone)
	}
	if got := r.last(t); got != "Thanked <@h> and closed the session. 1 helper(s) earned 10.00 experience." {
		t.Errorf("reply = %q", got)
	}
}

func TestDispatch_ThankDoneNotOwner(t *testing.T) {
	h := newHarness(t, nil)
	h.mgr.thankErr = fmt.Errorf("%w: x", help.ErrNotOwner)
	r := &replies{}
	h.d.Handle(InteractionInvoked{Kind: InteractionThankDone, ActorID: "other", SpaceID: "s1", TargetUserID: "h", Reply: r.fn()})
	h.drain(t)
	if got := r.last(t); !strings.Contains(got, "Only the owner") {
		t.Errorf("reply = %q", got)
	}
}

func TestDispatch_MarkBest(t *testing.T) {
	h := newHarness(t, nil)
	r := &replies{}
	h.d.Handle(InteractionInvoked{Kind: InteractionMarkBest, GuildID: "g1", ActorID: "owner", SpaceID: "s1", TargetUserID: "h", SubmissionID: "sub1", Reply: r.fn()})
	h.d.Handle(InteractionInvoked{Kind: InteractionMarkBest, GuildID: "g1", ActorID: "other", SpaceID: "s1", TargetUserID: "h", SubmissionID: "sub2", Reply: r.fn()})
	h.drain(t)

	if len(h.mgr.marked) != 1 || h.mgr.marked[0] != "sub1:h" {
		t.Errorf("marked = %v, want only sub1", h.mgr.marked)
	}
	if got := r.last(t); !strings.Contains(got, "not allowed") {
		t.Errorf("reply = %q, want not allowed for a non-owner", got)
	}
}

func TestDispatch_Account(t *testing.T) {
	h := newHarness(t, nil)
	r := &replies{}
	h.d.Handle(InteractionInvoked{Kind: InteractionAccount, ActorID: "owner", Reply: r.fn()})
	h.drain(t)
	if got := r.last(t); got != "<@owner> has 12.50 help experience." {
		t.Errorf("reply = %q", got)
	}
}

func TestDispatch_RateLimited(t *testing.T) {
	l := NewLimiter(0.001, 1)
	h := newHarness(t, l)
	r := &replies{}
	if !h.d.Handle(InteractionInvoked{Kind: InteractionAccount, ActorID: "owner", Reply: r.fn()}) {
		t.Fatal("first interaction dropped")
	}
	if h.d.Handle(InteractionInvoked{Kind: InteractionAccount, ActorID: "owner", Reply: r.fn()}) {
		t.Fatal("second interaction should be rate limited")
	}
	h.drain(t)
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.text) != 2 || !strings.Contains(r.text[0]+r.text[1], "too often") {
		t.Errorf("replies = %v", r.text)
	}
}

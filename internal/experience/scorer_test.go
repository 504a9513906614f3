package experience

import (
	"context"
	"errors"
	"testing"

	"github.com/zulandar/helpdesk/internal/models"
	"github.com/zulandar/helpdesk/internal/msgcache"
)

func testScorer(t *testing.T) (*Scorer, *Ledger) {
	t.Helper()
	l := testLedger(t)
	s, err := NewScorer(l)
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}
	return s, l
}

func TestNewScorer_RequiresLedger(t *testing.T) {
	if _, err := NewScorer(nil); err == nil {
		t.Fatal("expected error for nil ledger")
	}
}

func TestAward(t *testing.T) {
	s, l := testScorer(t)
	res := &models.Reservation{ID: "r1", GuildID: "g1", OwnerID: "owner"}
	msgs := []msgcache.Message{m("U1", 4), m("U2", 40), m("owner", 100)}

	sum, err := s.Award(context.Background(), res, msgs, basePolicy)
	if err != nil {
		t.Fatalf("Award: %v", err)
	}
	if len(sum.Awards) != 1 || sum.Awards[0].UserID != "U2" || !sum.Total.Equal(d("10")) {
		t.Errorf("summary = %+v", sum)
	}
	assertBalance(t, l, "U2", "10")
	assertBalance(t, l, "U1", "0")

	txns, _ := l.Transactions(context.Background(), "U2", 0)
	if len(txns) != 1 || txns[0].Reason != models.ReasonHelped || *txns[0].IdempotencyKey != "helped:r1:U2" {
		t.Errorf("transactions = %+v", txns)
	}
}

func TestAward_RetryDoesNotDoublePay(t *testing.T) {
	s, l := testScorer(t)
	res := &models.Reservation{ID: "r1", GuildID: "g1", OwnerID: "owner"}
	msgs := []msgcache.Message{m("a", 50), m("b", 50)}

	if _, err := s.Award(context.Background(), res, msgs, basePolicy); err != nil {
		t.Fatalf("first Award: %v", err)
	}
	sum, err := s.Award(context.Background(), res, msgs, basePolicy)
	if err != nil {
		t.Fatalf("retried Award: %v", err)
	}
	for _, a := range sum.Awards {
		if !a.Replayed {
			t.Errorf("award %s not marked replayed", a.UserID)
		}
	}
	assertBalance(t, l, "a", "5")
	assertBalance(t, l, "b", "5")
}

func TestCommitted(t *testing.T) {
	s, l := testScorer(t)
	ctx := context.Background()
	res := &models.Reservation{ID: "r1", GuildID: "g1", OwnerID: "owner"}
	other := &models.Reservation{ID: "r2", GuildID: "g1", OwnerID: "owner"}

	if _, err := s.Award(ctx, res, []msgcache.Message{m("a", 30), m("b", 70)}, basePolicy); err != nil {
		t.Fatalf("Award: %v", err)
	}
	if _, err := s.Award(ctx, other, []msgcache.Message{m("a", 30)}, basePolicy); err != nil {
		t.Fatalf("Award other: %v", err)
	}
	if _, err := s.Thank(ctx, "r1", "a", "g1", d("3")); err != nil {
		t.Fatalf("Thank: %v", err)
	}

	sum, err := s.Committed(ctx, res)
	if err != nil {
		t.Fatalf("Committed: %v", err)
	}
	if len(sum.Awards) != 2 || sum.Awards[0].UserID != "a" || sum.Awards[1].UserID != "b" {
		t.Fatalf("awards = %+v, want a and b", sum.Awards)
	}
	if !sum.Awards[0].Points.Equal(d("3")) || !sum.Awards[1].Points.Equal(d("7")) || !sum.Total.Equal(d("10")) {
		t.Errorf("summary = %+v, want 3 + 7", sum)
	}
	for _, a := range sum.Awards {
		if !a.Replayed {
			t.Errorf("award %s not marked replayed", a.UserID)
		}
	}
	assertBalance(t, l, "a", "16")

	none, err := s.Committed(ctx, &models.Reservation{ID: "r9"})
	if err != nil || len(none.Awards) != 0 || !none.Total.IsZero() {
		t.Errorf("Committed(unscored) = %+v, %v", none, err)
	}
}

func TestAward_Empty(t *testing.T) {
	s, _ := testScorer(t)
	res := &models.Reservation{ID: "r1", OwnerID: "owner"}
	sum, err := s.Award(context.Background(), res, nil, basePolicy)
	if err != nil {
		t.Fatalf("Award: %v", err)
	}
	if len(sum.Awards) != 0 || !sum.Total.IsZero() {
		t.Errorf("summary = %+v, want empty", sum)
	}
}

func TestMarkBestAnswer(t *testing.T) {
	s, l := testScorer(t)
	ctx := context.Background()

	if _, err := s.MarkBestAnswer(ctx, "sub-1", "u1", "g1", d("1")); err != nil {
		t.Fatalf("MarkBestAnswer: %v", err)
	}
	_, err := s.MarkBestAnswer(ctx, "sub-1", "u1", "g1", d("1"))
	if !errors.Is(err, ErrAlreadyMarked) {
		t.Errorf("second MarkBestAnswer err = %v, want ErrAlreadyMarked", err)
	}
	assertBalance(t, l, "u1", "1")

	if _, err := s.MarkBestAnswer(ctx, "", "u1", "g1", d("1")); err == nil {
		t.Error("expected error for empty submission id")
	}
}

func TestThank(t *testing.T) {
	s, l := testScorer(t)
	ctx := context.Background()

	if _, err := s.Thank(ctx, "r1", "helper", "g1", d("3")); err != nil {
		t.Fatalf("Thank: %v", err)
	}
	if _, err := s.Thank(ctx, "r1", "helper", "g1", d("3")); !errors.Is(err, ErrAlreadyThanked) {
		t.Errorf("second Thank err = %v, want ErrAlreadyThanked", err)
	}
	if _, err := s.Thank(ctx, "r2", "helper", "g1", d("3")); err != nil {
		t.Fatalf("Thank in another session: %v", err)
	}
	assertBalance(t, l, "helper", "6")
}

func TestLedgerIntegrity_MixedActivity(t *testing.T) {
	s, l := testScorer(t)
	ctx := context.Background()
	res := &models.Reservation{ID: "r1", GuildID: "g1", OwnerID: "owner"}
	s.Award(ctx, res, []msgcache.Message{m("a", 30), m("b", 70)}, basePolicy)
	s.Thank(ctx, "r1", "a", "g1", d("3"))
	s.MarkBestAnswer(ctx, "sub-9", "b", "g1", d("1"))
	l.RemoveExperienceFromAll(ctx, DecayPolicy{Amount: d("2.5")}, "day-1")

	assertBalance(t, l, "a", "3.5")
	assertBalance(t, l, "b", "5.5")
	bad, err := l.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	if len(bad) != 0 {
		t.Errorf("inconsistent: %+v", bad)
	}
}

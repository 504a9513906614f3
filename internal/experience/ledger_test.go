package experience

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/zulandar/helpdesk/internal/db"
	"github.com/zulandar/helpdesk/internal/models"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	gdb, err := db.Connect("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close(gdb) })
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	l, err := NewLedger(gdb)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func adjust(t *testing.T, l *Ledger, user, delta, reason, key string) *models.HelpTransaction {
	t.Helper()
	txn, err := l.Adjust(context.Background(), Adjustment{UserID: user, Delta: d(delta), Reason: reason, IdempotencyKey: key})
	if err != nil {
		t.Fatalf("Adjust(%s, %s): %v", user, delta, err)
	}
	return txn
}

func assertBalance(t *testing.T, l *Ledger, user, want string) {
	t.Helper()
	got, err := l.Balance(context.Background(), user)
	if err != nil {
		t.Fatalf("Balance(%s): %v", user, err)
	}
	if !got.Equal(d(want)) {
		t.Errorf("Balance(%s) = %s, want %s", user, got, want)
	}
}

func TestNewLedger_RequiresDB(t *testing.T) {
	if _, err := NewLedger(nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestBalance_NoAccount(t *testing.T) {
	l := testLedger(t)
	assertBalance(t, l, "nobody", "0")
	if _, err := l.Account(context.Background(), "nobody"); !errors.Is(err, ErrNoAccount) {
		t.Errorf("Account err = %v, want ErrNoAccount", err)
	}
}

func TestAdjust(t *testing.T) {
	l := testLedger(t)
	adjust(t, l, "u1", "3.33", models.ReasonHelped, "")
	adjust(t, l, "u1", "3.33", models.ReasonHelped, "")
	assertBalance(t, l, "u1", "6.66")

	acct, err := l.Account(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if acct.Version != 2 {
		t.Errorf("Version = %d, want 2", acct.Version)
	}
}

func TestAdjust_Validation(t *testing.T) {
	l := testLedger(t)
	if _, err := l.Adjust(context.Background(), Adjustment{Reason: models.ReasonHelped}); err == nil {
		t.Error("expected error for missing user")
	}
	if _, err := l.Adjust(context.Background(), Adjustment{UserID: "u1"}); err == nil {
		t.Error("expected error for missing reason")
	}
}

func TestAdjust_ClampsAtZero(t *testing.T) {
	l := testLedger(t)
	adjust(t, l, "u1", "3", models.ReasonHelped, "")
	txn := adjust(t, l, "u1", "-10", models.ReasonDecay, "")

	if !txn.Delta.Equal(d("-3")) {
		t.Errorf("applied delta = %s, want -3", txn.Delta)
	}
	assertBalance(t, l, "u1", "0")
}

func TestAdjust_Duplicate(t *testing.T) {
	l := testLedger(t)
	first := adjust(t, l, "u1", "5", models.ReasonBestAnswer, "best-answer:42")

	txn, err := l.Adjust(context.Background(), Adjustment{UserID: "u1", Delta: d("5"), Reason: models.ReasonBestAnswer, IdempotencyKey: "best-answer:42"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	if txn == nil || txn.ID != first.ID {
		t.Errorf("duplicate returned %+v, want original id %d", txn, first.ID)
	}
	assertBalance(t, l, "u1", "5")
}

func TestAdjust_ConcurrentSameUser(t *testing.T) {
	l := testLedger(t)
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Adjust(context.Background(), Adjustment{UserID: "u1", Delta: d("1"), Reason: models.ReasonHelped}); err != nil {
				t.Errorf("Adjust: %v", err)
			}
		}()
	}
	wg.Wait()

	assertBalance(t, l, "u1", "25")
	v, err := l.Verify(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !v.Consistent() {
		t.Errorf("balance %s != sum %s", v.Balance, v.Sum)
	}
}

func TestTransactions(t *testing.T) {
	l := testLedger(t)
	adjust(t, l, "u1", "1", models.ReasonHelped, "")
	adjust(t, l, "u1", "2", models.ReasonThanked, "")
	adjust(t, l, "u2", "9", models.ReasonHelped, "")

	txns, err := l.Transactions(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("len = %d, want 2", len(txns))
	}
	if txns[0].Reason != models.ReasonThanked {
		t.Errorf("newest reason = %s, want THANKED", txns[0].Reason)
	}
	limited, _ := l.Transactions(context.Background(), "u1", 1)
	if len(limited) != 1 {
		t.Errorf("limited len = %d, want 1", len(limited))
	}
}

func TestLeaderboard(t *testing.T) {
	l := testLedger(t)
	adjust(t, l, "low", "1", models.ReasonHelped, "")
	adjust(t, l, "high", "30", models.ReasonHelped, "")
	adjust(t, l, "mid", "7.5", models.ReasonHelped, "")
	adjust(t, l, "zero", "2", models.ReasonHelped, "")
	adjust(t, l, "zero", "-2", models.ReasonDecay, "")

	top, err := l.Leaderboard(context.Background(), 10)
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	want := []string{"high", "mid", "low"}
	if len(top) != len(want) {
		t.Fatalf("len = %d, want %d", len(top), len(want))
	}
	for i, u := range want {
		if top[i].UserID != u {
			t.Errorf("top[%d] = %s, want %s", i, top[i].UserID, u)
		}
	}
}

func TestVerifyAll(t *testing.T) {
	l := testLedger(t)
	adjust(t, l, "u1", "4", models.ReasonHelped, "")
	adjust(t, l, "u2", "6", models.ReasonHelped, "")

	bad, err := l.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	if len(bad) != 0 {
		t.Errorf("inconsistent accounts: %+v", bad)
	}

	// Tamper with a balance behind the ledger's back.
	l.db.Model(&models.HelpAccount{}).Where("user_id = ?", "u2").Update("balance", d("99"))
	bad, _ = l.VerifyAll(context.Background())
	if len(bad) != 1 || bad[0].UserID != "u2" {
		t.Errorf("VerifyAll = %+v, want [u2]", bad)
	}
}

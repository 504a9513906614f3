// Package experience keeps the help point economy: a ledger of per-user
// balances backed by an append-only transaction log, the scoring of closed
// help sessions, and the daily decay.
package experience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/helpdesk/internal/keylock"
	"github.com/zulandar/helpdesk/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrDuplicate is returned by Adjust when the idempotency key was already
	// committed. The original transaction is returned alongside it.
	ErrDuplicate = errors.New("experience: duplicate transaction")
	// ErrNoAccount is returned for users that never had a transaction.
	ErrNoAccount = errors.New("experience: account not found")

	errVersionConflict = errors.New("experience: version conflict")
)

const maxAdjustAttempts = 5

// Adjustment describes one balance change. When Compute is set it derives
// the delta from the balance read inside the transaction and Delta is
// ignored.
type Adjustment struct {
	UserID         string
	GuildID        string
	Delta          decimal.Decimal
	Compute        func(balance decimal.Decimal) decimal.Decimal
	Reason         string
	IdempotencyKey string
}

// Ledger is the gorm-backed experience ledger.
type Ledger struct {
	db    *gorm.DB
	locks keylock.Locker
	now   func() time.Time
}

// NewLedger creates a Ledger on db.
func NewLedger(db *gorm.DB) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("experience: db is required")
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// Balance returns the user's balance, zero when they have no account.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	acct, err := l.Account(ctx, userID)
	if errors.Is(err, ErrNoAccount) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

// Account returns the stored account row of a user.
func (l *Ledger) Account(ctx context.Context, userID string) (*models.HelpAccount, error) {
	var acct models.HelpAccount
	if err := l.db.WithContext(ctx).Where("user_id = ?", userID).First(&acct).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoAccount, userID)
		}
		return nil, fmt.Errorf("experience: get account %s: %w", userID, err)
	}
	return &acct, nil
}

// Adjust appends a transaction and updates the balance atomically. A
// negative delta never takes the balance below zero; the recorded delta is
// the one actually applied.
func (l *Ledger) Adjust(ctx context.Context, a Adjustment) (*models.HelpTransaction, error) {
	if a.UserID == "" {
		return nil, fmt.Errorf("experience: user id is required")
	}
	if a.Reason == "" {
		return nil, fmt.Errorf("experience: reason is required")
	}

	unlock := l.locks.Lock(a.UserID)
	defer unlock()

	var (
		txn *models.HelpTransaction
		err error
	)
	for attempt := 0; attempt < maxAdjustAttempts; attempt++ {
		txn, err = l.adjustOnce(ctx, a)
		if !errors.Is(err, errVersionConflict) {
			break
		}
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		existing, ferr := l.byKey(ctx, a.IdempotencyKey)
		if ferr != nil {
			return nil, ferr
		}
		return existing, fmt.Errorf("%w: %s", ErrDuplicate, a.IdempotencyKey)
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (l *Ledger) adjustOnce(ctx context.Context, a Adjustment) (*models.HelpTransaction, error) {
	var txn models.HelpTransaction
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if a.IdempotencyKey != "" {
			var n int64
			if err := tx.Model(&models.HelpTransaction{}).Where("idempotency_key = ?", a.IdempotencyKey).Count(&n).Error; err != nil {
				return fmt.Errorf("experience: check key: %w", err)
			}
			if n > 0 {
				return gorm.ErrDuplicatedKey
			}
		}

		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.HelpAccount{UserID: a.UserID, Balance: decimal.Zero}).Error; err != nil {
			return fmt.Errorf("experience: open account %s: %w", a.UserID, err)
		}
		var acct models.HelpAccount
		if err := tx.Where("user_id = ?", a.UserID).First(&acct).Error; err != nil {
			return fmt.Errorf("experience: read account %s: %w", a.UserID, err)
		}

		delta := a.Delta
		if a.Compute != nil {
			delta = a.Compute(acct.Balance)
		}
		next := acct.Balance.Add(delta)
		if next.IsNegative() {
			next = decimal.Zero
			delta = acct.Balance.Neg()
		}

		now := l.now()
		result := tx.Model(&models.HelpAccount{}).
			Where("user_id = ? AND version = ?", a.UserID, acct.Version).
			Updates(map[string]interface{}{
				"balance":    next,
				"version":    acct.Version + 1,
				"updated_at": now,
			})
		if result.Error != nil {
			return fmt.Errorf("experience: update balance %s: %w", a.UserID, result.Error)
		}
		if result.RowsAffected == 0 {
			return errVersionConflict
		}

		txn = models.HelpTransaction{
			UserID:    a.UserID,
			GuildID:   a.GuildID,
			Delta:     delta,
			Reason:    a.Reason,
			CreatedAt: now,
		}
		if a.IdempotencyKey != "" {
			key := a.IdempotencyKey
			txn.IdempotencyKey = &key
		}
		if err := tx.Create(&txn).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return err
			}
			return fmt.Errorf("experience: append transaction %s: %w", a.UserID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (l *Ledger) byKey(ctx context.Context, key string) (*models.HelpTransaction, error) {
	var txn models.HelpTransaction
	if err := l.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&txn).Error; err != nil {
		return nil, fmt.Errorf("experience: get transaction %s: %w", key, err)
	}
	return &txn, nil
}

// Transactions lists a user's transactions, newest first. A limit of zero
// returns all of them.
func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]models.HelpTransaction, error) {
	q := l.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.HelpTransaction
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("experience: list transactions %s: %w", userID, err)
	}
	return out, nil
}

// SessionAwards lists the HELPED transactions committed for a reservation,
// ordered by user.
func (l *Ledger) SessionAwards(ctx context.Context, reservationID string) ([]models.HelpTransaction, error) {
	var out []models.HelpTransaction
	err := l.db.WithContext(ctx).
		Where("reason = ? AND idempotency_key LIKE ?", models.ReasonHelped, HelpedKey(reservationID, "")+"%").
		Order("user_id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("experience: session awards %s: %w", reservationID, err)
	}
	return out, nil
}

// Leaderboard returns the accounts with the highest balances.
func (l *Ledger) Leaderboard(ctx context.Context, limit int) ([]models.HelpAccount, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []models.HelpAccount
	err := l.db.WithContext(ctx).
		Where("balance > 0").
		Order("balance DESC, user_id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("experience: leaderboard: %w", err)
	}
	return out, nil
}

// Verification compares a stored balance with the sum of its transactions.
type Verification struct {
	UserID  string
	Balance decimal.Decimal
	Sum     decimal.Decimal
}

// Consistent reports whether the balance equals the transaction sum.
func (v Verification) Consistent() bool {
	return v.Balance.Equal(v.Sum)
}

// Verify checks the balance of one user against their transaction log.
func (l *Ledger) Verify(ctx context.Context, userID string) (*Verification, error) {
	balance, err := l.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	txns, err := l.Transactions(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	sum := decimal.Zero
	for _, t := range txns {
		sum = sum.Add(t.Delta)
	}
	return &Verification{UserID: userID, Balance: balance, Sum: sum}, nil
}

// VerifyAll checks every account and returns the inconsistent ones.
func (l *Ledger) VerifyAll(ctx context.Context) ([]Verification, error) {
	var ids []string
	if err := l.db.WithContext(ctx).Model(&models.HelpAccount{}).Order("user_id").Pluck("user_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("experience: list accounts: %w", err)
	}
	var bad []Verification
	for _, id := range ids {
		v, err := l.Verify(ctx, id)
		if err != nil {
			return nil, err
		}
		if !v.Consistent() {
			bad = append(bad, *v)
		}
	}
	return bad, nil
}

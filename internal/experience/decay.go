package experience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/helpdesk/internal/config"
	"github.com/zulandar/helpdesk/internal/models"
	"gorm.io/gorm/clause"
)

// ErrPartialDecay is returned when some accounts of a run failed to decay.
var ErrPartialDecay = errors.New("experience: decay incomplete")

const decayBatchSize = 100

var hundred = decimal.NewFromInt(100)

// DecayPolicy bounds the daily decrement of every balance.
type DecayPolicy struct {
	Amount  decimal.Decimal // fixed decrement
	Percent decimal.Decimal // proportional decrement, 0-100
	Floor   decimal.Decimal // balances never decay below this
	Ceiling decimal.Decimal // maximum decrement per run, 0 for none
}

// DecayPolicyFor builds the decay policy from configuration.
func DecayPolicyFor(c config.DecayConfig) DecayPolicy {
	return DecayPolicy{
		Amount:  decimal.NewFromFloat(c.Amount),
		Percent: decimal.NewFromFloat(c.Percent),
		Floor:   decimal.NewFromFloat(c.Floor),
		Ceiling: decimal.NewFromFloat(c.Ceiling),
	}
}

// Decrement returns how much a balance loses in one run.
func (p DecayPolicy) Decrement(balance decimal.Decimal) decimal.Decimal {
	if balance.LessThanOrEqual(p.Floor) || !balance.IsPositive() {
		return decimal.Zero
	}
	d := decimal.Max(p.Amount, balance.Mul(p.Percent).Div(hundred))
	if p.Ceiling.IsPositive() && d.GreaterThan(p.Ceiling) {
		d = p.Ceiling
	}
	next := decimal.Max(balance.Sub(d), p.Floor, decimal.Zero)
	return balance.Sub(next).Truncate(2)
}

// DecayResult summarizes one decay run.
type DecayResult struct {
	RunID   string
	Decayed int
	Skipped int // already decayed by an earlier attempt of this run
	Failed  int
	Total   decimal.Decimal
}

// DecayRunID returns the run id of a decay fired at t.
func DecayRunID(t time.Time) string {
	return t.Format("2006-01-02")
}

// DecayKey is the idempotency key of one account's decay in a run.
func DecayKey(runID, userID string) string {
	return fmt.Sprintf("decay:%s:%s", runID, userID)
}

// RemoveExperienceFromAll decays every balance above the floor. Accounts
// are processed in batches; a failed account is logged and counted, and the
// run carries on. Repeating a run id never decays an account twice.
func (l *Ledger) RemoveExperienceFromAll(ctx context.Context, p DecayPolicy, runID string) (*DecayResult, error) {
	if runID == "" {
		return nil, fmt.Errorf("experience: run id is required")
	}
	res := &DecayResult{RunID: runID, Total: decimal.Zero}

	run := models.DecayRun{ID: runID, StartedAt: l.now()}
	if err := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&run).Error; err != nil {
		return nil, fmt.Errorf("experience: record decay run %s: %w", runID, err)
	}

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("experience: decay run %s: %w", runID, err)
		}
		var batch []models.HelpAccount
		err := l.db.WithContext(ctx).
			Where("user_id > ?", after).
			Order("user_id ASC").
			Limit(decayBatchSize).
			Find(&batch).Error
		if err != nil {
			return res, fmt.Errorf("experience: decay run %s: list accounts: %w", runID, err)
		}
		if len(batch) == 0 {
			break
		}
		after = batch[len(batch)-1].UserID

		for _, acct := range batch {
			if p.Decrement(acct.Balance).IsZero() {
				continue
			}
			txn, err := l.Adjust(ctx, Adjustment{
				UserID:         acct.UserID,
				Compute:        func(b decimal.Decimal) decimal.Decimal { return p.Decrement(b).Neg() },
				Reason:         models.ReasonDecay,
				IdempotencyKey: DecayKey(runID, acct.UserID),
			})
			switch {
			case errors.Is(err, ErrDuplicate):
				res.Skipped++
			case err != nil:
				res.Failed++
				log.WithFields(log.Fields{
					"run":  runID,
					"user": acct.UserID,
				}).WithError(err).Error("decay account failed")
			default:
				res.Decayed++
				res.Total = res.Total.Add(txn.Delta.Neg())
			}
		}
	}

	if res.Failed > 0 {
		return res, fmt.Errorf("%w: %d of %d accounts failed in run %s", ErrPartialDecay, res.Failed, res.Failed+res.Decayed+res.Skipped, runID)
	}
	now := l.now()
	if err := l.db.WithContext(ctx).Model(&models.DecayRun{}).Where("id = ?", runID).Updates(map[string]interface{}{
		"finished_at": now,
		"accounts":    res.Decayed + res.Skipped,
	}).Error; err != nil {
		return res, fmt.Errorf("experience: finish decay run %s: %w", runID, err)
	}
	return res, nil
}

// LastDecayRun returns the most recently started decay run.
func (l *Ledger) LastDecayRun(ctx context.Context) (*models.DecayRun, error) {
	var run models.DecayRun
	result := l.db.WithContext(ctx).Order("started_at DESC").Limit(1).Find(&run)
	if result.Error != nil {
		return nil, fmt.Errorf("experience: last decay run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &run, nil
}

package experience

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/zulandar/helpdesk/internal/models"
	"github.com/zulandar/helpdesk/internal/msgcache"
)

var (
	ErrAlreadyMarked  = errors.New("experience: submission already marked as best answer")
	ErrAlreadyThanked = errors.New("experience: helper already thanked")
)

// HelpedKey is the idempotency key of a helper's award for a session.
func HelpedKey(reservationID, userID string) string {
	return fmt.Sprintf("helped:%s:%s", reservationID, userID)
}

// BestAnswerKey is the idempotency key of a best-answer award.
func BestAnswerKey(submissionID string) string {
	return "best-answer:" + submissionID
}

// ThankedKey is the idempotency key of a thank for a helper in a session.
func ThankedKey(reservationID, helperID string) string {
	return fmt.Sprintf("thanked:%s:%s", reservationID, helperID)
}

// Award is the points one helper received for a session.
type Award struct {
	UserID string
	Points decimal.Decimal
	// Replayed is true when the award had been committed by an earlier
	// attempt.
	Replayed bool
}

// Summary is the outcome of scoring one session.
type Summary struct {
	ReservationID string
	Awards        []Award
	Total         decimal.Decimal
}

// Scorer commits session scores and one-off awards through the Ledger.
type Scorer struct {
	ledger *Ledger
}

// NewScorer creates a Scorer writing to ledger.
func NewScorer(ledger *Ledger) (*Scorer, error) {
	if ledger == nil {
		return nil, fmt.Errorf("experience: ledger is required")
	}
	return &Scorer{ledger: ledger}, nil
}

// Award scores a session and commits one HELPED transaction per helper.
// Awards already committed for the reservation count as success, so a
// retried close never pays twice. On error the returned summary holds the
// awards committed so far.
func (s *Scorer) Award(ctx context.Context, res *models.Reservation, messages []msgcache.Message, p ScoringPolicy) (*Summary, error) {
	points := Compute(messages, res.OwnerID, p)
	users := make([]string, 0, len(points))
	for u := range points {
		users = append(users, u)
	}
	sort.Strings(users)

	sum := &Summary{ReservationID: res.ID, Total: decimal.Zero}
	for _, u := range users {
		award := Award{UserID: u, Points: points[u]}
		_, err := s.ledger.Adjust(ctx, Adjustment{
			UserID:         u,
			GuildID:        res.GuildID,
			Delta:          points[u],
			Reason:         models.ReasonHelped,
			IdempotencyKey: HelpedKey(res.ID, u),
		})
		switch {
		case errors.Is(err, ErrDuplicate):
			award.Replayed = true
		case err != nil:
			return sum, fmt.Errorf("experience: award %s for %s: %w", u, res.ID, err)
		}
		sum.Awards = append(sum.Awards, award)
		sum.Total = sum.Total.Add(award.Points)
	}
	return sum, nil
}

// Committed rebuilds the summary of a session from the HELPED transactions
// already in the ledger. Every award is marked Replayed.
func (s *Scorer) Committed(ctx context.Context, res *models.Reservation) (*Summary, error) {
	txns, err := s.ledger.SessionAwards(ctx, res.ID)
	if err != nil {
		return nil, err
	}
	sum := &Summary{ReservationID: res.ID, Total: decimal.Zero}
	for _, t := range txns {
		sum.Awards = append(sum.Awards, Award{UserID: t.UserID, Points: t.Delta, Replayed: true})
		sum.Total = sum.Total.Add(t.Delta)
	}
	return sum, nil
}

// MarkBestAnswer awards the author of a submission once.
func (s *Scorer) MarkBestAnswer(ctx context.Context, submissionID, userID, guildID string, points decimal.Decimal) (*models.HelpTransaction, error) {
	if submissionID == "" {
		return nil, fmt.Errorf("experience: submission id is required")
	}
	txn, err := s.ledger.Adjust(ctx, Adjustment{
		UserID:         userID,
		GuildID:        guildID,
		Delta:          points,
		Reason:         models.ReasonBestAnswer,
		IdempotencyKey: BestAnswerKey(submissionID),
	})
	if errors.Is(err, ErrDuplicate) {
		return txn, fmt.Errorf("%w: %s", ErrAlreadyMarked, submissionID)
	}
	return txn, err
}

// Thank pays a helper the thank increment once per reservation.
func (s *Scorer) Thank(ctx context.Context, reservationID, helperID, guildID string, points decimal.Decimal) (*models.HelpTransaction, error) {
	txn, err := s.ledger.Adjust(ctx, Adjustment{
		UserID:         helperID,
		GuildID:        guildID,
		Delta:          points,
		Reason:         models.ReasonThanked,
		IdempotencyKey: ThankedKey(reservationID, helperID),
	})
	if errors.Is(err, ErrDuplicate) {
		return txn, fmt.Errorf("%w: %s in %s", ErrAlreadyThanked, helperID, reservationID)
	}
	return txn, err
}

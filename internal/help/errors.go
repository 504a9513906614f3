package help

import (
	"errors"
	"fmt"
)

var (
	// ErrEligibilityDenied matches every *EligibilityError.
	ErrEligibilityDenied = errors.New("help: reservation denied")
	// ErrPersistence wraps store and ledger failures. The space is left in
	// its previous state and the operation may be retried.
	ErrPersistence = errors.New("help: persistence failure")
	// ErrNoReservation is returned when a space has no open reservation.
	ErrNoReservation = errors.New("help: no open reservation")
	// ErrDormantMessage is returned for messages posted in a dormant space;
	// the transport deletes them.
	ErrDormantMessage = errors.New("help: message in dormant space")
	// ErrNotOwner is returned when a non-owner attempts an owner action.
	ErrNotOwner = errors.New("help: not the reservation owner")
	// ErrUnknownSpace is returned for spaces that were never registered.
	ErrUnknownSpace = errors.New("help: unknown space")
	// ErrInvalidTarget is returned when an action targets the wrong user.
	ErrInvalidTarget = errors.New("help: invalid target user")
)

// DenyReason says why a claim was refused.
type DenyReason string

const (
	DenySpaceNotOpen   DenyReason = "space_not_open"
	DenyHasReservation DenyReason = "has_reservation"
	DenyCooldown       DenyReason = "cooldown"
)

// EligibilityError is returned by Claim when the user may not claim the
// space. Nothing was changed.
type EligibilityError struct {
	Reason  DenyReason
	SpaceID string
	UserID  string
	Message string // user-facing text from the guild configuration
}

func (e *EligibilityError) Error() string {
	return fmt.Sprintf("help: reservation of %s by %s denied: %s", e.SpaceID, e.UserID, e.Reason)
}

// Is makes errors.Is(err, ErrEligibilityDenied) hold.
func (e *EligibilityError) Is(target error) bool {
	return target == ErrEligibilityDenied
}

func persistence(op, id string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrPersistence, op, id, err)
}

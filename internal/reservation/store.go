// Package reservation persists help spaces and their reservations.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/helpdesk/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrSpaceNotFound = errors.New("reservation: space not found")
	ErrSpaceNotOpen  = errors.New("reservation: space not open")
	ErrNotFound      = errors.New("reservation: no open reservation")
	ErrStateConflict = errors.New("reservation: space state changed")
)

// SpaceFilters holds optional filters for listing spaces.
type SpaceFilters struct {
	GuildID string
	Kind    string
	State   string
}

// Store is the gorm-backed store for HelpSpace and Reservation rows.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store on db.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("reservation: db is required")
	}
	return &Store{db: db}, nil
}

// RegisterSpace records a space. An existing row keeps its state, owner and
// canonical name; only the parent is refreshed. The platform name of a
// reserved space encodes its claimant and must never become canonical.
func (s *Store) RegisterSpace(ctx context.Context, space *models.HelpSpace) error {
	if space.ID == "" {
		return fmt.Errorf("reservation: space id is required")
	}
	if space.GuildID == "" {
		return fmt.Errorf("reservation: guild id is required")
	}
	if space.Kind == "" {
		space.Kind = models.SpaceKindChannel
	}
	if space.State == "" {
		space.State = models.SpaceOpen
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"parent_id"}),
	}).Create(space).Error
	if err != nil {
		return fmt.Errorf("reservation: register space %s: %w", space.ID, err)
	}
	return nil
}

// Space retrieves a space by id.
func (s *Store) Space(ctx context.Context, id string) (*models.HelpSpace, error) {
	var space models.HelpSpace
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&space).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSpaceNotFound, id)
		}
		return nil, fmt.Errorf("reservation: get space %s: %w", id, err)
	}
	return &space, nil
}

// Spaces lists spaces matching f, ordered by name.
func (s *Store) Spaces(ctx context.Context, f SpaceFilters) ([]models.HelpSpace, error) {
	q := s.db.WithContext(ctx).Model(&models.HelpSpace{})
	if f.GuildID != "" {
		q = q.Where("guild_id = ?", f.GuildID)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	var spaces []models.HelpSpace
	if err := q.Order("name ASC").Find(&spaces).Error; err != nil {
		return nil, fmt.Errorf("reservation: list spaces: %w", err)
	}
	return spaces, nil
}

// Create claims an open space for owner. The open to reserved transition is
// a conditional update, so exactly one of several concurrent callers wins;
// the others get ErrSpaceNotOpen.
func (s *Store) Create(ctx context.Context, spaceID, ownerID string, at time.Time) (*models.Reservation, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("reservation: owner id is required")
	}
	var res models.Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.HelpSpace{}).
			Where("id = ? AND state = ?", spaceID, models.SpaceOpen).
			Updates(map[string]interface{}{
				"state":      models.SpaceReserved,
				"owner_id":   ownerID,
				"updated_at": at,
			})
		if result.Error != nil {
			return fmt.Errorf("reservation: claim space %s: %w", spaceID, result.Error)
		}
		if result.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&models.HelpSpace{}).Where("id = ?", spaceID).Count(&n).Error; err != nil {
				return fmt.Errorf("reservation: claim space %s: %w", spaceID, err)
			}
			if n == 0 {
				return fmt.Errorf("%w: %s", ErrSpaceNotFound, spaceID)
			}
			return fmt.Errorf("%w: %s", ErrSpaceNotOpen, spaceID)
		}

		var space models.HelpSpace
		if err := tx.Where("id = ?", spaceID).First(&space).Error; err != nil {
			return fmt.Errorf("reservation: claim space %s: %w", spaceID, err)
		}
		active := spaceID
		res = models.Reservation{
			SpaceID:       spaceID,
			GuildID:       space.GuildID,
			OwnerID:       ownerID,
			ActiveSpaceID: &active,
			CreatedAt:     at,
		}
		if err := tx.Create(&res).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %s", ErrSpaceNotOpen, spaceID)
			}
			return fmt.Errorf("reservation: create: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// OpenForSpace returns the open reservation of a space.
func (s *Store) OpenForSpace(ctx context.Context, spaceID string) (*models.Reservation, error) {
	var res models.Reservation
	err := s.db.WithContext(ctx).Where("active_space_id = ?", spaceID).First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: space %s", ErrNotFound, spaceID)
		}
		return nil, fmt.Errorf("reservation: open for space %s: %w", spaceID, err)
	}
	return &res, nil
}

// OpenForOwner lists the open reservations of owner in a guild, oldest first.
// An empty guildID matches every guild.
func (s *Store) OpenForOwner(ctx context.Context, guildID, ownerID string) ([]models.Reservation, error) {
	q := s.db.WithContext(ctx).Where("owner_id = ? AND closed_at IS NULL", ownerID)
	if guildID != "" {
		q = q.Where("guild_id = ?", guildID)
	}
	var out []models.Reservation
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("reservation: open for owner %s: %w", ownerID, err)
	}
	return out, nil
}

// OpenInGuild lists every open reservation of a guild.
func (s *Store) OpenInGuild(ctx context.Context, guildID string) ([]models.Reservation, error) {
	var out []models.Reservation
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND closed_at IS NULL", guildID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("reservation: open in guild %s: %w", guildID, err)
	}
	return out, nil
}

// LastForOwner returns the most recently created reservation of owner,
// open or closed.
func (s *Store) LastForOwner(ctx context.Context, guildID, ownerID string) (*models.Reservation, error) {
	var res models.Reservation
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND owner_id = ?", guildID, ownerID).
		Order("created_at DESC").
		First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: owner %s", ErrNotFound, ownerID)
		}
		return nil, fmt.Errorf("reservation: last for owner %s: %w", ownerID, err)
	}
	return &res, nil
}

// MarkScored sets the completion marker. Marking twice is a no-op.
func (s *Store) MarkScored(ctx context.Context, reservationID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Reservation{}).
		Where("id = ? AND scored_at IS NULL", reservationID).
		Update("scored_at", at).Error
	if err != nil {
		return fmt.Errorf("reservation: mark scored %s: %w", reservationID, err)
	}
	return nil
}

// Close ends an open reservation and moves its space to nextState in one
// transaction. A reservation that is already closed yields ErrNotFound.
func (s *Store) Close(ctx context.Context, reservationID, nextState, closedBy string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res models.Reservation
		if err := tx.Where("id = ?", reservationID).First(&res).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, reservationID)
			}
			return fmt.Errorf("reservation: close %s: %w", reservationID, err)
		}
		result := tx.Model(&models.Reservation{}).
			Where("id = ? AND closed_at IS NULL", reservationID).
			Updates(map[string]interface{}{
				"closed_at":       at,
				"closed_by":       closedBy,
				"active_space_id": nil,
			})
		if result.Error != nil {
			return fmt.Errorf("reservation: close %s: %w", reservationID, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s already closed", ErrNotFound, reservationID)
		}
		if err := tx.Model(&models.HelpSpace{}).Where("id = ?", res.SpaceID).Updates(map[string]interface{}{
			"state":      nextState,
			"owner_id":   nil,
			"updated_at": at,
		}).Error; err != nil {
			return fmt.Errorf("reservation: close %s: move space: %w", reservationID, err)
		}
		return nil
	})
}

// Transition moves a space from one state to another, optionally renaming
// it. It fails with ErrStateConflict when the space is no longer in from.
func (s *Store) Transition(ctx context.Context, spaceID, from, to, name string, at time.Time) error {
	updates := map[string]interface{}{"state": to, "updated_at": at}
	if name != "" {
		updates["name"] = name
	}
	result := s.db.WithContext(ctx).Model(&models.HelpSpace{}).
		Where("id = ? AND state = ?", spaceID, from).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("reservation: transition %s: %w", spaceID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s is not %s", ErrStateConflict, spaceID, from)
	}
	return nil
}

// CanonicalNames returns the names of every channel space in a guild except
// the one given, for the naming strategy.
func (s *Store) CanonicalNames(ctx context.Context, guildID, exceptID string) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&models.HelpSpace{}).
		Where("guild_id = ? AND kind = ? AND id <> ?", guildID, models.SpaceKindChannel, exceptID).
		Pluck("name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("reservation: names in guild %s: %w", guildID, err)
	}
	return names, nil
}

// DormantBefore lists dormant spaces of a guild last changed before t.
func (s *Store) DormantBefore(ctx context.Context, guildID string, t time.Time) ([]models.HelpSpace, error) {
	var out []models.HelpSpace
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND state = ? AND updated_at < ?", guildID, models.SpaceDormant, t).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("reservation: dormant in guild %s: %w", guildID, err)
	}
	return out, nil
}

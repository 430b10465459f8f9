package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anishanne/COMPOSE/internal/presence"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidProfile indicates a profile payload without a usable user id.
var ErrInvalidProfile = errors.New("users: invalid profile")

// ResolverConfig describes the dependencies required for profile resolution.
type ResolverConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Resolver serves batched profile lookups for roster rendering. Resolved
// profiles are cached per user; presence refetches happen every few
// keystrokes and profile data changes rarely.
type Resolver struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewResolver constructs the profile resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Resolver{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// ResolveProfiles fetches profiles for all the given user ids in one query.
// Users without a stored profile are absent from the result; callers treat
// that as an anonymous entry, never as a failure.
func (r *Resolver) ResolveProfiles(ctx context.Context, userIDs []string) (map[string]presence.Profile, error) {
	resolved := make(map[string]presence.Profile, len(userIDs))
	missing := make([]string, 0, len(userIDs))

	for _, rawID := range userIDs {
		userID := normalize(rawID)
		if userID == "" {
			continue
		}
		if _, done := resolved[userID]; done {
			continue
		}
		if cached, ok := r.cache.Load(userID); ok {
			profile, ok := cached.(presence.Profile)
			if ok {
				resolved[userID] = profile
				continue
			}
		}
		missing = append(missing, userID)
	}

	if len(missing) == 0 {
		return resolved, nil
	}

	var rows []Profile
	err := r.db.WithContext(ctx).
		Where("user_id IN ?", missing).
		Find(&rows).
		Error
	if err != nil {
		return nil, fmt.Errorf("users: profile lookup: %w", err)
	}

	for _, row := range rows {
		profile := presence.Profile{
			UserID:      row.UserID,
			DisplayName: row.DisplayName,
			AvatarURL:   row.AvatarURL,
		}
		resolved[row.UserID] = profile
		r.cache.Store(row.UserID, profile)
	}
	return resolved, nil
}

// SaveProfile upserts a profile snippet, typically from validated session
// claims the first time a user shows up.
func (r *Resolver) SaveProfile(ctx context.Context, profile Profile) error {
	userID := normalize(profile.UserID)
	if userID == "" {
		return ErrInvalidProfile
	}
	profile.UserID = userID
	profile.UpdatedAt = r.now().UTC()

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"display_name",
				"email",
				"avatar_url",
				"updated_at",
			}),
		}).
		Create(&profile).
		Error
	if err != nil {
		return fmt.Errorf("users: profile save: %w", err)
	}

	r.cache.Store(userID, presence.Profile{
		UserID:      userID,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
	})
	return nil
}

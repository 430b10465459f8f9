package presence

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultStalenessHorizon = 30 * time.Second

var (
	errMissingDatabase = errors.New("presence: database handle is required")
	noOpLogger         = zap.NewNop()
)

// ProfileResolver fetches display profiles for a batch of user identifiers.
// Implementations return whatever subset they could resolve; missing users
// are simply absent from the map.
type ProfileResolver interface {
	ResolveProfiles(ctx context.Context, userIDs []string) (map[string]Profile, error)
}

// StoreConfig describes the dependencies of a presence Store.
type StoreConfig struct {
	Database *gorm.DB
	Profiles ProfileResolver
	Feed     *ChangeFeed
	Clock    func() time.Time
	Logger   *zap.Logger
	// StalenessHorizon bounds how old a row may be and still count as
	// active. Zero selects the 30 second default.
	StalenessHorizon time.Duration
}

// Store reads and mutates presence rows. Every failure is logged and
// degraded rather than surfaced: fetches return an empty roster, mutations
// return nothing. Callers must not assume a mutation took effect.
type Store struct {
	db       *gorm.DB
	profiles ProfileResolver
	feed     *ChangeFeed
	clock    func() time.Time
	logger   *zap.Logger
	horizon  time.Duration
}

// NewStore constructs a presence store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	horizon := cfg.StalenessHorizon
	if horizon <= 0 {
		horizon = defaultStalenessHorizon
	}
	return &Store{
		db:       cfg.Database,
		profiles: cfg.Profiles,
		feed:     cfg.Feed,
		clock:    clock,
		logger:   logger,
		horizon:  horizon,
	}, nil
}

// FetchActiveRoster returns the active roster for a document: rows newer
// than the staleness horizon, collapsed to one entry per user by greatest
// last_seen, ordered freshest first. Storage failures yield an empty roster
// and profile failures yield entries without profiles.
func (s *Store) FetchActiveRoster(ctx context.Context, documentID DocumentID) []ActiveEditor {
	cutoff := s.clock().UTC().Add(-s.horizon)

	var rows []Record
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND last_seen > ?", documentID.Int64(), cutoff).
		Order("last_seen DESC").
		Find(&rows).
		Error
	if err != nil {
		s.logger.Error("presence fetch failed",
			zap.Int64("document_id", documentID.Int64()),
			zap.Error(err))
		return []ActiveEditor{}
	}

	collapsed := collapsePerUser(rows)
	profiles := s.resolveProfiles(ctx, documentID, collapsed)

	roster := make([]ActiveEditor, 0, len(collapsed))
	for _, row := range collapsed {
		entry := ActiveEditor{Record: row}
		if profile, ok := profiles[row.UserID]; ok {
			resolved := profile
			entry.Profile = &resolved
		}
		roster = append(roster, entry)
	}
	return roster
}

// UpsertPresence inserts or refreshes the row keyed by
// (document, user, field) and stamps last_seen with the current time.
func (s *Store) UpsertPresence(ctx context.Context, req UpsertRequest) {
	if err := req.validate(); err != nil {
		s.logger.Warn("presence upsert rejected", zap.Error(err))
		return
	}

	row := Record{
		DocumentID:     req.DocumentID.Int64(),
		UserID:         req.UserID.String(),
		FieldName:      req.FieldName.String(),
		CursorPosition: req.CursorPosition,
		SelectionStart: req.SelectionStart,
		SelectionEnd:   req.SelectionEnd,
		LastSeen:       s.clock().UTC(),
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "document_id"},
				{Name: "user_id"},
				{Name: "field_name"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"cursor_position",
				"selection_start",
				"selection_end",
				"last_seen",
			}),
		}).
		Create(&row).
		Error
	if err != nil {
		s.logger.Warn("presence upsert failed",
			zap.Int64("document_id", req.DocumentID.Int64()),
			zap.String("user_id", req.UserID.String()),
			zap.String("field_name", req.FieldName.String()),
			zap.Error(err))
		return
	}

	s.publishChange(ChangeEvent{
		DocumentID: req.DocumentID,
		UserID:     req.UserID.String(),
		FieldName:  req.FieldName.String(),
		Kind:       ChangeKindUpsert,
		Timestamp:  row.LastSeen,
	})
}

// RemovePresence deletes every row the user holds in the document. Invoked
// on departure.
func (s *Store) RemovePresence(ctx context.Context, documentID DocumentID, userID UserID) {
	result := s.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", documentID.Int64(), userID.String()).
		Delete(&Record{})
	if result.Error != nil {
		s.logger.Warn("presence delete failed",
			zap.Int64("document_id", documentID.Int64()),
			zap.String("user_id", userID.String()),
			zap.Error(result.Error))
		return
	}

	s.publishChange(ChangeEvent{
		DocumentID: documentID,
		UserID:     userID.String(),
		Kind:       ChangeKindDelete,
		Timestamp:  s.clock().UTC(),
	})
}

// RemoveOtherFields deletes the user's rows for every field except
// keepFieldName. Invoked on focus change so the table stays bounded to
// currently focused fields.
func (s *Store) RemoveOtherFields(ctx context.Context, documentID DocumentID, userID UserID, keepFieldName FieldName) {
	result := s.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ? AND field_name <> ?",
			documentID.Int64(), userID.String(), keepFieldName.String()).
		Delete(&Record{})
	if result.Error != nil {
		s.logger.Warn("presence field cleanup failed",
			zap.Int64("document_id", documentID.Int64()),
			zap.String("user_id", userID.String()),
			zap.String("keep_field", keepFieldName.String()),
			zap.Error(result.Error))
		return
	}
	if result.RowsAffected == 0 {
		return
	}

	s.publishChange(ChangeEvent{
		DocumentID: documentID,
		UserID:     userID.String(),
		FieldName:  keepFieldName.String(),
		Kind:       ChangeKindDelete,
		Timestamp:  s.clock().UTC(),
	})
}

func (s *Store) publishChange(event ChangeEvent) {
	if s.feed == nil {
		return
	}
	s.feed.Publish(event)
}

func (s *Store) resolveProfiles(ctx context.Context, documentID DocumentID, rows []Record) map[string]Profile {
	if s.profiles == nil || len(rows) == 0 {
		return nil
	}
	userIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		userIDs = append(userIDs, row.UserID)
	}
	profiles, err := s.profiles.ResolveProfiles(ctx, userIDs)
	if err != nil {
		s.logger.Warn("profile lookup failed",
			zap.Int64("document_id", documentID.Int64()),
			zap.Int("user_count", len(userIDs)),
			zap.Error(err))
		return nil
	}
	return profiles
}

// collapsePerUser reduces rows to one per user keeping the strictly greatest
// last_seen; an equal or older row never replaces the kept one. Input is
// ordered freshest first and that order is preserved in the output.
func collapsePerUser(rows []Record) []Record {
	kept := make(map[string]int, len(rows))
	collapsed := make([]Record, 0, len(rows))
	for _, row := range rows {
		index, seen := kept[row.UserID]
		if !seen {
			kept[row.UserID] = len(collapsed)
			collapsed = append(collapsed, row)
			continue
		}
		if row.LastSeen.After(collapsed[index].LastSeen) {
			collapsed[index] = row
		}
	}
	return collapsed
}
